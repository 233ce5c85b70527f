// Package sweeper runs the periodic timeout and retention sweeps
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/rizome-dev/quill/pkg/config"
	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/memory"
)

// Sweeper schedules the timeout and retention sweeps. Sweeps are also
// callable directly so operators and tests can force a pass.
type Sweeper struct {
	config    config.SweeperConfig
	tasks     *lifecycle.Manager
	memory    *memory.Store
	logger    *logging.Logger
	scheduler gocron.Scheduler
}

// New creates a sweeper over the given lifecycle manager and memory
// store
func New(cfg config.SweeperConfig, tasks *lifecycle.Manager, mem *memory.Store, logger *logging.Logger) (*Sweeper, error) {
	if tasks == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if mem == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Sweeper{
		config:    cfg,
		tasks:     tasks,
		memory:    mem,
		logger:    logger.WithComponent("sweeper"),
		scheduler: scheduler,
	}, nil
}

// Start registers and starts the periodic jobs
func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.config.TimeoutInterval),
		gocron.NewTask(func() {
			if err := s.RunTimeoutSweep(context.Background()); err != nil {
				s.logger.WithError(err).Error("timeout sweep failed")
			}
		}),
		gocron.WithName("timeout-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(s.config.RetentionInterval),
		gocron.NewTask(func() {
			if err := s.RunRetentionSweep(context.Background()); err != nil {
				s.logger.WithError(err).Error("retention sweep failed")
			}
		}),
		gocron.WithName("retention-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.scheduler.Start()
	s.logger.Info("sweeper started: timeout every %s (threshold %s), retention every %s",
		s.config.TimeoutInterval, s.config.TimeoutThreshold, s.config.RetentionInterval)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// RunTimeoutSweep fails every processing task whose StartedAt is older
// than the threshold. Tasks that reach a terminal state between the
// query and the write lose the race cleanly and are skipped.
func (s *Sweeper) RunTimeoutSweep(ctx context.Context) error {
	candidates, err := s.tasks.TimedOutCandidates(ctx, s.config.TimeoutThreshold)
	if err != nil {
		return fmt.Errorf("failed to query timeout candidates: %w", err)
	}

	failed := 0
	for _, task := range candidates {
		if _, err := s.tasks.FailTimedOut(ctx, task.ID); err != nil {
			if qerrors.IsInvalidTransition(err) || qerrors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to time out task %s: %w", task.ID, err)
		}
		failed++
	}

	if failed > 0 {
		s.logger.Info("timeout sweep failed %d of %d candidates", failed, len(candidates))
	}
	return nil
}

// RunRetentionSweep deletes old terminal tasks and stale memory entries
func (s *Sweeper) RunRetentionSweep(ctx context.Context) error {
	now := time.Now().UTC()

	taskCount, err := s.tasks.PurgeTerminalBefore(ctx, now.Add(-s.config.TaskRetention))
	if err != nil {
		return fmt.Errorf("failed to purge terminal tasks: %w", err)
	}

	memCount, err := s.memory.PurgeUntouchedBefore(ctx, now.Add(-s.config.MemoryRetention))
	if err != nil {
		return fmt.Errorf("failed to purge memory entries: %w", err)
	}

	if taskCount > 0 || memCount > 0 {
		s.logger.Info("retention sweep removed %d tasks and %d memory entries", taskCount, memCount)
	}
	return nil
}
