// Package orchestrator provides the core dispatch engine: it creates
// tasks, hands them to the worker pool, and settles their terminal
// state through the lifecycle manager
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/events"
	"github.com/rizome-dev/quill/pkg/fallback"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/metrics"
	"github.com/rizome-dev/quill/pkg/registry"
	"github.com/rizome-dev/quill/pkg/types"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

// Config holds orchestrator dependencies. Metrics and Notifier are
// optional.
type Config struct {
	Lifecycle *lifecycle.Manager
	Registry  *registry.Registry
	Pool      *workerpool.Pool
	Notifier  *events.Notifier
	Metrics   *metrics.Collector
	Logger    *logging.Logger
}

// Orchestrator runs the dispatch pipeline for submitted tasks
type Orchestrator struct {
	lifecycle *lifecycle.Manager
	registry  *registry.Registry
	pool      *workerpool.Pool
	notifier  *events.Notifier
	metrics   *metrics.Collector
	logger    *logging.Logger
	tracer    oteltrace.Tracer

	wg sync.WaitGroup
}

// New creates an orchestrator. The registry's fallback references are
// validated here so a dangling fallback kind fails construction, not a
// task.
func New(config Config) (*Orchestrator, error) {
	if config.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}

	if err := config.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("registry validation failed: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Orchestrator{
		lifecycle: config.Lifecycle,
		registry:  config.Registry,
		pool:      config.Pool,
		notifier:  config.Notifier,
		metrics:   config.Metrics,
		logger:    logger.WithComponent("orchestrator"),
		tracer:    metrics.Tracer(),
	}, nil
}

// Submit creates a task and enqueues it, blocking while the pool
// backlog is full. The task is returned in pending state; execution is
// asynchronous.
func (o *Orchestrator) Submit(ctx context.Context, req lifecycle.CreateRequest) (*types.Task, error) {
	return o.submit(ctx, req, false)
}

// TrySubmit creates a task and enqueues it without blocking. When the
// backlog is full the returned error is ErrQueueFull and the task is
// failed so no pending record lingers unobserved.
func (o *Orchestrator) TrySubmit(ctx context.Context, req lifecycle.CreateRequest) (*types.Task, error) {
	return o.submit(ctx, req, true)
}

func (o *Orchestrator) submit(ctx context.Context, req lifecycle.CreateRequest, nonBlocking bool) (*types.Task, error) {
	if _, err := o.registry.Resolve(req.AgentID); err != nil {
		return nil, err
	}

	task, err := o.lifecycle.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	run := func() {
		defer o.wg.Done()
		o.run(task.ID)
	}

	if nonBlocking {
		err = o.pool.TrySubmit(run)
	} else {
		err = o.pool.Submit(ctx, run)
	}
	if err != nil {
		o.wg.Done()
		o.settleUnrunnable(ctx, task.ID, err)
		return task, err
	}

	return task, nil
}

// settleUnrunnable fails a task that never reached a worker
func (o *Orchestrator) settleUnrunnable(ctx context.Context, taskID string, cause error) {
	if _, err := o.lifecycle.Start(ctx, taskID); err != nil {
		o.logger.WithTask(taskID).WithError(err).Error("failed to settle unrunnable task")
		return
	}
	if _, err := o.lifecycle.Fail(ctx, taskID, cause.Error()); err != nil {
		o.logger.WithTask(taskID).WithError(err).Error("failed to settle unrunnable task")
	}
}

// run executes one task on a pool worker
func (o *Orchestrator) run(taskID string) {
	ctx, span := o.tracer.Start(context.Background(), "dispatch",
		oteltrace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := o.lifecycle.Start(ctx, taskID)
	if err != nil {
		// A task settled externally between enqueue and pickup loses
		// the start race and is dropped
		o.logger.WithTask(taskID).WithError(err).Warn("task not startable, dropping")
		return
	}

	span.SetAttributes(
		attribute.String("task.agent", task.AgentID),
		attribute.String("task.owner", task.OwnerID),
	)

	reg, err := o.registry.Resolve(task.AgentID)
	if err != nil {
		o.settle(ctx, taskID, nil, err)
		return
	}

	primary := func(ctx context.Context) (*types.Payload, error) {
		return reg.Capability.Execute(ctx, task)
	}

	var fb fallback.Invoker
	if reg.FallbackKind != "" {
		fbReg, err := o.registry.Resolve(reg.FallbackKind)
		if err != nil {
			o.settle(ctx, taskID, nil, err)
			return
		}
		fb = func(ctx context.Context) (*types.Payload, error) {
			return fbReg.Capability.Execute(ctx, task)
		}
	}

	result, err := fallback.Invoke(ctx, o.logger.WithTask(taskID), primary, fb)
	if err != nil {
		o.settle(ctx, taskID, nil, err)
		return
	}

	if result.UsedFallback && o.metrics != nil {
		o.metrics.RecordFallback(task.AgentID)
	}

	o.settle(ctx, taskID, result, nil)
}

// settle writes the terminal state. A task already failed by the
// timeout sweep rejects the write; the late result is logged and
// discarded.
func (o *Orchestrator) settle(ctx context.Context, taskID string, result *fallback.Result, cause error) {
	var err error
	switch {
	case cause != nil:
		_, err = o.lifecycle.Fail(ctx, taskID, cause.Error())
	case result.UsedFallback:
		_, err = o.lifecycle.CompleteDegraded(ctx, taskID, result.Payload, result.PrimaryFailure)
	default:
		_, err = o.lifecycle.Complete(ctx, taskID, result.Payload)
	}

	if err != nil {
		if qerrors.IsInvalidTransition(err) {
			o.logger.WithTask(taskID).Warn("late result dropped: %v", err)
			return
		}
		o.logger.WithTask(taskID).WithError(err).Error("failed to settle task")
	}
}

// Task returns a task snapshot
func (o *Orchestrator) Task(ctx context.Context, taskID string) (*types.Task, error) {
	return o.lifecycle.Get(ctx, taskID)
}

// Wait blocks until every dispatched task has settled
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop drains the pool, waits for in-flight tasks, and closes the
// notifier so subscribers see every emitted event
func (o *Orchestrator) Stop() {
	o.pool.Stop()
	o.wg.Wait()
	if o.notifier != nil {
		o.notifier.Close()
	}
}
