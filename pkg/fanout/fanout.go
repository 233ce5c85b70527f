// Package fanout coordinates parallel sub-steps with a full-barrier
// join
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/types"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

// DefaultBatchSize caps how many sub-items share one step
const DefaultBatchSize = 5

// Step is one independent branch of a fan-out call
type Step struct {
	Name string

	// Required marks the step fatal: its failure fails the whole call
	Required bool

	Run func(ctx context.Context) (*types.Payload, error)
}

// StepResult holds one branch's outcome in its original slot
type StepResult struct {
	Name     string
	Required bool
	Payload  *types.Payload
	Err      error
	Duration time.Duration
}

// SynthesizeFunc combines surviving step results into one output
type SynthesizeFunc func(results []StepResult) (*types.Payload, error)

// Coordinator runs steps on the shared worker pool. A failing branch
// never cancels its siblings; every branch runs to its own outcome
// before results are evaluated.
type Coordinator struct {
	pool   *workerpool.Pool
	logger *logging.Logger
}

// NewCoordinator creates a coordinator over the given pool
func NewCoordinator(pool *workerpool.Pool, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Coordinator{
		pool:   pool,
		logger: logger.WithComponent("fanout"),
	}
}

// Run executes all steps and blocks until every branch has finished.
// The result slice is positional: results[i] belongs to steps[i].
func (c *Coordinator) Run(ctx context.Context, steps []Step) []StepResult {
	results := make([]StepResult, len(steps))

	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)

		i, step := i, step
		run := func() {
			defer wg.Done()
			started := time.Now()
			payload, err := step.Run(ctx)
			results[i] = StepResult{
				Name:     step.Name,
				Required: step.Required,
				Payload:  payload,
				Err:      err,
				Duration: time.Since(started),
			}
		}

		// Steps often fan out from inside a pool worker. Falling back to
		// a dedicated goroutine when the backlog is full keeps the
		// barrier from deadlocking on the pool's own capacity.
		if err := c.pool.TrySubmit(run); err != nil {
			go run()
		}
	}
	wg.Wait()

	return results
}

// Survivors filters to successful results
func Survivors(results []StepResult) []StepResult {
	var out []StepResult
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

// RunAndSynthesize runs all steps, filters optional failures, and feeds
// the survivors to synth. The call fails when a required step fails or
// when nothing survives.
func (c *Coordinator) RunAndSynthesize(ctx context.Context, steps []Step, synth SynthesizeFunc) (*types.Payload, error) {
	results := c.Run(ctx, steps)

	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if r.Required {
			return nil, fmt.Errorf("required step %s failed: %w", r.Name, r.Err)
		}
		c.logger.WithError(r.Err).Warn("optional step %s failed, continuing without it", r.Name)
	}

	survivors := Survivors(results)
	if len(survivors) == 0 {
		return nil, fmt.Errorf("all %d steps failed", len(steps))
	}

	return synth(survivors)
}

// Batch groups items into fixed-size batches so a large fan-out becomes
// a bounded number of steps. A size of zero or less uses
// DefaultBatchSize.
func Batch[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}

	var batches [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
