package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizome-dev/quill/pkg/types"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	pool := workerpool.New(4, 16)
	t.Cleanup(pool.Stop)
	return NewCoordinator(pool, nil)
}

func payload(s string) *types.Payload {
	return &types.Payload{Schema: "test", Version: 1, Data: json.RawMessage(`"` + s + `"`)}
}

func TestRunPositionalResults(t *testing.T) {
	coordinator := newTestCoordinator(t)

	steps := []Step{
		{Name: "one", Run: func(ctx context.Context) (*types.Payload, error) { return payload("one"), nil }},
		{Name: "two", Run: func(ctx context.Context) (*types.Payload, error) { return nil, errors.New("boom") }},
		{Name: "three", Run: func(ctx context.Context) (*types.Payload, error) { return payload("three"), nil }},
	}

	results := coordinator.Run(context.Background(), steps)
	require.Len(t, results, 3)
	assert.Equal(t, "one", results[0].Name)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "three", results[2].Name)
	assert.NoError(t, results[2].Err)

	survivors := Survivors(results)
	assert.Len(t, survivors, 2)
}

func TestFailingBranchDoesNotCancelSiblings(t *testing.T) {
	coordinator := newTestCoordinator(t)

	var finished atomic.Int64
	steps := []Step{
		{Name: "fails-fast", Run: func(ctx context.Context) (*types.Payload, error) {
			return nil, errors.New("immediate failure")
		}},
	}
	for i := 0; i < 4; i++ {
		steps = append(steps, Step{
			Name: fmt.Sprintf("slow-%d", i),
			Run: func(ctx context.Context) (*types.Payload, error) {
				time.Sleep(20 * time.Millisecond)
				finished.Add(1)
				return payload("ok"), nil
			},
		})
	}

	results := coordinator.Run(context.Background(), steps)
	assert.Equal(t, int64(4), finished.Load(), "siblings must run to completion")
	assert.Len(t, Survivors(results), 4)
}

func TestRunAndSynthesizeFiltersOptionalFailures(t *testing.T) {
	coordinator := newTestCoordinator(t)

	steps := []Step{
		{Name: "good", Run: func(ctx context.Context) (*types.Payload, error) { return payload("good"), nil }},
		{Name: "bad", Run: func(ctx context.Context) (*types.Payload, error) { return nil, errors.New("boom") }},
	}

	var synthesized []string
	result, err := coordinator.RunAndSynthesize(context.Background(), steps, func(results []StepResult) (*types.Payload, error) {
		for _, r := range results {
			synthesized = append(synthesized, r.Name)
		}
		return payload("combined"), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, []string{"good"}, synthesized)
}

func TestRunAndSynthesizeRequiredFailure(t *testing.T) {
	coordinator := newTestCoordinator(t)

	steps := []Step{
		{Name: "good", Run: func(ctx context.Context) (*types.Payload, error) { return payload("good"), nil }},
		{Name: "critical", Required: true, Run: func(ctx context.Context) (*types.Payload, error) {
			return nil, errors.New("boom")
		}},
	}

	_, err := coordinator.RunAndSynthesize(context.Background(), steps, func(results []StepResult) (*types.Payload, error) {
		t.Fatal("synthesis must not run after a required failure")
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical")
}

func TestRunAndSynthesizeAllFailed(t *testing.T) {
	coordinator := newTestCoordinator(t)

	steps := []Step{
		{Name: "a", Run: func(ctx context.Context) (*types.Payload, error) { return nil, errors.New("a") }},
		{Name: "b", Run: func(ctx context.Context) (*types.Payload, error) { return nil, errors.New("b") }},
	}

	_, err := coordinator.RunAndSynthesize(context.Background(), steps, func(results []StepResult) (*types.Payload, error) {
		t.Fatal("synthesis must not run with zero survivors")
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 steps failed")
}

func TestNestedFanoutDoesNotDeadlock(t *testing.T) {
	// Single worker, tiny queue: inner steps cannot fit in the pool and
	// must fall back to dedicated goroutines
	pool := workerpool.New(1, 1)
	defer pool.Stop()
	coordinator := NewCoordinator(pool, nil)

	outer := []Step{
		{Name: "outer", Run: func(ctx context.Context) (*types.Payload, error) {
			inner := []Step{
				{Name: "inner-a", Run: func(ctx context.Context) (*types.Payload, error) { return payload("a"), nil }},
				{Name: "inner-b", Run: func(ctx context.Context) (*types.Payload, error) { return payload("b"), nil }},
			}
			results := coordinator.Run(ctx, inner)
			if len(Survivors(results)) != 2 {
				return nil, errors.New("inner steps failed")
			}
			return payload("outer"), nil
		}},
	}

	done := make(chan []StepResult, 1)
	go func() {
		done <- coordinator.Run(context.Background(), outer)
	}()

	select {
	case results := <-done:
		assert.Len(t, Survivors(results), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("nested fanout deadlocked")
	}
}

func TestBatch(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g"}

	batches := Batch(items, 5)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 5)
	assert.Len(t, batches[1], 2)

	// Zero size falls back to the default
	batches = Batch(items, 0)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], DefaultBatchSize)

	assert.Empty(t, Batch([]string(nil), 5))
}
