package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/events"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/registry"
	"github.com/rizome-dev/quill/pkg/state"
	"github.com/rizome-dev/quill/pkg/types"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

type fakeCapability struct {
	kind    string
	payload *types.Payload
	err     error
	block   chan struct{}
}

func (c *fakeCapability) Kind() string { return c.kind }

func (c *fakeCapability) Execute(ctx context.Context, task *types.Task) (*types.Payload, error) {
	if c.block != nil {
		<-c.block
	}
	return c.payload, c.err
}

type harness struct {
	orch    *Orchestrator
	manager *lifecycle.Manager
	store   state.Store
	pool    *workerpool.Pool
}

func newHarness(t *testing.T, workers, queueSize int, caps ...registry.Registration) *harness {
	t.Helper()

	store := state.NewMemoryStore()
	notifier := events.NewNotifier(nil)
	notifier.Subscribe("event-log", events.NewStoreRecorder(store, nil))

	manager := lifecycle.NewManager(store, notifier, nil)
	pool := workerpool.New(workers, queueSize)

	reg := registry.New()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}

	orch, err := New(Config{
		Lifecycle: manager,
		Registry:  reg,
		Pool:      pool,
		Notifier:  notifier,
	})
	require.NoError(t, err)

	t.Cleanup(orch.Stop)
	return &harness{orch: orch, manager: manager, store: store, pool: pool}
}

func docRequest(id string, agentID string) lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		ID:      id,
		AgentID: agentID,
		OwnerID: "owner-1",
		Input: types.Payload{
			Schema:  "document",
			Version: 1,
			Data:    json.RawMessage(`{"id":"doc-1"}`),
		},
	}
}

func TestSubmitCompletesTask(t *testing.T) {
	result := &types.Payload{Schema: "summary", Version: 1, Data: json.RawMessage(`{"summary":"ok"}`)}
	h := newHarness(t, 2, 8, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer", payload: result},
	})
	ctx := context.Background()

	task, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	h.orch.Wait()

	settled, err := h.orch.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, settled.Status)
	require.NotNil(t, settled.Result)
	assert.Equal(t, "summary", settled.Result.Schema)
	assert.False(t, settled.UsedFallback)
}

func TestSubmitFailsTaskOnCapabilityError(t *testing.T) {
	h := newHarness(t, 2, 8, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer", err: errors.New("provider exploded")},
	})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	h.orch.Wait()

	settled, err := h.orch.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, settled.Status)
	assert.Contains(t, settled.Error, "provider exploded")
}

func TestSubmitUnknownKindRejected(t *testing.T) {
	h := newHarness(t, 1, 4, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer"},
	})

	_, err := h.orch.Submit(context.Background(), docRequest("t1", "unknown"))
	assert.True(t, qerrors.IsNotFound(err))

	// No task record was created
	_, err = h.orch.Task(context.Background(), "t1")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestFallbackKindProducesDegradedResult(t *testing.T) {
	backupResult := &types.Payload{Schema: "summary", Version: 1, Data: json.RawMessage(`{"summary":"backup"}`)}
	h := newHarness(t, 2, 8,
		registry.Registration{
			Capability:   &fakeCapability{kind: "summarizer", err: errors.New("primary down")},
			FallbackKind: "backup-summarizer",
		},
		registry.Registration{
			Capability: &fakeCapability{kind: "backup-summarizer", payload: backupResult},
		},
	)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	h.orch.Wait()

	settled, err := h.orch.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, settled.Status)
	assert.True(t, settled.UsedFallback)
	assert.Contains(t, settled.PrimaryFailure, "primary down")
	require.NotNil(t, settled.Result)
}

func TestBothAttemptsFailPreservesBothCauses(t *testing.T) {
	h := newHarness(t, 2, 8,
		registry.Registration{
			Capability:   &fakeCapability{kind: "summarizer", err: errors.New("primary down")},
			FallbackKind: "backup-summarizer",
		},
		registry.Registration{
			Capability: &fakeCapability{kind: "backup-summarizer", err: errors.New("backup down")},
		},
	)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	h.orch.Wait()

	settled, err := h.orch.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, settled.Status)
	assert.Contains(t, settled.Error, "primary down")
	assert.Contains(t, settled.Error, "backup down")
}

func TestTrySubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, 1, 1, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer", block: block},
	})
	ctx := context.Background()

	// Occupy the worker and the single backlog slot
	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, docRequest("t2", "summarizer"))
	require.NoError(t, err)

	// Wait until the worker has picked t1 up, so the backlog state is
	// deterministic
	require.Eventually(t, func() bool {
		return h.pool.Stats().InFlight == 1 && h.pool.Stats().QueueDepth == 1
	}, time.Second, 5*time.Millisecond)

	task, err := h.orch.TrySubmit(ctx, docRequest("t3", "summarizer"))
	require.ErrorIs(t, err, qerrors.ErrQueueFull)
	require.NotNil(t, task)

	// The rejected task is settled, not left pending
	settled, err := h.orch.Task(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, settled.Status)
	assert.Contains(t, settled.Error, "queue full")

	close(block)
	h.orch.Wait()
}

func TestEventsRecordedForDispatch(t *testing.T) {
	h := newHarness(t, 1, 4, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer", payload: &types.Payload{Schema: "summary", Version: 1, Data: json.RawMessage(`{}`)}},
	})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)
	h.orch.Wait()
	h.orch.Stop()

	recorded, err := h.store.ListEvents(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	// Newest first
	assert.Equal(t, types.EventTypeTaskCompleted, recorded[0].Type)
	assert.Equal(t, types.EventTypeTaskStarted, recorded[1].Type)
	assert.Equal(t, types.EventTypeTaskCreated, recorded[2].Type)
}

func TestLateResultDropped(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, 1, 4, registry.Registration{
		Capability: &fakeCapability{kind: "summarizer", block: block, payload: &types.Payload{Schema: "summary", Version: 1, Data: json.RawMessage(`{}`)}},
	})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, docRequest("t1", "summarizer"))
	require.NoError(t, err)

	// Simulate the timeout sweep settling the task while the worker is
	// still executing
	require.Eventually(t, func() bool {
		task, err := h.orch.Task(ctx, "t1")
		return err == nil && task.Status == types.TaskStatusProcessing
	}, time.Second, 5*time.Millisecond)

	_, err = h.manager.FailTimedOut(ctx, "t1")
	require.NoError(t, err)

	close(block)
	h.orch.Wait()

	settled, err := h.orch.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, settled.Status)
	assert.Equal(t, lifecycle.TimeoutMessage, settled.Error)
	assert.Nil(t, settled.Result)
}

func TestNewValidatesRegistry(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Registration{
		Capability:   &fakeCapability{kind: "summarizer"},
		FallbackKind: "missing",
	}))

	pool := workerpool.New(1, 1)
	defer pool.Stop()

	_, err := New(Config{
		Lifecycle: lifecycle.NewManager(state.NewMemoryStore(), nil, nil),
		Registry:  reg,
		Pool:      pool,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry validation failed")
}
