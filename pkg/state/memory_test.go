package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/types"
)

func newTestTask(id, agentID, ownerID string, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:      id,
		AgentID: agentID,
		OwnerID: ownerID,
		Input: types.Payload{
			Schema:  "document",
			Version: 1,
			Data:    json.RawMessage(`{"id":"doc-1"}`),
		},
		Status:    types.TaskStatusPending,
		CreatedAt: createdAt,
	}
}

func testTaskCRUD(t *testing.T, store Store) {
	ctx := context.Background()

	task := newTestTask("task-1", "summarizer", "owner-1", time.Now().UTC())

	// Test Create
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	// Test duplicate Create
	err := store.CreateTask(ctx, task)
	if !qerrors.IsDuplicateID(err) {
		t.Errorf("Expected DuplicateIDError, got %v", err)
	}

	// Test Get
	retrieved, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if retrieved.ID != task.ID || retrieved.AgentID != task.AgentID {
		t.Errorf("Retrieved task does not match: %+v", retrieved)
	}
	if retrieved.Status != types.TaskStatusPending {
		t.Errorf("Expected pending status, got %s", retrieved.Status)
	}

	// Test Get missing
	if _, err := store.GetTask(ctx, "missing"); !qerrors.IsNotFound(err) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	// Test Delete
	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("Failed to delete task: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !qerrors.IsNotFound(err) {
		t.Errorf("Expected NotFoundError after delete, got %v", err)
	}
}

func testTransitionTask(t *testing.T, store Store) {
	ctx := context.Background()

	task := newTestTask("task-2", "summarizer", "owner-1", time.Now().UTC())
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	// Successful transition
	updated, err := store.TransitionTask(ctx, task.ID, func(task *types.Task) error {
		task.Status = types.TaskStatusProcessing
		now := time.Now().UTC()
		task.StartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to transition task: %v", err)
	}
	if updated.Status != types.TaskStatusProcessing {
		t.Errorf("Expected processing, got %s", updated.Status)
	}

	// Rejected transition leaves the record untouched
	wantErr := &qerrors.InvalidTransitionError{TaskID: task.ID, From: types.TaskStatusProcessing, To: types.TaskStatusProcessing}
	_, err = store.TransitionTask(ctx, task.ID, func(task *types.Task) error {
		task.Status = types.TaskStatusFailed
		return wantErr
	})
	if !qerrors.IsInvalidTransition(err) {
		t.Fatalf("Expected InvalidTransitionError, got %v", err)
	}

	retrieved, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if retrieved.Status != types.TaskStatusProcessing {
		t.Errorf("Rejected transition mutated the record: %s", retrieved.Status)
	}

	// Missing task
	_, err = store.TransitionTask(ctx, "missing", func(task *types.Task) error { return nil })
	if !qerrors.IsNotFound(err) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func testConcurrentTerminalWriters(t *testing.T, store Store) {
	ctx := context.Background()

	task := newTestTask("task-race", "summarizer", "owner-1", time.Now().UTC())
	task.Status = types.TaskStatusProcessing
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	terminal := func(to types.TaskStatus) func(*types.Task) error {
		return func(task *types.Task) error {
			if task.Status != types.TaskStatusProcessing {
				return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: to}
			}
			task.Status = to
			return nil
		}
	}

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := types.TaskStatusCompleted
			if i%2 == 1 {
				to = types.TaskStatusFailed
			}
			_, errs[i] = store.TransitionTask(ctx, task.ID, terminal(to))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !qerrors.IsInvalidTransition(err) {
			t.Errorf("Unexpected loser error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}

	retrieved, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if !retrieved.Status.Terminal() {
		t.Errorf("Expected terminal status, got %s", retrieved.Status)
	}
}

func testActiveQueries(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// Three tasks for one agent, interleaved owners, created in order
	for i := 0; i < 3; i++ {
		owner := "owner-a"
		if i == 1 {
			owner = "owner-b"
		}
		task := newTestTask(fmt.Sprintf("active-%d", i), "researcher", owner, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
	}

	// A terminal task that must not appear
	done := newTestTask("active-done", "researcher", "owner-a", base)
	done.Status = types.TaskStatusCompleted
	if err := store.CreateTask(ctx, done); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	byAgent, err := store.ActiveTasksForAgent(ctx, "researcher")
	if err != nil {
		t.Fatalf("Failed to query by agent: %v", err)
	}
	if len(byAgent) != 3 {
		t.Fatalf("Expected 3 active tasks, got %d", len(byAgent))
	}
	for i := 1; i < len(byAgent); i++ {
		if byAgent[i].CreatedAt.Before(byAgent[i-1].CreatedAt) {
			t.Errorf("Tasks not oldest first: %s before %s", byAgent[i].ID, byAgent[i-1].ID)
		}
	}

	byOwner, err := store.ActiveTasksForOwner(ctx, "owner-a")
	if err != nil {
		t.Fatalf("Failed to query by owner: %v", err)
	}
	if len(byOwner) != 2 {
		t.Errorf("Expected 2 active tasks for owner-a, got %d", len(byOwner))
	}
}

func testSweepQueries(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale processing task
	stale := newTestTask("sweep-stale", "summarizer", "owner-1", now.Add(-10*time.Minute))
	stale.Status = types.TaskStatusProcessing
	staleStart := now.Add(-5 * time.Minute)
	stale.StartedAt = &staleStart
	if err := store.CreateTask(ctx, stale); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	// Fresh processing task
	fresh := newTestTask("sweep-fresh", "summarizer", "owner-1", now)
	fresh.Status = types.TaskStatusProcessing
	freshStart := now.Add(-10 * time.Second)
	fresh.StartedAt = &freshStart
	if err := store.CreateTask(ctx, fresh); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	candidates, err := store.ProcessingOlderThan(ctx, now.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("Failed to query timeout candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "sweep-stale" {
		t.Errorf("Expected only the stale task, got %d candidates", len(candidates))
	}

	// Retention: old terminal task goes, recent terminal and old active stay
	oldDone := newTestTask("sweep-old-done", "summarizer", "owner-1", now.Add(-48*time.Hour))
	oldDone.Status = types.TaskStatusFailed
	if err := store.CreateTask(ctx, oldDone); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	recentDone := newTestTask("sweep-recent-done", "summarizer", "owner-1", now)
	recentDone.Status = types.TaskStatusCompleted
	if err := store.CreateTask(ctx, recentDone); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	count, err := store.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to delete terminal tasks: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 deleted task, got %d", count)
	}
	if _, err := store.GetTask(ctx, "sweep-old-done"); !qerrors.IsNotFound(err) {
		t.Errorf("Expected old terminal task deleted, got %v", err)
	}
	if _, err := store.GetTask(ctx, "sweep-recent-done"); err != nil {
		t.Errorf("Recent terminal task should survive: %v", err)
	}
	if _, err := store.GetTask(ctx, "sweep-stale"); err != nil {
		t.Errorf("Active task should survive retention: %v", err)
	}
}

func testMemoryEntries(t *testing.T, store Store) {
	ctx := context.Background()

	// Test Put and Get
	if err := store.PutEntry(ctx, "config:owner-1:summarizer", json.RawMessage(`{"tone":"formal"}`)); err != nil {
		t.Fatalf("Failed to put entry: %v", err)
	}
	entry, err := store.GetEntry(ctx, "config:owner-1:summarizer")
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if string(entry.Data) != `{"tone":"formal"}` {
		t.Errorf("Unexpected data: %s", entry.Data)
	}
	if entry.CreatedAt.IsZero() || entry.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	// Upsert bumps UpdatedAt but keeps CreatedAt
	created := entry.CreatedAt
	time.Sleep(5 * time.Millisecond)
	if err := store.PutEntry(ctx, "config:owner-1:summarizer", json.RawMessage(`{"tone":"casual"}`)); err != nil {
		t.Fatalf("Failed to upsert entry: %v", err)
	}
	entry, err = store.GetEntry(ctx, "config:owner-1:summarizer")
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if !entry.CreatedAt.Equal(created) {
		t.Errorf("Upsert changed CreatedAt: %v != %v", entry.CreatedAt, created)
	}
	if !entry.UpdatedAt.After(created) {
		t.Error("Upsert did not bump UpdatedAt")
	}

	// MutateEntry with changed=false leaves UpdatedAt untouched
	before := entry.UpdatedAt
	time.Sleep(5 * time.Millisecond)
	err = store.MutateEntry(ctx, "config:owner-1:summarizer", func(data json.RawMessage) (json.RawMessage, bool, error) {
		return nil, false, nil
	})
	if err != nil {
		t.Fatalf("Failed to mutate entry: %v", err)
	}
	entry, err = store.GetEntry(ctx, "config:owner-1:summarizer")
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if !entry.UpdatedAt.Equal(before) {
		t.Errorf("Unchanged mutation bumped UpdatedAt: %v != %v", entry.UpdatedAt, before)
	}

	// Test ScanEntries
	if err := store.PutEntry(ctx, "processed:enriched", json.RawMessage(`["doc-1"]`)); err != nil {
		t.Fatalf("Failed to put entry: %v", err)
	}
	entries, err := store.ScanEntries(ctx, "config:")
	if err != nil {
		t.Fatalf("Failed to scan entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "config:owner-1:summarizer" {
		t.Errorf("Unexpected scan result: %d entries", len(entries))
	}

	// Test Delete
	if err := store.DeleteEntry(ctx, "processed:enriched"); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}
	if _, err := store.GetEntry(ctx, "processed:enriched"); !qerrors.IsNotFound(err) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	// Retention removes only untouched entries
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	if err := store.PutEntry(ctx, "cache:enricher:enrich:doc-9", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Failed to put entry: %v", err)
	}

	count, err := store.DeleteEntriesUntouchedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("Failed to purge entries: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 purged entry, got %d", count)
	}
	if _, err := store.GetEntry(ctx, "cache:enricher:enrich:doc-9"); err != nil {
		t.Errorf("Fresh entry should survive: %v", err)
	}
}

func testEvents(t *testing.T, store Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := &types.Event{
			ID:        fmt.Sprintf("event-%d", i),
			Type:      types.EventTypeTaskStarted,
			TaskID:    "task-ev",
			AgentID:   "summarizer",
			OwnerID:   "owner-1",
			Status:    types.TaskStatusProcessing,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.RecordEvent(ctx, event); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}

	other := &types.Event{
		ID:        "event-other",
		Type:      types.EventTypeTaskCreated,
		TaskID:    "task-other",
		AgentID:   "summarizer",
		OwnerID:   "owner-1",
		Status:    types.TaskStatusPending,
		Timestamp: time.Now().UTC(),
	}
	if err := store.RecordEvent(ctx, other); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}

	events, err := store.ListEvents(ctx, "task-ev", 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(events))
	}
	if events[0].ID != "event-4" {
		t.Errorf("Expected newest event first, got %s", events[0].ID)
	}

	limited, err := store.ListEvents(ctx, "task-ev", 2)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 events with limit, got %d", len(limited))
	}
}

func TestMemoryStore_TaskCRUD(t *testing.T) {
	testTaskCRUD(t, NewMemoryStore())
}

func TestMemoryStore_TransitionTask(t *testing.T) {
	testTransitionTask(t, NewMemoryStore())
}

func TestMemoryStore_ConcurrentTerminalWriters(t *testing.T) {
	testConcurrentTerminalWriters(t, NewMemoryStore())
}

func TestMemoryStore_ActiveQueries(t *testing.T) {
	testActiveQueries(t, NewMemoryStore())
}

func TestMemoryStore_SweepQueries(t *testing.T) {
	testSweepQueries(t, NewMemoryStore())
}

func TestMemoryStore_MemoryEntries(t *testing.T) {
	testMemoryEntries(t, NewMemoryStore())
}

func TestMemoryStore_Events(t *testing.T) {
	testEvents(t, NewMemoryStore())
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", store)
	}

	if _, err := NewStore(Config{Type: "unknown"}); err == nil {
		t.Error("Expected error for unknown store type")
	}
}
