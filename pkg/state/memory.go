// Package state provides memory-based state management
package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/types"
)

// MemoryStore implements Store interface using in-memory storage
type MemoryStore struct {
	tasks   map[string]*types.Task
	entries map[string]*types.MemoryEntry
	events  []*types.Event
	mu      sync.RWMutex
}

// NewMemoryStore creates a new memory-based store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*types.Task),
		entries: make(map[string]*types.MemoryEntry),
		events:  make([]*types.Event, 0),
	}
}

// Initialize initializes the store
func (s *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Close closes the store
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// HealthCheck performs a health check
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// CreateTask creates a new task
func (s *MemoryStore) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return &qerrors.DuplicateIDError{Kind: "task", ID: task.ID}
	}

	// Create a copy to avoid external modifications
	taskCopy := *task
	s.tasks[task.ID] = &taskCopy

	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, &qerrors.NotFoundError{Kind: "task", ID: taskID}
	}

	// Return a copy
	taskCopy := *task
	return &taskCopy, nil
}

// TransitionTask applies a mutation to the stored task while holding the
// store lock, so racing writers serialize on the current record
func (s *MemoryStore) TransitionTask(ctx context.Context, taskID string, apply func(task *types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, &qerrors.NotFoundError{Kind: "task", ID: taskID}
	}

	// Mutate a copy; only install it if apply succeeds
	taskCopy := *task
	if err := apply(&taskCopy); err != nil {
		return nil, err
	}

	s.tasks[taskID] = &taskCopy
	result := taskCopy
	return &result, nil
}

// DeleteTask removes a task
func (s *MemoryStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return &qerrors.NotFoundError{Kind: "task", ID: taskID}
	}

	delete(s.tasks, taskID)
	return nil
}

// ActiveTasksForOwner returns non-terminal tasks belonging to an owner
func (s *MemoryStore) ActiveTasksForOwner(ctx context.Context, ownerID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*types.Task
	for _, task := range s.tasks {
		if task.OwnerID == ownerID && !task.Status.Terminal() {
			taskCopy := *task
			tasks = append(tasks, &taskCopy)
		}
	}

	sortTasksByCreation(tasks)
	return tasks, nil
}

// ActiveTasksForAgent returns non-terminal tasks for an agent kind,
// oldest first
func (s *MemoryStore) ActiveTasksForAgent(ctx context.Context, agentID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*types.Task
	for _, task := range s.tasks {
		if task.AgentID == agentID && !task.Status.Terminal() {
			taskCopy := *task
			tasks = append(tasks, &taskCopy)
		}
	}

	sortTasksByCreation(tasks)
	return tasks, nil
}

// ProcessingOlderThan returns processing tasks whose StartedAt precedes
// the cutoff
func (s *MemoryStore) ProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*types.Task
	for _, task := range s.tasks {
		if task.Status == types.TaskStatusProcessing && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
			taskCopy := *task
			tasks = append(tasks, &taskCopy)
		}
	}

	sortTasksByCreation(tasks)
	return tasks, nil
}

// DeleteTerminalBefore removes terminal tasks created before the cutoff
// and returns how many were removed
func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, task := range s.tasks {
		if task.Status.Terminal() && task.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
		}
	}

	return count, nil
}

// GetEntry retrieves a memory entry by key
func (s *MemoryStore) GetEntry(ctx context.Context, key string) (*types.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, &qerrors.NotFoundError{Kind: "memory entry", ID: key}
	}

	entryCopy := *entry
	return &entryCopy, nil
}

// PutEntry creates or replaces a memory entry, bumping UpdatedAt
func (s *MemoryStore) PutEntry(ctx context.Context, key string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := s.entries[key]; exists {
		s.entries[key] = &types.MemoryEntry{
			Key:       key,
			Data:      append(json.RawMessage(nil), data...),
			CreatedAt: existing.CreatedAt,
			UpdatedAt: now,
		}
		return nil
	}

	s.entries[key] = &types.MemoryEntry{
		Key:       key,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MutateEntry applies a read-modify-write to an entry under the store
// lock. A changed=false result leaves the entry byte-identical,
// UpdatedAt included.
func (s *MemoryStore) MutateEntry(ctx context.Context, key string, fn MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current json.RawMessage
	existing, exists := s.entries[key]
	if exists {
		current = existing.Data
	}

	updated, changed, err := fn(current)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	now := time.Now().UTC()
	createdAt := now
	if exists {
		createdAt = existing.CreatedAt
	}

	s.entries[key] = &types.MemoryEntry{
		Key:       key,
		Data:      append(json.RawMessage(nil), updated...),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	return nil
}

// ScanEntries returns entries whose keys start with the prefix
func (s *MemoryStore) ScanEntries(ctx context.Context, prefix string) ([]*types.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*types.MemoryEntry
	for key, entry := range s.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			entryCopy := *entry
			entries = append(entries, &entryCopy)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// DeleteEntry removes a memory entry
func (s *MemoryStore) DeleteEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		return &qerrors.NotFoundError{Kind: "memory entry", ID: key}
	}

	delete(s.entries, key)
	return nil
}

// DeleteEntriesUntouchedBefore removes entries whose UpdatedAt precedes
// the cutoff and returns how many were removed
func (s *MemoryStore) DeleteEntriesUntouchedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, entry := range s.entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(s.entries, key)
			count++
		}
	}

	return count, nil
}

// RecordEvent records a task lifecycle event
func (s *MemoryStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.events = append(s.events, &eventCopy)

	return nil
}

// ListEvents retrieves events for a task, newest first
func (s *MemoryStore) ListEvents(ctx context.Context, taskID string, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*types.Event
	count := 0

	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || count < limit); i-- {
		event := s.events[i]
		if taskID == "" || event.TaskID == taskID {
			eventCopy := *event
			events = append(events, &eventCopy)
			count++
		}
	}

	return events, nil
}

// sortTasksByCreation orders tasks oldest first, with ID as tiebreak so
// results are stable
func sortTasksByCreation(tasks []*types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// MemoryStoreFactory creates memory store instances
type MemoryStoreFactory struct{}

// Create creates a new memory store instance
func (f *MemoryStoreFactory) Create(config Config) (Store, error) {
	return NewMemoryStore(), nil
}
