// Package state provides BadgerDB-based state management
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/types"
)

const (
	// Key prefixes for different data types
	taskPrefix  = "task:"
	memPrefix   = "mem:"
	eventPrefix = "event:"

	// Index prefixes for efficient querying
	taskAgentPrefix = "idx:task:agent:"
	taskOwnerPrefix = "idx:task:owner:"

	// Default TTL for events (7 days)
	defaultEventTTL = 7 * 24 * time.Hour
)

// BadgerStore implements Store interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	path     string
	eventTTL time.Duration
	mu       sync.RWMutex
	closed   bool
}

// BadgerStoreConfig holds BadgerDB-specific configuration
type BadgerStoreConfig struct {
	Path     string
	EventTTL time.Duration
	Options  badger.Options
}

// NewBadgerStore creates a new BadgerDB-based store
func NewBadgerStore(config BadgerStoreConfig) (*BadgerStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for BadgerDB store")
	}

	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}

	// Set default options if not provided
	opts := config.Options
	if opts.Dir == "" {
		opts = badger.DefaultOptions(config.Path)
		opts.Logger = nil // Disable BadgerDB logging by default
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{
		db:       db,
		path:     config.Path,
		eventTTL: config.EventTTL,
	}

	// Start garbage collection goroutine
	go store.runGC()

	return store, nil
}

// Initialize initializes the store
func (s *BadgerStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	// Run initial garbage collection
	err := s.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// Close closes the store
func (s *BadgerStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// HealthCheck performs a health check
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	// Try a simple read operation
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health"))
		if err == badger.ErrKeyNotFound {
			return nil // Expected for health check
		}
		return err
	})
}

// CreateTask creates a new task
func (s *BadgerStore) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(taskPrefix + task.ID)

		// Check if task already exists
		_, err := txn.Get(key)
		if err == nil {
			return &qerrors.DuplicateIDError{Kind: "task", ID: task.ID}
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check task existence: %w", err)
		}

		// Serialize task
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		// Store task
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}

		// Create agent and owner indexes
		return s.createTaskIndexes(txn, task)
	})
}

// GetTask retrieves a task by ID
func (s *BadgerStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var task *types.Task

	err := s.db.View(func(txn *badger.Txn) error {
		key := []byte(taskPrefix + taskID)

		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return &qerrors.NotFoundError{Kind: "task", ID: taskID}
		}
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		return item.Value(func(val []byte) error {
			task = &types.Task{}
			return json.Unmarshal(val, task)
		})
	})

	return task, err
}

// TransitionTask applies a mutation to the stored task inside a BadgerDB
// transaction. On commit conflict the transaction is retried against the
// winner's record, so a racing terminal writer observes the final state
// and apply can reject it.
func (s *BadgerStore) TransitionTask(ctx context.Context, taskID string, apply func(task *types.Task) error) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var updated *types.Task

	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			key := []byte(taskPrefix + taskID)

			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				return &qerrors.NotFoundError{Kind: "task", ID: taskID}
			}
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			var task types.Task
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &task)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}

			if err := apply(&task); err != nil {
				return err
			}

			data, err := json.Marshal(&task)
			if err != nil {
				return fmt.Errorf("failed to marshal task: %w", err)
			}

			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("failed to store task: %w", err)
			}

			updated = &task
			return nil
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

// DeleteTask removes a task
func (s *BadgerStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(taskPrefix + taskID)

		// Get task for index cleanup
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return &qerrors.NotFoundError{Kind: "task", ID: taskID}
		}
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		var task types.Task
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		})
		if err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		// Remove indexes
		if err := s.removeTaskIndexes(txn, &task); err != nil {
			return err
		}

		// Delete task
		return txn.Delete(key)
	})
}

// ActiveTasksForOwner returns non-terminal tasks belonging to an owner
func (s *BadgerStore) ActiveTasksForOwner(ctx context.Context, ownerID string) ([]*types.Task, error) {
	return s.scanTasksByIndex(taskOwnerPrefix + ownerID + ":")
}

// ActiveTasksForAgent returns non-terminal tasks for an agent kind.
// Index keys embed the creation timestamp, so iteration order is oldest
// first.
func (s *BadgerStore) ActiveTasksForAgent(ctx context.Context, agentID string) ([]*types.Task, error) {
	return s.scanTasksByIndex(taskAgentPrefix + agentID + ":")
}

// ProcessingOlderThan returns processing tasks whose StartedAt precedes
// the cutoff
func (s *BadgerStore) ProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var tasks []*types.Task

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var task types.Task
				if err := json.Unmarshal(val, &task); err != nil {
					return err
				}
				if task.Status == types.TaskStatusProcessing && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
					tasks = append(tasks, &task)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return tasks, err
}

// DeleteTerminalBefore removes terminal tasks created before the cutoff
// and returns how many were removed
func (s *BadgerStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	count := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskPrefix)

		it := txn.NewIterator(opts)

		var expired []*types.Task
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var task types.Task
				if err := json.Unmarshal(val, &task); err != nil {
					return err
				}
				if task.Status.Terminal() && task.CreatedAt.Before(cutoff) {
					expired = append(expired, &task)
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, task := range expired {
			if err := s.removeTaskIndexes(txn, task); err != nil {
				return err
			}
			if err := txn.Delete([]byte(taskPrefix + task.ID)); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
			count++
		}

		return nil
	})

	return count, err
}

// GetEntry retrieves a memory entry by key
func (s *BadgerStore) GetEntry(ctx context.Context, key string) (*types.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var entry *types.MemoryEntry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(memPrefix + key))
		if err == badger.ErrKeyNotFound {
			return &qerrors.NotFoundError{Kind: "memory entry", ID: key}
		}
		if err != nil {
			return fmt.Errorf("failed to get memory entry: %w", err)
		}

		return item.Value(func(val []byte) error {
			entry = &types.MemoryEntry{}
			return json.Unmarshal(val, entry)
		})
	})

	return entry, err
}

// PutEntry creates or replaces a memory entry, bumping UpdatedAt
func (s *BadgerStore) PutEntry(ctx context.Context, key string, data json.RawMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		storeKey := []byte(memPrefix + key)
		now := time.Now().UTC()

		entry := &types.MemoryEntry{
			Key:       key,
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
		}

		// Preserve CreatedAt across upserts
		item, err := txn.Get(storeKey)
		if err == nil {
			var existing types.MemoryEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal memory entry: %w", err)
			}
			entry.CreatedAt = existing.CreatedAt
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check memory entry: %w", err)
		}

		serialized, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal memory entry: %w", err)
		}

		return txn.Set(storeKey, serialized)
	})
}

// MutateEntry applies a read-modify-write to an entry inside a BadgerDB
// transaction. A changed=false result leaves the entry untouched,
// UpdatedAt included.
func (s *BadgerStore) MutateEntry(ctx context.Context, key string, fn MutateFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			storeKey := []byte(memPrefix + key)

			var existing *types.MemoryEntry
			item, err := txn.Get(storeKey)
			if err == nil {
				existing = &types.MemoryEntry{}
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, existing)
				}); err != nil {
					return fmt.Errorf("failed to unmarshal memory entry: %w", err)
				}
			} else if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check memory entry: %w", err)
			}

			var current json.RawMessage
			if existing != nil {
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
			entry := &types.MemoryEntry{
				Key:       key,
				Data:      updated,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if existing != nil {
				entry.CreatedAt = existing.CreatedAt
			}

			serialized, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal memory entry: %w", err)
			}

			return txn.Set(storeKey, serialized)
		})
		if err == badger.ErrConflict {
			continue
		}
		return err
	}
}

// ScanEntries returns entries whose keys start with the prefix
func (s *BadgerStore) ScanEntries(ctx context.Context, prefix string) ([]*types.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var entries []*types.MemoryEntry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memPrefix + prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var entry types.MemoryEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				entries = append(entries, &entry)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return entries, err
}

// DeleteEntry removes a memory entry
func (s *BadgerStore) DeleteEntry(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		storeKey := []byte(memPrefix + key)

		_, err := txn.Get(storeKey)
		if err == badger.ErrKeyNotFound {
			return &qerrors.NotFoundError{Kind: "memory entry", ID: key}
		}
		if err != nil {
			return fmt.Errorf("failed to check memory entry: %w", err)
		}

		return txn.Delete(storeKey)
	})
}

// DeleteEntriesUntouchedBefore removes entries whose UpdatedAt precedes
// the cutoff and returns how many were removed
func (s *BadgerStore) DeleteEntriesUntouchedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	count := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memPrefix)

		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				var entry types.MemoryEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				if entry.UpdatedAt.Before(cutoff) {
					stale = append(stale, key)
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete memory entry: %w", err)
			}
			count++
		}

		return nil
	})

	return count, err
}

// RecordEvent records a task lifecycle event
func (s *BadgerStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// Key by task then timestamp for per-task ordering
		key := []byte(fmt.Sprintf("%s%s:%020d:%s", eventPrefix, event.TaskID, event.Timestamp.UnixNano(), event.ID))

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		// Store event with TTL
		entry := badger.NewEntry(key, data).WithTTL(s.eventTTL)
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}

		return nil
	})
}

// ListEvents retrieves events for a task, newest first
func (s *BadgerStore) ListEvents(ctx context.Context, taskID string, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	prefix := eventPrefix
	if taskID != "" {
		prefix = eventPrefix + taskID + ":"
	}

	var events []*types.Event

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var event types.Event
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}
				events = append(events, &event)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys are stored oldest first; reverse for newest first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

// Helper methods for index management. Agent, owner, and creation time
// are immutable, so indexes are written once at creation and removed at
// deletion.

func (s *BadgerStore) createTaskIndexes(txn *badger.Txn, task *types.Task) error {
	for _, key := range taskIndexKeys(task) {
		if err := txn.Set(key, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to create task index: %w", err)
		}
	}
	return nil
}

func (s *BadgerStore) removeTaskIndexes(txn *badger.Txn, task *types.Task) error {
	for _, key := range taskIndexKeys(task) {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to remove task index: %w", err)
		}
	}
	return nil
}

func taskIndexKeys(task *types.Task) [][]byte {
	created := fmt.Sprintf("%020d", task.CreatedAt.UnixNano())
	return [][]byte{
		[]byte(taskAgentPrefix + task.AgentID + ":" + created + ":" + task.ID),
		[]byte(taskOwnerPrefix + task.OwnerID + ":" + created + ":" + task.ID),
	}
}

// scanTasksByIndex fetches tasks through an index prefix, keeping only
// non-terminal records
func (s *BadgerStore) scanTasksByIndex(prefix string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var tasks []*types.Task

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			var taskID string
			err := item.Value(func(val []byte) error {
				taskID = string(val)
				return nil
			})
			if err != nil {
				return err
			}

			taskItem, err := txn.Get([]byte(taskPrefix + taskID))
			if err == badger.ErrKeyNotFound {
				continue // Index points at a deleted task
			}
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			err = taskItem.Value(func(val []byte) error {
				var task types.Task
				if err := json.Unmarshal(val, &task); err != nil {
					return err
				}
				if !task.Status.Terminal() {
					tasks = append(tasks, &task)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return tasks, err
}

// Background garbage collection
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return
		}
		s.mu.RUnlock()

		err := s.db.RunValueLogGC(0.7)
		if err != nil && err != badger.ErrNoRewrite {
			log.Printf("BadgerDB GC error: %v", err)
		}
	}
}

// BadgerStoreFactory creates BadgerDB store instances
type BadgerStoreFactory struct{}

// Create creates a new BadgerDB store instance
func (f *BadgerStoreFactory) Create(config Config) (Store, error) {
	badgerConfig := BadgerStoreConfig{
		Path:     config.Path,
		EventTTL: config.EventTTL,
	}

	if config.Path != "" {
		badgerConfig.Options = badger.DefaultOptions(config.Path)
		badgerConfig.Options.Logger = nil // Disable logging by default
	}

	return NewBadgerStore(badgerConfig)
}

// NewStore creates a store from configuration
func NewStore(config Config) (Store, error) {
	switch strings.ToLower(config.Type) {
	case "", "memory":
		return (&MemoryStoreFactory{}).Create(config)
	case "badger":
		return (&BadgerStoreFactory{}).Create(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
