// Package state provides interfaces for managing task and memory state
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rizome-dev/quill/pkg/types"
)

// Store defines the backend storage interface. Task transitions run the
// apply function against the current record inside the store's own
// transaction, so concurrent writers against the same task serialize
// and the loser observes the winner's outcome.
type Store interface {
	// Task state management
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	TransitionTask(ctx context.Context, taskID string, apply func(task *types.Task) error) (*types.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	// Task queries
	ActiveTasksForOwner(ctx context.Context, ownerID string) ([]*types.Task, error)
	ActiveTasksForAgent(ctx context.Context, agentID string) ([]*types.Task, error)
	ProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Task, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Memory entry management
	GetEntry(ctx context.Context, key string) (*types.MemoryEntry, error)
	PutEntry(ctx context.Context, key string, data json.RawMessage) error
	MutateEntry(ctx context.Context, key string, fn MutateFunc) error
	ScanEntries(ctx context.Context, prefix string) ([]*types.MemoryEntry, error)
	DeleteEntry(ctx context.Context, key string) error
	DeleteEntriesUntouchedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Event management
	RecordEvent(ctx context.Context, event *types.Event) error
	ListEvents(ctx context.Context, taskID string, limit int) ([]*types.Event, error)

	// Initialize the store
	Initialize(ctx context.Context) error

	// Close the store
	Close(ctx context.Context) error

	// Health check
	HealthCheck(ctx context.Context) error
}

// MutateFunc transforms a memory entry's data inside the store
// transaction. It receives nil when the entry does not exist yet and
// returns the new data plus whether anything changed. Returning
// changed=false leaves the entry untouched, including its UpdatedAt.
type MutateFunc func(data json.RawMessage) (json.RawMessage, bool, error)

// Config holds state store configuration
type Config struct {
	Type     string // "memory" or "badger"
	Path     string // Data directory for embedded stores
	EventTTL time.Duration
}

// Factory creates state store instances
type Factory interface {
	Create(config Config) (Store, error)
}
