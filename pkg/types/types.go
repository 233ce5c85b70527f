// Package types contains shared types for quill
package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a final state
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Payload carries a schema-tagged, versioned document so that consumers
// can reject inputs they do not understand instead of misreading them
type Payload struct {
	Schema  string          `json:"schema"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Task represents a unit of agent work
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	OwnerID     string     `json:"owner_id"`
	Input       Payload    `json:"input"`
	Status      TaskStatus `json:"status"`
	Result      *Payload   `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`

	// UsedFallback marks a degraded result produced by the fallback
	// capability; PrimaryFailure preserves why the first choice failed
	UsedFallback   bool   `json:"used_fallback,omitempty"`
	PrimaryFailure string `json:"primary_failure,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MemoryEntry is a durable key-value record with touch tracking.
// Keys are namespaced by convention (processed:, config:, cache:, workflow:)
type MemoryEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventType represents types of task lifecycle events
type EventType string

const (
	EventTypeTaskCreated   EventType = "task.created"
	EventTypeTaskStarted   EventType = "task.started"
	EventTypeTaskCompleted EventType = "task.completed"
	EventTypeTaskFailed    EventType = "task.failed"
	EventTypeTaskTimedOut  EventType = "task.timed_out"
)

// Event is emitted once per observed task transition
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	OwnerID   string    `json:"owner_id"`
	Status    TaskStatus `json:"status"`
	Progress  *int      `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
