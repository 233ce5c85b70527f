// Package lifecycle manages task state transitions
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/state"
	"github.com/rizome-dev/quill/pkg/types"
)

// TimeoutMessage is the error recorded on tasks failed by the timeout
// sweep
const TimeoutMessage = "task timed out"

// Emitter publishes task events. Delivery must never block or fail a
// transition.
type Emitter interface {
	Publish(event *types.Event)
}

// CompletionHook runs after a task completes, keyed by agent kind.
// Typical use is marking the task's subject in the processed set. Hook
// errors are logged, never surfaced to the completing caller.
type CompletionHook func(ctx context.Context, task *types.Task) error

// Manager drives the task state machine over a backing store
type Manager struct {
	store   state.Store
	emitter Emitter
	logger  *logging.Logger

	hookMu sync.RWMutex
	hooks  map[string][]CompletionHook
}

// NewManager creates a lifecycle manager. The emitter may be nil when no
// observers are wired.
func NewManager(store state.Store, emitter Emitter, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Manager{
		store:   store,
		emitter: emitter,
		logger:  logger.WithComponent("lifecycle"),
		hooks:   make(map[string][]CompletionHook),
	}
}

// RegisterCompletionHook adds a post-completion hook for an agent kind
func (m *Manager) RegisterCompletionHook(agentID string, hook CompletionHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks[agentID] = append(m.hooks[agentID], hook)
}

// CreateRequest describes a new task
type CreateRequest struct {
	ID      string // Optional; generated when empty
	AgentID string
	OwnerID string
	Input   types.Payload
}

// Create registers a pending task
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Task, error) {
	if req.AgentID == "" {
		return nil, &qerrors.ValidationError{Field: "agent_id", Message: "must not be empty"}
	}
	if req.OwnerID == "" {
		return nil, &qerrors.ValidationError{Field: "owner_id", Message: "must not be empty"}
	}
	if req.Input.Schema == "" {
		return nil, &qerrors.ValidationError{Field: "input.schema", Message: "must not be empty"}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	task := &types.Task{
		ID:        id,
		AgentID:   req.AgentID,
		OwnerID:   req.OwnerID,
		Input:     req.Input,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	m.emit(types.EventTypeTaskCreated, task, nil)
	return task, nil
}

// Start moves a pending task to processing
func (m *Manager) Start(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.store.TransitionTask(ctx, taskID, func(task *types.Task) error {
		if task.Status != types.TaskStatusPending {
			return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: types.TaskStatusProcessing}
		}
		now := time.Now().UTC()
		task.Status = types.TaskStatusProcessing
		task.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(types.EventTypeTaskStarted, task, nil)
	return task, nil
}

// Complete moves a processing task to completed, recording the result
// and clearing any stale error. Completion hooks for the task's agent
// kind run afterwards; their failures do not undo the completion.
func (m *Manager) Complete(ctx context.Context, taskID string, result *types.Payload) (*types.Task, error) {
	task, err := m.store.TransitionTask(ctx, taskID, func(task *types.Task) error {
		if task.Status != types.TaskStatusProcessing {
			return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: types.TaskStatusCompleted}
		}
		now := time.Now().UTC()
		task.Status = types.TaskStatusCompleted
		task.Result = result
		task.Error = ""
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(types.EventTypeTaskCompleted, task, nil)
	m.runCompletionHooks(ctx, task)
	return task, nil
}

// CompleteDegraded completes a processing task with a result produced
// by the fallback capability, preserving the primary failure message
func (m *Manager) CompleteDegraded(ctx context.Context, taskID string, result *types.Payload, primaryFailure string) (*types.Task, error) {
	task, err := m.store.TransitionTask(ctx, taskID, func(task *types.Task) error {
		if task.Status != types.TaskStatusProcessing {
			return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: types.TaskStatusCompleted}
		}
		now := time.Now().UTC()
		task.Status = types.TaskStatusCompleted
		task.Result = result
		task.Error = ""
		task.UsedFallback = true
		task.PrimaryFailure = primaryFailure
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(types.EventTypeTaskCompleted, task, nil)
	m.runCompletionHooks(ctx, task)
	return task, nil
}

// Fail moves a processing task to failed with the given message
func (m *Manager) Fail(ctx context.Context, taskID string, message string) (*types.Task, error) {
	return m.fail(ctx, taskID, message, types.EventTypeTaskFailed)
}

// FailTimedOut fails a processing task on behalf of the timeout sweep
func (m *Manager) FailTimedOut(ctx context.Context, taskID string) (*types.Task, error) {
	return m.fail(ctx, taskID, TimeoutMessage, types.EventTypeTaskTimedOut)
}

func (m *Manager) fail(ctx context.Context, taskID string, message string, eventType types.EventType) (*types.Task, error) {
	task, err := m.store.TransitionTask(ctx, taskID, func(task *types.Task) error {
		if task.Status != types.TaskStatusProcessing {
			return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: types.TaskStatusFailed}
		}
		now := time.Now().UTC()
		task.Status = types.TaskStatusFailed
		task.Error = message
		task.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(eventType, task, nil)
	return task, nil
}

// Get retrieves a task snapshot
func (m *Manager) Get(ctx context.Context, taskID string) (*types.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// ReportProgress publishes a progress event for a processing task
// without touching the stored record
func (m *Manager) ReportProgress(ctx context.Context, taskID string, percent int) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusProcessing {
		return &qerrors.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: types.TaskStatusProcessing}
	}

	m.emit(types.EventTypeTaskStarted, task, &percent)
	return nil
}

// ActiveForOwner returns an owner's non-terminal tasks
func (m *Manager) ActiveForOwner(ctx context.Context, ownerID string) ([]*types.Task, error) {
	return m.store.ActiveTasksForOwner(ctx, ownerID)
}

// ActiveForAgent returns an agent kind's non-terminal tasks, oldest
// first. Ordering is advisory; it does not gate execution.
func (m *Manager) ActiveForAgent(ctx context.Context, agentID string) ([]*types.Task, error) {
	return m.store.ActiveTasksForAgent(ctx, agentID)
}

// TimedOutCandidates returns processing tasks started before
// now-threshold
func (m *Manager) TimedOutCandidates(ctx context.Context, threshold time.Duration) ([]*types.Task, error) {
	return m.store.ProcessingOlderThan(ctx, time.Now().UTC().Add(-threshold))
}

// PurgeTerminalBefore deletes terminal tasks created before the cutoff
func (m *Manager) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return m.store.DeleteTerminalBefore(ctx, cutoff)
}

func (m *Manager) runCompletionHooks(ctx context.Context, task *types.Task) {
	m.hookMu.RLock()
	hooks := m.hooks[task.AgentID]
	m.hookMu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, task); err != nil {
			m.logger.WithTask(task.ID).WithError(err).Error("completion hook failed for agent %s", task.AgentID)
		}
	}
}

func (m *Manager) emit(eventType types.EventType, task *types.Task, progress *int) {
	if m.emitter == nil {
		return
	}

	m.emitter.Publish(&types.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    task.ID,
		AgentID:   task.AgentID,
		OwnerID:   task.OwnerID,
		Status:    task.Status,
		Progress:  progress,
		Error:     task.Error,
		Timestamp: time.Now().UTC(),
	})
}
