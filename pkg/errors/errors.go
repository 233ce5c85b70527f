// Package errors provides error types for quill
package errors

import (
	"errors"
	"fmt"

	"github.com/rizome-dev/quill/pkg/types"
)

// ErrQueueFull is returned by non-blocking submission when the worker
// pool backlog is at capacity
var ErrQueueFull = errors.New("worker queue full")

// ValidationError indicates a malformed request or registration
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NotFoundError indicates a missing record
type NotFoundError struct {
	Kind string // "task", "memory entry", "capability"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DuplicateIDError indicates an attempt to create a record under an ID
// that already exists
type DuplicateIDError struct {
	Kind string
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.ID)
}

// InvalidTransitionError indicates a task status change that the state
// machine forbids. Racing terminal writers see this error; the first
// writer wins and the record keeps its outcome.
type InvalidTransitionError struct {
	TaskID string
	From   types.TaskStatus
	To     types.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// ProviderError wraps a failure from an external completion or metadata
// service, preserving which provider produced it
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// FallbackError reports that both the primary and the fallback attempt
// failed, preserving both causes
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("primary failed: %v; fallback failed: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsDuplicateID reports whether err is a DuplicateIDError
func IsDuplicateID(err error) bool {
	var dup *DuplicateIDError
	return errors.As(err, &dup)
}
