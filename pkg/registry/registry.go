// Package registry maps agent kinds to their capabilities
package registry

import (
	"context"
	"sync"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/types"
)

// Capability executes one kind of agent work against a task
type Capability interface {
	// Kind returns the agent-kind identifier this capability serves
	Kind() string

	// Execute runs the work and returns the result payload
	Execute(ctx context.Context, task *types.Task) (*types.Payload, error)
}

// Registration binds a capability to its execution preferences
type Registration struct {
	Capability Capability

	// Provider names the preferred completion provider; empty means the
	// capability chooses
	Provider string

	// FallbackKind optionally names another registered kind to try when
	// this capability fails
	FallbackKind string
}

// Registry holds capability registrations. Instances are passed by
// reference; there is no package-level default.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		regs: make(map[string]Registration),
	}
}

// Register adds a capability registration. Kinds are unique; duplicate
// registration is rejected rather than silently replaced.
func (r *Registry) Register(reg Registration) error {
	if reg.Capability == nil {
		return &qerrors.ValidationError{Field: "capability", Message: "must not be nil"}
	}

	kind := reg.Capability.Kind()
	if kind == "" {
		return &qerrors.ValidationError{Field: "kind", Message: "must not be empty"}
	}
	if reg.FallbackKind == kind {
		return &qerrors.ValidationError{Field: "fallback_kind", Message: "must not reference itself"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.regs[kind]; exists {
		return &qerrors.DuplicateIDError{Kind: "capability", ID: kind}
	}

	r.regs[kind] = reg
	return nil
}

// Resolve returns the registration for an agent kind
func (r *Registry) Resolve(kind string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.regs[kind]
	if !exists {
		return Registration{}, &qerrors.NotFoundError{Kind: "capability", ID: kind}
	}
	return reg, nil
}

// Kinds returns all registered agent kinds
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.regs))
	for kind := range r.regs {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Validate checks cross-registration consistency: every FallbackKind
// must resolve to a registered capability. Call after all registrations
// are in, before dispatching work.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for kind, reg := range r.regs {
		if reg.FallbackKind == "" {
			continue
		}
		if _, exists := r.regs[reg.FallbackKind]; !exists {
			return &qerrors.ValidationError{
				Field:   "fallback_kind",
				Message: "capability " + kind + " falls back to unregistered kind " + reg.FallbackKind,
			}
		}
	}
	return nil
}
