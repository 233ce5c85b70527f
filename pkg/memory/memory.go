// Package memory provides namespaced helpers over the durable memory
// store: processed sets, agent configuration, operation caches, and
// workflow snapshots.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/state"
	"github.com/rizome-dev/quill/pkg/types"
)

// Key namespace prefixes. Every memory key belongs to exactly one
// namespace so retention and scans stay predictable.
const (
	ProcessedPrefix = "processed:"
	ConfigPrefix    = "config:"
	CachePrefix     = "cache:"
	WorkflowPrefix  = "workflow:"
)

// ProcessedKey builds the key for a named processed set
func ProcessedKey(set string) string {
	return ProcessedPrefix + set
}

// ConfigKey builds the key for an owner's per-agent configuration
func ConfigKey(ownerID, agentID string) string {
	return ConfigPrefix + ownerID + ":" + agentID
}

// CacheKey builds the key for a per-agent operation cache slot
func CacheKey(agentID, op, id string) string {
	return CachePrefix + agentID + ":" + op + ":" + id
}

// WorkflowKey builds the key for a workflow snapshot
func WorkflowKey(workflowID string) string {
	return WorkflowPrefix + workflowID
}

// Store wraps a state store with namespace-aware operations
type Store struct {
	backend state.Store
}

// NewStore creates a memory helper over the given backend
func NewStore(backend state.Store) *Store {
	return &Store{backend: backend}
}

// HasMember reports whether member belongs to the named processed set
func (s *Store) HasMember(ctx context.Context, set, member string) (bool, error) {
	entry, err := s.backend.GetEntry(ctx, ProcessedKey(set))
	if err != nil {
		if qerrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	members, err := decodeMembers(entry.Data)
	if err != nil {
		return false, err
	}

	for _, m := range members {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

// AddMember adds member to the named processed set. Re-adding an
// existing member is a no-op that leaves UpdatedAt untouched.
func (s *Store) AddMember(ctx context.Context, set, member string) error {
	return s.backend.MutateEntry(ctx, ProcessedKey(set), func(data json.RawMessage) (json.RawMessage, bool, error) {
		var members []string
		if data != nil {
			var err error
			members, err = decodeMembers(data)
			if err != nil {
				return nil, false, err
			}
		}

		for _, m := range members {
			if m == member {
				return nil, false, nil
			}
		}

		members = append(members, member)
		sort.Strings(members)

		updated, err := json.Marshal(members)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal set: %w", err)
		}
		return updated, true, nil
	})
}

// Members returns the contents of a processed set
func (s *Store) Members(ctx context.Context, set string) ([]string, error) {
	entry, err := s.backend.GetEntry(ctx, ProcessedKey(set))
	if err != nil {
		if qerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeMembers(entry.Data)
}

// GetConfig loads an owner's configuration document for an agent kind
// into out
func (s *Store) GetConfig(ctx context.Context, ownerID, agentID string, out interface{}) error {
	entry, err := s.backend.GetEntry(ctx, ConfigKey(ownerID, agentID))
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Data, out)
}

// PutConfig stores an owner's configuration document for an agent kind
func (s *Store) PutConfig(ctx context.Context, ownerID, agentID string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return s.backend.PutEntry(ctx, ConfigKey(ownerID, agentID), data)
}

// GetCache loads a cached operation result into out. A zero maxAge
// disables the staleness check; otherwise entries older than maxAge are
// treated as missing.
func (s *Store) GetCache(ctx context.Context, agentID, op, id string, maxAge time.Duration, out interface{}) (bool, error) {
	entry, err := s.backend.GetEntry(ctx, CacheKey(agentID, op, id))
	if err != nil {
		if qerrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if maxAge > 0 && time.Since(entry.UpdatedAt) > maxAge {
		return false, nil
	}

	if err := json.Unmarshal(entry.Data, out); err != nil {
		return false, err
	}
	return true, nil
}

// PutCache stores an operation result for later reuse
func (s *Store) PutCache(ctx context.Context, agentID, op, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return s.backend.PutEntry(ctx, CacheKey(agentID, op, id), data)
}

// GetWorkflow loads a workflow snapshot into out
func (s *Store) GetWorkflow(ctx context.Context, workflowID string, out interface{}) error {
	entry, err := s.backend.GetEntry(ctx, WorkflowKey(workflowID))
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Data, out)
}

// PutWorkflow stores a workflow snapshot
func (s *Store) PutWorkflow(ctx context.Context, workflowID string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow snapshot: %w", err)
	}
	return s.backend.PutEntry(ctx, WorkflowKey(workflowID), data)
}

// Scan returns raw entries in a namespace
func (s *Store) Scan(ctx context.Context, prefix string) ([]*types.MemoryEntry, error) {
	return s.backend.ScanEntries(ctx, prefix)
}

// Delete removes a single entry
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.DeleteEntry(ctx, key)
}

// PurgeUntouchedBefore removes entries across all namespaces whose last
// touch precedes the cutoff
func (s *Store) PurgeUntouchedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.backend.DeleteEntriesUntouchedBefore(ctx, cutoff)
}

func decodeMembers(data json.RawMessage) ([]string, error) {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal set: %w", err)
	}
	return members, nil
}
