package provider

import (
	"context"
	"sync"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
)

// MockCompletion is a canned completion provider for tests. Responses
// are served in order; the last one repeats once exhausted.
type MockCompletion struct {
	ProviderName string
	Responses    []string
	Err          error

	mu      sync.Mutex
	calls   int
	Prompts []Prompt
}

// Name returns the mock's provider name
func (m *MockCompletion) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Complete records the prompt and returns the next canned response
func (m *MockCompletion) Complete(ctx context.Context, prompt Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, prompt)
	m.calls++

	if m.Err != nil {
		return "", &qerrors.ProviderError{Provider: m.Name(), Op: "complete", Err: m.Err}
	}

	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := m.calls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Calls returns how many completion calls were made
func (m *MockCompletion) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockMetadata is a canned metadata provider for tests
type MockMetadata struct {
	ProviderName string
	ByDOI        map[string]*Candidate
	ByTitle      map[string]*Candidate
	DOIErr       error
	TitleErr     error

	mu         sync.Mutex
	DOICalls   []string
	TitleCalls []string
}

// Name returns the mock's provider name
func (m *MockMetadata) Name() string {
	if m.ProviderName == "" {
		return "mock-metadata"
	}
	return m.ProviderName
}

// LookupDOI returns the canned record for a DOI
func (m *MockMetadata) LookupDOI(ctx context.Context, doi string) (*Candidate, error) {
	m.mu.Lock()
	m.DOICalls = append(m.DOICalls, doi)
	m.mu.Unlock()

	if m.DOIErr != nil {
		return nil, &qerrors.ProviderError{Provider: m.Name(), Op: "lookup_doi", Err: m.DOIErr}
	}
	if c, ok := m.ByDOI[doi]; ok {
		return c, nil
	}
	return nil, &qerrors.NotFoundError{Kind: "metadata record", ID: doi}
}

// SearchTitle returns the canned record for a title
func (m *MockMetadata) SearchTitle(ctx context.Context, title string) (*Candidate, error) {
	m.mu.Lock()
	m.TitleCalls = append(m.TitleCalls, title)
	m.mu.Unlock()

	if m.TitleErr != nil {
		return nil, &qerrors.ProviderError{Provider: m.Name(), Op: "search_title", Err: m.TitleErr}
	}
	if c, ok := m.ByTitle[title]; ok {
		return c, nil
	}
	return nil, &qerrors.NotFoundError{Kind: "metadata record", ID: title}
}
