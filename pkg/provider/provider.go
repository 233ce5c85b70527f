// Package provider defines the external service interfaces agents call:
// text completion and bibliographic metadata lookup
package provider

import (
	"context"
	"strings"
)

// Prompt is a template plus its substitution parameters. Rendering
// replaces {{key}} placeholders; wording and structure belong to the
// caller.
type Prompt struct {
	System   string
	Template string
	Params   map[string]string
}

// Render substitutes {{key}} placeholders with parameter values.
// Unknown placeholders are left in place so a missing parameter is
// visible downstream instead of silently blank.
func (p Prompt) Render() string {
	out := p.Template
	for key, value := range p.Params {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// Completion generates text from a rendered prompt
type Completion interface {
	// Name identifies the provider for errors and metrics
	Name() string

	// Complete runs one non-streaming generation call
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Candidate is one bibliographic metadata record returned by a lookup
type Candidate struct {
	DOI      string   `json:"doi,omitempty"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Venue    string   `json:"venue,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	Source   string   `json:"source"`
	Score    float64  `json:"score,omitempty"`
}

// Metadata looks up bibliographic records for a document
type Metadata interface {
	// Name identifies the provider for errors and metrics
	Name() string

	// LookupDOI resolves a known DOI to a record
	LookupDOI(ctx context.Context, doi string) (*Candidate, error)

	// SearchTitle finds the best record matching a title
	SearchTitle(ctx context.Context, title string) (*Candidate, error)
}
