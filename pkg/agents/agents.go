// Package agents provides the built-in document processing
// capabilities: summarization, quality checking, research, and
// metadata enrichment
package agents

import (
	"encoding/json"
	"fmt"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/types"
)

// Agent kind identifiers
const (
	KindSummarizer       = "summarizer"
	KindQualityChecker   = "quality-checker"
	KindResearcher       = "researcher"
	KindMetadataEnricher = "metadata-enricher"
)

// Payload schemas produced and consumed by the built-in agents
const (
	DocumentSchema  = "document"
	SummarySchema   = "summary"
	QualitySchema   = "quality-report"
	ResearchSchema  = "research-findings"
	MetadataSchema  = "metadata"
)

// EnrichedSet is the processed set recording documents that completed
// metadata enrichment
const EnrichedSet = "enriched"

// Document is the shared input every built-in agent operates on
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	DOI   string `json:"doi,omitempty"`
	Text  string `json:"text,omitempty"`
}

// decodeDocument extracts the document from a task's input, rejecting
// payloads carrying a different schema
func decodeDocument(task *types.Task) (*Document, error) {
	if task.Input.Schema != DocumentSchema {
		return nil, &qerrors.ValidationError{
			Field:   "input.schema",
			Message: fmt.Sprintf("expected %q, got %q", DocumentSchema, task.Input.Schema),
		}
	}

	var doc Document
	if err := json.Unmarshal(task.Input.Data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc.ID == "" {
		return nil, &qerrors.ValidationError{Field: "input.data.id", Message: "must not be empty"}
	}
	return &doc, nil
}

// newPayload wraps a result document in a schema-tagged payload
func newPayload(schema string, doc interface{}) (*types.Payload, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", schema, err)
	}
	return &types.Payload{Schema: schema, Version: 1, Data: data}, nil
}
