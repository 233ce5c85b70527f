package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/fanout"
	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/types"
)

// ResearchRequest extends the document with the questions to pursue
type ResearchRequest struct {
	Document
	Queries []string `json:"queries"`
}

// ResearchFindings is the synthesized result across all query batches
type ResearchFindings struct {
	DocumentID string   `json:"document_id"`
	Queries    int      `json:"queries"`
	Findings   []string `json:"findings"`
}

// Researcher answers a set of research queries about a document. Queries
// are grouped into batches so a large request becomes a bounded number
// of completion calls running in parallel.
type Researcher struct {
	completion  provider.Completion
	coordinator *fanout.Coordinator
	batchSize   int
}

// NewResearcher creates a researcher with the default batch size
func NewResearcher(completion provider.Completion, coordinator *fanout.Coordinator) *Researcher {
	return &Researcher{
		completion:  completion,
		coordinator: coordinator,
		batchSize:   fanout.DefaultBatchSize,
	}
}

// Kind returns the agent kind identifier
func (r *Researcher) Kind() string {
	return KindResearcher
}

// Execute answers the request's queries against its document
func (r *Researcher) Execute(ctx context.Context, task *types.Task) (*types.Payload, error) {
	if task.Input.Schema != DocumentSchema {
		return nil, &qerrors.ValidationError{
			Field:   "input.schema",
			Message: fmt.Sprintf("expected %q, got %q", DocumentSchema, task.Input.Schema),
		}
	}

	var req ResearchRequest
	if err := json.Unmarshal(task.Input.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode research request: %w", err)
	}
	if req.ID == "" {
		return nil, &qerrors.ValidationError{Field: "input.data.id", Message: "must not be empty"}
	}
	if len(req.Queries) == 0 {
		return nil, &qerrors.ValidationError{Field: "input.data.queries", Message: "must not be empty"}
	}

	batches := fanout.Batch(req.Queries, r.batchSize)
	steps := make([]fanout.Step, 0, len(batches))
	for i, batch := range batches {
		i, batch := i, batch
		steps = append(steps, fanout.Step{
			Name: fmt.Sprintf("batch-%d", i),
			Run: func(ctx context.Context) (*types.Payload, error) {
				return r.runBatch(ctx, &req.Document, batch)
			},
		})
	}

	return r.coordinator.RunAndSynthesize(ctx, steps, func(results []fanout.StepResult) (*types.Payload, error) {
		findings := ResearchFindings{
			DocumentID: req.ID,
			Queries:    len(req.Queries),
		}
		for _, res := range results {
			var batch []string
			if err := json.Unmarshal(res.Payload.Data, &batch); err != nil {
				return nil, fmt.Errorf("failed to decode %s findings: %w", res.Name, err)
			}
			findings.Findings = append(findings.Findings, batch...)
		}
		return newPayload(ResearchSchema, findings)
	})
}

func (r *Researcher) runBatch(ctx context.Context, doc *Document, queries []string) (*types.Payload, error) {
	var numbered strings.Builder
	for i, q := range queries {
		fmt.Fprintf(&numbered, "%d. %s\n", i+1, q)
	}

	prompt := provider.Prompt{
		System: "You are a research assistant. Answer each question in order. " +
			`Respond only with a JSON array of answer strings, one per question.`,
		Template: "Answer these questions about the document titled {{title}}:\n\n{{queries}}\nDocument:\n\n{{text}}",
		Params: map[string]string{
			"title":   doc.Title,
			"queries": numbered.String(),
			"text":    doc.Text,
		},
	}

	text, err := r.completion.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var answers []string
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &answers); err != nil {
		return nil, fmt.Errorf("batch returned malformed answers: %w", err)
	}
	if len(answers) != len(queries) {
		return nil, fmt.Errorf("batch returned %d answers for %d queries", len(answers), len(queries))
	}

	findings := make([]string, len(queries))
	for i, q := range queries {
		findings[i] = q + ": " + answers[i]
	}

	data, err := json.Marshal(findings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch findings: %w", err)
	}
	return &types.Payload{Schema: ResearchSchema, Version: 1, Data: data}, nil
}

func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}
