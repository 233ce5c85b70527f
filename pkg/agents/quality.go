package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rizome-dev/quill/pkg/fanout"
	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/types"
)

// qualityChecks are the independent dimensions evaluated in parallel.
// Each check is optional; the report is synthesized from whichever
// checks survive.
var qualityChecks = []struct {
	name        string
	instruction string
}{
	{"accuracy", "Evaluate the factual accuracy of the claims made in the document."},
	{"consistency", "Evaluate whether the document's claims are internally consistent."},
	{"bias", "Evaluate the document for biased framing or one-sided presentation."},
	{"fabrication", "Evaluate whether the document shows signs of fabricated data or citations."},
	{"coherence", "Evaluate the logical coherence and structure of the document's argument."},
}

// CheckResult is one dimension's outcome as returned by the model
type CheckResult struct {
	Score    float64  `json:"score"`
	Findings []string `json:"findings"`
}

// QualityReport is the synthesized result across surviving checks
type QualityReport struct {
	DocumentID   string             `json:"document_id"`
	OverallScore float64            `json:"overall_score"`
	Scores       map[string]float64 `json:"scores"`
	Findings     []string           `json:"findings,omitempty"`
}

// QualityChecker runs the five quality dimensions concurrently and
// averages the survivors into one report
type QualityChecker struct {
	completion  provider.Completion
	coordinator *fanout.Coordinator
}

// NewQualityChecker creates a quality checker over the given completion
// provider and step coordinator
func NewQualityChecker(completion provider.Completion, coordinator *fanout.Coordinator) *QualityChecker {
	return &QualityChecker{completion: completion, coordinator: coordinator}
}

// Kind returns the agent kind identifier
func (q *QualityChecker) Kind() string {
	return KindQualityChecker
}

// Execute runs all checks against the task's document
func (q *QualityChecker) Execute(ctx context.Context, task *types.Task) (*types.Payload, error) {
	doc, err := decodeDocument(task)
	if err != nil {
		return nil, err
	}

	steps := make([]fanout.Step, 0, len(qualityChecks))
	for _, check := range qualityChecks {
		check := check
		steps = append(steps, fanout.Step{
			Name: check.name,
			Run: func(ctx context.Context) (*types.Payload, error) {
				return q.runCheck(ctx, check.name, check.instruction, doc)
			},
		})
	}

	return q.coordinator.RunAndSynthesize(ctx, steps, func(results []fanout.StepResult) (*types.Payload, error) {
		return synthesizeReport(doc.ID, results)
	})
}

func (q *QualityChecker) runCheck(ctx context.Context, name, instruction string, doc *Document) (*types.Payload, error) {
	prompt := provider.Prompt{
		System: "You are a scientific quality reviewer. Respond only with JSON of the form " +
			`{"score": <0-100>, "findings": ["..."]}.`,
		Template: "{{instruction}}\n\nDocument titled {{title}}:\n\n{{text}}",
		Params: map[string]string{
			"instruction": instruction,
			"title":       doc.Title,
			"text":        doc.Text,
		},
	}

	text, err := q.completion.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result CheckResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &result); err != nil {
		return nil, fmt.Errorf("check %s returned malformed result: %w", name, err)
	}

	return newPayload(QualitySchema, result)
}

// synthesizeReport averages surviving scores and concatenates findings.
// Result ordering follows the check name so reports are stable across
// runs.
func synthesizeReport(documentID string, results []fanout.StepResult) (*types.Payload, error) {
	sorted := make([]fanout.StepResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	report := QualityReport{
		DocumentID: documentID,
		Scores:     make(map[string]float64),
	}

	total := 0.0
	for _, r := range sorted {
		var result CheckResult
		if err := json.Unmarshal(r.Payload.Data, &result); err != nil {
			return nil, fmt.Errorf("failed to decode %s result: %w", r.Name, err)
		}
		report.Scores[r.Name] = result.Score
		total += result.Score
		for _, finding := range result.Findings {
			report.Findings = append(report.Findings, r.Name+": "+finding)
		}
	}
	report.OverallScore = total / float64(len(sorted))

	return newPayload(QualitySchema, report)
}

// extractJSON trims surrounding prose so a fenced or chatty response
// still parses
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}
