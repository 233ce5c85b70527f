package agents

import (
	"context"
	"strings"

	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/types"
)

// Summary is the summarizer's result document
type Summary struct {
	DocumentID string `json:"document_id"`
	Summary    string `json:"summary"`
	Provider   string `json:"provider"`
}

// Summarizer condenses a document into a short summary with a single
// completion call
type Summarizer struct {
	completion provider.Completion
}

// NewSummarizer creates a summarizer over the given completion provider
func NewSummarizer(completion provider.Completion) *Summarizer {
	return &Summarizer{completion: completion}
}

// Kind returns the agent kind identifier
func (s *Summarizer) Kind() string {
	return KindSummarizer
}

// Execute summarizes the task's document
func (s *Summarizer) Execute(ctx context.Context, task *types.Task) (*types.Payload, error) {
	doc, err := decodeDocument(task)
	if err != nil {
		return nil, err
	}

	prompt := provider.Prompt{
		System:   "You are an academic assistant. Summarize documents faithfully and concisely.",
		Template: "Summarize the following document titled {{title}} in at most three paragraphs.\n\n{{text}}",
		Params: map[string]string{
			"title": doc.Title,
			"text":  doc.Text,
		},
	}

	text, err := s.completion.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return newPayload(SummarySchema, Summary{
		DocumentID: doc.ID,
		Summary:    strings.TrimSpace(text),
		Provider:   s.completion.Name(),
	})
}
