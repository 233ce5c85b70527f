// Package anthropic adapts the Anthropic Messages API to the provider
// Completion interface
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/config"
	"github.com/rizome-dev/quill/pkg/provider"
)

// Provider wraps the official Anthropic client for non-streaming
// completion calls
type Provider struct {
	client      *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// New creates a provider from configuration
func New(cfg config.AnthropicConfig) *Provider {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Provider{
		client:      &client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

// NewFromClient creates a provider from an existing client
func NewFromClient(client *anthropic.Client, cfg config.AnthropicConfig) *Provider {
	p := New(cfg)
	p.client = client
	return p
}

// Name identifies the provider
func (p *Provider) Name() string {
	return "anthropic"
}

// Complete runs one non-streaming message call and concatenates the
// text blocks of the response
func (p *Provider) Complete(ctx context.Context, prompt provider.Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.Render())),
		},
	}

	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", &qerrors.ProviderError{Provider: p.Name(), Op: "complete", Err: err}
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			textBlock := block.AsText()
			builder.WriteString(textBlock.Text)
		}
	}

	if builder.Len() == 0 {
		return "", &qerrors.ProviderError{Provider: p.Name(), Op: "complete", Err: fmt.Errorf("empty response")}
	}

	return builder.String(), nil
}
