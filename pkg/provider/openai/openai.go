// Package openai adapts the OpenAI Chat Completions API to the provider
// Completion interface
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/config"
	"github.com/rizome-dev/quill/pkg/provider"
)

// Provider wraps the official OpenAI client for non-streaming
// completion calls
type Provider struct {
	client      *openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

// New creates a provider from configuration
func New(cfg config.OpenAIConfig) *Provider {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}

	client := openai.NewClient(clientOpts...)

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
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
func NewFromClient(client *openai.Client, cfg config.OpenAIConfig) *Provider {
	p := New(cfg)
	p.client = client
	return p
}

// Name identifies the provider
func (p *Provider) Name() string {
	return "openai"
}

// Complete runs one non-streaming chat completion call
func (p *Provider) Complete(ctx context.Context, prompt provider.Prompt) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.Render()))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               p.model,
		Temperature:         openai.Float(p.temperature),
		MaxCompletionTokens: openai.Int(p.maxTokens),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", &qerrors.ProviderError{Provider: p.Name(), Op: "complete", Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &qerrors.ProviderError{Provider: p.Name(), Op: "complete", Err: fmt.Errorf("no choices returned")}
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", &qerrors.ProviderError{Provider: p.Name(), Op: "complete", Err: fmt.Errorf("empty response")}
	}

	return content, nil
}
