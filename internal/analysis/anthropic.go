package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is a small fast model that is plenty for vocabulary notes.
const DefaultAnthropicModel = "claude-3-5-haiku-20241022"

// MessageClient abstracts the Anthropic messages API so tests can supply canned responses.
type MessageClient interface {
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type anthropicMessages struct {
	client anthropic.Client
}

func (w *anthropicMessages) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return w.client.Messages.New(ctx, params)
}

// AnthropicProvider completes prompts with Claude.
type AnthropicProvider struct {
	client MessageClient
	model  string
}

// NewAnthropicProvider builds a provider using the official SDK.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("analysis: anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProviderWithClient(&anthropicMessages{client: client}, model), nil
}

// NewAnthropicProviderWithClient wraps an existing message client.
func NewAnthropicProviderWithClient(client MessageClient, model string) *AnthropicProvider {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{client: client, model: model}
}

// Name identifies the provider in logs.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends one user message with a system prompt and concatenates the text blocks.
func (p *AnthropicProvider) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := p.client.CreateMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var builder strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	if builder.Len() == 0 {
		return "", errors.New("anthropic completion: empty response")
	}
	return builder.String(), nil
}
