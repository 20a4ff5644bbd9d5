package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultOpenAIBaseURL points at the DeepSeek OpenAI-compatible endpoint.
	DefaultOpenAIBaseURL = "https://api.deepseek.com"
	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "deepseek-chat"
	openAITemperature  = 0.7
)

// ChatCompletionClient is the subset of the go-openai client used here. Tests substitute fakes.
type ChatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider completes prompts against any OpenAI-compatible chat endpoint.
type OpenAIProvider struct {
	client ChatCompletionClient
	model  string
}

// NewOpenAIProvider builds a provider for the given endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("analysis: openai api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	config.BaseURL = baseURL
	return NewOpenAIProviderWithClient(openai.NewClientWithConfig(config), model), nil
}

// NewOpenAIProviderWithClient wraps an existing client.
func NewOpenAIProviderWithClient(client ChatCompletionClient, model string) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{client: client, model: model}
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends a single-turn chat request.
func (p *OpenAIProvider) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	response, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: openAITemperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("openai completion: no choices returned")
	}
	return response.Choices[0].Message.Content, nil
}
