package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 30
	wordMaxTokens            = 500
	sentenceMaxTokens        = 800
)

var (
	// ErrEmptyContent indicates that there is nothing to analyze.
	ErrEmptyContent = errors.New("analysis: empty content")
	noOpLogger      = zap.NewNop()
)

// Provider produces a raw completion for a system and user prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Result is the classification plus opaque structured payload stored with an entry.
type Result struct {
	EntryType EntryType
	Payload   string
	Tags      []string
}

// TagString joins tags the way they are persisted.
func (r Result) TagString() string {
	return strings.Join(r.Tags, ",")
}

// ServiceConfig wires the analysis service.
type ServiceConfig struct {
	Provider          Provider
	RequestsPerMinute int
	Logger            *zap.Logger
}

// Service classifies content and asks a provider for a structured analysis, falling back to a
// deterministic payload whenever the provider is absent, fails, or returns an invalid document.
type Service struct {
	provider  Provider
	limiter   *rate.Limiter
	validator *payloadValidator
	logger    *zap.Logger
}

// NewService constructs an analysis service. A nil provider yields heuristic-only analysis.
func NewService(cfg ServiceConfig) (*Service, error) {
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("analysis: compile schemas: %w", err)
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		provider:  cfg.Provider,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		validator: validator,
		logger:    logger,
	}, nil
}

// Analyze classifies content and returns its analysis payload and tags.
func (s *Service) Analyze(ctx context.Context, content, source, note string) (Result, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Result{}, ErrEmptyContent
	}

	entryType := Classify(trimmed)
	fields := s.generate(ctx, entryType, trimmed)

	payload, err := json.Marshal(fields)
	if err != nil {
		return Result{}, fmt.Errorf("analysis: encode payload: %w", err)
	}

	return Result{
		EntryType: entryType,
		Payload:   string(payload),
		Tags:      buildTags(entryType, fields, source),
	}, nil
}

func (s *Service) generate(ctx context.Context, entryType EntryType, content string) map[string]any {
	if s.provider == nil {
		return fallbackPayload(entryType, content)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.logger.Warn("analysis rate limit wait failed", zap.Error(err))
		return fallbackPayload(entryType, content)
	}

	system, prompt, maxTokens := buildPrompt(entryType, content)
	raw, err := s.provider.Complete(ctx, system, prompt, maxTokens)
	if err != nil {
		s.logger.Warn("analysis provider failed",
			zap.String("provider", s.provider.Name()),
			zap.String("entry_type", entryType.String()),
			zap.Error(err))
		return fallbackPayload(entryType, content)
	}

	document := extractJSON(raw)
	if err := s.validator.Validate(entryType, document); err != nil {
		s.logger.Warn("analysis payload rejected",
			zap.String("provider", s.provider.Name()),
			zap.String("entry_type", entryType.String()),
			zap.Error(err))
		return fallbackPayload(entryType, content)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(document), &fields); err != nil {
		return fallbackPayload(entryType, content)
	}
	return fields
}

func buildPrompt(entryType EntryType, content string) (string, string, int) {
	if entryType == EntryTypeWord {
		system := "You help people learn English vocabulary. Reply with a single JSON object and nothing else."
		prompt := fmt.Sprintf(`Describe the English word %q as JSON with these keys:
"word" (the word itself), "part_of_speech", "definition" (plain English, short),
"collocations" (array of three common collocations), "example_sentence" (set in a tech or business context).`, content)
		return system, prompt, wordMaxTokens
	}
	system := "You help people learn reusable English sentence patterns. Reply with a single JSON object and nothing else."
	prompt := fmt.Sprintf(`Study this sentence: %q
Return JSON with these keys: "sentence" (the sentence), "function" (its communicative purpose, e.g. contrasting),
"pattern" (the reusable structure), "why_good" (one short reason it reads well),
"rewrite_examples" (array of two rewrites using the same pattern).`, content)
	return system, prompt, sentenceMaxTokens
}

// extractJSON strips markdown code fences that models like to wrap answers in.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if _, after, found := strings.Cut(text, "```json"); found {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, found := strings.Cut(text, "```"); found {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	return text
}

func fallbackPayload(entryType EntryType, content string) map[string]any {
	if entryType == EntryTypeWord {
		return map[string]any{
			"word":             content,
			"part_of_speech":   "unknown",
			"definition":       "Definition for " + content,
			"collocations":     []string{},
			"example_sentence": "Example with " + content + ".",
		}
	}
	return map[string]any{
		"sentence":         content,
		"function":         "unknown",
		"pattern":          "N/A",
		"why_good":         "Analysis unavailable",
		"rewrite_examples": []string{},
	}
}
