// Package llm streams language-model responses token by token.
package llm

import (
	"context"
	"fmt"

	"github.com/healthsimple/companion-gateway/internal/config"
	"github.com/healthsimple/companion-gateway/internal/conversation"
)

// TokenStream yields non-empty text deltas. Next returns iterator.Done when
// the response is complete.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Provider is a streaming language model.
type Provider interface {
	// Name identifies the provider in errors, logs and metrics
	Name() string

	// OpenStream sends req and returns once the provider has accepted it.
	// Cancelling ctx stops the stream.
	OpenStream(ctx context.Context, req conversation.Request) (TokenStream, error)
}

// Options are the generation parameters shared by providers.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// ProviderError reports a provider rejecting a request.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the status is worth another attempt.
func (e *ProviderError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// New creates the provider selected by cfg.LLMProvider.
func New(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, Options{
			Model:       cfg.OpenAIModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
		}), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, Options{
			Model:       cfg.GeminiModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
