package tts

import (
	"context"
	"fmt"
)

// Stream yields raw audio bytes for one phrase. Next returns iterator.Done
// once the provider has sent everything.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Provider is a streaming text-to-speech service.
type Provider interface {
	// Name identifies the provider in errors, logs and metrics
	Name() string

	// OpenStream starts synthesis of text. Cancelling ctx aborts the request.
	OpenStream(ctx context.Context, text string) (Stream, error)
}

// SynthesisError reports a non-success response from a speech provider.
type SynthesisError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *SynthesisError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s synthesis failed with status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s synthesis failed with status %d: %s", e.Provider, e.Status, e.Detail)
}

// Retryable is always false: a rejected synthesis request aborts the turn.
// Only failures to reach the provider are retried.
func (e *SynthesisError) Retryable() bool {
	return false
}
