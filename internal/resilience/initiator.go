package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StreamInitiationError reports that a provider stream could not be opened.
type StreamInitiationError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *StreamInitiationError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("%s stream not opened: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s stream initiation failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *StreamInitiationError) Unwrap() error {
	return e.Err
}

// Observer receives the outcome of every stream open.
type Observer interface {
	ObserveOpen(provider string, attempts int, duration time.Duration, err error)
	ObserveRetry(provider string, attempt int, err error, wait time.Duration)
}

// StreamInitiator opens provider streams under a shared retry policy, with
// one circuit breaker per provider.
type StreamInitiator struct {
	policy     *Policy
	observer   Observer
	newBreaker func(provider string) *CircuitBreaker

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// InitiatorOption configures a StreamInitiator.
type InitiatorOption func(*StreamInitiator)

// WithObserver reports opens and retries to o.
func WithObserver(o Observer) InitiatorOption {
	return func(si *StreamInitiator) { si.observer = o }
}

// WithCircuitBreakers guards each provider with a breaker built by factory.
func WithCircuitBreakers(factory func(provider string) *CircuitBreaker) InitiatorOption {
	return func(si *StreamInitiator) { si.newBreaker = factory }
}

// NewStreamInitiator creates a StreamInitiator. A nil policy uses DefaultPolicy.
func NewStreamInitiator(policy *Policy, opts ...InitiatorOption) *StreamInitiator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	si := &StreamInitiator{
		policy:   policy,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(si)
	}
	return si
}

// Breaker returns the provider's circuit breaker, or nil when breakers are
// disabled.
func (si *StreamInitiator) Breaker(provider string) *CircuitBreaker {
	if si.newBreaker == nil {
		return nil
	}
	si.mu.Lock()
	defer si.mu.Unlock()
	cb, ok := si.breakers[provider]
	if !ok {
		cb = si.newBreaker(provider)
		si.breakers[provider] = cb
	}
	return cb
}

// Open retries open until it succeeds. Only the open call is retried; once
// it returns, failures while consuming the stream are the caller's.
func (si *StreamInitiator) Open(ctx context.Context, provider string, open func(ctx context.Context) error) error {
	_, err := OpenStream(ctx, si, provider, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, open(ctx)
	})
	return err
}

// OpenStream is the typed form of StreamInitiator.Open.
func OpenStream[T any](ctx context.Context, si *StreamInitiator, provider string, open func(ctx context.Context) (T, error)) (T, error) {
	var (
		stream   T
		attempts int
		zero     T
	)

	policy := *si.policy
	if si.observer != nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			si.observer.ObserveRetry(provider, attempt, err, wait)
		}
	}

	attempt := func() error {
		return policy.Do(ctx, func(ctx context.Context) error {
			attempts++
			s, err := open(ctx)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
	}

	start := time.Now()
	var err error
	if cb := si.Breaker(provider); cb != nil {
		err = cb.Call(attempt)
	} else {
		err = attempt()
	}
	if si.observer != nil {
		si.observer.ObserveOpen(provider, attempts, time.Since(start), err)
	}

	if err == nil {
		return stream, nil
	}
	// The caller gave up; whatever the provider said last is moot.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	return zero, &StreamInitiationError{Provider: provider, Attempts: attempts, Err: err}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
