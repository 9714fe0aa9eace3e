package resilience

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"
)

// BackoffFunc returns the wait before the next attempt. attempt is the
// 1-based number of the attempt that just failed.
type BackoffFunc func(attempt int) time.Duration

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy is a reusable bounded-retry policy shared by every provider
// integration.
type Policy struct {
	MaxAttempts int              // Total attempts including the first
	Backoff     BackoffFunc      // Wait between attempts
	Retryable   IsRetryableError // nil retries every error

	// Sleep defaults to a context-aware timer. Tests replace it to record waits.
	Sleep SleepFunc

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// RetryConfig holds configuration for exponential backoff
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the stream-open retry configuration: three
// attempts waiting 0.5s then 1s, never more than 4s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DefaultPolicy returns a Policy built from DefaultRetryConfig.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultRetryConfig(), DefaultRetryable)
}

// NewPolicy builds a Policy with exponential backoff from config.
func NewPolicy(config *RetryConfig, isRetryable IsRetryableError) *Policy {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &Policy{
		MaxAttempts: config.MaxAttempts,
		Backoff:     ExponentialBackoff(config.InitialBackoff, config.MaxBackoff, config.BackoffMultiplier),
		Retryable:   isRetryable,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged. If ctx is
// done while waiting, ctx.Err() is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	return lastErr
}

// ExponentialBackoff returns min(max(initial*multiplier^(attempt-1), initial), max).
func ExponentialBackoff(initial, max time.Duration, multiplier float64) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := CalculateBackoff(attempt-1, initial, max, multiplier)
		if backoff < initial {
			backoff = initial
		}
		return backoff
	}
}

// CalculateBackoff calculates the backoff duration for a given zero-based attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DefaultRetryable never retries cancellation. Errors with a Retryable()
// bool method decide for themselves; anything else is retried only when it
// looks like a network fault.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return IsRetryableNetworkError(err)
}

// IsRetryableNetworkError checks if an error is a retryable network error
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, substr := range []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"connection closed",
		"transport is closing",
		"unavailable",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"eof",
		// Timeout errors
		"deadline exceeded",
		"timeout",
		// Resource exhaustion (may be temporary)
		"resource exhausted",
		"too many connections",
		"rate limit",
	} {
		if strings.Contains(errStr, substr) {
			return true
		}
	}
	return false
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable marks the error as transient.
func (e *RetryableError) Retryable() bool { return true }

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
