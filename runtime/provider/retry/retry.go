// Package retry provides retry middleware for capability provider calls.
//
// The orchestrator itself never retries a failed cycle; retry policy lives
// at the provider boundary. Wrapping a provider with Middleware gives every
// invocation exponential backoff with jitter for retryable failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"goa.design/orchestra/runtime/provider"
)

// Config configures retry behavior for provider invocations.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases after
	// each retry. A value of 2.0 gives exponential backoff.
	BackoffMultiplier float64
	// Jitter adds randomness to the backoff to prevent thundering herd.
	// A value of 0.1 adds up to 10% jitter in either direction.
	Jitter float64
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all retry attempts have been exhausted.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent retrying.
	TotalDuration time.Duration
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// IsRetryable determines whether an invocation error is worth retrying.
// Structured provider errors carry an explicit retryable flag; otherwise a
// deadline exceeded is retryable and a caller cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pe, ok := provider.AsError(err); ok {
		return pe.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Middleware wraps a provider so every Invoke is retried per cfg.
func Middleware(cfg Config) provider.Middleware {
	return func(next provider.Provider) provider.Provider {
		if next == nil {
			return nil
		}
		return provider.Func(func(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
			var resp provider.Response
			err := Do(ctx, cfg, func(ctx context.Context) error {
				var err error
				resp, err = next.Invoke(ctx, operation, req)
				return err
			})
			return resp, err
		})
	}
}

// Do executes fn with retry logic. fn is retried while it returns a
// retryable error and attempts remain.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(cfg, attempt)):
		}
	}

	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoffFor computes the backoff duration for a given attempt.
func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}
