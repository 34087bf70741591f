package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is matched by every RetryError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig configures the bounded retry loop around API calls.
type RetryConfig struct {
	MaxAttempts int           // Total attempts per input; every failure kind counts (default: 2)
	RetryDelay  time.Duration // Initial delay between attempts, doubled each time (0 = none)
	MaxDelay    time.Duration // Cap for the exponential delay
	Timeout     time.Duration // Per-attempt timeout (0 = none)
}

// DefaultRetryConfig mirrors the harness defaults: two attempts, no backoff
// beyond the throttle.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		MaxDelay:    30 * time.Second,
		Timeout:     5 * time.Minute,
	}
}

// RetryError is returned once the attempt budget is spent.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	msg := fmt.Sprintf("calling API failed after retrying %d times", e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *RetryError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Last}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, the budget is spent, the error is
// permanent, or ctx is done. attempt starts at 1.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if delay := cfg.backoff(attempt - 1); delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		// Caller cancelled or the batch deadline passed.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return &RetryError{Attempts: maxAttempts, Last: lastErr}
}

// backoff returns the delay before retry number n (1-based).
func (cfg RetryConfig) backoff(n int) time.Duration {
	delay := cfg.RetryDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < n; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
