package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.RetryDelay != 0 {
		t.Errorf("expected no retry delay, got %v", cfg.RetryDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("expected 30 second max delay, got %v", cfg.MaxDelay)
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var attempts []int
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("expected attempts [1 2 3], got %v", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	last := errors.New("response missing choices")
	var calls int32
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return last
	})

	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	var re *RetryError
	if !errors.As(err, &re) || re.Attempts != 2 {
		t.Fatalf("expected RetryError with 2 attempts, got %#v", err)
	}
	if !strings.Contains(err.Error(), "calling API failed after retrying 2 times") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestRetry_ZeroAttemptsStillTriesOnce(t *testing.T) {
	var calls int32
	_ = Retry(context.Background(), RetryConfig{}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("bad request body")
	var calls int32
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("permanent error must not be reported as exhausted")
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	err := Retry(ctx, RetryConfig{MaxAttempts: 10}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_AttemptTimeoutIsRetried(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, Timeout: 10 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected exhausted deadline error, got %v", err)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{RetryDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 350 * time.Millisecond},
		{4, 350 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	if got := (RetryConfig{}).backoff(3); got != 0 {
		t.Errorf("expected no delay without RetryDelay, got %v", got)
	}
}

func TestRetry_WaitsBetweenAttempts(t *testing.T) {
	start := time.Now()
	_ = Retry(context.Background(), RetryConfig{MaxAttempts: 3, RetryDelay: 20 * time.Millisecond, MaxDelay: time.Second}, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})
	// 20ms + 40ms between the three attempts
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("expected backoff delays, took %v", elapsed)
	}
}
