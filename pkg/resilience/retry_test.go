package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/pcanales/ensemble/pkg/errors"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Millisecond)

	err := cfg.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.Newf(errors.CodeTimeout, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestRetryStopsOnUnrecoverableError(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig().WithMaxAttempts(5).WithInitialDelay(time.Millisecond)

	err := cfg.Do(context.Background(), func() error {
		attempts++
		return errors.Newf(errors.CodeHandshakeFailed, "deterministic")
	})
	if !errors.HasCode(err, errors.CodeHandshakeFailed) {
		t.Fatalf("expected handshake error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("unrecoverable error must not be retried: attempts = %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Millisecond)

	err := cfg.Do(context.Background(), func() error {
		attempts++
		return errors.Newf(errors.CodeSpawnFailed, "still down")
	})
	if !errors.HasCode(err, errors.CodeSpawnFailed) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Minute)
	err := cfg.Do(ctx, func() error {
		return errors.Newf(errors.CodeTimeout, "transient")
	})
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10}
	if d := calculateBackoff(5, cfg); d > 2*time.Second {
		t.Fatalf("backoff exceeds cap: %v", d)
	}
}

func TestCalculateBackoffCapHoldsUnderJitter(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		if d := calculateBackoff(5, cfg); d > 2*time.Second {
			t.Fatalf("jitter pushed backoff past cap: %v", d)
		}
	}
}
