package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

func TestRetryExhaustionWrapsSentinel(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryPolicy{
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}, func() error {
		attempts++
		return fmt.Errorf("call upstream: %w", core.ErrCircuitBreakerOpen)
	})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	// The last error stays in the chain so callers can still classify
	// the underlying cause.
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Fatalf("cause dropped from chain: %v", err)
	}
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryPolicy{
		MaxRetries:      3,
		Backoff:         time.Millisecond,
		RetryableErrors: []error{core.ErrTransientExternal},
	}, func() error {
		attempts++
		return core.ErrFatalExternal
	})

	if attempts != 1 {
		t.Fatalf("expected single attempt for non-retryable error, got %d", attempts)
	}
	if !errors.Is(err, core.ErrFatalExternal) {
		t.Fatalf("expected the original error, got %v", err)
	}
}

func TestRetryBackoffCeiling(t *testing.T) {
	policy := &RetryPolicy{
		Backoff:           100 * time.Millisecond,
		BackoffMultiplier: 3.0,
		MaxBackoff:        500 * time.Millisecond,
		Jitter:            1.0,
	}

	// Backoff never exceeds maxBackoff plus the 1s jitter ceiling.
	for attempt := 1; attempt <= 10; attempt++ {
		if d := policy.Delay(attempt); d > 500*time.Millisecond+time.Second {
			t.Fatalf("attempt %d delay %v exceeds maxBackoff + jitter ceiling", attempt, d)
		}
	}
}

func TestWithTimeoutFiresCompensation(t *testing.T) {
	compensated := false
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}, func() { compensated = true })

	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !compensated {
		t.Fatal("expected compensating action to run")
	}
}

func TestWithTimeoutPassesThroughSuccess(t *testing.T) {
	if err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error { return nil }, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManagerDefaultRegistrations(t *testing.T) {
	m, err := NewManager(DefaultManagerConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	for _, name := range DefaultBreakers {
		if m.CircuitBreaker(name) == nil {
			t.Fatalf("missing default circuit breaker %q", name)
		}
	}
	for _, name := range DefaultBulkheads {
		if m.Bulkhead(name) == nil {
			t.Fatalf("missing default bulkhead %q", name)
		}
	}
}

func TestExecuteWithResilienceComposition(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MetricsInterval = 0
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	// Each attempt gets its own timeout: two timed-out attempts, then
	// success inside the same breaker admission.
	attempts := 0
	err = m.ExecuteWithResilience(context.Background(), "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, ExecuteOptions{
		CircuitBreaker: "external_api",
		Bulkhead:       "database_ops",
		Retry:          &RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		Timeout:        20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	// The breaker saw one aggregate success.
	if snap := m.CircuitBreaker("external_api").Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("breaker counted per-attempt failures: %d", snap.FailureCount)
	}
}

func TestExecuteWithResilienceUnknownPrimitive(t *testing.T) {
	m, err := NewManager(DefaultManagerConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	err = m.ExecuteWithResilience(context.Background(), "x", func(ctx context.Context) error { return nil }, ExecuteOptions{
		CircuitBreaker: "nope",
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
