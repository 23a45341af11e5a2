package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// RetryPolicy configures retry behavior for one operation class.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// Backoff is the base delay before the first retry
	Backoff time.Duration

	// BackoffMultiplier grows the delay per attempt. Values below 1 are
	// treated as 1 (constant backoff).
	BackoffMultiplier float64

	// MaxBackoff caps the computed delay. Zero means uncapped.
	MaxBackoff time.Duration

	// RetryableErrors restricts which errors trigger a retry. Empty
	// means every error is retried. Matching uses errors.Is.
	RetryableErrors []error

	// Jitter in [0, 1] adds U(0, 1s)·Jitter to each delay to spread
	// synchronized retries.
	Jitter float64
}

// DefaultRetryPolicy provides sensible defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		Backoff:           100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
		Jitter:            0.5,
	}
}

// Delay computes the backoff before retry number attempt (1-indexed):
// min(backoff · multiplier^(attempt-1), maxBackoff) + U(0,1s)·jitter.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := time.Duration(float64(p.Backoff) * math.Pow(multiplier, float64(attempt-1)))
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * float64(time.Second) * p.Jitter)
	}
	return delay
}

// shouldRetry applies the RetryableErrors restriction.
func (p *RetryPolicy) shouldRetry(err error) bool {
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, retryable := range p.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}

// Retry executes fn with the policy's retry budget. Errors outside the
// retryable set fail immediately; exhaustion wraps
// core.ErrMaxRetriesExceeded around the last error.
func Retry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			timer := time.NewTimer(policy.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !policy.shouldRetry(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d retries: %w", core.ErrMaxRetriesExceeded, policy.MaxRetries, lastErr)
}
