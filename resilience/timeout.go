package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// WithTimeout races fn against a timer. On expiry the context handed to
// fn is cancelled, the optional compensating action runs, and the call
// surfaces core.ErrTimeout. fn keeps running in its goroutine until it
// observes the cancellation; its eventual result is discarded.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error, onTimeout func()) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during timed call: %v", r)
			}
		}()
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a timeout.
			return ctx.Err()
		}
		if onTimeout != nil {
			onTimeout()
		}
		return fmt.Errorf("call exceeded %v: %w", timeout, core.ErrTimeout)
	}
}
