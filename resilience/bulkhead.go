package resilience

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// BulkheadConfig sizes a bounded-concurrency gate.
type BulkheadConfig struct {
	// Name identifies the bulkhead
	Name string

	// MaxConcurrentCalls is the number of calls admitted in flight
	MaxConcurrentCalls int

	// QueueSize bounds how many callers may wait for a slot
	QueueSize int

	// MaxWaitTime is the deadline for a queued caller
	MaxWaitTime time.Duration

	// Logger for admission decisions
	Logger core.Logger
}

// Validate rejects unusable configurations.
func (c *BulkheadConfig) Validate() error {
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max concurrent calls must be at least 1 (got %d)", c.MaxConcurrentCalls)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size cannot be negative (got %d)", c.QueueSize)
	}
	return nil
}

// DefaultBulkheadConfig returns production-ready defaults.
func DefaultBulkheadConfig(name string) *BulkheadConfig {
	return &BulkheadConfig{
		Name:               name,
		MaxConcurrentCalls: 10,
		QueueSize:          20,
		MaxWaitTime:        5 * time.Second,
		Logger:             &core.NoOpLogger{},
	}
}

// BulkheadSnapshot is a point-in-time view of bulkhead occupancy.
type BulkheadSnapshot struct {
	Name        string `json:"name"`
	ActiveCalls int    `json:"active_calls"`
	QueuedCalls int    `json:"queued_calls"`
	MaxCalls    int    `json:"max_calls"`
	QueueSize   int    `json:"queue_size"`
	Rejected    uint64 `json:"rejected"`
}

// Bulkhead admits up to MaxConcurrentCalls in flight. Further calls
// queue FIFO up to QueueSize, each bounded by MaxWaitTime; overflow is
// rejected immediately with core.ErrBulkheadFull. When a call completes
// the head of the queue is admitted.
type Bulkhead struct {
	config *BulkheadConfig
	logger core.Logger

	mu       sync.Mutex
	active   int
	waiters  *list.List // of chan struct{}, buffered size 1
	rejected uint64
}

// NewBulkhead creates a bulkhead.
func NewBulkhead(config *BulkheadConfig) (*Bulkhead, error) {
	if config == nil {
		config = DefaultBulkheadConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bulkhead config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MaxWaitTime <= 0 {
		config.MaxWaitTime = 5 * time.Second
	}

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}

	return &Bulkhead{
		config:  config,
		logger:  logger,
		waiters: list.New(),
	}, nil
}

// Execute runs fn inside a concurrency slot, waiting in the FIFO queue
// when all slots are taken.
func (bh *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := bh.acquire(ctx); err != nil {
		return err
	}
	defer bh.release()
	return fn()
}

// acquire claims a slot or queues for one. Admission decisions are
// atomic under a single lock (count-and-enter).
func (bh *Bulkhead) acquire(ctx context.Context) error {
	bh.mu.Lock()

	if bh.active < bh.config.MaxConcurrentCalls {
		bh.active++
		bh.mu.Unlock()
		return nil
	}

	if bh.waiters.Len() >= bh.config.QueueSize {
		bh.rejected++
		bh.mu.Unlock()
		bh.logger.Warn("Bulkhead rejected call", map[string]interface{}{
			"operation": "bulkhead_reject",
			"name":      bh.config.Name,
		})
		return fmt.Errorf("bulkhead %q queue full: %w", bh.config.Name, core.ErrBulkheadFull)
	}

	grant := make(chan struct{}, 1)
	elem := bh.waiters.PushBack(grant)
	bh.mu.Unlock()

	timer := time.NewTimer(bh.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case <-grant:
		// Slot was transferred by a releasing caller; active already counted.
		return nil
	case <-timer.C:
		return bh.abandon(elem, grant, fmt.Errorf("bulkhead %q wait timed out: %w", bh.config.Name, core.ErrTimeout))
	case <-ctx.Done():
		return bh.abandon(elem, grant, ctx.Err())
	}
}

// abandon removes a timed-out waiter. Releasing callers remove the
// waiter and send the grant inside one critical section, so under the
// lock a buffered grant is the definitive signal that the slot is ours.
func (bh *Bulkhead) abandon(elem *list.Element, grant chan struct{}, cause error) error {
	bh.mu.Lock()
	select {
	case <-grant:
		bh.mu.Unlock()
		bh.release()
		return nil
	default:
	}
	bh.waiters.Remove(elem)
	bh.mu.Unlock()
	return cause
}

// release hands the slot to the next queued caller or frees it.
func (bh *Bulkhead) release() {
	bh.mu.Lock()
	defer bh.mu.Unlock()

	if front := bh.waiters.Front(); front != nil {
		grant := bh.waiters.Remove(front).(chan struct{})
		// active stays: the slot transfers to the waiter.
		grant <- struct{}{}
		return
	}
	bh.active--
}

// Snapshot returns a point-in-time view for metrics.
func (bh *Bulkhead) Snapshot() BulkheadSnapshot {
	bh.mu.Lock()
	defer bh.mu.Unlock()
	return BulkheadSnapshot{
		Name:        bh.config.Name,
		ActiveCalls: bh.active,
		QueuedCalls: bh.waiters.Len(),
		MaxCalls:    bh.config.MaxConcurrentCalls,
		QueueSize:   bh.config.QueueSize,
		Rejected:    bh.rejected,
	}
}
