// Package eventbus provides a typed in-process publish/subscribe broker.
//
// Dispatch is synchronous from the publisher's perspective: handlers run
// sequentially in subscription order, each with its own retry budget, and
// a handler failure never prevents later handlers from running. Events
// whose handlers exhaust their retries can be copied into a bounded
// dead-letter ring for later inspection or reprocessing.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// TypeDeadLetter is the type stamped on dead-letter copies.
const TypeDeadLetter = "dead_letter"

// Event is the unit of communication on the bus.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// clone returns a shallow copy with copied metadata so dead-letter
// annotation never mutates the published event.
func (e *Event) clone() *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Handler processes one event. Returning an error consumes one retry
// from the subscription's budget.
type Handler func(ctx context.Context, event *Event) error

// Filter narrows which events a subscription or query matches.
// Zero-value fields are ignored.
type Filter struct {
	// Types restricts matching to the listed event types (history queries).
	Types []string
	// Sources restricts matching to events from the listed sources.
	Sources []string
	// After/Before bound the event timestamp.
	After  time.Time
	Before time.Time
	// Data requires exact equality on the listed data fields.
	Data map[string]interface{}
	// Metadata requires exact equality on the listed metadata fields.
	Metadata map[string]interface{}
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(event *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !containsString(f.Types, event.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, event.Source) {
		return false
	}
	if !f.After.IsZero() && event.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && event.Timestamp.After(f.Before) {
		return false
	}
	for k, want := range f.Data {
		if got, ok := event.Data[k]; !ok || got != want {
			return false
		}
	}
	for k, want := range f.Metadata {
		if got, ok := event.Metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RetryPolicy is the per-subscription handler retry budget.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// SubscribeOptions configure one subscription.
type SubscribeOptions struct {
	// Filter narrows matching beyond the subscribed types.
	Filter *Filter
	// Priority orders handler invocation; higher runs first. Equal
	// priorities preserve subscription order.
	Priority int
	// Retry is the handler retry budget. Nil means no retries.
	Retry *RetryPolicy
	// DeadLetter copies the event into the dead-letter ring when the
	// retry budget is exhausted.
	DeadLetter bool
}

type subscription struct {
	id       string
	types    []string // "*" matches everything
	handler  Handler
	opts     SubscribeOptions
	sequence uint64
}

func (s *subscription) matchesType(eventType string) bool {
	for _, t := range s.types {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

// Config bounds bus retention.
type Config struct {
	// HistorySize is the number of most recent events retained. Default 1000.
	HistorySize int
	// DeadLetterSize bounds the dead-letter ring. Default 100.
	DeadLetterSize int
	// Logger is optional; defaults to NoOp.
	Logger core.Logger
	// Telemetry is optional; defaults to NoOp.
	Telemetry core.Telemetry
}

// DefaultConfig returns default bus configuration.
func DefaultConfig() Config {
	return Config{
		HistorySize:    1000,
		DeadLetterSize: 100,
	}
}

// Bus is the in-process event broker.
type Bus struct {
	id     string
	config Config
	logger core.Logger
	tel    core.Telemetry

	mu       sync.RWMutex
	subs     []*subscription // sorted by priority desc, then sequence asc
	sequence uint64

	historyMu sync.Mutex
	history   []*Event

	dlqMu sync.Mutex
	dlq   []*Event

	// transport delivers events to other nodes; optional.
	transport Transport
}

// New creates an event bus.
func New(config Config) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	if config.DeadLetterSize <= 0 {
		config.DeadLetterSize = 100
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	b := &Bus{
		id:     uuid.NewString(),
		config: config,
		logger: config.Logger,
		tel:    config.Telemetry,
	}

	if cal, ok := b.logger.(core.ComponentAwareLogger); ok {
		b.logger = cal.WithComponent("eventbus")
	}

	return b
}

// ID returns the bus instance identifier used for transport origin guards.
func (b *Bus) ID() string {
	return b.id
}

// SetTransport attaches a cross-node transport. Must be called before
// the first Publish.
func (b *Bus) SetTransport(t Transport) {
	b.transport = t
}

// Subscribe registers a handler for the given event types. "*" matches
// every type. Returns the subscription ID for Unsubscribe.
func (b *Bus) Subscribe(types []string, handler Handler, opts SubscribeOptions) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(types) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	sub := &subscription{
		id:       uuid.NewString(),
		types:    types,
		handler:  handler,
		opts:     opts,
		sequence: b.sequence,
	}

	// Copy-on-write: publishers iterate a snapshot, so rebuild the slice.
	subs := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	subs = append(subs, sub)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].opts.Priority != subs[j].opts.Priority {
			return subs[i].opts.Priority > subs[j].opts.Priority
		}
		return subs[i].sequence < subs[j].sequence
	})
	b.subs = subs

	b.logger.Debug("Subscription registered", map[string]interface{}{
		"operation":       "subscribe",
		"subscription_id": sub.id,
		"types":           types,
		"priority":        opts.Priority,
	})

	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Publish dispatches the event to all matching subscriptions and, when a
// transport is attached, forwards it to other nodes. Dispatch is
// synchronous; Publish returns after every handler has run.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.dispatch(ctx, event)

	if b.transport != nil {
		if err := b.transport.Forward(ctx, b.id, event); err != nil {
			b.logger.Warn("Transport forward failed", map[string]interface{}{
				"operation": "transport_forward",
				"event_id":  event.ID,
				"type":      event.Type,
				"error":     err.Error(),
			})
		}
	}

	return nil
}

// PublishBatch publishes events in order. The first nil event aborts.
func (b *Bus) PublishBatch(ctx context.Context, events []*Event) error {
	for _, event := range events {
		if err := b.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// DispatchExternal delivers an event received from another node to local
// subscriptions only. Events originating from this bus are dropped to
// prevent re-dispatch loops.
func (b *Bus) DispatchExternal(ctx context.Context, originBusID string, event *Event) {
	if originBusID == b.id {
		return
	}
	b.dispatch(ctx, event)
}

func (b *Bus) dispatch(ctx context.Context, event *Event) {
	b.appendHistory(event)

	b.mu.RLock()
	subs := b.subs // copy-on-write slice; safe to iterate without the lock
	b.mu.RUnlock()

	matched := 0
	for _, sub := range subs {
		if !sub.matchesType(event.Type) {
			continue
		}
		if !sub.opts.Filter.Matches(event) {
			continue
		}
		matched++
		b.invoke(ctx, sub, event)
	}

	b.tel.RecordMetric("eventbus.published", 1, map[string]string{"type": event.Type})

	b.logger.Debug("Event dispatched", map[string]interface{}{
		"operation": "dispatch",
		"event_id":  event.ID,
		"type":      event.Type,
		"source":    event.Source,
		"handlers":  matched,
	})
}

// invoke runs one subscription's handler with its retry budget. A final
// failure with DeadLetter enabled copies the event into the dead-letter
// ring exactly once.
func (b *Bus) invoke(ctx context.Context, sub *subscription, event *Event) {
	retries := 0
	backoff := time.Duration(0)
	if sub.opts.Retry != nil {
		retries = sub.opts.Retry.MaxRetries
		backoff = sub.opts.Retry.Backoff
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				if sub.opts.DeadLetter {
					b.deadLetter(event, ctx.Err())
				}
				return
			case <-timer.C:
			}
		}

		if lastErr = b.safeCall(ctx, sub, event); lastErr == nil {
			return
		}

		b.logger.Warn("Event handler failed", map[string]interface{}{
			"operation":       "handler_failure",
			"subscription_id": sub.id,
			"event_id":        event.ID,
			"type":            event.Type,
			"attempt":         attempt + 1,
			"error":           lastErr.Error(),
		})
	}

	b.tel.RecordMetric("eventbus.handler_exhausted", 1, map[string]string{"type": event.Type})

	if sub.opts.DeadLetter {
		b.deadLetter(event, lastErr)
	}
}

func (b *Bus) safeCall(ctx context.Context, sub *subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// WaitForEvent blocks until an event of the given type matching the
// filter is published, or the timeout expires.
func (b *Bus) WaitForEvent(ctx context.Context, eventType string, timeout time.Duration, filter *Filter) (*Event, error) {
	ch := make(chan *Event, 1)
	subID, err := b.Subscribe([]string{eventType}, func(ctx context.Context, event *Event) error {
		select {
		case ch <- event:
		default: // already delivered one
		}
		return nil
	}, SubscribeOptions{Filter: filter})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(subID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-ch:
		return event, nil
	case <-timer.C:
		return nil, fmt.Errorf("waiting for event %q: %w", eventType, core.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EventHistory returns retained events matching the filter, oldest first.
func (b *Bus) EventHistory(filter *Filter) []*Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	out := make([]*Event, 0, len(b.history))
	for _, event := range b.history {
		if filter.Matches(event) {
			out = append(out, event)
		}
	}
	return out
}

// DeadLetters returns the current dead-letter ring contents, oldest first.
func (b *Bus) DeadLetters() []*Event {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()

	out := make([]*Event, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// ReprocessDeadLetter republishes the original event behind a dead-letter
// entry and removes the entry from the ring.
func (b *Bus) ReprocessDeadLetter(ctx context.Context, id string) error {
	b.dlqMu.Lock()
	var found *Event
	idx := -1
	for i, event := range b.dlq {
		if event.ID == id {
			found = event
			idx = i
			break
		}
	}
	if idx >= 0 {
		b.dlq = append(b.dlq[:idx], b.dlq[idx+1:]...)
	}
	b.dlqMu.Unlock()

	if found == nil {
		return fmt.Errorf("dead letter %s: %w", id, core.ErrNotFound)
	}

	original := found.clone()
	if t, ok := found.Metadata["original_type"].(string); ok {
		original.Type = t
	}
	delete(original.Metadata, "original_type")
	delete(original.Metadata, "dead_letter_error")
	delete(original.Metadata, "failed_at")

	b.logger.Info("Reprocessing dead letter", map[string]interface{}{
		"operation": "dead_letter_reprocess",
		"event_id":  original.ID,
		"type":      original.Type,
	})

	return b.Publish(ctx, original)
}

func (b *Bus) appendHistory(event *Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.config.HistorySize {
		// Trim FIFO: drop the oldest overflow.
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
}

func (b *Bus) deadLetter(event *Event, cause error) {
	dl := event.clone()
	if dl.Metadata == nil {
		dl.Metadata = make(map[string]interface{}, 3)
	}
	dl.Metadata["original_type"] = event.Type
	if cause != nil {
		dl.Metadata["dead_letter_error"] = cause.Error()
	}
	dl.Metadata["failed_at"] = time.Now().Format(time.RFC3339Nano)
	dl.Type = TypeDeadLetter

	b.dlqMu.Lock()
	b.dlq = append(b.dlq, dl)
	if len(b.dlq) > b.config.DeadLetterSize {
		b.dlq = b.dlq[len(b.dlq)-b.config.DeadLetterSize:]
	}
	b.dlqMu.Unlock()

	b.tel.RecordMetric("eventbus.dead_letter", 1, map[string]string{"type": event.Type})

	b.logger.Warn("Event moved to dead letter queue", map[string]interface{}{
		"operation": "dead_letter",
		"event_id":  event.ID,
		"type":      event.Type,
	})
}

// Close detaches the transport.
func (b *Bus) Close() error {
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
