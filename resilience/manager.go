// Package resilience provides fault-tolerance primitives: circuit
// breakers, bulkheads, retries, timeouts, and a registry that composes
// them around external calls.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

// Default registrations created by NewManager.
var (
	DefaultBreakers  = []string{"database", "s3", "ffmpeg", "external_api"}
	DefaultBulkheads = []string{"video_processing", "database_ops", "file_upload"}
)

// ExecuteOptions select which primitives wrap one call. Nil fields are
// skipped.
type ExecuteOptions struct {
	// CircuitBreaker names a registered breaker.
	CircuitBreaker string
	// Bulkhead names a registered bulkhead.
	Bulkhead string
	// Retry is the retry budget for the call.
	Retry *RetryPolicy
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// OnTimeout is an optional compensating action run when an attempt
	// times out.
	OnTimeout func()
}

// ManagerConfig configures the registry and its defaults.
type ManagerConfig struct {
	// Breaker defaults applied to the standard registrations.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration

	// Bulkhead defaults applied to the standard registrations.
	MaxConcurrentCalls int
	QueueSize          int
	MaxWaitTime        time.Duration

	// MetricsInterval is the period of resilience.metrics events.
	// Zero disables the collector.
	MetricsInterval time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultManagerConfig returns production-ready defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		MonitoringPeriod:   60 * time.Second,
		MaxConcurrentCalls: 10,
		QueueSize:          20,
		MaxWaitTime:        5 * time.Second,
		MetricsInterval:    30 * time.Second,
	}
}

// Manager is a factory and registry of named resilience primitives.
type Manager struct {
	config ManagerConfig
	logger core.Logger
	tel    core.Telemetry
	bus    *eventbus.Bus

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates the registry with the default breaker and bulkhead
// registrations and starts the periodic metrics collector. The bus is
// optional; without it metrics events are skipped.
func NewManager(config ManagerConfig, bus *eventbus.Bus) (*Manager, error) {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.MaxConcurrentCalls < 1 {
		config.MaxConcurrentCalls = 10
	}

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}

	m := &Manager{
		config:    config,
		logger:    logger,
		tel:       config.Telemetry,
		bus:       bus,
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
		stop:      make(chan struct{}),
	}

	for _, name := range DefaultBreakers {
		if _, err := m.RegisterCircuitBreaker(&CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: config.FailureThreshold,
			RecoveryTimeout:  config.RecoveryTimeout,
			MonitoringPeriod: config.MonitoringPeriod,
			Logger:           config.Logger,
		}); err != nil {
			return nil, err
		}
	}
	for _, name := range DefaultBulkheads {
		if _, err := m.RegisterBulkhead(&BulkheadConfig{
			Name:               name,
			MaxConcurrentCalls: config.MaxConcurrentCalls,
			QueueSize:          config.QueueSize,
			MaxWaitTime:        config.MaxWaitTime,
			Logger:             config.Logger,
		}); err != nil {
			return nil, err
		}
	}

	if config.MetricsInterval > 0 {
		go m.metricsLoop()
	}

	m.logger.Info("Resilience manager initialized", map[string]interface{}{
		"operation": "resilience_init",
		"breakers":  len(m.breakers),
		"bulkheads": len(m.bulkheads),
	})

	return m, nil
}

// RegisterCircuitBreaker creates and registers a named breaker,
// replacing any previous registration under the same name.
func (m *Manager) RegisterCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.breakers[config.Name] = cb
	m.mu.Unlock()
	return cb, nil
}

// RegisterBulkhead creates and registers a named bulkhead.
func (m *Manager) RegisterBulkhead(config *BulkheadConfig) (*Bulkhead, error) {
	bh, err := NewBulkhead(config)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.bulkheads[config.Name] = bh
	m.mu.Unlock()
	return bh, nil
}

// CircuitBreaker returns a registered breaker or nil.
func (m *Manager) CircuitBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Bulkhead returns a registered bulkhead or nil.
func (m *Manager) Bulkhead(name string) *Bulkhead {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bulkheads[name]
}

// ExecuteWithResilience wraps fn innermost-to-outermost as timeout
// inside retry inside bulkhead inside circuit breaker. Each attempt
// gets its own timeout; the bulkhead slot covers all attempts of one
// admission; the breaker observes the aggregate outcome.
func (m *Manager) ExecuteWithResilience(ctx context.Context, name string, fn func(ctx context.Context) error, opts ExecuteOptions) error {
	call := func(ctx context.Context) error {
		return fn(ctx)
	}

	// Innermost: per-attempt timeout.
	attempt := func() error {
		return WithTimeout(ctx, opts.Timeout, call, opts.OnTimeout)
	}

	// Retry wraps the attempt.
	withRetry := attempt
	if opts.Retry != nil {
		withRetry = func() error {
			return Retry(ctx, opts.Retry, attempt)
		}
	}

	// Bulkhead wraps the retry loop.
	withBulkhead := withRetry
	if opts.Bulkhead != "" {
		bh := m.Bulkhead(opts.Bulkhead)
		if bh == nil {
			return fmt.Errorf("bulkhead %q: %w", opts.Bulkhead, core.ErrNotFound)
		}
		withBulkhead = func() error {
			return bh.Execute(ctx, withRetry)
		}
	}

	// Outermost: circuit breaker observes the aggregate outcome.
	if opts.CircuitBreaker != "" {
		cb := m.CircuitBreaker(opts.CircuitBreaker)
		if cb == nil {
			return fmt.Errorf("circuit breaker %q: %w", opts.CircuitBreaker, core.ErrNotFound)
		}
		err := cb.Execute(ctx, withBulkhead)
		m.recordOutcome(name, err)
		return err
	}

	err := withBulkhead()
	m.recordOutcome(name, err)
	return err
}

func (m *Manager) recordOutcome(name string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.tel.RecordMetric("resilience.executions", 1, map[string]string{
		"call":    name,
		"outcome": outcome,
	})
}

// metricsLoop publishes a resilience.metrics event per interval with a
// snapshot of every breaker and bulkhead.
func (m *Manager) metricsLoop() {
	ticker := time.NewTicker(m.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.publishMetrics()
		}
	}
}

func (m *Manager) publishMetrics() {
	m.mu.RLock()
	breakers := make(map[string]interface{}, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = cb.Snapshot()
	}
	bulkheads := make(map[string]interface{}, len(m.bulkheads))
	for name, bh := range m.bulkheads {
		bulkheads[name] = bh.Snapshot()
	}
	m.mu.RUnlock()

	for name, snap := range breakers {
		if s, ok := snap.(CircuitBreakerSnapshot); ok {
			m.tel.RecordMetric("resilience.breaker_failures", float64(s.FailureCount), map[string]string{"name": name})
		}
	}

	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), eventbus.NewEvent("resilience.metrics", "resilience", map[string]interface{}{
		"circuit_breakers": breakers,
		"bulkheads":        bulkheads,
	}))
}

// Snapshot returns the current state of every registered primitive.
func (m *Manager) Snapshot() (map[string]CircuitBreakerSnapshot, map[string]BulkheadSnapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breakers := make(map[string]CircuitBreakerSnapshot, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = cb.Snapshot()
	}
	bulkheads := make(map[string]BulkheadSnapshot, len(m.bulkheads))
	for name, bh := range m.bulkheads {
		bulkheads[name] = bh.Snapshot()
	}
	return breakers, bulkheads
}

// Close stops the metrics collector.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
