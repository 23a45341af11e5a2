package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a probe request to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for one breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string

	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a half-open probe
	RecoveryTimeout time.Duration

	// MonitoringPeriod bounds how long a stale failure streak is remembered.
	// A closed-state failure older than this resets the streak before counting.
	MonitoringPeriod time.Duration

	// ExpectedErrors restricts which errors count toward the threshold.
	// Empty means every error counts. Matching uses errors.Is.
	ExpectedErrors []error

	// Logger for state transitions
	Logger core.Logger

	// OnStateChange is invoked after each transition with (name, from, to)
	OnStateChange func(name string, from, to CircuitState)
}

// Validate rejects unusable configurations.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1 (got %d)", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive (got %v)", c.RecoveryTimeout)
	}
	return nil
}

// DefaultCircuitBreakerConfig returns production-ready defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreakerSnapshot is a point-in-time view of breaker state.
type CircuitBreakerSnapshot struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker is a consecutive-failure breaker.
//
// Transitions: closed→open when failureCount reaches FailureThreshold
// (counting only ExpectedErrors when that list is non-empty);
// open→half_open once RecoveryTimeout elapses; half_open→closed on the
// first success; half_open→open on any failure. A closed-state success
// resets the failure count.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MonitoringPeriod <= 0 {
		config.MonitoringPeriod = 60 * time.Second
	}

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}

	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}, nil
}

// Execute runs fn under the breaker. In the open state it fails
// immediately with core.ErrCircuitBreakerOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)
	return err
}

// beforeCall admits or rejects the call and performs the open→half_open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
		}
		cb.transition(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.successCount++
		switch cb.state {
		case StateHalfOpen:
			cb.failureCount = 0
			cb.transition(StateClosed)
		case StateClosed:
			cb.failureCount = 0
		}
		return
	}

	if !cb.countsAsFailure(err) {
		return
	}

	now := time.Now()
	// A failure streak older than the monitoring period is stale.
	if cb.state == StateClosed && !cb.lastFailureTime.IsZero() && now.Sub(cb.lastFailureTime) > cb.config.MonitoringPeriod {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case StateHalfOpen:
		cb.open(now)
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open(now)
		}
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
	cb.transition(StateOpen)
}

// countsAsFailure applies the ExpectedErrors restriction.
func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if len(cb.config.ExpectedErrors) == 0 {
		return true
	}
	for _, expected := range cb.config.ExpectedErrors {
		if errors.Is(err, expected) {
			return true
		}
	}
	return false
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "circuit_state_change",
		"name":          cb.config.Name,
		"from":          from.String(),
		"to":            to.String(),
		"failure_count": cb.failureCount,
	})

	if cb.config.OnStateChange != nil {
		// Invoke outside the lock to avoid re-entrancy deadlocks.
		go cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state, applying a pending open→half_open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !time.Now().Before(cb.nextAttemptTime) {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns a point-in-time view for metrics and status endpoints.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CircuitBreakerSnapshot{
		Name:         cb.config.Name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snap.LastFailureTime = &t
	}
	if !cb.nextAttemptTime.IsZero() {
		t := cb.nextAttemptTime
		snap.NextAttemptTime = &t
	}
	return snap
}

// Reset forces the breaker back to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.transition(StateClosed)
}
