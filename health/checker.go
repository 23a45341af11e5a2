// Package health runs periodic dependency checks and aggregates them
// into an overall service status with uptime tracking and bounded
// history.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

// CheckOutcome is the result class of one check run.
type CheckOutcome string

const (
	OutcomePass CheckOutcome = "pass"
	OutcomeWarn CheckOutcome = "warn"
	OutcomeFail CheckOutcome = "fail"
)

// Status is the aggregated service status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckType selects the probe mechanism.
type CheckType string

const (
	CheckHTTP    CheckType = "http"
	CheckTCP     CheckType = "tcp"
	CheckCommand CheckType = "command"
	CheckCustom  CheckType = "custom"
)

// CustomFunc is a caller-supplied probe. A nil error is a pass.
type CustomFunc func(ctx context.Context) error

// CheckConfig describes one registered check.
type CheckConfig struct {
	Name string    `yaml:"name"`
	Type CheckType `yaml:"type"`
	// Target is a URL for http, host:port for tcp, or a shell command
	// for command checks.
	Target string `yaml:"target"`
	// ExpectedResponse switches http checks to strict JSON body equality.
	ExpectedResponse string        `yaml:"expected_response,omitempty"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	// Critical checks fail the service; non-critical failures only
	// degrade it.
	Critical bool `yaml:"critical"`

	Custom CustomFunc `yaml:"-"`
}

// CheckResult is one observation of one check.
type CheckResult struct {
	Name      string        `json:"name"`
	Outcome   CheckOutcome  `json:"outcome"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Attempts  int           `json:"attempts"`
}

// Report is a snapshot of the aggregate and all latest check results.
type Report struct {
	Status  Status        `json:"status"`
	Uptime  time.Duration `json:"uptime"`
	Checks  []CheckResult `json:"checks"`
	Changed time.Time     `json:"changed_at"`
}

// Config for the checker.
type Config struct {
	// DefaultInterval applies to checks registered without one. Default 15s.
	DefaultInterval time.Duration
	// DefaultTimeout applies to checks registered without one. Default 5s.
	DefaultTimeout time.Duration
	// DefaultRetries applies to checks registered without a retry
	// budget.
	DefaultRetries int
	// HistorySize bounds retained status observations. Default 100.
	HistorySize int

	Logger core.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 15 * time.Second,
		DefaultTimeout:  5 * time.Second,
		HistorySize:     100,
	}
}

// Checker owns registered checks and the aggregated status.
type Checker struct {
	config Config
	logger core.Logger
	bus    *eventbus.Bus
	client *http.Client

	mu      sync.Mutex
	checks  map[string]*CheckConfig
	latest  map[string]CheckResult
	status  Status
	changed time.Time
	history []Report

	// uptime accumulates wall time spent healthy and resets on any
	// non-healthy observation.
	uptime       time.Duration
	healthySince time.Time

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a health checker. The bus is optional; without it status
// transitions are not published.
func New(config Config, bus *eventbus.Bus) *Checker {
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 15 * time.Second
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("health")
	}
	return &Checker{
		config: config,
		logger: logger,
		bus:    bus,
		client: &http.Client{},
		checks: make(map[string]*CheckConfig),
		latest: make(map[string]CheckResult),
		status: StatusHealthy,
		stop:   make(chan struct{}),
	}
}

// Register adds a check. Registration after Start starts its loop
// immediately.
func (c *Checker) Register(cfg CheckConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("check must have a name")
	}
	switch cfg.Type {
	case CheckHTTP, CheckTCP, CheckCommand:
		if cfg.Target == "" {
			return fmt.Errorf("check %s: target is required", cfg.Name)
		}
	case CheckCustom:
		if cfg.Custom == nil {
			return fmt.Errorf("check %s: custom function is required", cfg.Name)
		}
	default:
		return fmt.Errorf("check %s: unknown type %q", cfg.Name, cfg.Type)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = c.config.DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.config.DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = c.config.DefaultRetries
	}

	c.mu.Lock()
	c.checks[cfg.Name] = &cfg
	started := c.started
	c.mu.Unlock()

	if started {
		c.wg.Add(1)
		go c.checkLoop(&cfg)
	}
	return nil
}

// Start launches one loop per registered check.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.healthySince = time.Now()
	loops := make([]*CheckConfig, 0, len(c.checks))
	for _, cfg := range c.checks {
		loops = append(loops, cfg)
	}
	c.mu.Unlock()

	for _, cfg := range loops {
		c.wg.Add(1)
		go c.checkLoop(cfg)
	}
}

func (c *Checker) checkLoop(cfg *CheckConfig) {
	defer c.wg.Done()

	// First observation without waiting a full interval.
	c.RunCheck(cfg.Name)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.RunCheck(cfg.Name)
		}
	}
}

// RunCheck executes one check immediately, retrying per its config, and
// folds the result into the aggregate.
func (c *Checker) RunCheck(name string) (CheckResult, error) {
	c.mu.Lock()
	cfg, ok := c.checks[name]
	c.mu.Unlock()
	if !ok {
		return CheckResult{}, fmt.Errorf("check %s: %w", name, core.ErrNotFound)
	}

	result := CheckResult{Name: name, CheckedAt: time.Now()}
	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		result.Attempts = attempt + 1
		start := time.Now()
		lastErr = c.probe(cfg)
		result.Latency = time.Since(start)
		if lastErr == nil {
			break
		}
	}

	if lastErr == nil {
		result.Outcome = OutcomePass
	} else {
		result.Message = lastErr.Error()
		if cfg.Critical {
			result.Outcome = OutcomeFail
		} else {
			result.Outcome = OutcomeWarn
		}
		c.logger.Warn("Health check failed", map[string]interface{}{
			"operation": "health_check",
			"check":     name,
			"outcome":   string(result.Outcome),
			"error":     lastErr.Error(),
			"attempts":  result.Attempts,
		})
	}

	c.recordResult(result)
	return result, nil
}

func (c *Checker) probe(cfg *CheckConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	switch cfg.Type {
	case CheckHTTP:
		return c.probeHTTP(ctx, cfg)
	case CheckTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Target)
		if err != nil {
			return err
		}
		return conn.Close()
	case CheckCommand:
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Target)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command failed: %w", err)
		}
		if stderr.Len() > 0 {
			return fmt.Errorf("command wrote to stderr: %s", stderr.String())
		}
		return nil
	case CheckCustom:
		return cfg.Custom(ctx)
	}
	return fmt.Errorf("unknown check type %q", cfg.Type)
}

func (c *Checker) probeHTTP(ctx context.Context, cfg *CheckConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if cfg.ExpectedResponse == "" {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var got, want interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg.ExpectedResponse), &want); err != nil {
		return fmt.Errorf("expected response is not valid JSON: %w", err)
	}
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("response body does not match expected")
	}
	return nil
}

// recordResult folds one result into the aggregate, maintains uptime,
// and publishes status transitions.
func (c *Checker) recordResult(result CheckResult) {
	now := time.Now()

	c.mu.Lock()
	c.latest[result.Name] = result

	newStatus := StatusHealthy
	for _, r := range c.latest {
		switch r.Outcome {
		case OutcomeFail:
			newStatus = StatusUnhealthy
		case OutcomeWarn:
			if newStatus == StatusHealthy {
				newStatus = StatusDegraded
			}
		}
	}

	if newStatus == StatusHealthy {
		if c.healthySince.IsZero() {
			c.healthySince = now
		}
	} else {
		// Any non-healthy observation resets accumulated uptime.
		c.uptime = 0
		c.healthySince = time.Time{}
	}

	previous := c.status
	changed := newStatus != previous
	if changed {
		c.status = newStatus
		c.changed = now
	}

	report := c.snapshotLocked(now)
	c.history = append(c.history, report)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize:]
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	c.logger.Info("Service status changed", map[string]interface{}{
		"operation": "status_changed",
		"from":      string(previous),
		"to":        string(newStatus),
		"check":     result.Name,
	})
	if c.bus != nil {
		_ = c.bus.Publish(context.Background(), eventbus.NewEvent("health:status_changed", "health", map[string]interface{}{
			"from":  string(previous),
			"to":    string(newStatus),
			"check": result.Name,
		}))
	}
}

func (c *Checker) snapshotLocked(now time.Time) Report {
	uptime := c.uptime
	if !c.healthySince.IsZero() {
		uptime += now.Sub(c.healthySince)
	}
	checks := make([]CheckResult, 0, len(c.latest))
	for _, r := range c.latest {
		checks = append(checks, r)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return Report{Status: c.status, Uptime: uptime, Checks: checks, Changed: c.changed}
}

// Status returns the current aggregate.
func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Report returns a full snapshot.
func (c *Checker) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(time.Now())
}

// History returns up to limit recent reports, newest last.
func (c *Checker) History(limit int) []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]Report, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

// Close stops all check loops and waits for them.
func (c *Checker) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
