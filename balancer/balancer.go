// Package balancer keeps an inventory of downstream processing
// endpoints and selects among them with a family of strategies driven
// by job analysis. Selection is advisory: the caller decides what to
// do with the chosen endpoint.
package balancer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	LeastResponseTime  Strategy = "least_response_time"
	ResourceBased      Strategy = "resource_based"
	Geographic         Strategy = "geographic"
	ConsistentHash     Strategy = "consistent_hash"
)

// EndpointStatus is a health classification maintained by health checks.
type EndpointStatus string

const (
	EndpointHealthy   EndpointStatus = "healthy"
	EndpointDegraded  EndpointStatus = "degraded"
	EndpointUnhealthy EndpointStatus = "unhealthy"
)

// Capacity buckets for resource-based scoring.
const (
	CapacityHigh   = "high"
	CapacityMedium = "medium"
	CapacityLow    = "low"
)

// Metadata carries static endpoint attributes used by scoring.
type Metadata struct {
	Features []string `json:"features,omitempty"`
	Capacity string   `json:"capacity,omitempty"`
}

// Endpoint is one downstream processing target. Connection counters are
// atomic; response-time EMA updates are serialized by the endpoint's own
// mutex.
type Endpoint struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Type     string   `json:"type"`
	Weight   int      `json:"weight"`
	Metadata Metadata `json:"metadata"`

	currentConnections int64

	mu                  sync.Mutex
	status              EndpointStatus
	averageResponseTime float64 // milliseconds
	lastHealthCheck     time.Time
}

// Status returns the endpoint's current health classification.
func (e *Endpoint) Status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentConnections returns the in-flight request count.
func (e *Endpoint) CurrentConnections() int64 {
	return atomic.LoadInt64(&e.currentConnections)
}

// AverageResponseTime returns the EMA latency in milliseconds.
func (e *Endpoint) AverageResponseTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.averageResponseTime
}

func (e *Endpoint) hasFeature(name string) bool {
	for _, f := range e.Metadata.Features {
		if f == name {
			return true
		}
	}
	return false
}

// EMA smoothing factors. Health-check observations move the average
// faster than per-request samples.
const (
	alphaHealthCheck = 0.3
	alphaRequest     = 0.2
)

// Config for the load balancer.
type Config struct {
	Logger core.Logger
	// Rand supplies randomness for weighted selection. Tests may inject
	// a seeded source.
	Rand *rand.Rand
}

// LoadBalancer owns the endpoint inventory and all selection state.
type LoadBalancer struct {
	logger core.Logger
	bus    *eventbus.Bus
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// New creates a load balancer. The bus is optional; without it status
// transition events are skipped.
func New(config Config, bus *eventbus.Bus) *LoadBalancer {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("balancer")
	}
	rnd := config.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &LoadBalancer{
		logger:    logger,
		bus:       bus,
		rnd:       rnd,
		endpoints: make(map[string]*Endpoint),
	}
}

// RegisterEndpoint adds an endpoint to the inventory. New endpoints
// start healthy with weight 1 unless set.
func (lb *LoadBalancer) RegisterEndpoint(ep *Endpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("endpoint must have an id")
	}
	if ep.Weight <= 0 {
		ep.Weight = 1
	}
	ep.mu.Lock()
	if ep.status == "" {
		ep.status = EndpointHealthy
	}
	ep.mu.Unlock()

	lb.mu.Lock()
	lb.endpoints[ep.ID] = ep
	lb.mu.Unlock()

	lb.logger.Info("Endpoint registered", map[string]interface{}{
		"operation":   "endpoint_register",
		"endpoint_id": ep.ID,
		"url":         ep.URL,
		"weight":      ep.Weight,
	})
	return nil
}

// RemoveEndpoint drops an endpoint from the inventory.
func (lb *LoadBalancer) RemoveEndpoint(id string) {
	lb.mu.Lock()
	delete(lb.endpoints, id)
	lb.mu.Unlock()
}

// Endpoints returns a snapshot of the inventory sorted by ID.
func (lb *LoadBalancer) Endpoints() []*Endpoint {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]*Endpoint, 0, len(lb.endpoints))
	for _, ep := range lb.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChooseStrategy maps a job analysis onto a selection strategy.
func ChooseStrategy(analysis *core.JobAnalysis) Strategy {
	switch {
	case analysis.Requirements.GPU:
		return ResourceBased
	case analysis.Priority == core.PriorityCritical || analysis.Priority == core.PriorityHigh:
		return LeastResponseTime
	case analysis.Complexity == core.ComplexityComplex || analysis.Complexity == core.ComplexityEnterprise:
		return LeastConnections
	case analysis.Complexity == core.ComplexitySimple:
		return WeightedRoundRobin
	default:
		return RoundRobin
	}
}

// SelectEndpoint picks a healthy endpoint for the analyzed job using
// the strategy derived from the analysis, and marks one in-flight
// request against it. Callers report the outcome with ReportResult.
func (lb *LoadBalancer) SelectEndpoint(analysis *core.JobAnalysis) (*Endpoint, error) {
	return lb.SelectWithStrategy(ChooseStrategy(analysis), analysis)
}

// SelectWithStrategy picks a healthy endpoint with an explicit strategy.
func (lb *LoadBalancer) SelectWithStrategy(strategy Strategy, analysis *core.JobAnalysis) (*Endpoint, error) {
	healthy := lb.healthyEndpoints()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy endpoints: %w", core.ErrServiceUnavailable)
	}

	var chosen *Endpoint
	switch strategy {
	case WeightedRoundRobin:
		chosen = lb.pickWeighted(healthy)
	case LeastConnections:
		chosen = pickMin(healthy, func(ep *Endpoint) float64 { return float64(ep.CurrentConnections()) })
	case LeastResponseTime, Geographic:
		chosen = pickMin(healthy, func(ep *Endpoint) float64 { return ep.AverageResponseTime() })
	case ResourceBased:
		chosen = pickResourceBased(healthy, analysis)
	case ConsistentHash:
		chosen = pickConsistent(healthy, analysis)
	default:
		chosen = healthy[time.Now().Unix()%int64(len(healthy))]
	}

	atomic.AddInt64(&chosen.currentConnections, 1)

	lb.logger.Debug("Endpoint selected", map[string]interface{}{
		"operation":   "endpoint_select",
		"endpoint_id": chosen.ID,
		"strategy":    string(strategy),
	})
	return chosen, nil
}

// healthyEndpoints returns eligible endpoints sorted by ID so positional
// algorithms are deterministic for a fixed inventory.
func (lb *LoadBalancer) healthyEndpoints() []*Endpoint {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range lb.endpoints {
		if ep.Status() == EndpointHealthy {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (lb *LoadBalancer) pickWeighted(eps []*Endpoint) *Endpoint {
	total := 0
	for _, ep := range eps {
		total += ep.Weight
	}
	lb.rndMu.Lock()
	target := lb.rnd.Float64() * float64(total)
	lb.rndMu.Unlock()

	cumulative := 0.0
	for _, ep := range eps {
		cumulative += float64(ep.Weight)
		if target < cumulative {
			return ep
		}
	}
	return eps[len(eps)-1]
}

func pickMin(eps []*Endpoint, metric func(*Endpoint) float64) *Endpoint {
	best := eps[0]
	bestVal := metric(best)
	for _, ep := range eps[1:] {
		if v := metric(ep); v < bestVal {
			best, bestVal = ep, v
		}
	}
	return best
}

// pickResourceBased scores endpoints by GPU fit, capacity bucket,
// latency, and load. Highest score wins.
func pickResourceBased(eps []*Endpoint, analysis *core.JobAnalysis) *Endpoint {
	score := func(ep *Endpoint) float64 {
		s := 0.0
		if analysis != nil && analysis.Requirements.GPU {
			if ep.hasFeature("gpu") {
				s += 50
			} else {
				s -= 20
			}
		}
		switch ep.Metadata.Capacity {
		case CapacityHigh:
			s += 30
		case CapacityMedium:
			s += 15
		case CapacityLow:
			s += 5
		}
		if v := 100 - ep.AverageResponseTime()/10; v > 0 {
			s += v
		}
		if v := 50 - 5*float64(ep.CurrentConnections()); v > 0 {
			s += v
		}
		return s
	}

	best := eps[0]
	bestScore := score(best)
	for _, ep := range eps[1:] {
		if s := score(ep); s > bestScore {
			best, bestScore = ep, s
		}
	}
	return best
}

// pickConsistent hashes stable job attributes so similar jobs land on
// the same endpoint while the inventory is unchanged.
func pickConsistent(eps []*Endpoint, analysis *core.JobAnalysis) *Endpoint {
	key := ""
	if analysis != nil {
		key = fmt.Sprintf("%s|%s|%.1f", analysis.Complexity, analysis.Priority, analysis.Requirements.CPU)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return eps[int(h.Sum32())%len(eps)]
}

// ReportResult records the outcome of a request previously admitted by
// SelectEndpoint: releases the connection slot and folds the observed
// latency into the endpoint's EMA.
func (lb *LoadBalancer) ReportResult(endpointID string, duration time.Duration, success bool) {
	lb.mu.RLock()
	ep, ok := lb.endpoints[endpointID]
	lb.mu.RUnlock()
	if !ok {
		return
	}

	atomic.AddInt64(&ep.currentConnections, -1)

	ep.mu.Lock()
	observed := float64(duration.Milliseconds())
	if ep.averageResponseTime == 0 {
		ep.averageResponseTime = observed
	} else {
		ep.averageResponseTime = alphaRequest*observed + (1-alphaRequest)*ep.averageResponseTime
	}
	ep.mu.Unlock()

	if !success {
		lb.logger.Warn("Request failed on endpoint", map[string]interface{}{
			"operation":   "request_failed",
			"endpoint_id": endpointID,
			"duration_ms": duration.Milliseconds(),
		})
	}
}

// RecordHealthCheck folds a health-check observation into the endpoint
// and transitions its status. Transitions publish endpoint:status_changed.
func (lb *LoadBalancer) RecordHealthCheck(endpointID string, latency time.Duration, status EndpointStatus) {
	lb.mu.RLock()
	ep, ok := lb.endpoints[endpointID]
	lb.mu.RUnlock()
	if !ok {
		return
	}

	ep.mu.Lock()
	observed := float64(latency.Milliseconds())
	if ep.averageResponseTime == 0 {
		ep.averageResponseTime = observed
	} else {
		ep.averageResponseTime = alphaHealthCheck*observed + (1-alphaHealthCheck)*ep.averageResponseTime
	}
	ep.lastHealthCheck = time.Now()
	previous := ep.status
	ep.status = status
	ep.mu.Unlock()

	if previous == status {
		return
	}

	lb.logger.Info("Endpoint status changed", map[string]interface{}{
		"operation":   "endpoint_status_changed",
		"endpoint_id": endpointID,
		"from":        string(previous),
		"to":          string(status),
	})
	if lb.bus != nil {
		_ = lb.bus.Publish(context.Background(), eventbus.NewEvent("endpoint:status_changed", "balancer", map[string]interface{}{
			"endpoint_id": endpointID,
			"from":        string(previous),
			"to":          string(status),
		}))
	}
}
