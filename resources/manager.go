// Package resources tracks an in-memory inventory of compute nodes,
// scores them against job requirements, and owns the allocation
// lifecycle including utilization accounting and expiry reaping.
package resources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

// NodeType classifies a resource node.
type NodeType string

const (
	NodeCompute NodeType = "compute"
	NodeGPU     NodeType = "gpu"
	NodeStorage NodeType = "storage"
	NodeNetwork NodeType = "network"
)

// NodeStatus is a node's scheduling eligibility.
type NodeStatus string

const (
	NodeAvailable   NodeStatus = "available"
	NodeBusy        NodeStatus = "busy"
	NodeMaintenance NodeStatus = "maintenance"
	NodeFailed      NodeStatus = "failed"
)

// Capacity is a node's absolute resource capacity.
type Capacity struct {
	CPU           float64 `json:"cpu"`
	MemoryGB      float64 `json:"memory_gb"`
	StorageGB     float64 `json:"storage_gb"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	GPU           int     `json:"gpu,omitempty"`
}

// Utilization holds per-dimension usage percentages in [0, 100].
type Utilization struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Storage float64 `json:"storage"`
	Network float64 `json:"network"`
	GPU     float64 `json:"gpu,omitempty"`
}

// Average returns the mean of the CPU, memory, storage, and network
// dimensions.
func (u Utilization) Average() float64 {
	return (u.CPU + u.Memory + u.Storage + u.Network) / 4
}

// Node is one entry in the inventory.
type Node struct {
	ID            string            `json:"id"`
	Type          NodeType          `json:"type"`
	Status        NodeStatus        `json:"status"`
	Capacity      Capacity          `json:"capacity"`
	Utilization   Utilization       `json:"utilization"`
	Location      string            `json:"location,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Allocation is a lease on a node's resources, owned by the
// orchestrator for the lifetime of one job.
type Allocation struct {
	ID          string            `json:"id"`
	CPU         float64           `json:"cpu"`
	MemoryGB    float64           `json:"memory_gb"`
	StorageGB   float64           `json:"storage_gb"`
	GPU         bool              `json:"gpu,omitempty"`
	NodeID      string            `json:"node_id"`
	AllocatedAt time.Time         `json:"allocated_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Constraints restrict which nodes are eligible.
type Constraints struct {
	NodeTypes    []NodeType        `json:"node_types,omitempty"`
	ExcludeNodes []string          `json:"exclude_nodes,omitempty"`
	RequireTags  map[string]string `json:"require_tags,omitempty"`
	Region       string            `json:"region,omitempty"`
}

// Preferences bias scoring without excluding nodes.
type Preferences struct {
	PreferredNodes       []string `json:"preferred_nodes,omitempty"`
	PerformanceOptimized bool     `json:"performance_optimized,omitempty"`
	CostOptimized        bool     `json:"cost_optimized,omitempty"`
}

// AllocationRequest asks for resources for one job.
type AllocationRequest struct {
	Requirements core.ResourceRequirements `json:"requirements"`
	Duration     time.Duration             `json:"duration,omitempty"`
	Priority     core.Priority             `json:"priority"`
	Constraints  *Constraints              `json:"constraints,omitempty"`
	Preferences  *Preferences              `json:"preferences,omitempty"`
}

// Stats summarizes the inventory for status endpoints.
type Stats struct {
	TotalNodes        int     `json:"total_nodes"`
	AvailableNodes    int     `json:"available_nodes"`
	FailedNodes       int     `json:"failed_nodes"`
	ActiveAllocations int     `json:"active_allocations"`
	AvgUtilization    float64 `json:"avg_utilization"`
}

// Config controls the manager and its reaper.
type Config struct {
	// ReapInterval is the reaper period. Default 30s.
	ReapInterval time.Duration
	// HeartbeatTimeout marks nodes failed after this silence. Default 120s.
	HeartbeatTimeout time.Duration
	// HighUtilizationThreshold triggers resource:high_utilization events. Default 90.
	HighUtilizationThreshold float64

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		ReapInterval:             30 * time.Second,
		HeartbeatTimeout:         120 * time.Second,
		HighUtilizationThreshold: 90,
	}
}

// Manager owns node utilization; all mutations are serialized under one
// lock (single writer per node).
type Manager struct {
	config Config
	logger core.Logger
	tel    core.Telemetry
	bus    *eventbus.Bus

	mu          sync.Mutex
	nodes       map[string]*Node
	allocations map[string]*Allocation

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a resource manager and starts its reaper. The bus
// is optional; without it lifecycle events are skipped.
func NewManager(config Config, bus *eventbus.Bus) *Manager {
	if config.ReapInterval <= 0 {
		config.ReapInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 120 * time.Second
	}
	if config.HighUtilizationThreshold <= 0 {
		config.HighUtilizationThreshold = 90
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resources")
	}

	m := &Manager{
		config:      config,
		logger:      logger,
		tel:         config.Telemetry,
		bus:         bus,
		nodes:       make(map[string]*Node),
		allocations: make(map[string]*Allocation),
		stop:        make(chan struct{}),
	}

	go m.reaperLoop()

	return m
}

// RegisterNode adds or replaces a node in the inventory. A zero
// LastHeartbeat is stamped with now.
func (m *Manager) RegisterNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node must have an id")
	}
	if node.Status == "" {
		node.Status = NodeAvailable
	}
	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = time.Now()
	}

	m.mu.Lock()
	m.nodes[node.ID] = node
	m.mu.Unlock()

	m.logger.Info("Node registered", map[string]interface{}{
		"operation": "node_register",
		"node_id":   node.ID,
		"node_type": string(node.Type),
		"cpu":       node.Capacity.CPU,
		"memory_gb": node.Capacity.MemoryGB,
		"gpu":       node.Capacity.GPU,
	})

	return nil
}

// Heartbeat refreshes a node's liveness. A failed node that heartbeats
// again is recovered to available.
func (m *Manager) Heartbeat(nodeID string) {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	recovered := false
	if ok {
		node.LastHeartbeat = time.Now()
		if node.Status == NodeFailed {
			node.Status = NodeAvailable
			recovered = true
		}
	}
	m.mu.Unlock()

	if recovered {
		m.publish("resource:node_recovered", map[string]interface{}{"node_id": nodeID})
		m.logger.Info("Node recovered", map[string]interface{}{
			"operation": "node_recovered",
			"node_id":   nodeID,
		})
	}
}

// Allocate finds the best eligible node and leases the requested
// resources from it. Fails with core.ErrNoSuitableNode when no node is
// eligible.
func (m *Manager) Allocate(ctx context.Context, req *AllocationRequest) (*Allocation, error) {
	if req == nil {
		return nil, fmt.Errorf("allocation request cannot be nil")
	}

	m.mu.Lock()

	best := m.pickNode(req)
	if best == nil {
		m.mu.Unlock()
		m.logger.Warn("No suitable node for allocation", map[string]interface{}{
			"operation": "allocate_failed",
			"cpu":       req.Requirements.CPU,
			"memory_gb": req.Requirements.MemoryGB,
			"gpu":       req.Requirements.GPU,
		})
		return nil, fmt.Errorf("cpu=%.1f memory=%.1fGB gpu=%v: %w",
			req.Requirements.CPU, req.Requirements.MemoryGB, req.Requirements.GPU, core.ErrNoSuitableNode)
	}

	avg := m.applyUtilization(best, req.Requirements, 1)

	alloc := &Allocation{
		ID:          uuid.NewString(),
		CPU:         req.Requirements.CPU,
		MemoryGB:    req.Requirements.MemoryGB,
		StorageGB:   req.Requirements.StorageGB,
		GPU:         req.Requirements.GPU,
		NodeID:      best.ID,
		AllocatedAt: time.Now(),
	}
	if req.Duration > 0 {
		expires := alloc.AllocatedAt.Add(req.Duration)
		alloc.ExpiresAt = &expires
	}
	m.allocations[alloc.ID] = alloc

	m.mu.Unlock()

	if avg > m.config.HighUtilizationThreshold {
		m.publish("resource:high_utilization", map[string]interface{}{
			"node_id":         best.ID,
			"avg_utilization": avg,
		})
	}
	m.publish("resource:allocated", map[string]interface{}{
		"allocation_id": alloc.ID,
		"node_id":       best.ID,
		"cpu":           alloc.CPU,
		"memory_gb":     alloc.MemoryGB,
	})
	m.tel.RecordMetric("resources.allocations", 1, map[string]string{"node": best.ID})

	m.logger.Info("Resources allocated", map[string]interface{}{
		"operation":     "allocate",
		"allocation_id": alloc.ID,
		"node_id":       best.ID,
		"cpu":           alloc.CPU,
		"memory_gb":     alloc.MemoryGB,
		"gpu":           alloc.GPU,
	})

	return alloc, nil
}

// pickNode scores eligible nodes and returns the winner. Tie-break is
// by node ID, deterministic within a process. Caller holds the lock.
func (m *Manager) pickNode(req *AllocationRequest) *Node {
	type candidate struct {
		node  *Node
		score float64
	}

	var candidates []candidate
	for _, node := range m.nodes {
		if !m.eligible(node, req) {
			continue
		}
		candidates = append(candidates, candidate{node: node, score: m.score(node, req)})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})
	return candidates[0].node
}

// eligible applies the suitability rules: available status, enough free
// capacity, GPU presence when required, and every constraint.
func (m *Manager) eligible(node *Node, req *AllocationRequest) bool {
	if node.Status != NodeAvailable {
		return false
	}

	r := req.Requirements
	if m.freeCPU(node) < r.CPU || m.freeMemory(node) < r.MemoryGB || m.freeStorage(node) < r.StorageGB {
		return false
	}
	if r.GPU && node.Capacity.GPU <= 0 {
		return false
	}

	c := req.Constraints
	if c == nil {
		return true
	}
	if len(c.NodeTypes) > 0 {
		found := false
		for _, t := range c.NodeTypes {
			if node.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, excluded := range c.ExcludeNodes {
		if node.ID == excluded {
			return false
		}
	}
	for k, v := range c.RequireTags {
		if node.Tags[k] != v {
			return false
		}
	}
	if c.Region != "" && !strings.HasPrefix(node.Location, c.Region) {
		return false
	}
	return true
}

// score implements the suitability scoring function; higher wins.
func (m *Manager) score(node *Node, req *AllocationRequest) float64 {
	r := req.Requirements

	score := 0.0
	if r.CPU > 0 {
		score += 10 * m.freeCPU(node) / r.CPU
	}
	if r.MemoryGB > 0 {
		score += 10 * m.freeMemory(node) / r.MemoryGB
	}
	if r.GPU && node.Capacity.GPU > 0 {
		score += 20
	}

	if p := req.Preferences; p != nil {
		for _, preferred := range p.PreferredNodes {
			if node.ID == preferred {
				score += 15
				break
			}
		}
		if p.PerformanceOptimized && node.Type == NodeGPU {
			score += 10
		}
		if p.CostOptimized && node.Capacity.CPU <= 4 {
			score += 5
		}
	}

	switch req.Priority {
	case core.PriorityCritical:
		if node.Type == NodeGPU {
			score += 15
		}
	case core.PriorityHigh:
		if node.Type == NodeCompute {
			score += 10
		}
	case core.PriorityNormal:
		score += 5
	}

	score -= 0.1 * node.Utilization.Average()
	return score
}

func (m *Manager) freeCPU(node *Node) float64 {
	return node.Capacity.CPU * (1 - node.Utilization.CPU/100)
}

func (m *Manager) freeMemory(node *Node) float64 {
	return node.Capacity.MemoryGB * (1 - node.Utilization.Memory/100)
}

func (m *Manager) freeStorage(node *Node) float64 {
	return node.Capacity.StorageGB * (1 - node.Utilization.Storage/100)
}

// applyUtilization adds (direction=1) or removes (direction=-1) the
// requirement's share of each dimension, clamped to [0, 100]. Caller
// holds the lock and must publish any threshold crossing only after
// releasing it; the returned value is the node's resulting average.
func (m *Manager) applyUtilization(node *Node, r core.ResourceRequirements, direction float64) float64 {
	add := func(current *float64, req, capacity float64) {
		if capacity <= 0 {
			return
		}
		*current = clampPercent(*current + direction*req/capacity*100)
	}
	add(&node.Utilization.CPU, r.CPU, node.Capacity.CPU)
	add(&node.Utilization.Memory, r.MemoryGB, node.Capacity.MemoryGB)
	add(&node.Utilization.Storage, r.StorageGB, node.Capacity.StorageGB)
	add(&node.Utilization.Network, r.BandwidthMbps, node.Capacity.BandwidthMbps)
	if r.GPU && node.Capacity.GPU > 0 {
		add(&node.Utilization.GPU, 1, float64(node.Capacity.GPU))
	}

	return node.Utilization.Average()
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Release returns an allocation's resources to its node. Releasing an
// unknown ID is a logged no-op.
func (m *Manager) Release(allocationID string) {
	m.mu.Lock()
	alloc, ok := m.allocations[allocationID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Release of unknown allocation", map[string]interface{}{
			"operation":     "release_unknown",
			"allocation_id": allocationID,
		})
		return
	}
	delete(m.allocations, allocationID)

	if node, ok := m.nodes[alloc.NodeID]; ok {
		m.applyUtilization(node, core.ResourceRequirements{
			CPU:       alloc.CPU,
			MemoryGB:  alloc.MemoryGB,
			StorageGB: alloc.StorageGB,
			GPU:       alloc.GPU,
		}, -1)
	}
	m.mu.Unlock()

	m.publish("resource:released", map[string]interface{}{
		"allocation_id": allocationID,
		"node_id":       alloc.NodeID,
	})

	m.logger.Info("Resources released", map[string]interface{}{
		"operation":     "release",
		"allocation_id": allocationID,
		"node_id":       alloc.NodeID,
	})
}

// NodeUtilization returns a copy of one node's state.
func (m *Manager) NodeUtilization(nodeID string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, core.ErrNotFound)
	}
	cp := *node
	return &cp, nil
}

// AvailableResources lists nodes currently eligible for new work.
func (m *Manager) AvailableResources() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		if node.Status == NodeAvailable {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the inventory.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalNodes:        len(m.nodes),
		ActiveAllocations: len(m.allocations),
	}
	sum := 0.0
	for _, node := range m.nodes {
		switch node.Status {
		case NodeAvailable:
			stats.AvailableNodes++
		case NodeFailed:
			stats.FailedNodes++
		}
		sum += node.Utilization.Average()
	}
	if len(m.nodes) > 0 {
		stats.AvgUtilization = sum / float64(len(m.nodes))
	}
	return stats
}

// reaperLoop marks silent nodes failed and releases expired allocations.
func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	now := time.Now()

	m.mu.Lock()
	var failed []string
	for _, node := range m.nodes {
		if node.Status != NodeFailed && now.Sub(node.LastHeartbeat) > m.config.HeartbeatTimeout {
			node.Status = NodeFailed
			failed = append(failed, node.ID)
		}
	}
	var expired []string
	for id, alloc := range m.allocations {
		if alloc.ExpiresAt != nil && alloc.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, nodeID := range failed {
		m.publish("resource:node_failed", map[string]interface{}{"node_id": nodeID})
		m.logger.Warn("Node marked failed after missed heartbeats", map[string]interface{}{
			"operation": "node_failed",
			"node_id":   nodeID,
		})
	}
	for _, id := range expired {
		m.logger.Warn("Releasing expired allocation", map[string]interface{}{
			"operation":     "allocation_expired",
			"allocation_id": id,
		})
		m.Release(id)
	}
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), eventbus.NewEvent(eventType, "resources", data))
}

// Close stops the reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
