package core

import "time"

// Priority classifies how urgently a job should be scheduled.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps a request priority string onto the closed set,
// defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Complexity buckets a job by rendering effort.
type Complexity string

const (
	ComplexitySimple     Complexity = "simple"
	ComplexityModerate   Complexity = "moderate"
	ComplexityComplex    Complexity = "complex"
	ComplexityEnterprise Complexity = "enterprise"
)

// Strategy names the processing strategy chosen for a job.
type Strategy string

const (
	StrategyQuickSync         Strategy = "quick_sync"
	StrategyBalancedAsync     Strategy = "balanced_async"
	StrategyResourceIntensive Strategy = "resource_intensive"
	StrategyDistributed       Strategy = "distributed"
)

// ResourceRequirements are the derived resource needs of one job.
type ResourceRequirements struct {
	CPU           float64       `json:"cpu"`
	MemoryGB      float64       `json:"memory_gb"`
	StorageGB     float64       `json:"storage_gb"`
	BandwidthMbps float64       `json:"bandwidth_mbps"`
	GPU           bool          `json:"gpu"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// JobAnalysis is the immutable classification derived from a request
// at admission. It drives resource allocation, workflow template
// selection, load-balancing strategy, and sync-vs-async routing.
type JobAnalysis struct {
	EstimatedDuration time.Duration        `json:"estimated_duration"`
	Requirements      ResourceRequirements `json:"resource_requirements"`
	Priority          Priority             `json:"priority"`
	Complexity        Complexity           `json:"complexity"`
	Strategy          Strategy             `json:"strategy"`
	Risks             []string             `json:"risks,omitempty"`
	Optimizations     []string             `json:"optimizations,omitempty"`
}
