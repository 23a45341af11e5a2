// Package orchestration is the admission front door: it classifies
// requests, allocates resources, materializes workflows, and routes
// each job down the synchronous or asynchronous path.
package orchestration

import (
	"math"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

const fullHDPixels = 1920 * 1080

// Analyze derives the immutable classification that drives resource
// allocation, template selection, and sync-vs-async routing.
func Analyze(req *core.VideoJobRequest) *core.JobAnalysis {
	elements := len(req.Elements)
	pixels := req.Pixels()
	scale := math.Max(1, float64(pixels)/float64(fullHDPixels))

	multiplier := 1.0
	if req.HasVideoElement() {
		multiplier += 0.5
	}
	if req.TrackCount() > 1 {
		multiplier += 0.3
	}
	if req.HasTransformations() {
		multiplier += 0.2
	}

	estimated := time.Duration((5+3*float64(elements))*multiplier*scale) * time.Second

	template := workflow.SelectTemplate(req)
	complexity := complexityFor(template)

	analysis := &core.JobAnalysis{
		EstimatedDuration: estimated,
		Priority:          core.ParsePriority(req.Priority),
		Complexity:        complexity,
		Strategy:          core.Strategy(template),
		Requirements:      deriveRequirements(req, complexity, estimated),
	}

	if req.HasVideoElement() {
		analysis.Risks = append(analysis.Risks, "video decode may dominate processing time")
	}
	if pixels > 3840*2160 {
		analysis.Risks = append(analysis.Risks, "output exceeds 4K; memory pressure likely")
	}
	if elements >= 8 {
		analysis.Risks = append(analysis.Risks, "high element count increases composition failures")
	}
	if !req.HasVideoElement() && elements <= 2 {
		analysis.Optimizations = append(analysis.Optimizations, "static composition; single-pass encode")
	}
	if req.TrackCount() == 1 {
		analysis.Optimizations = append(analysis.Optimizations, "single track; no overlay blending needed")
	}

	return analysis
}

// complexityFor maps a workflow template onto a complexity bucket. The
// two classifications intentionally share boundaries.
func complexityFor(template string) core.Complexity {
	switch template {
	case workflow.TemplateQuickSync:
		return core.ComplexitySimple
	case workflow.TemplateBalancedAsync:
		return core.ComplexityModerate
	case workflow.TemplateResourceIntensive:
		return core.ComplexityComplex
	default:
		return core.ComplexityEnterprise
	}
}

// deriveRequirements sizes the resource request from the composition.
func deriveRequirements(req *core.VideoJobRequest, complexity core.Complexity, estimated time.Duration) core.ResourceRequirements {
	elements := float64(len(req.Elements))
	pixels := float64(req.Pixels())
	scale := math.Max(1, pixels/float64(fullHDPixels))

	cpu := 1 + elements*0.5
	memory := 1 + scale*2
	if req.HasVideoElement() {
		cpu += 2
		memory += 2
	}

	// Rough output-plus-workspace estimate; sources are streamed.
	storage := math.Max(1, scale*float64(len(req.Elements))*0.5)
	bandwidth := 50 + 25*elements

	gpu := false
	if complexity == core.ComplexityComplex || complexity == core.ComplexityEnterprise {
		gpu = req.HasVideoElement()
	}

	return core.ResourceRequirements{
		CPU:           cpu,
		MemoryGB:      memory,
		StorageGB:     storage,
		BandwidthMbps: bandwidth,
		GPU:           gpu,
		EstimatedTime: estimated,
	}
}
