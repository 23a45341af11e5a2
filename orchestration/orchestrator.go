package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/balancer"
	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
	"github.com/OMAR3lwafi/video-api-sub001/queue"
	"github.com/OMAR3lwafi/video-api-sub001/resilience"
	"github.com/OMAR3lwafi/video-api-sub001/resources"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

// Routing outcomes for one orchestrated request.
const (
	StatusImmediate = "immediate"
	StatusAsync     = "async"
	StatusFailed    = "failed"
)

// Result is the admission decision plus everything the API layer needs
// to answer the request.
type Result struct {
	Status              string            `json:"status"`
	JobID               string            `json:"job_id,omitempty"`
	ResultURL           string            `json:"result_url,omitempty"`
	FileSizeBytes       int64             `json:"file_size_bytes,omitempty"`
	ProcessingTime      time.Duration     `json:"processing_time,omitempty"`
	EstimatedCompletion time.Time         `json:"estimated_completion,omitempty"`
	StatusCheckEndpoint string            `json:"status_check_endpoint,omitempty"`
	Error               string            `json:"error,omitempty"`
	// Validation marks user-facing request errors for 4xx mapping.
	Validation      bool              `json:"-"`
	Recoverable     bool              `json:"recoverable,omitempty"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
	Analysis        *core.JobAnalysis `json:"analysis,omitempty"`
}

// Config tunes admission routing.
type Config struct {
	// QuickThreshold routes jobs with a strictly smaller estimate to
	// the synchronous path. Default 30s.
	QuickThreshold time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{QuickThreshold: 30 * time.Second}
}

// Orchestrator wires the classifier, the resource manager, the workflow
// engine, the load balancer, and the job queue into one admission path.
type Orchestrator struct {
	config     Config
	logger     core.Logger
	tel        core.Telemetry
	resources  *resources.Manager
	lb         *balancer.LoadBalancer
	engine     *workflow.Engine
	queue      *queue.Queue
	resilience *resilience.Manager
	transcoder core.Transcoder
	blobs      core.BlobStore
	bus        *eventbus.Bus
}

// New creates the orchestrator and registers its step executors and
// rollback handler on the workflow engine.
func New(
	config Config,
	res *resources.Manager,
	lb *balancer.LoadBalancer,
	engine *workflow.Engine,
	q *queue.Queue,
	rm *resilience.Manager,
	transcoder core.Transcoder,
	blobs core.BlobStore,
	bus *eventbus.Bus,
) *Orchestrator {
	if config.QuickThreshold <= 0 {
		config.QuickThreshold = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestration")
	}

	o := &Orchestrator{
		config:     config,
		logger:     logger,
		tel:        config.Telemetry,
		resources:  res,
		lb:         lb,
		engine:     engine,
		queue:      q,
		resilience: rm,
		transcoder: transcoder,
		blobs:      blobs,
		bus:        bus,
	}
	o.registerExecutors()
	return o
}

// Orchestrate admits one request: classify, allocate, build, and route.
// Resources are released on every exit path.
func (o *Orchestrator) Orchestrate(ctx context.Context, req *core.VideoJobRequest) *Result {
	ctx, span := o.tel.StartSpan(ctx, "orchestrate")
	defer span.End()

	req.Normalize()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return o.failure(req, err)
	}

	analysis := Analyze(req)
	span.SetAttribute("complexity", string(analysis.Complexity))
	span.SetAttribute("strategy", string(analysis.Strategy))

	o.logger.Info("Request classified", map[string]interface{}{
		"operation":    "orchestrate",
		"elements":     len(req.Elements),
		"pixels":       req.Pixels(),
		"complexity":   string(analysis.Complexity),
		"strategy":     string(analysis.Strategy),
		"estimated_ms": analysis.EstimatedDuration.Milliseconds(),
	})

	allocation, err := o.resources.Allocate(ctx, &resources.AllocationRequest{
		Requirements: analysis.Requirements,
		Duration:     2 * analysis.EstimatedDuration,
		Priority:     analysis.Priority,
	})
	if err != nil {
		span.RecordError(err)
		return o.failure(req, err)
	}
	defer o.resources.Release(allocation.ID)

	o.selectEndpoint(analysis)

	if o.routeSync(analysis) {
		return o.runSync(ctx, req, analysis, allocation)
	}
	return o.enqueueAsync(ctx, req, analysis)
}

// Status returns the current record for a job, whether it ran inline or
// through the queue.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*core.JobRecord, error) {
	return o.queue.GetJob(ctx, jobID)
}

// routeSync is exclusive at the threshold: an estimate equal to the
// quick threshold goes async.
func (o *Orchestrator) routeSync(analysis *core.JobAnalysis) bool {
	return analysis.EstimatedDuration < o.config.QuickThreshold &&
		analysis.Complexity == core.ComplexitySimple &&
		analysis.Strategy == core.StrategyQuickSync
}

// selectEndpoint picks a downstream endpoint as an advisory signal. A
// balancer with no healthy endpoints does not fail admission.
func (o *Orchestrator) selectEndpoint(analysis *core.JobAnalysis) {
	if o.lb == nil {
		return
	}
	ep, err := o.lb.SelectEndpoint(analysis)
	if err != nil {
		o.logger.Warn("No endpoint available for advisory selection", map[string]interface{}{
			"operation": "endpoint_select",
			"error":     err.Error(),
		})
		return
	}
	// Advisory only; nothing is dispatched to the endpoint here.
	o.lb.ReportResult(ep.ID, 0, true)
}

// runSync executes the workflow inline and answers with the finished
// artifact.
func (o *Orchestrator) runSync(ctx context.Context, req *core.VideoJobRequest, analysis *core.JobAnalysis, allocation *resources.Allocation) *Result {
	start := time.Now()

	wctx := &workflow.Context{
		Request:  req,
		Analysis: analysis,
	}
	wctx.Set(ctxAllocationID, allocation.ID)

	exec, err := o.engine.Materialize("", workflow.TemplateQuickSync, wctx)
	if err != nil {
		return o.failure(req, err)
	}
	defer o.engine.Forget(exec.ID)

	if err := o.engine.Execute(ctx, exec); err != nil {
		return o.failure(req, err)
	}

	elapsed := time.Since(start)
	result := &Result{
		Status:         StatusImmediate,
		JobID:          wctx.GetString(ctxJobID),
		ResultURL:      wctx.GetString(ctxResultURL),
		ProcessingTime: elapsed,
		Analysis:       analysis,
	}
	if size, ok := wctx.Get(ctxSizeBytes); ok {
		if n, ok := size.(int64); ok {
			result.FileSizeBytes = n
		}
	}

	o.logger.Info("Synchronous job completed", map[string]interface{}{
		"operation":   "orchestrate_sync",
		"job_id":      result.JobID,
		"duration_ms": elapsed.Milliseconds(),
	})
	o.tel.RecordMetric("orchestration.sync_completed", 1, nil)

	return result
}

// enqueueAsync hands the job to the queue and answers with tracking
// information.
func (o *Orchestrator) enqueueAsync(ctx context.Context, req *core.VideoJobRequest, analysis *core.JobAnalysis) *Result {
	record, err := o.queue.Enqueue(ctx, req)
	if err != nil {
		return o.failure(req, err)
	}

	o.tel.RecordMetric("orchestration.async_enqueued", 1, nil)

	return &Result{
		Status:              StatusAsync,
		JobID:               record.ID,
		EstimatedCompletion: time.Now().Add(analysis.EstimatedDuration),
		StatusCheckEndpoint: fmt.Sprintf("/api/v1/video/result/%s", record.ID),
		Analysis:            analysis,
	}
}

// failure classifies recoverability, publishes orchestration:error, and
// builds the failed result.
func (o *Orchestrator) failure(req *core.VideoJobRequest, cause error) *Result {
	recoverable := core.IsRecoverable(cause)

	result := &Result{
		Status:      StatusFailed,
		Error:       cause.Error(),
		Validation:  core.IsValidation(cause),
		Recoverable: recoverable,
	}
	switch {
	case core.IsValidation(cause):
		result.SuggestedAction = "fix the request payload and resubmit"
	case errors.Is(cause, core.ErrNoSuitableNode):
		result.SuggestedAction = "retry once cluster capacity frees up"
	case recoverable:
		result.SuggestedAction = "retry with backoff"
	default:
		result.SuggestedAction = "contact support if the failure persists"
	}

	o.logger.Error("Orchestration failed", map[string]interface{}{
		"operation":   "orchestrate",
		"error":       cause.Error(),
		"recoverable": recoverable,
	})
	o.tel.RecordMetric("orchestration.failed", 1, nil)

	if o.bus != nil {
		_ = o.bus.Publish(context.Background(), eventbus.NewEvent("orchestration:error", "orchestration", map[string]interface{}{
			"error":       cause.Error(),
			"recoverable": recoverable,
		}))
	}

	return result
}
