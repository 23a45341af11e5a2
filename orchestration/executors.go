package orchestration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/resilience"
	"github.com/OMAR3lwafi/video-api-sub001/resources"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

// Workflow scratch-space keys shared by the executors and the rollback
// handler.
const (
	ctxAllocationID = "allocation_id"
	ctxOutputPath   = "output_path"
	ctxResultURL    = "result_url"
	ctxSizeBytes    = "size_bytes"
	ctxJobID        = "job_id"
)

// registerExecutors binds every step type to its implementation and
// installs the rollback handler.
func (o *Orchestrator) registerExecutors() {
	o.engine.RegisterExecutor(workflow.StepValidation, o.execValidation)
	o.engine.RegisterExecutor(workflow.StepResourceAllocation, o.execResourceAllocation)
	o.engine.RegisterExecutor(workflow.StepMediaDownload, o.execMediaDownload)
	o.engine.RegisterExecutor(workflow.StepVideoProcessing, o.execVideoProcessing)
	o.engine.RegisterExecutor(workflow.StepS3Upload, o.execUpload)
	o.engine.RegisterExecutor(workflow.StepDatabaseUpdate, o.execDatabaseUpdate)
	o.engine.RegisterExecutor(workflow.StepCleanup, o.execCleanup)
	o.engine.SetRollbackHandler(o.rollback)
}

func (o *Orchestrator) execValidation(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	return exec.Context.Request.Validate()
}

// execResourceAllocation is a no-op when the orchestrator already holds
// an allocation for this execution.
func (o *Orchestrator) execResourceAllocation(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	if exec.Context.GetString(ctxAllocationID) != "" {
		return nil
	}
	analysis := exec.Context.Analysis
	allocation, err := o.resources.Allocate(ctx, &resources.AllocationRequest{
		Requirements: analysis.Requirements,
		Duration:     2 * analysis.EstimatedDuration,
		Priority:     analysis.Priority,
	})
	if err != nil {
		return err
	}
	exec.Context.Set(ctxAllocationID, allocation.ID)
	return nil
}

// execMediaDownload verifies every element source is a fetchable http(s)
// URL. The transcoder streams the sources itself.
func (o *Orchestrator) execMediaDownload(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	for i, element := range exec.Context.Request.Elements {
		u, err := url.Parse(element.Source)
		if err != nil {
			return fmt.Errorf("element %d source is not a valid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("element %d source has unsupported scheme %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("element %d source has no host", i)
		}
	}
	return nil
}

func (o *Orchestrator) execVideoProcessing(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	var outputPath string
	err := o.resilience.ExecuteWithResilience(ctx, "transcode", func(ctx context.Context) error {
		path, err := o.transcoder.Transcode(ctx, exec.Context.Request, func(p core.TranscodeProgress) {
			if exec.Context.OnProgress != nil {
				exec.Context.OnProgress(p.Percent, p.Step)
			}
		})
		if err != nil {
			return err
		}
		outputPath = path
		return nil
	}, resilience.ExecuteOptions{
		CircuitBreaker: "ffmpeg",
		Bulkhead:       "video_processing",
	})
	if err != nil {
		return err
	}
	exec.Context.Set(ctxOutputPath, outputPath)
	return nil
}

func (o *Orchestrator) execUpload(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	outputPath := exec.Context.GetString(ctxOutputPath)
	if outputPath == "" {
		return fmt.Errorf("no rendered output to upload")
	}
	var uploaded *core.UploadResult
	err := o.resilience.ExecuteWithResilience(ctx, "upload", func(ctx context.Context) error {
		result, err := o.blobs.UploadVideo(ctx, outputPath)
		if err != nil {
			return err
		}
		uploaded = result
		return nil
	}, resilience.ExecuteOptions{
		CircuitBreaker: "s3",
		Bulkhead:       "file_upload",
	})
	if err != nil {
		return err
	}
	exec.Context.Set(ctxResultURL, uploaded.URL)
	exec.Context.Set(ctxSizeBytes, uploaded.SizeBytes)
	return nil
}

// execDatabaseUpdate records the finished artifact so synchronous jobs
// show up in listings alongside queued ones.
func (o *Orchestrator) execDatabaseUpdate(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	sizeBytes := int64(0)
	if v, ok := exec.Context.Get(ctxSizeBytes); ok {
		if n, ok := v.(int64); ok {
			sizeBytes = n
		}
	}
	processingMs := time.Since(exec.StartedAt).Milliseconds()
	id, err := o.queue.RecordCompleted(ctx, exec.Context.Request, exec.Context.GetString(ctxResultURL), sizeBytes, processingMs)
	if err != nil {
		return err
	}
	exec.Context.Set(ctxJobID, id)
	return nil
}

func (o *Orchestrator) execCleanup(ctx context.Context, exec *workflow.Execution, step *workflow.Step) error {
	o.removeOutput(exec)
	return nil
}

// rollback performs one compensating action. Each action tolerates the
// state it compensates for never having been reached.
func (o *Orchestrator) rollback(ctx context.Context, exec *workflow.Execution, action workflow.RollbackAction) error {
	switch action {
	case workflow.ActionCleanupResources:
		if id := exec.Context.GetString(ctxAllocationID); id != "" {
			o.resources.Release(id)
		}
		return nil
	case workflow.ActionDeleteFiles:
		o.removeOutput(exec)
		return nil
	case workflow.ActionUpdateDatabase:
		jobID := exec.Context.GetString(ctxJobID)
		if jobID == "" {
			jobID = exec.JobID
		}
		if jobID == "" {
			return nil
		}
		return o.queue.MarkFailed(ctx, jobID, exec.Error)
	case workflow.ActionSendNotification:
		o.logger.Warn("Workflow failure notification", map[string]interface{}{
			"operation": "rollback_notify",
			"execution": exec.ID,
			"template":  exec.Template,
			"error":     exec.Error,
		})
		return nil
	default:
		return fmt.Errorf("unknown rollback action %q", action)
	}
}

func (o *Orchestrator) removeOutput(exec *workflow.Execution) {
	outputPath := exec.Context.GetString(ctxOutputPath)
	if outputPath == "" {
		return
	}
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("Failed to remove rendered output", map[string]interface{}{
			"operation": "cleanup",
			"path":      outputPath,
			"error":     err.Error(),
		})
	}
}
