// Package queue drains pending jobs through a bounded worker pool:
// FIFO admission, cooperative cancellation, and progress propagation to
// the job store and the event bus.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
	"github.com/OMAR3lwafi/video-api-sub001/store"
)

// Config sizes the worker pool.
type Config struct {
	// Concurrency is the worker pool size. Default 2.
	Concurrency int
	// ProcessingTimeout bounds one job end to end. Default 10m.
	ProcessingTimeout time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		ProcessingTimeout: 10 * time.Minute,
	}
}

// Queue admits pending jobs to workers. A single scheduler goroutine
// makes all admission decisions, so the FIFO order and the concurrency
// bound hold without per-worker coordination.
type Queue struct {
	config     Config
	logger     core.Logger
	tel        core.Telemetry
	store      store.JobStore
	transcoder core.Transcoder
	blobs      core.BlobStore
	bus        *eventbus.Bus

	mu         sync.Mutex
	pending    []string
	processing map[string]context.CancelFunc

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates the queue and starts its scheduler. Every store patch is
// republished on the bus as job:update so SSE subscribers see all
// transitions, including those made by other components.
func New(config Config, jobs store.JobStore, transcoder core.Transcoder, blobs core.BlobStore, bus *eventbus.Bus) *Queue {
	if config.Concurrency < 1 {
		config.Concurrency = 2
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue")
	}

	q := &Queue{
		config:     config,
		logger:     logger,
		tel:        config.Telemetry,
		store:      jobs,
		transcoder: transcoder,
		blobs:      blobs,
		bus:        bus,
		processing: make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	jobs.OnChange(func(record *core.JobRecord) {
		q.publishUpdate(record)
	})

	q.wg.Add(1)
	go q.schedulerLoop()

	return q
}

// Enqueue admits a validated request as a pending job.
func (q *Queue) Enqueue(ctx context.Context, req *core.VideoJobRequest) (*core.JobRecord, error) {
	now := time.Now()
	record := &core.JobRecord{
		ID:        uuid.NewString(),
		Status:    core.JobStatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, record.ID)
	depth := len(q.pending)
	q.mu.Unlock()

	q.publishUpdate(record)
	q.kick()

	q.logger.Info("Job enqueued", map[string]interface{}{
		"operation":   "job_enqueue",
		"job_id":      record.ID,
		"queue_depth": depth,
	})
	q.tel.RecordMetric("queue.enqueued", 1, nil)

	return record.Clone(), nil
}

// RecordCompleted persists an already-finished job so synchronous
// processing shows up in listings and status lookups like any other job.
func (q *Queue) RecordCompleted(ctx context.Context, req *core.VideoJobRequest, resultURL string, sizeBytes, processingMs int64) (string, error) {
	now := time.Now()
	record := &core.JobRecord{
		ID:               uuid.NewString(),
		Status:           core.JobStatusCompleted,
		Request:          req,
		CreatedAt:        now,
		UpdatedAt:        now,
		ProgressPercent:  100,
		CurrentStep:      "completed",
		ResultURL:        resultURL,
		FileSizeBytes:    sizeBytes,
		ProcessingTimeMs: processingMs,
	}
	if err := q.store.Save(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	q.publishUpdate(record)
	return record.ID, nil
}

// MarkFailed records a failure against a known job. Terminal records
// are left untouched.
func (q *Queue) MarkFailed(ctx context.Context, id, message string) error {
	status := core.JobStatusFailed
	_, err := q.store.Update(ctx, id, &core.JobPatch{Status: &status, Error: &message})
	if errors.Is(err, core.ErrJobTerminal) {
		return nil
	}
	return err
}

// GetJob returns a job snapshot.
func (q *Queue) GetJob(ctx context.Context, id string) (*core.JobRecord, error) {
	return q.store.Get(ctx, id)
}

// List returns up to limit jobs, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	return q.store.List(ctx, limit)
}

// Cancel stops a pending or processing job. Terminal jobs reject
// cancellation with core.ErrJobTerminal.
func (q *Queue) Cancel(ctx context.Context, id string) (*core.JobRecord, error) {
	record, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", id, record.Status, core.ErrJobTerminal)
	}

	q.mu.Lock()
	for i, pendingID := range q.pending {
		if pendingID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	cancelFn := q.processing[id]
	q.mu.Unlock()

	// Mark cancelled first so the worker's subsequent patches bounce off
	// the frozen record.
	status := core.JobStatusCancelled
	patched, err := q.store.Update(ctx, id, &core.JobPatch{Status: &status})
	if err != nil {
		return nil, err
	}

	if cancelFn != nil {
		cancelFn()
	}

	q.logger.Info("Job cancelled", map[string]interface{}{
		"operation": "job_cancel",
		"job_id":    id,
	})
	q.tel.RecordMetric("queue.cancelled", 1, nil)

	return patched, nil
}

// Depth reports pending and in-flight counts.
func (q *Queue) Depth() (pending, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.processing)
}

// kick re-arms the scheduler without blocking.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop is the single admission point: it pops FIFO while
// capacity remains, then parks until the next enqueue or completion.
func (q *Queue) schedulerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			q.admit()
		}
	}
}

func (q *Queue) admit() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || len(q.processing) >= q.config.Concurrency {
			q.mu.Unlock()
			return
		}
		jobID := q.pending[0]
		q.pending = q.pending[1:]

		ctx, cancel := context.WithTimeout(context.Background(), q.config.ProcessingTimeout)
		q.processing[jobID] = cancel
		q.mu.Unlock()

		q.wg.Add(1)
		go q.work(ctx, jobID)
	}
}

// work runs one job to a terminal state and releases its slot.
func (q *Queue) work(ctx context.Context, jobID string) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		if cancel, ok := q.processing[jobID]; ok {
			cancel()
			delete(q.processing, jobID)
		}
		q.mu.Unlock()
		q.kick()
	}()

	record, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.logger.Error("Admitted job missing from store", map[string]interface{}{
			"operation": "job_work",
			"job_id":    jobID,
			"error":     err.Error(),
		})
		return
	}
	if record.Status.IsTerminal() {
		// Cancelled between admission and start.
		return
	}

	start := time.Now()
	q.patch(ctx, jobID, &core.JobPatch{
		Status:          statusPtr(core.JobStatusProcessing),
		CurrentStep:     strPtr("downloading"),
		ProgressPercent: f64Ptr(1),
	})

	outputPath, err := q.transcoder.Transcode(ctx, record.Request, func(p core.TranscodeProgress) {
		q.patch(ctx, jobID, &core.JobPatch{
			ProgressPercent: f64Ptr(p.Percent),
			CurrentStep:     strPtr(p.Step),
		})
	})
	if err != nil {
		q.finishWithError(jobID, err)
		return
	}

	q.patch(ctx, jobID, &core.JobPatch{CurrentStep: strPtr("uploading")})

	upload, err := q.blobs.UploadVideo(ctx, outputPath)
	if err != nil {
		q.finishWithError(jobID, err)
		return
	}

	elapsed := time.Since(start).Milliseconds()
	q.patch(ctx, jobID, &core.JobPatch{
		Status:           statusPtr(core.JobStatusCompleted),
		CurrentStep:      strPtr("completed"),
		ProgressPercent:  f64Ptr(100),
		ResultURL:        &upload.URL,
		FileSizeBytes:    &upload.SizeBytes,
		ProcessingTimeMs: &elapsed,
	})

	q.logger.Info("Job completed", map[string]interface{}{
		"operation":   "job_complete",
		"job_id":      jobID,
		"duration_ms": elapsed,
		"result_url":  upload.URL,
		"size_bytes":  upload.SizeBytes,
	})
	q.tel.RecordMetric("queue.completed", 1, nil)
}

// finishWithError patches a failed terminal state unless the record was
// already frozen by Cancel.
func (q *Queue) finishWithError(jobID string, cause error) {
	msg := cause.Error()
	_, err := q.store.Update(context.Background(), jobID, &core.JobPatch{
		Status: statusPtr(core.JobStatusFailed),
		Error:  &msg,
	})
	if err != nil && !errors.Is(err, core.ErrJobTerminal) {
		q.logger.Error("Failed to record job failure", map[string]interface{}{
			"operation": "job_work",
			"job_id":    jobID,
			"error":     err.Error(),
		})
	}
	if err == nil {
		q.logger.Warn("Job failed", map[string]interface{}{
			"operation": "job_fail",
			"job_id":    jobID,
			"error":     msg,
		})
		q.tel.RecordMetric("queue.failed", 1, nil)
	}
}

// patch applies a progress update, tolerating frozen records.
func (q *Queue) patch(ctx context.Context, jobID string, p *core.JobPatch) {
	if _, err := q.store.Update(ctx, jobID, p); err != nil && !errors.Is(err, core.ErrJobTerminal) {
		q.logger.Warn("Job patch failed", map[string]interface{}{
			"operation": "job_patch",
			"job_id":    jobID,
			"error":     err.Error(),
		})
	}
}

func (q *Queue) publishUpdate(record *core.JobRecord) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(context.Background(), eventbus.NewEvent("job:update", "queue", map[string]interface{}{
		"job_id": record.ID,
		"job":    record,
	}))
}

// Close stops the scheduler, cancels in-flight jobs, and waits for
// workers to unwind.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.mu.Lock()
		for _, cancel := range q.processing {
			cancel()
		}
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func statusPtr(s core.JobStatus) *core.JobStatus { return &s }
func strPtr(s string) *string                    { return &s }
func f64Ptr(f float64) *float64                  { return &f }
