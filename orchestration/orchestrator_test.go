package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMAR3lwafi/video-api-sub001/balancer"
	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/queue"
	"github.com/OMAR3lwafi/video-api-sub001/resilience"
	"github.com/OMAR3lwafi/video-api-sub001/resources"
	"github.com/OMAR3lwafi/video-api-sub001/store"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

type fakeTranscoder struct {
	delay time.Duration
	err   error
	calls int64
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req *core.VideoJobRequest, onProgress func(core.TranscodeProgress)) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	if onProgress != nil {
		onProgress(core.TranscodeProgress{Percent: 50, Step: "rendering"})
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(f.delay):
	}
	if f.err != nil {
		return "", f.err
	}
	return "/tmp/render-output.mp4", nil
}

type fakeBlobStore struct {
	err error
}

func (f *fakeBlobStore) UploadVideo(ctx context.Context, path string) (*core.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &core.UploadResult{
		Bucket:    "videoapi-artifacts",
		Key:       "render-output.mp4",
		URL:       "http://localhost:8080/artifacts/render-output.mp4",
		SizeBytes: 4096,
	}, nil
}

func (f *fakeBlobStore) HealthCheck(ctx context.Context) error { return nil }

type harness struct {
	orch  *Orchestrator
	queue *queue.Queue
	jobs  store.JobStore
	res   *resources.Manager
}

func newHarness(t *testing.T, cfg Config, tr core.Transcoder, bs core.BlobStore, nodes ...*resources.Node) *harness {
	t.Helper()

	res := resources.NewManager(resources.DefaultConfig(), nil)
	t.Cleanup(res.Close)
	for _, node := range nodes {
		require.NoError(t, res.RegisterNode(node))
	}

	lb := balancer.New(balancer.Config{}, nil)
	require.NoError(t, lb.RegisterEndpoint(&balancer.Endpoint{ID: "worker-1", URL: "http://worker-1:9000"}))

	rm, err := resilience.NewManager(resilience.DefaultManagerConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(rm.Close)

	engine := workflow.NewEngine(workflow.EngineConfig{}, nil)

	jobs := store.NewMemoryStore(nil)
	q := queue.New(queue.DefaultConfig(), jobs, tr, bs, nil)
	t.Cleanup(q.Close)

	orch := New(cfg, res, lb, engine, q, rm, tr, bs, nil)
	return &harness{orch: orch, queue: q, jobs: jobs, res: res}
}

func bigNode() *resources.Node {
	return &resources.Node{
		ID:     "node-1",
		Type:   resources.NodeCompute,
		Status: resources.NodeAvailable,
		Capacity: resources.Capacity{
			CPU:           64,
			MemoryGB:      256,
			StorageGB:     2048,
			BandwidthMbps: 10000,
			GPU:           2,
		},
	}
}

func simpleRequest() *core.VideoJobRequest {
	return &core.VideoJobRequest{
		OutputFormat: core.FormatMP4,
		Width:        1280,
		Height:       720,
		Elements: []core.VideoElement{
			{ID: "bg", Type: core.ElementImage, Source: "https://cdn.example.com/bg.png"},
		},
	}
}

func complexRequest() *core.VideoJobRequest {
	req := &core.VideoJobRequest{
		OutputFormat: core.FormatMP4,
		Width:        1920,
		Height:       1080,
	}
	for i := 0; i < 6; i++ {
		req.Elements = append(req.Elements, core.VideoElement{
			ID:     fmt.Sprintf("layer-%d", i),
			Type:   core.ElementImage,
			Source: "https://cdn.example.com/layer.png",
			Track:  i,
		})
	}
	return req
}

func TestSimpleRequestRunsSynchronously(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{}, bigNode())

	result := h.orch.Orchestrate(context.Background(), simpleRequest())

	require.Equal(t, StatusImmediate, result.Status)
	assert.Equal(t, "http://localhost:8080/artifacts/render-output.mp4", result.ResultURL)
	assert.Equal(t, int64(4096), result.FileSizeBytes)
	assert.NotEmpty(t, result.JobID)
	require.NotNil(t, result.Analysis)
	assert.Equal(t, core.ComplexitySimple, result.Analysis.Complexity)
	assert.Equal(t, core.StrategyQuickSync, result.Analysis.Strategy)
	assert.Equal(t, 8*time.Second, result.Analysis.EstimatedDuration)

	// The sync job is recorded like any queued one.
	record, err := h.orch.Status(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, record.Status)
	assert.Equal(t, int64(4096), record.FileSizeBytes)
}

func TestComplexRequestRoutesAsync(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{}, bigNode())

	before := time.Now()
	result := h.orch.Orchestrate(context.Background(), complexRequest())

	require.Equal(t, StatusAsync, result.Status)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, "/api/v1/video/result/"+result.JobID, result.StatusCheckEndpoint)
	require.NotNil(t, result.Analysis)
	assert.Equal(t, core.ComplexityComplex, result.Analysis.Complexity)
	assert.True(t, result.EstimatedCompletion.After(before))

	// The queue drives the job to completion in the background.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err := h.jobs.Get(context.Background(), result.JobID)
		require.NoError(t, err)
		if record.Status == core.JobStatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async job never completed")
}

func TestEstimateEqualToThresholdRoutesAsync(t *testing.T) {
	cfg := DefaultConfig()
	// One image estimates to exactly 8s; the boundary is exclusive.
	cfg.QuickThreshold = 8 * time.Second
	h := newHarness(t, cfg, &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{}, bigNode())

	result := h.orch.Orchestrate(context.Background(), simpleRequest())
	assert.Equal(t, StatusAsync, result.Status)
}

func TestValidationFailureIsNotRecoverable(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{}, bigNode())

	req := simpleRequest()
	req.Width = 4
	result := h.orch.Orchestrate(context.Background(), req)

	require.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Recoverable)
	assert.Contains(t, result.SuggestedAction, "request payload")
}

func TestNoCapacityIsRecoverable(t *testing.T) {
	// No nodes registered: allocation cannot succeed.
	h := newHarness(t, DefaultConfig(), &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{})

	result := h.orch.Orchestrate(context.Background(), simpleRequest())

	require.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.Recoverable)
	assert.Contains(t, result.SuggestedAction, "capacity")
}

func TestSyncFailureReleasesResourcesAndRollsBack(t *testing.T) {
	tr := &fakeTranscoder{delay: time.Millisecond, err: errors.New("encoder crashed")}
	h := newHarness(t, DefaultConfig(), tr, &fakeBlobStore{}, bigNode())

	result := h.orch.Orchestrate(context.Background(), simpleRequest())

	require.Equal(t, StatusFailed, result.Status)
	assert.True(t, strings.Contains(result.Error, "encoder crashed"))

	// The allocation made at admission is released on the failure path.
	stats := h.res.Stats()
	assert.Equal(t, 0, stats.ActiveAllocations)
}

func TestSyncSuccessReleasesResources(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakeTranscoder{delay: time.Millisecond}, &fakeBlobStore{}, bigNode())

	result := h.orch.Orchestrate(context.Background(), simpleRequest())
	require.Equal(t, StatusImmediate, result.Status)

	stats := h.res.Stats()
	assert.Equal(t, 0, stats.ActiveAllocations)
}
