package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMAR3lwafi/video-api-sub001/balancer"
	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
	"github.com/OMAR3lwafi/video-api-sub001/orchestration"
	"github.com/OMAR3lwafi/video-api-sub001/queue"
	"github.com/OMAR3lwafi/video-api-sub001/resilience"
	"github.com/OMAR3lwafi/video-api-sub001/resources"
	"github.com/OMAR3lwafi/video-api-sub001/store"
	"github.com/OMAR3lwafi/video-api-sub001/workflow"
)

type stubTranscoder struct {
	delay time.Duration
}

func (s *stubTranscoder) Transcode(ctx context.Context, req *core.VideoJobRequest, onProgress func(core.TranscodeProgress)) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return "/tmp/out.mp4", nil
}

type stubBlobStore struct{}

func (s *stubBlobStore) UploadVideo(ctx context.Context, path string) (*core.UploadResult, error) {
	return &core.UploadResult{
		Bucket:    "videoapi-artifacts",
		Key:       "out.mp4",
		URL:       "http://localhost:8080/artifacts/out.mp4",
		SizeBytes: 1024,
	}, nil
}

func (s *stubBlobStore) HealthCheck(ctx context.Context) error { return nil }

type testStack struct {
	server *httptest.Server
	jobs   store.JobStore
	queue  *queue.Queue
	hub    *StatusHub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	bus := eventbus.New(eventbus.DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })

	res := resources.NewManager(resources.DefaultConfig(), nil)
	t.Cleanup(res.Close)
	require.NoError(t, res.RegisterNode(&resources.Node{
		ID:     "node-1",
		Type:   resources.NodeCompute,
		Status: resources.NodeAvailable,
		Capacity: resources.Capacity{
			CPU: 64, MemoryGB: 256, StorageGB: 2048, BandwidthMbps: 10000, GPU: 2,
		},
	}))

	lb := balancer.New(balancer.Config{}, nil)
	require.NoError(t, lb.RegisterEndpoint(&balancer.Endpoint{ID: "worker-1", URL: "http://worker-1:9000"}))

	rm, err := resilience.NewManager(resilience.DefaultManagerConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(rm.Close)

	engine := workflow.NewEngine(workflow.EngineConfig{}, bus)

	jobs := store.NewMemoryStore(nil)
	tr := &stubTranscoder{delay: 5 * time.Millisecond}
	bs := &stubBlobStore{}
	q := queue.New(queue.DefaultConfig(), jobs, tr, bs, bus)
	t.Cleanup(q.Close)

	orch := orchestration.New(orchestration.DefaultConfig(), res, lb, engine, q, rm, tr, bs, bus)

	hub, err := NewStatusHub(jobs, bus)
	require.NoError(t, err)

	srv := NewServer(Config{KeepAliveInterval: 25 * time.Millisecond}, orch, q, jobs, nil, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{server: ts, jobs: jobs, queue: q, hub: hub}
}

func simpleBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"output_format": "mp4",
		"width":         1280,
		"height":        720,
		"elements": []map[string]interface{}{
			{"id": "bg", "type": "image", "source": "https://cdn.example.com/bg.png"},
		},
	})
	return body
}

func complexBody() []byte {
	elements := make([]map[string]interface{}, 6)
	for i := range elements {
		elements[i] = map[string]interface{}{
			"id":     fmt.Sprintf("layer-%d", i),
			"type":   "image",
			"source": "https://cdn.example.com/layer.png",
			"track":  i,
		}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"output_format": "mp4",
		"width":         1920,
		"height":        1080,
		"elements":      elements,
	})
	return body
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestCreateSyncReturnsImmediateResult(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Post(stack.server.URL+"/api/v1/video/create", "application/json", bytes.NewReader(simpleBody()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.CorrelationID)

	data := env.Data.(map[string]interface{})
	assert.Equal(t, "immediate", data["status"])
	assert.Equal(t, "http://localhost:8080/artifacts/out.mp4", data["result_url"])
}

func TestCreateAsyncReturnsTracking(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Post(stack.server.URL+"/api/v1/video/create", "application/json", bytes.NewReader(complexBody()))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "async", data["status"])
	jobID := data["job_id"].(string)
	assert.Equal(t, "/api/v1/video/result/"+jobID, data["status_check_endpoint"])
}

func TestCreateValidationFailure(t *testing.T) {
	stack := newTestStack(t)

	body, _ := json.Marshal(map[string]interface{}{
		"output_format": "gif",
		"width":         1280,
		"height":        720,
		"elements": []map[string]interface{}{
			{"id": "bg", "type": "image", "source": "https://cdn.example.com/bg.png"},
		},
	})
	resp, err := http.Post(stack.server.URL+"/api/v1/video/create", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestCorrelationIDPropagated(t *testing.T) {
	stack := newTestStack(t)

	req, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/api/v1/video/create", bytes.NewReader(simpleBody()))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, "corr-123", resp.Header.Get("X-Correlation-Id"))
	env := decodeEnvelope(t, resp)
	assert.Equal(t, "corr-123", env.CorrelationID)
}

func TestResultUnknownJob(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.server.URL + "/api/v1/video/result/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.False(t, env.Success)
}

func TestResultAndDetails(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Post(stack.server.URL+"/api/v1/video/create", "application/json", bytes.NewReader(complexBody()))
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	jobID := env.Data.(map[string]interface{})["job_id"].(string)

	resp, err = http.Get(stack.server.URL + "/api/v1/video/result/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeEnvelope(t, resp).Data.(map[string]interface{})
	assert.Equal(t, jobID, status["job_id"])

	resp, err = http.Get(stack.server.URL + "/api/v1/video/job/" + jobID + "/details")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decodeEnvelope(t, resp).Data.(map[string]interface{})
	assert.Contains(t, details, "elements")
	assert.Contains(t, details, "timeline")
	assert.Len(t, details["elements"], 6)
}

func TestCancelLifecycle(t *testing.T) {
	stack := newTestStack(t)

	// Record a pending job directly so it is never picked up by a worker.
	record := &core.JobRecord{
		ID:        "job-cancel",
		Status:    core.JobStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, stack.jobs.Save(context.Background(), record))

	req, _ := http.NewRequest(http.MethodDelete, stack.server.URL+"/api/v1/video/job/job-cancel", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeEnvelope(t, resp).Data.(map[string]interface{})
	assert.Equal(t, "cancelled", data["status"])

	// A second cancel hits a terminal record.
	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Unknown jobs report identically.
	req, _ = http.NewRequest(http.MethodDelete, stack.server.URL+"/api/v1/video/job/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListPaginationCapped(t *testing.T) {
	stack := newTestStack(t)

	for i := 0; i < 5; i++ {
		record := &core.JobRecord{
			ID:        fmt.Sprintf("job-%d", i),
			Status:    core.JobStatusCompleted,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: time.Now(),
		}
		require.NoError(t, stack.jobs.Save(context.Background(), record))
	}

	resp, err := http.Get(stack.server.URL + "/api/v1/video/jobs?limit=500")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeEnvelope(t, resp).Data.(map[string]interface{})
	assert.Equal(t, float64(100), data["limit"])
	assert.Equal(t, float64(5), data["count"])

	resp, err = http.Get(stack.server.URL + "/api/v1/video/jobs?page=2&limit=2")
	require.NoError(t, err)
	data = decodeEnvelope(t, resp).Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
	assert.Equal(t, float64(2), data["page"])
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Post(stack.server.URL+"/api/v1/video/create", "application/json", bytes.NewReader(complexBody()))
	require.NoError(t, err)
	jobID := decodeEnvelope(t, resp).Data.(map[string]interface{})["job_id"].(string)

	resp, err = http.Get(stack.server.URL + "/api/v1/video/job/" + jobID + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var frames []jobStatusResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame jobStatusResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
		frames = append(frames, frame)
		if frame.Status == string(core.JobStatusCompleted) {
			break
		}
	}

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, string(core.JobStatusCompleted), last.Status)
	assert.Equal(t, float64(100), last.ProgressPercent)

	// Progress never decreases across frames.
	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].ProgressPercent, frames[i-1].ProgressPercent)
	}
}

func TestSubscribeKeepAliveComments(t *testing.T) {
	stack := newTestStack(t)

	// A pending record with no worker activity only produces keep-alives.
	record := &core.JobRecord{
		ID:        "job-idle",
		Status:    core.JobStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, stack.jobs.Save(context.Background(), record))

	resp, err := http.Get(stack.server.URL + "/api/v1/video/job/job-idle/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	sawKeepAlive := false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, ": keep-alive") {
			sawKeepAlive = true
			break
		}
	}
	assert.True(t, sawKeepAlive)
}

func TestSubscribeUnknownJob(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.server.URL + "/api/v1/video/job/nope/subscribe")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	stack := newTestStack(t)

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(stack.server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

// staleGetStore serves one stale snapshot: the first Get for the
// watched job runs sideEffect (which patches the record and publishes
// its update) and still returns the pre-patch state.
type staleGetStore struct {
	store.JobStore
	watch      string
	sideEffect func()
	once       sync.Once
}

func (s *staleGetStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	record, err := s.JobStore.Get(ctx, id)
	if err == nil && id == s.watch {
		s.once.Do(s.sideEffect)
	}
	return record, err
}

func TestSubscribeDeliversUpdateRacingSnapshotRead(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	t.Cleanup(func() { _ = bus.Close() })

	mem := store.NewMemoryStore(nil)
	require.NoError(t, mem.Save(context.Background(), &core.JobRecord{
		ID:        "job-race",
		Status:    core.JobStatusProcessing,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	// The job completes while the handler reads its snapshot.
	gate := &staleGetStore{JobStore: mem, watch: "job-race"}
	gate.sideEffect = func() {
		status := core.JobStatusCompleted
		progress := 100.0
		record, err := mem.Update(context.Background(), "job-race", &core.JobPatch{
			Status:          &status,
			ProgressPercent: &progress,
		})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), eventbus.NewEvent("job:update", "queue", map[string]interface{}{
			"job_id": "job-race",
			"job":    record,
		})))
	}

	hub, err := NewStatusHub(gate, bus)
	require.NoError(t, err)

	// Only the subscribe route is exercised.
	srv := NewServer(Config{KeepAliveInterval: 25 * time.Millisecond}, nil, nil, gate, nil, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/video/job/job-race/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	sawTerminal := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame jobStatusResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
		if frame.Status == string(core.JobStatusCompleted) {
			sawTerminal = true
			break
		}
	}
	assert.True(t, sawTerminal, "stream never delivered the terminal frame")
}
