// Package api exposes the orchestration service over HTTP: job
// admission, status lookup, cancellation, SSE subscriptions, and health
// probes, all under a versioned prefix with a uniform response
// envelope.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/health"
	"github.com/OMAR3lwafi/video-api-sub001/orchestration"
	"github.com/OMAR3lwafi/video-api-sub001/queue"
	"github.com/OMAR3lwafi/video-api-sub001/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Config tunes the HTTP surface.
type Config struct {
	// KeepAliveInterval between SSE keep-alive comments. Default 30s.
	KeepAliveInterval time.Duration

	Logger core.Logger
}

// Server wires the HTTP handlers to the orchestrator and its
// collaborators.
type Server struct {
	config  Config
	logger  core.Logger
	orch    *orchestration.Orchestrator
	queue   *queue.Queue
	jobs    store.JobStore
	checker *health.Checker
	hub     *StatusHub
}

// NewServer creates the HTTP layer. The health checker is optional.
func NewServer(config Config, orch *orchestration.Orchestrator, q *queue.Queue, jobs store.JobStore, checker *health.Checker, hub *StatusHub) *Server {
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("api")
	}
	return &Server{
		config:  config,
		logger:  logger,
		orch:    orch,
		queue:   q,
		jobs:    jobs,
		checker: checker,
		hub:     hub,
	}
}

// Handler builds the routed, instrumented handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/video/create", s.handleCreate)
	mux.HandleFunc("GET /api/v1/video/result/{jobId}", s.handleResult)
	mux.HandleFunc("DELETE /api/v1/video/job/{jobId}", s.handleCancel)
	mux.HandleFunc("GET /api/v1/video/jobs", s.handleList)
	mux.HandleFunc("GET /api/v1/video/job/{jobId}/details", s.handleDetails)
	mux.HandleFunc("GET /api/v1/video/job/{jobId}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /health/live", s.handleLive)

	return otelhttp.NewHandler(s.correlate(mux), "videoapi.http")
}

// envelope is the uniform response shape.
type envelope struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	Message       string      `json:"message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// correlate mints or propagates the correlation ID and echoes it on the
// response.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

func correlationID(w http.ResponseWriter) string {
	return w.Header().Get("X-Correlation-Id")
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:       status < 400,
		Data:          data,
		Message:       message,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID(w),
	})
}

func (s *Server) respondError(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:       false,
		Error:         errMsg,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID(w),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req core.VideoJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result := s.orch.Orchestrate(r.Context(), &req)
	switch result.Status {
	case orchestration.StatusImmediate:
		s.respond(w, http.StatusOK, result, "video processing completed")
	case orchestration.StatusAsync:
		s.respond(w, http.StatusAccepted, result, "video processing started")
	default:
		status := http.StatusInternalServerError
		if result.Validation {
			status = http.StatusBadRequest
		} else if result.Recoverable {
			status = http.StatusServiceUnavailable
		}
		s.respondError(w, status, result.Error)
	}
}

// jobStatusResponse is the public projection of a JobRecord.
type jobStatusResponse struct {
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"`
	ProgressPercent  float64   `json:"progress_percent"`
	CurrentStep      string    `json:"current_step,omitempty"`
	ResultURL        string    `json:"result_url,omitempty"`
	FileSizeBytes    int64     `json:"file_size_bytes,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func statusOf(record *core.JobRecord) jobStatusResponse {
	return jobStatusResponse{
		JobID:            record.ID,
		Status:           string(record.Status),
		ProgressPercent:  record.ProgressPercent,
		CurrentStep:      record.CurrentStep,
		ResultURL:        record.ResultURL,
		FileSizeBytes:    record.FileSizeBytes,
		ProcessingTimeMs: record.ProcessingTimeMs,
		Error:            record.Error,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	record, err := s.jobs.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respond(w, http.StatusOK, statusOf(record), "")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	record, err := s.queue.Cancel(r.Context(), r.PathValue("jobId"))
	if err != nil {
		// Terminal jobs cannot be cancelled and report the same way as
		// unknown ones.
		if core.IsNotFound(err) || errors.Is(err, core.ErrJobTerminal) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, statusOf(record), "job cancelled")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	records, err := s.jobs.List(r.Context(), page*limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := (page - 1) * limit
	if start > len(records) {
		start = len(records)
	}
	end := start + limit
	if end > len(records) {
		end = len(records)
	}

	jobs := make([]jobStatusResponse, 0, end-start)
	for _, record := range records[start:end] {
		jobs = append(jobs, statusOf(record))
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"page":  page,
		"limit": limit,
		"count": len(jobs),
	}, "")
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	record, err := s.jobs.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	details := map[string]interface{}{
		"job": statusOf(record),
		"timeline": map[string]interface{}{
			"created_at":         record.CreatedAt,
			"updated_at":         record.UpdatedAt,
			"processing_time_ms": record.ProcessingTimeMs,
		},
	}
	if record.Request != nil {
		details["elements"] = record.Request.Elements
		details["output"] = map[string]interface{}{
			"format": record.Request.OutputFormat,
			"width":  record.Request.Width,
			"height": record.Request.Height,
		}
	}
	if record.ResultURL != "" {
		details["storage"] = map[string]interface{}{
			"url":        record.ResultURL,
			"size_bytes": record.FileSizeBytes,
		}
	}
	s.respond(w, http.StatusOK, details, "")
}

// handleSubscribe streams patched job snapshots as Server-Sent Events.
// The stream closes after a terminal frame or client disconnect. The
// hub subscription must precede the snapshot read: an update landing
// between the two is then delivered through the channel instead of
// being lost.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates, release := s.hub.Subscribe(jobID)
	defer release()

	record, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sendFrame(w, flusher, record)
	if record.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(s.config.KeepAliveInterval)
	defer keepAlive.Stop()

	// Updates buffered before the snapshot read are already reflected
	// in the initial frame.
	lastUpdated := record.UpdatedAt

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case update := <-updates:
			if update.ID != jobID || update.UpdatedAt.Before(lastUpdated) {
				continue
			}
			lastUpdated = update.UpdatedAt
			sendFrame(w, flusher, update)
			if update.Status.IsTerminal() {
				return
			}
		}
	}
}

func sendFrame(w http.ResponseWriter, flusher http.Flusher, record *core.JobRecord) {
	payload, err := json.Marshal(statusOf(record))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
	flusher.Flush()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respond(w, http.StatusOK, map[string]string{"status": "healthy"}, "")
		return
	}
	report := s.checker.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, report, "")
}

// handleReady gates readiness on the database check when one is
// registered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respond(w, http.StatusOK, map[string]string{"status": "ready"}, "")
		return
	}
	report := s.checker.Report()
	for _, check := range report.Checks {
		if check.Name == "database" && check.Outcome == health.OutcomeFail {
			s.respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if report.Status == health.StatusUnhealthy {
		s.respondError(w, http.StatusServiceUnavailable, "service unhealthy")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ready"}, "")
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "alive"}, "")
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
