package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

// State is the lifecycle position of one execution.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateRollingBack State = "rolling_back"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	// StatePaused is reserved for external pause signals.
	StatePaused State = "paused"
)

// Metrics accumulates per-execution observations.
type Metrics struct {
	StepDurations map[string]time.Duration `json:"step_durations"`
	RetryCount    int                      `json:"retry_count"`
	ErrorCount    int                      `json:"error_count"`
	TotalDuration time.Duration            `json:"total_duration"`
}

// Context carries job state between steps. A single goroutine drives
// one execution, so access is unsynchronized.
type Context struct {
	JobID    string
	Request  *core.VideoJobRequest
	Analysis *core.JobAnalysis
	// Data is inter-step scratch space: allocation IDs, local file
	// paths, upload results.
	Data map[string]interface{}
	// Result is set after the final step.
	Result interface{}
	// OnProgress, when set, receives coarse progress as steps finish.
	OnProgress func(percent float64, step string)
}

// Set stores a value in the scratch space.
func (c *Context) Set(key string, value interface{}) {
	if c.Data == nil {
		c.Data = make(map[string]interface{})
	}
	c.Data[key] = value
}

// Get reads a value from the scratch space.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// GetString reads a string value, returning "" when absent.
func (c *Context) GetString(key string) string {
	if v, ok := c.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// StepExecutor runs one step type. Executors must honor ctx
// cancellation.
type StepExecutor func(ctx context.Context, exec *Execution, step *Step) error

// RollbackFunc performs one compensating action. Failures are logged
// by the engine, never propagated.
type RollbackFunc func(ctx context.Context, exec *Execution, action RollbackAction) error

// Execution is one materialized workflow. The step list is a copy of
// the template's.
type Execution struct {
	ID           string             `json:"id"`
	JobID        string             `json:"job_id"`
	Template     string             `json:"template"`
	State        State              `json:"state"`
	TotalTimeout core.Duration      `json:"total_timeout,omitempty"`
	Steps        []Step             `json:"steps"`
	Rollback     []RollbackStrategy `json:"rollback,omitempty"`
	CurrentStep  int                `json:"current_step"`
	Metrics      Metrics            `json:"metrics"`
	Context      *Context           `json:"-"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	CompletedAt  time.Time          `json:"completed_at,omitempty"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Engine owns the template catalog, the executor registry, and live
// executions.
type Engine struct {
	logger core.Logger
	tel    core.Telemetry
	bus    *eventbus.Bus

	mu         sync.RWMutex
	templates  map[string]*Template
	executors  map[StepType]StepExecutor
	rollbackFn RollbackFunc
	executions map[string]*Execution
}

// NewEngine creates an engine preloaded with the default template
// catalog. The bus is optional.
func NewEngine(config EngineConfig, bus *eventbus.Bus) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("workflow")
	}
	tel := config.Telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}

	e := &Engine{
		logger:     logger,
		tel:        tel,
		bus:        bus,
		templates:  make(map[string]*Template),
		executors:  make(map[StepType]StepExecutor),
		executions: make(map[string]*Execution),
	}
	for _, tpl := range DefaultTemplates() {
		e.templates[tpl.Name] = tpl
	}
	return e
}

// RegisterTemplate adds or replaces a template in the catalog.
func (e *Engine) RegisterTemplate(tpl *Template) error {
	if tpl == nil || tpl.Name == "" {
		return fmt.Errorf("template must have a name")
	}
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", tpl.Name)
	}
	e.mu.Lock()
	e.templates[tpl.Name] = tpl
	e.mu.Unlock()
	return nil
}

// RegisterExecutor binds a step type to its executor.
func (e *Engine) RegisterExecutor(stepType StepType, executor StepExecutor) {
	e.mu.Lock()
	e.executors[stepType] = executor
	e.mu.Unlock()
}

// SetRollbackHandler installs the compensating-action handler.
func (e *Engine) SetRollbackHandler(fn RollbackFunc) {
	e.mu.Lock()
	e.rollbackFn = fn
	e.mu.Unlock()
}

// Template returns a catalog entry or core.ErrNotFound.
func (e *Engine) Template(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", name, core.ErrNotFound)
	}
	return tpl, nil
}

// Materialize builds an execution from a template, copying the step
// list so the template stays immutable.
func (e *Engine) Materialize(jobID, templateName string, wctx *Context) (*Execution, error) {
	tpl, err := e.Template(templateName)
	if err != nil {
		return nil, err
	}
	if wctx == nil {
		wctx = &Context{JobID: jobID}
	}

	steps := make([]Step, len(tpl.Steps))
	copy(steps, tpl.Steps)
	rollback := make([]RollbackStrategy, len(tpl.Rollback))
	copy(rollback, tpl.Rollback)

	exec := &Execution{
		ID:           uuid.NewString(),
		JobID:        jobID,
		Template:     tpl.Name,
		State:        StateInitialized,
		TotalTimeout: tpl.TotalTimeout,
		Steps:        steps,
		Rollback:     rollback,
		Context:      wctx,
		Metrics:      Metrics{StepDurations: make(map[string]time.Duration)},
	}

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	return exec, nil
}

// Execution returns a live execution by ID.
func (e *Engine) Execution(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	return exec, ok
}

// Execute drives an execution to a terminal state. The returned error
// is nil iff the workflow completed.
func (e *Engine) Execute(ctx context.Context, exec *Execution) error {
	exec.State = StateRunning
	exec.StartedAt = time.Now()

	// The template's total budget bounds the whole run on top of the
	// per-step timeouts.
	runCtx := ctx
	if exec.TotalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, exec.TotalTimeout.Std())
		defer cancel()
	}

	e.publish("workflow:started", exec, map[string]interface{}{
		"template": exec.Template,
		"steps":    len(exec.Steps),
	})
	e.logger.Info("Workflow started", map[string]interface{}{
		"operation":   "workflow_start",
		"workflow_id": exec.ID,
		"job_id":      exec.JobID,
		"template":    exec.Template,
	})

	for i := range exec.Steps {
		if err := runCtx.Err(); err != nil {
			if ctx.Err() != nil {
				return e.cancel(ctx, exec, err)
			}
			return e.fail(ctx, exec, totalTimeoutError(exec))
		}

		step := &exec.Steps[i]
		exec.CurrentStep = i

		if err := e.runStep(runCtx, exec, i, step); err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				err = totalTimeoutError(exec)
			}
			return e.fail(ctx, exec, err)
		}

		if exec.Context.OnProgress != nil {
			percent := float64(i+1) / float64(len(exec.Steps)) * 100
			exec.Context.OnProgress(percent, step.Name)
		}
	}

	exec.State = StateCompleted
	exec.CompletedAt = time.Now()
	exec.Metrics.TotalDuration = exec.CompletedAt.Sub(exec.StartedAt)

	e.publish("workflow:completed", exec, map[string]interface{}{
		"duration_ms": exec.Metrics.TotalDuration.Milliseconds(),
		"retries":     exec.Metrics.RetryCount,
	})
	e.logger.Info("Workflow completed", map[string]interface{}{
		"operation":   "workflow_complete",
		"workflow_id": exec.ID,
		"job_id":      exec.JobID,
		"duration_ms": exec.Metrics.TotalDuration.Milliseconds(),
	})
	e.tel.RecordMetric("workflow.completed", 1, map[string]string{"template": exec.Template})

	return nil
}

// runStep executes one step with its timeout and retry budget. Critical
// steps fail the workflow on first error; non-critical steps retry and
// then continue on exhaustion.
func (e *Engine) runStep(ctx context.Context, exec *Execution, index int, step *Step) error {
	e.publish("workflow:step_started", exec, map[string]interface{}{
		"step":  step.Name,
		"type":  string(step.Type),
		"index": index,
	})

	e.mu.RLock()
	executor, ok := e.executors[step.Type]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no executor registered for step type %q", step.Type)
	}

	var err error
	attempts := 1
	if !step.Critical {
		attempts += step.MaxRetries
	}

	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			exec.Metrics.RetryCount++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.RetryBackoff.Std()):
			}
		}
		err = e.attemptStep(ctx, exec, index, step, executor)
		if err == nil {
			break
		}
	}
	exec.Metrics.StepDurations[step.Name] = time.Since(start)
	e.tel.RecordMetric("workflow.step_duration_ms", float64(time.Since(start).Milliseconds()), map[string]string{
		"template": exec.Template,
		"step":     step.Name,
	})

	if err == nil {
		e.publish("workflow:step_completed", exec, map[string]interface{}{
			"step":        step.Name,
			"index":       index,
			"duration_ms": exec.Metrics.StepDurations[step.Name].Milliseconds(),
		})
		return nil
	}

	exec.Metrics.ErrorCount++
	e.publish("workflow:step_failed", exec, map[string]interface{}{
		"step":  step.Name,
		"index": index,
		"error": err.Error(),
	})
	e.logger.Error("Workflow step failed", map[string]interface{}{
		"operation":   "workflow_step",
		"workflow_id": exec.ID,
		"job_id":      exec.JobID,
		"step":        step.Name,
		"critical":    step.Critical,
		"error":       err.Error(),
	})

	if step.Critical {
		return fmt.Errorf("step %q: %w", step.Name, err)
	}
	// Non-critical exhaustion: log and move on.
	e.logger.Warn("Continuing past non-critical step failure", map[string]interface{}{
		"operation":   "workflow_step",
		"workflow_id": exec.ID,
		"step":        step.Name,
	})
	return nil
}

// attemptStep races the executor against the per-step timeout.
func (e *Engine) attemptStep(ctx context.Context, exec *Execution, index int, step *Step, executor StepExecutor) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("step panicked: %v", r)
			}
		}()
		done <- executor(runCtx, exec, step)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("step %d timed out after %s: %w", index+1, step.Timeout, core.ErrTimeout)
	}
}

// fail transitions through rolling_back to failed, running every
// matching rollback strategy.
func (e *Engine) fail(ctx context.Context, exec *Execution, cause error) error {
	exec.Error = cause.Error()
	exec.State = StateRollingBack

	trigger := classifyFailure(cause)
	e.runRollback(ctx, exec, trigger)

	exec.State = StateFailed
	exec.CompletedAt = time.Now()
	exec.Metrics.TotalDuration = exec.CompletedAt.Sub(exec.StartedAt)

	e.publish("workflow:failed", exec, map[string]interface{}{
		"error":   cause.Error(),
		"trigger": string(trigger),
	})
	e.tel.RecordMetric("workflow.failed", 1, map[string]string{"template": exec.Template})

	return fmt.Errorf("workflow %s failed: %w", exec.ID, cause)
}

// cancel skips remaining steps but still runs the manual rollback
// strategies so partial artifacts are cleaned up.
func (e *Engine) cancel(ctx context.Context, exec *Execution, cause error) error {
	e.runRollback(context.WithoutCancel(ctx), exec, TriggerManual)
	exec.State = StateCancelled
	exec.CompletedAt = time.Now()
	exec.Error = cause.Error()
	e.publish("workflow:cancelled", exec, map[string]interface{}{"error": cause.Error()})
	e.logger.Info("Workflow cancelled", map[string]interface{}{
		"operation":   "workflow_cancel",
		"workflow_id": exec.ID,
		"job_id":      exec.JobID,
	})
	return fmt.Errorf("workflow %s cancelled: %w", exec.ID, core.ErrCancelled)
}

func totalTimeoutError(exec *Execution) error {
	return fmt.Errorf("workflow timed out after %s: %w", exec.TotalTimeout, core.ErrTimeout)
}

// classifyFailure maps an error onto a rollback trigger by message
// shape: timeouts mention "timed out", resource exhaustion mentions
// "resource" or "memory", everything else is a step failure.
func classifyFailure(err error) RollbackTrigger {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"):
		return TriggerTimeout
	case strings.Contains(msg, "resource") || strings.Contains(msg, "memory"):
		return TriggerResourceExhaustion
	default:
		return TriggerStepFailure
	}
}

// runRollback executes every strategy matching the trigger. Rollback
// failures are logged and swallowed.
func (e *Engine) runRollback(ctx context.Context, exec *Execution, trigger RollbackTrigger) {
	e.mu.RLock()
	fn := e.rollbackFn
	e.mu.RUnlock()
	if fn == nil {
		return
	}

	for _, strategy := range exec.Rollback {
		if strategy.Trigger != trigger {
			continue
		}
		for _, action := range strategy.Actions {
			if err := fn(ctx, exec, action); err != nil {
				e.logger.Error("Rollback action failed", map[string]interface{}{
					"operation":   "workflow_rollback",
					"workflow_id": exec.ID,
					"job_id":      exec.JobID,
					"action":      string(action),
					"error":       err.Error(),
				})
				continue
			}
			e.logger.Info("Rollback action executed", map[string]interface{}{
				"operation":   "workflow_rollback",
				"workflow_id": exec.ID,
				"action":      string(action),
			})
		}
	}
}

func (e *Engine) publish(eventType string, exec *Execution, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"workflow_id": exec.ID,
		"job_id":      exec.JobID,
	}
	for k, v := range data {
		payload[k] = v
	}
	_ = e.bus.Publish(context.Background(), eventbus.NewEvent(eventType, "workflow", payload))
}

// Forget drops a finished execution from the live registry.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	delete(e.executions, id)
	e.mu.Unlock()
}
