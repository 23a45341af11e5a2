package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Admission / validation errors
	ErrValidation = errors.New("request validation failed")
	ErrNotFound   = errors.New("not found")

	// Resource errors
	ErrNoSuitableNode      = errors.New("no suitable node for allocation")
	ErrAllocationExpired   = errors.New("allocation expired")
	ErrResourceUnavailable = errors.New("resource unavailable")

	// Resilience errors
	ErrBulkheadFull       = errors.New("bulkhead queue full")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrCancelled       = errors.New("operation cancelled")
	ErrContextCanceled = errors.New("context canceled")

	// External collaborator errors
	ErrTransientExternal = errors.New("transient external failure")
	ErrFatalExternal     = errors.New("fatal external failure")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrNetworkError       = errors.New("network error")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrJobTerminal    = errors.New("job is in a terminal state")
)

// OrchestrationError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestrationError struct {
	Op      string // Operation that failed (e.g., "resources.Allocate")
	Kind    string // Error kind (e.g., "resource", "workflow", "queue")
	JobID   string // Optional job ID involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestrationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.JobID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.JobID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a new OrchestrationError
func NewOrchestrationError(op, kind string, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable inside a workflow step.
// Transient external failures, timeouts, and open breakers are retryable;
// validation and fatal external failures are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientExternal) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetworkError) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsRecoverable checks if an orchestration failure can be retried by the caller
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrNoSuitableNode) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetworkError) ||
		errors.Is(err, ErrServiceUnavailable)
}

// IsValidation checks if an error is a user-facing validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal checks if an error must abort the current attempt without retry
func IsFatal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrFatalExternal)
}
