package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that callers wrap with additional context.
var (
	// Job store errors
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrJobTerminal     = errors.New("job is in a terminal state")
	ErrSubTaskNotFound = errors.New("sub-task not found")
	ErrStatusConflict  = errors.New("status transition conflict")
	ErrIllegalEdge     = errors.New("illegal status transition")
	ErrReportNotFound  = errors.New("integrity report not found")

	// Scheduler errors
	ErrQueueFull          = errors.New("submission queue full")
	ErrNoPlatforms        = errors.New("no platforms cover the resolved region")
	ErrUnknownPlatform    = errors.New("platform not present in registry")
	ErrJobNotCancellable  = errors.New("job not cancellable")
	ErrSchedulerStopped   = errors.New("scheduler not running")

	// Infrastructure errors
	ErrStoreUnavailable     = errors.New("job store unavailable")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")

	// Sync bus errors
	ErrClientNotFound = errors.New("client not found")
	ErrBusQueueFull   = errors.New("sync bus queue full")
	ErrBusStopped     = errors.New("sync bus not running")
)

// ═══════════════════════════════════════════════════════════════════════════
// Error classification
// ═══════════════════════════════════════════════════════════════════════════

// ErrorCategory classifies a sub-task failure for recovery decisions.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryParsing        ErrorCategory = "parsing"
	CategoryValidation     ErrorCategory = "validation"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryResource       ErrorCategory = "resource"
	CategoryPlatform       ErrorCategory = "platform"
	CategorySystem         ErrorCategory = "system"
	CategoryUnknown        ErrorCategory = "unknown"
)

// ErrorSeverity grades a failure for escalation and notification routing.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorRecord is the typed failure value handed from a worker to the error
// engine. Worker failures never propagate as panics past the worker
// boundary; they are converted into ErrorRecord values.
type ErrorRecord struct {
	// ID is the unique error identifier
	ID string `json:"id"`

	// JobID and Platform locate the failed sub-task
	JobID    string   `json:"job_id"`
	Platform Platform `json:"platform"`

	// Category and Severity classify the failure
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is the human-readable failure description
	Message string `json:"message"`

	// Attempt is the attempt number that failed (1-indexed)
	Attempt int `json:"attempt"`

	// Retryable reports whether the classifier considers this transient
	Retryable bool `json:"retryable"`

	// Timestamp is when the failure was observed
	Timestamp time.Time `json:"timestamp"`

	// Context carries decision flags (critical_job, fallback_platforms)
	// and diagnostic details
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *ErrorRecord) Error() string {
	return fmt.Sprintf("%s/%s [%s]: %s", e.Category, e.Severity, e.Platform, e.Message)
}

// AdapterError is the typed error an adapter returns on failure. The
// scheduler forwards it to the error engine; untyped errors are classified
// by message tokens instead.
type AdapterError struct {
	// Category is the adapter's own classification of the failure
	Category ErrorCategory `json:"category"`

	// Message describes the failure
	Message string `json:"message"`

	// Retryable is the adapter's hint on whether a retry can succeed
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// ═══════════════════════════════════════════════════════════════════════════
// Structured wrapping
// ═══════════════════════════════════════════════════════════════════════════

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g. "store.TransitionSubTask")
	Kind    string // Error kind (e.g. "store", "scheduler", "syncbus")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
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

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsConflict checks if an error represents a lost compare-and-swap race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrIllegalEdge)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrSubTaskNotFound) ||
		errors.Is(err, ErrReportNotFound) ||
		errors.Is(err, ErrClientNotFound)
}

// IsRetryable checks if an infrastructure error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}
