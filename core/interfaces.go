package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface.
// Components receive a Logger through their Config and must tolerate nil.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger optionally scopes log lines to a component name.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// ═══════════════════════════════════════════════════════════════════════════
// Adapter capability
// ═══════════════════════════════════════════════════════════════════════════

// Adapter is the capability that talks to one external job board.
// Deadlines and cancellation arrive through ctx; implementations return
// *AdapterError for typed failures the error engine can classify directly.
type Adapter interface {
	// Search runs a query against the platform and returns normalized
	// records. limit bounds the result-set size (0 means adapter default).
	Search(ctx context.Context, query, location string, limit int) (*SearchResult, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, query, location string, limit int) (*SearchResult, error)

// Search implements Adapter.
func (f AdapterFunc) Search(ctx context.Context, query, location string, limit int) (*SearchResult, error) {
	return f(ctx, query, location, limit)
}

// ═══════════════════════════════════════════════════════════════════════════
// Job store
// ═══════════════════════════════════════════════════════════════════════════

// JobFilter narrows ListJobs results.
type JobFilter struct {
	// Status filters by aggregated job status ("" matches all)
	Status JobStatus `json:"status,omitempty"`

	// UserTag filters by the caller-supplied tag
	UserTag string `json:"user_tag,omitempty"`

	// Limit bounds the result count (0 means store default)
	Limit int `json:"limit,omitempty"`
}

// JobStore is the single source of truth for jobs, sub-tasks, events,
// platform health and integrity reports. All operations are atomic with
// respect to a single job. The default implementation is Redis-backed.
type JobStore interface {
	// CreateJob persists a job and one pending PlatformTask per requested
	// platform, emitting job_created and subtask_created events.
	// Returns ErrJobExists if the job ID is taken.
	CreateJob(ctx context.Context, job *Job, tasks []*PlatformTask) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// GetSubTasks returns all sub-tasks of a job.
	GetSubTasks(ctx context.Context, jobID string) ([]*PlatformTask, error)

	// GetSubTask returns the sub-task for one (job, platform) pair.
	GetSubTask(ctx context.Context, jobID string, platform Platform) (*PlatformTask, error)

	// TransitionSubTask performs a compare-and-swap on the sub-task status.
	// Returns ErrStatusConflict if the current status differs from `from`,
	// ErrIllegalEdge if from -> to is not a legal edge, and ErrJobTerminal
	// if the owning job already reached a terminal status. On success it
	// appends a transition event, recomputes the aggregated job status and
	// returns the updated job.
	TransitionSubTask(ctx context.Context, jobID string, platform Platform, from, to SubTaskStatus, payload map[string]interface{}) (*Job, error)

	// RecordError attaches an error record to the current sub-task attempt
	// and appends an error_occurred event.
	RecordError(ctx context.Context, rec *ErrorRecord) error

	// CompleteJob applies an idempotent terminal transition to the job.
	// Returns ErrIllegalEdge if the sub-task multiset is inconsistent with
	// the requested terminal status.
	CompleteJob(ctx context.Context, jobID string, status JobStatus, reason string) error

	// CancelJob flips the job to cancelled and every non-terminal sub-task
	// to cancelled. Idempotent on already-cancelled jobs; returns
	// ErrJobNotCancellable when the job completed or failed already.
	CancelJob(ctx context.Context, jobID string) error

	// MarkAttention sets the requires_manual_intervention flag.
	MarkAttention(ctx context.Context, jobID string) error

	// MarkRollingBack flips a non-terminal job into the rolling_back
	// status. While a job is rolling back, sub-task transitions no longer
	// recompute the aggregated status; the rollback driver finishes the
	// job through CompleteJob.
	MarkRollingBack(ctx context.Context, jobID string) error

	// ReplaceSubTask substitutes a failed platform's sub-task with a new
	// pending sub-task targeting the fallback platform, recording the
	// substitution in the event log.
	ReplaceSubTask(ctx context.Context, jobID string, failed, fallback Platform) (*PlatformTask, error)

	// HidePayloads marks all sub-task payloads of a job as hidden.
	// Used by rollback; the event log is never deleted.
	HidePayloads(ctx context.Context, jobID string) error

	// AppendEvent appends an infrastructure event to the job's log.
	AppendEvent(ctx context.Context, event *Event) error

	// QueryEvents returns an ordered slice of the job's event log starting
	// at cursor, plus the next cursor (0 when exhausted).
	QueryEvents(ctx context.Context, jobID string, cursor, limit int64) ([]*Event, int64, error)

	// SaveResults persists the records produced by a successful attempt.
	SaveResults(ctx context.Context, jobID string, platform Platform, records []JobRecord) error

	// GetResults loads the records of the last successful attempt.
	GetResults(ctx context.Context, jobID string, platform Platform) ([]JobRecord, error)

	// UpdateHealth persists a platform health snapshot.
	UpdateHealth(ctx context.Context, health *PlatformHealth) error

	// GetHealth loads one platform health snapshot.
	GetHealth(ctx context.Context, platform Platform) (*PlatformHealth, error)

	// ListHealth loads all platform health snapshots.
	ListHealth(ctx context.Context) ([]*PlatformHealth, error)

	// SaveReport persists the job's integrity report (write-once).
	SaveReport(ctx context.Context, report *IntegrityReport) error

	// GetReport loads a job's integrity report.
	// Returns ErrReportNotFound if the job has none.
	GetReport(ctx context.Context, jobID string) (*IntegrityReport, error)

	// Ping reports storage connectivity for health checks.
	Ping(ctx context.Context) error
}

// ═══════════════════════════════════════════════════════════════════════════
// Sync bus
// ═══════════════════════════════════════════════════════════════════════════

// SyncEvent is a typed record delivered to subscribed clients.
type SyncEvent struct {
	// ID is the unique event identifier
	ID string `json:"event_id"`

	// Type identifies the event
	Type EventType `json:"type"`

	// JobID and Platform scope the event, when applicable
	JobID    string   `json:"job_id,omitempty"`
	Platform Platform `json:"platform,omitempty"`

	// Payload carries event-specific data
	Payload map[string]interface{} `json:"data,omitempty"`

	// Priority orders events inside a dispatch batch
	Priority Priority `json:"priority"`

	// Timestamp is the emit time
	Timestamp time.Time `json:"timestamp"`

	// TTL discards the event if it sits in the queue too long (0 = none)
	TTL time.Duration `json:"-"`

	// Targets restricts delivery to the listed client IDs (empty =
	// subscription index decides)
	Targets []string `json:"-"`

	// Source names the emitting component
	Source string `json:"source,omitempty"`
}

// EventBus is the publish side of the sync bus. Producers submit events
// through this single entry point; subscriber state stays private to the bus.
type EventBus interface {
	// Publish enqueues an event for dispatch. Returns ErrBusQueueFull
	// when the bounded queue is saturated.
	Publish(ctx context.Context, event *SyncEvent) error
}

// NoOpBus discards all published events. Useful default for tests and for
// components constructed without a bus.
type NoOpBus struct{}

// Publish implements EventBus.
func (NoOpBus) Publish(ctx context.Context, event *SyncEvent) error { return nil }

// ═══════════════════════════════════════════════════════════════════════════
// Notification sender
// ═══════════════════════════════════════════════════════════════════════════

// NotificationSender accepts notification requests for asynchronous
// delivery. Implemented by the notify package; the error engine and
// coordinator depend only on this contract.
type NotificationSender interface {
	// Send enqueues the request and returns the IDs of the composed
	// messages. Delivery is asynchronous; failures never affect the
	// caller's job outcome.
	Send(ctx context.Context, req *NotificationRequest) ([]string, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Circuit breaker
// ═══════════════════════════════════════════════════════════════════════════

// CircuitBreaker protects downstream calls against cascading failures.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// GetState returns "closed", "open" or "half-open".
	GetState() string

	// CanExecute returns true if the breaker would allow execution.
	CanExecute() bool

	// RecordSuccess and RecordFailure feed the breaker when the caller
	// runs the protected operation itself.
	RecordSuccess()
	RecordFailure()

	// Reset manually closes the breaker and clears counters.
	Reset()
}

// ═══════════════════════════════════════════════════════════════════════════
// No-op logger
// ═══════════════════════════════════════════════════════════════════════════

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
