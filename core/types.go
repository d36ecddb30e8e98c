// Package core provides the shared types and interfaces for the jobriver
// orchestration engine.
//
// This file defines the central entities of the system:
//   - Job: a user submission fanned out to multiple job-board platforms
//   - PlatformTask: the per-platform unit of work spawned from a job
//   - Event: the append-only lifecycle record owned by the job store
//   - JobRecord: a normalized job posting produced by a platform adapter
//   - PlatformHealth: the rolling health snapshot used for admission control
//
// All components read and mutate these entities exclusively through the
// JobStore interface; no component holds references into another's state.
package core

import (
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Identifiers
// ═══════════════════════════════════════════════════════════════════════════

// Platform identifies an external job-board adapter.
type Platform string

// Well-known platforms. The registry catalog is the authoritative list;
// these constants exist for tests and defaults.
const (
	PlatformLinkedIn      Platform = "linkedin"
	PlatformIndeed        Platform = "indeed"
	PlatformGlassdoor     Platform = "glassdoor"
	PlatformGoogle        Platform = "google"
	PlatformMonster       Platform = "monster"
	PlatformZipRecruiter  Platform = "ziprecruiter"
)

// Region is the normalized geographic scope used to select platforms.
type Region string

const (
	RegionNorthAmerica Region = "north_america"
	RegionEurope       Region = "europe"
	RegionAsiaPacific  Region = "asia_pacific"
	RegionRemote       Region = "remote"
	RegionGlobal       Region = "global"
)

// Priority orders jobs in the scheduler intake queue and events on the
// sync bus. Valid values are 1 (lowest) through 5 (urgent).
type Priority int

const (
	PriorityLowest Priority = 1
	PriorityLow    Priority = 2
	PriorityNormal Priority = 3
	PriorityHigh   Priority = 4
	PriorityUrgent Priority = 5
)

// Valid reports whether p is inside the accepted 1..5 range.
func (p Priority) Valid() bool {
	return p >= PriorityLowest && p <= PriorityUrgent
}

// ═══════════════════════════════════════════════════════════════════════════
// Job
// ═══════════════════════════════════════════════════════════════════════════

// JobStatus represents the aggregated state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job has been created but not queued
	JobStatusPending JobStatus = "pending"

	// JobStatusQueued indicates the job is waiting in the scheduler queue
	JobStatusQueued JobStatus = "queued"

	// JobStatusProcessing indicates at least one sub-task is executing
	JobStatusProcessing JobStatus = "processing"

	// JobStatusRollingBack indicates a critical error triggered rollback;
	// the job transitions to failed once rollback actions complete
	JobStatusRollingBack JobStatus = "rolling_back"

	// JobStatusCompleted indicates at least one platform produced results
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates every requested platform failed
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled by request
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled.
// Terminal jobs accept no further sub-task status writes.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a user submission requesting a search across multiple platforms.
type Job struct {
	// ID is the opaque collision-resistant job identifier
	ID string `json:"id"`

	// Query is the free-text search query
	Query string `json:"query"`

	// Location is the free-text location filter
	Location string `json:"location,omitempty"`

	// Region is the resolved geographic scope
	Region Region `json:"region"`

	// Platforms is the requested platform set (non-empty, registry subset)
	Platforms []Platform `json:"platforms"`

	// Priority orders the job in the scheduler queue (1-5)
	Priority Priority `json:"priority"`

	// Status is the aggregated job status derived from sub-task statuses
	Status JobStatus `json:"status"`

	// RequiresAttention is set by the error engine on escalation
	RequiresAttention bool `json:"requires_attention,omitempty"`

	// UserTag is an opaque caller-supplied identifier
	UserTag string `json:"user_tag,omitempty"`

	// Metadata carries caller-supplied opaque key/values
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Integrity configures post-completion validation and aggregation
	Integrity IntegrityOptions `json:"integrity"`

	// SubmittedAt is when the job entered the system
	SubmittedAt time.Time `json:"submitted_at"`

	// Deadline is the optional end-to-end completion deadline
	Deadline *time.Time `json:"deadline,omitempty"`

	// StartedAt is when the first sub-task began processing
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// FailureReason carries the terminal reason for failed jobs
	FailureReason string `json:"failure_reason,omitempty"`
}

// IntegrityOptions configures the integrity engine run for a job.
type IntegrityOptions struct {
	// Enabled turns the integrity pipeline on for this job
	Enabled bool `json:"enabled"`

	// Strategy selects the aggregation strategy
	Strategy AggregationStrategy `json:"strategy,omitempty"`

	// RequiredPlatforms lists platforms that must succeed for the
	// platform-coverage check
	RequiredPlatforms []Platform `json:"required_platforms,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// PlatformTask
// ═══════════════════════════════════════════════════════════════════════════

// SubTaskStatus represents the state of a single platform sub-task.
type SubTaskStatus string

const (
	// SubTaskPending indicates the sub-task is waiting for dispatch.
	// Retries return a failed sub-task to pending.
	SubTaskPending SubTaskStatus = "pending"

	// SubTaskAssigned indicates the dispatcher acquired a platform slot
	// and handed the sub-task to a worker
	SubTaskAssigned SubTaskStatus = "assigned"

	// SubTaskProcessing indicates the adapter call is in flight
	SubTaskProcessing SubTaskStatus = "processing"

	// SubTaskCompleted indicates the adapter returned records
	SubTaskCompleted SubTaskStatus = "completed"

	// SubTaskFailed indicates the attempt failed
	SubTaskFailed SubTaskStatus = "failed"

	// SubTaskCancelled indicates the sub-task was cancelled
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled.
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskCompleted || s == SubTaskFailed || s == SubTaskCancelled
}

// legalSubTaskEdges enumerates the sub-task state machine. Failed -> Pending
// is the retry edge driven by the error engine.
var legalSubTaskEdges = map[SubTaskStatus][]SubTaskStatus{
	SubTaskPending:    {SubTaskAssigned, SubTaskCancelled},
	SubTaskAssigned:   {SubTaskProcessing, SubTaskFailed, SubTaskCancelled},
	SubTaskProcessing: {SubTaskCompleted, SubTaskFailed, SubTaskCancelled},
	SubTaskFailed:     {SubTaskPending},
}

// ValidSubTaskTransition reports whether from -> to is a legal edge in the
// sub-task state machine.
func ValidSubTaskTransition(from, to SubTaskStatus) bool {
	for _, next := range legalSubTaskEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PlatformTask is the per-platform unit of work spawned from a job.
// Exactly one exists per (job, platform) pair.
type PlatformTask struct {
	// ID is a secondary opaque identifier for the sub-task
	ID string `json:"id"`

	// JobID is the owning job
	JobID string `json:"job_id"`

	// Platform is the target adapter
	Platform Platform `json:"platform"`

	// Status is the current sub-task status
	Status SubTaskStatus `json:"status"`

	// Attempt is the current attempt number (1-indexed, monotone)
	Attempt int `json:"attempt"`

	// MaxAttempts bounds retries; derived from the error category
	MaxAttempts int `json:"max_attempts"`

	// WorkerID tags the worker that executed the current attempt
	WorkerID string `json:"worker_id,omitempty"`

	// StartedAt is when the current attempt began processing
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the current attempt reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationMS is the execution duration of the last attempt
	DurationMS int64 `json:"duration_ms,omitempty"`

	// RecordCount is the number of records produced on success
	RecordCount int `json:"record_count,omitempty"`

	// PayloadHash is a deterministic hash of the produced payload
	PayloadHash string `json:"payload_hash,omitempty"`

	// PayloadHidden marks the payload as excluded from result reads and
	// aggregation. Rollback hides partial payloads instead of deleting
	// them so the event log stays replayable.
	PayloadHidden bool `json:"payload_hidden,omitempty"`

	// LastError is the error record of the most recent failed attempt
	LastError *ErrorRecord `json:"last_error,omitempty"`
}

// AggregateJobStatus derives the job status from the multiset of sub-task
// statuses:
//   - any sub-task processing or assigned  -> processing
//   - all terminal, at least one completed -> completed
//   - all terminal, at least one failed    -> failed
//   - all terminal, all cancelled          -> cancelled
//   - otherwise (pending remain)           -> queued
func AggregateJobStatus(tasks []*PlatformTask) JobStatus {
	if len(tasks) == 0 {
		return JobStatusPending
	}

	allTerminal := true
	anyActive := false
	anyCompleted := false
	anyFailed := false

	for _, t := range tasks {
		switch t.Status {
		case SubTaskProcessing, SubTaskAssigned:
			anyActive = true
			allTerminal = false
		case SubTaskPending:
			allTerminal = false
		case SubTaskCompleted:
			anyCompleted = true
		case SubTaskFailed:
			anyFailed = true
		}
	}

	if anyActive {
		return JobStatusProcessing
	}
	if !allTerminal {
		return JobStatusQueued
	}
	if anyCompleted {
		return JobStatusCompleted
	}
	if anyFailed {
		return JobStatusFailed
	}
	return JobStatusCancelled
}

// ═══════════════════════════════════════════════════════════════════════════
// Events
// ═══════════════════════════════════════════════════════════════════════════

// EventType identifies a lifecycle, error or infrastructure event.
type EventType string

const (
	EventJobCreated          EventType = "job_created"
	EventJobStarted          EventType = "job_started"
	EventJobCompleted        EventType = "job_completed"
	EventJobFailed           EventType = "job_failed"
	EventJobCancelled        EventType = "job_cancelled"
	EventSubTaskCreated      EventType = "subtask_created"
	EventSubTaskStarted      EventType = "subtask_started"
	EventSubTaskProgress     EventType = "subtask_progress"
	EventSubTaskCompleted    EventType = "subtask_completed"
	EventSubTaskFailed       EventType = "subtask_failed"
	EventRetryScheduled      EventType = "retry_scheduled"
	EventFallbackApplied     EventType = "fallback_applied"
	EventErrorOccurred       EventType = "error_occurred"
	EventPlatformHealth      EventType = "platform_health"
	EventIntegrityReady      EventType = "integrity_report_ready"
	EventNotificationSent    EventType = "notification_sent"
	EventHealthAlert         EventType = "health_alert"
	EventHeartbeat           EventType = "heartbeat"
	EventClientConnect       EventType = "client_connect"
	EventClientDisconnect    EventType = "client_disconnect"
	EventNeedsAttention      EventType = "needs_attention"
)

// Event is an append-only record in the per-job event log. The event log
// is the source of truth: derived job state can be rebuilt by replay.
type Event struct {
	// ID is the unique event identifier
	ID string `json:"id"`

	// JobID is the owning job ("" for infrastructure events)
	JobID string `json:"job_id,omitempty"`

	// Platform is set for sub-task scoped events
	Platform Platform `json:"platform,omitempty"`

	// Type identifies the event
	Type EventType `json:"type"`

	// Timestamp orders events within a (job, platform) sequence
	Timestamp time.Time `json:"timestamp"`

	// FromStatus and ToStatus record a state transition, when applicable
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	// Payload carries event-specific details (attempt counters, error
	// codes, record counts)
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Job records and adapter results
// ═══════════════════════════════════════════════════════════════════════════

// JobRecord is a normalized job posting returned by a platform adapter.
type JobRecord struct {
	Title          string   `json:"title"`
	Company        string   `json:"company"`
	Location       string   `json:"location"`
	DatePosted     string   `json:"date_posted,omitempty"`
	Description    string   `json:"description,omitempty"`
	Salary         string   `json:"salary,omitempty"`
	JobURL         string   `json:"job_url,omitempty"`
	SourcePlatform Platform `json:"source_platform"`
}

// SearchResult is the successful outcome of an adapter call.
type SearchResult struct {
	// Records is the normalized result set
	Records []JobRecord `json:"records"`

	// LatencyMS is the adapter-reported round-trip latency
	LatencyMS int64 `json:"latency_ms"`

	// Cursor optionally points at the next result page
	Cursor string `json:"cursor,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Platform health
// ═══════════════════════════════════════════════════════════════════════════

// PlatformStatus is the coarse health state of a platform adapter.
type PlatformStatus string

const (
	PlatformIdle    PlatformStatus = "idle"
	PlatformActive  PlatformStatus = "active"
	PlatformBusy    PlatformStatus = "busy"
	PlatformError   PlatformStatus = "error"
	PlatformOffline PlatformStatus = "offline"
)

// PlatformHealth is the rolling health snapshot for one platform.
// The scheduler updates it after every sub-task completion and reads it
// for admission decisions.
type PlatformHealth struct {
	Platform Platform       `json:"platform"`
	Status   PlatformStatus `json:"status"`

	// SuccessRate is the rolling fraction of successful attempts (0-1)
	SuccessRate float64 `json:"success_rate"`

	// AvgResponseMS is the rolling mean adapter latency
	AvgResponseMS float64 `json:"avg_response_ms"`

	// ConsecutiveFailures counts failures since the last success
	ConsecutiveFailures int `json:"consecutive_failures"`

	// CurrentLoad is the number of in-flight sub-tasks (0..Capacity)
	CurrentLoad int `json:"current_load"`

	// Capacity mirrors the registry max_concurrent_requests
	Capacity int `json:"capacity"`

	// TotalAttempts and TotalSuccesses feed the rolling success rate
	TotalAttempts  int64 `json:"total_attempts"`
	TotalSuccesses int64 `json:"total_successes"`

	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// IsHealthy reports whether the platform should receive new work:
// consecutive failures stay under the threshold and the last success is
// inside the recovery window (a platform with no traffic yet is healthy).
func (h *PlatformHealth) IsHealthy(failureThreshold int, recoveryWindow time.Duration) bool {
	if h.ConsecutiveFailures >= failureThreshold {
		return false
	}
	if h.LastSuccess == nil {
		return h.LastFailure == nil || h.ConsecutiveFailures < failureThreshold
	}
	return time.Since(*h.LastSuccess) < recoveryWindow
}
