// Package store provides the job store: the single source of truth for
// jobs, per-platform sub-tasks, the append-only event log, platform
// health snapshots and integrity reports.
//
// Two implementations share the same transition semantics:
//   - RedisStore: the production store, optimistic CAS via WATCH/MULTI
//   - MemoryStore: an in-process store for tests and single-node runs
//
// All sub-task writes funnel through applyTransition so the state machine
// and job-status aggregation behave identically in both.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jobriver/jobriver/core"
)

// defaultListLimit caps ListJobs when the filter does not set one.
const defaultListLimit = 100

// errNoop signals an idempotent mutation that needs no write.
var errNoop = errors.New("noop")

func newEvent(jobID string, platform core.Platform, typ core.EventType, from, to string, payload map[string]interface{}) *core.Event {
	return &core.Event{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Platform:   platform,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		FromStatus: from,
		ToStatus:   to,
		Payload:    payload,
	}
}

func sortTasks(tasks []*core.PlatformTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Platform < tasks[j].Platform })
}

func sortHealth(snapshots []*core.PlatformHealth) {
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Platform < snapshots[j].Platform })
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(payload map[string]interface{}, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func subTaskEventType(to core.SubTaskStatus) core.EventType {
	switch to {
	case core.SubTaskProcessing:
		return core.EventSubTaskStarted
	case core.SubTaskCompleted:
		return core.EventSubTaskCompleted
	case core.SubTaskFailed:
		return core.EventSubTaskFailed
	case core.SubTaskPending:
		return core.EventRetryScheduled
	default:
		return core.EventSubTaskProgress
	}
}

func jobTerminalEventType(status core.JobStatus) core.EventType {
	switch status {
	case core.JobStatusCompleted:
		return core.EventJobCompleted
	case core.JobStatusCancelled:
		return core.EventJobCancelled
	default:
		return core.EventJobFailed
	}
}

// aggregateWithRetryBudget derives the job status from the sub-tasks,
// treating a failed sub-task that still has retry budget as open. The
// job only goes terminal once every failure is exhausted or final.
func aggregateWithRetryBudget(tasks map[core.Platform]*core.PlatformTask) core.JobStatus {
	view := make([]*core.PlatformTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == core.SubTaskFailed && t.Attempt < t.MaxAttempts {
			view = append(view, &core.PlatformTask{Platform: t.Platform, Status: core.SubTaskPending})
			continue
		}
		view = append(view, t)
	}
	return core.AggregateJobStatus(view)
}

// applyTransition performs the CAS sub-task transition against an
// in-memory view of the job. It mutates job and tasks in place and
// returns the events to append. Callers persist everything atomically.
func applyTransition(job *core.Job, tasks map[core.Platform]*core.PlatformTask, platform core.Platform, from, to core.SubTaskStatus, payload map[string]interface{}) ([]*core.Event, error) {
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, core.ErrJobTerminal)
	}

	task, ok := tasks[platform]
	if !ok {
		return nil, fmt.Errorf("job %s has no sub-task for %s: %w", job.ID, platform, core.ErrSubTaskNotFound)
	}
	if task.Status != from {
		return nil, fmt.Errorf("sub-task %s/%s is %s, expected %s: %w", job.ID, platform, task.Status, from, core.ErrStatusConflict)
	}
	if !core.ValidSubTaskTransition(from, to) {
		return nil, fmt.Errorf("illegal sub-task transition %s -> %s: %w", from, to, core.ErrIllegalEdge)
	}

	now := time.Now().UTC()
	task.Status = to

	switch to {
	case core.SubTaskAssigned:
		task.Attempt++
		task.WorkerID = payloadString(payload, "worker_id")
		task.StartedAt = nil
		task.CompletedAt = nil
	case core.SubTaskProcessing:
		task.StartedAt = &now
	case core.SubTaskCompleted:
		task.CompletedAt = &now
		task.DurationMS = payloadInt(payload, "duration_ms")
		task.RecordCount = int(payloadInt(payload, "record_count"))
		task.PayloadHash = payloadString(payload, "payload_hash")
	case core.SubTaskFailed:
		task.CompletedAt = &now
		task.DurationMS = payloadInt(payload, "duration_ms")
		// A final failure burns the remaining retry budget so the
		// aggregate below can go terminal. A planned fallback leaves
		// one attempt of budget so the job stays open until the
		// replacement sub-task lands.
		if final, _ := payload["final"].(bool); final {
			task.MaxAttempts = task.Attempt
		} else if planned, _ := payload["fallback_planned"].(bool); planned && task.Attempt >= task.MaxAttempts {
			task.MaxAttempts = task.Attempt + 1
		}
	case core.SubTaskPending:
		// Retry edge: the next attempt starts from a clean slate
		task.WorkerID = ""
		task.StartedAt = nil
		task.CompletedAt = nil
	}

	events := []*core.Event{
		newEvent(job.ID, platform, subTaskEventType(to), string(from), string(to), payload),
	}

	// A rolling-back job keeps its status until the rollback driver
	// finishes it through CompleteJob.
	if job.Status == core.JobStatusRollingBack {
		return events, nil
	}

	agg := aggregateWithRetryBudget(tasks)

	if agg == core.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
		events = append(events, newEvent(job.ID, "", core.EventJobStarted, string(job.Status), string(agg), nil))
	}
	if agg.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
		events = append(events, newEvent(job.ID, "", jobTerminalEventType(agg), string(job.Status), string(agg), nil))
	}
	job.Status = agg

	return events, nil
}

// applyComplete applies an idempotent terminal transition to the job.
func applyComplete(job *core.Job, tasks map[core.Platform]*core.PlatformTask, status core.JobStatus, reason string) ([]*core.Event, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%s is not a terminal job status: %w", status, core.ErrIllegalEdge)
	}
	if job.Status == status {
		return nil, errNoop
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is already %s: %w", job.ID, job.Status, core.ErrJobTerminal)
	}

	// Completion with results requires at least one completed sub-task.
	if status == core.JobStatusCompleted {
		completed := false
		for _, t := range tasks {
			if t.Status == core.SubTaskCompleted {
				completed = true
				break
			}
		}
		if !completed {
			return nil, fmt.Errorf("job %s has no completed sub-task: %w", job.ID, core.ErrIllegalEdge)
		}
	}

	now := time.Now().UTC()
	prev := job.Status
	job.Status = status
	job.CompletedAt = &now
	if status == core.JobStatusFailed {
		job.FailureReason = reason
	}

	payload := map[string]interface{}{}
	if reason != "" {
		payload["reason"] = reason
	}
	return []*core.Event{
		newEvent(job.ID, "", jobTerminalEventType(status), string(prev), string(status), payload),
	}, nil
}

// applyCancel cancels the job and every non-terminal sub-task.
func applyCancel(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
	switch job.Status {
	case core.JobStatusCancelled:
		return nil, errNoop
	case core.JobStatusCompleted, core.JobStatusFailed:
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, core.ErrJobNotCancellable)
	}

	now := time.Now().UTC()
	var events []*core.Event
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		from := t.Status
		t.Status = core.SubTaskCancelled
		t.CompletedAt = &now
		events = append(events, newEvent(job.ID, t.Platform, core.EventSubTaskProgress, string(from), string(core.SubTaskCancelled), nil))
	}

	prev := job.Status
	job.Status = core.JobStatusCancelled
	job.CompletedAt = &now
	events = append(events, newEvent(job.ID, "", core.EventJobCancelled, string(prev), string(core.JobStatusCancelled), nil))
	return events, nil
}

// applyReplace substitutes a failed platform's sub-task with a fresh
// pending sub-task for the fallback platform.
func applyReplace(job *core.Job, tasks map[core.Platform]*core.PlatformTask, failed, fallback core.Platform) (*core.PlatformTask, []*core.Event, error) {
	if job.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, core.ErrJobTerminal)
	}

	old, ok := tasks[failed]
	if !ok {
		return nil, nil, fmt.Errorf("job %s has no sub-task for %s: %w", job.ID, failed, core.ErrSubTaskNotFound)
	}
	if old.Status != core.SubTaskFailed {
		return nil, nil, fmt.Errorf("sub-task %s/%s is %s, expected failed: %w", job.ID, failed, old.Status, core.ErrStatusConflict)
	}
	if _, exists := tasks[fallback]; exists {
		return nil, nil, fmt.Errorf("job %s already targets %s: %w", job.ID, fallback, core.ErrStatusConflict)
	}

	replacement := &core.PlatformTask{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Platform:    fallback,
		Status:      core.SubTaskPending,
		MaxAttempts: old.MaxAttempts,
	}
	delete(tasks, failed)
	tasks[fallback] = replacement

	for i, p := range job.Platforms {
		if p == failed {
			job.Platforms[i] = fallback
		}
	}

	events := []*core.Event{
		newEvent(job.ID, fallback, core.EventFallbackApplied, string(failed), string(fallback), map[string]interface{}{
			"failed_platform":   string(failed),
			"fallback_platform": string(fallback),
		}),
	}
	return replacement, events, nil
}
