package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/telemetry"
)

// runItem executes one sub-task attempt: slot acquisition, state machine
// transitions, the adapter call and the success/failure bookkeeping.
func (s *Scheduler) runItem(ctx context.Context, item *workItem) {
	job, err := s.store.GetJob(ctx, item.jobID)
	if err != nil {
		if s.logger != nil && !core.IsNotFound(err) {
			s.logger.Error("Failed to load job for dispatch", map[string]interface{}{
				"job_id": item.jobID,
				"error":  err.Error(),
			})
		}
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	slots := s.platformSlots(item.platform)
	select {
	case slots <- struct{}{}:
	case <-time.After(s.config.SlotWaitTimeout):
		// Platform saturated: yield the slot wait and requeue so other
		// platforms keep flowing
		s.queue.push(item)
		telemetry.Counter("jobriver.scheduler.slot_timeouts", "platform", string(item.platform))
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-slots }()

	workerID := fmt.Sprintf("worker-%d", s.workerSeq.Add(1))
	jobCtx := s.jobContext(ctx, job)
	s.executeAttempt(jobCtx, workerID, job, item)
}

func (s *Scheduler) executeAttempt(ctx context.Context, workerID string, job *core.Job, item *workItem) {
	updated, err := s.store.TransitionSubTask(ctx, item.jobID, item.platform,
		core.SubTaskPending, core.SubTaskAssigned,
		map[string]interface{}{"worker_id": workerID})
	if err != nil {
		// Stale item: the sub-task moved on (cancelled, replaced or
		// already picked up)
		if s.logger != nil {
			s.logger.Debug("Dispatch skipped", map[string]interface{}{
				"job_id":   item.jobID,
				"platform": string(item.platform),
				"reason":   err.Error(),
			})
		}
		return
	}

	updated, err = s.store.TransitionSubTask(ctx, item.jobID, item.platform,
		core.SubTaskAssigned, core.SubTaskProcessing, nil)
	if err != nil {
		return
	}
	s.publish(&core.SyncEvent{
		Type:     core.EventSubTaskStarted,
		JobID:    item.jobID,
		Platform: item.platform,
		Priority: item.priority,
	})

	breaker := s.breakerFor(item.platform)
	if !breaker.CanExecute() {
		telemetry.Counter("jobriver.scheduler.circuit_rejected", "platform", string(item.platform))
		s.failAttempt(ctx, job, item, &core.AdapterError{
			Category:  core.CategoryPlatform,
			Message:   fmt.Sprintf("circuit breaker open for %s", item.platform),
			Retryable: true,
		})
		return
	}

	start := time.Now()
	progressDone := make(chan struct{})
	s.wg.Add(1)
	go s.reportProgress(item, start, progressDone)

	result, attemptErr := s.callAdapter(ctx, job, item.platform)
	close(progressDone)
	elapsed := time.Since(start)

	if attemptErr != nil {
		breaker.RecordFailure()
		s.recordHealth(item.platform, false, elapsed)
		telemetry.Counter("jobriver.scheduler.attempts", "platform", string(item.platform), "outcome", "failure")
		s.failAttempt(ctx, job, item, attemptErr)
		return
	}

	breaker.RecordSuccess()
	s.recordHealth(item.platform, true, elapsed)
	telemetry.Counter("jobriver.scheduler.attempts", "platform", string(item.platform), "outcome", "success")
	telemetry.Duration("jobriver.scheduler.attempt_duration", start, "platform", string(item.platform))

	if err := s.store.SaveResults(ctx, item.jobID, item.platform, result.Records); err != nil {
		s.failAttempt(ctx, job, item, core.NewOrchestratorError("store.SaveResults", "store", err))
		return
	}

	updated, err = s.store.TransitionSubTask(ctx, item.jobID, item.platform,
		core.SubTaskProcessing, core.SubTaskCompleted,
		map[string]interface{}{
			"record_count": len(result.Records),
			"duration_ms":  elapsed.Milliseconds(),
			"payload_hash": hashRecords(result.Records),
		})
	if err != nil {
		if s.logger != nil && !core.IsConflict(err) {
			s.logger.Error("Completion transition failed", map[string]interface{}{
				"job_id":   item.jobID,
				"platform": string(item.platform),
				"error":    err.Error(),
			})
		}
		return
	}

	s.publish(&core.SyncEvent{
		Type:     core.EventSubTaskCompleted,
		JobID:    item.jobID,
		Platform: item.platform,
		Priority: item.priority,
		Payload: map[string]interface{}{
			"record_count": len(result.Records),
			"duration_ms":  elapsed.Milliseconds(),
		},
	})
	if updated.Status.IsTerminal() {
		s.publish(&core.SyncEvent{
			Type:     core.EventJobCompleted,
			JobID:    item.jobID,
			Priority: item.priority,
		})
		s.notifyTerminal(updated)
	}
}

// progressInterval is the heartbeat period for long-running attempts.
const progressInterval = 5 * time.Second

// reportProgress emits a liveness heartbeat while an adapter call is in
// flight so subscribers can distinguish slow from stuck.
func (s *Scheduler) reportProgress(item *workItem, start time.Time, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.publish(&core.SyncEvent{
				Type:     core.EventSubTaskProgress,
				JobID:    item.jobID,
				Platform: item.platform,
				Priority: core.PriorityLow,
				TTL:      progressInterval,
				Payload: map[string]interface{}{
					"elapsed_ms": time.Since(start).Milliseconds(),
				},
			})
		}
	}
}

// callAdapter runs the adapter with the platform timeout and panic
// recovery. A panicking adapter surfaces as a system error, never as a
// crashed worker.
func (s *Scheduler) callAdapter(ctx context.Context, job *core.Job, platform core.Platform) (result *core.SearchResult, err error) {
	adapter, ok := s.registry.Adapter(platform)
	if !ok {
		return nil, &core.AdapterError{
			Category:  core.CategorySystem,
			Message:   fmt.Sprintf("no adapter registered for %s", platform),
			Retryable: false,
		}
	}

	spec, specErr := s.registry.Get(platform)
	timeout := 30 * time.Second
	if specErr == nil && spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	if specErr == nil {
		health, herr := s.store.GetHealth(ctx, platform)
		recovery := time.Duration(spec.RecoveryWindowSeconds) * time.Second
		if herr == nil && !health.IsHealthy(spec.FailureThreshold, recovery) {
			return nil, &core.AdapterError{
				Category:  core.CategoryPlatform,
				Message:   fmt.Sprintf("platform %s unhealthy (%d consecutive failures)", platform, health.ConsecutiveFailures),
				Retryable: true,
			}
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if s.logger != nil {
				s.logger.Error("Adapter panicked", map[string]interface{}{
					"platform": string(platform),
					"panic":    fmt.Sprintf("%v", r),
					"stack":    stack,
				})
			}
			result = nil
			err = &core.AdapterError{
				Category:  core.CategorySystem,
				Message:   fmt.Sprintf("adapter panic: %v", r),
				Retryable: false,
			}
		}
	}()

	result, err = adapter.Search(attemptCtx, job.Query, job.Location, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &core.AdapterError{
				Category:  core.CategoryTimeout,
				Message:   fmt.Sprintf("adapter timed out after %s", timeout),
				Retryable: true,
			}
		}
		return nil, err
	}
	if result == nil {
		result = &core.SearchResult{}
	}
	return result, nil
}

// failAttempt routes a failed attempt to the error engine. Without a
// handler the failure is final.
func (s *Scheduler) failAttempt(ctx context.Context, job *core.Job, item *workItem, attemptErr error) {
	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()

	task, err := s.store.GetSubTask(ctx, item.jobID, item.platform)
	if err != nil {
		return
	}

	s.publish(&core.SyncEvent{
		Type:     core.EventSubTaskFailed,
		JobID:    item.jobID,
		Platform: item.platform,
		Priority: item.priority,
		Payload: map[string]interface{}{
			"attempt": task.Attempt,
			"error":   attemptErr.Error(),
		},
	})

	if handler != nil {
		handler.HandleFailure(ctx, job, task, attemptErr)
		return
	}

	updated, terr := s.store.TransitionSubTask(ctx, item.jobID, item.platform,
		core.SubTaskProcessing, core.SubTaskFailed,
		map[string]interface{}{"final": true, "error": attemptErr.Error()})
	if terr != nil {
		return
	}
	if updated.Status.IsTerminal() {
		s.notifyTerminal(updated)
	}
}

// recordHealth folds one attempt outcome into the platform's rolling
// health snapshot.
func (s *Scheduler) recordHealth(platform core.Platform, success bool, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	health, err := s.store.GetHealth(ctx, platform)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	health.TotalAttempts++
	if success {
		health.TotalSuccesses++
		health.ConsecutiveFailures = 0
		health.LastSuccess = &now
	} else {
		health.ConsecutiveFailures++
		health.LastFailure = &now
	}
	health.SuccessRate = float64(health.TotalSuccesses) / float64(health.TotalAttempts)

	n := float64(health.TotalAttempts)
	health.AvgResponseMS = health.AvgResponseMS*(n-1)/n + float64(elapsed.Milliseconds())/n

	slots := s.platformSlots(platform)
	health.CurrentLoad = len(slots)
	health.Capacity = cap(slots)

	threshold := 5
	if spec, serr := s.registry.Get(platform); serr == nil {
		threshold = spec.FailureThreshold
	}
	switch {
	case health.ConsecutiveFailures >= threshold:
		health.Status = core.PlatformError
	case health.CurrentLoad >= health.Capacity:
		health.Status = core.PlatformBusy
	case health.CurrentLoad > 0:
		health.Status = core.PlatformActive
	default:
		health.Status = core.PlatformIdle
	}

	if err := s.store.UpdateHealth(ctx, health); err != nil && s.logger != nil {
		s.logger.Debug("Health update failed", map[string]interface{}{
			"platform": string(platform),
			"error":    err.Error(),
		})
	}
}

// hashRecords produces a deterministic digest of the result payload.
func hashRecords(records []core.JobRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
