// Package errorengine classifies sub-task failures and drives recovery:
// delayed retries, platform fallback, job rollback and escalation.
//
// The scheduler hands every failed attempt to HandleFailure. The engine
// owns the processing -> failed transition, so a failure is recorded
// exactly once with the recovery decision already made.
package errorengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/telemetry"
)

// Dispatcher re-admits retried sub-tasks into the scheduler queue.
type Dispatcher interface {
	NotifyRetry(jobID string, platform core.Platform, priority core.Priority)
}

// Config configures the error engine. All fields are optional.
type Config struct {
	// Dispatcher receives retry re-admissions (usually the scheduler)
	Dispatcher Dispatcher

	// Notifier delivers escalation and rollback alerts
	Notifier core.NotificationSender

	// Bus receives error and recovery sync events
	Bus core.EventBus

	// Logger for engine decisions
	Logger core.Logger
}

// Engine is the recovery decision point for failed attempts.
type Engine struct {
	store    core.JobStore
	registry *registry.Registry
	bus      core.EventBus
	notifier core.NotificationSender
	logger   core.Logger

	dispatcherMu sync.RWMutex
	dispatcher   Dispatcher

	terminalMu   sync.RWMutex
	terminalHook func(job *core.Job)

	retries *retryQueue
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an error engine.
func New(store core.JobStore, reg *registry.Registry, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	bus := config.Bus
	if bus == nil {
		bus = core.NoOpBus{}
	}
	logger := config.Logger
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("errorengine")
		}
	}

	return &Engine{
		store:      store,
		registry:   reg,
		bus:        bus,
		notifier:   config.Notifier,
		logger:     logger,
		dispatcher: config.Dispatcher,
		retries:    newRetryQueue(),
	}
}

// SetDispatcher installs the scheduler after construction. Breaks the
// scheduler <-> engine wiring cycle at startup.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcherMu.Lock()
	e.dispatcher = d
	e.dispatcherMu.Unlock()
}

// SetTerminalHook installs a callback invoked when an engine decision
// drives a job to a terminal status.
func (e *Engine) SetTerminalHook(hook func(job *core.Job)) {
	e.terminalMu.Lock()
	e.terminalHook = hook
	e.terminalMu.Unlock()
}

// Start launches the retry drain loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return fmt.Errorf("error engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.drainLoop(runCtx)

	if e.logger != nil {
		e.logger.Info("Error engine started", nil)
	}
	return nil
}

// Stop halts the retry drain loop. Scheduled retries still in the queue
// are lost; their sub-tasks stay failed with remaining budget.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.Swap(false) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryQueueDepth reports the number of waiting retries.
func (e *Engine) RetryQueueDepth() int { return e.retries.depth() }

// HandleFailure implements scheduler.FailureHandler. It classifies the
// failure, records it, and applies the recovery decision.
func (e *Engine) HandleFailure(ctx context.Context, job *core.Job, task *core.PlatformTask, attemptErr error) {
	rec := Classify(attemptErr, job, task)

	if err := e.store.RecordError(ctx, rec); err != nil && e.logger != nil {
		e.logger.Error("Failed to record error", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	telemetry.Counter("jobriver.errors.classified",
		"category", string(rec.Category), "severity", string(rec.Severity))
	e.publish(&core.SyncEvent{
		Type:     core.EventErrorOccurred,
		JobID:    job.ID,
		Platform: task.Platform,
		Priority: job.Priority,
		Payload: map[string]interface{}{
			"category": string(rec.Category),
			"severity": string(rec.Severity),
			"message":  rec.Message,
			"attempt":  rec.Attempt,
		},
	})

	pol := policyFor(rec.Category)
	budget := pol.maxAttempts
	if task.MaxAttempts > 0 && task.MaxAttempts < budget {
		budget = task.MaxAttempts
	}

	if e.logger != nil {
		e.logger.Warn("Attempt failed", map[string]interface{}{
			"job_id":   job.ID,
			"platform": string(task.Platform),
			"category": string(rec.Category),
			"severity": string(rec.Severity),
			"attempt":  task.Attempt,
			"budget":   budget,
		})
	}

	if rec.Severity == core.SeverityCritical && pol.exhausted == actionAbort {
		e.rollback(ctx, job, task, rec)
		return
	}

	if rec.Retryable && pol.retryable && task.Attempt < budget {
		e.scheduleRetry(ctx, job, task, rec, pol)
		return
	}

	switch pol.exhausted {
	case actionFallback:
		e.fallback(ctx, job, task, rec)
	case actionEscalate:
		e.finalFail(ctx, job, task, rec)
		e.escalate(ctx, job, rec)
	case actionAbort:
		e.rollback(ctx, job, task, rec)
	default:
		e.finalFail(ctx, job, task, rec)
		if severityRank(rec.Severity) >= severityRank(core.SeverityHigh) {
			e.escalate(ctx, job, rec)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Recovery actions
// ═══════════════════════════════════════════════════════════════════════════

func (e *Engine) scheduleRetry(ctx context.Context, job *core.Job, task *core.PlatformTask, rec *core.ErrorRecord, pol policy) {
	if _, err := e.store.TransitionSubTask(ctx, job.ID, task.Platform,
		core.SubTaskProcessing, core.SubTaskFailed,
		map[string]interface{}{"error": rec.Message, "category": string(rec.Category)}); err != nil {
		return
	}

	delay := retryDelay(pol, task.Attempt)
	e.retries.schedule(&retryItem{
		readyAt:  time.Now().Add(delay),
		jobID:    job.ID,
		platform: task.Platform,
		priority: job.Priority,
		attempt:  task.Attempt,
	})

	telemetry.Counter("jobriver.errors.retries_scheduled", "category", string(rec.Category))
	e.publish(&core.SyncEvent{
		Type:     core.EventRetryScheduled,
		JobID:    job.ID,
		Platform: task.Platform,
		Priority: job.Priority,
		Payload: map[string]interface{}{
			"attempt":  task.Attempt,
			"delay_ms": delay.Milliseconds(),
		},
	})
	if e.logger != nil {
		e.logger.Info("Retry scheduled", map[string]interface{}{
			"job_id":   job.ID,
			"platform": string(task.Platform),
			"attempt":  task.Attempt,
			"delay":    delay.String(),
		})
	}
}

// finalFail burns the retry budget. The job aggregate may go terminal.
func (e *Engine) finalFail(ctx context.Context, job *core.Job, task *core.PlatformTask, rec *core.ErrorRecord) {
	updated, err := e.store.TransitionSubTask(ctx, job.ID, task.Platform,
		core.SubTaskProcessing, core.SubTaskFailed,
		map[string]interface{}{
			"final":    true,
			"error":    rec.Message,
			"category": string(rec.Category),
		})
	if err != nil {
		return
	}

	telemetry.Counter("jobriver.errors.final_failures", "category", string(rec.Category))
	if updated.Status.IsTerminal() {
		e.publish(&core.SyncEvent{
			Type:     core.EventJobFailed,
			JobID:    job.ID,
			Priority: job.Priority,
			Payload:  map[string]interface{}{"reason": rec.Message},
		})
		e.notifyTerminal(updated)
	}
}

// fallback substitutes the first viable alternative platform; with no
// candidate the failure becomes final.
func (e *Engine) fallback(ctx context.Context, job *core.Job, task *core.PlatformTask, rec *core.ErrorRecord) {
	fallbackPlatform, ok := e.pickFallback(ctx, job)
	if !ok {
		e.finalFail(ctx, job, task, rec)
		return
	}

	if _, err := e.store.TransitionSubTask(ctx, job.ID, task.Platform,
		core.SubTaskProcessing, core.SubTaskFailed,
		map[string]interface{}{"fallback_planned": true, "error": rec.Message}); err != nil {
		return
	}

	replacement, err := e.store.ReplaceSubTask(ctx, job.ID, task.Platform, fallbackPlatform)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("Fallback substitution failed", map[string]interface{}{
				"job_id":   job.ID,
				"failed":   string(task.Platform),
				"fallback": string(fallbackPlatform),
				"error":    err.Error(),
			})
		}
		return
	}

	telemetry.Counter("jobriver.errors.fallbacks",
		"from", string(task.Platform), "to", string(fallbackPlatform))
	e.publish(&core.SyncEvent{
		Type:     core.EventFallbackApplied,
		JobID:    job.ID,
		Platform: fallbackPlatform,
		Priority: job.Priority,
		Payload: map[string]interface{}{
			"failed_platform":   string(task.Platform),
			"fallback_platform": string(fallbackPlatform),
		},
	})
	if e.logger != nil {
		e.logger.Info("Fallback applied", map[string]interface{}{
			"job_id":   job.ID,
			"failed":   string(task.Platform),
			"fallback": string(fallbackPlatform),
		})
	}

	e.dispatcherMu.RLock()
	d := e.dispatcher
	e.dispatcherMu.RUnlock()
	if d != nil {
		d.NotifyRetry(job.ID, replacement.Platform, job.Priority)
	}
}

// pickFallback returns the best-ranked healthy platform covering the
// job's region that the job is not already using.
func (e *Engine) pickFallback(ctx context.Context, job *core.Job) (core.Platform, bool) {
	used := make(map[core.Platform]bool, len(job.Platforms))
	for _, p := range job.Platforms {
		used[p] = true
	}

	for _, spec := range e.registry.PlatformsFor(job.Region) {
		if used[spec.Name] {
			continue
		}
		health, err := e.store.GetHealth(ctx, spec.Name)
		if err == nil {
			recovery := time.Duration(spec.RecoveryWindowSeconds) * time.Second
			if !health.IsHealthy(spec.FailureThreshold, recovery) {
				continue
			}
		}
		return spec.Name, true
	}
	return "", false
}

// rollback aborts the whole job: mark rolling_back, cancel what is still
// open, hide partial payloads and finish failed. The event log survives.
func (e *Engine) rollback(ctx context.Context, job *core.Job, task *core.PlatformTask, rec *core.ErrorRecord) {
	if err := e.store.MarkRollingBack(ctx, job.ID); err != nil {
		if e.logger != nil {
			e.logger.Error("Rollback mark failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		return
	}

	if _, err := e.store.TransitionSubTask(ctx, job.ID, task.Platform,
		core.SubTaskProcessing, core.SubTaskFailed,
		map[string]interface{}{"final": true, "error": rec.Message}); err != nil && e.logger != nil {
		e.logger.Debug("Rollback transition skipped", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}

	tasks, err := e.store.GetSubTasks(ctx, job.ID)
	if err == nil {
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if _, terr := e.store.TransitionSubTask(ctx, job.ID, t.Platform,
				t.Status, core.SubTaskCancelled, nil); terr != nil && e.logger != nil {
				e.logger.Debug("Rollback cancel skipped", map[string]interface{}{
					"job_id":   job.ID,
					"platform": string(t.Platform),
					"error":    terr.Error(),
				})
			}
		}
	}

	if err := e.store.HidePayloads(ctx, job.ID); err != nil && e.logger != nil {
		e.logger.Error("Failed to hide payloads", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}

	reason := fmt.Sprintf("rolled back: %s", rec.Message)
	if err := e.store.CompleteJob(ctx, job.ID, core.JobStatusFailed, reason); err != nil && e.logger != nil {
		e.logger.Error("Rollback completion failed", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}

	telemetry.Counter("jobriver.errors.rollbacks")
	e.publish(&core.SyncEvent{
		Type:     core.EventJobFailed,
		JobID:    job.ID,
		Priority: core.PriorityHigh,
		Payload:  map[string]interface{}{"reason": reason, "rolled_back": true},
	})
	e.sendAlert(ctx, job, rec, "job_rolled_back",
		fmt.Sprintf("Job %s rolled back", job.ID),
		fmt.Sprintf("Job %s was rolled back after a critical %s error on %s: %s",
			job.ID, rec.Category, rec.Platform, rec.Message))

	if updated, gerr := e.store.GetJob(ctx, job.ID); gerr == nil {
		e.notifyTerminal(updated)
	}
}

// escalate flags the job for manual intervention and pushes a
// high-priority alert.
func (e *Engine) escalate(ctx context.Context, job *core.Job, rec *core.ErrorRecord) {
	if err := e.store.MarkAttention(ctx, job.ID); err != nil && e.logger != nil {
		e.logger.Error("Failed to mark attention", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}

	telemetry.Counter("jobriver.errors.escalations", "category", string(rec.Category))
	e.publish(&core.SyncEvent{
		Type:     core.EventNeedsAttention,
		JobID:    job.ID,
		Platform: rec.Platform,
		Priority: core.PriorityUrgent,
		Payload: map[string]interface{}{
			"category": string(rec.Category),
			"severity": string(rec.Severity),
			"message":  rec.Message,
		},
	})
	e.sendAlert(ctx, job, rec, "error_escalation",
		fmt.Sprintf("Job %s needs attention", job.ID),
		fmt.Sprintf("Platform %s failed with %s/%s: %s",
			rec.Platform, rec.Category, rec.Severity, rec.Message))
}

func (e *Engine) sendAlert(ctx context.Context, job *core.Job, rec *core.ErrorRecord, kind, subject, body string) {
	if e.notifier == nil {
		return
	}
	_, err := e.notifier.Send(ctx, &core.NotificationRequest{
		Type:     kind,
		Priority: core.NotifyUrgent,
		Subject:  subject,
		Body:     body,
		Severity: rec.Severity,
		JobID:    job.ID,
		ErrorID:  rec.ID,
		Channels: core.ChannelsForSeverity(rec.Severity),
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("Alert delivery rejected", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Retry drain loop
// ═══════════════════════════════════════════════════════════════════════════

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		ready, wait := e.retries.nextReady(time.Now())
		for _, item := range ready {
			e.fireRetry(ctx, item)
		}

		if wait <= 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-e.retries.wake:
		case <-timer.C:
		}
	}
}

// fireRetry flips the sub-task back to pending and re-admits it. A lost
// CAS means the job moved on (cancelled or rolled back); the retry is
// dropped silently.
func (e *Engine) fireRetry(ctx context.Context, item *retryItem) {
	if _, err := e.store.TransitionSubTask(ctx, item.jobID, item.platform,
		core.SubTaskFailed, core.SubTaskPending, nil); err != nil {
		if e.logger != nil {
			e.logger.Debug("Retry dropped", map[string]interface{}{
				"job_id":   item.jobID,
				"platform": string(item.platform),
				"reason":   err.Error(),
			})
		}
		return
	}

	telemetry.Counter("jobriver.errors.retries_fired", "platform", string(item.platform))
	e.dispatcherMu.RLock()
	d := e.dispatcher
	e.dispatcherMu.RUnlock()
	if d != nil {
		d.NotifyRetry(item.jobID, item.platform, item.priority)
	}
}

func (e *Engine) publish(event *core.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, event); err != nil && e.logger != nil {
		e.logger.Debug("Event publish dropped", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

func (e *Engine) notifyTerminal(job *core.Job) {
	if job == nil || !job.Status.IsTerminal() {
		return
	}
	e.terminalMu.RLock()
	hook := e.terminalHook
	e.terminalMu.RUnlock()
	if hook != nil {
		hook(job)
	}
}
