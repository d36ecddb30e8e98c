// Package coordinator is the assembly point of the orchestration core.
//
// The Coordinator wires the scheduler, error engine, integrity engine,
// sync bus and notifier together, keeps a small read cache of in-flight
// jobs, and runs the periodic health check. The HTTP surface in api.go
// is a thin layer over its methods.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/errorengine"
	"github.com/jobriver/jobriver/integrity"
	"github.com/jobriver/jobriver/notify"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/resilience"
	"github.com/jobriver/jobriver/scheduler"
	"github.com/jobriver/jobriver/syncbus"
	"github.com/jobriver/jobriver/telemetry"
)

// Config carries the coordinator's dependencies. Store, Registry,
// Scheduler, Errors and Integrity are required; Bus and Notifier are
// optional and degrade to no-ops.
type Config struct {
	Store     core.JobStore
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Errors    *errorengine.Engine
	Integrity *integrity.Engine

	// Bus receives lifecycle events; nil disables live push
	Bus *syncbus.Bus

	// Notifier delivers completion and health notifications
	Notifier core.NotificationSender

	// Logger for coordinator decisions
	Logger core.Logger

	// HealthCheckInterval is the health loop period. Default: 30s
	HealthCheckInterval time.Duration

	// ErrorRateThreshold triggers a global health alert. Default: 0.10
	ErrorRateThreshold float64

	// AlertCooldown suppresses repeated alerts for the same condition.
	// Default: 10m
	AlertCooldown time.Duration
}

// JobStatus is the full status view of one job.
type JobStatus struct {
	Job    *core.Job             `json:"job"`
	Tasks  []*core.PlatformTask  `json:"tasks"`
	Report *core.IntegrityReport `json:"report,omitempty"`
}

// HealthReport is the GetHealth snapshot.
type HealthReport struct {
	Status          string                 `json:"status"`
	Storage         string                 `json:"storage"`
	QueueDepth      int                    `json:"queue_depth"`
	RetryQueueDepth int                    `json:"retry_queue_depth"`
	ActiveJobs      int                    `json:"active_jobs"`
	GlobalErrorRate float64                `json:"global_error_rate"`
	Platforms       []*core.PlatformHealth `json:"platforms"`
	Bus             *syncbus.Stats         `json:"bus,omitempty"`
	Notifier        *notify.Stats          `json:"notifier,omitempty"`
	CheckedAt       time.Time              `json:"checked_at"`
}

// Coordinator is the façade over the orchestration components.
type Coordinator struct {
	store     core.JobStore
	registry  *registry.Registry
	sched     *scheduler.Scheduler
	errors    *errorengine.Engine
	integrity *integrity.Engine
	bus       *syncbus.Bus
	events    core.EventBus
	notifier  core.NotificationSender
	logger    core.Logger

	healthInterval time.Duration
	errorThreshold float64
	alertCooldown  time.Duration

	cacheMu sync.RWMutex
	cache   map[string]*core.Job

	alertMu    sync.Mutex
	lastAlerts map[string]time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator and wires the cross-component callbacks:
// the scheduler forwards failures to the error engine, the engine
// re-admits retries through the scheduler, and both report terminal
// jobs back to the coordinator.
func New(config *Config) *Coordinator {
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.ErrorRateThreshold <= 0 {
		config.ErrorRateThreshold = 0.10
	}
	if config.AlertCooldown <= 0 {
		config.AlertCooldown = 10 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("coordinator")
	}

	var events core.EventBus = core.NoOpBus{}
	if config.Bus != nil {
		events = config.Bus
	}

	c := &Coordinator{
		store:          config.Store,
		registry:       config.Registry,
		sched:          config.Scheduler,
		errors:         config.Errors,
		integrity:      config.Integrity,
		bus:            config.Bus,
		events:         events,
		notifier:       config.Notifier,
		logger:         logger,
		healthInterval: config.HealthCheckInterval,
		errorThreshold: config.ErrorRateThreshold,
		alertCooldown:  config.AlertCooldown,
		cache:          make(map[string]*core.Job),
		lastAlerts:     make(map[string]time.Time),
	}

	c.sched.SetFailureHandler(c.errors)
	c.errors.SetDispatcher(c.sched)
	c.sched.SetTerminalHook(c.onTerminal)
	c.errors.SetTerminalHook(c.onTerminal)
	return c
}

// Start launches the error engine, the scheduler and the health loop.
// The sync bus and notifier have their own lifecycles and are started
// by the process entry point.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return fmt.Errorf("coordinator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.errors.Start(runCtx); err != nil {
		return err
	}
	if err := c.sched.Start(runCtx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.healthLoop(runCtx)

	if c.logger != nil {
		c.logger.Info("Coordinator started", map[string]interface{}{
			"health_interval": c.healthInterval.String(),
		})
	}
	return nil
}

// Stop shuts components down in reverse dependency order: scheduler
// first so no new failures reach the engine, then the engine, then the
// health loop.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.Swap(false) {
		return nil
	}

	if err := c.sched.Stop(ctx); err != nil && c.logger != nil {
		c.logger.Warn("Scheduler stop", map[string]interface{}{"error": err.Error()})
	}
	if err := c.errors.Stop(ctx); err != nil && c.logger != nil {
		c.logger.Warn("Error engine stop", map[string]interface{}{"error": err.Error()})
	}

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if c.logger != nil {
			c.logger.Info("Coordinator stopped", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitJob delegates to the scheduler and caches the accepted job.
func (c *Coordinator) SubmitJob(ctx context.Context, req *scheduler.SubmitRequest) (*core.Job, error) {
	job, err := c.sched.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cache[job.ID] = job
	c.cacheMu.Unlock()
	return job, nil
}

// GetStatus returns the job, its sub-tasks and the integrity report when
// one exists.
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, tasks, err := c.sched.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{Job: job, Tasks: tasks}
	if report, err := c.store.GetReport(ctx, jobID); err == nil {
		status.Report = report
	}
	return status, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	return c.store.ListJobs(ctx, filter)
}

// Events returns a page of the job's event log.
func (c *Coordinator) Events(ctx context.Context, jobID string, cursor, limit int64) ([]*core.Event, int64, error) {
	return c.store.QueryEvents(ctx, jobID, cursor, limit)
}

// Cancel cancels a job and evicts it from the read cache.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	if err := c.sched.Cancel(ctx, jobID); err != nil {
		return err
	}
	c.evict(jobID)
	return nil
}

// ActiveJobs returns the cached in-flight jobs.
func (c *Coordinator) ActiveJobs() []*core.Job {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	jobs := make([]*core.Job, 0, len(c.cache))
	for _, job := range c.cache {
		jobs = append(jobs, job)
	}
	return jobs
}

// GetHealth returns the current health snapshot.
func (c *Coordinator) GetHealth(ctx context.Context) *HealthReport {
	return c.snapshot(ctx)
}

func (c *Coordinator) evict(jobID string) {
	c.cacheMu.Lock()
	delete(c.cache, jobID)
	c.cacheMu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// Terminal job handling
// ═══════════════════════════════════════════════════════════════════════════

// onTerminal runs when the scheduler or the error engine drives a job to
// a terminal status. Integrity and notification run off the hot path.
func (c *Coordinator) onTerminal(job *core.Job) {
	c.evict(job.ID)
	if !c.running.Load() {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.finalize(ctx, job)
	}()
}

func (c *Coordinator) finalize(ctx context.Context, job *core.Job) {
	telemetry.Counter("jobriver.coordinator.terminal", "status", string(job.Status))

	var report *core.IntegrityReport
	if job.Integrity.Enabled && job.Status == core.JobStatusCompleted {
		// Storage hiccups should not cost the job its report
		err := resilience.Retry(ctx, nil, func() error {
			var rerr error
			report, rerr = c.integrity.Run(ctx, job.ID)
			return rerr
		})
		if err != nil {
			if c.logger != nil {
				c.logger.Error("Integrity run failed", map[string]interface{}{
					"job_id": job.ID,
					"error":  err.Error(),
				})
			}
		} else {
			c.publish(&core.SyncEvent{
				Type:     core.EventIntegrityReady,
				JobID:    job.ID,
				Priority: job.Priority,
				Payload: map[string]interface{}{
					"passed":  report.Passed,
					"overall": report.Final.Overall,
					"records": len(report.Records),
				},
			})
		}
	}

	c.notifyTerminal(ctx, job, report)
}

// notifyTerminal sends the completion or failure notification. Cancelled
// jobs are user-initiated and stay quiet.
func (c *Coordinator) notifyTerminal(ctx context.Context, job *core.Job, report *core.IntegrityReport) {
	if c.notifier == nil {
		return
	}

	var req *core.NotificationRequest
	switch job.Status {
	case core.JobStatusCompleted:
		vars := map[string]string{
			"job_id":         job.ID,
			"query":          job.Query,
			"record_count":   "0",
			"platform_count": strconv.Itoa(len(job.Platforms)),
			"quality_level":  "unscored",
		}
		if report != nil {
			vars["record_count"] = strconv.Itoa(len(report.Records))
			vars["platform_count"] = strconv.Itoa(len(report.Platforms))
			vars["quality_level"] = string(report.Final.Level)
		} else if count, ok := c.countResults(ctx, job); ok {
			vars["record_count"] = strconv.Itoa(count)
		}
		req = &core.NotificationRequest{
			Type:       "job_completed",
			TemplateID: "job_completed",
			Priority:   core.NotifyLow,
			Channels:   []core.NotificationChannel{core.ChannelLog, core.ChannelWebhook},
			JobID:      job.ID,
			Vars:       vars,
		}
	case core.JobStatusFailed:
		req = &core.NotificationRequest{
			Type:       "job_failed",
			TemplateID: "job_failed",
			Priority:   core.NotifyHigh,
			Channels:   []core.NotificationChannel{core.ChannelLog, core.ChannelWebhook, core.ChannelEmail},
			JobID:      job.ID,
			Vars: map[string]string{
				"job_id": job.ID,
				"query":  job.Query,
				"reason": job.FailureReason,
			},
		}
	default:
		return
	}

	if _, err := c.notifier.Send(ctx, req); err != nil && c.logger != nil {
		c.logger.Warn("Terminal notification rejected", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// countResults sums stored records across completed platforms when no
// integrity report is available.
func (c *Coordinator) countResults(ctx context.Context, job *core.Job) (int, bool) {
	tasks, err := c.store.GetSubTasks(ctx, job.ID)
	if err != nil {
		return 0, false
	}
	total := 0
	for _, task := range tasks {
		if task.Status != core.SubTaskCompleted {
			continue
		}
		records, err := c.store.GetResults(ctx, job.ID, task.Platform)
		if err != nil {
			continue
		}
		total += len(records)
	}
	return total, true
}

// ═══════════════════════════════════════════════════════════════════════════
// Health loop
// ═══════════════════════════════════════════════════════════════════════════

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Coordinator) snapshot(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:          "ok",
		Storage:         "ok",
		QueueDepth:      c.sched.QueueDepth(),
		RetryQueueDepth: c.errors.RetryQueueDepth(),
		CheckedAt:       time.Now().UTC(),
	}

	c.cacheMu.RLock()
	report.ActiveJobs = len(c.cache)
	c.cacheMu.RUnlock()

	if err := c.store.Ping(ctx); err != nil {
		report.Storage = err.Error()
		report.Status = "degraded"
	}

	if healths, err := c.store.ListHealth(ctx); err == nil {
		report.Platforms = healths

		var attempts, successes int64
		for _, h := range healths {
			attempts += h.TotalAttempts
			successes += h.TotalSuccesses
		}
		if attempts > 0 {
			report.GlobalErrorRate = 1 - float64(successes)/float64(attempts)
		}
		if report.GlobalErrorRate > c.errorThreshold {
			report.Status = "degraded"
		}
	}

	if c.bus != nil {
		stats := c.bus.Stats()
		report.Bus = &stats
	}
	if n, ok := c.notifier.(*notify.Notifier); ok && n != nil {
		stats := n.Stats()
		report.Notifier = &stats
	}
	return report
}

// checkHealth takes a snapshot and raises alerts on threshold breaches.
// Each distinct condition alerts at most once per cooldown window.
func (c *Coordinator) checkHealth(ctx context.Context) {
	report := c.snapshot(ctx)

	telemetry.Histogram("jobriver.coordinator.error_rate", report.GlobalErrorRate)
	telemetry.Histogram("jobriver.coordinator.queue_depth", float64(report.QueueDepth))

	if report.Storage != "ok" {
		c.alert(ctx, "storage", &core.NotificationRequest{
			Type:     "health_alert",
			Priority: core.NotifyCritical,
			Severity: core.SeverityCritical,
			Subject:  "Job store unreachable",
			Body:     fmt.Sprintf("Storage ping failed: %s", report.Storage),
		}, map[string]interface{}{"storage": report.Storage})
	}

	if report.GlobalErrorRate > c.errorThreshold {
		c.alert(ctx, "error_rate", &core.NotificationRequest{
			Type:     "health_alert",
			Priority: core.NotifyHigh,
			Severity: core.SeverityHigh,
			Subject:  "Global error rate elevated",
			Body: fmt.Sprintf("Error rate %.1f%% exceeds the %.0f%% threshold.",
				report.GlobalErrorRate*100, c.errorThreshold*100),
		}, map[string]interface{}{"error_rate": report.GlobalErrorRate})
	}

	for _, h := range report.Platforms {
		spec, err := c.registry.Get(h.Platform)
		if err != nil {
			continue
		}
		recovery := time.Duration(spec.RecoveryWindowSeconds) * time.Second
		if h.IsHealthy(spec.FailureThreshold, recovery) {
			continue
		}
		c.alert(ctx, "platform:"+string(h.Platform), &core.NotificationRequest{
			Type:       "health_alert",
			TemplateID: "health_alert",
			Priority:   core.NotifyHigh,
			Severity:   core.SeverityHigh,
			Vars: map[string]string{
				"platform":             string(h.Platform),
				"error_rate":           fmt.Sprintf("%.1f%%", (1-h.SuccessRate)*100),
				"consecutive_failures": strconv.Itoa(h.ConsecutiveFailures),
			},
		}, map[string]interface{}{
			"platform":             string(h.Platform),
			"consecutive_failures": h.ConsecutiveFailures,
		})
	}
}

func (c *Coordinator) alert(ctx context.Context, key string, req *core.NotificationRequest, payload map[string]interface{}) {
	c.alertMu.Lock()
	last, seen := c.lastAlerts[key]
	now := time.Now()
	if seen && now.Sub(last) < c.alertCooldown {
		c.alertMu.Unlock()
		return
	}
	c.lastAlerts[key] = now
	c.alertMu.Unlock()

	telemetry.Counter("jobriver.coordinator.alerts", "condition", key)
	payload["condition"] = key
	c.publish(&core.SyncEvent{
		Type:     core.EventHealthAlert,
		Priority: core.PriorityUrgent,
		Payload:  payload,
	})

	if c.notifier != nil {
		if _, err := c.notifier.Send(ctx, req); err != nil && c.logger != nil {
			c.logger.Warn("Health alert rejected", map[string]interface{}{
				"condition": key,
				"error":     err.Error(),
			})
		}
	}

	if c.logger != nil {
		c.logger.Warn("Health alert raised", map[string]interface{}{"condition": key})
	}
}

func (c *Coordinator) publish(event *core.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, event); err != nil && c.logger != nil {
		c.logger.Debug("Event publish dropped", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}
