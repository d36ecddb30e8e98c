// Package scheduler dispatches jobs across platform adapters.
//
// Submissions enter a bounded priority queue. A dispatcher loop pops the
// highest-priority sub-task, acquires a per-platform concurrency slot and
// hands the attempt to a worker goroutine. Workers drive the sub-task
// state machine through the job store; failures are forwarded to the
// configured FailureHandler (the error engine) which owns all recovery
// decisions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/resilience"
	"github.com/jobriver/jobriver/telemetry"
)

// FailureHandler receives failed attempts. The handler owns the
// processing -> failed transition and all recovery decisions (retry,
// fallback, rollback, escalation).
type FailureHandler interface {
	HandleFailure(ctx context.Context, job *core.Job, task *core.PlatformTask, attemptErr error)
}

// SubmitRequest is a job submission.
type SubmitRequest struct {
	Query     string                 `json:"query"`
	Location  string                 `json:"location,omitempty"`
	Platforms []core.Platform        `json:"platforms,omitempty"`
	Priority  core.Priority          `json:"priority,omitempty"`
	UserTag   string                 `json:"user_tag,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Integrity core.IntegrityOptions  `json:"integrity,omitempty"`
	Deadline  *time.Time             `json:"deadline,omitempty"`
}

// Scheduler is the concurrent dispatch core.
type Scheduler struct {
	config   core.SchedulerConfig
	store    core.JobStore
	registry *registry.Registry
	bus      core.EventBus
	logger   core.Logger

	queue  *intakeQueue
	global chan struct{}

	slotsMu sync.RWMutex
	slots   map[core.Platform]chan struct{}

	breakersMu sync.Mutex
	breakers   map[core.Platform]*resilience.CircuitBreaker

	jobsMu     sync.Mutex
	jobCtxs    map[string]context.Context
	jobCancels map[string]context.CancelFunc

	handlerMu sync.RWMutex
	handler   FailureHandler

	terminalMu   sync.RWMutex
	terminalHook func(job *core.Job)

	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workerSeq atomic.Int64
}

// New creates a scheduler. The bus may be nil; events are then dropped.
func New(config *core.SchedulerConfig, store core.JobStore, reg *registry.Registry, bus core.EventBus, logger core.Logger) *Scheduler {
	if config == nil {
		defaults := core.DefaultConfig().Scheduler
		config = &defaults
	}
	if bus == nil {
		bus = core.NoOpBus{}
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("scheduler")
		}
	}

	return &Scheduler{
		config:     *config,
		store:      store,
		registry:   reg,
		bus:        bus,
		logger:     logger,
		queue:      newIntakeQueue(config.MaxQueueSize),
		global:     make(chan struct{}, config.MaxConcurrentJobs),
		slots:      make(map[core.Platform]chan struct{}),
		breakers:   make(map[core.Platform]*resilience.CircuitBreaker),
		jobCtxs:    make(map[string]context.Context),
		jobCancels: make(map[string]context.CancelFunc),
	}
}

// SetFailureHandler installs the error engine. Without one, failed
// attempts are marked final immediately.
func (s *Scheduler) SetFailureHandler(h FailureHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// SetTerminalHook installs a callback invoked when a job the scheduler
// touched reaches a terminal status.
func (s *Scheduler) SetTerminalHook(hook func(job *core.Job)) {
	s.terminalMu.Lock()
	s.terminalHook = hook
	s.terminalMu.Unlock()
}

// Start launches the dispatcher. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.dispatchLoop(runCtx)

	if s.logger != nil {
		s.logger.Info("Scheduler started", map[string]interface{}{
			"max_concurrent_jobs": s.config.MaxConcurrentJobs,
			"max_queue_size":      s.config.MaxQueueSize,
		})
	}
	return nil
}

// Stop drains in-flight work up to ShutdownTimeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if s.logger != nil {
			s.logger.Info("Scheduler stopped", nil)
		}
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the request, persists the job with one pending
// sub-task per platform and enqueues the sub-tasks for dispatch.
func (s *Scheduler) Submit(ctx context.Context, req *SubmitRequest) (*core.Job, error) {
	if !s.running.Load() {
		return nil, core.ErrSchedulerStopped
	}
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", core.ErrInvalidConfig)
	}

	priority := req.Priority
	if priority == 0 {
		priority = core.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d out of range", core.ErrInvalidConfig, priority)
	}

	region := s.registry.ResolveRegion(req.Query, req.Location)

	platforms := req.Platforms
	if len(platforms) == 0 {
		for _, spec := range s.registry.PlatformsFor(region) {
			platforms = append(platforms, spec.Name)
			if len(platforms) >= s.config.MaxPlatforms {
				break
			}
		}
		if len(platforms) == 0 {
			return nil, fmt.Errorf("region %s: %w", region, core.ErrNoPlatforms)
		}
	} else if err := s.registry.Validate(platforms, region); err != nil {
		return nil, err
	}

	if !s.queue.hasCapacity(len(platforms)) {
		telemetry.Counter("jobriver.scheduler.rejected", "reason", "queue_full")
		return nil, core.ErrQueueFull
	}

	now := time.Now().UTC()
	job := &core.Job{
		ID:          uuid.NewString(),
		Query:       req.Query,
		Location:    req.Location,
		Region:      region,
		Platforms:   platforms,
		Priority:    priority,
		UserTag:     req.UserTag,
		Metadata:    req.Metadata,
		Integrity:   req.Integrity,
		SubmittedAt: now,
		Deadline:    req.Deadline,
	}

	tasks := make([]*core.PlatformTask, 0, len(platforms))
	items := make([]*workItem, 0, len(platforms))
	for _, p := range platforms {
		attempts := 3
		if spec, err := s.registry.Get(p); err == nil && spec.RetryAttempts > 0 {
			attempts = spec.RetryAttempts
		}
		tasks = append(tasks, &core.PlatformTask{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Platform:    p,
			Status:      core.SubTaskPending,
			MaxAttempts: attempts,
		})
		items = append(items, &workItem{
			jobID:       job.ID,
			platform:    p,
			priority:    priority,
			submittedAt: now,
		})
	}

	if err := s.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, err
	}
	s.queue.push(items...)

	telemetry.Counter("jobriver.scheduler.submitted", "region", string(region))
	telemetry.Histogram("jobriver.scheduler.queue_depth", float64(s.queue.depth()))
	s.publish(&core.SyncEvent{
		Type:     core.EventJobCreated,
		JobID:    job.ID,
		Priority: priority,
		Payload: map[string]interface{}{
			"query":     job.Query,
			"region":    string(region),
			"platforms": len(platforms),
		},
	})

	if s.logger != nil {
		s.logger.Info("Job submitted", map[string]interface{}{
			"job_id":    job.ID,
			"region":    string(region),
			"platforms": len(platforms),
			"priority":  int(priority),
		})
	}
	return job, nil
}

// Cancel cancels a job: queued sub-tasks are dropped, in-flight attempts
// see their context cancelled, the store flips everything to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	s.queue.drop(jobID)

	s.jobsMu.Lock()
	if cancel, ok := s.jobCancels[jobID]; ok {
		cancel()
		delete(s.jobCancels, jobID)
		delete(s.jobCtxs, jobID)
	}
	s.jobsMu.Unlock()

	telemetry.Counter("jobriver.scheduler.cancelled")
	s.publish(&core.SyncEvent{
		Type:     core.EventJobCancelled,
		JobID:    jobID,
		Priority: core.PriorityHigh,
	})
	if s.logger != nil {
		s.logger.Info("Job cancelled", map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// Status returns the job and its sub-tasks.
func (s *Scheduler) Status(ctx context.Context, jobID string) (*core.Job, []*core.PlatformTask, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.GetSubTasks(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// NotifyRetry re-enqueues a sub-task whose retry delay elapsed. Called by
// the error engine after it flips the sub-task back to pending.
func (s *Scheduler) NotifyRetry(jobID string, platform core.Platform, priority core.Priority) {
	if !s.running.Load() {
		return
	}
	s.queue.push(&workItem{
		jobID:       jobID,
		platform:    platform,
		priority:    priority,
		submittedAt: time.Now().UTC(),
	})
	telemetry.Counter("jobriver.scheduler.retries_enqueued", "platform", string(platform))
}

// QueueDepth reports the number of queued sub-task attempts.
func (s *Scheduler) QueueDepth() int { return s.queue.depth() }

// ═══════════════════════════════════════════════════════════════════════════
// Dispatch
// ═══════════════════════════════════════════════════════════════════════════

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.signal:
		}

		for {
			item := s.queue.pop()
			if item == nil {
				break
			}

			select {
			case s.global <- struct{}{}:
			case <-ctx.Done():
				return
			}

			s.wg.Add(1)
			go func(item *workItem) {
				defer s.wg.Done()
				defer func() { <-s.global }()
				s.runItem(ctx, item)
			}(item)
		}
	}
}

// platformSlots returns the concurrency semaphore for a platform,
// creating it from the registry capacity on first use.
func (s *Scheduler) platformSlots(platform core.Platform) chan struct{} {
	s.slotsMu.RLock()
	slots, ok := s.slots[platform]
	s.slotsMu.RUnlock()
	if ok {
		return slots
	}

	capacity := 2
	if spec, err := s.registry.Get(platform); err == nil && spec.MaxConcurrentRequests > 0 {
		capacity = spec.MaxConcurrentRequests
	}

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if slots, ok = s.slots[platform]; ok {
		return slots
	}
	slots = make(chan struct{}, capacity)
	s.slots[platform] = slots
	return slots
}

// breakerFor returns the platform's circuit breaker, creating it from
// the registry failure threshold and recovery window on first use.
func (s *Scheduler) breakerFor(platform core.Platform) *resilience.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if breaker, ok := s.breakers[platform]; ok {
		return breaker
	}

	cfg := resilience.DefaultCircuitBreakerConfig(string(platform))
	cfg.Logger = s.logger
	if spec, err := s.registry.Get(platform); err == nil {
		if spec.FailureThreshold > 0 {
			cfg.FailureThreshold = spec.FailureThreshold
		}
		if spec.RecoveryWindowSeconds > 0 {
			cfg.SleepWindow = time.Duration(spec.RecoveryWindowSeconds) * time.Second
		}
	}
	breaker := resilience.NewCircuitBreaker(cfg)
	s.breakers[platform] = breaker
	return breaker
}

// jobContext returns the per-job cancellable context, creating it on
// first use. Cancelling the job aborts every in-flight attempt. The job
// deadline, when set, bounds the whole fan-out.
func (s *Scheduler) jobContext(parent context.Context, job *core.Job) context.Context {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if jobCtx, ok := s.jobCtxs[job.ID]; ok {
		return jobCtx
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if job.Deadline != nil {
		jobCtx, cancel = context.WithDeadline(parent, *job.Deadline)
	} else {
		jobCtx, cancel = context.WithTimeout(parent, s.config.JobTimeout)
	}
	s.jobCtxs[job.ID] = jobCtx
	s.jobCancels[job.ID] = cancel
	return jobCtx
}

func (s *Scheduler) publish(event *core.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, event); err != nil && s.logger != nil {
		s.logger.Debug("Event publish dropped", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

func (s *Scheduler) notifyTerminal(job *core.Job) {
	if job == nil || !job.Status.IsTerminal() {
		return
	}

	s.jobsMu.Lock()
	if cancel, ok := s.jobCancels[job.ID]; ok {
		cancel()
		delete(s.jobCancels, job.ID)
		delete(s.jobCtxs, job.ID)
	}
	s.jobsMu.Unlock()

	s.terminalMu.RLock()
	hook := s.terminalHook
	s.terminalMu.RUnlock()
	if hook != nil {
		hook(job)
	}
}
