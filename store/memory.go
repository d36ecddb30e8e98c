package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobriver/jobriver/core"
)

// MemoryStore is an in-process JobStore for tests and single-node runs.
// Every read returns a copy so callers can never mutate store state.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*core.Job
	tasks   map[string]map[core.Platform]*core.PlatformTask
	events  map[string][]*core.Event
	results map[string][]core.JobRecord
	health  map[core.Platform]*core.PlatformHealth
	reports map[string]*core.IntegrityReport
	system  []*core.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*core.Job),
		tasks:   make(map[string]map[core.Platform]*core.PlatformTask),
		events:  make(map[string][]*core.Event),
		results: make(map[string][]core.JobRecord),
		health:  make(map[core.Platform]*core.PlatformHealth),
		reports: make(map[string]*core.IntegrityReport),
	}
}

func cloneJob(job *core.Job) *core.Job {
	c := *job
	c.Platforms = append([]core.Platform(nil), job.Platforms...)
	if job.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(job.Metadata))
		for k, v := range job.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTask(t *core.PlatformTask) *core.PlatformTask {
	c := *t
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	return &c
}

// CreateJob implements core.JobStore.
func (s *MemoryStore) CreateJob(ctx context.Context, job *core.Job, tasks []*core.PlatformTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, core.ErrJobExists)
	}

	stored := cloneJob(job)
	stored.Status = core.AggregateJobStatus(tasks)
	taskMap := make(map[core.Platform]*core.PlatformTask, len(tasks))
	events := []*core.Event{
		newEvent(job.ID, "", core.EventJobCreated, "", string(stored.Status), map[string]interface{}{
			"query":     job.Query,
			"platforms": len(tasks),
		}),
	}
	for _, t := range tasks {
		taskMap[t.Platform] = cloneTask(t)
		events = append(events, newEvent(job.ID, t.Platform, core.EventSubTaskCreated, "", string(t.Status), nil))
	}

	s.jobs[job.ID] = stored
	s.tasks[job.ID] = taskMap
	s.events[job.ID] = append(s.events[job.ID], events...)
	job.Status = stored.Status
	return nil
}

// GetJob implements core.JobStore.
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs implements core.JobStore.
func (s *MemoryStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var jobs []*core.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.UserTag != "" && job.UserTag != filter.UserTag {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// GetSubTasks implements core.JobStore.
func (s *MemoryStore) GetSubTasks(ctx context.Context, jobID string) ([]*core.PlatformTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taskMap, ok := s.tasks[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	tasks := make([]*core.PlatformTask, 0, len(taskMap))
	for _, t := range taskMap {
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Platform < tasks[j].Platform })
	return tasks, nil
}

// GetSubTask implements core.JobStore.
func (s *MemoryStore) GetSubTask(ctx context.Context, jobID string, platform core.Platform) (*core.PlatformTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taskMap, ok := s.tasks[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	t, ok := taskMap[platform]
	if !ok {
		return nil, fmt.Errorf("job %s has no sub-task for %s: %w", jobID, platform, core.ErrSubTaskNotFound)
	}
	return cloneTask(t), nil
}

// update runs fn against the live job under the write lock and appends
// the events it returns.
func (s *MemoryStore) update(jobID string, fn func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error)) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	events, err := fn(job, s.tasks[jobID])
	if err != nil {
		return nil, err
	}
	s.events[jobID] = append(s.events[jobID], events...)
	return cloneJob(job), nil
}

// TransitionSubTask implements core.JobStore.
func (s *MemoryStore) TransitionSubTask(ctx context.Context, jobID string, platform core.Platform, from, to core.SubTaskStatus, payload map[string]interface{}) (*core.Job, error) {
	return s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyTransition(job, tasks, platform, from, to, payload)
	})
}

// RecordError implements core.JobStore.
func (s *MemoryStore) RecordError(ctx context.Context, rec *core.ErrorRecord) error {
	_, err := s.update(rec.JobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		if t, ok := tasks[rec.Platform]; ok {
			copied := *rec
			t.LastError = &copied
		}
		return []*core.Event{
			newEvent(rec.JobID, rec.Platform, core.EventErrorOccurred, "", "", map[string]interface{}{
				"error_id": rec.ID,
				"category": string(rec.Category),
				"severity": string(rec.Severity),
				"message":  rec.Message,
				"attempt":  rec.Attempt,
			}),
		}, nil
	})
	return err
}

// CompleteJob implements core.JobStore.
func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string, status core.JobStatus, reason string) error {
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyComplete(job, tasks, status, reason)
	})
	if err == errNoop {
		return nil
	}
	return err
}

// CancelJob implements core.JobStore.
func (s *MemoryStore) CancelJob(ctx context.Context, jobID string) error {
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyCancel(job, tasks)
	})
	if err == errNoop {
		return nil
	}
	return err
}

// MarkAttention implements core.JobStore.
func (s *MemoryStore) MarkAttention(ctx context.Context, jobID string) error {
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		if job.RequiresAttention {
			return nil, nil
		}
		job.RequiresAttention = true
		return []*core.Event{newEvent(jobID, "", core.EventNeedsAttention, "", "", nil)}, nil
	})
	return err
}

// MarkRollingBack implements core.JobStore.
func (s *MemoryStore) MarkRollingBack(ctx context.Context, jobID string) error {
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		if job.Status.IsTerminal() {
			return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, core.ErrJobTerminal)
		}
		prev := job.Status
		job.Status = core.JobStatusRollingBack
		return []*core.Event{newEvent(jobID, "", core.EventJobFailed, string(prev), string(core.JobStatusRollingBack), map[string]interface{}{
			"rolling_back": true,
		})}, nil
	})
	return err
}

// ReplaceSubTask implements core.JobStore.
func (s *MemoryStore) ReplaceSubTask(ctx context.Context, jobID string, failed, fallback core.Platform) (*core.PlatformTask, error) {
	var replacement *core.PlatformTask
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		r, events, err := applyReplace(job, tasks, failed, fallback)
		if err != nil {
			return nil, err
		}
		replacement = cloneTask(r)
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

// HidePayloads implements core.JobStore.
func (s *MemoryStore) HidePayloads(ctx context.Context, jobID string) error {
	_, err := s.update(jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		for _, t := range tasks {
			t.PayloadHidden = true
		}
		return nil, nil
	})
	return err
}

// AppendEvent implements core.JobStore.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = newEvent("", "", event.Type, "", "", nil).ID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.JobID == "" {
		s.system = append(s.system, event)
		return nil
	}
	if _, ok := s.jobs[event.JobID]; !ok {
		return fmt.Errorf("job %s: %w", event.JobID, core.ErrJobNotFound)
	}
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return nil
}

// QueryEvents implements core.JobStore.
func (s *MemoryStore) QueryEvents(ctx context.Context, jobID string, cursor, limit int64) ([]*core.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, 0, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	log := s.events[jobID]
	if limit <= 0 {
		limit = defaultListLimit
	}
	if cursor >= int64(len(log)) {
		return nil, 0, nil
	}

	end := cursor + limit
	if end > int64(len(log)) {
		end = int64(len(log))
	}
	page := make([]*core.Event, 0, end-cursor)
	for _, e := range log[cursor:end] {
		copied := *e
		page = append(page, &copied)
	}

	next := end
	if next >= int64(len(log)) {
		next = 0
	}
	return page, next, nil
}

func resultsID(jobID string, platform core.Platform) string {
	return jobID + "/" + string(platform)
}

// SaveResults implements core.JobStore.
func (s *MemoryStore) SaveResults(ctx context.Context, jobID string, platform core.Platform, records []core.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	s.results[resultsID(jobID, platform)] = append([]core.JobRecord(nil), records...)
	return nil
}

// GetResults implements core.JobStore. A rolled-back sub-task keeps its
// payload on record but reads as empty.
func (s *MemoryStore) GetResults(ctx context.Context, jobID string, platform core.Platform) ([]core.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tasks[jobID][platform]; ok && t.PayloadHidden {
		return nil, nil
	}
	records, ok := s.results[resultsID(jobID, platform)]
	if !ok {
		return nil, nil
	}
	return append([]core.JobRecord(nil), records...), nil
}

// UpdateHealth implements core.JobStore.
func (s *MemoryStore) UpdateHealth(ctx context.Context, health *core.PlatformHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *health
	s.health[health.Platform] = &copied
	return nil
}

// GetHealth implements core.JobStore. Platforms with no snapshot yet
// report an idle zero snapshot.
func (s *MemoryStore) GetHealth(ctx context.Context, platform core.Platform) (*core.PlatformHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.health[platform]
	if !ok {
		return &core.PlatformHealth{Platform: platform, Status: core.PlatformIdle}, nil
	}
	copied := *h
	return &copied, nil
}

// ListHealth implements core.JobStore.
func (s *MemoryStore) ListHealth(ctx context.Context) ([]*core.PlatformHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make([]*core.PlatformHealth, 0, len(s.health))
	for _, h := range s.health {
		copied := *h
		snapshots = append(snapshots, &copied)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Platform < snapshots[j].Platform })
	return snapshots, nil
}

// SaveReport implements core.JobStore. Reports are write-once; a second
// save for the same job is a no-op.
func (s *MemoryStore) SaveReport(ctx context.Context, report *core.IntegrityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reports[report.JobID]; exists {
		return nil
	}
	s.reports[report.JobID] = report
	return nil
}

// GetReport implements core.JobStore.
func (s *MemoryStore) GetReport(ctx context.Context, jobID string) (*core.IntegrityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrReportNotFound)
	}
	return report, nil
}

// Ping implements core.JobStore.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
