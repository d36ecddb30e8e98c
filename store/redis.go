package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/telemetry"
)

// casRetries bounds optimistic-concurrency retries on WATCH conflicts.
const casRetries = 5

// RedisStore implements core.JobStore on Redis.
//
// Key layout (all under the configured prefix):
//
//	{prefix}:job:{id}               job JSON
//	{prefix}:job:{id}:tasks         hash platform -> sub-task JSON
//	{prefix}:job:{id}:events        list of event JSON (append-only)
//	{prefix}:job:{id}:results:{p}   result records JSON
//	{prefix}:job:{id}:report        integrity report JSON (write-once)
//	{prefix}:jobs                   zset of job IDs scored by submit time
//	{prefix}:health:{p}             platform health JSON
//	{prefix}:health                 set of platforms with a snapshot
//	{prefix}:events:system          list of infrastructure event JSON
//
// Job mutations run inside WATCH/MULTI so the CAS transition semantics
// hold across concurrent workers.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(cfg *core.RedisConfig, logger core.Logger) (*RedisStore, error) {
	if cfg == nil {
		defaults := core.DefaultConfig().Redis
		cfg = &defaults
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("store")
		}
	}

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// NewRedisStoreWithClient wraps an already-connected client. Used by
// tests running against miniredis.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger core.Logger) *RedisStore {
	if prefix == "" {
		prefix = core.DefaultConfig().Redis.KeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) jobKey(id string) string    { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *RedisStore) tasksKey(id string) string  { return fmt.Sprintf("%s:job:%s:tasks", s.prefix, id) }
func (s *RedisStore) eventsKey(id string) string { return fmt.Sprintf("%s:job:%s:events", s.prefix, id) }
func (s *RedisStore) reportKey(id string) string { return fmt.Sprintf("%s:job:%s:report", s.prefix, id) }
func (s *RedisStore) resultsKey(id string, p core.Platform) string {
	return fmt.Sprintf("%s:job:%s:results:%s", s.prefix, id, p)
}
func (s *RedisStore) indexKey() string       { return s.prefix + ":jobs" }
func (s *RedisStore) healthIndexKey() string { return s.prefix + ":health" }
func (s *RedisStore) healthKey(p core.Platform) string {
	return fmt.Sprintf("%s:health:%s", s.prefix, p)
}
func (s *RedisStore) systemEventsKey() string { return s.prefix + ":events:system" }

// ═══════════════════════════════════════════════════════════════════════════
// Creation and reads
// ═══════════════════════════════════════════════════════════════════════════

// CreateJob implements core.JobStore.
func (s *RedisStore) CreateJob(ctx context.Context, job *core.Job, tasks []*core.PlatformTask) error {
	start := time.Now()
	job.Status = core.AggregateJobStatus(tasks)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, core.ErrJobExists)
	}

	events := []*core.Event{
		newEvent(job.ID, "", core.EventJobCreated, "", string(job.Status), map[string]interface{}{
			"query":     job.Query,
			"platforms": len(tasks),
		}),
	}
	for _, t := range tasks {
		events = append(events, newEvent(job.ID, t.Platform, core.EventSubTaskCreated, "", string(t.Status), nil))
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tasks {
			td, merr := json.Marshal(t)
			if merr != nil {
				return merr
			}
			pipe.HSet(ctx, s.tasksKey(job.ID), string(t.Platform), td)
		}
		for _, e := range events {
			ed, merr := json.Marshal(e)
			if merr != nil {
				return merr
			}
			pipe.RPush(ctx, s.eventsKey(job.ID), ed)
		}
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(job.SubmittedAt.UnixNano()),
			Member: job.ID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.tasksKey(job.ID), s.ttl)
			pipe.Expire(ctx, s.eventsKey(job.ID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}

	s.emit(ctx, "create_job", start, nil)
	return nil
}

// GetJob implements core.JobStore.
func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	var job core.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs implements core.JobStore.
func (s *RedisStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var jobs []*core.Job
	for _, id := range ids {
		if len(jobs) >= limit {
			break
		}
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			// Expired entry still in the index
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.UserTag != "" && job.UserTag != filter.UserTag {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) loadTasks(ctx context.Context, c redis.Cmdable, jobID string) (map[core.Platform]*core.PlatformTask, error) {
	raw, err := c.HGetAll(ctx, s.tasksKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-tasks of %s: %w", jobID, err)
	}
	tasks := make(map[core.Platform]*core.PlatformTask, len(raw))
	for platform, data := range raw {
		var t core.PlatformTask
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sub-task %s/%s: %w", jobID, platform, err)
		}
		tasks[core.Platform(platform)] = &t
	}
	return tasks, nil
}

// GetSubTasks implements core.JobStore.
func (s *RedisStore) GetSubTasks(ctx context.Context, jobID string) ([]*core.PlatformTask, error) {
	if exists, err := s.client.Exists(ctx, s.jobKey(jobID)).Result(); err != nil {
		return nil, fmt.Errorf("failed to check job %s: %w", jobID, err)
	} else if exists == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}

	taskMap, err := s.loadTasks(ctx, s.client, jobID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*core.PlatformTask, 0, len(taskMap))
	for _, t := range taskMap {
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks, nil
}

// GetSubTask implements core.JobStore.
func (s *RedisStore) GetSubTask(ctx context.Context, jobID string, platform core.Platform) (*core.PlatformTask, error) {
	data, err := s.client.HGet(ctx, s.tasksKey(jobID), string(platform)).Result()
	if err == redis.Nil {
		if exists, eerr := s.client.Exists(ctx, s.jobKey(jobID)).Result(); eerr == nil && exists == 0 {
			return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
		}
		return nil, fmt.Errorf("job %s has no sub-task for %s: %w", jobID, platform, core.ErrSubTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sub-task %s/%s: %w", jobID, platform, err)
	}

	var t core.PlatformTask
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sub-task %s/%s: %w", jobID, platform, err)
	}
	return &t, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Transactional mutations
// ═══════════════════════════════════════════════════════════════════════════

// withJobTx loads the job and its sub-tasks under WATCH, applies fn, and
// persists job, sub-tasks and new events in one MULTI. Conflicting
// concurrent writes retry up to casRetries times.
func (s *RedisStore) withJobTx(ctx context.Context, jobID string, fn func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error)) (*core.Job, error) {
	var updated *core.Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.jobKey(jobID)).Result()
		if err == redis.Nil {
			return fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get job %s: %w", jobID, err)
		}
		var job core.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
		}

		tasks, err := s.loadTasks(ctx, tx, jobID)
		if err != nil {
			return err
		}

		events, err := fn(&job, tasks)
		if err != nil {
			return err
		}

		jobData, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", jobID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(jobID), jobData, s.ttl)
			// Rewrite the whole hash so removed sub-tasks disappear
			pipe.Del(ctx, s.tasksKey(jobID))
			for platform, t := range tasks {
				td, merr := json.Marshal(t)
				if merr != nil {
					return merr
				}
				pipe.HSet(ctx, s.tasksKey(jobID), string(platform), td)
			}
			for _, e := range events {
				ed, merr := json.Marshal(e)
				if merr != nil {
					return merr
				}
				pipe.RPush(ctx, s.eventsKey(jobID), ed)
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, s.tasksKey(jobID), s.ttl)
				pipe.Expire(ctx, s.eventsKey(jobID), s.ttl)
			}
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, s.jobKey(jobID), s.tasksKey(jobID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("write contention on job %s: %w", jobID, core.ErrStatusConflict)
}

// TransitionSubTask implements core.JobStore.
func (s *RedisStore) TransitionSubTask(ctx context.Context, jobID string, platform core.Platform, from, to core.SubTaskStatus, payload map[string]interface{}) (*core.Job, error) {
	start := time.Now()
	job, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyTransition(job, tasks, platform, from, to, payload)
	})
	s.emit(ctx, "transition", start, err)
	return job, err
}

// RecordError implements core.JobStore.
func (s *RedisStore) RecordError(ctx context.Context, rec *core.ErrorRecord) error {
	_, err := s.withJobTx(ctx, rec.JobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
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
func (s *RedisStore) CompleteJob(ctx context.Context, jobID string, status core.JobStatus, reason string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyComplete(job, tasks, status, reason)
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// CancelJob implements core.JobStore.
func (s *RedisStore) CancelJob(ctx context.Context, jobID string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		return applyCancel(job, tasks)
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// MarkAttention implements core.JobStore.
func (s *RedisStore) MarkAttention(ctx context.Context, jobID string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		if job.RequiresAttention {
			return nil, nil
		}
		job.RequiresAttention = true
		return []*core.Event{newEvent(jobID, "", core.EventNeedsAttention, "", "", nil)}, nil
	})
	return err
}

// MarkRollingBack implements core.JobStore.
func (s *RedisStore) MarkRollingBack(ctx context.Context, jobID string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
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
func (s *RedisStore) ReplaceSubTask(ctx context.Context, jobID string, failed, fallback core.Platform) (*core.PlatformTask, error) {
	var replacement *core.PlatformTask
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		r, events, err := applyReplace(job, tasks, failed, fallback)
		if err != nil {
			return nil, err
		}
		replacement = r
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

// HidePayloads implements core.JobStore.
func (s *RedisStore) HidePayloads(ctx context.Context, jobID string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *core.Job, tasks map[core.Platform]*core.PlatformTask) ([]*core.Event, error) {
		for _, t := range tasks {
			t.PayloadHidden = true
		}
		return nil, nil
	})
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// Events
// ═══════════════════════════════════════════════════════════════════════════

// AppendEvent implements core.JobStore.
func (s *RedisStore) AppendEvent(ctx context.Context, event *core.Event) error {
	if event.ID == "" {
		event.ID = newEvent("", "", event.Type, "", "", nil).ID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := s.systemEventsKey()
	if event.JobID != "" {
		key = s.eventsKey(event.JobID)
	}
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// QueryEvents implements core.JobStore.
func (s *RedisStore) QueryEvents(ctx context.Context, jobID string, cursor, limit int64) ([]*core.Event, int64, error) {
	if exists, err := s.client.Exists(ctx, s.jobKey(jobID)).Result(); err != nil {
		return nil, 0, fmt.Errorf("failed to check job %s: %w", jobID, err)
	} else if exists == 0 {
		return nil, 0, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(jobID), cursor, cursor+limit-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events of %s: %w", jobID, err)
	}

	events := make([]*core.Event, 0, len(raw))
	for _, data := range raw {
		var e core.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}

	total, err := s.client.LLen(ctx, s.eventsKey(jobID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to measure event log of %s: %w", jobID, err)
	}
	next := cursor + int64(len(events))
	if next >= total {
		next = 0
	}
	return events, next, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Results, health and reports
// ═══════════════════════════════════════════════════════════════════════════

// SaveResults implements core.JobStore.
func (s *RedisStore) SaveResults(ctx context.Context, jobID string, platform core.Platform, records []core.JobRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := s.client.Set(ctx, s.resultsKey(jobID, platform), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save results %s/%s: %w", jobID, platform, err)
	}
	return nil
}

// GetResults implements core.JobStore. A rolled-back sub-task keeps its
// payload on record but reads as empty.
func (s *RedisStore) GetResults(ctx context.Context, jobID string, platform core.Platform) ([]core.JobRecord, error) {
	if t, terr := s.GetSubTask(ctx, jobID, platform); terr == nil && t.PayloadHidden {
		return nil, nil
	}
	data, err := s.client.Get(ctx, s.resultsKey(jobID, platform)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get results %s/%s: %w", jobID, platform, err)
	}

	var records []core.JobRecord
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results %s/%s: %w", jobID, platform, err)
	}
	return records, nil
}

// UpdateHealth implements core.JobStore.
func (s *RedisStore) UpdateHealth(ctx context.Context, health *core.PlatformHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.healthKey(health.Platform), data, 0)
		pipe.SAdd(ctx, s.healthIndexKey(), string(health.Platform))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update health of %s: %w", health.Platform, err)
	}
	return nil
}

// GetHealth implements core.JobStore. Platforms with no snapshot yet
// report an idle zero snapshot.
func (s *RedisStore) GetHealth(ctx context.Context, platform core.Platform) (*core.PlatformHealth, error) {
	data, err := s.client.Get(ctx, s.healthKey(platform)).Result()
	if err == redis.Nil {
		return &core.PlatformHealth{Platform: platform, Status: core.PlatformIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health of %s: %w", platform, err)
	}

	var h core.PlatformHealth
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health of %s: %w", platform, err)
	}
	return &h, nil
}

// ListHealth implements core.JobStore.
func (s *RedisStore) ListHealth(ctx context.Context) ([]*core.PlatformHealth, error) {
	platforms, err := s.client.SMembers(ctx, s.healthIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list health snapshots: %w", err)
	}

	snapshots := make([]*core.PlatformHealth, 0, len(platforms))
	for _, p := range platforms {
		h, err := s.GetHealth(ctx, core.Platform(p))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, h)
	}
	sortHealth(snapshots)
	return snapshots, nil
}

// SaveReport implements core.JobStore. Reports are write-once; a second
// save for the same job is a no-op.
func (s *RedisStore) SaveReport(ctx context.Context, report *core.IntegrityReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := s.client.SetNX(ctx, s.reportKey(report.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save report of %s: %w", report.JobID, err)
	}
	return nil
}

// GetReport implements core.JobStore.
func (s *RedisStore) GetReport(ctx context.Context, jobID string) (*core.IntegrityReport, error) {
	data, err := s.client.Get(ctx, s.reportKey(jobID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrReportNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report of %s: %w", jobID, err)
	}

	var report core.IntegrityReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report of %s: %w", jobID, err)
	}
	return &report, nil
}

// Ping implements core.JobStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) emit(ctx context.Context, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.Counter("jobriver.store.operations", "operation", op, "status", status)
	telemetry.Duration("jobriver.store.operation_duration", start, "operation", op)
	telemetry.AddSpanEvent(ctx, "store."+op)
}
