package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/store"
)

func newTestScheduler(t *testing.T, cfg *core.SchedulerConfig) (*Scheduler, *store.MemoryStore, *registry.Registry) {
	t.Helper()

	if cfg == nil {
		cfg = &core.SchedulerConfig{
			MaxConcurrentJobs: 10,
			MaxQueueSize:      100,
			JobTimeout:        30 * time.Second,
			MaxPlatforms:      3,
			SlotWaitTimeout:   2 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		}
	}

	st := store.NewMemoryStore()
	reg := registry.New(nil)
	s := New(cfg, st, reg, nil, nil)
	return s, st, reg
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func okAdapter(records ...core.JobRecord) core.AdapterFunc {
	return func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
		return &core.SearchResult{Records: records}, nil
	}
}

func sampleRecord(p core.Platform) core.JobRecord {
	return core.JobRecord{
		Title:          "Go Engineer",
		Company:        "Acme",
		Location:       "Berlin",
		SourcePlatform: p,
	}
}

func waitForStatus(t *testing.T, st core.JobStore, jobID string, want core.JobStatus) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func TestSubmitAutoSelectsPlatforms(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:    "golang backend",
		Location: "Berlin",
	})
	require.NoError(t, err)

	assert.Equal(t, core.RegionEurope, job.Region)
	assert.Len(t, job.Platforms, 3, "capped at max_platforms")
	assert.Equal(t, core.PriorityNormal, job.Priority)
	assert.Equal(t, core.JobStatusQueued, job.Status)
}

func TestSubmitValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	startScheduler(t, s)
	ctx := context.Background()

	_, err := s.Submit(ctx, &SubmitRequest{Query: ""})
	assert.Error(t, err)

	_, err = s.Submit(ctx, &SubmitRequest{Query: "x", Priority: 9})
	assert.Error(t, err)

	_, err = s.Submit(ctx, &SubmitRequest{Query: "x", Platforms: []core.Platform{"bogus"}})
	assert.ErrorIs(t, err, core.ErrUnknownPlatform)

	// monster does not cover europe
	_, err = s.Submit(ctx, &SubmitRequest{Query: "x", Location: "Berlin", Platforms: []core.Platform{core.PlatformMonster}})
	assert.ErrorIs(t, err, core.ErrNoPlatforms)
}

func TestSubmitRejectedWhenStopped(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	_, err := s.Submit(context.Background(), &SubmitRequest{Query: "x"})
	assert.ErrorIs(t, err, core.ErrSchedulerStopped)
}

func TestSubmitBackPressure(t *testing.T) {
	s, _, _ := newTestScheduler(t, &core.SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      1,
		JobTimeout:        30 * time.Second,
		MaxPlatforms:      3,
		SlotWaitTimeout:   time.Second,
		ShutdownTimeout:   5 * time.Second,
	})
	startScheduler(t, s)

	// Two sub-tasks against a queue capacity of one
	_, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Platforms: []core.Platform{core.PlatformLinkedIn, core.PlatformGoogle},
	})
	assert.ErrorIs(t, err, core.ErrQueueFull)
}

func TestEndToEndSuccess(t *testing.T) {
	s, st, reg := newTestScheduler(t, nil)
	require.NoError(t, reg.RegisterAdapter(core.PlatformLinkedIn, okAdapter(sampleRecord(core.PlatformLinkedIn))))
	require.NoError(t, reg.RegisterAdapter(core.PlatformIndeed, okAdapter(sampleRecord(core.PlatformIndeed))))
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Location:  "Berlin",
		Platforms: []core.Platform{core.PlatformLinkedIn, core.PlatformIndeed},
	})
	require.NoError(t, err)

	waitForStatus(t, st, job.ID, core.JobStatusCompleted)

	tasks, err := st.GetSubTasks(context.Background(), job.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, core.SubTaskCompleted, task.Status)
		assert.Equal(t, 1, task.Attempt)
		assert.Equal(t, 1, task.RecordCount)
		assert.NotEmpty(t, task.PayloadHash)
	}

	records, err := st.GetResults(context.Background(), job.ID, core.PlatformLinkedIn)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	health, err := st.GetHealth(context.Background(), core.PlatformLinkedIn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.TotalSuccesses)
	assert.InDelta(t, 1.0, health.SuccessRate, 0.001)
}

func TestMissingAdapterFailsJob(t *testing.T) {
	s, st, _ := newTestScheduler(t, nil)
	startScheduler(t, s)

	// No adapter registered for google: the attempt fails as final
	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Platforms: []core.Platform{core.PlatformGoogle},
	})
	require.NoError(t, err)

	waitForStatus(t, st, job.ID, core.JobStatusFailed)

	task, err := st.GetSubTask(context.Background(), job.ID, core.PlatformGoogle)
	require.NoError(t, err)
	assert.Equal(t, core.SubTaskFailed, task.Status)
}

func TestFailureHandlerReceivesAttempt(t *testing.T) {
	s, st, reg := newTestScheduler(t, nil)
	require.NoError(t, reg.RegisterAdapter(core.PlatformLinkedIn,
		core.AdapterFunc(func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
			return nil, &core.AdapterError{Category: core.CategoryRateLimit, Message: "429", Retryable: true}
		})))

	var mu sync.Mutex
	var got []*core.PlatformTask
	s.SetFailureHandler(failureHandlerFunc(func(ctx context.Context, job *core.Job, task *core.PlatformTask, attemptErr error) {
		mu.Lock()
		got = append(got, task)
		mu.Unlock()
		// Finish the job so the test can observe a stable state
		_, _ = st.TransitionSubTask(ctx, job.ID, task.Platform,
			core.SubTaskProcessing, core.SubTaskFailed,
			map[string]interface{}{"final": true})
	}))
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)

	waitForStatus(t, st, job.ID, core.JobStatusFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, core.PlatformLinkedIn, got[0].Platform)
	assert.Equal(t, 1, got[0].Attempt)
}

type failureHandlerFunc func(ctx context.Context, job *core.Job, task *core.PlatformTask, attemptErr error)

func (f failureHandlerFunc) HandleFailure(ctx context.Context, job *core.Job, task *core.PlatformTask, attemptErr error) {
	f(ctx, job, task, attemptErr)
}

func TestPlatformConcurrencyBound(t *testing.T) {
	s, st, reg := newTestScheduler(t, nil)

	var inFlight, maxInFlight atomic.Int64
	require.NoError(t, reg.RegisterAdapter(core.PlatformLinkedIn,
		core.AdapterFunc(func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return &core.SearchResult{Records: []core.JobRecord{sampleRecord(core.PlatformLinkedIn)}}, nil
		})))
	startScheduler(t, s)

	var jobs []string
	for i := 0; i < 6; i++ {
		job, err := s.Submit(context.Background(), &SubmitRequest{
			Query:     "golang",
			Platforms: []core.Platform{core.PlatformLinkedIn},
		})
		require.NoError(t, err)
		jobs = append(jobs, job.ID)
	}

	for _, id := range jobs {
		waitForStatus(t, st, id, core.JobStatusCompleted)
	}

	// linkedin's catalog capacity is 3 concurrent requests
	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))
}

func TestCancelPropagatesToInFlightAttempt(t *testing.T) {
	s, st, reg := newTestScheduler(t, nil)

	started := make(chan struct{}, 1)
	require.NoError(t, reg.RegisterAdapter(core.PlatformLinkedIn,
		core.AdapterFunc(func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})))
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never started")
	}

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	loaded := waitForStatus(t, st, job.ID, core.JobStatusCancelled)
	assert.Equal(t, core.JobStatusCancelled, loaded.Status)
}

func TestStatus(t *testing.T) {
	s, _, reg := newTestScheduler(t, nil)
	require.NoError(t, reg.RegisterAdapter(core.PlatformLinkedIn, okAdapter()))
	startScheduler(t, s)

	job, err := s.Submit(context.Background(), &SubmitRequest{
		Query:     "golang",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)

	got, tasks, err := s.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Len(t, tasks, 1)

	_, _, err = s.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestQueueOrdersByPriority(t *testing.T) {
	q := newIntakeQueue(10)
	now := time.Now()

	q.push(
		&workItem{jobID: "low", priority: core.PriorityLow, submittedAt: now},
		&workItem{jobID: "urgent", priority: core.PriorityUrgent, submittedAt: now.Add(time.Second)},
		&workItem{jobID: "normal-old", priority: core.PriorityNormal, submittedAt: now},
		&workItem{jobID: "normal-new", priority: core.PriorityNormal, submittedAt: now.Add(time.Second)},
	)

	assert.Equal(t, "urgent", q.pop().jobID)
	assert.Equal(t, "normal-old", q.pop().jobID)
	assert.Equal(t, "normal-new", q.pop().jobID)
	assert.Equal(t, "low", q.pop().jobID)
	assert.Nil(t, q.pop())
}

func TestQueueDrop(t *testing.T) {
	q := newIntakeQueue(10)
	q.push(
		&workItem{jobID: "a", platform: core.PlatformLinkedIn, priority: core.PriorityNormal},
		&workItem{jobID: "a", platform: core.PlatformIndeed, priority: core.PriorityNormal},
		&workItem{jobID: "b", platform: core.PlatformLinkedIn, priority: core.PriorityNormal},
	)

	assert.Equal(t, 2, q.drop("a"))
	assert.Equal(t, 1, q.depth())
	assert.Equal(t, "b", q.pop().jobID)
}
