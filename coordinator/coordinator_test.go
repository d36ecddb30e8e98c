package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/errorengine"
	"github.com/jobriver/jobriver/integrity"
	"github.com/jobriver/jobriver/registry"
	"github.com/jobriver/jobriver/scheduler"
	"github.com/jobriver/jobriver/store"
)

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []*core.NotificationRequest
}

func (f *fakeNotifier) Send(ctx context.Context, req *core.NotificationRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return []string{uuid.NewString()}, nil
}

func (f *fakeNotifier) requests() []*core.NotificationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.NotificationRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func (f *fakeNotifier) byType(kind string) *core.NotificationRequest {
	for _, req := range f.requests() {
		if req.Type == kind {
			return req
		}
	}
	return nil
}

// flakyStore wraps the in-memory store to simulate backend outages.
type flakyStore struct {
	core.JobStore

	mu      sync.Mutex
	pingErr error
}

func (s *flakyStore) setPingErr(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

func (s *flakyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.JobStore.Ping(ctx)
}

type fixture struct {
	store    *flakyStore
	registry *registry.Registry
	coord    *Coordinator
	notifier *fakeNotifier
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()

	st := &flakyStore{JobStore: store.NewMemoryStore()}
	reg := registry.New(nil)
	notifier := &fakeNotifier{}

	cfg := &Config{
		Store:               st,
		Registry:            reg,
		Scheduler:           scheduler.New(nil, st, reg, nil, nil),
		Errors:              errorengine.New(st, reg, &errorengine.Config{Notifier: notifier}),
		Integrity:           integrity.New(st, reg, nil, nil),
		Notifier:            notifier,
		HealthCheckInterval: time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	coord := New(cfg)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	return &fixture{store: st, registry: reg, coord: coord, notifier: notifier}
}

func records(platform core.Platform, titles ...string) []core.JobRecord {
	out := make([]core.JobRecord, 0, len(titles))
	for _, title := range titles {
		out = append(out, core.JobRecord{
			Title:          title,
			Company:        "Initech",
			Location:       "Remote",
			DatePosted:     time.Now().UTC().Format("2006-01-02"),
			JobURL:         "https://example.com/" + title,
			SourcePlatform: platform,
		})
	}
	return out
}

func okAdapter(platform core.Platform, titles ...string) core.Adapter {
	return core.AdapterFunc(func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
		return &core.SearchResult{Records: records(platform, titles...)}, nil
	})
}

func failingAdapter(category core.ErrorCategory, msg string) core.Adapter {
	return core.AdapterFunc(func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
		return nil, &core.AdapterError{Category: category, Message: msg, Retryable: false}
	})
}

func waitForStatus(t *testing.T, f *fixture, jobID string, want core.JobStatus) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", want)
	return job
}

func TestSubmitToCompletionRunsIntegrityAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer", "Backend Engineer")))
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformGoogle, okAdapter(core.PlatformGoogle, "Go Engineer")))

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn, core.PlatformGoogle},
		Integrity: core.IntegrityOptions{Enabled: true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, f.coord.ActiveJobs(), "submitted job enters the read cache")

	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	// Integrity runs off the terminal hook and persists a report
	var report *core.IntegrityReport
	require.Eventually(t, func() bool {
		var rerr error
		report, rerr = f.store.GetReport(context.Background(), job.ID)
		return rerr == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1.0, report.PlatformCoverage)
	assert.True(t, report.Passed)

	require.Eventually(t, func() bool {
		return f.notifier.byType("job_completed") != nil
	}, 5*time.Second, 20*time.Millisecond)
	sent := f.notifier.byType("job_completed")
	assert.Equal(t, job.ID, sent.JobID)
	assert.Equal(t, job.ID, sent.Vars["job_id"])
	assert.NotEqual(t, "0", sent.Vars["record_count"])

	assert.Empty(t, f.coord.ActiveJobs(), "terminal job leaves the read cache")

	status, err := f.coord.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, status.Job.Status)
	require.NotNil(t, status.Report)
	assert.Equal(t, job.ID, status.Report.JobID)
}

func TestFailedJobSendsFailureNotification(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn,
		failingAdapter(core.CategoryValidation, "query rejected by platform")))

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)

	waitForStatus(t, f, job.ID, core.JobStatusFailed)

	require.Eventually(t, func() bool {
		return f.notifier.byType("job_failed") != nil
	}, 5*time.Second, 20*time.Millisecond)
	sent := f.notifier.byType("job_failed")
	assert.Equal(t, job.ID, sent.Vars["job_id"])
	assert.Equal(t, core.NotifyHigh, sent.Priority)
}

func TestCancelInFlightJob(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{}, 1)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, core.AdapterFunc(
		func(ctx context.Context, query, location string, limit int) (*core.SearchResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never started")
	}

	require.NoError(t, f.coord.Cancel(context.Background(), job.ID))
	waitForStatus(t, f, job.ID, core.JobStatusCancelled)
	assert.Empty(t, f.coord.ActiveJobs())

	// Cancelled jobs stay quiet
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, f.notifier.byType("job_completed"))
	assert.Nil(t, f.notifier.byType("job_failed"))
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	err := f.coord.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestListJobsFiltersByUserTag(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))

	for _, tag := range []string{"alice", "bob", "alice"} {
		_, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
			Query:     "golang developer",
			Platforms: []core.Platform{core.PlatformLinkedIn},
			UserTag:   tag,
		})
		require.NoError(t, err)
	}

	jobs, err := f.coord.ListJobs(context.Background(), core.JobFilter{UserTag: "alice"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestEventsPagination(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)
	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	var collected []*core.Event
	var cursor int64
	for {
		page, next, err := f.coord.Events(context.Background(), job.ID, cursor, 2)
		require.NoError(t, err)
		collected = append(collected, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.GreaterOrEqual(t, len(collected), 4, "lifecycle leaves a full event trail")
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	report := f.coord.GetHealth(context.Background())
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Storage)
	assert.Zero(t, report.QueueDepth)
	assert.Zero(t, report.ActiveJobs)
}

func TestHealthCheckAlertsOnStorageFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.setPingErr(assert.AnError)

	f.coord.checkHealth(context.Background())

	report := f.coord.GetHealth(context.Background())
	assert.Equal(t, "degraded", report.Status)

	alert := f.notifier.byType("health_alert")
	require.NotNil(t, alert)
	assert.Equal(t, core.NotifyCritical, alert.Priority)
}

func TestHealthAlertsRespectCooldown(t *testing.T) {
	f := newFixture(t, nil)
	f.store.setPingErr(assert.AnError)

	f.coord.checkHealth(context.Background())
	f.coord.checkHealth(context.Background())

	alerts := 0
	for _, req := range f.notifier.requests() {
		if req.Type == "health_alert" {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts, "repeated condition alerts once per cooldown window")
}

func TestHealthCheckAlertsOnErrorRate(t *testing.T) {
	f := newFixture(t, nil)

	now := time.Now().UTC()
	require.NoError(t, f.store.UpdateHealth(context.Background(), &core.PlatformHealth{
		Platform:       core.PlatformLinkedIn,
		TotalAttempts:  10,
		TotalSuccesses: 5,
		SuccessRate:    0.5,
		LastSuccess:    &now,
	}))

	f.coord.checkHealth(context.Background())

	report := f.coord.GetHealth(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.InDelta(t, 0.5, report.GlobalErrorRate, 0.001)

	alert := f.notifier.byType("health_alert")
	require.NotNil(t, alert)
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
