package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/scheduler"
)

func newTestServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewAPIHandler(f.coord, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestAPISubmitAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))
	server := newTestServer(t, f)

	resp := postJSON(t, server.URL+"/api/v1/jobs", &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted SubmitResponse
	decode(t, resp, &submitted)
	require.NotEmpty(t, submitted.JobID)
	assert.Equal(t, "/api/v1/jobs/"+submitted.JobID, submitted.StatusURL)

	waitForStatus(t, f, submitted.JobID, core.JobStatusCompleted)

	statusResp, err := http.Get(server.URL + submitted.StatusURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status JobStatus
	decode(t, statusResp, &status)
	assert.Equal(t, submitted.JobID, status.Job.ID)
	assert.Equal(t, core.JobStatusCompleted, status.Job.Status)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, core.SubTaskCompleted, status.Tasks[0].Status)
}

func TestAPISubmitRejectsBadBody(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	resp, err := http.Post(server.URL+"/api/v1/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPISubmitRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	resp := postJSON(t, server.URL+"/api/v1/jobs", &scheduler.SubmitRequest{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "INVALID_REQUEST", body.Code)
}

func TestAPIStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	resp, err := http.Get(server.URL + "/api/v1/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestAPICancelConflictOnTerminalJob(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))
	server := newTestServer(t, f)

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)
	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	resp := postJSON(t, server.URL+"/api/v1/jobs/"+job.ID+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIListJobs(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))
	server := newTestServer(t, f)

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
		UserTag:   "alice",
	})
	require.NoError(t, err)
	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	resp, err := http.Get(server.URL + "/api/v1/jobs?user_tag=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListResponse
	decode(t, resp, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	resp, err = http.Get(server.URL + "/api/v1/jobs?user_tag=bob")
	require.NoError(t, err)
	decode(t, resp, &list)
	assert.Zero(t, list.Count)
}

func TestAPIEventsPagination(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))
	server := newTestServer(t, f)

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
	})
	require.NoError(t, err)
	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	resp, err := http.Get(server.URL + "/api/v1/jobs/" + job.ID + "/events?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page EventsResponse
	decode(t, resp, &page)
	assert.Len(t, page.Events, 2)
	assert.NotZero(t, page.NextCursor, "more events remain")

	resp, err = http.Get(server.URL + "/api/v1/jobs/" + job.ID + "/events?limit=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIReport(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.RegisterAdapter(core.PlatformLinkedIn, okAdapter(core.PlatformLinkedIn, "Go Engineer")))
	server := newTestServer(t, f)

	job, err := f.coord.SubmitJob(context.Background(), &scheduler.SubmitRequest{
		Query:     "golang developer",
		Platforms: []core.Platform{core.PlatformLinkedIn},
		Integrity: core.IntegrityOptions{Enabled: true},
	})
	require.NoError(t, err)
	waitForStatus(t, f, job.ID, core.JobStatusCompleted)

	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/v1/jobs/" + job.ID + "/report")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(server.URL + "/api/v1/jobs/" + job.ID + "/report")
	require.NoError(t, err)
	var report core.IntegrityReport
	decode(t, resp, &report)
	assert.Equal(t, job.ID, report.JobID)
	assert.True(t, report.Passed)
}

func TestAPIHealth(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	resp, err := http.Get(server.URL + "/api/v1/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthReport
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)

	f.store.setPingErr(assert.AnError)
	resp, err = http.Get(server.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIPlatformCatalog(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	resp, err := http.Get(server.URL + "/api/v1/platforms")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int `json:"count"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 6, body.Count, "built-in catalog ships six platforms")
}

func TestAPIMethodChecks(t *testing.T) {
	f := newFixture(t, nil)
	server := newTestServer(t, f)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	getCancel, err := http.Get(server.URL + "/api/v1/jobs/some-id/cancel")
	require.NoError(t, err)
	defer getCancel.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getCancel.StatusCode)
}
