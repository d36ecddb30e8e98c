package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jobriver/jobriver/core"
	"github.com/jobriver/jobriver/scheduler"
	"github.com/jobriver/jobriver/syncbus"
)

// APIHandler exposes the coordinator over HTTP.
//
// Routes:
//
//	POST /api/v1/jobs             submit a job
//	GET  /api/v1/jobs             list jobs (status, user_tag, limit)
//	GET  /api/v1/jobs/{id}        job status with sub-tasks and report
//	GET  /api/v1/jobs/{id}/events event log page (cursor, limit)
//	GET  /api/v1/jobs/{id}/report integrity report
//	POST /api/v1/jobs/{id}/cancel cancel a job
//	GET  /api/v1/health           health snapshot
//	GET  /api/v1/platforms        platform catalog
//	GET  /api/v1/ws               live event stream (websocket)
type APIHandler struct {
	coord  *Coordinator
	logger core.Logger
}

// NewAPIHandler creates the HTTP layer over a coordinator.
func NewAPIHandler(coord *Coordinator, logger core.Logger) *APIHandler {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("api")
		}
	}
	return &APIHandler{coord: coord, logger: logger}
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// EventsResponse is one page of a job's event log.
type EventsResponse struct {
	JobID      string        `json:"job_id"`
	Events     []*core.Event `json:"events"`
	NextCursor int64         `json:"next_cursor"`
}

// ListResponse wraps a job listing.
type ListResponse struct {
	Jobs  []*core.Job `json:"jobs"`
	Count int         `json:"count"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/jobs", h.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", h.handleJob)
	mux.HandleFunc("/api/v1/health", h.handleHealth)
	mux.HandleFunc("/api/v1/platforms", h.handlePlatforms)
	if h.coord.bus != nil {
		mux.Handle("/api/v1/ws", syncbus.Handler(h.coord.bus, h.logger))
	}
}

// handleJobs routes the collection endpoint: POST submits, GET lists.
func (h *APIHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSubmit(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (h *APIHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req scheduler.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "INVALID_BODY")
		return
	}

	job, err := h.coord.SubmitJob(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.logger != nil {
		h.logger.Info("Job accepted", map[string]interface{}{
			"job_id":    job.ID,
			"platforms": len(job.Platforms),
		})
	}
	h.writeJSON(w, http.StatusAccepted, &SubmitResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		StatusURL: "/api/v1/jobs/" + job.ID,
	})
}

func (h *APIHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := core.JobFilter{
		Status:  core.JobStatus(r.URL.Query().Get("status")),
		UserTag: r.URL.Query().Get("user_tag"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_LIMIT")
			return
		}
		filter.Limit = n
	}

	jobs, err := h.coord.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &ListResponse{Jobs: jobs, Count: len(jobs)})
}

// handleJob routes item endpoints by path suffix.
func (h *APIHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	switch {
	case strings.HasSuffix(rest, "/cancel"):
		h.handleCancel(w, r, strings.TrimSuffix(rest, "/cancel"))
	case strings.HasSuffix(rest, "/events"):
		h.handleEvents(w, r, strings.TrimSuffix(rest, "/events"))
	case strings.HasSuffix(rest, "/report"):
		h.handleReport(w, r, strings.TrimSuffix(rest, "/report"))
	default:
		h.handleStatus(w, r, rest)
	}
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	if jobID == "" || strings.Contains(jobID, "/") {
		h.writeError(w, http.StatusBadRequest, "invalid job id", "INVALID_JOB_ID")
		return
	}

	status, err := h.coord.GetStatus(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *APIHandler) handleEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	var cursor, limit int64 = 0, 100
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer", "INVALID_CURSOR")
			return
		}
		cursor = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_LIMIT")
			return
		}
		limit = n
	}

	events, next, err := h.coord.Events(r.Context(), jobID, cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &EventsResponse{JobID: jobID, Events: events, NextCursor: next})
}

func (h *APIHandler) handleReport(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	report, err := h.coord.store.GetReport(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *APIHandler) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	if err := h.coord.Cancel(r.Context(), jobID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(core.JobStatusCancelled),
	})
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	report := h.coord.GetHealth(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

func (h *APIHandler) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	platforms := h.coord.registry.Platforms()
	specs := make([]interface{}, 0, len(platforms))
	for _, p := range platforms {
		if spec, err := h.coord.registry.Get(p); err == nil {
			specs = append(specs, spec)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": specs,
		"count":     len(specs),
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Response helpers
// ═══════════════════════════════════════════════════════════════════════════

// writeDomainError maps sentinel errors to HTTP status codes.
func (h *APIHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, core.ErrJobNotCancellable):
		h.writeError(w, http.StatusConflict, err.Error(), "NOT_CANCELLABLE")
	case errors.Is(err, core.ErrQueueFull):
		h.writeError(w, http.StatusTooManyRequests, err.Error(), "QUEUE_FULL")
	case errors.Is(err, core.ErrInvalidConfig), errors.Is(err, core.ErrNoPlatforms), errors.Is(err, core.ErrUnknownPlatform):
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case errors.Is(err, core.ErrSchedulerStopped):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
	default:
		if h.logger != nil {
			h.logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
		}
		h.writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && h.logger != nil {
		h.logger.Error("Response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, &ErrorResponse{Error: message, Code: code})
}
