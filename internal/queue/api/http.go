// Package api implements the HTTP ingestion and query surface for the
// job orchestrator: job creation, listing, inspection, cancellation,
// operator-driven transitions, health probes, and (outside production)
// a synthetic load generator for exercising the pipeline end to end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dtq/internal/queue/service"
	"dtq/internal/queue/store"
	"dtq/internal/queue/transitions"
	"dtq/pkg/queue"
)

// JobService defines the business-logic methods the API needs. The
// internal/queue/service.Service implementation satisfies this
// interface.
type JobService interface {
	CreateJob(ctx context.Context, taskType, partitionKey string, payload json.RawMessage) (*queue.Job, error)
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*queue.Job, error)
	JobEvents(ctx context.Context, jobID string) ([]queue.Event, error)
	Cancel(ctx context.Context, jobID, reason, actor string) (*queue.Job, error)
	TransitionViaUI(ctx context.Context, jobID string, to queue.JobStatus, reason string) (*queue.Job, error)
	Metrics(ctx context.Context, dlqStream, jobStream string) (*queue.Metrics, error)
}

// API is the HTTP layer for the job orchestrator.
type API struct {
	Service     JobService
	Environment string
	JobStream   string
	DLQStream   string

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
	// ReadyCheck reports whether the service's dependencies (Redis) are
	// reachable; used by the readiness probe.
	ReadyCheck func(ctx context.Context) error
}

// New constructs an API with its required dependencies.
func New(svc JobService, environment, jobStream, dlqStream string, logger *log.Logger, readyCheck func(ctx context.Context) error) *API {
	return &API{
		Service:     svc,
		Environment: environment,
		JobStream:   jobStream,
		DLQStream:   dlqStream,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
		ReadyCheck:  readyCheck,
	}
}

// Register attaches the API handlers to a mux under the expected routes.
// The Prometheus exposition format is served separately, under
// /internal/metrics, so it does not collide with this JSON contract.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", a.jobsHandler)
	mux.HandleFunc("/jobs/", a.jobByIDHandler)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/health/live", a.handleHealthLive)
	mux.HandleFunc("/health/ready", a.handleHealthReady)
	mux.HandleFunc("/dev/generate-jobs", a.handleGenerateJobs)
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError is the error envelope returned by every endpoint.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, err error, notFoundMsgFmt string, args ...any) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, jsonError{
			Error:   "not_found",
			Message: fmt.Sprintf(notFoundMsgFmt, args...),
		})
		return
	}
	var forbidden *service.ForbiddenTransitionError
	if errors.As(err, &forbidden) {
		writeJSON(w, http.StatusForbidden, jsonError{Error: "forbidden", Message: forbidden.Error()})
		return
	}
	var invalid *transitions.InvalidTransitionError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_transition", Message: invalid.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, jsonError{
		Error:   "server_error",
		Message: "internal error",
	})
}

// --------------- Models ---------------

// jobPayload is the wire shape of a job's task type and task-specific
// data, nested under the "payload" key on both requests and responses.
type jobPayload struct {
	TaskType string          `json:"task_type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// CreateJobRequest is the payload for POST /jobs.
type CreateJobRequest struct {
	Payload      jobPayload `json:"payload"`
	PartitionKey string     `json:"partition_key,omitempty"`
}

// jobResponse is the wire shape of a Job returned by the job endpoints.
type jobResponse struct {
	JobID                  string          `json:"job_id"`
	Status                 queue.JobStatus `json:"status"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	Payload                jobPayload      `json:"payload"`
	Attempts               int             `json:"attempts"`
	PartitionKey           string          `json:"partition_key,omitempty"`
	Result                 json.RawMessage `json:"result,omitempty"`
	LeaseOwner             string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt         *time.Time      `json:"lease_expires_at,omitempty"`
	NextAttemptAt          *time.Time      `json:"next_attempt_at,omitempty"`
	LastStatusChangeReason string          `json:"last_status_change_reason,omitempty"`
	LastStatusActor        string          `json:"last_status_actor,omitempty"`
}

func newJobResponse(job *queue.Job) jobResponse {
	return jobResponse{
		JobID:                  job.JobID,
		Status:                 job.Status,
		CreatedAt:              job.CreatedAt,
		UpdatedAt:              job.UpdatedAt,
		Payload:                jobPayload{TaskType: job.TaskType, Data: job.PayloadJSON},
		Attempts:               job.Attempts,
		PartitionKey:           job.PartitionKey,
		Result:                 job.Result,
		LeaseOwner:             job.LeaseOwner,
		LeaseExpiresAt:         job.LeaseExpiresAt,
		NextAttemptAt:          job.NextAttemptAt,
		LastStatusChangeReason: job.LastStatusChangeReason,
		LastStatusActor:        job.LastStatusActor,
	}
}

func newJobResponses(jobs []*queue.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newJobResponse(job))
	}
	return out
}

// TransitionRequest is the payload for POST /jobs/{id}/transition.
type TransitionRequest struct {
	ToStatus string `json:"to_status"`
	Reason   string `json:"reason,omitempty"`
}

// CancelRequest is the payload for POST /jobs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// GenerateJobsRequest is the payload for POST /dev/generate-jobs.
type GenerateJobsRequest struct {
	Count              int             `json:"count"`
	PartitionKeyPrefix string          `json:"partition_key_prefix,omitempty"`
	TaskType           string          `json:"task_type"`
	PayloadTemplate    json.RawMessage `json:"payload_template,omitempty"`
}

// --------------- Dispatch ---------------

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateJob(w, r)
	case http.MethodGet:
		a.handleListJobs(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case strings.HasSuffix(rest, "/events"):
		id := strings.TrimSuffix(rest, "/events")
		if id == "" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		a.handleGetJobEvents(w, r, id)
	case strings.HasSuffix(rest, "/cancel"):
		id := strings.TrimSuffix(rest, "/cancel")
		if id == "" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		a.handleCancelJob(w, r, id)
	case strings.HasSuffix(rest, "/transition"):
		id := strings.TrimSuffix(rest, "/transition")
		if id == "" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		a.handleTransitionJob(w, r, id)
	case strings.Contains(rest, "/"):
		http.NotFound(w, r)
	default:
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		a.handleGetJob(w, r, rest)
	}
}

// --------------- POST /jobs ---------------

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "request body could not be parsed as JSON",
		})
		return
	}
	if strings.TrimSpace(req.Payload.TaskType) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "payload.task_type is required",
		})
		return
	}
	data := req.Payload.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	job, err := a.Service.CreateJob(ctx, req.Payload.TaskType, req.PartitionKey, data)
	if err != nil {
		a.logf("failed to create job task_type=%s: %v", req.Payload.TaskType, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to create job",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

// --------------- GET /jobs ---------------

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	jobs, err := a.Service.ListJobs(ctx, limit, offset)
	if err != nil {
		a.logf("failed to list jobs: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to list jobs",
		})
		return
	}

	writeJSON(w, http.StatusOK, newJobResponses(jobs))
}

// --------------- GET /jobs/{id} ---------------

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Service.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err, "job %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// --------------- GET /jobs/{id}/events ---------------

func (a *API) handleGetJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	if _, err := a.Service.GetJob(ctx, id); err != nil {
		writeError(w, err, "job %s not found", id)
		return
	}

	evts, err := a.Service.JobEvents(ctx, id)
	if err != nil {
		a.logf("failed to list events for job %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to load job events",
		})
		return
	}

	writeJSON(w, http.StatusOK, evts)
}

// --------------- POST /jobs/{id}/cancel ---------------

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var req CancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "user requested cancellation"
	}

	job, err := a.Service.Cancel(ctx, id, req.Reason, "user")
	if err != nil {
		writeError(w, err, "job %s not found", id)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// --------------- POST /jobs/{id}/transition ---------------

func (a *API) handleTransitionJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "request body could not be parsed as JSON",
		})
		return
	}

	target := queue.JobStatus(strings.ToUpper(req.ToStatus))
	if !target.Valid() {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: fmt.Sprintf("invalid status: %s", req.ToStatus),
		})
		return
	}

	job, err := a.Service.TransitionViaUI(ctx, id, target, req.Reason)
	if err != nil {
		writeError(w, err, "job %s not found", id)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// --------------- GET /metrics ---------------

// metricsResponse is the JSON aggregate metrics contract: job counts by
// status, DLQ depth, and cumulative throughput counters.
type metricsResponse struct {
	JobCounts          map[string]int `json:"job_counts"`
	DLQDepth           int64          `json:"dlq_depth"`
	TotalJobs          int            `json:"total_jobs"`
	JobsCreatedTotal   int64          `json:"jobs_created_total"`
	JobsCompletedTotal int64          `json:"jobs_completed_total"`
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.Service.Metrics(r.Context(), a.DLQStream, a.JobStream)
	if err != nil {
		a.logf("failed to compute metrics: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to compute metrics",
		})
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		JobCounts:          m.JobCounts,
		DLQDepth:           m.DLQDepth,
		TotalJobs:          m.TotalJobs,
		JobsCreatedTotal:   m.JobsCreatedTotal,
		JobsCompletedTotal: m.JobsCompletedTotal,
	})
}

// --------------- GET /health/live, /health/ready ---------------

func (a *API) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (a *API) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if a.ReadyCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := a.ReadyCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --------------- POST /dev/generate-jobs ---------------

// handleGenerateJobs is a synthetic load generator used to exercise the
// pipeline without a real producer. It is unconditionally disabled in
// production to prevent it from ever polluting a live job stream.
func (a *API) handleGenerateJobs(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(a.Environment, "production") {
		writeJSON(w, http.StatusForbidden, jsonError{
			Error:   "forbidden",
			Message: "dev endpoints are disabled in production",
		})
		return
	}
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req GenerateJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "request body could not be parsed as JSON",
		})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 10000 {
		req.Count = 10000
	}
	if req.TaskType == "" {
		req.TaskType = "echo"
	}
	payload := req.PayloadTemplate
	if len(payload) == 0 {
		payload = json.RawMessage(`{"message":"synthetic"}`)
	}

	ctx := r.Context()
	created := make([]*queue.Job, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		partitionKey := req.PartitionKeyPrefix
		if req.Count > 10 {
			partitionKey = fmt.Sprintf("%s-%d", req.PartitionKeyPrefix, i%10)
		}
		job, err := a.Service.CreateJob(ctx, req.TaskType, partitionKey, payload)
		if err != nil {
			a.logf("generate-jobs: failed to create job %d/%d: %v", i+1, req.Count, err)
			continue
		}
		created = append(created, job)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"created": len(created), "jobs": newJobResponses(created)})
}
