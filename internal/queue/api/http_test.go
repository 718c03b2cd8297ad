package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"dtq/internal/queue/events"
	"dtq/internal/queue/service"
	"dtq/internal/queue/store"
	"dtq/pkg/queue"
)

func newTestAPI(t *testing.T, environment string) (*API, *http.ServeMux) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewFromClient(rdb)
	log := events.NewLog(st, "job-events")
	svc := service.New(st, log, service.Config{JobStream: "job-stream"})

	a := New(svc, environment, "job-stream", "dlq-stream", nil, func(ctx context.Context) error { return st.Ping(ctx) })
	mux := http.NewServeMux()
	a.Register(mux)
	return a, mux
}

func doRequest(mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCreateJobAccepted(t *testing.T) {
	_, mux := newTestAPI(t, "development")

	w := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{"message":"hi"}`)}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var job jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.JobID == "" || job.Status != queue.JobStatusPending {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.Payload.TaskType != "echo" {
		t.Errorf("expected nested payload.task_type echo, got %q", job.Payload.TaskType)
	}
}

func TestCreateJobRequiresTaskType(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	w := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{Data: json.RawMessage(`{}`)}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	w := doRequest(mux, http.MethodGet, "/jobs/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListJobsAndGetJobEvents(t *testing.T) {
	_, mux := newTestAPI(t, "development")

	createW := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{}`)}})
	var job jobResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &job)

	listW := doRequest(mux, http.MethodGet, "/jobs", nil)
	if listW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listW.Code)
	}
	var jobs []jobResponse
	if err := json.Unmarshal(listW.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	eventsW := doRequest(mux, http.MethodGet, "/jobs/"+job.JobID+"/events", nil)
	if eventsW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", eventsW.Code)
	}
	var evts []queue.Event
	if err := json.Unmarshal(eventsW.Body.Bytes(), &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 2 {
		t.Errorf("expected 2 events (CREATED, ENQUEUED), got %d", len(evts))
	}
}

func TestMetricsReturnsJSONContract(t *testing.T) {
	_, mux := newTestAPI(t, "development")

	createW := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{}`)}})
	if createW.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", createW.Code, createW.Body.String())
	}

	w := doRequest(mux, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var m metricsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.TotalJobs != 1 {
		t.Errorf("expected total_jobs 1, got %d", m.TotalJobs)
	}
	if m.JobCounts["PENDING"] != 1 {
		t.Errorf("expected 1 PENDING in job_counts, got %d", m.JobCounts["PENDING"])
	}
	if m.JobsCreatedTotal != 1 {
		t.Errorf("expected jobs_created_total 1, got %d", m.JobsCreatedTotal)
	}
}

func TestCancelJob(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	createW := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{}`)}})
	var job jobResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &job)

	cancelW := doRequest(mux, http.MethodPost, "/jobs/"+job.JobID+"/cancel", CancelRequest{Reason: "no longer needed"})
	if cancelW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelW.Code, cancelW.Body.String())
	}
	var cancelled jobResponse
	_ = json.Unmarshal(cancelW.Body.Bytes(), &cancelled)
	if cancelled.Status != queue.JobStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
}

func TestTransitionJobRejectsDisallowedMove(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	createW := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{}`)}})
	var job jobResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &job)

	w := doRequest(mux, http.MethodPost, "/jobs/"+job.JobID+"/transition", TransitionRequest{ToStatus: "RUNNING"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTransitionJobInvalidStatus(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	createW := doRequest(mux, http.MethodPost, "/jobs", CreateJobRequest{Payload: jobPayload{TaskType: "echo", Data: json.RawMessage(`{}`)}})
	var job jobResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &job)

	w := doRequest(mux, http.MethodPost, "/jobs/"+job.JobID+"/transition", TransitionRequest{ToStatus: "NOT_A_STATUS"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHealthLiveAndReady(t *testing.T) {
	_, mux := newTestAPI(t, "development")

	liveW := doRequest(mux, http.MethodGet, "/health/live", nil)
	if liveW.Code != http.StatusOK {
		t.Errorf("expected 200 for live, got %d", liveW.Code)
	}

	readyW := doRequest(mux, http.MethodGet, "/health/ready", nil)
	if readyW.Code != http.StatusOK {
		t.Errorf("expected 200 for ready, got %d", readyW.Code)
	}
}

func TestGenerateJobsDisabledInProduction(t *testing.T) {
	_, mux := newTestAPI(t, "production")
	w := doRequest(mux, http.MethodPost, "/dev/generate-jobs", GenerateJobsRequest{Count: 5, TaskType: "echo"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 in production, got %d", w.Code)
	}
}

func TestGenerateJobsCreatesJobs(t *testing.T) {
	_, mux := newTestAPI(t, "development")
	w := doRequest(mux, http.MethodPost, "/dev/generate-jobs", GenerateJobsRequest{Count: 3, TaskType: "echo", PartitionKeyPrefix: "batch"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Created int `json:"created"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Created != 3 {
		t.Errorf("expected 3 created, got %d", resp.Created)
	}
}
