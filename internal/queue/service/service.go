// Package service implements the job lifecycle business logic: creation,
// status transitions (including the UI-restricted subset), cancellation,
// requeue, and the aggregate metrics view. It sits between the HTTP API
// and the Redis-backed store.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dtq/internal/queue/events"
	"dtq/internal/queue/metrics"
	"dtq/internal/queue/store"
	"dtq/internal/queue/transitions"
	"dtq/pkg/queue"
)

// allowedUITransitions is the subset of status changes an operator may
// trigger directly through the HTTP transition endpoint, as opposed to
// transitions the worker drives as it processes a job.
var allowedUITransitions = map[[2]queue.JobStatus]bool{
	{queue.JobStatusPending, queue.JobStatusCancelled}:      true,
	{queue.JobStatusFailed, queue.JobStatusPending}:         true,
	{queue.JobStatusDeadLettered, queue.JobStatusPending}:   true,
	{queue.JobStatusCancelled, queue.JobStatusPending}:      true,
}

// ForbiddenTransitionError is returned when a caller asks for a status
// change that the UI-restricted surface does not permit, distinct from
// InvalidTransitionError which covers the full worker-driven table.
type ForbiddenTransitionError struct {
	From queue.JobStatus
	To   queue.JobStatus
}

func (e *ForbiddenTransitionError) Error() string {
	return fmt.Sprintf("transition from %s to %s not allowed via this surface", e.From, e.To)
}

// Service implements job lifecycle operations against a durable store.
type Service struct {
	store      *store.Store
	log        *events.Log
	jobStream  string
	now        func() time.Time
	newID      func() string
}

// Config configures a Service.
type Config struct {
	JobStream string
}

// New constructs a Service backed by st and the event log.
func New(st *store.Store, log *events.Log, cfg Config) *Service {
	return &Service{
		store:     st,
		log:       log,
		jobStream: cfg.JobStream,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// CreateJob constructs, persists, and enqueues a new job.
func (s *Service) CreateJob(ctx context.Context, taskType, partitionKey string, payload json.RawMessage) (*queue.Job, error) {
	job := queue.NewJob(taskType, partitionKey, payload)
	job.JobID = s.newID()
	job.CreatedAt = s.now()
	job.UpdatedAt = job.CreatedAt

	if err := s.store.CreateJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := s.store.EnqueueStream(ctx, s.jobStream, map[string]string{
		"job_id":        job.JobID,
		"partition_key": job.PartitionKey,
		"task_type":     job.TaskType,
		"payload_json":  string(job.PayloadJSON),
	}); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := s.store.IncrCounter(ctx, "metrics:jobs_created_total"); err != nil {
		return nil, fmt.Errorf("increment created counter: %w", err)
	}

	if err := s.log.Append(ctx, queue.Event{JobID: job.JobID, Time: job.CreatedAt, Type: queue.EventCreated, Status: queue.JobStatusPending, Actor: "service"}); err != nil {
		return nil, fmt.Errorf("append created event: %w", err)
	}
	if err := s.log.Append(ctx, queue.Event{JobID: job.JobID, Time: job.CreatedAt, Type: queue.EventEnqueued, Status: queue.JobStatusPending, Actor: "service"}); err != nil {
		return nil, fmt.Errorf("append enqueued event: %w", err)
	}

	metrics.IncJobsCreated()
	return &job, nil
}

// GetJob returns a job by ID, or store.ErrNotFound.
func (s *Service) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns a page of jobs ordered by job ID.
func (s *Service) ListJobs(ctx context.Context, limit, offset int) ([]*queue.Job, error) {
	ids, err := s.store.ListJobIDs(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// JobEvents returns the event history for a job.
func (s *Service) JobEvents(ctx context.Context, jobID string) ([]queue.Event, error) {
	return s.log.ForJob(ctx, jobID)
}

// TransitionStatus validates and applies a worker-driven status change,
// recording the reason/actor and emitting a STATUS_CHANGED event. Use
// Cancel for user-initiated cancellation, which is not part of the
// worker-driven transition table.
func (s *Service) TransitionStatus(ctx context.Context, jobID string, to queue.JobStatus, reason, actor string) (*queue.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := transitions.Validate(job.Status, to); err != nil {
		return nil, err
	}

	return s.applyTransition(ctx, job, to, reason, actor, queue.EventStatusChanged)
}

// Cancel moves a job to CANCELLED from any status except SUCCEEDED and
// DEAD_LETTERED. Cancelling an already-cancelled job leaves it CANCELLED
// and records another CANCELLED event.
func (s *Service) Cancel(ctx context.Context, jobID, reason, actor string) (*queue.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() && job.Status != queue.JobStatusCancelled {
		return nil, &ForbiddenTransitionError{From: job.Status, To: queue.JobStatusCancelled}
	}
	updated, err := s.applyTransition(ctx, job, queue.JobStatusCancelled, reason, actor, queue.EventCancelled)
	if err != nil {
		return nil, err
	}
	metrics.IncJobsCancelled()
	return updated, nil
}

// RequeueFromCancelled moves a cancelled job back to PENDING and
// re-enqueues it onto the job stream.
func (s *Service) RequeueFromCancelled(ctx context.Context, jobID, reason, actor string) (*queue.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != queue.JobStatusCancelled {
		return nil, &ForbiddenTransitionError{From: job.Status, To: queue.JobStatusPending}
	}

	updated, err := s.applyTransition(ctx, job, queue.JobStatusPending, reason, actor, queue.EventStatusChanged)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.EnqueueStream(ctx, s.jobStream, map[string]string{
		"job_id":        updated.JobID,
		"partition_key": updated.PartitionKey,
		"task_type":     updated.TaskType,
		"payload_json":  string(updated.PayloadJSON),
	}); err != nil {
		return nil, fmt.Errorf("re-enqueue job: %w", err)
	}
	if err := s.log.Append(ctx, queue.Event{JobID: updated.JobID, Time: s.now(), Type: queue.EventEnqueued, Status: updated.Status, Actor: actor}); err != nil {
		return nil, fmt.Errorf("append enqueued event: %w", err)
	}

	return updated, nil
}

// TransitionViaUI applies a status change requested through the
// operator-facing transition endpoint, restricted to the subset of
// moves that surface permits.
func (s *Service) TransitionViaUI(ctx context.Context, jobID string, to queue.JobStatus, reason string) (*queue.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	key := [2]queue.JobStatus{job.Status, to}
	if !allowedUITransitions[key] {
		return nil, &ForbiddenTransitionError{From: job.Status, To: to}
	}

	if to == queue.JobStatusCancelled {
		return s.Cancel(ctx, jobID, reason, "ui")
	}
	if job.Status == queue.JobStatusCancelled && to == queue.JobStatusPending {
		return s.RequeueFromCancelled(ctx, jobID, reason, "ui")
	}
	return s.applyTransition(ctx, job, to, reason, "ui", queue.EventStatusChanged)
}

func (s *Service) applyTransition(ctx context.Context, job *queue.Job, to queue.JobStatus, reason, actor string, eventType queue.EventType) (*queue.Job, error) {
	fields := map[string]string{
		"status":            to.String(),
		"last_status_actor": actor,
	}
	if reason != "" {
		fields["last_status_change_reason"] = reason
	}
	if err := s.store.UpdateJobFields(ctx, job.JobID, fields); err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	details, _ := json.Marshal(map[string]string{"actor": actor, "reason": reason, "to_status": to.String()})
	if err := s.log.Append(ctx, queue.Event{
		JobID:   job.JobID,
		Time:    s.now(),
		Type:    eventType,
		Status:  to,
		Actor:   actor,
		Details: details,
	}); err != nil {
		return nil, fmt.Errorf("append transition event: %w", err)
	}

	return s.store.GetJob(ctx, job.JobID)
}

// Metrics returns the aggregate counter snapshot.
func (s *Service) Metrics(ctx context.Context, dlqStream, jobStream string) (*queue.Metrics, error) {
	created, err := s.store.GetCounter(ctx, "metrics:jobs_created_total")
	if err != nil {
		return nil, fmt.Errorf("get created counter: %w", err)
	}
	completed, err := s.store.GetCounter(ctx, "metrics:jobs_completed_total")
	if err != nil {
		return nil, fmt.Errorf("get completed counter: %w", err)
	}
	dlqDepth, err := s.store.StreamLen(ctx, dlqStream)
	if err != nil {
		return nil, fmt.Errorf("get dlq depth: %w", err)
	}
	metrics.SetDLQDepth(float64(dlqDepth))
	streamDepth, err := s.store.StreamLen(ctx, jobStream)
	if err != nil {
		return nil, fmt.Errorf("get job stream depth: %w", err)
	}

	byStatus, err := s.statusCounts(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range byStatus {
		total += n
	}

	return &queue.Metrics{
		JobCounts:          byStatus,
		DLQDepth:           dlqDepth,
		TotalJobs:          total,
		JobsCreatedTotal:   created,
		JobsCompletedTotal: completed,
		JobStreamDepth:     streamDepth,
	}, nil
}

func (s *Service) statusCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		queue.JobStatusPending.String():      0,
		queue.JobStatusRunning.String():      0,
		queue.JobStatusSucceeded.String():    0,
		queue.JobStatusFailed.String():       0,
		queue.JobStatusDeadLettered.String(): 0,
		queue.JobStatusCancelled.String():    0,
	}

	n, err := s.store.CountJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if n == 0 {
		return counts, nil
	}

	ids, err := s.store.ListJobIDs(ctx, int(n), 0)
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	for _, id := range ids {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		counts[job.Status.String()]++
	}
	return counts, nil
}
