// Package queue contains the shared data models used by the job service,
// the worker pool, and the HTTP API. These types mirror the data model
// described by the system's design documents.
package queue

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
//
// The canonical transition table is:
//
//	PENDING   -> RUNNING
//	RUNNING   -> SUCCEEDED | FAILED
//	FAILED    -> PENDING | DEAD_LETTERED
//
// CANCELLED is reachable from any non-terminal status via an explicit
// cancel operation (cancelling an already-cancelled job is accepted and
// leaves it CANCELLED) and is itself terminal. SUCCEEDED and DEAD_LETTERED
// are terminal. A cancelled job may be requeued back to PENDING, which
// is also not part of the table above.
type JobStatus string

const (
	JobStatusPending      JobStatus = "PENDING"
	JobStatusRunning      JobStatus = "RUNNING"
	JobStatusSucceeded    JobStatus = "SUCCEEDED"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusDeadLettered JobStatus = "DEAD_LETTERED"
	JobStatusCancelled    JobStatus = "CANCELLED"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusDeadLettered, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// EventType identifies the kind of a job lifecycle event.
type EventType string

const (
	EventCreated       EventType = "CREATED"
	EventEnqueued      EventType = "ENQUEUED"
	EventLeased        EventType = "LEASED"
	EventStarted       EventType = "STARTED"
	EventSucceeded     EventType = "SUCCEEDED"
	EventFailed        EventType = "FAILED"
	EventRetried       EventType = "RETRIED"
	EventDeadLettered  EventType = "DEAD_LETTERED"
	EventCancelled     EventType = "CANCELLED"
	EventStatusChanged EventType = "STATUS_CHANGED"
)

// String returns the string value of the EventType.
func (t EventType) String() string { return string(t) }

// Job represents a single unit of work and its lifecycle state.
// Payload is treated as opaque JSON by everything except the task
// handler that ultimately executes it.
type Job struct {
	JobID                  string          `json:"job_id"`
	Status                 JobStatus       `json:"status"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	Attempts               int             `json:"attempts"`
	PartitionKey           string          `json:"partition_key,omitempty"`
	TaskType               string          `json:"task_type"`
	PayloadJSON            json.RawMessage `json:"payload"`
	Result                 json.RawMessage `json:"result,omitempty"`
	LeaseOwner             string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt         *time.Time      `json:"lease_expires_at,omitempty"`
	NextAttemptAt          *time.Time      `json:"next_attempt_at,omitempty"`
	LastStatusChangeReason string          `json:"last_status_change_reason,omitempty"`
	LastStatusActor        string          `json:"last_status_actor,omitempty"`
}

// Event is an append-only record of something that happened to a Job.
// Status carries the job's status as of this event, so a consumer can
// answer "what was the job's status when this event was recorded"
// without cross-referencing the job hash.
type Event struct {
	JobID   string          `json:"job_id"`
	Time    time.Time       `json:"time"`
	Type    EventType       `json:"type"`
	Status  JobStatus       `json:"status"`
	Actor   string          `json:"actor,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// NewJob constructs a new Job in PENDING status with initial timestamps.
// The caller assigns JobID before persistence.
func NewJob(taskType, partitionKey string, payload json.RawMessage) Job {
	now := time.Now().UTC()
	return Job{
		JobID:        "",
		Status:       JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Attempts:     0,
		PartitionKey: partitionKey,
		TaskType:     taskType,
		PayloadJSON:  payload,
	}
}

// Metrics is the aggregate counter snapshot returned by the query surface.
type Metrics struct {
	JobCounts          map[string]int `json:"job_counts"`
	DLQDepth           int64          `json:"dlq_depth"`
	TotalJobs          int            `json:"total_jobs"`
	JobsCreatedTotal   int64          `json:"jobs_created_total"`
	JobsCompletedTotal int64          `json:"jobs_completed_total"`
	JobStreamDepth     int64          `json:"job_stream_depth"`
}
