// Package worker implements the consumer-group poll loop that leases,
// executes, and retries jobs read off the job stream.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"dtq/internal/queue/events"
	"dtq/internal/queue/handlers"
	"dtq/internal/queue/metrics"
	"dtq/internal/queue/scheduler"
	"dtq/internal/queue/store"
	"dtq/pkg/queue"
)

// Config configures a Worker.
type Config struct {
	JobStream     string
	DLQStream     string
	ConsumerGroup string
	LeaseTTL      time.Duration
	PollBatchSize int64
	PollBlock     time.Duration
	Scheduler     scheduler.Config
}

// Worker consumes messages from the job stream under a consumer group,
// leases the underlying job, executes its handler, and drives the
// status transition that follows — retry, success, or dead-letter.
type Worker struct {
	id       string
	store    *store.Store
	log      *events.Log
	handlers *handlers.Registry
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
}

// New constructs a Worker with a consumer identity unique to this
// process, following the `worker-{pid}` convention.
func New(st *store.Store, evLog *events.Log, reg *handlers.Registry, cfg Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 10
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Worker{
		id:       fmt.Sprintf("worker-%d", os.Getpid()),
		store:    st,
		log:      evLog,
		handlers: reg,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) logf(format string, args ...any) {
	w.logger.Printf("[worker %s] "+format, append([]any{w.id}, args...)...)
}

// Run ensures the consumer group exists and polls the job stream until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.EnsureConsumerGroup(ctx, w.cfg.JobStream, w.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	w.logf("started, consuming stream=%s group=%s", w.cfg.JobStream, w.cfg.ConsumerGroup)

	for {
		select {
		case <-ctx.Done():
			w.logf("shutting down")
			return ctx.Err()
		default:
		}

		msgs, err := w.store.ReadGroup(ctx, w.cfg.JobStream, w.cfg.ConsumerGroup, w.id, w.cfg.PollBatchSize, w.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logf("read group error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			if err := w.processMessage(ctx, msg); err != nil {
				w.logf("error processing message %s: %v", msg.ID, err)
			}
			if err := w.store.Ack(ctx, w.cfg.JobStream, w.cfg.ConsumerGroup, msg.ID); err != nil {
				w.logf("ack error for message %s: %v", msg.ID, err)
			}
		}
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// processMessage executes one stream message end to end. The caller is
// responsible for acking the message regardless of the returned error —
// a failed job is a business outcome, not a stream-processing failure,
// and must not be redelivered by Redis once its retry/DLQ path runs.
func (w *Worker) processMessage(ctx context.Context, msg redis.XMessage) error {
	jobID := fieldString(msg.Values, "job_id")
	if jobID == "" {
		return nil
	}

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("get job: %w", err)
	}

	if job.Status == queue.JobStatusCancelled || job.Status.IsTerminal() {
		return nil
	}

	acquired, err := w.store.AcquireLease(ctx, jobID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil
	}
	w.appendEvent(ctx, jobID, queue.EventLeased, job.Status, map[string]string{
		"worker_id":         w.id,
		"lease_ttl_seconds": fmt.Sprintf("%d", int(w.cfg.LeaseTTL.Seconds())),
	})

	attempts := job.Attempts + 1
	now := w.now()
	if err := w.store.UpdateJobFields(ctx, jobID, map[string]string{
		"status":   queue.JobStatusRunning.String(),
		"attempts": fmt.Sprintf("%d", attempts),
	}); err != nil {
		_ = w.store.ReleaseLease(ctx, jobID, w.id)
		return fmt.Errorf("mark running: %w", err)
	}
	w.appendEvent(ctx, jobID, queue.EventStarted, queue.JobStatusRunning, map[string]string{"worker_id": w.id})

	// A payload that fails to parse as JSON cannot be retried into the
	// same dead end: it is marked FAILED directly, with no retry scheduled
	// and no DLQ entry, since no future attempt would parse it either. The
	// attempt counter incremented above stays as written.
	if !json.Valid(job.PayloadJSON) {
		if err := w.store.UpdateJobFields(ctx, jobID, map[string]string{
			"status": queue.JobStatusFailed.String(),
		}); err != nil {
			w.logf("mark failed (corrupt payload) error: %v", err)
		}
		w.appendEvent(ctx, jobID, queue.EventFailed, queue.JobStatusFailed, map[string]string{"worker_id": w.id, "error": "payload is not valid json"})
		_ = w.store.ReleaseLease(ctx, jobID, w.id)
		return nil
	}

	handler := w.handlers.Lookup(job.TaskType)
	handlerStart := w.now()
	result, handlerErr := handler(ctx, job.PayloadJSON)
	metrics.ObserveTaskDuration(job.TaskType, w.now().Sub(handlerStart))

	if handlerErr == nil {
		if err := w.store.UpdateJobFields(ctx, jobID, map[string]string{
			"status": queue.JobStatusSucceeded.String(),
			"result": string(result),
		}); err != nil {
			w.logf("mark succeeded error: %v", err)
		}
		w.appendEvent(ctx, jobID, queue.EventSucceeded, queue.JobStatusSucceeded, map[string]string{"worker_id": w.id})
		if err := w.store.IncrCounter(ctx, "metrics:jobs_completed_total"); err != nil {
			w.logf("increment completed counter error: %v", err)
		}
		metrics.IncJobsCompleted()
		_ = w.store.ReleaseLease(ctx, jobID, w.id)
		return nil
	}

	metrics.IncJobsFailed(job.TaskType)
	w.appendEvent(ctx, jobID, queue.EventFailed, queue.JobStatusFailed, map[string]string{
		"worker_id": w.id,
		"error":     handlerErr.Error(),
		"attempt":   fmt.Sprintf("%d", attempts),
	})

	if attempts >= w.cfg.Scheduler.MaxRetries {
		if err := w.store.UpdateJobFields(ctx, jobID, map[string]string{
			"status": queue.JobStatusDeadLettered.String(),
		}); err != nil {
			w.logf("mark dead-lettered error: %v", err)
		}
		w.appendEvent(ctx, jobID, queue.EventDeadLettered, queue.JobStatusDeadLettered, map[string]string{
			"worker_id":     w.id,
			"error":         handlerErr.Error(),
			"final_attempt": fmt.Sprintf("%d", attempts),
		})
		if _, err := w.store.EnqueueStream(ctx, w.cfg.DLQStream, map[string]string{
			"job_id":       jobID,
			"task_type":    job.TaskType,
			"payload_json": string(job.PayloadJSON),
			"error":        handlerErr.Error(),
			"attempts":     fmt.Sprintf("%d", attempts),
		}); err != nil {
			w.logf("enqueue dlq error: %v", err)
		}
		metrics.IncJobsDeadLettered()
		_ = w.store.ReleaseLease(ctx, jobID, w.id)
		return nil
	}

	metrics.IncJobsRetried()
	nextAttempt := w.cfg.Scheduler.NextAttemptAt(now, attempts)
	if err := w.store.UpdateJobFields(ctx, jobID, map[string]string{
		"status":          queue.JobStatusPending.String(),
		"next_attempt_at": nextAttempt.Format(time.RFC3339Nano),
	}); err != nil {
		w.logf("mark pending for retry error: %v", err)
	}
	w.appendEvent(ctx, jobID, queue.EventRetried, queue.JobStatusPending, map[string]string{
		"worker_id":       w.id,
		"attempt":         fmt.Sprintf("%d", attempts),
		"next_attempt_at": nextAttempt.Format(time.RFC3339Nano),
	})
	_ = w.store.ReleaseLease(ctx, jobID, w.id)

	if _, err := w.store.EnqueueStream(ctx, w.cfg.JobStream, map[string]string{
		"job_id":        jobID,
		"partition_key": job.PartitionKey,
		"task_type":     job.TaskType,
		"payload_json":  string(job.PayloadJSON),
		"retry":         "true",
	}); err != nil {
		return fmt.Errorf("re-enqueue for retry: %w", err)
	}

	return nil
}

func (w *Worker) appendEvent(ctx context.Context, jobID string, eventType queue.EventType, status queue.JobStatus, details map[string]string) {
	raw, err := json.Marshal(details)
	if err != nil {
		w.logf("marshal event details error: %v", err)
		return
	}
	if err := w.log.Append(ctx, queue.Event{
		JobID:   jobID,
		Time:    w.now(),
		Type:    eventType,
		Status:  status,
		Actor:   w.id,
		Details: raw,
	}); err != nil {
		w.logf("append event error: %v", err)
	}
}
