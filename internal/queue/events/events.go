// Package events implements the append-only per-job event log: a
// per-job list (bounded by TTL) plus a global stream used for
// observability tooling to tail everything that happens across jobs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dtq/internal/queue/store"
	"dtq/pkg/queue"
)

// jobEventsTTL bounds how long a per-job event list survives, matching
// the retention window used for job history browsing.
const jobEventsTTL = 7 * 24 * time.Hour

// Log appends to and reads from the durable event log.
type Log struct {
	store        *store.Store
	globalStream string
}

// NewLog returns an event Log backed by st, publishing to globalStream
// in addition to each job's own list.
func NewLog(st *store.Store, globalStream string) *Log {
	return &Log{store: st, globalStream: globalStream}
}

func jobEventsKey(jobID string) string { return "job:" + jobID + ":events" }

// Append records ev both on the job's own event list and on the global
// stream, so per-job history and cross-job tailing share one write path.
func (l *Log) Append(ctx context.Context, ev queue.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := l.store.AppendList(ctx, jobEventsKey(ev.JobID), string(raw), jobEventsTTL); err != nil {
		return fmt.Errorf("append job event list: %w", err)
	}

	fields := map[string]string{
		"job_id": ev.JobID,
		"type":   ev.Type.String(),
		"status": ev.Status.String(),
		"time":   ev.Time.UTC().Format(time.RFC3339Nano),
		"actor":  ev.Actor,
	}
	if _, err := l.store.EnqueueStream(ctx, l.globalStream, fields); err != nil {
		return fmt.Errorf("append global event stream: %w", err)
	}
	return nil
}

// ForJob returns the full event history for a job, oldest first.
func (l *Log) ForJob(ctx context.Context, jobID string) ([]queue.Event, error) {
	raw, err := l.store.ListRange(ctx, jobEventsKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	events := make([]queue.Event, 0, len(raw))
	for _, r := range raw {
		var ev queue.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return events, nil
}
