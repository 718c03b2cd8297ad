// Package store provides the Redis-backed durable substrate for the job
// orchestrator: job hash storage, stream append/consume, lists, counters,
// and the atomic lease region, mirroring the primitive set described by
// the system's durable substrate adapter.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dtq/pkg/queue"
)

// ErrNotFound indicates no job matched the requested ID.
var ErrNotFound = errors.New("not found")

const jobIDSetKey = "dtq:job-ids"

// Store wraps a Redis client and provides typed accessors over the job
// hash, event lists, streams, and counters.
type Store struct {
	rdb *redis.Client
}

// Open parses redisURL and returns a ready Store, verifying connectivity.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing *redis.Client, used by tests against
// miniredis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Ping verifies connectivity to Redis, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func jobKey(id string) string { return "job:" + id }

// --------------- Job hash ---------------

// CreateJob writes the initial hash for a new job and registers it in the
// job-id index. attempts is written as job.Attempts (queue.NewJob starts
// it at zero). Callers must set job.JobID.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	fields := jobToHash(job)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.JobID), fields)
	pipe.SAdd(ctx, jobIDSetKey, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, or ErrNotFound if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	res, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return hashToJob(res)
}

// UpdateJobFields merges the given fields into the job hash and bumps
// updated_at, used for status transitions and lease/attempt bookkeeping.
func (s *Store) UpdateJobFields(ctx context.Context, id string, fields map[string]string) error {
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.rdb.HSet(ctx, jobKey(id), fields).Err(); err != nil {
		return fmt.Errorf("update job fields: %w", err)
	}
	return nil
}

// ListJobIDs returns job IDs in stable lexicographic order with the given
// pagination window applied.
func (s *Store) ListJobIDs(ctx context.Context, limit, offset int) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, jobIDSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) || limit <= 0 {
		end = len(ids)
	}
	return ids[offset:end], nil
}

// CountJobs returns the total number of known jobs.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, jobIDSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// --------------- Streams ---------------

// EnqueueStream appends fields to the named stream and returns the
// message ID.
func (s *Store) EnqueueStream(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue stream %s: %w", stream, err)
	}
	return id, nil
}

// EnsureConsumerGroup creates the consumer group on stream if it does not
// already exist, tolerating the BUSYGROUP error Redis returns otherwise.
func (s *Store) EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (containsFold(err.Error(), "BUSYGROUP") || containsFold(err.Error(), "already exists"))
}

// ReadGroup reads up to count pending messages for consumer in group,
// blocking for at most block before returning empty.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Ack acknowledges a processed stream message.
func (s *Store) Ack(ctx context.Context, stream, group, msgID string) error {
	return s.rdb.XAck(ctx, stream, group, msgID).Err()
}

// StreamLen returns the current length of a stream, used for DLQ depth
// and job-stream depth in the metrics surface.
func (s *Store) StreamLen(ctx context.Context, stream string) (int64, error) {
	return s.rdb.XLen(ctx, stream).Result()
}

// --------------- Lists (event log) ---------------

// AppendList pushes a value onto a Redis list and refreshes its TTL.
func (s *Store) AppendList(ctx context.Context, key string, value string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ListRange returns the full contents of a Redis list.
func (s *Store) ListRange(ctx context.Context, key string) ([]string, error) {
	return s.rdb.LRange(ctx, key, 0, -1).Result()
}

// --------------- Counters ---------------

// IncrCounter increments a named counter.
func (s *Store) IncrCounter(ctx context.Context, key string) error {
	return s.rdb.Incr(ctx, key).Err()
}

// GetCounter returns the current value of a named counter, 0 if unset.
func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// --------------- Lease manager ---------------

// leaseScript atomically grants a lease on a job if it is unowned or the
// existing owner's lease has expired.
var leaseScript = redis.NewScript(`
local job_key = KEYS[1]
local worker_id = ARGV[1]
local expires_at = ARGV[2]
local now = tonumber(ARGV[3])

local owner = redis.call('HGET', job_key, 'lease_owner')
local expires = redis.call('HGET', job_key, 'lease_expires_at')

local can_acquire = false
if (not owner) or owner == '' then
  can_acquire = true
elseif expires and expires ~= '' then
  local expires_num = tonumber(expires)
  if expires_num and expires_num < now then
    can_acquire = true
  end
end

if can_acquire then
  redis.call('HSET', job_key, 'lease_owner', worker_id, 'lease_expires_at', expires_at)
  return 1
else
  return 0
end
`)

// AcquireLease attempts to atomically grant the lease on jobID to
// workerID for ttl. Returns true if the lease was acquired.
func (s *Store) AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	res, err := leaseScript.Run(ctx, s.rdb, []string{jobKey(jobID)},
		workerID,
		strconv.FormatInt(expiresAt.UnixNano(), 10),
		strconv.FormatInt(now.UnixNano(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return res == 1, nil
}

// ReleaseLease atomically clears the lease on jobID if owned by workerID.
func (s *Store) ReleaseLease(ctx context.Context, jobID, workerID string) error {
	err := s.rdb.Eval(ctx, `
if redis.call('HGET', KEYS[1], 'lease_owner') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'lease_owner', '', 'lease_expires_at', '')
end
return 0
`, []string{jobKey(jobID)}, workerID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// --------------- hash <-> Job marshaling ---------------

func jobToHash(job *queue.Job) map[string]any {
	h := map[string]any{
		"job_id":        job.JobID,
		"status":        job.Status.String(),
		"created_at":    job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"attempts":      strconv.Itoa(job.Attempts),
		"partition_key": job.PartitionKey,
		"task_type":     job.TaskType,
		"payload_json":  string(job.PayloadJSON),
	}
	if job.Result != nil {
		h["result"] = string(job.Result)
	}
	if job.LeaseOwner != "" {
		h["lease_owner"] = job.LeaseOwner
	}
	if job.LeaseExpiresAt != nil {
		h["lease_expires_at"] = strconv.FormatInt(job.LeaseExpiresAt.UnixNano(), 10)
	}
	if job.NextAttemptAt != nil {
		h["next_attempt_at"] = job.NextAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	if job.LastStatusChangeReason != "" {
		h["last_status_change_reason"] = job.LastStatusChangeReason
	}
	if job.LastStatusActor != "" {
		h["last_status_actor"] = job.LastStatusActor
	}
	return h
}

func hashToJob(h map[string]string) (*queue.Job, error) {
	job := &queue.Job{
		JobID:                  h["job_id"],
		Status:                 queue.JobStatus(getOr(h, "status", "PENDING")),
		PartitionKey:           h["partition_key"],
		TaskType:               h["task_type"],
		PayloadJSON:            json.RawMessage(getOr(h, "payload_json", "{}")),
		LeaseOwner:             h["lease_owner"],
		LastStatusChangeReason: h["last_status_change_reason"],
		LastStatusActor:        h["last_status_actor"],
	}
	if v, ok := h["result"]; ok && v != "" {
		job.Result = json.RawMessage(v)
	}
	if v, ok := h["attempts"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v, ok := h["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v, ok := h["updated_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	if v, ok := h["lease_expires_at"]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(0, n).UTC()
			job.LeaseExpiresAt = &t
		}
	}
	if v, ok := h["next_attempt_at"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.NextAttemptAt = &t
		}
	}
	return job, nil
}

func getOr(h map[string]string, key, def string) string {
	if v, ok := h[key]; ok && v != "" {
		return v
	}
	return def
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	ls, lsub := len(s), len(substr)
	if lsub == 0 {
		return 0
	}
	for i := 0; i+lsub <= ls; i++ {
		if equalFold(s[i:i+lsub], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
