package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend against a networked Redis (or
// Redis-compatible) server. Eligibility is maintained by two sorted
// sets: `pending`, scored by -priority*1e12 + available_at (so higher
// priority and earlier availability sort first), and `running`, scored
// by the lease deadline so a reclaim scan is a simple ZRANGEBYSCORE.
// Dequeue is a single Lua script so the candidate pop and the lease
// write happen atomically from Redis's perspective, mirroring the
// SQL backend's single-transaction lease.
type RedisBackend struct {
	rdb     *redis.Client
	prefix  string
	nowFunc func() time.Time
}

const (
	pendingSetKey = "pending"
	runningSetKey = "running"
)

// RedisBackendOption configures a RedisBackend.
type RedisBackendOption func(*RedisBackend)

// WithRedisPrefix namespaces all keys used by this backend, allowing
// multiple queues to share one Redis database.
func WithRedisPrefix(prefix string) RedisBackendOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithRedisNowFunc overrides the backend's clock for deterministic tests.
func WithRedisNowFunc(f func() time.Time) RedisBackendOption {
	return func(b *RedisBackend) { b.nowFunc = f }
}

// NewRedisBackend wraps an existing *redis.Client (or a *miniredis
// in-process instance dialed via redis.NewClient in tests).
func NewRedisBackend(rdb *redis.Client, opts ...RedisBackendOption) *RedisBackend {
	b := &RedisBackend{rdb: rdb, prefix: "forgepilot:queue", nowFunc: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBackend) jobKey(id string) string { return b.key("job", id) }

// score computes the sort key for the pending set: higher priority and
// earlier availability must sort first (ZRANGEBYSCORE ascending).
func score(priority int, availableAtMS int64) float64 {
	return -float64(priority)*1e12 + float64(availableAtMS)
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// Enqueue implements Backend.
func (b *RedisBackend) Enqueue(ctx context.Context, kind domain.JobKind, refID string, payload map[string]interface{}, maxAttempts int, delay time.Duration, priority int) (*domain.Job, error) {
	if maxAttempts < 1 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "max_attempts must be >= 1")
	}
	now := b.nowFunc()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		RefID:       refID,
		Status:      domain.JobStatusQueued,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.save(ctx, job); err != nil {
		return nil, err
	}
	s := score(priority, job.AvailableAt.UnixMilli())
	if err := b.rdb.ZAdd(ctx, b.key(pendingSetKey), redis.Z{Score: s, Member: job.ID}).Err(); err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "enqueue failed").WithCause(err)
	}
	return job, nil
}

// dequeueScript pops the best-scoring member of pending whose
// available_at has arrived, or reclaims the earliest-deadline member of
// running whose deadline has passed, moving it into running with a new
// deadline. It returns the job id moved, or an empty string.
var dequeueScript = redis.NewScript(`
local pending = KEYS[1]
local running = KEYS[2]
local now_ms = tonumber(ARGV[1])
local deadline_ms = tonumber(ARGV[2])

local candidates = redis.call('ZRANGE', pending, 0, 0)
if #candidates > 0 then
	local id = candidates[1]
	redis.call('ZREM', pending, id)
	redis.call('ZADD', running, deadline_ms, id)
	return id
end

local stale = redis.call('ZRANGEBYSCORE', running, '-inf', now_ms, 'LIMIT', 0, 1)
if #stale > 0 then
	local id = stale[1]
	redis.call('ZADD', running, deadline_ms, id)
	return id
end

return ''
`)

// Dequeue implements Backend.
func (b *RedisBackend) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, error) {
	now := b.nowFunc()
	deadline := now.Add(visibilityTimeout)

	id, err := dequeueScript.Run(ctx, b.rdb, []string{b.key(pendingSetKey), b.key(runningSetKey)},
		now.UnixMilli(), deadline.UnixMilli()).Text()
	if err != nil && err != redis.Nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "dequeue script failed").WithCause(err)
	}
	if id == "" {
		return nil, nil
	}

	job, err := b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// The set referenced a job whose hash expired or was never
		// written; drop the dangling member and report no job.
		b.rdb.ZRem(ctx, b.key(runningSetKey), id)
		return nil, nil
	}
	job.Status = domain.JobStatusRunning
	job.Attempts++
	job.LockedAt = &now
	job.LockedBy = &workerID
	job.UpdatedAt = now
	if err := b.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete implements Backend.
func (b *RedisBackend) Complete(ctx context.Context, jobID string) error {
	job, err := b.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrNotFound("job", jobID)
	}
	job.Status = domain.JobStatusSucceeded
	job.LockedAt = nil
	job.LockedBy = nil
	job.UpdatedAt = b.nowFunc()
	if err := b.save(ctx, job); err != nil {
		return err
	}
	return b.rdb.ZRem(ctx, b.key(runningSetKey), jobID).Err()
}

// Fail implements Backend.
func (b *RedisBackend) Fail(ctx context.Context, jobID string, errMsg string, retryDelay time.Duration) error {
	job, err := b.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrNotFound("job", jobID)
	}
	now := b.nowFunc()
	job.LastError = &errMsg
	job.UpdatedAt = now
	if err := b.rdb.ZRem(ctx, b.key(runningSetKey), jobID).Err(); err != nil {
		return core.ErrExecution(core.CodeInvalidState, "fail: removing from running set failed").WithCause(err)
	}
	if job.Attempts < job.MaxAttempts {
		job.Status = domain.JobStatusQueued
		job.AvailableAt = now.Add(retryDelay)
		job.LockedAt = nil
		job.LockedBy = nil
		if err := b.save(ctx, job); err != nil {
			return err
		}
		s := score(job.Priority, job.AvailableAt.UnixMilli())
		return b.rdb.ZAdd(ctx, b.key(pendingSetKey), redis.Z{Score: s, Member: jobID}).Err()
	}
	job.Status = domain.JobStatusFailed
	job.LockedAt = nil
	job.LockedBy = nil
	return b.save(ctx, job)
}

// Cancel implements Backend.
func (b *RedisBackend) Cancel(ctx context.Context, jobID string, reason string) error {
	job, err := b.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	job.Status = domain.JobStatusCanceled
	job.LockedAt = nil
	job.LockedBy = nil
	job.LastError = &reason
	job.UpdatedAt = b.nowFunc()
	if err := b.save(ctx, job); err != nil {
		return err
	}
	b.rdb.ZRem(ctx, b.key(pendingSetKey), jobID)
	b.rdb.ZRem(ctx, b.key(runningSetKey), jobID)
	return nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return b.load(ctx, jobID)
}

// GetLatestByRef implements Backend. Redis has no secondary index over
// ref_id; this scans a bounded per-kind/ref index set maintained by save.
func (b *RedisBackend) GetLatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error) {
	ids, err := b.rdb.ZRevRange(ctx, b.refIndexKey(kind, refID), 0, 0).Result()
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get latest by ref failed").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return b.load(ctx, ids[0])
}

// CancelQueuedByRef implements Backend.
func (b *RedisBackend) CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error) {
	ids, err := b.rdb.ZRange(ctx, b.refIndexKey(kind, refID), 0, -1).Result()
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "cancel queued by ref failed").WithCause(err)
	}
	canceled := 0
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if err != nil || job == nil || job.Status != domain.JobStatusQueued {
			continue
		}
		if err := b.Cancel(ctx, id, "canceled: superseded by new job for ref"); err != nil {
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}

// ExtendVisibility implements Backend.
func (b *RedisBackend) ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error {
	job, err := b.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status != domain.JobStatusRunning {
		return nil
	}
	deadline := b.nowFunc().Add(additional)
	if err := b.rdb.ZAdd(ctx, b.key(runningSetKey), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID}).Err(); err != nil {
		return core.ErrExecution(core.CodeInvalidState, "extend visibility failed").WithCause(err)
	}
	return nil
}

// FailAllRunning implements Backend.
func (b *RedisBackend) FailAllRunning(ctx context.Context, errMsg string) (int, error) {
	ids, err := b.rdb.ZRange(ctx, b.key(runningSetKey), 0, -1).Result()
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "fail all running failed").WithCause(err)
	}
	count := 0
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if err != nil || job == nil {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.LockedAt = nil
		job.LockedBy = nil
		job.LastError = &errMsg
		job.UpdatedAt = b.nowFunc()
		if err := b.save(ctx, job); err != nil {
			return count, err
		}
		count++
	}
	if len(ids) > 0 {
		b.rdb.Del(ctx, b.key(runningSetKey))
	}
	return count, nil
}

// ListByStatus implements Backend. Queued and running jobs come
// straight out of their sorted sets; terminal statuses have no index in
// this schema, so those fall back to a key scan. Acceptable for an
// operator diagnostic command, not exercised by the dispatch loop.
func (b *RedisBackend) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	var ids []string
	switch status {
	case domain.JobStatusQueued:
		zs, err := b.rdb.ZRange(ctx, b.key(pendingSetKey), 0, -1).Result()
		if err != nil {
			return nil, core.ErrExecution(core.CodeInvalidState, "list by status failed").WithCause(err)
		}
		ids = zs
	case domain.JobStatusRunning:
		zs, err := b.rdb.ZRange(ctx, b.key(runningSetKey), 0, -1).Result()
		if err != nil {
			return nil, core.ErrExecution(core.CodeInvalidState, "list by status failed").WithCause(err)
		}
		ids = zs
	default:
		prefix := b.key("job") + ":"
		iter := b.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
		}
		if err := iter.Err(); err != nil {
			return nil, core.ErrExecution(core.CodeInvalidState, "list by status failed").WithCause(err)
		}
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if err != nil || job == nil || job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (b *RedisBackend) refIndexKey(kind domain.JobKind, refID string) string {
	return b.key("ref", string(kind), refID)
}

type redisJobDoc struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	RefID       string                 `json:"ref_id"`
	Status      string                 `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	Priority    int                    `json:"priority"`
	AvailableAt time.Time              `json:"available_at"`
	LockedAt    *time.Time             `json:"locked_at,omitempty"`
	LockedBy    *string                `json:"locked_by,omitempty"`
	LastError   *string                `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func (b *RedisBackend) save(ctx context.Context, job *domain.Job) error {
	doc := redisJobDoc{
		ID: job.ID, Kind: string(job.Kind), RefID: job.RefID, Status: string(job.Status),
		Payload: job.Payload, Attempts: job.Attempts, MaxAttempts: job.MaxAttempts, Priority: job.Priority,
		AvailableAt: job.AvailableAt, LockedAt: job.LockedAt, LockedBy: job.LockedBy, LastError: job.LastError,
		CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "job is not JSON-serializable").WithCause(err)
	}
	if err := b.rdb.Set(ctx, b.jobKey(job.ID), raw, 0).Err(); err != nil {
		return core.ErrExecution(core.CodeInvalidState, "saving job failed").WithCause(err)
	}
	return b.rdb.ZAdd(ctx, b.refIndexKey(job.Kind, job.RefID), redis.Z{
		Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID,
	}).Err()
}

func (b *RedisBackend) load(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := b.rdb.Get(ctx, b.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, fmt.Sprintf("loading job %s failed", id)).WithCause(err)
	}
	var doc redisJobDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding job failed").WithCause(err)
	}
	return &domain.Job{
		ID: doc.ID, Kind: domain.JobKind(doc.Kind), RefID: doc.RefID, Status: domain.JobStatus(doc.Status),
		Payload: doc.Payload, Attempts: doc.Attempts, MaxAttempts: doc.MaxAttempts, Priority: doc.Priority,
		AvailableAt: doc.AvailableAt, LockedAt: doc.LockedAt, LockedBy: doc.LockedBy, LastError: doc.LastError,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}
