// Package queue implements the Durable Queue (C1): at-least-once job
// delivery with atomic leasing, priority+FIFO ordering, delayed
// availability and visibility-timeout based reclaim. Two backends are
// provided: a SQL-backed one (SQLite or Postgres, via sqlx) using a
// short write-transaction per lease, and a Redis-backed one using
// scripted compare-and-update against sorted sets.
package queue

import (
	"context"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
)

// Backend is the durable queue contract shared by every implementation.
// Implementations must satisfy invariants J1 (at most one worker holds a
// job `running` at a time), J2 (attempts <= max_attempts) and J3
// (available_at <= now() is necessary to lease).
type Backend interface {
	// Enqueue inserts a new job in status queued with
	// available_at = now + delay.
	Enqueue(ctx context.Context, kind domain.JobKind, refID string, payload map[string]interface{}, maxAttempts int, delay time.Duration, priority int) (*domain.Job, error)

	// Dequeue atomically leases the highest-priority eligible job for
	// worker_id and returns it, or (nil, nil) if none is eligible.
	Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, error)

	// Complete marks a job succeeded and clears its lock.
	Complete(ctx context.Context, jobID string) error

	// Fail requeues the job with a delay if attempts remain, otherwise
	// marks it failed. errMsg is recorded as last_error either way.
	Fail(ctx context.Context, jobID string, errMsg string, retryDelay time.Duration) error

	// Cancel marks a job canceled; a no-op if already terminal.
	Cancel(ctx context.Context, jobID string, reason string) error

	// Get returns a job by id, or (nil, nil) if it does not exist.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// GetLatestByRef returns the most recently created job of kind for
	// refID, or (nil, nil) if none exists.
	GetLatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error)

	// CancelQueuedByRef cancels every still-queued job of kind for refID.
	// Jobs already running are left untouched (spec §4.2 cancelation).
	CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error)

	// ExtendVisibility pushes a running job's effective lease deadline
	// further into the future by `additional`.
	ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error

	// FailAllRunning marks every job currently running as failed; used
	// on process startup so a prior crash leaves no orphaned leases.
	FailAllRunning(ctx context.Context, errMsg string) (int, error)

	// ListByStatus returns up to limit jobs in status, newest first. Used
	// by the Operator CLI's queue inspection command, not by the worker
	// pool's own dispatch loop.
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error)

	// Close releases backend resources.
	Close() error
}

// ErrNoJobAvailable is returned by nothing directly — Dequeue returns a
// nil job instead of an error when the queue is empty — but is kept as
// a sentinel for handlers that want to distinguish "empty" from a real
// failure when wrapping Backend behind their own interface.
var ErrNoJobAvailable = errNoJobAvailable{}

type errNoJobAvailable struct{}

func (errNoJobAvailable) Error() string { return "queue: no job available" }
