package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestSQLBackend(t *testing.T) *SQLBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLBackend_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	job, err := b.Enqueue(ctx, domain.JobKindRunExecute, "run-1", map[string]interface{}{"x": 1.0}, 3, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, job.Status)

	leased, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, domain.JobStatusRunning, leased.Status)
	require.Equal(t, 1, leased.Attempts)

	// A second worker must not observe the same job (invariant J1).
	none, err := b.Dequeue(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestSQLBackend_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "low", nil, 1, 0, 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, domain.JobKindRunExecute, "high", nil, 1, 0, 10)
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "high", job.RefID)
}

func TestSQLBackend_DelayedAvailability(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "delayed", nil, 1, time.Hour, 0)
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job, "delayed job must not be eligible before available_at")
}

func TestSQLBackend_FailRetriesThenTerminalizes(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "flaky", nil, 2, 0, 0)
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, b.Fail(ctx, job.ID, "boom", 0))
	again, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, again.Status)

	leased, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, leased.Attempts)

	require.NoError(t, b.Fail(ctx, leased.ID, "boom again", 0))
	final, err := b.Get(ctx, leased.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, final.Status)
}

func TestSQLBackend_VisibilityTimeoutReclaim(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := newTestSQLBackend(t)
	b.nowFunc = func() time.Time { return now }

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "crashed", nil, 3, 0, 0)
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Simulate the worker crashing: advance the clock past the lease.
	b.nowFunc = func() time.Time { return now.Add(2 * time.Second) }

	reclaimed, err := b.Dequeue(ctx, "worker-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, first.ID, reclaimed.ID)
	require.Equal(t, 2, reclaimed.Attempts)
}

func TestSQLBackend_CancelQueuedByRef(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "task-1", nil, 1, 0, 0)
	require.NoError(t, err)

	n, err := b.CancelQueuedByRef(ctx, domain.JobKindRunExecute, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := b.GetLatestByRef(ctx, domain.JobKindRunExecute, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCanceled, job.Status)
}

func TestSQLBackend_FailAllRunning(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "orphan", nil, 1, 0, 0)
	require.NoError(t, err)
	leased, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	n, err := b.FailAllRunning(ctx, "process restarted")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := b.Get(ctx, leased.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestSQLBackend_ListByStatus(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "run-1", nil, 3, 0, 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, domain.JobKindRunExecute, "run-2", nil, 3, 0, 0)
	require.NoError(t, err)
	leased, err := b.Dequeue(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	queued, err := b.ListByStatus(ctx, domain.JobStatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	running, err := b.ListByStatus(ctx, domain.JobStatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, leased.ID, running[0].ID)
}

func TestSQLBackend_ListByStatus_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLBackend(t)

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, domain.JobKindRunExecute, "run", nil, 3, 0, 0)
		require.NoError(t, err)
	}

	jobs, err := b.ListByStatus(ctx, domain.JobStatusQueued, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}
