package store

import (
	"context"
	"testing"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seedPendingRun(t *testing.T, s *Store, taskID string, status domain.RunStatus) *domain.Run {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	run := &domain.Run{
		ID: uuid.NewString(), TaskID: taskID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: status, Instruction: "do the thing", BaseRef: "main", CreatedAt: now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func seedPendingReview(t *testing.T, s *Store, taskID string, status domain.RunStatus) *domain.Review {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	review := &domain.Review{
		ID: uuid.NewString(), TaskID: taskID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: status, Instruction: "review the thing", CreatedAt: now,
	}
	require.NoError(t, s.CreateReview(context.Background(), review))
	return review
}

func seedCycleState(t *testing.T, s *Store, taskID string, phase domain.CyclePhase) *domain.AutonomousCycleState {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	state := &domain.AutonomousCycleState{
		TaskID: taskID, Mode: domain.CodingModeFullAuto, Phase: phase,
		StartedAt: now, LastActivityAt: now,
	}
	require.NoError(t, s.UpsertCycleState(context.Background(), state))
	return state
}

func TestCountPending_CountsOnlyNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)

	seedPendingRun(t, s, task.ID, domain.RunStatusQueued)
	seedPendingRun(t, s, task.ID, domain.RunStatusRunning)
	seedPendingRun(t, s, task.ID, domain.RunStatusSucceeded)
	seedPendingReview(t, s, task.ID, domain.RunStatusQueued)
	seedCycleState(t, s, task.ID, domain.PhaseCoding)

	counts, err := s.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Runs)
	require.Equal(t, 1, counts.Reviews)
	require.Equal(t, 1, counts.CycleStates)
}

func TestCountPending_IgnoresTerminalCycleState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	seedCycleState(t, s, task.ID, domain.PhaseCompleted)

	counts, err := s.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.CycleStates)
}

func TestPendingBreakdownByTask_GroupsByTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := &domain.Repository{ID: uuid.NewString(), RemoteURL: "git@example.com:acme/a.git", DefaultBranch: "main", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRepository(ctx, repo))

	now := time.Now().UTC().Truncate(time.Second)
	taskA := &domain.Task{ID: uuid.NewString(), RepositoryID: repo.ID, Title: "task a", CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo, CreatedAt: now, UpdatedAt: now}
	taskB := &domain.Task{ID: uuid.NewString(), RepositoryID: repo.ID, Title: "task b", CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTask(ctx, taskA))
	require.NoError(t, s.CreateTask(ctx, taskB))

	seedPendingRun(t, s, taskA.ID, domain.RunStatusRunning)
	seedPendingReview(t, s, taskA.ID, domain.RunStatusQueued)
	seedCycleState(t, s, taskB.ID, domain.PhaseReviewing)

	breakdown, err := s.PendingBreakdownByTask(ctx)
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	byID := map[string]PendingBreakdown{}
	for _, b := range breakdown {
		byID[b.TaskID] = b
	}
	require.Equal(t, 1, byID[taskA.ID].Runs)
	require.Equal(t, 1, byID[taskA.ID].Reviews)
	require.Equal(t, 1, byID[taskB.ID].CycleStates)
}

func TestResetPendingRuns_CancelsWithReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	run := seedPendingRun(t, s, task.ID, domain.RunStatusRunning)
	seedPendingRun(t, s, task.ID, domain.RunStatusSucceeded)

	n, err := s.ResetPendingRuns(ctx, "reset by admin")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCanceled, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "reset by admin", *got.Error)
}

func TestResetPendingReviews_CancelsWithReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	review := seedPendingReview(t, s, task.ID, domain.RunStatusQueued)

	n, err := s.ResetPendingReviews(ctx, "reset by admin")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetReview(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCanceled, got.Status)
}

func TestResetPendingCycleStates_FailsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	seedCycleState(t, s, task.ID, domain.PhaseFixingCI)

	n, err := s.ResetPendingCycleStates(ctx, "reset by admin")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetCycleState(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFailed, got.Phase)
	require.NotNil(t, got.Error)
}

func TestListPendingRuns_ReturnsOnlyNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	seedPendingRun(t, s, task.ID, domain.RunStatusQueued)
	seedPendingRun(t, s, task.ID, domain.RunStatusFailed)

	runs, err := s.ListPendingRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.RunStatusQueued, runs[0].Status)
}
