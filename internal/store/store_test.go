package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRepoAndTask(t *testing.T, s *Store) (*domain.Repository, *domain.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	repo := &domain.Repository{
		ID: uuid.NewString(), RemoteURL: "git@example.com:acme/widgets.git",
		DefaultBranch: "main", CreatedAt: now,
	}
	require.NoError(t, s.CreateRepository(ctx, repo))

	task := &domain.Task{
		ID: uuid.NewString(), RepositoryID: repo.ID, Title: "fix the thing",
		CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	return repo, task
}

func TestRepository_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, _ := seedRepoAndTask(t, s)

	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, repo.RemoteURL, got.RemoteURL)

	missing, err := s.GetRepository(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTask_CreateGetListAndKanbanState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo, task := seedRepoAndTask(t, s)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Title, got.Title)

	tasks, err := s.ListTasksByRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, s.UpdateTaskKanbanState(ctx, task.ID, domain.KanbanStateArchived, time.Now()))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KanbanStateArchived, got.BaseKanbanState)
}

func TestRun_CreateUpdateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	run := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: "implement the feature", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: now,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusQueued, got.Status)
	require.Empty(t, got.FilesChanged)

	summary := "added the feature"
	run.Status = domain.RunStatusSucceeded
	run.Summary = &summary
	run.FilesChanged = []string{"a.go", "b.go"}
	run.Warnings = []string{"deprecated call"}
	run.Logs = []string{"line 1", "line 2"}
	run.CompletedAt = &now
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSucceeded, got.Status)
	require.Equal(t, "added the feature", *got.Summary)
	require.Equal(t, []string{"a.go", "b.go"}, got.FilesChanged)
	require.Equal(t, []string{"deprecated call"}, got.Warnings)

	list, err := s.ListRunsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReview_CreateUpdateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	review := &domain.Review{
		ID: uuid.NewString(), TaskID: task.ID, TargetRunIDs: []string{"run-1"},
		ExecutorKind: domain.ExecutorCodexCLI, Status: domain.RunStatusRunning,
		Instruction: "review the diff", Feedbacks: []domain.Feedback{}, Warnings: []string{}, Logs: []string{},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateReview(ctx, review))

	score := 0.82
	review.Status = domain.RunStatusSucceeded
	review.OverallScore = &score
	review.Feedbacks = []domain.Feedback{
		{Severity: domain.SeverityMedium, Category: "style", FilePath: "a.go", Title: "naming", Description: "rename x"},
	}
	require.NoError(t, s.UpdateReview(ctx, review))

	got, err := s.GetReview(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSucceeded, got.Status)
	require.InDelta(t, 0.82, *got.OverallScore, 0.0001)
	require.Len(t, got.Feedbacks, 1)
	require.Equal(t, "naming", got.Feedbacks[0].Title)
}

func TestPullRequest_CreateUpdateGetByTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	pr := &domain.PullRequest{
		ID: uuid.NewString(), TaskID: task.ID, Number: 42, Branch: "forgepilot/abcd1234",
		BaseBranch: "main", Title: "fix the thing", HeadSHA: "deadbeef",
		Status: domain.PullRequestOpen, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreatePullRequest(ctx, pr))

	require.NoError(t, s.UpdatePullRequestStatus(ctx, pr.ID, domain.PullRequestMerged, "cafef00d", time.Now()))
	got, err := s.GetPullRequestByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PullRequestMerged, got.Status)
	require.Equal(t, "cafef00d", got.HeadSHA)
}

func TestCycleState_UpsertGetListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, task := seedRepoAndTask(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	st := &domain.AutonomousCycleState{
		TaskID: task.ID, Mode: domain.CodingModeFullAuto, Phase: domain.PhaseCoding,
		StartedAt: now, LastActivityAt: now,
	}
	require.NoError(t, s.UpsertCycleState(ctx, st))

	got, err := s.GetCycleState(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseCoding, got.Phase)

	active, err := s.ListActiveCycleStates(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	st.Phase = domain.PhaseCompleted
	st.Iteration = 3
	require.NoError(t, s.UpsertCycleState(ctx, st))

	got, err = s.GetCycleState(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseCompleted, got.Phase)
	require.Equal(t, 3, got.Iteration)

	active, err = s.ListActiveCycleStates(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestOutputLineStore_AppendMaxHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	maxLine, err := s.MaxLineNumber(ctx, "stream-unknown")
	require.NoError(t, err)
	require.EqualValues(t, -1, maxLine)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.AppendLine(ctx, "stream-1", domain.OutputLine{
			StreamID: "stream-1", LineNumber: i, Content: "line", Timestamp: time.Now(),
		}))
	}

	maxLine, err = s.MaxLineNumber(ctx, "stream-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, maxLine)

	hist, err := s.HistorySince(ctx, "stream-1", 1)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.EqualValues(t, 1, hist[0].LineNumber)
}
