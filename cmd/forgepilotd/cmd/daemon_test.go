package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepilot/forgepilot/internal/config"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/queue"
)

func TestRedisClientFor(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.RedisAddr = "127.0.0.1:6380"
	cfg.Queue.RedisDB = 3

	client := redisClientFor(cfg)
	defer client.Close()

	opts := client.Options()
	assert.Equal(t, "127.0.0.1:6380", opts.Addr)
	assert.Equal(t, 3, opts.DB)
}

func TestCloseQueue_ClosesUnderlyingBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".forgepilot"), 0o750))

	qb, err := queue.OpenSQLite(filepath.Join(dir, ".forgepilot", "queue.db"))
	require.NoError(t, err)

	// Closing through the queue.Backend interface must not panic and
	// must actually release the handle: a second Close on the same
	// *SQLBackend still returns cleanly once closeQueue has run.
	closeQueue(qb)
	assert.NoError(t, qb.Close())
}

// setupDaemonInfraForTest runs the same ordered setup helpers runDaemon
// does, against a temp-dir sqlite store and queue, stopping short of
// starting the worker pool or blocking on OS signals.
func setupDaemonInfraForTest(t *testing.T) *daemonInfra {
	t.Helper()

	dir := t.TempDir()
	oldDir, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldDir) })
	require.NoError(t, os.Chdir(dir))
	require.NoError(t, os.MkdirAll(".forgepilot", 0o750))

	viper.Reset()
	cfgFile = ""
	t.Cleanup(func() { viper.Reset() })

	infra := &daemonInfra{logger: logging.New(logging.Config{Level: "error", Format: "text", Output: os.Stderr})}

	require.NoError(t, setupDaemonConfig(infra))
	require.NoError(t, setupDaemonStoreAndQueue(infra))
	t.Cleanup(func() { infra.store.Close() })
	t.Cleanup(func() { closeQueue(infra.queue) })

	setupDaemonCollaborators(infra)
	require.NoError(t, setupDaemonExecutors(infra))
	setupDaemonWorkerPool(infra)

	return infra
}

func TestSetupDaemon_WiresAllCollaborators(t *testing.T) {
	infra := setupDaemonInfraForTest(t)

	assert.NotNil(t, infra.cfg)
	assert.NotNil(t, infra.store)
	assert.NotNil(t, infra.queue)
	assert.NotNil(t, infra.workspaces)
	assert.NotNil(t, infra.agents)
	assert.NotNil(t, infra.output)
	assert.NotNil(t, infra.hosts)
	assert.NotNil(t, infra.notifier)
	assert.NotNil(t, infra.translator)
	assert.NotNil(t, infra.metrics)
	assert.NotNil(t, infra.sup)
	assert.NotNil(t, infra.poller)
	assert.NotNil(t, infra.runExec)
	assert.NotNil(t, infra.reviewExec)
	assert.NotNil(t, infra.engine)
	assert.NotNil(t, infra.pool)
}

// seedRepoTaskRun creates a repository, a task belonging to it, and one
// run against that task with the given executor kind and workspace
// path, returning the run.
func seedRepoTaskRun(t *testing.T, infra *daemonInfra, executorKind domain.ExecutorKind, workspacePath, workingBranch string) *domain.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	repo := &domain.Repository{ID: uuid.NewString(), RemoteURL: "git@example.com:acme/widgets.git", DefaultBranch: "main", CreatedAt: now}
	require.NoError(t, infra.store.CreateRepository(ctx, repo))

	task := &domain.Task{
		ID: uuid.NewString(), RepositoryID: repo.ID, Title: "fix the thing",
		CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, infra.store.CreateTask(ctx, task))

	run := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: executorKind,
		Status: domain.RunStatusSucceeded, Instruction: "do it", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: now,
	}
	if workspacePath != "" {
		run.WorkspacePath = &workspacePath
	}
	if workingBranch != "" {
		run.WorkingBranch = &workingBranch
	}
	require.NoError(t, infra.store.CreateRun(ctx, run))
	return run
}

func TestLatestReusableRun_SkipsOtherExecutorKindsAndMissingPaths(t *testing.T) {
	infra := setupDaemonInfraForTest(t)
	ctx := context.Background()

	prior := seedRepoTaskRun(t, infra, domain.ExecutorClaudeCode, "/workspaces/prior", "forgepilot/abc12345")
	task, err := infra.store.GetTask(ctx, prior.TaskID)
	require.NoError(t, err)

	// Different executor kind: must not be considered reusable.
	otherKind := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorCodexCLI,
		Status: domain.RunStatusSucceeded, Instruction: "do it", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateRun(ctx, otherKind))

	current := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: "do it again", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateRun(ctx, current))

	found, err := latestReusableRun(ctx, infra, current)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, prior.ID, found.ID)
}

func TestLatestReusableRun_SkipsLegacyWorktreePaths(t *testing.T) {
	infra := setupDaemonInfraForTest(t)
	ctx := context.Background()

	legacyPath := filepath.Join(".worktrees", "old-run")
	prior := seedRepoTaskRun(t, infra, domain.ExecutorClaudeCode, legacyPath, "forgepilot/legacy")
	task, err := infra.store.GetTask(ctx, prior.TaskID)
	require.NoError(t, err)

	current := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: "do it again", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateRun(ctx, current))

	found, err := latestReusableRun(ctx, infra, current)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestResolveWorkspace_NoPriorRunReturnsNil(t *testing.T) {
	infra := setupDaemonInfraForTest(t)
	ctx := context.Background()

	repo := &domain.Repository{ID: uuid.NewString(), RemoteURL: "git@example.com:acme/widgets.git", DefaultBranch: "main", CreatedAt: time.Now().UTC()}
	require.NoError(t, infra.store.CreateRepository(ctx, repo))
	task := &domain.Task{
		ID: uuid.NewString(), RepositoryID: repo.ID, Title: "fix the thing",
		CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateTask(ctx, task))
	run := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: "do it", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateRun(ctx, run))

	assert.Nil(t, resolveWorkspace(ctx, infra, run, repo, ""))
}

func TestResolveWorkspace_InvalidCandidateWorkspaceReturnsNil(t *testing.T) {
	infra := setupDaemonInfraForTest(t)
	ctx := context.Background()

	// A workspace path that was never cloned fails workspace.Manager.IsValid,
	// so ShouldReuse returns false and resolveWorkspace must fall back to nil
	// (the caller then clones fresh) rather than handing back a broken path.
	prior := seedRepoTaskRun(t, infra, domain.ExecutorClaudeCode, filepath.Join(t.TempDir(), "never-cloned"), "forgepilot/abc12345")
	task, err := infra.store.GetTask(ctx, prior.TaskID)
	require.NoError(t, err)
	repo, err := infra.store.GetRepository(ctx, task.RepositoryID)
	require.NoError(t, err)

	current := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: "do it again", BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, infra.store.CreateRun(ctx, current))

	assert.Nil(t, resolveWorkspace(ctx, infra, current, repo, ""))
}

func TestSetupDaemonConfig_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	oldDir, _ := os.Getwd()
	defer os.Chdir(oldDir)
	require.NoError(t, os.Chdir(dir))

	viper.Reset()
	cfgFile = ""
	defer viper.Reset()

	infra := &daemonInfra{logger: logging.New(logging.Config{Level: "error", Format: "text", Output: os.Stderr})}
	require.NoError(t, setupDaemonConfig(infra))

	assert.Equal(t, "sqlite", infra.cfg.Store.Driver)
	assert.Equal(t, "squash", infra.cfg.Cycle.MergeMethod)
	assert.NotZero(t, infra.durs.PollInterval)
}
