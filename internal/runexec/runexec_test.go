package runexec

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/forgepilot/forgepilot/internal/agent"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/outputmux"
	"github.com/forgepilot/forgepilot/internal/store"
	"github.com/forgepilot/forgepilot/internal/workspace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := osexec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newBareRemote(t *testing.T) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	runGit(t, t.TempDir(), "init", "--bare", "-b", "main", remote)

	seed := t.TempDir()
	runGit(t, seed, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "initial")
	runGit(t, seed, "remote", "add", "origin", remote)
	runGit(t, seed, "push", "origin", "main")
	return remote
}

// fakeExecutor is a test-only agent.Executor that writes a fixed file
// and reports success without shelling out to any real CLI.
type fakeExecutor struct {
	kind    domain.ExecutorKind
	mutate  func(workspacePath string) error
	success bool
	errMsg  string
	summary string
}

func (f *fakeExecutor) Kind() domain.ExecutorKind { return f.kind }
func (f *fakeExecutor) Run(ctx context.Context, opts agent.RunOptions, onLine agent.OutputCallback) (*agent.Result, error) {
	if onLine != nil {
		onLine("agent working")
	}
	if f.mutate != nil {
		if err := f.mutate(opts.WorkspacePath); err != nil {
			return nil, err
		}
	}
	return &agent.Result{Success: f.success, Error: f.errMsg, Summary: f.summary}, nil
}

type fakeResolver struct{ exec agent.Executor }

func (r *fakeResolver) Get(kind domain.ExecutorKind) (agent.Executor, error) { return r.exec, nil }

func newFixture(t *testing.T, exec agent.Executor) (*Executor, *workspace.Workspace, *store.Store) {
	t.Helper()
	remote := newBareRemote(t)
	wsMgr := workspace.New(t.TempDir())
	ws, err := wsMgr.Create(context.Background(), workspace.CreateOptions{
		RemoteURL: remote, BaseBranch: "main", RunID: uuid.NewString(),
	}, false)
	require.NoError(t, err)

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(Deps{
		Workspaces: wsMgr,
		Agents:     &fakeResolver{exec: exec},
		Output:     outputmux.New(outputmux.DefaultConfig()),
		Store:      st,
	})
	return e, ws, st
}

func seedRun(t *testing.T, st *store.Store, instruction string) *domain.Run {
	t.Helper()
	ctx := context.Background()
	repo := &domain.Repository{ID: uuid.NewString(), RemoteURL: "irrelevant", DefaultBranch: "main"}
	require.NoError(t, st.CreateRepository(ctx, repo))
	task := &domain.Task{ID: uuid.NewString(), RepositoryID: repo.ID, Title: "t", CodingMode: domain.CodingModeFullAuto, BaseKanbanState: domain.KanbanStateTodo}
	require.NoError(t, st.CreateTask(ctx, task))
	run := &domain.Run{
		ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: domain.ExecutorClaudeCode,
		Status: domain.RunStatusQueued, Instruction: instruction, BaseRef: "main",
		FilesChanged: []string{}, Warnings: []string{}, Logs: []string{},
	}
	require.NoError(t, st.CreateRun(ctx, run))
	return run
}

func TestRun_SucceedsAndCommits(t *testing.T) {
	exec := &fakeExecutor{kind: domain.ExecutorClaudeCode, success: true, summary: "did the thing", mutate: func(path string) error {
		return os.WriteFile(filepath.Join(path, "new.txt"), []byte("content\n"), 0o644)
	}}
	e, ws, st := newFixture(t, exec)
	run := seedRun(t, st, "Add a new file please")

	require.NoError(t, e.Run(context.Background(), run, ws, nil, ""))
	require.Equal(t, domain.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.CommitSHA)
	require.Contains(t, run.FilesChanged, "new.txt")
	require.Equal(t, "did the thing", *run.Summary)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestRun_NoChangesSucceedsWithoutCommit(t *testing.T) {
	exec := &fakeExecutor{kind: domain.ExecutorClaudeCode, success: true}
	e, ws, st := newFixture(t, exec)
	run := seedRun(t, st, "Do nothing")

	require.NoError(t, e.Run(context.Background(), run, ws, nil, ""))
	require.Equal(t, domain.RunStatusSucceeded, run.Status)
	require.Nil(t, run.CommitSHA)
	require.Equal(t, "No changes made", *run.Summary)
}

func TestRun_AgentFailureMarksRunFailed(t *testing.T) {
	exec := &fakeExecutor{kind: domain.ExecutorClaudeCode, success: false, errMsg: "boom"}
	e, ws, st := newFixture(t, exec)
	run := seedRun(t, st, "Try something")

	require.NoError(t, e.Run(context.Background(), run, ws, nil, ""))
	require.Equal(t, domain.RunStatusFailed, run.Status)
	require.Equal(t, "boom", *run.Error)
}

func TestRun_SummaryFileIsReadAndRemoved(t *testing.T) {
	exec := &fakeExecutor{kind: domain.ExecutorClaudeCode, success: true, mutate: func(path string) error {
		if err := os.MkdirAll(filepath.Join(path, ".forgepilot"), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(path, SummaryFilePath), []byte("custom summary\n"), 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(path, "touched.txt"), []byte("x\n"), 0o644)
	}}
	e, ws, st := newFixture(t, exec)
	run := seedRun(t, st, "Write a summary file")

	require.NoError(t, e.Run(context.Background(), run, ws, nil, ""))
	require.Equal(t, domain.RunStatusSucceeded, run.Status)
	require.Equal(t, "custom summary", *run.Summary)

	_, err := os.Stat(filepath.Join(ws.Path, SummaryFilePath))
	require.True(t, os.IsNotExist(err))
}

func TestLooksLikeBaseMergeRequest(t *testing.T) {
	require.True(t, looksLikeBaseMergeRequest("please resolve the conflict with main"))
	require.True(t, looksLikeBaseMergeRequest("sync with the base branch"))
	require.False(t, looksLikeBaseMergeRequest("add a login button"))
}

func TestFilesChangedFromDiff(t *testing.T) {
	patch := `diff --git a/a.txt b/a.txt
index 111..222 100644
--- a/a.txt
+++ b/a.txt
@@ -1 +1,2 @@
 one
+two
diff --git a/dir/b.txt b/dir/b.txt
new file mode 100644
index 000..333
--- /dev/null
+++ b/dir/b.txt
@@ -0,0 +1 @@
+hi
`
	files := filesChangedFromDiff(patch)
	require.Equal(t, []string{"a.txt", "dir/b.txt"}, files)
}

func TestBuildCommitMessage(t *testing.T) {
	msg := buildCommitMessage("short instruction", "a summary")
	require.Equal(t, "short instruction\n\na summary", msg)

	long := buildCommitMessage(string(make([]byte, 100)), "")
	require.Len(t, long, 72)
}
