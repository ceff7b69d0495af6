// Package workspace implements the Workspace Manager (C3): creation,
// validation, remote sync, merge-base integration and teardown of the
// isolated repository checkouts the Run Executor (C7) drives an agent
// inside. Each workspace is a filesystem directory holding a full clone
// on a dedicated branch for one Run; workspaces are the unit of
// isolation between concurrent agent invocations (spec §4.3).
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/repodriver"
)

const (
	defaultBranchPrefix = "forgepilot"
	shortIDLen           = 8
)

// Workspace is a handle to a single clone rooted at Path, already
// switched to its dedicated working branch.
type Workspace struct {
	Path   string
	Branch string

	driver *repodriver.Driver
}

// Driver returns the repository driver bound to this workspace's
// directory, for callers (the Run Executor) that need direct plumbing
// access beyond this package's higher-level operations.
func (w *Workspace) Driver() *repodriver.Driver { return w.driver }

// Manager creates, reuses and tears down Workspaces under a single base
// directory, one subdirectory per Run.
type Manager struct {
	baseDir string
	log     *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger used for reuse/cleanup diagnostics.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a Manager rooted at baseDir. baseDir is created on first
// use if it does not exist.
func New(baseDir string, opts ...Option) *Manager {
	m := &Manager{baseDir: baseDir, log: logging.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PathFor returns the deterministic on-disk path for a given run id,
// without touching the filesystem.
func (m *Manager) PathFor(runID string) string {
	return filepath.Join(m.baseDir, runID)
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	RemoteURL    string
	BaseBranch   string
	RunID        string
	BranchPrefix string
	AuthURL      string
	// Shallow requests a depth-1, single-branch clone. Defaults to true
	// when unset via CreateOptions{}; callers that want a full clone
	// must set it explicitly via Create's shallow parameter instead.
	Shallow bool
}

// Create clones RemoteURL into a fresh directory for RunID, checked out
// on BaseBranch, then creates and switches to a new branch
// "<prefix>/<short_run_id>" (spec §4.3 step (iii)). Any pre-existing
// directory at the target path is removed first so Create is always a
// clean start.
func (m *Manager) Create(ctx context.Context, opts CreateOptions, shallow bool) (*Workspace, error) {
	path := m.PathFor(opts.RunID)
	if err := os.RemoveAll(path); err != nil {
		return nil, core.ErrExecution(core.CodeMissingWorkspace, "removing stale workspace directory").WithCause(err)
	}
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, core.ErrExecution(core.CodeMissingWorkspace, "creating workspace base directory").WithCause(err)
	}

	d, err := repodriver.Clone(ctx, path, opts.RemoteURL, opts.AuthURL, opts.BaseBranch, shallow)
	if err != nil {
		return nil, err
	}

	branch := fmt.Sprintf("%s/%s", normalizePrefix(opts.BranchPrefix), shortID(opts.RunID))
	if err := d.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}

	m.log.With("run_id", opts.RunID, "path", path, "branch", branch).Info("workspace created")
	return &Workspace{Path: path, Branch: branch, driver: d}, nil
}

// Open binds a Manager-independent Workspace handle to an existing
// directory, for reuse or plain inspection. It does not validate the
// directory; call IsValid first if that matters.
func (m *Manager) Open(path string) *Workspace {
	return &Workspace{Path: path, driver: repodriver.New(path)}
}

// IsValid returns true iff path is a readable repository whose status
// command succeeds.
func (m *Manager) IsValid(ctx context.Context, path string) bool {
	return repodriver.New(path).IsValid(ctx)
}

// ShouldReuse implements the Run Executor's reuse policy (spec §4.3):
// a prior workspace is reused when it still validates AND either
// baseBranch is not the repository's default branch, or
// origin/defaultBranch is an ancestor of the workspace's current HEAD.
// Workspaces under a legacyPrefix (the deprecated single-repo-worktree
// layout) are never reused.
func (m *Manager) ShouldReuse(ctx context.Context, ws *Workspace, baseBranch, defaultBranch, authURL string) (bool, error) {
	if !m.IsValid(ctx, ws.Path) {
		return false, nil
	}
	if baseBranch != defaultBranch {
		return true, nil
	}
	if err := ws.driver.Fetch(ctx, defaultBranch, authURL); err != nil {
		return false, err
	}
	remoteSHA, err := ws.driver.RevParse(ctx, "origin/"+defaultBranch)
	if err != nil {
		return false, err
	}
	headSHA, err := ws.driver.HeadSHA(ctx)
	if err != nil {
		return false, err
	}
	return ws.driver.MergeBaseIsAncestor(ctx, remoteSHA, headSHA)
}

// IsLegacyWorkspace reports whether path sits under a directory named
// ".worktrees" — the deprecated single-repo worktree layout this
// domain's Run Executor must never reuse (spec §4.3, "Reuse policy").
func IsLegacyWorkspace(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".worktrees" {
			return true
		}
	}
	return false
}

// IsBehindRemote fetches origin/branch then reports whether the local
// HEAD is strictly behind it (the remote head is a descendant of, and
// distinct from, local HEAD).
func (m *Manager) IsBehindRemote(ctx context.Context, ws *Workspace, branch, authURL string) (bool, error) {
	if err := ws.driver.Fetch(ctx, branch, authURL); err != nil {
		return false, err
	}
	localSHA, err := ws.driver.HeadSHA(ctx)
	if err != nil {
		return false, err
	}
	remoteSHA, err := ws.driver.RevParse(ctx, "origin/"+branch)
	if err != nil {
		return false, err
	}
	if localSHA == remoteSHA {
		return false, nil
	}
	return ws.driver.MergeBaseIsAncestor(ctx, localSHA, remoteSHA)
}

// SyncResult is the outcome of SyncWithRemote.
type SyncResult struct {
	Success       bool
	CommitsPulled int
	ConflictFiles []string
	Error         string
}

// SyncWithRemote fetches branch; if local already matches remote, it
// reports success with zero commits pulled. Otherwise it attempts a
// pull, reporting conflict files (without resolving them) on failure.
func (m *Manager) SyncWithRemote(ctx context.Context, ws *Workspace, branch, authURL string) (*SyncResult, error) {
	if err := ws.driver.Fetch(ctx, branch, authURL); err != nil {
		return nil, err
	}
	localSHA, err := ws.driver.HeadSHA(ctx)
	if err != nil {
		return nil, err
	}
	remoteSHA, err := ws.driver.RevParse(ctx, "origin/"+branch)
	if err != nil {
		return nil, err
	}
	if localSHA == remoteSHA {
		return &SyncResult{Success: true, CommitsPulled: 0}, nil
	}

	res, err := ws.driver.Pull(ctx, branch, authURL)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		Success:       res.Success,
		CommitsPulled: res.CommitsPulled,
		ConflictFiles: res.ConflictFiles,
		Error:         res.Error,
	}, nil
}

// Unshallow converts ws into a full clone if it is currently shallow.
// Idempotent: a no-op on an already-full clone (spec §4.3).
func (m *Manager) Unshallow(ctx context.Context, ws *Workspace, authURL string) error {
	return ws.driver.Unshallow(ctx, authURL)
}

// MergeResult is the outcome of MergeBaseBranch.
type MergeResult struct {
	Success      bool
	ConflictInfo []string
}

// MergeBaseBranch unshallows ws if needed, fetches baseBranch, then
// attempts to merge origin/baseBranch into the current branch. On
// conflict the workspace is left in the conflicted state for the next
// agent invocation to resolve (spec §4.3).
func (m *Manager) MergeBaseBranch(ctx context.Context, ws *Workspace, baseBranch, authURL string) (*MergeResult, error) {
	res, err := ws.driver.MergeBranch(ctx, baseBranch, authURL)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Success: res.Success, ConflictInfo: res.ConflictFiles}, nil
}

// GetConflictFiles enumerates files currently in an unmerged state.
func (m *Manager) GetConflictFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	return ws.driver.ConflictFiles(ctx)
}

// CompleteMerge stages everything and commits the in-progress merge,
// returning the new head sha.
func (m *Manager) CompleteMerge(ctx context.Context, ws *Workspace, message string) (string, error) {
	if message == "" {
		message = "Merge base branch"
	}
	return ws.driver.CompleteMerge(ctx, message)
}

// AbortMerge reverts a merge in progress.
func (m *Manager) AbortMerge(ctx context.Context, ws *Workspace) error {
	return ws.driver.AbortMerge(ctx)
}

// StageAll stages every working-tree change.
func (m *Manager) StageAll(ctx context.Context, ws *Workspace) error {
	return ws.driver.StageAll(ctx)
}

// GetDiff returns the staged (or full working-tree, if staged is
// false) diff.
func (m *Manager) GetDiff(ctx context.Context, ws *Workspace, staged bool) (string, error) {
	return ws.driver.Diff(ctx, staged)
}

// Commit records a commit of the currently staged changes.
func (m *Manager) Commit(ctx context.Context, ws *Workspace, message string) (string, error) {
	return ws.driver.Commit(ctx, message)
}

// Push pushes branch upstream, retrying once on a non-fast-forward
// rejection (C4's push-with-retry, spec §4.4).
func (m *Manager) Push(ctx context.Context, ws *Workspace, branch, authURL string, force bool) (*repodriver.PushResult, error) {
	return ws.driver.PushWithRetry(ctx, branch, authURL, force)
}

// GetCurrentBranch returns the workspace's checked-out branch name.
func (m *Manager) GetCurrentBranch(ctx context.Context, ws *Workspace) (string, error) {
	return ws.driver.CurrentBranch(ctx)
}

// GetHeadSHA returns the workspace's current HEAD commit sha.
func (m *Manager) GetHeadSHA(ctx context.Context, ws *Workspace) (string, error) {
	return ws.driver.HeadSHA(ctx)
}

// GetChangedFiles returns the files touched by HEAD.
func (m *Manager) GetChangedFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	return ws.driver.ChangedFiles(ctx)
}

// Cleanup removes the workspace directory and, optionally, deletes its
// remote branch.
func (m *Manager) Cleanup(ctx context.Context, ws *Workspace, deleteRemoteBranch bool, authURL string) error {
	if deleteRemoteBranch && ws.Branch != "" {
		if err := ws.driver.DeleteRemoteBranch(ctx, ws.Branch, authURL); err != nil {
			m.log.With("branch", ws.Branch, "error", err).Warn("failed to delete remote branch during cleanup")
		}
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return core.ErrExecution(core.CodeMissingWorkspace, "removing workspace directory").WithCause(err)
	}
	return nil
}

// normalizePrefix implements spec §4.3's branch-prefix normalization:
// whitespace trimmed, internal whitespace collapsed to a single '-',
// surrounding slashes stripped, empty input falls back to the default.
func normalizePrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultBranchPrefix
	}
	fields := strings.Fields(trimmed)
	collapsed := strings.Join(fields, "-")
	collapsed = strings.Trim(collapsed, "/")
	if collapsed == "" {
		return defaultBranchPrefix
	}
	return collapsed
}

// shortID truncates a run id to a short, branch-friendly form, the way
// a short commit sha is conventionally displayed.
func shortID(runID string) string {
	id := strings.TrimSpace(runID)
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}
