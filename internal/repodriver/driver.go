// Package repodriver implements the Repository Driver (C4): a thin,
// synchronous adapter around the external `git` command-line tool,
// invoked as a subprocess for every operation. Grounded on the teacher's
// `internal/adapters/git.Client`, generalized from a workflow-scoped git
// wrapper into the lower-level plumbing Workspace Manager (C3) composes.
package repodriver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
)

// nonFastForwardPatterns are substrings of a push error that indicate the
// remote has commits the local branch doesn't — a push-with-retry
// candidate, not a permanent failure (spec §4.4).
var nonFastForwardPatterns = []string{
	"non-fast-forward",
	"rejected",
	"failed to push some refs",
	"updates were rejected",
	"fetch first",
}

// Driver wraps git CLI operations against a single working directory.
type Driver struct {
	dir     string
	gitPath string
	timeout time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithTimeout overrides the per-command timeout (default 60s).
func WithTimeout(d time.Duration) Option {
	return func(drv *Driver) { drv.timeout = d }
}

// WithGitPath overrides the resolved git binary (default: "git" on PATH).
func WithGitPath(path string) Option {
	return func(drv *Driver) { drv.gitPath = path }
}

// New returns a Driver operating against dir, which need not yet exist
// (Clone creates it); operations other than Clone require dir to already
// be a git working tree.
func New(dir string, opts ...Option) *Driver {
	drv := &Driver{dir: dir, gitPath: "git", timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

// Dir returns the working directory this Driver operates against.
func (d *Driver) Dir() string { return d.dir }

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// exec.CommandContext does not invoke a shell, so args are not
	// subject to shell interpolation.
	cmd := exec.CommandContext(ctx, d.gitPath, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, errOut, core.ErrTimeout(fmt.Sprintf("git %s timed out", strings.Join(args, " ")))
		}
		return out, errOut, core.ErrExecution(core.CodeAgentFailed, fmt.Sprintf("git %s: %s", strings.Join(args, " "), errOut)).WithCause(err)
	}
	return out, errOut, nil
}

func (d *Driver) git(ctx context.Context, args ...string) (string, error) {
	out, _, err := d.run(ctx, d.dir, args...)
	return out, err
}

// Clone shallow-clones remoteURL into dir on branch, then (if authURL
// was used to provide credentials) rewrites the origin remote to the
// non-authenticated form so credentials do not persist on disk.
func Clone(ctx context.Context, dir, remoteURL, authURL, branch string, shallow bool, opts ...Option) (*Driver, error) {
	args := []string{"clone"}
	if shallow {
		args = append(args, "--depth", "1")
	}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	cloneURL := remoteURL
	if authURL != "" {
		cloneURL = authURL
	}
	args = append(args, cloneURL, dir)

	d := New(dir, opts...)
	parent := filepath.Dir(dir)
	if _, _, err := d.run(ctx, parent, args...); err != nil {
		return nil, err
	}
	if authURL != "" && authURL != remoteURL {
		if _, err := d.git(ctx, "remote", "set-url", "origin", remoteURL); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// IsValid reports whether dir is a readable git working tree.
func (d *Driver) IsValid(ctx context.Context) bool {
	_, err := d.git(ctx, "status", "--porcelain")
	return err == nil
}

// Fetch fetches ref (or all refs, if ref == "") from origin.
func (d *Driver) Fetch(ctx context.Context, ref, authURL string) error {
	args := []string{"fetch", "origin"}
	if ref != "" {
		args = append(args, ref)
	}
	if authURL != "" {
		_, err := d.fetchWithAuthURL(ctx, authURL, args[2:]...)
		return err
	}
	_, err := d.git(ctx, args...)
	return err
}

func (d *Driver) fetchWithAuthURL(ctx context.Context, authURL string, refs ...string) (string, error) {
	args := append([]string{"fetch", authURL}, refs...)
	return d.git(ctx, args...)
}

// RevParse resolves rev to its full SHA.
func (d *Driver) RevParse(ctx context.Context, rev string) (string, error) {
	return d.git(ctx, "rev-parse", rev)
}

// CurrentBranch returns the checked-out branch name.
func (d *Driver) CurrentBranch(ctx context.Context) (string, error) {
	return d.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadSHA returns the current HEAD commit sha.
func (d *Driver) HeadSHA(ctx context.Context) (string, error) {
	return d.RevParse(ctx, "HEAD")
}

// MergeBaseIsAncestor reports whether ancestor is an ancestor of
// descendant (used to detect "strictly behind" relationships).
func (d *Driver) MergeBaseIsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, _, err := d.run(ctx, d.dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if domErr, ok := err.(*core.DomainError); ok && domErr.Category == core.ErrCatTimeout {
		return false, err
	}
	// Non-zero, non-timeout exit from --is-ancestor means "not an
	// ancestor", which is a normal negative result, not a failure.
	return false, nil
}

// CreateBranch creates and checks out a new branch from the current HEAD.
func (d *Driver) CreateBranch(ctx context.Context, name string) error {
	_, err := d.git(ctx, "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch or ref.
func (d *Driver) Checkout(ctx context.Context, ref string) error {
	_, err := d.git(ctx, "checkout", ref)
	return err
}

// Unshallow converts a shallow clone into one with full history.
// Idempotent: a no-op against an already-unshallow repository returns
// the (benign) git error unexamined, matching spec §4.3.
func (d *Driver) Unshallow(ctx context.Context, authURL string) error {
	shallow, _ := d.git(ctx, "rev-parse", "--is-shallow-repository")
	if shallow != "true" {
		return nil
	}
	if authURL != "" {
		_, err := d.fetchWithAuthURL(ctx, authURL, "--unshallow")
		return err
	}
	_, err := d.git(ctx, "fetch", "--unshallow", "origin")
	return err
}

// Pull runs `git pull origin <branch>` and classifies conflicts.
type PullResult struct {
	Success       bool
	CommitsPulled int
	ConflictFiles []string
	Error         string
}

// Pull fetches and merges origin/branch into the current branch.
func (d *Driver) Pull(ctx context.Context, branch, authURL string) (*PullResult, error) {
	before, _ := d.HeadSHA(ctx)
	var out, errOut string
	var err error
	if authURL != "" {
		out, errOut, err = d.run(ctx, d.dir, "pull", authURL, branch)
	} else {
		out, errOut, err = d.run(ctx, d.dir, "pull", "origin", branch)
	}
	if err == nil {
		after, _ := d.HeadSHA(ctx)
		count := 0
		if before != after {
			countStr, cErr := d.git(ctx, "rev-list", "--count", before+".."+after)
			if cErr == nil {
				fmt.Sscanf(countStr, "%d", &count)
			}
		}
		return &PullResult{Success: true, CommitsPulled: count}, nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(errOut, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		files, convErr := d.ConflictFiles(ctx)
		if convErr != nil {
			return nil, convErr
		}
		return &PullResult{Success: false, ConflictFiles: files, Error: errOut}, nil
	}
	return nil, err
}

// MergeBranch merges origin/base into the current branch, fetching base
// first and unshallowing if required.
func (d *Driver) MergeBranch(ctx context.Context, base, authURL string) (*PullResult, error) {
	if err := d.Unshallow(ctx, authURL); err != nil {
		return nil, err
	}
	if err := d.Fetch(ctx, base, authURL); err != nil {
		return nil, err
	}
	out, errOut, err := d.run(ctx, d.dir, "merge", "origin/"+base)
	if err == nil {
		return &PullResult{Success: true}, nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(errOut, "CONFLICT") {
		files, convErr := d.ConflictFiles(ctx)
		if convErr != nil {
			return nil, convErr
		}
		return &PullResult{Success: false, ConflictFiles: files, Error: errOut}, nil
	}
	return nil, err
}

// ConflictFiles enumerates paths currently in an unmerged state.
func (d *Driver) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := d.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CompleteMerge stages everything and commits an in-progress merge.
func (d *Driver) CompleteMerge(ctx context.Context, message string) (string, error) {
	if _, err := d.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if message == "" {
		message = "Merge base branch"
	}
	if _, err := d.git(ctx, "commit", "--no-edit", "-m", message); err != nil {
		return "", err
	}
	return d.HeadSHA(ctx)
}

// AbortMerge reverts an in-progress merge.
func (d *Driver) AbortMerge(ctx context.Context) error {
	_, err := d.git(ctx, "merge", "--abort")
	return err
}

// StageAll stages every change in the working tree.
func (d *Driver) StageAll(ctx context.Context) error {
	_, err := d.git(ctx, "add", "-A")
	return err
}

// DiscardChanges resets tracked files to HEAD and removes untracked ones,
// leaving the working tree clean without touching branch or remote state.
func (d *Driver) DiscardChanges(ctx context.Context) error {
	if _, err := d.git(ctx, "checkout", "--", "."); err != nil {
		return err
	}
	_, err := d.git(ctx, "clean", "-fd")
	return err
}

// Diff returns the staged (or full working tree) diff.
func (d *Driver) Diff(ctx context.Context, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	return d.git(ctx, args...)
}

// Commit commits staged changes with message and returns the new HEAD sha.
func (d *Driver) Commit(ctx context.Context, message string) (string, error) {
	if _, err := d.git(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return d.HeadSHA(ctx)
}

// ChangedFiles lists files touched by the most recent commit.
func (d *Driver) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := d.git(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", "HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// PushResult reports whether a pull was required before the push
// succeeded (spec §4.4's push-with-retry contract).
type PushResult struct {
	PullRequired bool
}

// PushWithRetry pushes branch, and on a non-fast-forward rejection pulls
// once and retries the push.
func (d *Driver) PushWithRetry(ctx context.Context, branch, authURL string, force bool) (*PushResult, error) {
	pullRequired, err := d.push(ctx, branch, authURL, force)
	if err == nil {
		return &PushResult{PullRequired: pullRequired}, nil
	}
	if !isNonFastForward(err) {
		return nil, err
	}
	if _, pErr := d.Pull(ctx, branch, authURL); pErr != nil {
		return nil, pErr
	}
	if _, err := d.push(ctx, branch, authURL, force); err != nil {
		return nil, err
	}
	return &PushResult{PullRequired: true}, nil
}

func (d *Driver) push(ctx context.Context, branch, authURL string, force bool) (bool, error) {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	if authURL != "" {
		args = append(args, authURL, branch)
	} else {
		args = append(args, "origin", branch)
	}
	_, _, err := d.run(ctx, d.dir, args...)
	return false, err
}

// DeleteRemoteBranch deletes branch from origin.
func (d *Driver) DeleteRemoteBranch(ctx context.Context, branch, authURL string) error {
	args := []string{"push"}
	if authURL != "" {
		args = append(args, authURL, "--delete", branch)
	} else {
		args = append(args, "origin", "--delete", branch)
	}
	_, _, err := d.run(ctx, d.dir, args...)
	return err
}

func isNonFastForward(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range nonFastForwardPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
