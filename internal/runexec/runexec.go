// Package runexec implements the Run Executor (C7): the end-to-end
// pipeline that takes one queued Run job from sync through agent
// invocation, diff, commit, push, and result persistence.
//
// Grounded on original_source's RunExecutor.execute_cli_run (Python):
// the same step order (pre-sync, optional base merge, build
// instruction, invoke, session retry, summary capture, stage+diff,
// commit, push, persist) is kept, rewritten around this module's own
// internal/workspace, internal/agent and internal/store collaborators
// instead of the original's WorkspaceAdapter/GitService/RunDAO.
package runexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/agent"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/outputmux"
	"github.com/forgepilot/forgepilot/internal/store"
	"github.com/forgepilot/forgepilot/internal/workspace"
)

// SummaryFilePath is the conventional, repo-relative path an agent may
// write a human-readable summary of its change to. The Run Executor
// reads and deletes it before staging so it is never committed.
const SummaryFilePath = ".forgepilot/SUMMARY.md"

// ConstraintsPreamble is prepended to every agent instruction, forbidding
// the agent from running commit/push itself — the Run Executor owns
// staging, committing and pushing so every Run produces exactly one
// reviewable commit.
const ConstraintsPreamble = `## Execution constraints
- Edit files in the working directory to satisfy the task below.
- Do not run "git commit", "git push", or any command that commits or pushes.
- Do not create or switch git branches.
- Optionally write a short summary of what you changed to ` + SummaryFilePath + `.`

// SourceHost resolves the authenticated remote URL used for fetch/push
// against the task's source-control host, implemented by
// internal/sourcehost.
type SourceHost interface {
	GetAuthURL(ctx context.Context, remoteURL string) (string, error)
}

// Translator rewrites a non-English commit message into English,
// implemented by internal/llm against an LLM completion API.
type Translator interface {
	EnsureEnglish(ctx context.Context, message, hint string) (string, error)
}

// AgentResolver resolves an executor kind to its runnable Executor.
// *agent.Registry satisfies this; tests substitute a fake.
type AgentResolver interface {
	Get(kind domain.ExecutorKind) (agent.Executor, error)
}

// Deps bundles the Run Executor's collaborators.
type Deps struct {
	Workspaces *workspace.Manager
	Agents     AgentResolver
	Output     *outputmux.Multiplexer
	Store      *store.Store
	Hosts      SourceHost
	Translator Translator
	Log        *logging.Logger
}

// Executor runs one Run job end to end.
type Executor struct {
	deps Deps
}

// New creates an Executor.
func New(deps Deps) *Executor {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	return &Executor{deps: deps}
}

// baseMergeKeywordsA and baseMergeKeywordsB are split into two sets so
// looksLikeBaseMergeRequest can require one hit from each, rather than
// matching on any single common word like "fix" or "main" alone.
var baseMergeKeywordsA = []string{"conflict", "merge", "rebase", "base branch", "main", "master"}
var baseMergeKeywordsB = []string{"resolve", "fix", "sync"}

// looksLikeBaseMergeRequest implements spec §4.7 step 3's keyword
// heuristic for detecting a "merge base branch" intent in free-text
// instructions.
func looksLikeBaseMergeRequest(instruction string) bool {
	lower := strings.ToLower(instruction)
	var hasA, hasB bool
	for _, k := range baseMergeKeywordsA {
		if strings.Contains(lower, k) {
			hasA = true
			break
		}
	}
	for _, k := range baseMergeKeywordsB {
		if strings.Contains(lower, k) {
			hasB = true
			break
		}
	}
	return hasA && hasB
}

func conflictInstructionSync(files []string) string {
	return conflictInstruction("pulling the latest changes from the remote tracking branch", files)
}

func conflictInstructionBaseMerge(baseBranch string, files []string) string {
	return conflictInstruction(fmt.Sprintf("merging the base branch %q into this branch", baseBranch), files)
}

func conflictInstruction(cause string, files []string) string {
	var b strings.Builder
	b.WriteString("## Merge conflict resolution required\n\n")
	fmt.Fprintf(&b, "The following files have unresolved conflict markers from %s:\n\n", cause)
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nResolve every conflict: remove all `<<<<<<<`, `=======` and `>>>>>>>` " +
		"markers, keep the correct combination of both sides, and leave the result " +
		"syntactically valid before continuing with the task below.\n")
	return b.String()
}

// Run is the single entry point: executes run against ws (already
// created/reused by the caller) and persists the outcome.
func (e *Executor) Run(ctx context.Context, run *domain.Run, ws *workspace.Workspace, repo *domain.Repository, resumeSessionID string) error {
	now := time.Now()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now
	// Record the workspace's path as soon as it's bound to this run so a
	// later run for the same (task, executor_kind) can consider reusing
	// it regardless of whether this run ultimately succeeds (spec §4.3
	// "Reuse policy").
	run.WorkspacePath = strPtr(ws.Path)
	if err := e.deps.Store.UpdateRun(ctx, run); err != nil {
		e.deps.Log.With("run_id", run.ID).Warn("persisting running status failed")
	}
	e.publish(ctx, run.ID, "starting run")

	var logs []string
	var warnings []string
	var conflictInstr string

	authURL := ""
	if e.deps.Hosts != nil && repo != nil {
		var err error
		authURL, err = e.deps.Hosts.GetAuthURL(ctx, repo.RemoteURL)
		if err != nil {
			logs = append(logs, fmt.Sprintf("resolving host auth failed: %v", err))
		}
	}

	branch := ""
	if run.WorkingBranch != nil {
		branch = *run.WorkingBranch
	} else {
		b, err := e.deps.Workspaces.GetCurrentBranch(ctx, ws)
		if err == nil {
			branch = b
		}
	}

	// Step 2: pre-sync with remote.
	if authURL != "" && branch != "" {
		behind, err := e.deps.Workspaces.IsBehindRemote(ctx, ws, branch, authURL)
		if err == nil && behind {
			e.publish(ctx, run.ID, "remote has new commits, syncing")
			res, err := e.deps.Workspaces.SyncWithRemote(ctx, ws, branch, authURL)
			switch {
			case err != nil:
				logs = append(logs, fmt.Sprintf("sync with remote failed: %v", err))
			case res.Success:
				logs = append(logs, fmt.Sprintf("pulled %d commit(s) from remote", res.CommitsPulled))
			case len(res.ConflictFiles) > 0:
				logs = append(logs, fmt.Sprintf("merge conflicts syncing remote: %s", strings.Join(res.ConflictFiles, ", ")))
				conflictInstr = conflictInstructionSync(res.ConflictFiles)
			default:
				logs = append(logs, fmt.Sprintf("sync with remote failed: %s", res.Error))
			}
		}
	}

	// Step 3: optional base-branch merge.
	if conflictInstr == "" && repo != nil && looksLikeBaseMergeRequest(run.Instruction) {
		e.publish(ctx, run.ID, "merging base branch per instruction heuristic")
		res, err := e.deps.Workspaces.MergeBaseBranch(ctx, ws, repo.DefaultBranch, authURL)
		if err != nil {
			logs = append(logs, fmt.Sprintf("base branch merge failed: %v", err))
		} else if res.ConflictInfo != nil && len(res.ConflictInfo) > 0 {
			logs = append(logs, fmt.Sprintf("merge conflicts merging %s: %s", repo.DefaultBranch, strings.Join(res.ConflictInfo, ", ")))
			conflictInstr = conflictInstructionBaseMerge(repo.DefaultBranch, res.ConflictInfo)
		}
	}

	// Step 4: build the instruction and invoke the agent.
	instruction := ConstraintsPreamble + "\n\n"
	if conflictInstr != "" {
		instruction += conflictInstr + "\n\n"
	}
	instruction += "## Task\n" + run.Instruction

	exec, err := e.deps.Agents.Get(run.ExecutorKind)
	if err != nil {
		return e.fail(ctx, run, logs, warnings, fmt.Sprintf("resolving executor failed: %v", err))
	}

	onLine := func(line string) { e.publish(ctx, run.ID, line) }
	opts := agent.RunOptions{WorkspacePath: ws.Path, Instruction: instruction, ResumeSessionID: resumeSessionID}
	result, err := exec.Run(ctx, opts, onLine)
	if err != nil {
		return e.fail(ctx, run, logs, warnings, fmt.Sprintf("agent invocation failed: %v", err))
	}

	// Step 5: session retry without resume id.
	if !result.Success && resumeSessionID != "" && agent.IsSessionError(result.Error) {
		logs = append(logs, fmt.Sprintf("session continuation failed (%s), retrying without session id", result.Error))
		opts.ResumeSessionID = ""
		result, err = exec.Run(ctx, opts, onLine)
		if err != nil {
			return e.fail(ctx, run, logs, warnings, fmt.Sprintf("agent retry failed: %v", err))
		}
	}
	logs = append(logs, result.Logs...)
	warnings = append(warnings, result.Warnings...)

	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = resumeSessionID
	}

	if !result.Success {
		run.SessionID = strPtr(sessionID)
		return e.fail(ctx, run, logs, warnings, result.Error)
	}

	// Step 6: summary capture.
	summaryFromFile, readErr := readAndRemoveSummaryFile(ws.Path)
	if readErr != nil {
		logs = append(logs, fmt.Sprintf("reading summary file failed: %v", readErr))
	} else if summaryFromFile != "" {
		logs = append(logs, fmt.Sprintf("read summary from %s", SummaryFilePath))
	}

	// Step 7: stage + diff.
	if err := e.deps.Workspaces.StageAll(ctx, ws); err != nil {
		return e.fail(ctx, run, logs, warnings, fmt.Sprintf("staging changes failed: %v", err))
	}
	patch, err := e.deps.Workspaces.GetDiff(ctx, ws, true)
	if err != nil {
		return e.fail(ctx, run, logs, warnings, fmt.Sprintf("computing diff failed: %v", err))
	}
	if strings.TrimSpace(patch) == "" {
		logs = append(logs, "no changes detected, skipping commit/push")
		run.Status = domain.RunStatusSucceeded
		run.Summary = strPtr("No changes made")
		run.Patch = strPtr("")
		run.FilesChanged = []string{}
		run.Logs = logs
		run.Warnings = warnings
		run.SessionID = strPtr(sessionID)
		return e.persistTerminal(ctx, run)
	}

	filesChanged := filesChangedFromDiff(patch)
	logs = append(logs, fmt.Sprintf("detected %d changed file(s)", len(filesChanged)))

	summary := summaryFromFile
	if summary == "" {
		summary = firstNonEmpty(result.Summary, summarizeFiles(filesChanged))
	}

	// Step 8: commit.
	message := buildCommitMessage(run.Instruction, summary)
	if e.deps.Translator != nil {
		translated, terr := e.deps.Translator.EnsureEnglish(ctx, message, summary)
		if terr != nil {
			logs = append(logs, fmt.Sprintf("commit message translation skipped: %v", terr))
		} else {
			message = translated
		}
	}
	commitSHA, err := e.deps.Workspaces.Commit(ctx, ws, message)
	if err != nil {
		return e.fail(ctx, run, logs, warnings, fmt.Sprintf("commit failed: %v", err))
	}
	logs = append(logs, fmt.Sprintf("committed %s", shortSHA(commitSHA)))

	// Step 9: push with retry.
	if authURL != "" && branch != "" {
		pushRes, err := e.deps.Workspaces.Push(ctx, ws, branch, authURL, false)
		switch {
		case err != nil:
			logs = append(logs, fmt.Sprintf("push failed (will retry on PR creation): %v", err))
		case pushRes.PullRequired:
			logs = append(logs, fmt.Sprintf("pulled remote changes and pushed to %s", branch))
		default:
			logs = append(logs, fmt.Sprintf("pushed to %s", branch))
		}
	}

	// Step 10: persist results.
	run.Status = domain.RunStatusSucceeded
	run.Summary = strPtr(summary)
	run.Patch = strPtr(patch)
	run.FilesChanged = filesChanged
	run.Logs = logs
	run.Warnings = warnings
	run.SessionID = strPtr(sessionID)
	run.CommitSHA = strPtr(commitSHA)
	run.WorkingBranch = strPtr(branch)
	return e.persistTerminal(ctx, run)
}

func (e *Executor) fail(ctx context.Context, run *domain.Run, logs, warnings []string, errMsg string) error {
	run.Status = domain.RunStatusFailed
	run.Error = strPtr(errMsg)
	run.Logs = logs
	run.Warnings = warnings
	return e.persistTerminal(ctx, run)
}

func (e *Executor) persistTerminal(ctx context.Context, run *domain.Run) error {
	now := time.Now()
	run.CompletedAt = &now
	err := e.deps.Store.UpdateRun(ctx, run)
	// Step 12: mark the log stream complete regardless of outcome.
	_ = e.deps.Output.MarkComplete(ctx, run.ID)
	return err
}

func (e *Executor) publish(ctx context.Context, runID, line string) {
	if e.deps.Output == nil {
		return
	}
	_ = e.deps.Output.Publish(ctx, runID, line)
	e.deps.Log.With("run_id", runID).Debug(line)
}

func readAndRemoveSummaryFile(workspacePath string) (string, error) {
	path := filepath.Join(workspacePath, SummaryFilePath)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if rmErr := os.Remove(path); rmErr != nil {
		return "", rmErr
	}
	return strings.TrimSpace(string(content)), nil
}

var diffFileHeaderPattern = regexp.MustCompile(`(?m)^diff --git a/(.+?) b/(.+)$`)

// filesChangedFromDiff extracts the set of touched paths from a unified
// diff's "diff --git a/... b/..." headers, in order of first appearance.
func filesChangedFromDiff(patch string) []string {
	matches := diffFileHeaderPattern.FindAllStringSubmatch(patch, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		path := m[2]
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	return out
}

func summarizeFiles(files []string) string {
	if len(files) == 0 {
		return "No files were modified."
	}
	shown := files
	more := 0
	if len(shown) > 5 {
		more = len(shown) - 5
		shown = shown[:5]
	}
	list := strings.Join(shown, ", ")
	if more > 0 {
		list += fmt.Sprintf(" and %d more", more)
	}
	return fmt.Sprintf("Modified %d file(s). Files: %s.", len(files), list)
}

func buildCommitMessage(instruction, summary string) string {
	firstLine := instruction
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	if len(firstLine) > 72 {
		firstLine = firstLine[:72]
	}
	if summary == "" {
		return firstLine
	}
	return firstLine + "\n\n" + summary
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func strPtr(s string) *string { return &s }
