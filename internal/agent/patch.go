package agent

import (
	"context"
	"os/exec"
	"strings"

	"github.com/forgepilot/forgepilot/internal/domain"
)

// PatchAgentExecutor is the patch-agent pseudo-executor: unlike the
// three CLI executors, it does not invoke a model of its own. Its
// RunOptions.Instruction is the unified diff to apply verbatim (the Run
// Executor is expected to have already produced that text, e.g. from a
// prior Review's suggested fix), and "running" it means applying that
// diff to the workspace with `git apply`. This has no teacher
// equivalent — there is no model-less executor in the pack — and is
// grounded directly on the executor_kind enum in the data model
// (spec.md's Run entity lists patch-agent alongside the three CLI
// kinds with no further description, so this is the only sensible
// reading of "an executor that is not an agent CLI").
type PatchAgentExecutor struct {
	gitPath string
}

// NewPatchAgentExecutor returns a PatchAgentExecutor invoking git via
// gitPath ("git" if empty).
func NewPatchAgentExecutor(gitPath string) *PatchAgentExecutor {
	if gitPath == "" {
		gitPath = "git"
	}
	return &PatchAgentExecutor{gitPath: gitPath}
}

// Kind returns domain.ExecutorPatchAgent.
func (p *PatchAgentExecutor) Kind() domain.ExecutorKind { return domain.ExecutorPatchAgent }

// Run applies opts.Instruction as a unified diff against
// opts.WorkspacePath via `git apply`, reporting each line of git's own
// output to onLine as it is produced.
func (p *PatchAgentExecutor) Run(ctx context.Context, opts RunOptions, onLine OutputCallback) (*Result, error) {
	if strings.TrimSpace(opts.Instruction) == "" {
		return &Result{Success: false, Error: "patch-agent requires a non-empty unified diff as its instruction"}, nil
	}
	if opts.ReadOnly {
		return &Result{Success: false, Error: "patch-agent cannot honor a read_only invocation: it has no read-only mode"}, nil
	}

	args := []string{"apply", "--whitespace=nowarn", "-"}
	// #nosec G204 -- gitPath is operator configuration, not user input.
	cmd := exec.CommandContext(ctx, p.gitPath, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.Stdin = strings.NewReader(opts.Instruction)

	out, err := cmd.CombinedOutput()
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}

	if ctx.Err() != nil {
		return &Result{Success: false, Logs: lines, Error: "patch apply timed out"}, nil
	}
	if err != nil {
		return &Result{Success: false, Logs: lines, Error: strings.TrimSpace(string(out))}, nil
	}
	return &Result{Success: true, Logs: lines, Summary: "applied patch"}, nil
}
