package agent

import "github.com/forgepilot/forgepilot/internal/domain"

// CodexCLIAdapter builds CLI invocations for OpenAI's `codex` CLI in
// its non-interactive `exec` subcommand mode.
type CodexCLIAdapter struct{}

// Kind returns domain.ExecutorCodexCLI.
func (CodexCLIAdapter) Kind() domain.ExecutorKind { return domain.ExecutorCodexCLI }

// BuildArgs builds a codex `exec` invocation, reading the instruction
// from stdin, full-auto approval (no human present to approve), and
// passing ReadOnly through as codex's sandbox read-only mode.
func (CodexCLIAdapter) BuildArgs(opts RunOptions) []string {
	args := []string{"exec", "--json", "--full-auto"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", opts.ReasoningEffort)
	}
	if opts.ReadOnly {
		args = append(args, "--sandbox", "read-only")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// ParseSessionID extracts the conversation id codex reports in its
// streamed JSON events.
func (CodexCLIAdapter) ParseSessionID(line string) string {
	return parseGenericSessionID(line)
}

// RequiresPTY is false: `codex exec --json` streams one JSON event per
// line to a pipe the same as it would to a tty.
func (CodexCLIAdapter) RequiresPTY() bool { return false }
