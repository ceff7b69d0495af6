package agent

import "github.com/forgepilot/forgepilot/internal/domain"

// ClaudeCodeAdapter builds CLI invocations for the `claude` CLI in
// non-interactive print mode.
type ClaudeCodeAdapter struct{}

// Kind returns domain.ExecutorClaudeCode.
func (ClaudeCodeAdapter) Kind() domain.ExecutorKind { return domain.ExecutorClaudeCode }

// BuildArgs builds the non-interactive invocation: print mode, reading
// the instruction from stdin, auto-accepting edits (the orchestrator,
// not a human, is driving), honoring ReadOnly via Claude's no-edit
// equivalent, and resuming a prior conversation when ResumeSessionID is
// set.
func (ClaudeCodeAdapter) BuildArgs(opts RunOptions) []string {
	args := []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "--effort", opts.ReasoningEffort)
	}
	if opts.ReadOnly {
		args = append(args, "--permission-mode", "plan")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// ParseSessionID extracts the session id Claude Code reports in its
// streamed JSON init event, e.g. {"type":"system","session_id":"abc123"}.
func (ClaudeCodeAdapter) ParseSessionID(line string) string {
	return parseGenericSessionID(line)
}

// RequiresPTY is false: --output-format stream-json emits one JSON
// object per line regardless of whether stdout is a tty.
func (ClaudeCodeAdapter) RequiresPTY() bool { return false }
