package agent

import "github.com/forgepilot/forgepilot/internal/domain"

// GeminiCLIAdapter builds CLI invocations for Google's `gemini` CLI.
type GeminiCLIAdapter struct{}

// Kind returns domain.ExecutorGeminiCLI.
func (GeminiCLIAdapter) Kind() domain.ExecutorKind { return domain.ExecutorGeminiCLI }

// BuildArgs builds a non-interactive gemini invocation reading the
// instruction from stdin.
func (GeminiCLIAdapter) BuildArgs(opts RunOptions) []string {
	args := []string{"--yolo", "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReadOnly {
		args = append(args, "--approval-mode", "plan")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// ParseSessionID extracts the session id gemini reports in its
// streamed JSON events.
func (GeminiCLIAdapter) ParseSessionID(line string) string {
	return parseGenericSessionID(line)
}

// RequiresPTY is true: the gemini CLI's --output-format json still
// probes isatty(stdout) and falls back to buffering its whole response
// until exit on a plain pipe, which would starve the output multiplexer
// of incremental lines until the process ends.
func (GeminiCLIAdapter) RequiresPTY() bool { return true }
