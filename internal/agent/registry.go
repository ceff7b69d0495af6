package agent

import (
	"context"
	"fmt"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
)

// Executor runs one agent invocation to completion, streaming its
// output and returning a structured Result. *Runner (CLI executors) and
// *PatchAgentExecutor both satisfy it.
type Executor interface {
	Kind() domain.ExecutorKind
	Run(ctx context.Context, opts RunOptions, onLine OutputCallback) (*Result, error)
}

// BinPaths configures the resolved CLI binary per executor kind;
// a zero value falls back to each adapter's conventional name.
type BinPaths struct {
	ClaudeCode string
	CodexCLI   string
	GeminiCLI  string
	Git        string
}

// Registry resolves a domain.ExecutorKind to its Executor.
type Registry struct {
	executors map[domain.ExecutorKind]Executor
}

// NewRegistry wires the four built-in executors using bins (zero values
// fall back to conventional binary names) and log for subprocess
// diagnostics.
func NewRegistry(bins BinPaths, log *logging.Logger) *Registry {
	claudePath := bins.ClaudeCode
	if claudePath == "" {
		claudePath = "claude"
	}
	codexPath := bins.CodexCLI
	if codexPath == "" {
		codexPath = "codex"
	}
	geminiPath := bins.GeminiCLI
	if geminiPath == "" {
		geminiPath = "gemini"
	}

	r := &Registry{executors: make(map[domain.ExecutorKind]Executor, 4)}
	r.executors[domain.ExecutorClaudeCode] = NewRunner(ClaudeCodeAdapter{}, claudePath, WithLogger(log))
	r.executors[domain.ExecutorCodexCLI] = NewRunner(CodexCLIAdapter{}, codexPath, WithLogger(log))
	r.executors[domain.ExecutorGeminiCLI] = NewRunner(GeminiCLIAdapter{}, geminiPath, WithLogger(log))
	r.executors[domain.ExecutorPatchAgent] = NewPatchAgentExecutor(bins.Git)
	return r
}

// Get returns the Executor registered for kind.
func (r *Registry) Get(kind domain.ExecutorKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("agent: no executor registered for kind %q", kind)
	}
	return e, nil
}
