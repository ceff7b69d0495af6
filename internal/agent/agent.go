// Package agent implements the Agent Runner (C5): spawning an agent CLI
// subprocess inside a workspace, streaming its output line-by-line to a
// callback, enforcing a wall-clock timeout with SIGTERM-then-SIGKILL
// escalation, and returning a structured result. Agents are treated as
// black boxes; each supported CLI (claude-code, codex-cli, gemini-cli)
// plus the patch-agent pseudo-executor is wrapped in a small adapter
// that knows its flags and output conventions.
//
// Grounded on the teacher's internal/adapters/cli package: the
// subprocess plumbing (process-group isolation, buffered stdout with a
// streamed stderr/stdout callback, context-based timeout classification)
// follows internal/adapters/cli/base.go, and graceful termination
// follows internal/adapters/cli/process_unix.go almost verbatim.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
)

// OutputCallback receives one output line at a time, in order, without
// buffering beyond a single line (spec §4.5's output-streaming contract).
type OutputCallback func(line string)

// RunOptions parameterizes one agent invocation.
type RunOptions struct {
	WorkspacePath   string
	Instruction     string
	ResumeSessionID string
	// ReadOnly must be honored by passing the CLI's equivalent of a
	// no-edit switch (used for review agents).
	ReadOnly bool
	Model    string
	// ReasoningEffort is passed through to adapters that support it
	// (core.SupportsReasoning).
	ReasoningEffort string
	// Timeout bounds the subprocess wall-clock; zero uses DefaultTimeout.
	Timeout time.Duration
}

// Result is the structured outcome of one agent invocation (spec §4.5).
type Result struct {
	Success   bool
	Summary   string
	Logs      []string
	Warnings  []string
	SessionID string
	Error     string
}

// DefaultTimeout bounds an agent invocation when RunOptions.Timeout is
// unset.
const DefaultTimeout = 30 * time.Minute

// GracePeriod is how long GracefulKill waits after SIGTERM before
// escalating to SIGKILL.
const GracePeriod = 10 * time.Second

// Adapter knows one agent CLI's flags, output conventions and
// session-id extraction pattern.
type Adapter interface {
	Kind() domain.ExecutorKind
	// BuildArgs returns the CLI arguments for one invocation.
	BuildArgs(opts RunOptions) []string
	// ParseSessionID extracts a session/conversation id from one output
	// line, or returns "" if the line carries none.
	ParseSessionID(line string) string
	// RequiresPTY reports whether this CLI must be spawned attached to a
	// pseudo-terminal to stream output line-by-line. Some agent CLIs
	// detect a non-tty stdout and switch to block-buffered output,
	// which would violate the single-line streaming contract (spec
	// §4.5) until the process exits.
	RequiresPTY() bool
}

// sessionErrorPatterns are substrings of agent output that indicate a
// supplied resume_session_id was rejected; the Run Executor (C7) retries
// once without it on seeing one of these (spec §4.5, §4.7 step 5).
var sessionErrorPatterns = []string{
	"already in use",
	"no conversation found",
	"session expired",
	"invalid session",
	"session not found",
}

// IsSessionError reports whether msg indicates a rejected resume session.
func IsSessionError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range sessionErrorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Runner executes one Adapter's CLI as a subprocess.
type Runner struct {
	adapter Adapter
	binPath string
	log     *logging.Logger

	mu        sync.Mutex
	activeCmd *exec.Cmd
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBinPath overrides the resolved CLI binary (default: the
// adapter's conventional name on PATH).
func WithBinPath(path string) RunnerOption {
	return func(r *Runner) { r.binPath = path }
}

// WithLogger attaches a logger for subprocess lifecycle diagnostics.
func WithLogger(log *logging.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner binds adapter to its conventional binary name.
func NewRunner(adapter Adapter, binPath string, opts ...RunnerOption) *Runner {
	r := &Runner{adapter: adapter, binPath: binPath, log: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns the executor kind this Runner drives.
func (r *Runner) Kind() domain.ExecutorKind { return r.adapter.Kind() }

// Run spawns the adapter's CLI inside opts.WorkspacePath, streaming
// every stdout line to onLine as it arrives, and returns once the
// subprocess exits or opts.Timeout (DefaultTimeout if unset) elapses.
func (r *Runner) Run(ctx context.Context, opts RunOptions, onLine OutputCallback) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := r.adapter.BuildArgs(opts)

	// #nosec G204 -- binPath and args are derived from adapter config, not
	// free-form user input.
	cmd := exec.CommandContext(runCtx, r.binPath, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = os.Environ()

	stdinR := strings.NewReader(opts.Instruction)

	var output io.Reader
	var stderrBuf bytes.Buffer
	var ptyFile io.ReadCloser

	if r.adapter.RequiresPTY() {
		f, err := startPTY(cmd)
		if err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed, "starting agent process under pty").WithCause(err)
		}
		ptyFile = f
		output = f
		if w, ok := f.(io.Writer); ok {
			go func() { _, _ = io.Copy(w, stdinR) }()
		}
	} else {
		configureProcAttr(cmd)
		cmd.Stdin = stdinR
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed, "opening agent stdout pipe").WithCause(err)
		}
		cmd.Stderr = &stderrBuf
		output = stdoutPipe
		if err := cmd.Start(); err != nil {
			return nil, core.ErrExecution(core.CodeAgentFailed, "starting agent process").WithCause(err)
		}
	}
	r.setActiveCmd(cmd)
	defer r.setActiveCmd(nil)
	if ptyFile != nil {
		defer ptyFile.Close()
	}

	res := &Result{}
	var logs []string
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(output)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			// A pty's line discipline translates \n to \r\n on output
			// (onlcr); strip the carriage return so pty- and
			// pipe-sourced lines compare equal.
			line := strings.TrimSuffix(scanner.Text(), "\r")
			mu.Lock()
			logs = append(logs, line)
			if sid := r.adapter.ParseSessionID(line); sid != "" {
				res.SessionID = sid
			}
			mu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	// Escalate to SIGTERM then SIGKILL once the context deadline fires,
	// without calling cmd.Wait() ourselves (that race belongs to the
	// single cmd.Wait() call below).
	killDone := make(chan struct{})
	go func() {
		defer close(killDone)
		<-runCtx.Done()
		if runCtx.Err() == context.DeadlineExceeded {
			_ = r.GracefulKill(GracePeriod)
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	cancel()
	<-killDone

	mu.Lock()
	res.Logs = logs
	mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		res.Success = false
		res.Error = fmt.Sprintf("agent timed out after %v", timeout)
		return res, nil
	}

	combined := stderrBuf.String()
	if waitErr != nil {
		res.Success = false
		msg := strings.TrimSpace(combined)
		if msg == "" {
			msg = waitErr.Error()
		}
		res.Error = msg
		return res, nil
	}

	res.Success = true
	return res, nil
}

func (r *Runner) setActiveCmd(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCmd = cmd
}

var sessionIDPattern = regexp.MustCompile(`(?i)session[_-]?id[":=\s]+([a-zA-Z0-9-]{8,})`)

// parseGenericSessionID is a best-effort session-id extractor shared by
// adapters whose CLI emits a conventional "session_id: <id>" line.
func parseGenericSessionID(line string) string {
	m := sessionIDPattern.FindStringSubmatch(line)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}
