//go:build windows

package agent

import (
	"io"
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on windows; process-group signaling is
// handled differently there and is out of scope for this adapter.
func configureProcAttr(cmd *exec.Cmd) {}

// startPTY has no real pseudo-terminal backing on windows (creack/pty's
// conpty support needs a newer Windows than this codebase targets), so
// it falls back to a plain stdout pipe. An adapter that sets
// RequiresPTY still runs, just without the tty-induced line buffering.
func startPTY(cmd *exec.Cmd) (io.ReadCloser, error) {
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return pipe, nil
}

// GracefulKill falls back to a direct process kill on windows, where
// process-group signals aren't available.
func (r *Runner) GracefulKill(_ time.Duration) error {
	r.mu.Lock()
	cmd := r.activeCmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
