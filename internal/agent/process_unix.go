//go:build !windows

package agent

import (
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// configureProcAttr sets up process-group isolation so a timed-out agent
// subprocess (and anything it spawned) can be signaled as one group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}

// startPTY starts cmd attached to a new pseudo-terminal and returns its
// master end. Writing to it feeds the process's stdin; reading from it
// yields combined stdout/stderr, line-buffered the way a real terminal
// would, for CLIs that otherwise block-buffer a non-tty stdout.
func startPTY(cmd *exec.Cmd) (io.ReadCloser, error) {
	// pty.Start manages SysProcAttr itself (the child becomes its tty's
	// session leader, which gives it its own process group for
	// GracefulKill to signal); we don't set Setpgid ourselves here.
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GracefulKill sends SIGTERM to the active process group, waits
// gracePeriod, then sends SIGKILL if it hasn't exited. Grounded on the
// teacher's BaseAdapter.GracefulKill (internal/adapters/cli/process_unix.go).
func (r *Runner) GracefulKill(gracePeriod time.Duration) error {
	r.mu.Lock()
	cmd := r.activeCmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}

	deadline := time.After(gracePeriod)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			_ = unix.Kill(-pgid, unix.SIGKILL)
			return nil
		case <-ticker.C:
			if err := unix.Kill(pid, 0); err != nil {
				return nil
			}
		}
	}
}
