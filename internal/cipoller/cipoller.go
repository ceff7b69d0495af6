// Package cipoller implements the CI Status Poller (C10): given a Task,
// PR number and repository full name, polls the source-control host at
// a fixed interval for the combined CI status of the PR's head commit
// and reports the terminal result (or a timeout) back to the
// Autonomous Cycle Engine (C9).
//
// Grounded on original_source's
// AgenticOrchestrator._start_ci_polling/_stop_ci_polling (Python), which
// delegates the actual poll loop to a CIPollingService collaborator;
// here that collaborator is this package, built directly on
// internal/supervisor (C11) for the "one poller per Task, starting a
// new one supersedes the old" lifecycle spec §4.10 calls for, the same
// way the Python orchestrator's ci_poller.start_polling supersedes any
// prior poll for task_id.
package cipoller

import (
	"context"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/supervisor"
)

// DefaultInterval is how often the poller checks CI status absent an
// explicit Config.Interval.
const DefaultInterval = 15 * time.Second

// DefaultTimeout bounds how long a single poll run waits for CI to
// reach a terminal state.
const DefaultTimeout = 45 * time.Minute

// SourceHost is the narrow view of the source-control host the poller
// needs: the combined CI status for a PR's current head commit.
// CombinedStatus returns (nil, nil) while CI is still pending; a
// non-nil result signals a terminal state (success or failure).
type SourceHost interface {
	CombinedStatus(ctx context.Context, repoFullName string, prNumber int) (*domain.CIResult, error)
}

// Config tunes polling cadence and overall timeout.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns the poller's default cadence and timeout.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Timeout: DefaultTimeout}
}

// Poller polls CI status for at most one in-flight (task, PR) pair at a
// time, keyed by task ID.
type Poller struct {
	hosts      SourceHost
	supervisor *supervisor.Supervisor
	cfg        Config
	log        *logging.Logger
}

// New creates a Poller.
func New(hosts SourceHost, sup *supervisor.Supervisor, cfg Config, log *logging.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Poller{hosts: hosts, supervisor: sup, cfg: cfg, log: log}
}

// StartPolling begins polling for taskID's PR, superseding any poll
// already running for that task. onComplete fires exactly once, with
// the terminal CIResult, when CI finishes. onTimeout fires instead if
// the configured timeout elapses first.
func (p *Poller) StartPolling(taskID string, prNumber int, repoFullName string, onComplete func(*domain.CIResult), onTimeout func()) {
	p.supervisor.Start(pollerKey(taskID), "ci-poll", p.cfg.Timeout, func(ctx context.Context) error {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				result, err := p.hosts.CombinedStatus(ctx, repoFullName, prNumber)
				if err != nil {
					p.log.With("task_id", taskID, "pr", prNumber).Warn("ci status check failed, will retry", "error", err)
					continue
				}
				if result == nil {
					continue
				}
				if onComplete != nil {
					onComplete(result)
				}
				return nil
			}
		}
	}, onTimeout, nil)
}

// StopPolling cancels any poll in flight for taskID.
func (p *Poller) StopPolling(taskID string) {
	p.supervisor.Cancel(pollerKey(taskID))
}

func pollerKey(taskID string) string { return "ci-poll:" + taskID }
