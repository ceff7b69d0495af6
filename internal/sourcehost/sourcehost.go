// Package sourcehost adapts internal/adapters/github's gh-CLI client to
// the narrow SourceHost ports internal/runexec, internal/cipoller and
// internal/cycle each need, caching one github.Client per repository.
package sourcehost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgepilot/forgepilot/internal/adapters/github"
	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
)

// breakerFailureThreshold trips the circuit after this many consecutive
// failed calls to the source-control host, sparing it a retry storm
// during an outage (e.g. a GitHub incident affecting many tasks at once).
const breakerFailureThreshold = 5

// Client is the module's single implementation of
// runexec.SourceHost, cipoller.SourceHost and cycle.SourceHost.
type Client struct {
	runner  github.CommandRunner
	log     *logging.Logger
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	clients map[string]*github.Client
}

// New creates a Client. runner defaults to github.NewExecRunner.
func New(runner github.CommandRunner, log *logging.Logger) *Client {
	if runner == nil {
		runner = github.NewExecRunner()
	}
	if log == nil {
		log = logging.NewNop()
	}
	c := &Client{runner: runner, log: log, clients: make(map[string]*github.Client)}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sourcehost",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("source host circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// guard runs fn through the circuit breaker, tripping after repeated
// consecutive failures so a host outage fails fast instead of piling up
// blocked CI-poll/merge goroutines against a host that is down.
func guard[T any](c *Client, fn func() (T, error)) (T, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if v == nil {
			return zero, err
		}
		return v.(T), err
	}
	return v.(T), nil
}

// clientFor returns (creating and caching if needed) the github.Client
// scoped to repoFullName ("owner/name").
func (c *Client) clientFor(repoFullName string) (*github.Client, error) {
	owner, name, err := splitRepoFullName(repoFullName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gc, ok := c.clients[repoFullName]; ok {
		return gc, nil
	}

	gc := github.NewClientSkipAuth(owner, name, c.runner)
	c.clients[repoFullName] = gc
	return gc, nil
}

func splitRepoFullName(repoFullName string) (owner, name string, err error) {
	parts := strings.SplitN(repoFullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", core.ErrValidation("INVALID_REPO_FULL_NAME",
			fmt.Sprintf("expected owner/name, got %q", repoFullName))
	}
	return parts[0], parts[1], nil
}

// GetAuthURL rewrites remoteURL to embed the operator's gh CLI token, so
// git fetch/push against a private repo doesn't need its own credential
// helper configured.
func (c *Client) GetAuthURL(ctx context.Context, remoteURL string) (string, error) {
	return guard(c, func() (string, error) {
		token, err := c.runner.Run(ctx, "gh", "auth", "token")
		if err != nil {
			return "", fmt.Errorf("reading gh auth token: %w", err)
		}
		token = strings.TrimSpace(token)

		rest, ok := strings.CutPrefix(remoteURL, "https://")
		if !ok {
			return remoteURL, nil
		}
		return "https://x-access-token:" + token + "@" + rest, nil
	})
}

// EnsurePullRequest finds the open PR for branch, or creates one against
// baseBranch if none exists yet.
func (c *Client) EnsurePullRequest(ctx context.Context, repoFullName, branch, baseBranch, title, body string) (*domain.PullRequest, error) {
	gc, err := c.clientFor(repoFullName)
	if err != nil {
		return nil, err
	}

	return guard(c, func() (*domain.PullRequest, error) {
		open, err := gc.ListPRs(ctx, "open")
		if err != nil {
			return nil, fmt.Errorf("listing open PRs: %w", err)
		}
		for _, pr := range open {
			if pr.HeadRef == branch {
				full, err := gc.GetPR(ctx, pr.Number)
				if err != nil {
					return nil, err
				}
				return toDomainPR(full), nil
			}
		}

		created, err := gc.CreatePR(ctx, github.PRCreateOptions{
			Title: title,
			Body:  body,
			Base:  baseBranch,
			Head:  branch,
		})
		if err != nil {
			return nil, fmt.Errorf("creating PR: %w", err)
		}
		c.log.With("repo", repoFullName, "branch", branch).Info("opened pull request", "number", created.Number)
		return toDomainPR(created), nil
	})
}

func toDomainPR(pr *github.PullRequest) *domain.PullRequest {
	status := domain.PullRequestOpen
	switch pr.State {
	case "MERGED":
		status = domain.PullRequestMerged
	case "CLOSED":
		status = domain.PullRequestClosed
	}
	return &domain.PullRequest{
		Number:     pr.Number,
		Branch:     pr.HeadRef,
		BaseBranch: pr.BaseRef,
		Title:      pr.Title,
		Body:       pr.Body,
		HeadSHA:    pr.HeadSHA,
		Status:     status,
		CreatedAt:  pr.CreatedAt,
		UpdatedAt:  pr.UpdatedAt,
	}
}

// CombinedStatus returns the combined CI outcome for prNumber's current
// head commit: (nil, nil) while checks are still running, a non-nil
// CIResult once every check has completed.
func (c *Client) CombinedStatus(ctx context.Context, repoFullName string, prNumber int) (*domain.CIResult, error) {
	gc, err := c.clientFor(repoFullName)
	if err != nil {
		return nil, err
	}

	return guard(c, func() (*domain.CIResult, error) {
		waiter := github.NewChecksWaiter(gc)
		result, err := waiter.GetChecks(ctx, prNumber)
		if err != nil {
			return nil, fmt.Errorf("getting checks: %w", err)
		}
		if !result.AllCompleted {
			return nil, nil
		}

		pr, err := gc.GetPR(ctx, prNumber)
		if err != nil {
			return nil, fmt.Errorf("resolving head SHA: %w", err)
		}

		failed := make(map[string]github.CheckStatus, len(result.FailedChecks))
		for _, check := range result.Checks {
			for _, name := range result.FailedChecks {
				if check.Name == name {
					failed[name] = check
				}
			}
		}

		jobs := make([]domain.CIJobResult, 0, len(result.FailedChecks))
		for _, name := range result.FailedChecks {
			// gh pr checks exposes no log body, only the check's details
			// URL; ErrorLog carries that URL as the closest available
			// approximation of a log for the fixing-CI instruction.
			errLog := ""
			if check, ok := failed[name]; ok {
				errLog = check.URL
			}
			jobs = append(jobs, domain.CIJobResult{JobName: name, Success: false, ErrorLog: errLog})
		}

		return &domain.CIResult{
			SHA:        pr.HeadSHA,
			Success:    result.AllPassed,
			FailedJobs: jobs,
		}, nil
	})
}

// CheckMergeable reports whether prNumber currently passes every
// required merge gate branch protection enforces.
func (c *Client) CheckMergeable(ctx context.Context, repoFullName string, prNumber int) (bool, string, error) {
	gc, err := c.clientFor(repoFullName)
	if err != nil {
		return false, "", err
	}

	type verdict struct {
		mergeable bool
		reason    string
	}
	v, err := guard(c, func() (verdict, error) {
		pr, err := gc.GetPR(ctx, prNumber)
		if err != nil {
			return verdict{}, err
		}

		switch pr.Mergeable {
		case "MERGEABLE":
			return verdict{mergeable: true}, nil
		case "CONFLICTING":
			return verdict{reason: "branch has merge conflicts with its base"}, nil
		case "":
			return verdict{reason: "mergeability not yet computed by the host"}, nil
		default:
			return verdict{reason: fmt.Sprintf("host reports mergeable=%s", pr.Mergeable)}, nil
		}
	})
	if err != nil {
		return false, "", err
	}
	return v.mergeable, v.reason, nil
}

// GetDefaultBranch resolves repoFullName's default branch from the
// host, used to populate domain.Repository.DefaultBranch for
// repositories whose configuration leaves it blank.
func (c *Client) GetDefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	gc, err := c.clientFor(repoFullName)
	if err != nil {
		return "", err
	}
	return guard(c, func() (string, error) {
		return gc.GetDefaultBranch(ctx)
	})
}

// Merge merges prNumber with method ("merge"|"squash"|"rebase"),
// optionally deleting the head branch afterward.
func (c *Client) Merge(ctx context.Context, repoFullName string, prNumber int, method string, deleteBranch bool) error {
	gc, err := c.clientFor(repoFullName)
	if err != nil {
		return err
	}
	_, err = guard(c, func() (struct{}, error) {
		return struct{}{}, gc.MergePR(ctx, prNumber, method, deleteBranch)
	})
	if err != nil {
		return err
	}
	c.log.With("repo", repoFullName).Info("merged pull request", "number", prNumber, "method", method)
	return nil
}
