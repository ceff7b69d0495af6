package github

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChecksWaiter reads GitHub CI check status for a PR. Despite the name,
// it no longer polls to completion: the CI Status Poller (C10) owns
// that loop and calls GetChecks on its own schedule, so this type is a
// thin, single-shot reader over `gh pr checks`.
type ChecksWaiter struct {
	client *Client
}

// NewChecksWaiter creates a new checks waiter.
func NewChecksWaiter(client *Client) *ChecksWaiter {
	return &ChecksWaiter{client: client}
}

// CheckStatus represents the status of a CI check.
type CheckStatus struct {
	Name        string
	Status      string // queued, in_progress, completed
	Conclusion  string // success, failure, neutral, cancelled, skipped, timed_out, action_required
	URL         string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ChecksResult represents aggregated check results.
type ChecksResult struct {
	AllPassed     bool
	AllCompleted  bool
	Checks        []CheckStatus
	FailedChecks  []string
	PendingChecks []string
}

// GetChecks retrieves current check status for prNumber without
// waiting for completion.
func (w *ChecksWaiter) GetChecks(ctx context.Context, prNumber int) (*ChecksResult, error) {
	output, err := w.client.run(ctx, "pr", "checks", fmt.Sprintf("%d", prNumber),
		"--repo", w.client.Repo(),
		"--json", "name,status,conclusion,detailsUrl,startedAt,completedAt")
	if err != nil {
		return nil, fmt.Errorf("getting checks: %w", err)
	}

	var rawChecks []struct {
		Name        string     `json:"name"`
		Status      string     `json:"status"`
		Conclusion  string     `json:"conclusion"`
		DetailsURL  string     `json:"detailsUrl"`
		StartedAt   *time.Time `json:"startedAt"`
		CompletedAt *time.Time `json:"completedAt"`
	}

	if err := json.Unmarshal([]byte(output), &rawChecks); err != nil {
		return nil, fmt.Errorf("parsing checks: %w", err)
	}

	result := &ChecksResult{
		AllPassed:     true,
		AllCompleted:  true,
		Checks:        make([]CheckStatus, 0, len(rawChecks)),
		FailedChecks:  make([]string, 0),
		PendingChecks: make([]string, 0),
	}

	for _, rc := range rawChecks {
		check := CheckStatus{
			Name:        rc.Name,
			Status:      rc.Status,
			Conclusion:  rc.Conclusion,
			URL:         rc.DetailsURL,
			StartedAt:   rc.StartedAt,
			CompletedAt: rc.CompletedAt,
		}

		result.Checks = append(result.Checks, check)

		if rc.Status != "completed" {
			result.AllCompleted = false
			result.PendingChecks = append(result.PendingChecks, rc.Name)
		}

		if rc.Conclusion != "" && rc.Conclusion != "success" && rc.Conclusion != "skipped" && rc.Conclusion != "neutral" {
			result.AllPassed = false
			result.FailedChecks = append(result.FailedChecks, rc.Name)
		}
	}

	// No checks reported yet: treat as still pending rather than passed.
	if len(result.Checks) == 0 {
		result.AllCompleted = false
		result.AllPassed = false
	}

	return result, nil
}
