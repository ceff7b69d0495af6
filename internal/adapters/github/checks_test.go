package github_test

import (
	"testing"

	"github.com/forgepilot/forgepilot/internal/adapters/github"
	"github.com/forgepilot/forgepilot/internal/testutil"
)

func TestCheckStatus(t *testing.T) {
	check := github.CheckStatus{
		Name:       "build",
		Status:     "completed",
		Conclusion: "success",
		URL:        "https://github.com/...",
	}

	testutil.AssertEqual(t, check.Name, "build")
	testutil.AssertEqual(t, check.Status, "completed")
	testutil.AssertEqual(t, check.Conclusion, "success")
}

func TestChecksWaiter_GetChecks(t *testing.T) {
	runner := github.NewMockRunner()
	runner.OnCommand("gh pr checks 7").Return(`[
		{"name":"build","status":"completed","conclusion":"success","detailsUrl":"https://ci/build"},
		{"name":"test","status":"completed","conclusion":"failure","detailsUrl":"https://ci/test"}
	]`)

	client := github.NewClientSkipAuth("owner", "repo", runner)
	waiter := github.NewChecksWaiter(client)

	result, err := waiter.GetChecks(t.Context(), 7)
	if err != nil {
		t.Fatalf("GetChecks() error = %v", err)
	}

	testutil.AssertTrue(t, result.AllCompleted, "all checks reported completed")
	testutil.AssertFalse(t, result.AllPassed, "one check failed")
	testutil.AssertLen(t, result.FailedChecks, 1)
	testutil.AssertEqual(t, result.FailedChecks[0], "test")
}

func TestChecksWaiter_GetChecks_NoneReportedYet(t *testing.T) {
	runner := github.NewMockRunner()
	runner.OnCommand("gh pr checks 8").Return(`[]`)

	client := github.NewClientSkipAuth("owner", "repo", runner)
	waiter := github.NewChecksWaiter(client)

	result, err := waiter.GetChecks(t.Context(), 8)
	if err != nil {
		t.Fatalf("GetChecks() error = %v", err)
	}

	testutil.AssertFalse(t, result.AllCompleted, "no checks reported yet means not completed")
	testutil.AssertFalse(t, result.AllPassed, "no checks reported yet means not passed")
}

func TestChecksWaiter_GetChecks_StillRunning(t *testing.T) {
	runner := github.NewMockRunner()
	runner.OnCommand("gh pr checks 9").Return(`[
		{"name":"build","status":"in_progress","conclusion":"","detailsUrl":"https://ci/build"}
	]`)

	client := github.NewClientSkipAuth("owner", "repo", runner)
	waiter := github.NewChecksWaiter(client)

	result, err := waiter.GetChecks(t.Context(), 9)
	if err != nil {
		t.Fatalf("GetChecks() error = %v", err)
	}

	testutil.AssertFalse(t, result.AllCompleted, "in-progress check should not count as completed")
	testutil.AssertLen(t, result.PendingChecks, 1)
}
