package github

import (
	"testing"
	"time"
)

func TestClient_parsePR(t *testing.T) {
	client := &Client{repoOwner: "owner", repoName: "repo"}

	json := `{
		"number": 42,
		"title": "Feature: Add new API",
		"body": "This PR adds a new API endpoint",
		"url": "https://github.com/owner/repo/pull/42",
		"state": "OPEN",
		"isDraft": true,
		"mergeable": "MERGEABLE",
		"headRefName": "feature/api",
		"headRefOid": "sha123456",
		"baseRefName": "main",
		"createdAt": "2024-01-15T10:00:00Z",
		"updatedAt": "2024-01-16T12:00:00Z"
	}`

	pr, err := client.parsePR(json)
	if err != nil {
		t.Fatalf("parsePR() error = %v", err)
	}

	if pr.Number != 42 {
		t.Errorf("Number = %d, want 42", pr.Number)
	}
	if pr.State != "OPEN" {
		t.Errorf("State = %q, want OPEN", pr.State)
	}
	if !pr.Draft {
		t.Error("Draft should be true")
	}
	if pr.Mergeable != "MERGEABLE" {
		t.Errorf("Mergeable = %q, want MERGEABLE", pr.Mergeable)
	}
	if pr.HeadRef != "feature/api" {
		t.Errorf("HeadRef = %q, want feature/api", pr.HeadRef)
	}
	if pr.HeadSHA != "sha123456" {
		t.Errorf("HeadSHA = %q, want sha123456", pr.HeadSHA)
	}
	if pr.BaseRef != "main" {
		t.Errorf("BaseRef = %q, want main", pr.BaseRef)
	}
}

func TestClient_parsePR_InvalidJSON(t *testing.T) {
	client := &Client{repoOwner: "owner", repoName: "repo"}
	if _, err := client.parsePR(`{invalid}`); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestClient_Repo(t *testing.T) {
	client := &Client{
		repoOwner: "myowner",
		repoName:  "myrepo",
	}

	if got := client.Repo(); got != "myowner/myrepo" {
		t.Errorf("Repo() = %q, want %q", got, "myowner/myrepo")
	}
}

func TestClient_Owner(t *testing.T) {
	client := &Client{
		repoOwner: "testowner",
		repoName:  "testrepo",
	}

	if got := client.Owner(); got != "testowner" {
		t.Errorf("Owner() = %q, want %q", got, "testowner")
	}
}

func TestClient_Name(t *testing.T) {
	client := &Client{
		repoOwner: "testowner",
		repoName:  "testrepo",
	}

	if got := client.Name(); got != "testrepo" {
		t.Errorf("Name() = %q, want %q", got, "testrepo")
	}
}

func TestPullRequestStruct(t *testing.T) {
	now := time.Now()
	pr := PullRequest{
		Number:    100,
		Title:     "Test PR",
		Body:      "Description",
		URL:       "https://github.com/owner/repo/pull/100",
		State:     "OPEN",
		Draft:     true,
		Mergeable: "MERGEABLE",
		HeadRef:   "feature",
		BaseRef:   "main",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if pr.Number != 100 {
		t.Errorf("Number = %d, want 100", pr.Number)
	}
	if pr.State != "OPEN" {
		t.Errorf("State = %q, want OPEN", pr.State)
	}
	if !pr.Draft {
		t.Error("Draft should be true")
	}
}
