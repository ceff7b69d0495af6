package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
)

// Client wraps GitHub CLI operations.
type Client struct {
	repoOwner string
	repoName  string
	timeout   time.Duration
	runner    CommandRunner
}

// NewClient creates a new GitHub client.
func NewClient(owner, repo string) (*Client, error) {
	client := &Client{
		repoOwner: owner,
		repoName:  repo,
		timeout:   60 * time.Second,
		runner:    NewExecRunner(),
	}

	// Verify gh is installed and authenticated
	if err := client.verifyAuth(); err != nil {
		return nil, err
	}

	return client, nil
}

// NewClientFromRepo creates a client detecting repo from git remote.
func NewClientFromRepo() (*Client, error) {
	output, err := exec.Command("gh", "repo", "view", "--json", "owner,name").Output()
	if err != nil {
		return nil, fmt.Errorf("detecting repo: %w", err)
	}

	var repo struct {
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	}

	if err := json.Unmarshal(output, &repo); err != nil {
		return nil, fmt.Errorf("parsing repo info: %w", err)
	}

	return NewClient(repo.Owner.Login, repo.Name)
}

// NewClientWithRunner creates a client against an explicit CommandRunner,
// verifying gh auth through that runner instead of shelling out directly.
func NewClientWithRunner(owner, repo string, runner CommandRunner) (*Client, error) {
	client := &Client{
		repoOwner: owner,
		repoName:  repo,
		timeout:   60 * time.Second,
		runner:    runner,
	}

	if _, err := runner.Run(context.Background(), "gh", "auth", "status"); err != nil {
		return nil, core.ErrValidation("GH_NOT_AUTHENTICATED",
			"gh CLI is not authenticated, run 'gh auth login'")
	}

	return client, nil
}

// NewClientFromRepoWithRunner detects owner/repo through runner before
// constructing the client, so repo detection is mockable in tests too.
func NewClientFromRepoWithRunner(runner CommandRunner) (*Client, error) {
	output, err := runner.Run(context.Background(), "gh", "repo", "view", "--json", "owner,name")
	if err != nil {
		return nil, fmt.Errorf("detecting repo: %w", err)
	}

	var repo struct {
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	}

	if err := json.Unmarshal([]byte(output), &repo); err != nil {
		return nil, fmt.Errorf("parsing repo info: %w", err)
	}

	return NewClientWithRunner(repo.Owner.Login, repo.Name, runner)
}

// NewClientSkipAuth builds a client without verifying gh auth, for tests
// that only care about command shaping against a MockRunner.
func NewClientSkipAuth(owner, repo string, runner CommandRunner) *Client {
	return &Client{
		repoOwner: owner,
		repoName:  repo,
		timeout:   60 * time.Second,
		runner:    runner,
	}
}

// verifyAuth checks if gh is authenticated.
func (c *Client) verifyAuth() error {
	if _, err := c.runner.Run(context.Background(), "gh", "auth", "status"); err != nil {
		return core.ErrValidation("GH_NOT_AUTHENTICATED",
			"gh CLI is not authenticated, run 'gh auth login'")
	}
	return nil
}

// run executes a gh command through the client's CommandRunner.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.runner.Run(ctx, "gh", args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("gh command timed out")
		}
		var runErr *RunError
		if errors.As(err, &runErr) {
			return "", fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), runErr.Stderr, err)
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}

	return output, nil
}

// PullRequest represents a GitHub PR.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	URL       string
	State     string
	Draft     bool
	Mergeable string
	HeadRef   string
	HeadSHA   string
	BaseRef   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	args := []string{"pr", "create",
		"--repo", fmt.Sprintf("%s/%s", c.repoOwner, c.repoName),
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.Base,
		"--head", opts.Head,
	}

	if opts.Draft {
		args = append(args, "--draft")
	}

	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}

	for _, reviewer := range opts.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	// Output is the PR URL
	return c.GetPRByURL(ctx, output)
}

// PRCreateOptions holds options for PR creation.
type PRCreateOptions struct {
	Title     string
	Body      string
	Base      string
	Head      string
	Draft     bool
	Labels    []string
	Reviewers []string
}

// GetPR retrieves a PR by number.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	output, err := c.run(ctx, "pr", "view", fmt.Sprintf("%d", number),
		"--repo", fmt.Sprintf("%s/%s", c.repoOwner, c.repoName),
		"--json", "number,title,body,url,state,isDraft,mergeable,headRefName,headRefOid,baseRefName,createdAt,updatedAt")
	if err != nil {
		return nil, err
	}

	return c.parsePR(output)
}

// GetPRByURL retrieves a PR by URL.
func (c *Client) GetPRByURL(ctx context.Context, url string) (*PullRequest, error) {
	output, err := c.run(ctx, "pr", "view", url,
		"--json", "number,title,body,url,state,isDraft,mergeable,headRefName,headRefOid,baseRefName,createdAt,updatedAt")
	if err != nil {
		return nil, err
	}

	return c.parsePR(output)
}

// parsePR parses PR JSON output.
func (c *Client) parsePR(output string) (*PullRequest, error) {
	var data struct {
		Number      int       `json:"number"`
		Title       string    `json:"title"`
		Body        string    `json:"body"`
		URL         string    `json:"url"`
		State       string    `json:"state"`
		IsDraft     bool      `json:"isDraft"`
		Mergeable   string    `json:"mergeable"`
		HeadRefName string    `json:"headRefName"`
		HeadRefOid  string    `json:"headRefOid"`
		BaseRefName string    `json:"baseRefName"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return nil, fmt.Errorf("parsing PR: %w", err)
	}

	return &PullRequest{
		Number:    data.Number,
		Title:     data.Title,
		Body:      data.Body,
		URL:       data.URL,
		State:     data.State,
		Draft:     data.IsDraft,
		Mergeable: data.Mergeable,
		HeadRef:   data.HeadRefName,
		HeadSHA:   data.HeadRefOid,
		BaseRef:   data.BaseRefName,
		CreatedAt: data.CreatedAt,
		UpdatedAt: data.UpdatedAt,
	}, nil
}

// ListPRs lists open PRs.
func (c *Client) ListPRs(ctx context.Context, state string) ([]PullRequest, error) {
	args := []string{"pr", "list",
		"--repo", fmt.Sprintf("%s/%s", c.repoOwner, c.repoName),
		"--state", state,
		"--json", "number,title,url,state,isDraft,headRefName,baseRefName",
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var prs []struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		URL         string `json:"url"`
		State       string `json:"state"`
		IsDraft     bool   `json:"isDraft"`
		HeadRefName string `json:"headRefName"`
		BaseRefName string `json:"baseRefName"`
	}

	if err := json.Unmarshal([]byte(output), &prs); err != nil {
		return nil, err
	}

	result := make([]PullRequest, len(prs))
	for i, pr := range prs {
		result[i] = PullRequest{
			Number:  pr.Number,
			Title:   pr.Title,
			URL:     pr.URL,
			State:   pr.State,
			Draft:   pr.IsDraft,
			HeadRef: pr.HeadRefName,
			BaseRef: pr.BaseRefName,
		}
	}

	return result, nil
}

// MergePR merges a pull request, optionally deleting its head branch.
func (c *Client) MergePR(ctx context.Context, number int, method string, deleteBranch bool) error {
	args := []string{"pr", "merge", fmt.Sprintf("%d", number),
		"--repo", fmt.Sprintf("%s/%s", c.repoOwner, c.repoName),
	}

	switch method {
	case "squash":
		args = append(args, "--squash")
	case "rebase":
		args = append(args, "--rebase")
	default:
		args = append(args, "--merge")
	}

	if deleteBranch {
		args = append(args, "--delete-branch")
	}

	_, err := c.run(ctx, args...)
	return err
}

// GetDefaultBranch returns the default branch name.
func (c *Client) GetDefaultBranch(ctx context.Context) (string, error) {
	output, err := c.run(ctx, "repo", "view",
		fmt.Sprintf("%s/%s", c.repoOwner, c.repoName),
		"--json", "defaultBranchRef")
	if err != nil {
		return "", err
	}

	var data struct {
		DefaultBranchRef struct {
			Name string `json:"name"`
		} `json:"defaultBranchRef"`
	}

	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return "", err
	}

	return data.DefaultBranchRef.Name, nil
}

// Repo returns owner/name.
func (c *Client) Repo() string {
	return fmt.Sprintf("%s/%s", c.repoOwner, c.repoName)
}

// Owner returns the repository owner.
func (c *Client) Owner() string {
	return c.repoOwner
}

// Name returns the repository name.
func (c *Client) Name() string {
	return c.repoName
}
