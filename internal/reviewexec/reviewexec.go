// Package reviewexec implements the Review Executor (C8): evaluates one
// or more succeeded Runs read-only and produces a structured, scored
// verdict by coaxing JSON out of an agent CLI's free-text output.
//
// Grounded on original_source's ReviewService._execute_cli_review /
// _parse_review_response (Python): the same prompt shape (constraints
// preamble forbidding edits, a fixed-schema JSON instruction, an
// inline-vs-file-reference split at ~50k characters), the same
// two-strategy JSON extraction with a "skip the echoed template
// example" guard, and the same worktree-sanitize-or-delete teardown.
package reviewexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/agent"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/outputmux"
	"github.com/forgepilot/forgepilot/internal/store"
	"github.com/forgepilot/forgepilot/internal/workspace"
)

// maxInlinePatchSize is the threshold above which the combined patch is
// written to a file inside the working directory and referenced by
// path instead of inlined in the prompt.
const maxInlinePatchSize = 50_000

// templateExampleFilePath is the file path used by the example JSON
// embedded in reviewSystemPrompt; a parsed verdict whose feedbacks all
// reference it is the echoed prompt, not a real review.
const templateExampleFilePath = "src/example.go"

const reviewSystemPrompt = `You are an expert code reviewer. Analyze the provided code changes and
provide detailed feedback.

This is a READ-ONLY review task: do not modify, create, or delete any
file. Only analyze the diff and respond with JSON.

You MUST output ONLY one valid JSON object in exactly this shape. Do not
include any text before or after it, and do not use markdown code
fences.

{
  "overall_summary": "Brief summary of the review findings",
  "overall_score": 0.85,
  "feedbacks": [
    {
      "file_path": "` + templateExampleFilePath + `",
      "line_start": 42,
      "line_end": 45,
      "severity": "high",
      "category": "bug",
      "title": "Potential nil pointer dereference",
      "description": "The variable 'user' may be nil when accessed here.",
      "suggestion": "Add a nil check before dereferencing user.",
      "code_snippet": "user.Name"
    }
  ]
}

Rules:
- overall_score is a number between 0.0 and 1.0 (1.0 = no issues found)
- severity is one of: critical, high, medium, low
- category is a short free-text label, e.g. security, bug, performance,
  maintainability, style, documentation, test
- if no issues are found, feedbacks is an empty array
- always provide overall_summary and overall_score`

// AgentResolver resolves an executor kind to its runnable Executor.
type AgentResolver interface {
	Get(kind domain.ExecutorKind) (agent.Executor, error)
}

// Deps bundles the Review Executor's collaborators.
type Deps struct {
	Workspaces *workspace.Manager
	Agents     AgentResolver
	Output     *outputmux.Multiplexer
	Store      *store.Store
	Log        *logging.Logger
}

// Executor runs one Review job to completion.
type Executor struct {
	deps Deps
}

// New creates an Executor.
func New(deps Deps) *Executor {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	return &Executor{deps: deps}
}

// Run validates review's target Runs, combines their patches, invokes
// the agent read-only, parses its verdict and persists the result.
func (e *Executor) Run(ctx context.Context, review *domain.Review) error {
	now := time.Now()
	review.Status = domain.RunStatusRunning
	review.StartedAt = &now
	if err := e.deps.Store.UpdateReview(ctx, review); err != nil {
		e.deps.Log.With("review_id", review.ID).Warn("persisting running status failed")
	}
	e.publish(ctx, review.ID, "starting review")

	var logs []string

	// Step 1: validate targets.
	targetRuns := make([]*domain.Run, 0, len(review.TargetRunIDs))
	for _, runID := range review.TargetRunIDs {
		run, err := e.deps.Store.GetRun(ctx, runID)
		if err != nil {
			return e.fail(ctx, review, logs, fmt.Sprintf("loading target run %s failed: %v", runID, err))
		}
		if run == nil {
			return e.fail(ctx, review, logs, fmt.Sprintf("target run %s does not exist", runID))
		}
		if run.Status != domain.RunStatusSucceeded {
			return e.fail(ctx, review, logs, fmt.Sprintf("target run %s is not succeeded (status=%s)", runID, run.Status))
		}
		targetRuns = append(targetRuns, run)
	}

	// Step 2: combine patches.
	patch := combinePatches(targetRuns)
	logs = append(logs, fmt.Sprintf("combined %d run(s) for review", len(targetRuns)))

	// Step 3: pick a working directory.
	workDir, cleanupTemp, ws, err := e.resolveWorkDir(ctx, targetRuns)
	if err != nil {
		return e.fail(ctx, review, logs, fmt.Sprintf("resolving working directory failed: %v", err))
	}
	defer cleanupTemp()
	logs = append(logs, fmt.Sprintf("using working directory: %s", workDir))

	// Step 4: build the prompt, writing an overflow patch file if needed.
	var patchFile string
	prompt := reviewexecConstraintsPreamble + "\n\n" + reviewSystemPrompt + "\n\n"
	if len(patch) > maxInlinePatchSize {
		patchFile = filepath.Join(workDir, "review_patch.diff")
		if err := os.WriteFile(patchFile, []byte(patch), 0o644); err != nil {
			return e.fail(ctx, review, logs, fmt.Sprintf("writing overflow patch file failed: %v", err))
		}
		logs = append(logs, fmt.Sprintf("patch too large for inline, written to %s", patchFile))
		prompt += fmt.Sprintf("Review the code changes in the diff file at: %s\n\nOutput ONLY the JSON response.", patchFile)
	} else {
		prompt += fmt.Sprintf("Review the following code changes:\n\n%s\n\nOutput ONLY the JSON response.", patch)
	}

	// Step 5: invoke the agent read-only.
	exec, err := e.deps.Agents.Get(review.ExecutorKind)
	if err != nil {
		e.sanitizeWorkDir(ctx, ws, workDir, patchFile)
		return e.fail(ctx, review, logs, fmt.Sprintf("resolving executor failed: %v", err))
	}
	var outputLines []string
	onLine := func(line string) {
		outputLines = append(outputLines, line)
		e.publish(ctx, review.ID, line)
	}
	result, err := exec.Run(ctx, agent.RunOptions{WorkspacePath: workDir, Instruction: prompt, ReadOnly: true}, onLine)
	if err != nil {
		e.sanitizeWorkDir(ctx, ws, workDir, patchFile)
		return e.fail(ctx, review, logs, fmt.Sprintf("agent invocation failed: %v", err))
	}
	if !result.Success {
		e.sanitizeWorkDir(ctx, ws, workDir, patchFile)
		return e.fail(ctx, review, logs, fmt.Sprintf("agent review failed: %s", result.Error))
	}
	logs = append(logs, result.Logs...)

	// Step 6: parse the verdict.
	verdict := parseReviewResponse(strings.Join(outputLines, "\n"), &logs)

	// Step 7: sanitize or remove the working directory.
	e.sanitizeWorkDir(ctx, ws, workDir, patchFile)

	// Step 8: persist. domain.Review carries no summary field, unlike
	// Run, so the verdict's overall summary is folded into the logs.
	if verdict.OverallSummary != "" {
		logs = append(logs, fmt.Sprintf("overall summary: %s", verdict.OverallSummary))
	}
	review.Status = domain.RunStatusSucceeded
	review.OverallScore = verdict.OverallScore
	review.Feedbacks = verdict.Feedbacks
	review.Logs = logs
	review.Warnings = result.Warnings
	completed := time.Now()
	review.CompletedAt = &completed
	err = e.deps.Store.UpdateReview(ctx, review)
	_ = e.deps.Output.MarkComplete(ctx, review.ID)
	return err
}

const reviewexecConstraintsPreamble = `## Review constraints
- This is a read-only review. Do not edit, create or delete any file.
- Do not run any command that mutates the working directory or git state.`

func (e *Executor) fail(ctx context.Context, review *domain.Review, logs []string, errMsg string) error {
	review.Status = domain.RunStatusFailed
	review.Error = strPtr(errMsg)
	review.Logs = logs
	now := time.Now()
	review.CompletedAt = &now
	err := e.deps.Store.UpdateReview(ctx, review)
	_ = e.deps.Output.MarkComplete(ctx, review.ID)
	return err
}

func (e *Executor) publish(ctx context.Context, reviewID, line string) {
	if e.deps.Output == nil {
		return
	}
	_ = e.deps.Output.Publish(ctx, reviewID, line)
}

// resolveWorkDir picks the first target run's workspace if it still
// validates, else creates a fresh temporary directory (spec §4.8 step
// 3). It returns the directory, a cleanup func for the temp-dir case,
// and the workspace handle (nil for the temp-dir case) used later by
// sanitizeWorkDir to decide reset-vs-delete.
func (e *Executor) resolveWorkDir(ctx context.Context, runs []*domain.Run) (string, func(), *workspace.Workspace, error) {
	for _, run := range runs {
		if run.WorkspacePath == nil || *run.WorkspacePath == "" {
			continue
		}
		ws := e.deps.Workspaces.Open(*run.WorkspacePath)
		if e.deps.Workspaces.IsValid(ctx, *run.WorkspacePath) {
			return ws.Path, func() {}, ws, nil
		}
	}
	dir, err := os.MkdirTemp("", "forgepilot-review-")
	if err != nil {
		return "", func() {}, nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil, nil
}

// sanitizeWorkDir discards any accidental edits a read-only review
// somehow left behind (ws != nil: a reused workspace, reset rather than
// deleted so subsequent Runs against it are unaffected) or removes the
// temporary directory (ws == nil).
func (e *Executor) sanitizeWorkDir(ctx context.Context, ws *workspace.Workspace, workDir, patchFile string) {
	if patchFile != "" {
		_ = os.Remove(patchFile)
	}
	if ws == nil {
		_ = os.RemoveAll(workDir)
		return
	}
	if err := ws.Driver().DiscardChanges(ctx); err != nil {
		e.deps.Log.With("workspace", workDir).Warn("discarding review workspace changes failed", "error", err)
	}
}

// verdict is the parsed, validated result of a review agent's JSON
// response.
type verdict struct {
	OverallSummary string
	OverallScore   *float64
	Feedbacks      []domain.Feedback
}

func defaultVerdict() verdict {
	return verdict{OverallSummary: "Review completed, see logs for details.", Feedbacks: []domain.Feedback{}}
}

// rawVerdict and rawFeedback mirror the JSON shape demanded by
// reviewSystemPrompt; parseReviewResponse decodes into these before
// converting to the domain model.
type rawVerdict struct {
	OverallSummary string        `json:"overall_summary"`
	OverallScore   *float64      `json:"overall_score"`
	Feedbacks      []rawFeedback `json:"feedbacks"`
}

type rawFeedback struct {
	FilePath    string `json:"file_path"`
	LineStart   *int   `json:"line_start"`
	LineEnd     *int   `json:"line_end"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	CodeSnippet string `json:"code_snippet"`
}

// parseReviewResponse extracts a JSON verdict from an agent's free-text
// output. Agents routinely wrap the JSON in commentary or markdown
// fences despite instructions, so this tries two extraction strategies
// before giving up: a forward balanced-brace scan (checked newest
// candidate first, since trailing output is usually the final answer),
// then a backward brace-position scan over progressively shorter
// slices of the text. Either strategy can land on the prompt's own
// echoed example, which is rejected and treated as a non-match.
func parseReviewResponse(text string, logs *[]string) verdict {
	candidates := extractBalancedJSONObjects(text)
	for i := len(candidates) - 1; i >= 0; i-- {
		if v, ok := decodeVerdict(candidates[i]); ok && !isTemplateEcho(v) {
			return v
		}
	}
	if v, ok := parseByBackwardBraceScan(text); ok && !isTemplateEcho(v) {
		return v
	}
	*logs = append(*logs, "could not parse a JSON verdict from agent output; using default verdict")
	return defaultVerdict()
}

// extractBalancedJSONObjects returns every top-level {...} substring of
// text, in the order they appear, tracking string literals so braces
// inside quoted strings don't confuse the depth count.
func extractBalancedJSONObjects(text string) []string {
	var objs []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objs = append(objs, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return objs
}

// parseByBackwardBraceScan is the fallback strategy: starting from the
// last '}' in the text, scan backward for its matching '{' and try to
// decode that slice; if decoding fails, retry from the next '}' before
// it, trying progressively shorter slices of the tail of the output.
func parseByBackwardBraceScan(text string) (verdict, bool) {
	end := strings.LastIndexByte(text, '}')
	for end >= 0 {
		depth := 0
		matched := false
		for start := end; start >= 0; start-- {
			switch text[start] {
			case '}':
				depth++
			case '{':
				depth--
				if depth == 0 {
					if v, ok := decodeVerdict(text[start : end+1]); ok {
						return v, true
					}
					matched = true
				}
			}
			if matched {
				break
			}
		}
		if end == 0 {
			break
		}
		end = strings.LastIndexByte(text[:end], '}')
	}
	return verdict{}, false
}

// decodeVerdict unmarshals a candidate JSON substring and converts it
// to a verdict, rejecting candidates that decode successfully but
// carry none of the expected fields (e.g. an unrelated JSON fragment
// the agent printed as part of a tool call log).
func decodeVerdict(jsonText string) (verdict, bool) {
	var raw rawVerdict
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return verdict{}, false
	}
	if raw.OverallSummary == "" && raw.OverallScore == nil && len(raw.Feedbacks) == 0 {
		return verdict{}, false
	}
	return verdict{
		OverallSummary: raw.OverallSummary,
		OverallScore:   raw.OverallScore,
		Feedbacks:      toFeedbacks(raw.Feedbacks),
	}, true
}

// isTemplateEcho reports whether every feedback in v references the
// reviewSystemPrompt's own example file path, meaning the agent echoed
// the prompt's sample JSON instead of producing a real verdict.
func isTemplateEcho(v verdict) bool {
	if len(v.Feedbacks) == 0 {
		return false
	}
	for _, f := range v.Feedbacks {
		if f.FilePath != templateExampleFilePath {
			return false
		}
	}
	return true
}

func toFeedbacks(raw []rawFeedback) []domain.Feedback {
	out := make([]domain.Feedback, 0, len(raw))
	for _, f := range raw {
		fb := domain.Feedback{
			Severity:    normalizeSeverity(f.Severity),
			Category:    f.Category,
			FilePath:    f.FilePath,
			Title:       f.Title,
			Description: f.Description,
		}
		if lr := formatLineRange(f.LineStart, f.LineEnd); lr != "" {
			fb.LineRange = strPtr(lr)
		}
		if f.Suggestion != "" {
			fb.Suggestion = strPtr(f.Suggestion)
		}
		if f.CodeSnippet != "" {
			fb.Description = strings.TrimSpace(fb.Description + "\n\n```\n" + f.CodeSnippet + "\n```")
		}
		out = append(out, fb)
	}
	return out
}

func formatLineRange(start, end *int) string {
	switch {
	case start == nil:
		return ""
	case end == nil || *end == *start:
		return fmt.Sprintf("%d", *start)
	default:
		return fmt.Sprintf("%d-%d", *start, *end)
	}
}

func normalizeSeverity(s string) domain.ReviewSeverity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return domain.SeverityCritical
	case "high":
		return domain.SeverityHigh
	case "low":
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

func combinePatches(runs []*domain.Run) string {
	var parts []string
	for _, run := range runs {
		if run.Patch == nil || *run.Patch == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("# Changes from run %s\n%s", shortID(run.ID), *run.Patch))
	}
	return strings.Join(parts, "\n\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func strPtr(s string) *string { return &s }
