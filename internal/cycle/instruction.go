package cycle

import (
	"fmt"
	"strings"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
)

// enhanceInstruction appends iteration context to a base instruction, the
// way original_source's AgenticOrchestrator._enhance_instruction does:
// the run executor's own constraints preamble is NOT duplicated here
// (runexec.ConstraintsPreamble already prepends it to every Run), this
// only adds the cycle-specific "which attempt is this" framing.
func enhanceInstruction(base string, state *domain.AutonomousCycleState, humanFeedback bool) string {
	var b strings.Builder
	b.WriteString(base)

	if state.Iteration > 1 {
		fmt.Fprintf(&b, "\n\n---\nThis is iteration %d.", state.Iteration)
		fmt.Fprintf(&b, "\nCI fix attempts so far: %d", state.CIIterations)
		fmt.Fprintf(&b, "\nReview fix attempts so far: %d", state.ReviewIterations)
	}
	if humanFeedback {
		b.WriteString("\nNote: this instruction came from human feedback on a pending merge.")
	}
	if state.LastReviewScore != nil {
		fmt.Fprintf(&b, "\nPrevious review score: %.2f", *state.LastReviewScore)
	}
	return b.String()
}

// buildCIFixInstruction names each failing CI job with its (truncated)
// error log and a generic strategy hint, grounded on
// AgenticOrchestrator._build_ci_fix_instruction.
func buildCIFixInstruction(failedJobs []domain.CIJobResult) string {
	var b strings.Builder
	b.WriteString("Fix the following CI failures:\n")
	for _, job := range failedJobs {
		fmt.Fprintf(&b, "\n## %s (FAILED)\n", job.JobName)
		if job.ErrorLog != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n", truncate(job.ErrorLog, errorLogTruncateLen))
		}
		fmt.Fprintf(&b, "Hint: %s\n", fixStrategyHint(job.JobName))
	}
	b.WriteString(`
Please:
1. Analyze each error carefully
2. Fix the root cause (not just the symptoms)
3. Ensure your fixes don't break other tests
4. Run the relevant checks locally before committing
`)
	return b.String()
}

// fixStrategyHint gives a generic nudge based on the failing job's name,
// substituting for original_source's merge_gate_service.get_fix_strategy
// (not present in the retained sources); keyword matching against common
// CI job names is the same shape the rest of this module uses for
// loose, best-effort classification (e.g. runexec's session-error
// pattern matching).
func fixStrategyHint(jobName string) string {
	lower := strings.ToLower(jobName)
	switch {
	case strings.Contains(lower, "lint") || strings.Contains(lower, "format"):
		return "run the project's linter/formatter locally and fix reported violations"
	case strings.Contains(lower, "test") || strings.Contains(lower, "unit"):
		return "re-run the failing test(s) locally, inspect the assertion diff, and fix the implementation or the test"
	case strings.Contains(lower, "build") || strings.Contains(lower, "compile"):
		return "fix the compilation/build error; check imports and type mismatches first"
	case strings.Contains(lower, "type"):
		return "resolve the type-checker's reported errors at their source locations"
	default:
		return "inspect the job's error log and address the root cause before re-running"
	}
}

// buildReviewFixInstruction renders a Review's feedback items, filtered
// to severities in keep, into an instruction. Grounded on
// review_service.py's generate_fix_instruction (tazuna_api), which
// formats each feedback as file/line/severity/description/suggestion.
func buildReviewFixInstruction(review *domain.Review, keep map[domain.ReviewSeverity]bool) string {
	var relevant []domain.Feedback
	for _, f := range review.Feedbacks {
		if keep[f.Severity] {
			relevant = append(relevant, f)
		}
	}
	if len(relevant) == 0 {
		return "Address the review feedback and fix the issues."
	}

	var b strings.Builder
	b.WriteString("Address the following review feedback:\n")
	for _, f := range relevant {
		fmt.Fprintf(&b, "\n## [%s] %s", strings.ToUpper(string(f.Severity)), f.Title)
		if f.FilePath != "" {
			loc := f.FilePath
			if f.LineRange != nil && *f.LineRange != "" {
				loc += ":" + *f.LineRange
			}
			fmt.Fprintf(&b, " (%s)", loc)
		}
		fmt.Fprintf(&b, "\n%s\n", f.Description)
		if f.Suggestion != nil && *f.Suggestion != "" {
			fmt.Fprintf(&b, "Suggestion: %s\n", *f.Suggestion)
		}
	}
	return b.String()
}

// defaultReviewFixSeverities is the {critical, high} filter spec §4.9
// names for "fixing-review" instructions.
func defaultReviewFixSeverities() map[domain.ReviewSeverity]bool {
	return map[domain.ReviewSeverity]bool{
		domain.SeverityCritical: true,
		domain.SeverityHigh:     true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}

// extractRepoFullName derives "owner/repo" from a git remote URL,
// grounded on AgenticOrchestrator._extract_repo_full_name: strip a
// trailing ".git", then take whatever follows "github.com" in the URL.
func extractRepoFullName(remoteURL string) string {
	url := strings.TrimSuffix(remoteURL, ".git")
	idx := strings.Index(url, "github.com")
	if idx == -1 {
		return url
	}
	rest := url[idx+len("github.com"):]
	rest = strings.TrimPrefix(rest, "/")
	rest = strings.TrimPrefix(rest, ":")
	return rest
}

// budgetError maps an exceeded-budget situation to the shared domain
// error used across the module for iteration budgets.
func budgetError(kind string, iteration, limit int) error {
	return core.ErrIterationBudgetExceeded(kind, iteration, limit)
}
