package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/forgepilot/forgepilot/internal/domain"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Inspect autonomous cycle state",
}

var cycleShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Render a task's cycle state, runs, and reviews as a report",
	Args:  cobra.ExactArgs(1),
	RunE:  runCycleShow,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.AddCommand(cycleShowCmd)
}

func runCycleShow(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	state, err := s.GetCycleState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading cycle state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("no cycle state found for task %q", taskID)
	}

	runs, err := s.ListRunsByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading runs: %w", err)
	}
	reviews, err := s.ListReviewsByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading reviews: %w", err)
	}

	md := renderCycleMarkdown(state, runs, reviews)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	fmt.Println(out)
	return nil
}

func renderCycleMarkdown(state *domain.AutonomousCycleState, runs []*domain.Run, reviews []*domain.Review) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Cycle: %s\n\n", state.TaskID)
	fmt.Fprintf(&b, "- **Mode**: %s\n", state.Mode)
	fmt.Fprintf(&b, "- **Phase**: %s\n", state.Phase)
	fmt.Fprintf(&b, "- **Iteration**: %d (CI: %d, review: %d)\n", state.Iteration, state.CIIterations, state.ReviewIterations)
	if state.PRNumber != nil {
		fmt.Fprintf(&b, "- **PR**: #%d\n", *state.PRNumber)
	}
	if state.CurrentHeadSHA != nil {
		fmt.Fprintf(&b, "- **Head SHA**: %s\n", *state.CurrentHeadSHA)
	}
	if state.LastCIResult != nil {
		fmt.Fprintf(&b, "- **Last CI result**: %s\n", *state.LastCIResult)
	}
	if state.LastReviewScore != nil {
		fmt.Fprintf(&b, "- **Last review score**: %.2f\n", *state.LastReviewScore)
	}
	fmt.Fprintf(&b, "- **Human approved**: %t\n", state.HumanApproved)
	if state.Error != nil {
		fmt.Fprintf(&b, "- **Error**: %s\n", *state.Error)
	}
	fmt.Fprintf(&b, "- **Started**: %s\n", state.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Last activity**: %s\n\n", state.LastActivityAt.Format("2006-01-02 15:04:05"))

	b.WriteString("## Runs\n\n")
	if len(runs) == 0 {
		b.WriteString("_none_\n\n")
	} else {
		b.WriteString("| ID | Executor | Status | Summary |\n|---|---|---|---|\n")
		for _, r := range runs {
			summary := ""
			if r.Summary != nil {
				summary = truncate(*r.Summary, 60)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", r.ID, r.ExecutorKind, r.Status, summary)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Reviews\n\n")
	if len(reviews) == 0 {
		b.WriteString("_none_\n")
	} else {
		b.WriteString("| ID | Executor | Status | Score |\n|---|---|---|---|\n")
		for _, rv := range reviews {
			score := "-"
			if rv.OverallScore != nil {
				score = fmt.Sprintf("%.2f", *rv.OverallScore)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", rv.ID, rv.ExecutorKind, rv.Status, score)
		}
	}

	return b.String()
}
