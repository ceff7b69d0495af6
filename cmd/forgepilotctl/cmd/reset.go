package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/forgepilot/forgepilot/internal/store"
)

const resetReason = "reset by admin"

// resettableTables are the --table values this command understands,
// in the order the original operator script reported them. "ci-checks"
// is accepted for flag compatibility but is always a no-op here: this
// schema has no ci_checks table, CI status lives only in a cycle
// state's transient phase.
var resettableTables = []string{"runs", "reviews", "cycle-states", "ci-checks"}

var (
	resetDryRun    bool
	resetDetails   bool
	resetBreakdown bool
	resetTable     string
	resetYes       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset work left stuck by a crashed daemon",
	Long: `reset flips non-terminal runs, reviews, and cycle states to a
terminal status with error "reset by admin", for recovering after
forgepilotd was killed mid-cycle.

With no flags it resets every table. Use --table to limit it to one of:
runs, reviews, cycle-states, ci-checks (ci-checks is always a no-op:
this schema tracks CI status only as a transient cycle-state phase, so
there is nothing standalone to reset).`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVar(&resetDryRun, "dry-run", false, "report what would be reset without changing anything")
	resetCmd.Flags().BoolVar(&resetDetails, "details", false, "list the individual records that would be/were reset")
	resetCmd.Flags().BoolVar(&resetBreakdown, "breakdown", false, "group counts by task")
	resetCmd.Flags().StringVar(&resetTable, "table", "", "limit to one table: runs, reviews, cycle-states, ci-checks")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, _ []string) error {
	if resetTable != "" && !isKnownTable(resetTable) {
		return fmt.Errorf("unknown --table %q%s", resetTable, suggestTable(resetTable))
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	counts, err := s.CountPending(ctx)
	if err != nil {
		return err
	}
	total := selectedTotal(counts, resetTable)
	if total == 0 {
		fmt.Println("Nothing to reset.")
		return nil
	}

	fmt.Printf("Pending work: runs=%d reviews=%d cycle-states=%d\n", counts.Runs, counts.Reviews, counts.CycleStates)

	if resetBreakdown {
		if err := printBreakdown(ctx, s); err != nil {
			return err
		}
	}
	if resetDetails {
		if err := printDetails(ctx, s, resetTable); err != nil {
			return err
		}
	}

	if resetDryRun {
		fmt.Printf("Dry run: would reset %d record(s). Nothing was changed.\n", total)
		return nil
	}

	if !resetYes {
		fmt.Printf("This will reset %d record(s) to a terminal status. Continue? [y/N] ", total)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(response)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	resetRuns, resetReviews, resetCycles := 0, 0, 0
	if includesTable(resetTable, "runs") {
		resetRuns, err = s.ResetPendingRuns(ctx, resetReason)
		if err != nil {
			return err
		}
	}
	if includesTable(resetTable, "reviews") {
		resetReviews, err = s.ResetPendingReviews(ctx, resetReason)
		if err != nil {
			return err
		}
	}
	if includesTable(resetTable, "cycle-states") {
		resetCycles, err = s.ResetPendingCycleStates(ctx, resetReason)
		if err != nil {
			return err
		}
	}
	if resetTable == "ci-checks" {
		fmt.Println("ci-checks: no-op, this schema has no standalone ci_checks table.")
	}

	fmt.Printf("Reset: runs=%d reviews=%d cycle-states=%d\n", resetRuns, resetReviews, resetCycles)
	return nil
}

func isKnownTable(name string) bool {
	for _, t := range resettableTables {
		if t == name {
			return true
		}
	}
	return false
}

func suggestTable(name string) string {
	matches := fuzzy.Find(name, resettableTables)
	if len(matches) == 0 {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", resettableTables[matches[0].Index])
}

func includesTable(selected, name string) bool {
	return selected == "" || selected == name
}

func selectedTotal(c *store.PendingCounts, table string) int {
	switch table {
	case "runs":
		return c.Runs
	case "reviews":
		return c.Reviews
	case "cycle-states":
		return c.CycleStates
	case "ci-checks":
		return 0
	default:
		return c.Runs + c.Reviews + c.CycleStates
	}
}

func printBreakdown(ctx context.Context, s *store.Store) error {
	breakdown, err := s.PendingBreakdownByTask(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRUNS\tREVIEWS\tCYCLE-STATES")
	for _, b := range breakdown {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", truncate(b.TaskTitle, 40), b.Runs, b.Reviews, b.CycleStates)
	}
	return w.Flush()
}

func printDetails(ctx context.Context, s *store.Store, table string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	if includesTable(table, "runs") {
		runs, err := s.ListPendingRuns(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RUN\tTASK\tSTATUS\tINSTRUCTION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.TaskID, r.Status, truncate(r.Instruction, 50))
		}
	}
	if includesTable(table, "reviews") {
		reviews, err := s.ListPendingReviews(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "REVIEW\tTASK\tSTATUS\tINSTRUCTION")
		for _, r := range reviews {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.TaskID, r.Status, truncate(r.Instruction, 50))
		}
	}
	if includesTable(table, "cycle-states") {
		states, err := s.ListPendingCycleStates(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TASK\tMODE\tPHASE\tITERATION")
		for _, st := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", st.TaskID, st.Mode, st.Phase, st.Iteration)
		}
	}
	return w.Flush()
}
