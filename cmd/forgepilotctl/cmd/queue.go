package cmd

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/forgepilot/forgepilot/internal/domain"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable job queue",
}

var queueInspectLimit int

var queueInspectCmd = &cobra.Command{
	Use:   "inspect <status>",
	Short: "List jobs in a given status (queued, running, succeeded, failed, canceled)",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueInspect,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueInspectCmd.Flags().IntVar(&queueInspectLimit, "limit", 50, "maximum number of jobs to list")
}

var statusStyle = lipgloss.NewStyle().Bold(true)

func runQueueInspect(cmd *cobra.Command, args []string) error {
	status := domain.JobStatus(args[0])
	switch status {
	case domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusSucceeded,
		domain.JobStatusFailed, domain.JobStatusCanceled:
	default:
		return fmt.Errorf("unknown job status %q", args[0])
	}

	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	jobs, err := q.ListByStatus(cmd.Context(), status, queueInspectLimit)
	if err != nil {
		return err
	}

	fmt.Println(statusStyle.Render(fmt.Sprintf("%s jobs: %d", status, len(jobs))))
	if len(jobs) == 0 {
		return nil
	}

	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "KIND", Width: 18},
		{Title: "REF", Width: 20},
		{Title: "ATTEMPTS", Width: 9},
		{Title: "LOCKED BY", Width: 16},
		{Title: "LAST ERROR", Width: 30},
	}
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		lockedBy := ""
		if j.LockedBy != nil {
			lockedBy = *j.LockedBy
		}
		lastErr := ""
		if j.LastError != nil {
			lastErr = truncate(*j.LastError, 30)
		}
		rows = append(rows, table.Row{
			j.ID, string(j.Kind), truncate(j.RefID, 20),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), lockedBy, lastErr,
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithHeight(len(rows)+1),
		table.WithFocused(false),
	)
	fmt.Println(t.View())
	return nil
}
