package store

import (
	"context"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
)

// PendingCounts tallies non-terminal records per table, the same
// breakdown the operator's reset tool reports before touching anything.
// There is no ci_checks count here: CI status in this schema lives only
// in a cycle state's transient phase, never as its own persisted table.
type PendingCounts struct {
	Runs        int
	Reviews     int
	CycleStates int
}

// PendingBreakdown groups PendingCounts by the task they belong to, for
// the reset command's --breakdown flag.
type PendingBreakdown struct {
	TaskID      string
	TaskTitle   string
	Runs        int
	Reviews     int
	CycleStates int
}

// CountPending returns the number of non-terminal rows in each resettable
// table.
func (s *Store) CountPending(ctx context.Context) (*PendingCounts, error) {
	var c PendingCounts
	if err := s.db.GetContext(ctx, &c.Runs, s.db.Rebind(
		`SELECT COUNT(*) FROM runs WHERE status IN (?, ?)`),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning)); err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "counting pending runs failed").WithCause(err)
	}
	if err := s.db.GetContext(ctx, &c.Reviews, s.db.Rebind(
		`SELECT COUNT(*) FROM reviews WHERE status IN (?, ?)`),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning)); err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "counting pending reviews failed").WithCause(err)
	}
	if err := s.db.GetContext(ctx, &c.CycleStates, s.db.Rebind(
		`SELECT COUNT(*) FROM cycle_states WHERE phase NOT IN (?, ?)`),
		string(domain.PhaseCompleted), string(domain.PhaseFailed)); err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "counting pending cycle states failed").WithCause(err)
	}
	return &c, nil
}

// PendingBreakdownByTask groups the same counts CountPending reports by
// task, for an operator trying to find which task is stuck.
func (s *Store) PendingBreakdownByTask(ctx context.Context) ([]PendingBreakdown, error) {
	var rows []struct {
		TaskID      string `db:"task_id"`
		TaskTitle   string `db:"title"`
		Runs        int    `db:"runs"`
		Reviews     int    `db:"reviews"`
		CycleStates int    `db:"cycle_states"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT t.id AS task_id, t.title AS title,
		       (SELECT COUNT(*) FROM runs r WHERE r.task_id = t.id AND r.status IN (?, ?)) AS runs,
		       (SELECT COUNT(*) FROM reviews rv WHERE rv.task_id = t.id AND rv.status IN (?, ?)) AS reviews,
		       (SELECT COUNT(*) FROM cycle_states cs WHERE cs.task_id = t.id AND cs.phase NOT IN (?, ?)) AS cycle_states
		FROM tasks t
		WHERE EXISTS (SELECT 1 FROM runs r WHERE r.task_id = t.id AND r.status IN (?, ?))
		   OR EXISTS (SELECT 1 FROM reviews rv WHERE rv.task_id = t.id AND rv.status IN (?, ?))
		   OR EXISTS (SELECT 1 FROM cycle_states cs WHERE cs.task_id = t.id AND cs.phase NOT IN (?, ?))
		ORDER BY t.created_at DESC`),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning),
		string(domain.PhaseCompleted), string(domain.PhaseFailed),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning),
		string(domain.PhaseCompleted), string(domain.PhaseFailed),
	)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "breaking down pending items by task failed").WithCause(err)
	}
	out := make([]PendingBreakdown, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingBreakdown{
			TaskID: r.TaskID, TaskTitle: r.TaskTitle,
			Runs: r.Runs, Reviews: r.Reviews, CycleStates: r.CycleStates,
		})
	}
	return out, nil
}

// ListPendingRuns returns every non-terminal run, newest first, for the
// reset command's --details flag.
func (s *Store) ListPendingRuns(ctx context.Context) ([]*domain.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, task_id, triggering_message_id, executor_kind, model_profile_id, status,
			instruction, base_ref, working_branch, workspace_path, session_id, commit_sha, patch,
			files_changed, summary, warnings, logs, error, created_at, started_at, completed_at
		FROM runs WHERE status IN (?, ?) ORDER BY created_at DESC`),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "listing pending runs failed").WithCause(err)
	}
	out := make([]*domain.Run, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListPendingReviews returns every non-terminal review, newest first.
func (s *Store) ListPendingReviews(ctx context.Context) ([]*domain.Review, error) {
	var rows []reviewRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, task_id, target_run_ids, executor_kind, model_profile_id, status,
			instruction, overall_score, feedbacks, session_id, warnings, logs, error,
			created_at, started_at, completed_at
		FROM reviews WHERE status IN (?, ?) ORDER BY created_at DESC`),
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "listing pending reviews failed").WithCause(err)
	}
	out := make([]*domain.Review, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListPendingCycleStates returns every cycle state not yet in a terminal
// phase, most recently active first.
func (s *Store) ListPendingCycleStates(ctx context.Context) ([]*domain.AutonomousCycleState, error) {
	var rows []cycleStateRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT task_id, mode, phase, iteration, ci_iterations, review_iterations, pr_number,
			current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at
		FROM cycle_states WHERE phase NOT IN (?, ?) ORDER BY last_activity_at DESC`),
		string(domain.PhaseCompleted), string(domain.PhaseFailed))
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "listing pending cycle states failed").WithCause(err)
	}
	out := make([]*domain.AutonomousCycleState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ResetPendingRuns flips every queued/running run to canceled with
// error = reason, mirroring the original reset_pending.py's handling of
// the runs table (which marked them canceled, not failed).
func (s *Store) ResetPendingRuns(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET status = ?, error = ? WHERE status IN (?, ?)`),
		string(domain.RunStatusCanceled), reason,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "resetting pending runs failed").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetPendingReviews flips every queued/running review to canceled.
func (s *Store) ResetPendingReviews(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reviews SET status = ?, error = ? WHERE status IN (?, ?)`),
		string(domain.RunStatusCanceled), reason,
		string(domain.RunStatusQueued), string(domain.RunStatusRunning))
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "resetting pending reviews failed").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetPendingCycleStates flips every non-terminal cycle state to failed,
// mirroring reset_pending.py's handling of agentic_runs.
func (s *Store) ResetPendingCycleStates(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE cycle_states SET phase = ?, error = ? WHERE phase NOT IN (?, ?)`),
		string(domain.PhaseFailed), reason,
		string(domain.PhaseCompleted), string(domain.PhaseFailed))
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "resetting pending cycle states failed").WithCause(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
