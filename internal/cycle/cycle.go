// Package cycle implements the Autonomous Cycle Engine (C9): the
// per-task state machine that drives a Task through coding, CI, review
// and merge phases without further human input (full-auto) or pausing
// once for merge approval (semi-auto).
//
// Grounded on original_source's
// AgenticOrchestrator (services/agentic_orchestrator.py): the same
// public surface (start/status/cancel/handle_ci_result/
// handle_review_result/approve_merge/reject_merge/find_task_by_pr) and
// phase methods (_run_coding_phase/_run_ci_fix_phase/_run_review_phase/
// _run_review_fix_phase/_run_merge_phase), reimplemented around this
// module's own queue/store/supervisor/cipoller collaborators instead of
// the original's RunService/ReviewService/MergeGateService DAOs.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgepilot/forgepilot/internal/cipoller"
	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/store"
	"github.com/forgepilot/forgepilot/internal/supervisor"
)

// SourceHost is the narrow slice of the source-control host the cycle
// engine drives directly: PR lifecycle and merge gating. CombinedStatus
// has the same signature as cipoller.SourceHost so one concrete client
// (internal/sourcehost) satisfies both.
type SourceHost interface {
	// EnsurePullRequest finds the open PR for branch, or creates one
	// against baseBranch if none exists, and returns it.
	EnsurePullRequest(ctx context.Context, repoFullName, branch, baseBranch, title, body string) (*domain.PullRequest, error)

	CombinedStatus(ctx context.Context, repoFullName string, prNumber int) (*domain.CIResult, error)

	// CheckMergeable reports whether prNumber currently passes every
	// required merge gate; reason explains a false result.
	CheckMergeable(ctx context.Context, repoFullName string, prNumber int) (mergeable bool, reason string, err error)

	// Merge merges prNumber with method ("merge"|"squash"|"rebase"),
	// optionally deleting the head branch afterward.
	Merge(ctx context.Context, repoFullName string, prNumber int, method string, deleteBranch bool) error
}

// Notifier emits human-facing notifications at the points spec §4.9
// names: awaiting-human, completed, failed, and iteration warnings.
// Implemented by internal/notify.
type Notifier interface {
	NotifyReadyForMerge(ctx context.Context, ev Event) error
	NotifyCompleted(ctx context.Context, ev Event) error
	NotifyFailed(ctx context.Context, ev Event) error
	NotifyWarning(ctx context.Context, ev Event, message string) error
}

// Event bundles the fields every notification carries, mirroring the
// kwargs original_source's _notify_* helpers pass through.
type Event struct {
	TaskID      string
	TaskTitle   string
	Mode        domain.CodingMode
	Iteration   int
	PRNumber    *int
	ReviewScore *float64
	Error       string
}

// MergeMethod and MergeDeleteBranch configure the merge phase; kept on
// Deps rather than hardcoded since spec §6 lists them as configuration
// surface options.
type Deps struct {
	Store             *store.Store
	Queue             queue.Backend
	Supervisor        *supervisor.Supervisor
	CIPoller          *cipoller.Poller
	Hosts             SourceHost
	Notifier          Notifier
	Limits            Limits
	MergeMethod       string
	MergeDeleteBranch bool
	Log               *logging.Logger
}

// Engine drives one AutonomousCycleState per Task.
type Engine struct {
	deps Deps

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	if deps.Limits == (Limits{}) {
		deps.Limits = DefaultLimits()
	}
	if deps.Limits.RunWaitTimeout == 0 {
		deps.Limits.RunWaitTimeout = DefaultLimits().RunWaitTimeout
	}
	if deps.Limits.RunPollInterval == 0 {
		deps.Limits.RunPollInterval = DefaultLimits().RunPollInterval
	}
	if deps.Limits.ReviewWaitTimeout == 0 {
		deps.Limits.ReviewWaitTimeout = DefaultLimits().ReviewWaitTimeout
	}
	if deps.Limits.ReviewPollInterval == 0 {
		deps.Limits.ReviewPollInterval = DefaultLimits().ReviewPollInterval
	}
	if deps.MergeMethod == "" {
		deps.MergeMethod = "squash"
	}
	return &Engine{deps: deps, locks: make(map[string]*sync.Mutex)}
}

// ReconcileOnStartup transitions every AutonomousCycleState left in a
// non-terminal phase to failed, on the assumption that whatever
// goroutine was driving it died with the previous process (spec §9: no
// cross-restart resumption). It is meant to run once, early in
// cmd/forgepilotd's startup, alongside the queue's FailAllRunning
// sweep. Returns the number of cycles reconciled.
func (e *Engine) ReconcileOnStartup(ctx context.Context) (int, error) {
	states, err := e.deps.Store.ListActiveCycleStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active cycle states: %w", err)
	}

	n := 0
	for _, state := range states {
		if state.Phase.IsTerminal() {
			continue
		}
		if err := e.fail(ctx, state, "abandoned: process restarted mid-cycle"); err != nil {
			return n, fmt.Errorf("reconciling cycle state for task %s: %w", state.TaskID, err)
		}
		n++
	}
	return n, nil
}

// lockFor returns the per-task mutex for taskID, creating it on first
// use. Spec §9's "low contention" design note: a global lock only
// guards the map itself, all real work holds the per-key lock.
func (e *Engine) lockFor(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// StartTask begins an autonomous cycle for taskID, rejecting
// interactive-mode tasks (spec's coding-mode glossary entry: interactive
// tasks never use the cycle engine).
func (e *Engine) StartTask(ctx context.Context, taskID, instruction string, mode domain.CodingMode) (*domain.AutonomousCycleState, error) {
	if mode == domain.CodingModeInteractive {
		return nil, core.ErrValidation("INTERACTIVE_MODE_UNSUPPORTED", "interactive mode is not driven by the autonomous cycle engine")
	}

	task, err := e.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, core.ErrNotFound("task", taskID)
	}

	now := time.Now()
	state := &domain.AutonomousCycleState{
		TaskID:         taskID,
		Mode:           mode,
		Phase:          domain.PhaseCoding,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return nil, err
	}

	e.launchCoding(taskID, instruction, false)
	return state, nil
}

// GetStatus returns the current cycle state for taskID, or nil if none
// exists.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (*domain.AutonomousCycleState, error) {
	return e.deps.Store.GetCycleState(ctx, taskID)
}

// Cancel stops any in-flight phase and CI polling for taskID and marks
// its cycle failed. Reports false if taskID has no cycle state.
func (e *Engine) Cancel(ctx context.Context, taskID string) (bool, error) {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	e.deps.CIPoller.StopPolling(taskID)
	e.deps.Supervisor.Cancel(taskID)

	state.Phase = domain.PhaseFailed
	state.Error = strPtr("canceled by operator")
	state.LastActivityAt = time.Now()
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return false, err
	}
	return true, nil
}

// FindTaskByPR returns the Task ID owning prNumber, or "" if none.
func (e *Engine) FindTaskByPR(ctx context.Context, prNumber int) (string, error) {
	pr, err := e.deps.Store.GetPullRequestByNumber(ctx, prNumber)
	if err != nil {
		return "", err
	}
	if pr == nil {
		return "", nil
	}
	return pr.TaskID, nil
}

// HandleCIResult processes a (possibly webhook-delivered) CI outcome for
// taskID: on success it advances to reviewing, on failure it enters the
// CI-fix loop or fails the cycle once the budget is exhausted. Also
// wired as the CI Status Poller's on-complete callback.
func (e *Engine) HandleCIResult(ctx context.Context, taskID string, result *domain.CIResult) (*domain.AutonomousCycleState, error) {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		return state, err
	}

	// A result can arrive here either from the CI Status Poller's own
	// on-complete callback (polling already stopped itself) or from a
	// webhook delivered while a poll is still in flight; StopPolling
	// covers the latter so a stale poll can't fire onCIPollTimeout
	// against a cycle that has already moved past waiting-ci.
	e.deps.CIPoller.StopPolling(taskID)

	resultJSON := fmt.Sprintf("sha=%s success=%t", result.SHA, result.Success)
	state.LastCIResult = &resultJSON
	state.LastActivityAt = time.Now()

	if result.Success {
		state.Phase = domain.PhaseReviewing
		if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
			return state, err
		}
		e.launchReview(taskID)
		return state, nil
	}

	state.CIIterations++
	if state.CIIterations > e.deps.Limits.MaxCIIterations {
		return state, e.fail(ctx, state, budgetError("ci fix", state.CIIterations, e.deps.Limits.MaxCIIterations).Error())
	}

	state.Phase = domain.PhaseFixingCI
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return state, err
	}
	e.launchCIFix(taskID, result.FailedJobs)
	return state, nil
}

// onCIPollTimeout fails the cycle when CI never reaches a terminal state
// within the configured overall timeout.
func (e *Engine) onCIPollTimeout(taskID string) {
	ctx := context.Background()
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		return
	}
	_ = e.fail(ctx, state, "CI polling timed out")
}

// handleReviewResult folds a completed Review's verdict into the cycle,
// mirroring original_source's handle_review_result: approved runs
// proceed to awaiting-human (semi-auto) or merge-check (full-auto);
// rejected runs re-enter coding via the review-fix loop, or fail the
// cycle once the budget is exhausted.
func (e *Engine) handleReviewResult(ctx context.Context, taskID string, review *domain.Review) error {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		return err
	}

	score := 0.0
	if review.OverallScore != nil {
		score = *review.OverallScore
	}
	state.LastReviewScore = &score
	state.LastActivityAt = time.Now()

	approved := review.Status == domain.RunStatusSucceeded && score >= e.deps.Limits.MinReviewScore
	if approved {
		if state.Mode == domain.CodingModeSemiAuto {
			state.Phase = domain.PhaseAwaitingHuman
			if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
				return err
			}
			return e.notify(ctx, notifyReadyForMerge, state, "")
		}
		state.Phase = domain.PhaseMergeCheck
		if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
			return err
		}
		e.launchMerge(taskID)
		return nil
	}

	state.ReviewIterations++
	if state.ReviewIterations > e.deps.Limits.MaxReviewIterations {
		return e.fail(ctx, state, budgetError("review fix", state.ReviewIterations, e.deps.Limits.MaxReviewIterations).Error())
	}

	state.Phase = domain.PhaseFixingReview
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return err
	}
	e.launchReviewFix(taskID, review)
	return nil
}

// ApproveMerge records human approval (semi-auto only) and proceeds to
// the merge-check phase.
func (e *Engine) ApproveMerge(ctx context.Context, taskID string) (*domain.AutonomousCycleState, error) {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.requireAwaitingHuman(ctx, taskID)
	if err != nil {
		return nil, err
	}

	state.HumanApproved = true
	state.Phase = domain.PhaseMergeCheck
	state.LastActivityAt = time.Now()
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return nil, err
	}
	e.launchMerge(taskID)
	return state, nil
}

// RejectMerge records a human rejection (semi-auto only). With
// feedback, the cycle re-enters coding using that feedback as the next
// instruction; without it, the cycle fails outright.
func (e *Engine) RejectMerge(ctx context.Context, taskID, feedback string) (*domain.AutonomousCycleState, error) {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.requireAwaitingHuman(ctx, taskID)
	if err != nil {
		return nil, err
	}

	state.LastActivityAt = time.Now()
	if feedback == "" {
		if err := e.fail(ctx, state, "human rejected without feedback"); err != nil {
			return nil, err
		}
		return state, nil
	}

	state.Phase = domain.PhaseCoding
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return nil, err
	}
	e.launchCoding(taskID, feedback, true)
	return state, nil
}

func (e *Engine) requireAwaitingHuman(ctx context.Context, taskID string) (*domain.AutonomousCycleState, error) {
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, core.ErrNotFound("cycle state", taskID)
	}
	if state.Mode != domain.CodingModeSemiAuto {
		return nil, core.ErrValidation(core.CodeInvalidState, "merge approval is only applicable in semi-auto mode")
	}
	if state.Phase != domain.PhaseAwaitingHuman {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("cannot approve/reject merge in phase %s", state.Phase))
	}
	return state, nil
}

// fail transitions state to failed, persists it, and notifies; it
// returns the persistence error (if any), not the supplied reason,
// since reason is a domain outcome rather than a call failure.
func (e *Engine) fail(ctx context.Context, state *domain.AutonomousCycleState, reason string) error {
	state.Phase = domain.PhaseFailed
	state.Error = strPtr(reason)
	state.LastActivityAt = time.Now()
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		return err
	}
	return e.notify(ctx, notifyFailed, state, "")
}

// notifyOutcome names which Notifier method to invoke; kept as a small
// enum (rather than passing the interface method directly) because an
// interface method value obtained from a nil Notifier panics at
// evaluation time, before any nil check in notify could run.
type notifyOutcome int

const (
	notifyReadyForMerge notifyOutcome = iota
	notifyCompleted
	notifyFailed
	notifyWarning
)

func (e *Engine) notify(ctx context.Context, outcome notifyOutcome, state *domain.AutonomousCycleState, message string) error {
	if e.deps.Notifier == nil {
		return nil
	}
	task, _ := e.deps.Store.GetTask(ctx, state.TaskID)
	title := ""
	if task != nil {
		title = task.Title
	}
	errMsg := ""
	if state.Error != nil {
		errMsg = *state.Error
	}
	ev := Event{
		TaskID: state.TaskID, TaskTitle: title, Mode: state.Mode, Iteration: state.Iteration,
		PRNumber: state.PRNumber, ReviewScore: state.LastReviewScore, Error: errMsg,
	}
	switch outcome {
	case notifyReadyForMerge:
		return e.deps.Notifier.NotifyReadyForMerge(ctx, ev)
	case notifyCompleted:
		return e.deps.Notifier.NotifyCompleted(ctx, ev)
	case notifyFailed:
		return e.deps.Notifier.NotifyFailed(ctx, ev)
	case notifyWarning:
		return e.deps.Notifier.NotifyWarning(ctx, ev, message)
	default:
		return nil
	}
}

func strPtr(s string) *string { return &s }
