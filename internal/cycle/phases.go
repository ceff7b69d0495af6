package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgepilot/forgepilot/internal/domain"
)

// launchCoding starts (or restarts) the coding phase in the background,
// superseding whatever phase task previously had running.
func (e *Engine) launchCoding(taskID, instruction string, humanFeedback bool) {
	e.deps.Supervisor.Start(taskID, "coding", e.deps.Limits.PhaseTimeout, func(ctx context.Context) error {
		return e.runCodingPhase(ctx, taskID, instruction, humanFeedback)
	}, e.onPhaseTimeout(taskID, "coding"), e.onPhaseError(taskID, "coding"))
}

func (e *Engine) launchCIFix(taskID string, failedJobs []domain.CIJobResult) {
	e.deps.Supervisor.Start(taskID, "fixing-ci", e.deps.Limits.PhaseTimeout, func(ctx context.Context) error {
		return e.runCodingPhase(ctx, taskID, buildCIFixInstruction(failedJobs), false)
	}, e.onPhaseTimeout(taskID, "fixing-ci"), e.onPhaseError(taskID, "fixing-ci"))
}

func (e *Engine) launchReview(taskID string) {
	e.deps.Supervisor.Start(taskID, "reviewing", e.deps.Limits.PhaseTimeout, func(ctx context.Context) error {
		return e.runReviewPhase(ctx, taskID)
	}, e.onPhaseTimeout(taskID, "reviewing"), e.onPhaseError(taskID, "reviewing"))
}

func (e *Engine) launchReviewFix(taskID string, review *domain.Review) {
	e.deps.Supervisor.Start(taskID, "fixing-review", e.deps.Limits.PhaseTimeout, func(ctx context.Context) error {
		return e.runCodingPhase(ctx, taskID, buildReviewFixInstruction(review, defaultReviewFixSeverities()), false)
	}, e.onPhaseTimeout(taskID, "fixing-review"), e.onPhaseError(taskID, "fixing-review"))
}

func (e *Engine) launchMerge(taskID string) {
	e.deps.Supervisor.Start(taskID, "merging", e.deps.Limits.PhaseTimeout, func(ctx context.Context) error {
		return e.runMergePhase(ctx, taskID)
	}, e.onPhaseTimeout(taskID, "merging"), e.onPhaseError(taskID, "merging"))
}

// onPhaseTimeout fails the cycle when a phase's supervised goroutine
// does not finish within the overall phase timeout.
func (e *Engine) onPhaseTimeout(taskID, phaseName string) func() {
	return func() {
		ctx := context.Background()
		lock := e.lockFor(taskID)
		lock.Lock()
		defer lock.Unlock()
		state, err := e.deps.Store.GetCycleState(ctx, taskID)
		if err != nil || state == nil {
			return
		}
		_ = e.fail(ctx, state, fmt.Sprintf("%s phase timed out", phaseName))
	}
}

// onPhaseError only logs: every phase method catches its own errors and
// transitions the cycle to failed itself (spec §7), so onError firing
// here means a bug, not a modeled failure.
func (e *Engine) onPhaseError(taskID, phaseName string) func(error) {
	return func(err error) {
		e.deps.Log.With("task_id", taskID, "phase", phaseName).Error("cycle phase returned an unhandled error", "error", err)
	}
}

// runCodingPhase enters coding, guards the total-iteration budget,
// creates and enqueues a Run job, waits for it, and on success advances
// to waiting-ci (provisioning a PR and starting CI polling). All
// failures are caught and recorded on the cycle state; the returned
// error is only non-nil for unexpected persistence failures the
// supervisor should log.
func (e *Engine) runCodingPhase(ctx context.Context, taskID, instruction string, humanFeedback bool) error {
	lock := e.lockFor(taskID)
	lock.Lock()
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}

	state.Phase = domain.PhaseCoding
	state.Iteration++
	state.LastActivityAt = time.Now()

	if state.Iteration > e.deps.Limits.MaxTotalIterations {
		err := e.fail(ctx, state, budgetError("total", state.Iteration, e.deps.Limits.MaxTotalIterations).Error())
		lock.Unlock()
		return err
	}

	warn := state.Iteration >= e.deps.Limits.WarnIterationThreshold
	if err := e.deps.Store.UpsertCycleState(ctx, state); err != nil {
		lock.Unlock()
		return err
	}
	fullInstruction := enhanceInstruction(instruction, state, humanFeedback)
	lock.Unlock()

	if warn {
		_ = e.notify(ctx, notifyWarning, state, fmt.Sprintf("high iteration count: %d", state.Iteration))
	}

	task, err := e.deps.Store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return e.failLocked(ctx, taskID, "task not found")
	}
	repo, err := e.deps.Store.GetRepository(ctx, task.RepositoryID)
	if err != nil || repo == nil {
		return e.failLocked(ctx, taskID, "repository not found")
	}

	run := &domain.Run{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		ExecutorKind: domain.ExecutorClaudeCode,
		Status:       domain.RunStatusQueued,
		Instruction:  fullInstruction,
		BaseRef:      repo.DefaultBranch,
		CreatedAt:    time.Now(),
	}
	if err := e.deps.Store.CreateRun(ctx, run); err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("failed to create coding run: %v", err))
	}
	if _, err := e.deps.Queue.Enqueue(ctx, domain.JobKindRunExecute, run.ID, nil, EnqueueMaxAttempts, 0, 0); err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("failed to enqueue coding run: %v", err))
	}

	run, err = e.waitForRun(ctx, run.ID)
	if err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("coding run did not complete: %v", err))
	}
	if run.Status != domain.RunStatusSucceeded {
		errMsg := "unknown error"
		if run.Error != nil {
			errMsg = *run.Error
		}
		return e.failLocked(ctx, taskID, fmt.Sprintf("coding run failed: %s", errMsg))
	}

	lock.Lock()
	state, err = e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	if run.CommitSHA != nil {
		state.CurrentHeadSHA = run.CommitSHA
	}
	state.Phase = domain.PhaseWaitingCI
	state.LastActivityAt = time.Now()
	err = e.deps.Store.UpsertCycleState(ctx, state)
	lock.Unlock()
	if err != nil {
		return err
	}

	return e.startCIPolling(ctx, taskID, task, repo, run)
}

// startCIPolling finds-or-creates the task's PR for run's branch and
// begins polling CI on it. On any failure it fails the cycle directly
// (there is no retry for PR setup).
func (e *Engine) startCIPolling(ctx context.Context, taskID string, task *domain.Task, repo *domain.Repository, run *domain.Run) error {
	pr, err := e.ensurePullRequest(ctx, task, repo, run)
	if err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("pull request setup failed: %v", err))
	}

	lock := e.lockFor(taskID)
	lock.Lock()
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	state.PRNumber = &pr.Number
	state.LastActivityAt = time.Now()
	err = e.deps.Store.UpsertCycleState(ctx, state)
	lock.Unlock()
	if err != nil {
		return err
	}

	repoFullName := extractRepoFullName(repo.RemoteURL)
	e.deps.CIPoller.StartPolling(taskID, pr.Number, repoFullName, func(result *domain.CIResult) {
		_, _ = e.HandleCIResult(context.Background(), taskID, result)
	}, func() {
		e.onCIPollTimeout(taskID)
	})
	return nil
}

// ensurePullRequest finds the task's existing PR record or creates one
// via the source host, for run's working branch.
func (e *Engine) ensurePullRequest(ctx context.Context, task *domain.Task, repo *domain.Repository, run *domain.Run) (*domain.PullRequest, error) {
	branch := ""
	if run.WorkingBranch != nil {
		branch = *run.WorkingBranch
	}
	if branch == "" {
		return nil, fmt.Errorf("run %s produced no working branch to open a pull request from", run.ID)
	}

	existing, err := e.deps.Store.GetPullRequestByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	repoFullName := extractRepoFullName(repo.RemoteURL)
	pr, err := e.deps.Hosts.EnsurePullRequest(ctx, repoFullName, branch, repo.DefaultBranch, task.Title,
		fmt.Sprintf("Automated pull request for task %s", task.ID))
	if err != nil {
		return nil, err
	}

	if existing == nil {
		now := time.Now()
		pr.ID = uuid.NewString()
		pr.TaskID = task.ID
		pr.Branch = branch
		pr.BaseBranch = repo.DefaultBranch
		if pr.Status == "" {
			pr.Status = domain.PullRequestOpen
		}
		pr.CreatedAt = now
		pr.UpdatedAt = now
		if err := e.deps.Store.CreatePullRequest(ctx, pr); err != nil {
			return nil, err
		}
		return pr, nil
	}

	if err := e.deps.Store.UpdatePullRequestStatus(ctx, existing.ID, domain.PullRequestOpen, pr.HeadSHA, time.Now()); err != nil {
		return nil, err
	}
	existing.HeadSHA = pr.HeadSHA
	return existing, nil
}

// runReviewPhase reviews the latest succeeded Run for taskID and folds
// the verdict back into the cycle via handleReviewResult.
func (e *Engine) runReviewPhase(ctx context.Context, taskID string) error {
	lock := e.lockFor(taskID)
	lock.Lock()
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	state.Phase = domain.PhaseReviewing
	state.LastActivityAt = time.Now()
	err = e.deps.Store.UpsertCycleState(ctx, state)
	lock.Unlock()
	if err != nil {
		return err
	}

	runs, err := e.deps.Store.ListRunsByTask(ctx, taskID)
	if err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("listing runs failed: %v", err))
	}
	var latest *domain.Run
	for _, r := range runs {
		if r.Status == domain.RunStatusSucceeded {
			latest = r
			break
		}
	}
	if latest == nil {
		return e.failLocked(ctx, taskID, "no successful run found to review")
	}

	review := &domain.Review{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		TargetRunIDs: []string{latest.ID},
		ExecutorKind: domain.ExecutorCodexCLI,
		Status:       domain.RunStatusQueued,
		Instruction:  fmt.Sprintf("Review the change introduced by run %s.", latest.ID),
		CreatedAt:    time.Now(),
	}
	if err := e.deps.Store.CreateReview(ctx, review); err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("failed to create review: %v", err))
	}
	if _, err := e.deps.Queue.Enqueue(ctx, domain.JobKindReviewExecute, review.ID, nil, EnqueueMaxAttempts, 0, 0); err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("failed to enqueue review: %v", err))
	}

	review, err = e.waitForReview(ctx, review.ID)
	if err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("review did not complete: %v", err))
	}

	return e.handleReviewResult(ctx, taskID, review)
}

// runMergePhase checks mergeability for the task's PR and merges it,
// completing the cycle on success.
func (e *Engine) runMergePhase(ctx context.Context, taskID string) error {
	lock := e.lockFor(taskID)
	lock.Lock()
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	if state.PRNumber == nil {
		lock.Unlock()
		return e.failLocked(ctx, taskID, "no pull request number recorded for merge")
	}
	prNumber := *state.PRNumber
	lock.Unlock()

	task, err := e.deps.Store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return e.failLocked(ctx, taskID, "task not found")
	}
	repo, err := e.deps.Store.GetRepository(ctx, task.RepositoryID)
	if err != nil || repo == nil {
		return e.failLocked(ctx, taskID, "repository not found")
	}
	repoFullName := extractRepoFullName(repo.RemoteURL)

	mergeable, reason, err := e.deps.Hosts.CheckMergeable(ctx, repoFullName, prNumber)
	if err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("merge gate check failed: %v", err))
	}
	if !mergeable {
		return e.failLocked(ctx, taskID, fmt.Sprintf("pull request not mergeable: %s", reason))
	}

	lock.Lock()
	state, err = e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	state.Phase = domain.PhaseMerging
	state.LastActivityAt = time.Now()
	err = e.deps.Store.UpsertCycleState(ctx, state)
	lock.Unlock()
	if err != nil {
		return err
	}

	if err := e.deps.Hosts.Merge(ctx, repoFullName, prNumber, e.deps.MergeMethod, e.deps.MergeDeleteBranch); err != nil {
		return e.failLocked(ctx, taskID, fmt.Sprintf("merge failed: %v", err))
	}

	if pr, err := e.deps.Store.GetPullRequestByTask(ctx, taskID); err == nil && pr != nil {
		_ = e.deps.Store.UpdatePullRequestStatus(ctx, pr.ID, domain.PullRequestMerged, pr.HeadSHA, time.Now())
	}

	lock.Lock()
	state, err = e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		lock.Unlock()
		return err
	}
	state.Phase = domain.PhaseCompleted
	state.LastActivityAt = time.Now()
	err = e.deps.Store.UpsertCycleState(ctx, state)
	lock.Unlock()
	if err != nil {
		return err
	}
	return e.notify(ctx, notifyCompleted, state, "")
}

// failLocked re-acquires taskID's lock to fail its cycle state; used by
// phase bodies that released the lock before a blocking operation
// (enqueue, wait) and then hit an error.
func (e *Engine) failLocked(ctx context.Context, taskID, reason string) error {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()
	state, err := e.deps.Store.GetCycleState(ctx, taskID)
	if err != nil || state == nil {
		return err
	}
	return e.fail(ctx, state, reason)
}

// waitForRun polls the store for runID's terminal status, the same
// poll-don't-push shape as original_source's _wait_for_run.
func (e *Engine) waitForRun(ctx context.Context, runID string) (*domain.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deps.Limits.RunWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(e.deps.Limits.RunPollInterval)
	defer ticker.Stop()

	for {
		run, err := e.deps.Store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run != nil && run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForReview polls the store for reviewID's terminal status.
func (e *Engine) waitForReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deps.Limits.ReviewWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(e.deps.Limits.ReviewPollInterval)
	defer ticker.Stop()

	for {
		review, err := e.deps.Store.GetReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		if review != nil && review.Status.IsTerminal() {
			return review, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
