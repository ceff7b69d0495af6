// Package domain holds the entities, enums and lifecycle invariants of
// the job orchestration data model: Repository, Task, Run, Review,
// PullRequest, Job, AutonomousCycleState and OutputLine. Types here carry
// no behavior beyond small invariant-preserving helpers; the components
// in internal/queue, internal/runexec, internal/reviewexec and
// internal/cycle own the transitions between the states declared below.
package domain

import "time"

// CodingMode selects how a Task is driven to completion.
type CodingMode string

const (
	CodingModeInteractive CodingMode = "interactive"
	CodingModeSemiAuto    CodingMode = "semi-auto"
	CodingModeFullAuto    CodingMode = "full-auto"
)

// KanbanState is the coarse board column a Task starts life in.
type KanbanState string

const (
	KanbanStateBacklog  KanbanState = "backlog"
	KanbanStateTodo     KanbanState = "todo"
	KanbanStateArchived KanbanState = "archived"
)

// ExecutorKind names the agent CLI (or patch applier) a Run is bound to.
// Mirrors core.Executor* but kept as its own type so storage layers and
// API payloads are not coupled to the core package's string constants.
type ExecutorKind string

const (
	ExecutorClaudeCode ExecutorKind = "claude-code"
	ExecutorCodexCLI   ExecutorKind = "codex-cli"
	ExecutorGeminiCLI  ExecutorKind = "gemini-cli"
	ExecutorPatchAgent ExecutorKind = "patch-agent"
)

// RunStatus is the lifecycle state of a Run or Review.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// IsTerminal reports whether status is one a Run/Review/Job does not leave.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// ReviewSeverity classifies a single review feedback item.
type ReviewSeverity string

const (
	SeverityCritical ReviewSeverity = "critical"
	SeverityHigh     ReviewSeverity = "high"
	SeverityMedium   ReviewSeverity = "medium"
	SeverityLow      ReviewSeverity = "low"
)

// PullRequestStatus is the lifecycle state of a PullRequest.
type PullRequestStatus string

const (
	PullRequestOpen   PullRequestStatus = "open"
	PullRequestMerged PullRequestStatus = "merged"
	PullRequestClosed PullRequestStatus = "closed"
)

// JobKind names the handler a queued Job dispatches to.
type JobKind string

const (
	JobKindRunExecute    JobKind = "run-execute"
	JobKindReviewExecute JobKind = "review-execute"
)

// JobStatus mirrors RunStatus for queue records (kept distinct: a Job's
// status vocabulary is owned by internal/queue, spec §4.1).
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// CyclePhase enumerates the states of the Autonomous Cycle Engine's (C9)
// per-task state machine.
type CyclePhase string

const (
	PhaseCoding        CyclePhase = "coding"
	PhaseWaitingCI     CyclePhase = "waiting-ci"
	PhaseFixingCI      CyclePhase = "fixing-ci"
	PhaseReviewing     CyclePhase = "reviewing"
	PhaseFixingReview  CyclePhase = "fixing-review"
	PhaseAwaitingHuman CyclePhase = "awaiting-human"
	PhaseMergeCheck    CyclePhase = "merge-check"
	PhaseMerging       CyclePhase = "merging"
	PhaseCompleted     CyclePhase = "completed"
	PhaseFailed        CyclePhase = "failed"
)

// IsTerminal reports whether the cycle has stopped producing background work.
func (p CyclePhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Repository is an immutable-after-creation reference to a target git
// remote. local_mirror_path, when set, is a bare mirror clone reused by
// Workspace Manager (C3) as a local object-transfer cache.
type Repository struct {
	ID              string
	RemoteURL       string
	DefaultBranch   string
	LocalMirrorPath string
	CreatedAt       time.Time
}

// Task is a long-lived conversation+work container, exclusively owning
// its Runs, Reviews, PullRequests and at most one AutonomousCycleState.
type Task struct {
	ID             string
	RepositoryID   string
	Title          string
	CodingMode     CodingMode
	BaseKanbanState KanbanState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is a single agent execution, mutated by exactly one worker as it
// moves queued -> running -> terminal (invariant R1).
type Run struct {
	ID                string
	TaskID            string
	TriggeringMessageID *string
	ExecutorKind      ExecutorKind
	ModelProfileID    *string
	Status            RunStatus
	Instruction       string
	BaseRef           string
	WorkingBranch     *string
	WorkspacePath     *string
	SessionID         *string
	CommitSHA         *string
	Patch             *string
	FilesChanged      []string
	Summary           *string
	Warnings          []string
	Logs              []string
	Error             *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Feedback is a single finding emitted by a Review.
type Feedback struct {
	Severity    ReviewSeverity
	Category    string
	FilePath    string
	LineRange   *string
	Title       string
	Description string
	Suggestion  *string
}

// Review is a read-only-against-the-workspace analogue of Run that
// evaluates one or more prior Runs and produces scored feedback.
type Review struct {
	ID           string
	TaskID       string
	TargetRunIDs []string
	ExecutorKind ExecutorKind
	ModelProfileID *string
	Status       RunStatus
	Instruction  string
	OverallScore *float64
	Feedbacks    []Feedback
	SessionID    *string
	Warnings     []string
	Logs         []string
	Error        *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// PullRequest tracks a source-control host pull/merge request opened for
// a Task's working branch.
type PullRequest struct {
	ID         string
	TaskID     string
	Number     int
	Branch     string
	BaseBranch string
	Title      string
	Body       string
	HeadSHA    string
	Status     PullRequestStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Job is a durable queue record, one-to-one with a Run or Review at the
// time of dispatch (invariants J1-J3).
type Job struct {
	ID           string
	Kind         JobKind
	RefID        string
	Status       JobStatus
	Payload      map[string]interface{}
	Attempts     int
	MaxAttempts  int
	Priority     int
	AvailableAt  time.Time
	LockedAt     *time.Time
	LockedBy     *string
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AutonomousCycleState is the per-task singleton state driving the
// Autonomous Cycle Engine (C9, invariant S1).
type AutonomousCycleState struct {
	TaskID            string
	Mode              CodingMode
	Phase             CyclePhase
	Iteration         int
	CIIterations      int
	ReviewIterations  int
	PRNumber          *int
	CurrentHeadSHA    *string
	LastCIResult      *string
	LastReviewScore   *float64
	HumanApproved     bool
	Error             *string
	StartedAt         time.Time
	LastActivityAt    time.Time
}

// OutputLine is one streamed, durably-numbered line of a Run or Review's
// agent output (invariant J4).
type OutputLine struct {
	StreamID   string
	LineNumber int64
	Content    string
	Timestamp  time.Time
}

// CIJobResult is one named CI check's outcome for a commit, as reported
// by the source-control host's combined-status endpoint.
type CIJobResult struct {
	JobName  string
	Success  bool
	ErrorLog string
}

// CIResult is the combined CI outcome for a commit SHA, produced by the
// CI Status Poller (C10) and consumed by the Autonomous Cycle Engine
// (C9).
type CIResult struct {
	SHA        string
	Success    bool
	FailedJobs []CIJobResult
}
