// Package store is the relational persistence layer: a sqlx-backed
// Store holding Repository, Task, Run, Review, PullRequest and
// AutonomousCycleState records, plus an implementation of
// internal/outputmux's Store interface for durable output-line history.
//
// Grounded on internal/queue's SQLBackend (same embedded-migration +
// goose.Up bootstrap, same SQLite single-writer-connection /
// Postgres pooled-connection split, traced to the teacher's
// internal/adapters/state.SQLiteStateManager) generalized from one
// table (jobs) to the full domain model.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgepilot/forgepilot/internal/core"
	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the relational backing for every durable entity in the data
// model, plus output line history for the Output Multiplexer (C6).
type Store struct {
	db     *sqlx.DB
	driver string
	log    *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger used for migration diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// OpenSQLite opens (creating and migrating if necessary) a SQLite-backed
// store at path. A single-connection pool matches the teacher's
// single-writer convention and avoids SQLITE_BUSY under WAL mode.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newStore(db, "sqlite", opts...)
}

// OpenPostgres opens a Postgres-backed store using dsn.
func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store db: %w", err)
	}
	db.SetMaxOpenConns(10)
	return newStore(db, "postgres", opts...)
}

func newStore(db *sqlx.DB, driver string, opts ...Option) (*Store, error) {
	s := &Store{db: db, driver: driver, log: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running store migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalList(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- Repository ---------------------------------------------------------

// CreateRepository inserts repo.
func (s *Store) CreateRepository(ctx context.Context, repo *domain.Repository) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repositories (id, remote_url, default_branch, local_mirror_path, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		repo.ID, repo.RemoteURL, repo.DefaultBranch, repo.LocalMirrorPath, repo.CreatedAt,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "create repository failed").WithCause(err)
	}
	return nil
}

// GetRepository returns repo by id, or nil if not found.
func (s *Store) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	var row repositoryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, remote_url, default_branch, local_mirror_path, created_at
		FROM repositories WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get repository failed").WithCause(err)
	}
	return row.toDomain(), nil
}

// GetRepositoryByRemoteURL returns the repository registered under
// remoteURL, or nil if none has been created yet.
func (s *Store) GetRepositoryByRemoteURL(ctx context.Context, remoteURL string) (*domain.Repository, error) {
	var row repositoryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, remote_url, default_branch, local_mirror_path, created_at
		FROM repositories WHERE remote_url = ?`), remoteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get repository by remote url failed").WithCause(err)
	}
	return row.toDomain(), nil
}

type repositoryRow struct {
	ID              string    `db:"id"`
	RemoteURL       string    `db:"remote_url"`
	DefaultBranch   string    `db:"default_branch"`
	LocalMirrorPath string    `db:"local_mirror_path"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r repositoryRow) toDomain() *domain.Repository {
	return &domain.Repository{
		ID: r.ID, RemoteURL: r.RemoteURL, DefaultBranch: r.DefaultBranch,
		LocalMirrorPath: r.LocalMirrorPath, CreatedAt: r.CreatedAt,
	}
}

// --- Task -----------------------------------------------------------------

// CreateTask inserts task.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, repository_id, title, coding_mode, base_kanban_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.RepositoryID, task.Title, string(task.CodingMode), string(task.BaseKanbanState),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "create task failed").WithCause(err)
	}
	return nil
}

// GetTask returns task by id, or nil if not found.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, repository_id, title, coding_mode, base_kanban_state, created_at, updated_at
		FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get task failed").WithCause(err)
	}
	return row.toDomain(), nil
}

// ListTasksByRepository returns every task belonging to repositoryID,
// newest first.
func (s *Store) ListTasksByRepository(ctx context.Context, repositoryID string) ([]*domain.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, repository_id, title, coding_mode, base_kanban_state, created_at, updated_at
		FROM tasks WHERE repository_id = ? ORDER BY created_at DESC`), repositoryID)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "list tasks failed").WithCause(err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// UpdateTaskKanbanState persists a task's kanban column move.
func (s *Store) UpdateTaskKanbanState(ctx context.Context, id string, state domain.KanbanState, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET base_kanban_state = ?, updated_at = ? WHERE id = ?`),
		string(state), now, id,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "update task kanban state failed").WithCause(err)
	}
	return nil
}

type taskRow struct {
	ID              string    `db:"id"`
	RepositoryID    string    `db:"repository_id"`
	Title           string    `db:"title"`
	CodingMode      string    `db:"coding_mode"`
	BaseKanbanState string    `db:"base_kanban_state"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r taskRow) toDomain() *domain.Task {
	return &domain.Task{
		ID: r.ID, RepositoryID: r.RepositoryID, Title: r.Title,
		CodingMode: domain.CodingMode(r.CodingMode), BaseKanbanState: domain.KanbanState(r.BaseKanbanState),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// --- Run --------------------------------------------------------------

// CreateRun inserts run.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "encoding run failed").WithCause(err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, task_id, triggering_message_id, executor_kind, model_profile_id, status,
			instruction, base_ref, working_branch, workspace_path, session_id, commit_sha, patch,
			files_changed, summary, warnings, logs, error, created_at, started_at, completed_at)
		VALUES (:id, :task_id, :triggering_message_id, :executor_kind, :model_profile_id, :status,
			:instruction, :base_ref, :working_branch, :workspace_path, :session_id, :commit_sha, :patch,
			:files_changed, :summary, :warnings, :logs, :error, :created_at, :started_at, :completed_at)`,
		row)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "create run failed").WithCause(err)
	}
	return nil
}

// UpdateRun persists run's full mutable state (status, summary, commit,
// patch, warnings/logs, timestamps). Callers own the single-writer
// invariant (R1) by only ever mutating a Run from its owning worker.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "encoding run failed").WithCause(err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE runs SET status = :status, working_branch = :working_branch, workspace_path = :workspace_path,
			session_id = :session_id, commit_sha = :commit_sha, patch = :patch, files_changed = :files_changed,
			summary = :summary, warnings = :warnings, logs = :logs, error = :error,
			started_at = :started_at, completed_at = :completed_at
		WHERE id = :id`, row)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "update run failed").WithCause(err)
	}
	return nil
}

// GetRun returns run by id, or nil if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, task_id, triggering_message_id, executor_kind, model_profile_id, status,
			instruction, base_ref, working_branch, workspace_path, session_id, commit_sha, patch,
			files_changed, summary, warnings, logs, error, created_at, started_at, completed_at
		FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get run failed").WithCause(err)
	}
	return row.toDomain()
}

// ListRunsByTask returns every run for taskID, newest first.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*domain.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, task_id, triggering_message_id, executor_kind, model_profile_id, status,
			instruction, base_ref, working_branch, workspace_path, session_id, commit_sha, patch,
			files_changed, summary, warnings, logs, error, created_at, started_at, completed_at
		FROM runs WHERE task_id = ? ORDER BY created_at DESC`), taskID)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "list runs failed").WithCause(err)
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

type runRow struct {
	ID                  string     `db:"id"`
	TaskID              string     `db:"task_id"`
	TriggeringMessageID *string    `db:"triggering_message_id"`
	ExecutorKind        string     `db:"executor_kind"`
	ModelProfileID      *string    `db:"model_profile_id"`
	Status              string     `db:"status"`
	Instruction         string     `db:"instruction"`
	BaseRef             string     `db:"base_ref"`
	WorkingBranch       *string    `db:"working_branch"`
	WorkspacePath       *string    `db:"workspace_path"`
	SessionID           *string    `db:"session_id"`
	CommitSHA           *string    `db:"commit_sha"`
	Patch               *string    `db:"patch"`
	FilesChanged        string     `db:"files_changed"`
	Summary             *string    `db:"summary"`
	Warnings            string     `db:"warnings"`
	Logs                string     `db:"logs"`
	Error               *string    `db:"error"`
	CreatedAt           time.Time  `db:"created_at"`
	StartedAt           *time.Time `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
}

func runToRow(run *domain.Run) (runRow, error) {
	filesChanged, err := marshalList(run.FilesChanged)
	if err != nil {
		return runRow{}, err
	}
	warnings, err := marshalList(run.Warnings)
	if err != nil {
		return runRow{}, err
	}
	logs, err := marshalList(run.Logs)
	if err != nil {
		return runRow{}, err
	}
	return runRow{
		ID: run.ID, TaskID: run.TaskID, TriggeringMessageID: run.TriggeringMessageID,
		ExecutorKind: string(run.ExecutorKind), ModelProfileID: run.ModelProfileID, Status: string(run.Status),
		Instruction: run.Instruction, BaseRef: run.BaseRef, WorkingBranch: run.WorkingBranch,
		WorkspacePath: run.WorkspacePath, SessionID: run.SessionID, CommitSHA: run.CommitSHA, Patch: run.Patch,
		FilesChanged: filesChanged, Summary: run.Summary, Warnings: warnings, Logs: logs, Error: run.Error,
		CreatedAt: run.CreatedAt, StartedAt: run.StartedAt, CompletedAt: run.CompletedAt,
	}, nil
}

func (r runRow) toDomain() (*domain.Run, error) {
	var filesChanged, warnings, logs []string
	if err := json.Unmarshal([]byte(r.FilesChanged), &filesChanged); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding run files_changed failed").WithCause(err)
	}
	if err := json.Unmarshal([]byte(r.Warnings), &warnings); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding run warnings failed").WithCause(err)
	}
	if err := json.Unmarshal([]byte(r.Logs), &logs); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding run logs failed").WithCause(err)
	}
	return &domain.Run{
		ID: r.ID, TaskID: r.TaskID, TriggeringMessageID: r.TriggeringMessageID,
		ExecutorKind: domain.ExecutorKind(r.ExecutorKind), ModelProfileID: r.ModelProfileID,
		Status: domain.RunStatus(r.Status), Instruction: r.Instruction, BaseRef: r.BaseRef,
		WorkingBranch: r.WorkingBranch, WorkspacePath: r.WorkspacePath, SessionID: r.SessionID,
		CommitSHA: r.CommitSHA, Patch: r.Patch, FilesChanged: filesChanged, Summary: r.Summary,
		Warnings: warnings, Logs: logs, Error: r.Error,
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}, nil
}

// --- Review -----------------------------------------------------------

// CreateReview inserts review.
func (s *Store) CreateReview(ctx context.Context, review *domain.Review) error {
	row, err := reviewToRow(review)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "encoding review failed").WithCause(err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO reviews (id, task_id, target_run_ids, executor_kind, model_profile_id, status,
			instruction, overall_score, feedbacks, session_id, warnings, logs, error,
			created_at, started_at, completed_at)
		VALUES (:id, :task_id, :target_run_ids, :executor_kind, :model_profile_id, :status,
			:instruction, :overall_score, :feedbacks, :session_id, :warnings, :logs, :error,
			:created_at, :started_at, :completed_at)`, row)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "create review failed").WithCause(err)
	}
	return nil
}

// UpdateReview persists review's full mutable state.
func (s *Store) UpdateReview(ctx context.Context, review *domain.Review) error {
	row, err := reviewToRow(review)
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "encoding review failed").WithCause(err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE reviews SET status = :status, overall_score = :overall_score, feedbacks = :feedbacks,
			session_id = :session_id, warnings = :warnings, logs = :logs, error = :error,
			started_at = :started_at, completed_at = :completed_at
		WHERE id = :id`, row)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "update review failed").WithCause(err)
	}
	return nil
}

// GetReview returns review by id, or nil if not found.
func (s *Store) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	var row reviewRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, task_id, target_run_ids, executor_kind, model_profile_id, status,
			instruction, overall_score, feedbacks, session_id, warnings, logs, error,
			created_at, started_at, completed_at
		FROM reviews WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get review failed").WithCause(err)
	}
	return row.toDomain()
}

// ListReviewsByTask returns every review for taskID, newest first.
func (s *Store) ListReviewsByTask(ctx context.Context, taskID string) ([]*domain.Review, error) {
	var rows []reviewRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, task_id, target_run_ids, executor_kind, model_profile_id, status,
			instruction, overall_score, feedbacks, session_id, warnings, logs, error,
			created_at, started_at, completed_at
		FROM reviews WHERE task_id = ? ORDER BY created_at DESC`), taskID)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "list reviews failed").WithCause(err)
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

type reviewRow struct {
	ID             string     `db:"id"`
	TaskID         string     `db:"task_id"`
	TargetRunIDs   string     `db:"target_run_ids"`
	ExecutorKind   string     `db:"executor_kind"`
	ModelProfileID *string    `db:"model_profile_id"`
	Status         string     `db:"status"`
	Instruction    string     `db:"instruction"`
	OverallScore   *float64   `db:"overall_score"`
	Feedbacks      string     `db:"feedbacks"`
	SessionID      *string    `db:"session_id"`
	Warnings       string     `db:"warnings"`
	Logs           string     `db:"logs"`
	Error          *string    `db:"error"`
	CreatedAt      time.Time  `db:"created_at"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

func reviewToRow(review *domain.Review) (reviewRow, error) {
	targetRunIDs, err := marshalList(review.TargetRunIDs)
	if err != nil {
		return reviewRow{}, err
	}
	feedbacks, err := marshalList(review.Feedbacks)
	if err != nil {
		return reviewRow{}, err
	}
	warnings, err := marshalList(review.Warnings)
	if err != nil {
		return reviewRow{}, err
	}
	logs, err := marshalList(review.Logs)
	if err != nil {
		return reviewRow{}, err
	}
	return reviewRow{
		ID: review.ID, TaskID: review.TaskID, TargetRunIDs: targetRunIDs,
		ExecutorKind: string(review.ExecutorKind), ModelProfileID: review.ModelProfileID, Status: string(review.Status),
		Instruction: review.Instruction, OverallScore: review.OverallScore, Feedbacks: feedbacks,
		SessionID: review.SessionID, Warnings: warnings, Logs: logs, Error: review.Error,
		CreatedAt: review.CreatedAt, StartedAt: review.StartedAt, CompletedAt: review.CompletedAt,
	}, nil
}

func (r reviewRow) toDomain() (*domain.Review, error) {
	var targetRunIDs []string
	var feedbacks []domain.Feedback
	var warnings, logs []string
	if err := json.Unmarshal([]byte(r.TargetRunIDs), &targetRunIDs); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding review target_run_ids failed").WithCause(err)
	}
	if err := json.Unmarshal([]byte(r.Feedbacks), &feedbacks); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding review feedbacks failed").WithCause(err)
	}
	if err := json.Unmarshal([]byte(r.Warnings), &warnings); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding review warnings failed").WithCause(err)
	}
	if err := json.Unmarshal([]byte(r.Logs), &logs); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "decoding review logs failed").WithCause(err)
	}
	return &domain.Review{
		ID: r.ID, TaskID: r.TaskID, TargetRunIDs: targetRunIDs, ExecutorKind: domain.ExecutorKind(r.ExecutorKind),
		ModelProfileID: r.ModelProfileID, Status: domain.RunStatus(r.Status), Instruction: r.Instruction,
		OverallScore: r.OverallScore, Feedbacks: feedbacks, SessionID: r.SessionID, Warnings: warnings, Logs: logs,
		Error: r.Error, CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}, nil
}

// --- PullRequest --------------------------------------------------------

// CreatePullRequest inserts pr.
func (s *Store) CreatePullRequest(ctx context.Context, pr *domain.PullRequest) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pull_requests (id, task_id, number, branch, base_branch, title, body, head_sha, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pr.ID, pr.TaskID, pr.Number, pr.Branch, pr.BaseBranch, pr.Title, pr.Body, pr.HeadSHA,
		string(pr.Status), pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "create pull request failed").WithCause(err)
	}
	return nil
}

// UpdatePullRequestStatus updates pr's status and head SHA.
func (s *Store) UpdatePullRequestStatus(ctx context.Context, id string, status domain.PullRequestStatus, headSHA string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE pull_requests SET status = ?, head_sha = ?, updated_at = ? WHERE id = ?`),
		string(status), headSHA, now, id,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "update pull request status failed").WithCause(err)
	}
	return nil
}

// GetPullRequestByTask returns the most recently created pull request for
// taskID, or nil if none exists.
func (s *Store) GetPullRequestByTask(ctx context.Context, taskID string) (*domain.PullRequest, error) {
	var row pullRequestRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, task_id, number, branch, base_branch, title, body, head_sha, status, created_at, updated_at
		FROM pull_requests WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get pull request failed").WithCause(err)
	}
	return row.toDomain(), nil
}

// GetPullRequestByNumber returns the pull request opened at prNumber, or
// nil if none exists, used by the cycle engine to map an inbound CI or
// review webhook back to its owning Task.
func (s *Store) GetPullRequestByNumber(ctx context.Context, prNumber int) (*domain.PullRequest, error) {
	var row pullRequestRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, task_id, number, branch, base_branch, title, body, head_sha, status, created_at, updated_at
		FROM pull_requests WHERE number = ? ORDER BY created_at DESC LIMIT 1`), prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get pull request by number failed").WithCause(err)
	}
	return row.toDomain(), nil
}

type pullRequestRow struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	Number     int       `db:"number"`
	Branch     string    `db:"branch"`
	BaseBranch string    `db:"base_branch"`
	Title      string    `db:"title"`
	Body       string    `db:"body"`
	HeadSHA    string    `db:"head_sha"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r pullRequestRow) toDomain() *domain.PullRequest {
	return &domain.PullRequest{
		ID: r.ID, TaskID: r.TaskID, Number: r.Number, Branch: r.Branch, BaseBranch: r.BaseBranch,
		Title: r.Title, Body: r.Body, HeadSHA: r.HeadSHA, Status: domain.PullRequestStatus(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// --- AutonomousCycleState ----------------------------------------------

// UpsertCycleState inserts or replaces the singleton cycle state for
// state.TaskID (invariant S1: at most one row per task).
func (s *Store) UpsertCycleState(ctx context.Context, state *domain.AutonomousCycleState) error {
	var err error
	switch s.driver {
	case "postgres":
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO cycle_states (task_id, mode, phase, iteration, ci_iterations, review_iterations,
				pr_number, current_head_sha, last_ci_result, last_review_score, human_approved, error,
				started_at, last_activity_at)
			VALUES (:task_id, :mode, :phase, :iteration, :ci_iterations, :review_iterations,
				:pr_number, :current_head_sha, :last_ci_result, :last_review_score, :human_approved, :error,
				:started_at, :last_activity_at)
			ON CONFLICT (task_id) DO UPDATE SET
				mode = EXCLUDED.mode, phase = EXCLUDED.phase, iteration = EXCLUDED.iteration,
				ci_iterations = EXCLUDED.ci_iterations, review_iterations = EXCLUDED.review_iterations,
				pr_number = EXCLUDED.pr_number, current_head_sha = EXCLUDED.current_head_sha,
				last_ci_result = EXCLUDED.last_ci_result, last_review_score = EXCLUDED.last_review_score,
				human_approved = EXCLUDED.human_approved, error = EXCLUDED.error,
				last_activity_at = EXCLUDED.last_activity_at`, cycleStateToRow(state))
	default:
		_, err = s.db.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO cycle_states (task_id, mode, phase, iteration, ci_iterations, review_iterations,
				pr_number, current_head_sha, last_ci_result, last_review_score, human_approved, error,
				started_at, last_activity_at)
			VALUES (:task_id, :mode, :phase, :iteration, :ci_iterations, :review_iterations,
				:pr_number, :current_head_sha, :last_ci_result, :last_review_score, :human_approved, :error,
				:started_at, :last_activity_at)`, cycleStateToRow(state))
	}
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "upsert cycle state failed").WithCause(err)
	}
	return nil
}

// GetCycleState returns the cycle state for taskID, or nil if none exists.
func (s *Store) GetCycleState(ctx context.Context, taskID string) (*domain.AutonomousCycleState, error) {
	var row cycleStateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT task_id, mode, phase, iteration, ci_iterations, review_iterations,
			pr_number, current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at
		FROM cycle_states WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get cycle state failed").WithCause(err)
	}
	return row.toDomain(), nil
}

// ListActiveCycleStates returns every cycle state whose phase is not
// terminal, used by the Background-Task Supervisor (C11) to resume
// in-flight cycles on startup.
func (s *Store) ListActiveCycleStates(ctx context.Context) ([]*domain.AutonomousCycleState, error) {
	var rows []cycleStateRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT task_id, mode, phase, iteration, ci_iterations, review_iterations,
			pr_number, current_head_sha, last_ci_result, last_review_score, human_approved, error,
			started_at, last_activity_at
		FROM cycle_states WHERE phase NOT IN (?, ?)`),
		string(domain.PhaseCompleted), string(domain.PhaseFailed),
	)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "list active cycle states failed").WithCause(err)
	}
	out := make([]*domain.AutonomousCycleState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type cycleStateRow struct {
	TaskID           string    `db:"task_id"`
	Mode             string    `db:"mode"`
	Phase            string    `db:"phase"`
	Iteration        int       `db:"iteration"`
	CIIterations     int       `db:"ci_iterations"`
	ReviewIterations int       `db:"review_iterations"`
	PRNumber         *int      `db:"pr_number"`
	CurrentHeadSHA   *string   `db:"current_head_sha"`
	LastCIResult     *string   `db:"last_ci_result"`
	LastReviewScore  *float64  `db:"last_review_score"`
	HumanApproved    bool      `db:"human_approved"`
	Error            *string   `db:"error"`
	StartedAt        time.Time `db:"started_at"`
	LastActivityAt   time.Time `db:"last_activity_at"`
}

func cycleStateToRow(st *domain.AutonomousCycleState) cycleStateRow {
	return cycleStateRow{
		TaskID: st.TaskID, Mode: string(st.Mode), Phase: string(st.Phase), Iteration: st.Iteration,
		CIIterations: st.CIIterations, ReviewIterations: st.ReviewIterations, PRNumber: st.PRNumber,
		CurrentHeadSHA: st.CurrentHeadSHA, LastCIResult: st.LastCIResult, LastReviewScore: st.LastReviewScore,
		HumanApproved: st.HumanApproved, Error: st.Error, StartedAt: st.StartedAt, LastActivityAt: st.LastActivityAt,
	}
}

func (r cycleStateRow) toDomain() *domain.AutonomousCycleState {
	return &domain.AutonomousCycleState{
		TaskID: r.TaskID, Mode: domain.CodingMode(r.Mode), Phase: domain.CyclePhase(r.Phase),
		Iteration: r.Iteration, CIIterations: r.CIIterations, ReviewIterations: r.ReviewIterations,
		PRNumber: r.PRNumber, CurrentHeadSHA: r.CurrentHeadSHA, LastCIResult: r.LastCIResult,
		LastReviewScore: r.LastReviewScore, HumanApproved: r.HumanApproved, Error: r.Error,
		StartedAt: r.StartedAt, LastActivityAt: r.LastActivityAt,
	}
}

// --- OutputLine (outputmux.Store) ---------------------------------------

// AppendLine implements outputmux.Store, durably persisting one output
// line so a second process (or this process after a restart) can resume
// reading a stream's history (spec §4.6, "Cross-process semantics").
func (s *Store) AppendLine(ctx context.Context, streamID string, line domain.OutputLine) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO output_lines (stream_id, line_number, content, timestamp) VALUES (?, ?, ?, ?)`),
		streamID, line.LineNumber, line.Content, line.Timestamp,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "append output line failed").WithCause(err)
	}
	return nil
}

// MaxLineNumber implements outputmux.Store, returning -1 if streamID has
// no durable lines yet (so the multiplexer's in-memory numbering starts
// at 0).
func (s *Store) MaxLineNumber(ctx context.Context, streamID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, s.db.Rebind(`
		SELECT MAX(line_number) FROM output_lines WHERE stream_id = ?`), streamID)
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "max line number failed").WithCause(err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// HistorySince implements outputmux.Store.
func (s *Store) HistorySince(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error) {
	var rows []outputLineRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT stream_id, line_number, content, timestamp FROM output_lines
		WHERE stream_id = ? AND line_number >= ? ORDER BY line_number ASC`), streamID, fromLine)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "history since failed").WithCause(err)
	}
	out := make([]domain.OutputLine, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.OutputLine{
			StreamID: r.StreamID, LineNumber: r.LineNumber, Content: r.Content, Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

type outputLineRow struct {
	StreamID   string    `db:"stream_id"`
	LineNumber int64     `db:"line_number"`
	Content    string    `db:"content"`
	Timestamp  time.Time `db:"timestamp"`
}
