package queue

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
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLBackend is a Durable Queue backend over an embedded SQLite database
// or a networked Postgres database, selected by driver name. Lease
// atomicity (spec §4.1) comes from a single write-transaction per
// Dequeue call that selects the best candidate row and updates it before
// committing; on SQLite the single-writer connection pool (grounded on
// the teacher's `internal/adapters/state.SQLiteStateManager`) serializes
// this further, and the DSN opts into `_txlock=immediate` so a second
// process contending for the same database file blocks rather than
// racing on the read.
type SQLBackend struct {
	db      *sqlx.DB
	driver  string
	log     *logging.Logger
	nowFunc func() time.Time
}

// SQLBackendOption configures an SQLBackend.
type SQLBackendOption func(*SQLBackend)

// WithNowFunc overrides the backend's clock, for deterministic tests of
// visibility-timeout reclaim and delayed availability.
func WithNowFunc(f func() time.Time) SQLBackendOption {
	return func(b *SQLBackend) { b.nowFunc = f }
}

// WithLogger attaches a logger used for migration and recovery messages.
func WithLogger(l *logging.Logger) SQLBackendOption {
	return func(b *SQLBackend) { b.log = l }
}

// OpenSQLite opens (creating if necessary) a SQLite-backed queue at path.
func OpenSQLite(path string, opts ...SQLBackendOption) (*SQLBackend, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newSQLBackend(db, "sqlite", opts...)
}

// OpenPostgres opens a Postgres-backed queue using dsn.
func OpenPostgres(dsn string, opts ...SQLBackendOption) (*SQLBackend, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres queue db: %w", err)
	}
	db.SetMaxOpenConns(10)
	return newSQLBackend(db, "postgres", opts...)
}

func newSQLBackend(db *sqlx.DB, driver string, opts ...SQLBackendOption) (*SQLBackend, error) {
	b := &SQLBackend{db: db, driver: driver, log: logging.NewNop(), nowFunc: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running queue migrations: %w", err)
	}
	return b, nil
}

// Close releases the underlying database handle.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func (b *SQLBackend) now() time.Time {
	return b.nowFunc()
}

// Enqueue implements Backend.
func (b *SQLBackend) Enqueue(ctx context.Context, kind domain.JobKind, refID string, payload map[string]interface{}, maxAttempts int, delay time.Duration, priority int) (*domain.Job, error) {
	if maxAttempts < 1 {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "max_attempts must be >= 1")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "payload is not JSON-serializable").WithCause(err)
	}
	now := b.now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		RefID:       refID,
		Status:      domain.JobStatusQueued,
		Payload:     payload,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = b.db.ExecContext(ctx, b.db.Rebind(`
		INSERT INTO jobs (id, kind, ref_id, status, payload, attempts, max_attempts, priority, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, string(job.Kind), job.RefID, string(job.Status), string(payloadJSON),
		job.Attempts, job.MaxAttempts, job.Priority, job.AvailableAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "enqueue failed").WithCause(err)
	}
	return job, nil
}

// Dequeue implements Backend. It runs the candidate-select and the
// lease-update inside one transaction so two workers never both observe
// the same row as eligible (invariant J1).
func (b *SQLBackend) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*domain.Job, error) {
	now := b.now()
	staleCutoff := now.Add(-visibilityTimeout)

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "begin dequeue tx failed").WithCause(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row jobRow
	selectQuery := tx.Rebind(`
		SELECT id, kind, ref_id, status, payload, attempts, max_attempts, priority,
		       available_at, locked_at, locked_by, last_error, created_at, updated_at
		FROM jobs
		WHERE (status = ? AND available_at <= ?)
		   OR (status = ? AND locked_at < ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`)
	err = tx.GetContext(ctx, &row, selectQuery,
		string(domain.JobStatusQueued), now,
		string(domain.JobStatusRunning), staleCutoff,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "select candidate job failed").WithCause(err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(domain.JobStatusRunning), now, workerID, now, row.ID, row.Status,
	)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "lease update failed").WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "checking lease update result failed").WithCause(err)
	}
	if affected == 0 {
		// Lost the race to another worker between select and update;
		// the caller's poll loop will retry on its next tick.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "commit dequeue tx failed").WithCause(err)
	}

	row.Attempts++
	row.Status = string(domain.JobStatusRunning)
	row.LockedAt = &now
	row.LockedBy = &workerID
	row.UpdatedAt = now
	return row.toDomain()
}

// Complete implements Backend.
func (b *SQLBackend) Complete(ctx context.Context, jobID string) error {
	now := b.now()
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`
		UPDATE jobs SET status = ?, locked_at = NULL, locked_by = NULL, updated_at = ? WHERE id = ?`),
		string(domain.JobStatusSucceeded), now, jobID,
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "complete failed").WithCause(err)
	}
	return nil
}

// Fail implements Backend.
func (b *SQLBackend) Fail(ctx context.Context, jobID string, errMsg string, retryDelay time.Duration) error {
	now := b.now()
	job, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrNotFound("job", jobID)
	}
	if job.Attempts < job.MaxAttempts {
		_, err = b.db.ExecContext(ctx, b.db.Rebind(`
			UPDATE jobs SET status = ?, available_at = ?, locked_at = NULL, locked_by = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`),
			string(domain.JobStatusQueued), now.Add(retryDelay), errMsg, now, jobID,
		)
	} else {
		_, err = b.db.ExecContext(ctx, b.db.Rebind(`
			UPDATE jobs SET status = ?, locked_at = NULL, locked_by = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`),
			string(domain.JobStatusFailed), errMsg, now, jobID,
		)
	}
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "fail failed").WithCause(err)
	}
	return nil
}

// Cancel implements Backend.
func (b *SQLBackend) Cancel(ctx context.Context, jobID string, reason string) error {
	now := b.now()
	res, err := b.db.ExecContext(ctx, b.db.Rebind(`
		UPDATE jobs SET status = ?, locked_at = NULL, locked_by = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`),
		string(domain.JobStatusCanceled), reason, now, jobID,
		string(domain.JobStatusSucceeded), string(domain.JobStatusFailed), string(domain.JobStatusCanceled),
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "cancel failed").WithCause(err)
	}
	_, _ = res.RowsAffected()
	return nil
}

// Get implements Backend.
func (b *SQLBackend) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := b.db.GetContext(ctx, &row, b.db.Rebind(`
		SELECT id, kind, ref_id, status, payload, attempts, max_attempts, priority,
		       available_at, locked_at, locked_by, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get job failed").WithCause(err)
	}
	return row.toDomain()
}

// GetLatestByRef implements Backend.
func (b *SQLBackend) GetLatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error) {
	var row jobRow
	err := b.db.GetContext(ctx, &row, b.db.Rebind(`
		SELECT id, kind, ref_id, status, payload, attempts, max_attempts, priority,
		       available_at, locked_at, locked_by, last_error, created_at, updated_at
		FROM jobs WHERE kind = ? AND ref_id = ? ORDER BY created_at DESC LIMIT 1`),
		string(kind), refID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "get latest by ref failed").WithCause(err)
	}
	return row.toDomain()
}

// CancelQueuedByRef implements Backend.
func (b *SQLBackend) CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx, b.db.Rebind(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE kind = ? AND ref_id = ? AND status = ?`),
		string(domain.JobStatusCanceled), now, string(kind), refID, string(domain.JobStatusQueued),
	)
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "cancel queued by ref failed").WithCause(err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ExtendVisibility implements Backend. The staleness check used by
// Dequeue is `locked_at < now - visibility_timeout`, so moving
// locked_at forward by `additional` pushes the effective lease deadline
// later by the same amount.
func (b *SQLBackend) ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error {
	now := b.now()
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`
		UPDATE jobs SET locked_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		now.Add(additional), now, jobID, string(domain.JobStatusRunning),
	)
	if err != nil {
		return core.ErrExecution(core.CodeInvalidState, "extend visibility failed").WithCause(err)
	}
	return nil
}

// FailAllRunning implements Backend.
func (b *SQLBackend) FailAllRunning(ctx context.Context, errMsg string) (int, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx, b.db.Rebind(`
		UPDATE jobs SET status = ?, locked_at = NULL, locked_by = NULL, last_error = ?, updated_at = ?
		WHERE status = ?`),
		string(domain.JobStatusFailed), errMsg, now, string(domain.JobStatusRunning),
	)
	if err != nil {
		return 0, core.ErrExecution(core.CodeInvalidState, "fail all running failed").WithCause(err)
	}
	affected, _ := res.RowsAffected()
	b.log.With("count", affected).Info("recovered orphaned running jobs on startup")
	return int(affected), nil
}

// ListByStatus implements Backend.
func (b *SQLBackend) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	var rows []jobRow
	err := b.db.SelectContext(ctx, &rows, b.db.Rebind(`
		SELECT id, kind, ref_id, status, payload, attempts, max_attempts, priority,
		       available_at, locked_at, locked_by, last_error, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`),
		string(status), limit,
	)
	if err != nil {
		return nil, core.ErrExecution(core.CodeInvalidState, "list by status failed").WithCause(err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// jobRow is the sqlx scan target for the jobs table.
type jobRow struct {
	ID          string     `db:"id"`
	Kind        string     `db:"kind"`
	RefID       string     `db:"ref_id"`
	Status      string     `db:"status"`
	Payload     string     `db:"payload"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	Priority    int        `db:"priority"`
	AvailableAt time.Time  `db:"available_at"`
	LockedAt    *time.Time `db:"locked_at"`
	LockedBy    *string    `db:"locked_by"`
	LastError   *string    `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r jobRow) toDomain() (*domain.Job, error) {
	var payload map[string]interface{}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, core.ErrExecution(core.CodeParseFailed, "decoding job payload failed").WithCause(err)
		}
	}
	return &domain.Job{
		ID:          r.ID,
		Kind:        domain.JobKind(r.Kind),
		RefID:       r.RefID,
		Status:      domain.JobStatus(r.Status),
		Payload:     payload,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Priority:    r.Priority,
		AvailableAt: r.AvailableAt,
		LockedAt:    r.LockedAt,
		LockedBy:    r.LockedBy,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}
