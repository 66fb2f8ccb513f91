// Package syncjobs persists the sync-job state machine and cleans up jobs
// abandoned by crashed or hung workers.
package syncjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/database"
)

// ActiveJobError means another job for the same connection is still pending
// or running. Expected contention, not a failure; callers wait or cancel.
type ActiveJobError struct {
	JobID uuid.UUID
	Age   time.Duration
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("sync already running: job %s, age %.0f minutes", e.JobID, e.Age.Minutes())
}

const jobColumns = `id, connection_id, kind, status, stage, current_index, processed_count, total_count,
	error_message, metadata, cancel_requested, created_at, started_at, completed_at, updated_at`

// Repository handles sync job persistence and state transitions. All
// mutations are last-write-wins on the job row; the orchestrator serializes
// writes per job.
type Repository struct {
	pool     *pgxpool.Pool
	stuckAge time.Duration // hard stuck threshold; an active job older than this never blocks Create
}

// NewRepository creates a sync job repository.
func NewRepository(pool *pgxpool.Pool, stuckAge time.Duration) *Repository {
	return &Repository{pool: pool, stuckAge: stuckAge}
}

// Create inserts a pending job after enforcing the single-active-job-per-
// connection invariant. An active job younger than the stuck threshold
// yields ActiveJobError; an older one is force-failed first so a crashed
// worker can never block syncs forever. A partial unique index on
// (connection_id) WHERE status IN ('pending','running') backs this check.
func (r *Repository) Create(ctx context.Context, connectionID uuid.UUID, kind models.JobKind) (*models.SyncJob, error) {
	active, err := r.FindActive(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		age := active.Age(time.Now())
		if age < r.stuckAge {
			return nil, &ActiveJobError{JobID: active.ID, Age: age}
		}
		reason := fmt.Sprintf("superseded: stuck for %.0f minutes", age.Minutes())
		if err := r.ForceTerminate(ctx, active.ID, models.JobStatusFailed, reason); err != nil {
			return nil, err
		}
	}

	const q = `INSERT INTO sync_jobs (id, connection_id, kind, status, stage)
		VALUES (gen_random_uuid(), $1, $2, 'pending', 'created')
		RETURNING ` + jobColumns
	row := r.pool.QueryRow(ctx, q, connectionID, kind)
	return scanJob(row)
}

// Start transitions a pending job to running and stamps started_at.
func (r *Repository) Start(ctx context.Context, jobID uuid.UUID) error {
	const q = `UPDATE sync_jobs SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, q, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not pending", jobID)
	}
	return nil
}

// UpdateProgress records pagination progress. Processed counts only move
// forward; a stale write from a retried page can never roll progress back.
func (r *Repository) UpdateProgress(ctx context.Context, jobID uuid.UUID, processed, total int, stage string, currentIndex int) error {
	const q = `UPDATE sync_jobs SET
		processed_count = GREATEST(processed_count, $1),
		total_count = $2,
		stage = $3,
		current_index = $4,
		updated_at = NOW()
		WHERE id = $5 AND status = 'running'`
	return database.WithRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, q, processed, total, stage, currentIndex, jobID)
		return err
	})
}

// Finalize moves a job to a terminal state. Terminal jobs are never
// re-opened, so the transition is guarded on non-terminal status and
// finalizing an already-terminal job is a no-op.
func (r *Repository) Finalize(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus, errMsg *string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("finalize to non-terminal status %q", outcome)
	}
	const q = `UPDATE sync_jobs SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'running')`
	return database.WithRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, q, outcome, errMsg, jobID)
		return err
	})
}

// ForceTerminate is the reconciler's finalize: same terminal guard, with the
// reconciliation reason recorded as the error message.
func (r *Repository) ForceTerminate(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus, reason string) error {
	return r.Finalize(ctx, jobID, outcome, &reason)
}

// MergeMetadata shallow-merges fields into the job's metadata map.
func (r *Repository) MergeMetadata(ctx context.Context, jobID uuid.UUID, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	const q = `UPDATE sync_jobs SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = NOW()
		WHERE id = $2`
	_, err = r.pool.Exec(ctx, q, raw, jobID)
	return err
}

// RequestCancel sets the cooperative cancellation flag. The orchestrator
// checks it between pages; in-flight pages complete and persist first.
func (r *Repository) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	const q = `UPDATE sync_jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, q, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not cancellable", jobID)
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (r *Repository) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM sync_jobs WHERE id = $1`, jobID).Scan(&requested)
	return requested, err
}

// FindActive returns the pending/running job for a connection, or nil.
func (r *Repository) FindActive(ctx context.Context, connectionID uuid.UUID) (*models.SyncJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM sync_jobs
		WHERE connection_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, connectionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// GetByID returns a job by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, q, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListRecent returns the most recent jobs for a connection.
func (r *Repository) ListRecent(ctx context.Context, connectionID uuid.UUID, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const q = `SELECT ` + jobColumns + ` FROM sync_jobs
		WHERE connection_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *job)
	}
	return list, rows.Err()
}

// ListNonTerminal returns pending/running jobs for one connection, oldest
// first, for the reconciler.
func (r *Repository) ListNonTerminal(ctx context.Context, connectionID uuid.UUID) ([]models.SyncJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM sync_jobs
		WHERE connection_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *job)
	}
	return list, rows.Err()
}

// ListNonTerminalAll returns pending/running jobs across all connections,
// for the periodic sweep.
func (r *Repository) ListNonTerminalAll(ctx context.Context) ([]models.SyncJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM sync_jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *job)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(&j.ID, &j.ConnectionID, &j.Kind, &j.Status, &j.Stage, &j.CurrentIndex,
		&j.ProcessedCount, &j.TotalCount, &j.ErrorMessage, &j.Metadata, &j.CancelRequested,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
