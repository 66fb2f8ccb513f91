package syncjobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
)

// reconcilerStore is the slice of the job store the reconciler needs.
type reconcilerStore interface {
	ListNonTerminal(ctx context.Context, connectionID uuid.UUID) ([]models.SyncJob, error)
	ListNonTerminalAll(ctx context.Context) ([]models.SyncJob, error)
	ForceTerminate(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus, reason string) error
}

// Reconciler force-resolves jobs abandoned by crashed or hung workers.
// Repeated calls with nothing stuck are no-ops.
type Reconciler struct {
	store  reconcilerStore
	soft   time.Duration
	hard   time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a stuck-job reconciler with the given age thresholds.
func NewReconciler(store reconcilerStore, soft, hard time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, soft: soft, hard: hard, logger: logger, now: time.Now}
}

// Reconcile cleans stuck jobs for one connection and returns the ids it
// terminated.
func (r *Reconciler) Reconcile(ctx context.Context, connectionID uuid.UUID) ([]uuid.UUID, error) {
	jobs, err := r.store.ListNonTerminal(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return r.sweep(ctx, jobs)
}

// ReconcileAll cleans stuck jobs across every connection.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]uuid.UUID, error) {
	jobs, err := r.store.ListNonTerminalAll(ctx)
	if err != nil {
		return nil, err
	}
	return r.sweep(ctx, jobs)
}

func (r *Reconciler) sweep(ctx context.Context, jobs []models.SyncJob) ([]uuid.UUID, error) {
	now := r.now()
	var cleaned []uuid.UUID
	for _, job := range jobs {
		age := job.Age(now)
		sinceProgress := now.Sub(job.UpdatedAt)

		var reason string
		switch {
		case age >= r.hard:
			// Unconditional: guarantees forward progress even when a job
			// keeps reporting progress but never finishes.
			reason = fmt.Sprintf("force-terminated: running for %.0f minutes, hard limit %.0f", age.Minutes(), r.hard.Minutes())
		case age >= r.soft && sinceProgress >= r.soft:
			reason = fmt.Sprintf("stale: no progress for %.0f minutes", sinceProgress.Minutes())
		default:
			continue
		}

		outcome := models.JobStatusFailed
		if job.CancelRequested {
			outcome = models.JobStatusCancelled
		}
		if err := r.store.ForceTerminate(ctx, job.ID, outcome, reason); err != nil {
			return cleaned, err
		}
		r.logger.Warn("stuck job terminated",
			zap.String("job_id", job.ID.String()),
			zap.String("connection_id", job.ConnectionID.String()),
			zap.String("outcome", string(outcome)),
			zap.String("reason", reason))
		cleaned = append(cleaned, job.ID)
	}
	return cleaned, nil
}
