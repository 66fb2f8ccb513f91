// Package sync coordinates one sync job end to end: stuck-job cleanup, job
// creation, paginated fetch/transform/upsert for each entity stream,
// aggregate recompute, and finalization.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/progress"
	"github.com/attendwise/syncengine/internal/provider"
	"github.com/attendwise/syncengine/internal/transform"
	"github.com/attendwise/syncengine/internal/webinars"
)

// ErrConnectionInvalid means the connection does not exist or is inactive.
// Surfaced before any job is created.
var ErrConnectionInvalid = errors.New("sync: connection missing or inactive")

// ConnectionStore reads provider connections.
type ConnectionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)
}

// JobStore is the slice of the sync-job repository the orchestrator drives.
type JobStore interface {
	Create(ctx context.Context, connectionID uuid.UUID, kind models.JobKind) (*models.SyncJob, error)
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error)
	Start(ctx context.Context, jobID uuid.UUID) error
	UpdateProgress(ctx context.Context, jobID uuid.UUID, processed, total int, stage string, currentIndex int) error
	Finalize(ctx context.Context, jobID uuid.UUID, outcome models.JobStatus, errMsg *string) error
	MergeMetadata(ctx context.Context, jobID uuid.UUID, fields map[string]any) error
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Reconciler cleans stuck jobs before a new one is created.
type Reconciler interface {
	Reconcile(ctx context.Context, connectionID uuid.UUID) ([]uuid.UUID, error)
}

// ProviderClient pages through the provider's entity streams.
type ProviderClient interface {
	EachWebinarPage(ctx context.Context, conn *models.Connection, fn func(provider.Page[provider.WebinarRecord]) error) error
	EachRegistrantPage(ctx context.Context, conn *models.Connection, webinarProviderID string, fn func(provider.Page[provider.RegistrantRecord]) error) error
	EachParticipantPage(ctx context.Context, conn *models.Connection, webinarProviderID string, fn func(provider.Page[provider.ParticipantRecord]) error) error
}

// WebinarStore persists webinars and their derived aggregates.
type WebinarStore interface {
	Upsert(ctx context.Context, w *models.Webinar) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]models.Webinar, error)
	SetParticipantSyncStatus(ctx context.Context, id uuid.UUID, status models.ParticipantSyncStatus) error
	RecomputeAggregates(ctx context.Context, id uuid.UUID) (*webinars.Aggregates, error)
}

// RegistrantStore persists registrants.
type RegistrantStore interface {
	UpsertBatch(ctx context.Context, regs []*models.Registrant) error
	BackfillAttendance(ctx context.Context, webinarID uuid.UUID) error
}

// ParticipantStore persists participant segments.
type ParticipantStore interface {
	UpsertBatch(ctx context.Context, parts []*models.Participant) error
	MatchRegistrants(ctx context.Context, webinarID uuid.UUID) error
}

// ProgressSink receives best-effort progress records.
type ProgressSink interface {
	Publish(ctx context.Context, rec progress.Record)
	Clear(ctx context.Context, jobID uuid.UUID)
}

// PageArchiver receives raw page payloads, best-effort.
type PageArchiver interface {
	ArchivePage(ctx context.Context, jobID uuid.UUID, stream string, pageNum int, raw []byte)
}

// Orchestrator runs sync jobs. One instance serves all connections; each
// Run call drives a single job sequentially (one page in flight at a time),
// so concurrency is bounded by the single-active-job-per-connection
// invariant, not by in-process locking.
type Orchestrator struct {
	conns        ConnectionStore
	jobs         JobStore
	reconciler   Reconciler
	provider     ProviderClient
	webinars     WebinarStore
	registrants  RegistrantStore
	participants ParticipantStore
	progress     ProgressSink // optional
	archiver     PageArchiver // optional
	logger       *zap.Logger
}

// NewOrchestrator wires an orchestrator with explicit dependencies.
func NewOrchestrator(
	conns ConnectionStore,
	jobs JobStore,
	reconciler Reconciler,
	providerClient ProviderClient,
	webinarStore WebinarStore,
	registrantStore RegistrantStore,
	participantStore ParticipantStore,
	progressSink ProgressSink,
	archiver PageArchiver,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		conns:        conns,
		jobs:         jobs,
		reconciler:   reconciler,
		provider:     providerClient,
		webinars:     webinarStore,
		registrants:  registrantStore,
		participants: participantStore,
		progress:     progressSink,
		archiver:     archiver,
		logger:       logger,
	}
}

// Start validates preconditions and creates a pending job. AlreadyRunning
// contention (syncjobs.ActiveJobError) propagates unchanged. The job is run
// separately, normally by the background worker.
func (o *Orchestrator) Start(ctx context.Context, connectionID uuid.UUID, kind models.JobKind, opts models.SyncOptions) (*models.SyncJob, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown sync kind %q", kind)
	}
	conn, err := o.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Active {
		return nil, ErrConnectionInvalid
	}

	if cleaned, err := o.reconciler.Reconcile(ctx, connectionID); err != nil {
		return nil, fmt.Errorf("reconcile stuck jobs: %w", err)
	} else if len(cleaned) > 0 {
		o.logger.Info("stuck jobs cleaned before sync",
			zap.String("connection_id", connectionID.String()),
			zap.Int("cleaned", len(cleaned)))
	}

	job, err := o.jobs.Create(ctx, connectionID, kind)
	if err != nil {
		return nil, err
	}
	if err := o.jobs.MergeMetadata(ctx, job.ID, map[string]any{"options": opts}); err != nil {
		o.logger.Warn("store sync options failed", zap.Error(err), zap.String("job_id", job.ID.String()))
	}
	o.logger.Info("sync job created",
		zap.String("job_id", job.ID.String()),
		zap.String("connection_id", connectionID.String()),
		zap.String("kind", string(kind)))
	return job, nil
}

// Cancel requests cooperative cancellation. The loop honors it between
// pages; the in-flight page completes and persists first.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return o.jobs.RequestCancel(ctx, jobID)
}

// runState tracks one Run's progress and skip counters.
type runState struct {
	startedAt time.Time
	processed int
	total     int
	cancelled bool

	skippedWebinars     int
	skippedRegistrants  int
	skippedParticipants int
}

// Run executes a previously created job to completion. Re-entrant: running
// it for an already-terminal job is a no-op, and every write along the way
// is an idempotent upsert, so a crashed run can be re-driven safely.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("sync job %s not found", jobID)
	}
	if job.Status.Terminal() {
		o.logger.Info("sync job already terminal, skipping",
			zap.String("job_id", jobID.String()), zap.String("status", string(job.Status)))
		return nil
	}

	conn, err := o.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return err
	}
	if conn == nil || !conn.Active {
		msg := "connection is missing or inactive"
		_ = o.jobs.Finalize(ctx, jobID, models.JobStatusFailed, &msg)
		return ErrConnectionInvalid
	}

	if job.Status == models.JobStatusPending {
		if err := o.jobs.Start(ctx, jobID); err != nil {
			return err
		}
	}

	st := &runState{startedAt: time.Now()}
	runErr := o.runStreams(ctx, job, conn, o.jobOptions(job), st)

	meta := map[string]any{
		"skipped_webinars":     st.skippedWebinars,
		"skipped_registrants":  st.skippedRegistrants,
		"skipped_participants": st.skippedParticipants,
	}
	if err := o.jobs.MergeMetadata(ctx, jobID, meta); err != nil {
		o.logger.Warn("merge job metadata failed", zap.Error(err), zap.String("job_id", jobID.String()))
	}

	// Progress for completed pages is already persisted; only the terminal
	// state remains to be written, so no committed work is ever rolled back.
	switch {
	case st.cancelled:
		err = o.jobs.Finalize(ctx, jobID, models.JobStatusCancelled, nil)
	case runErr != nil:
		msg := failureMessage(runErr)
		err = o.jobs.Finalize(ctx, jobID, models.JobStatusFailed, &msg)
	default:
		err = o.jobs.Finalize(ctx, jobID, models.JobStatusCompleted, nil)
	}
	if o.progress != nil {
		o.progress.Clear(ctx, jobID)
	}
	if err != nil {
		return err
	}
	if runErr != nil {
		o.logger.Error("sync job failed",
			zap.String("job_id", jobID.String()),
			zap.Int("processed", st.processed),
			zap.Error(runErr))
		return runErr
	}
	o.logger.Info("sync job finished",
		zap.String("job_id", jobID.String()),
		zap.Bool("cancelled", st.cancelled),
		zap.Int("processed", st.processed))
	return nil
}

func (o *Orchestrator) runStreams(ctx context.Context, job *models.SyncJob, conn *models.Connection, opts models.SyncOptions, st *runState) error {
	var scope []models.Webinar
	var err error

	if job.Kind == models.JobKindParticipantsOnly {
		scope, err = o.webinars.ListByConnection(ctx, conn.ID)
		if err != nil {
			return fmt.Errorf("list webinars: %w", err)
		}
	} else {
		scope, err = o.syncWebinars(ctx, job, conn, st)
		if err != nil || st.cancelled {
			return err
		}
	}

	if opts.Registrants && job.Kind != models.JobKindParticipantsOnly {
		for i, w := range scope {
			if st.cancelled {
				return nil
			}
			if o.skipSynced(job.Kind, opts, w) {
				continue
			}
			if err := o.syncRegistrants(ctx, job, conn, w, i, st); err != nil {
				return err
			}
		}
	}

	if opts.Participants || job.Kind == models.JobKindParticipantsOnly {
		for i, w := range scope {
			if st.cancelled {
				return nil
			}
			// Participant reports exist only once the webinar has run.
			if w.Status != models.WebinarStatusEnded {
				continue
			}
			if o.skipSynced(job.Kind, opts, w) {
				continue
			}
			if err := o.syncParticipants(ctx, job, conn, w, i, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) syncWebinars(ctx context.Context, job *models.SyncJob, conn *models.Connection, st *runState) ([]models.Webinar, error) {
	var synced []models.Webinar
	err := o.provider.EachWebinarPage(ctx, conn, func(page provider.Page[provider.WebinarRecord]) error {
		if o.cancelRequested(ctx, job.ID) {
			st.cancelled = true
			return provider.ErrStop
		}
		for _, rec := range page.Items {
			row, terr := transform.ToWebinarRow(rec, conn.ID)
			if terr != nil {
				st.skippedWebinars++
				o.logger.Warn("skipping malformed webinar record",
					zap.String("job_id", job.ID.String()),
					zap.String("provider_id", rec.ID),
					zap.Error(terr))
				continue
			}
			if uerr := o.webinars.Upsert(ctx, row); uerr != nil {
				return fmt.Errorf("upsert webinar %s: %w", row.ProviderID, uerr)
			}
			synced = append(synced, *row)
		}
		if page.PageNumber == 1 && page.TotalRecords > 0 {
			st.total += page.TotalRecords
		}
		st.processed += len(page.Items)
		o.reportProgress(ctx, job, st, "webinars", 0)
		o.archivePage(ctx, job.ID, "webinars", page.PageNumber, page.Raw)
		return nil
	})
	return synced, err
}

func (o *Orchestrator) syncRegistrants(ctx context.Context, job *models.SyncJob, conn *models.Connection, w models.Webinar, index int, st *runState) error {
	stage := "registrants:" + w.ProviderID
	return o.provider.EachRegistrantPage(ctx, conn, w.ProviderID, func(page provider.Page[provider.RegistrantRecord]) error {
		if o.cancelRequested(ctx, job.ID) {
			st.cancelled = true
			return provider.ErrStop
		}
		rows := make([]*models.Registrant, 0, len(page.Items))
		for _, rec := range page.Items {
			row, terr := transform.ToRegistrantRow(rec, w.ID)
			if terr != nil {
				st.skippedRegistrants++
				o.logger.Warn("skipping malformed registrant record",
					zap.String("job_id", job.ID.String()),
					zap.String("webinar_provider_id", w.ProviderID),
					zap.String("provider_id", rec.ID),
					zap.Error(terr))
				continue
			}
			rows = append(rows, row)
		}
		if err := o.registrants.UpsertBatch(ctx, rows); err != nil {
			return fmt.Errorf("upsert registrants for webinar %s: %w", w.ProviderID, err)
		}
		if page.PageNumber == 1 && page.TotalRecords > 0 {
			st.total += page.TotalRecords
		}
		st.processed += len(page.Items)
		o.reportProgress(ctx, job, st, stage, index)
		o.archivePage(ctx, job.ID, stage, page.PageNumber, page.Raw)
		return nil
	})
}

func (o *Orchestrator) syncParticipants(ctx context.Context, job *models.SyncJob, conn *models.Connection, w models.Webinar, index int, st *runState) error {
	stage := "participants:" + w.ProviderID
	err := o.provider.EachParticipantPage(ctx, conn, w.ProviderID, func(page provider.Page[provider.ParticipantRecord]) error {
		if o.cancelRequested(ctx, job.ID) {
			st.cancelled = true
			return provider.ErrStop
		}
		rows := make([]*models.Participant, 0, len(page.Items))
		for _, rec := range page.Items {
			row, terr := transform.ToParticipantRow(rec, w.ID)
			if terr != nil {
				st.skippedParticipants++
				o.logger.Warn("skipping malformed participant record",
					zap.String("job_id", job.ID.String()),
					zap.String("webinar_provider_id", w.ProviderID),
					zap.String("provider_id", rec.ID),
					zap.Error(terr))
				continue
			}
			rows = append(rows, row)
		}
		if err := o.participants.UpsertBatch(ctx, rows); err != nil {
			return fmt.Errorf("upsert participants for webinar %s: %w", w.ProviderID, err)
		}
		if page.PageNumber == 1 && page.TotalRecords > 0 {
			st.total += page.TotalRecords
		}
		st.processed += len(page.Items)
		o.reportProgress(ctx, job, st, stage, index)
		o.archivePage(ctx, job.ID, stage, page.PageNumber, page.Raw)
		return nil
	})
	if err != nil {
		if serr := o.webinars.SetParticipantSyncStatus(ctx, w.ID, models.ParticipantSyncFailed); serr != nil {
			o.logger.Warn("mark participant sync failed", zap.Error(serr), zap.String("webinar_id", w.ID.String()))
		}
		return err
	}
	if st.cancelled {
		return nil
	}
	return o.reconcileWebinar(ctx, w, st)
}

// reconcileWebinar finishes participant sync for one webinar: recompute the
// derived association and attendance backfill, then the aggregate counters
// from child rows (never incremented, always recomputed), then the
// participant-sync sub-status.
func (o *Orchestrator) reconcileWebinar(ctx context.Context, w models.Webinar, st *runState) error {
	if err := o.participants.MatchRegistrants(ctx, w.ID); err != nil {
		return fmt.Errorf("match registrants for webinar %s: %w", w.ProviderID, err)
	}
	if err := o.registrants.BackfillAttendance(ctx, w.ID); err != nil {
		return fmt.Errorf("backfill attendance for webinar %s: %w", w.ProviderID, err)
	}
	agg, err := o.webinars.RecomputeAggregates(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("recompute aggregates for webinar %s: %w", w.ProviderID, err)
	}
	switch {
	case agg.Attendees > 0:
		err = o.webinars.SetParticipantSyncStatus(ctx, w.ID, models.ParticipantSyncCompleted)
	case agg.Registrants > 0:
		err = o.webinars.SetParticipantSyncStatus(ctx, w.ID, models.ParticipantSyncNoParticipants)
	}
	if err != nil {
		return fmt.Errorf("set participant sync status for webinar %s: %w", w.ProviderID, err)
	}
	return nil
}

// skipSynced is the incremental shortcut: an ended webinar whose participant
// reconciliation already completed is skipped unless force-refresh is set.
func (o *Orchestrator) skipSynced(kind models.JobKind, opts models.SyncOptions, w models.Webinar) bool {
	return kind == models.JobKindIncremental &&
		!opts.ForceRefresh &&
		w.Status == models.WebinarStatusEnded &&
		w.ParticipantSync == models.ParticipantSyncCompleted
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID uuid.UUID) bool {
	requested, err := o.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		o.logger.Warn("read cancel flag failed", zap.Error(err), zap.String("job_id", jobID.String()))
		return false
	}
	return requested
}

func (o *Orchestrator) reportProgress(ctx context.Context, job *models.SyncJob, st *runState, stage string, index int) {
	if err := o.jobs.UpdateProgress(ctx, job.ID, st.processed, st.total, stage, index); err != nil {
		o.logger.Warn("update job progress failed", zap.Error(err), zap.String("job_id", job.ID.String()))
	}
	if o.progress == nil {
		return
	}
	rec := progress.Record{
		JobID:          job.ID,
		ProcessedCount: st.processed,
		TotalCount:     st.total,
		Stage:          stage,
	}
	if eta := estimateCompletion(st.startedAt, st.processed, st.total); eta != nil {
		rec.EstimatedDone = eta
	}
	o.progress.Publish(ctx, rec)
}

func (o *Orchestrator) archivePage(ctx context.Context, jobID uuid.UUID, stream string, pageNum int, raw []byte) {
	if o.archiver == nil || len(raw) == 0 {
		return
	}
	o.archiver.ArchivePage(ctx, jobID, stream, pageNum, raw)
}

func (o *Orchestrator) jobOptions(job *models.SyncJob) models.SyncOptions {
	// Default to the full entity set; explicit options stored at Start win.
	opts := models.SyncOptions{Registrants: true, Participants: true}
	if len(job.Metadata) == 0 {
		return opts
	}
	var meta struct {
		Options *models.SyncOptions `json:"options"`
	}
	if err := json.Unmarshal(job.Metadata, &meta); err == nil && meta.Options != nil {
		opts = *meta.Options
	}
	return opts
}

// failureMessage turns an internal error into the operator-facing message on
// the job row, distinguishing credential problems from disruptions without
// leaking internals.
func failureMessage(err error) string {
	if errors.Is(err, provider.ErrAuthInvalid) {
		return "provider credentials are invalid; re-authenticate the connection and start a new sync"
	}
	var fatal *provider.FatalError
	if errors.As(err, &fatal) {
		var rl *provider.RateLimitedError
		var tr *provider.TransientError
		if errors.As(fatal.Err, &rl) || errors.As(fatal.Err, &tr) {
			return "temporary provider disruption persisted past the retry budget; a later sync will pick up where this one left off"
		}
		return "provider request failed: " + fatal.Reason
	}
	return "sync failed: " + err.Error()
}

// estimateCompletion projects a finish time from the observed rate.
func estimateCompletion(start time.Time, processed, total int) *time.Time {
	if processed <= 0 || total <= processed {
		return nil
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return nil
	}
	remaining := time.Duration(float64(elapsed) * float64(total-processed) / float64(processed))
	eta := time.Now().Add(remaining)
	return &eta
}
