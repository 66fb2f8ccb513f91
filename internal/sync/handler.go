package sync

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/progress"
	"github.com/attendwise/syncengine/internal/syncjobs"
	"github.com/attendwise/syncengine/pkg/queue"
	"github.com/attendwise/syncengine/pkg/response"
)

// StartRequest is the body for POST /connections/:id/sync.
type StartRequest struct {
	Kind    models.JobKind     `json:"kind"`
	Options models.SyncOptions `json:"options"`
}

// RunEnqueuer hands a created job to the background worker.
type RunEnqueuer interface {
	EnqueueSyncRun(ctx context.Context, payload queue.SyncRunPayload) error
}

// ProgressReader serves the latest progress snapshot, best-effort.
type ProgressReader interface {
	Latest(ctx context.Context, jobID uuid.UUID) (*progress.Record, error)
}

// Handler handles sync-job HTTP endpoints.
type Handler struct {
	orch     *Orchestrator
	jobs     *syncjobs.Repository
	enqueuer RunEnqueuer
	progress ProgressReader // optional
	logger   *zap.Logger
}

// NewHandler creates a sync handler.
func NewHandler(orch *Orchestrator, jobs *syncjobs.Repository, enqueuer RunEnqueuer, progressReader ProgressReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, jobs: jobs, enqueuer: enqueuer, progress: progressReader, logger: logger}
}

// Start handles POST /connections/:id/sync. The job row is created
// synchronously so contention surfaces immediately; the run itself happens
// on the worker.
func (h *Handler) Start(c *gin.Context) {
	connectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid connection id")
		return
	}

	req := StartRequest{
		Kind:    models.JobKindFull,
		Options: models.SyncOptions{Registrants: true, Participants: true},
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.JobKindFull
	}
	if !req.Kind.Valid() {
		response.BadRequest(c, "kind must be full, incremental, or participants_only")
		return
	}

	job, err := h.orch.Start(c.Request.Context(), connectionID, req.Kind, req.Options)
	if err != nil {
		var active *syncjobs.ActiveJobError
		switch {
		case errors.As(err, &active):
			response.ConflictWith(c, "a sync is already running for this connection", gin.H{
				"active_job_id": active.JobID,
				"age_minutes":   int(active.Age.Minutes()),
			})
		case errors.Is(err, ErrConnectionInvalid):
			response.UnprocessableEntity(c, "connection is missing or inactive")
		default:
			h.logger.Error("start sync failed", zap.Error(err), zap.String("connection_id", connectionID.String()))
			response.Internal(c, "failed to start sync")
		}
		return
	}

	if err := h.enqueuer.EnqueueSyncRun(c.Request.Context(), queue.SyncRunPayload{
		SyncJobID:    job.ID,
		ConnectionID: connectionID,
	}); err != nil {
		// The pending row stays; the reconciler supersedes it if no worker
		// ever picks it up.
		h.logger.Error("enqueue sync run failed", zap.Error(err), zap.String("job_id", job.ID.String()))
		response.ServiceUnavailable(c, "failed to queue sync run")
		return
	}

	response.Accepted(c, gin.H{"job_id": job.ID, "status": job.Status, "kind": job.Kind})
}

// Cancel handles POST /sync-jobs/:id/cancel. Cancellation is cooperative:
// the flag is set here and honored by the run loop between pages.
func (h *Handler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), jobID)
	if err != nil {
		response.Internal(c, "failed to load sync job")
		return
	}
	if job == nil {
		response.NotFound(c, "sync job not found")
		return
	}
	if job.Status.Terminal() {
		response.Conflict(c, "sync job already finished")
		return
	}
	if err := h.orch.Cancel(c.Request.Context(), jobID); err != nil {
		response.Internal(c, "failed to request cancellation")
		return
	}
	response.Accepted(c, gin.H{"job_id": jobID, "cancel_requested": true})
}

// Get handles GET /sync-jobs/:id. The persisted row is authoritative; the
// live progress snapshot is attached when available.
func (h *Handler) Get(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), jobID)
	if err != nil {
		response.Internal(c, "failed to load sync job")
		return
	}
	if job == nil {
		response.NotFound(c, "sync job not found")
		return
	}

	body := gin.H{"job": job}
	if h.progress != nil && !job.Status.Terminal() {
		if rec, err := h.progress.Latest(c.Request.Context(), jobID); err == nil && rec != nil {
			body["progress"] = rec
		}
	}
	response.OK(c, body)
}

// List handles GET /connections/:id/sync-jobs?limit=n.
func (h *Handler) List(c *gin.Context) {
	connectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid connection id")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
	}
	jobs, err := h.jobs.ListRecent(c.Request.Context(), connectionID, limit)
	if err != nil {
		response.Internal(c, "failed to list sync jobs")
		return
	}
	response.OK(c, gin.H{"jobs": jobs})
}
