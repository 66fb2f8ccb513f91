package repair

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/pkg/queue"
	"github.com/attendwise/syncengine/pkg/response"
)

// RepairEnqueuer hands a sweep to the background worker.
type RepairEnqueuer interface {
	EnqueueRepairRun(ctx context.Context, payload queue.RepairRunPayload) error
}

// Handler handles metric-repair HTTP endpoints.
type Handler struct {
	pass     *Pass
	enqueuer RepairEnqueuer
	logger   *zap.Logger
}

// NewHandler creates a repair handler.
func NewHandler(pass *Pass, enqueuer RepairEnqueuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pass: pass, enqueuer: enqueuer, logger: logger}
}

// RepairWebinar handles POST /webinars/:id/repair. A single webinar is
// cheap enough to repair inline; the recomputed state comes back in the
// response.
func (h *Handler) RepairWebinar(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid webinar id")
		return
	}
	res, err := h.pass.RepairWebinar(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("webinar repair failed", zap.Error(err), zap.String("webinar_id", id.String()))
		response.NotFound(c, "webinar not found or repair failed")
		return
	}
	response.OK(c, res)
}

// RepairConnection handles POST /connections/:id/repair. The sweep can
// touch many webinars, so it runs on the worker.
func (h *Handler) RepairConnection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid connection id")
		return
	}
	if err := h.enqueuer.EnqueueRepairRun(c.Request.Context(), queue.RepairRunPayload{ConnectionID: &id}); err != nil {
		h.logger.Error("enqueue repair failed", zap.Error(err), zap.String("connection_id", id.String()))
		response.ServiceUnavailable(c, "failed to queue repair")
		return
	}
	response.Accepted(c, gin.H{"connection_id": id, "queued": true})
}
