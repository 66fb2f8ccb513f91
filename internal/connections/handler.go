package connections

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/response"
)

// CreateRequest is the body for POST /connections.
type CreateRequest struct {
	Name              string `json:"name" binding:"required"`
	ProviderAccountID string `json:"provider_account_id" binding:"required"`
	AuthToken         string `json:"auth_token" binding:"required"`
}

// UpdateRequest is the body for PATCH /connections/:id. Omitted fields are
// left unchanged.
type UpdateRequest struct {
	Name      *string `json:"name"`
	AuthToken *string `json:"auth_token"`
	Active    *bool   `json:"active"`
}

// Handler handles connection HTTP endpoints.
type Handler struct {
	repo *Repository
}

// NewHandler creates a connections handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Create handles POST /connections.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	conn := &models.Connection{
		Name:              req.Name,
		ProviderAccountID: req.ProviderAccountID,
		AuthToken:         req.AuthToken,
		Active:            true,
	}
	if err := h.repo.Create(c.Request.Context(), conn); err != nil {
		response.Internal(c, "failed to create connection")
		return
	}
	response.Created(c, conn)
}

// Get handles GET /connections/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid connection id")
		return
	}
	conn, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load connection")
		return
	}
	if conn == nil {
		response.NotFound(c, "connection not found")
		return
	}
	response.OK(c, conn)
}

// List handles GET /connections.
func (h *Handler) List(c *gin.Context) {
	conns, err := h.repo.List(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list connections")
		return
	}
	response.OK(c, gin.H{"connections": conns})
}

// Update handles PATCH /connections/:id.
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid connection id")
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Name == nil && req.AuthToken == nil && req.Active == nil {
		response.BadRequest(c, "no fields to update")
		return
	}
	if err := h.repo.Update(c.Request.Context(), id, req.Name, req.AuthToken, req.Active); err != nil {
		response.Internal(c, "failed to update connection")
		return
	}
	conn, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil || conn == nil {
		response.NotFound(c, "connection not found")
		return
	}
	response.OK(c, conn)
}
