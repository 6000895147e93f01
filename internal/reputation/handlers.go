package reputation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/facilitator/internal/logging"
)

// Handler provides HTTP handlers for the reputation API.
type Handler struct {
	builder *Builder
	store   SnapshotStore
}

// NewHandler creates a new reputation handler.
func NewHandler(builder *Builder, store SnapshotStore) *Handler {
	return &Handler{builder: builder, store: store}
}

// RegisterRoutes sets up the reputation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/agents", h.ListAgents)
	r.GET("/reputation/agents/:agentId", h.GetSnapshot)
	r.POST("/reputation/verify", h.Verify)
}

// ListAgents returns every agent with a stored snapshot.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.store.ListAgents(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("list agents failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetSnapshot returns the agent's snapshot. With ?fresh=true it rebuilds
// from live data instead of serving the stored snapshot.
func (h *Handler) GetSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if c.Query("fresh") == "true" {
		snap, err := h.builder.Build(ctx, agentID)
		if err != nil {
			logging.L(ctx).Error("snapshot build failed", "agent", agentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	snap, err := h.store.Latest(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot_not_found"})
			return
		}
		logging.L(ctx).Error("snapshot load failed", "agent", agentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type verifyBody struct {
	Canonical string `json:"canonical" binding:"required"`
	Digest    string `json:"digest" binding:"required"`
}

// Verify recomputes the digest of a canonical string. External parties can
// run the same check locally; this endpoint exists for convenience.
func (h *Handler) Verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": VerifySnapshot(body.Canonical, body.Digest)})
}
