package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/pkg/response"
)

// JoinSession handles POST /sessions/:id/presence/join.
func (h *Handler) JoinSession(c *gin.Context) {
	h.presence(c, "join", h.engine.Join)
}

// Heartbeat handles POST /sessions/:id/presence/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	h.presence(c, "heartbeat", h.engine.Heartbeat)
}

func (h *Handler) presence(c *gin.Context, op string, fn func(sessionID, viewerID uuid.UUID) error) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := fn(id, caller(c)); err != nil {
		h.fail(c, op, err)
		return
	}
	h.Viewers(c)
}

// LeaveSession handles POST /sessions/:id/presence/leave. Leaving is always accepted.
func (h *Handler) LeaveSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	h.engine.Leave(id, caller(c))
	response.NoContent(c)
}

// Viewers handles GET /sessions/:id/viewers.
func (h *Handler) Viewers(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	vc, err := h.engine.ViewerCount(id)
	if err != nil {
		h.fail(c, "viewer count", err)
		return
	}
	response.OK(c, vc)
}
