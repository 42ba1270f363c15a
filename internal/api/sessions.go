package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// ScheduleRequest is the body for POST /sessions.
type ScheduleRequest struct {
	StartTime time.Time `json:"start_time" binding:"required"`
}

// ScheduleSession handles POST /sessions (host/admin). The caller becomes the owner.
func (h *Handler) ScheduleSession(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.engine.Schedule(caller(c), req.StartTime)
	if err != nil {
		h.fail(c, "schedule session", err)
		return
	}
	response.Created(c, s)
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	s, err := h.lookupSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get session", err)
		return
	}
	response.OK(c, s)
}

// StartSession handles POST /sessions/:id/start (owner/admin).
func (h *Handler) StartSession(c *gin.Context) {
	h.transition(c, "start session", func(id uuid.UUID) (models.Session, error) {
		return h.engine.Start(id)
	})
}

// EndSession handles POST /sessions/:id/end (owner/admin).
func (h *Handler) EndSession(c *gin.Context) {
	h.transition(c, "end session", func(id uuid.UUID) (models.Session, error) {
		return h.engine.End(c.Request.Context(), id)
	})
}

// CancelSession handles POST /sessions/:id/cancel (owner/admin).
func (h *Handler) CancelSession(c *gin.Context) {
	h.transition(c, "cancel session", func(id uuid.UUID) (models.Session, error) {
		return h.engine.Cancel(id)
	})
}

func (h *Handler) transition(c *gin.Context, op string, fn func(uuid.UUID) (models.Session, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, canManage); !ok {
		return
	}
	s, err := fn(id)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	response.OK(c, s)
}

// Transcript handles GET /sessions/:id/transcript (owner/admin): a presigned link
// to the archived chat transcript.
func (h *Handler) Transcript(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if h.transcripts == nil {
		response.ServiceUnavailable(c, "transcripts are not configured")
		return
	}
	if _, ok := h.authorize(c, id, canManage); !ok {
		return
	}
	url, err := h.transcripts.TranscriptURL(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "transcript url", err)
		return
	}
	response.OK(c, gin.H{"url": url})
}
