package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

const (
	defaultChatPage = 200
	maxChatPage     = 1000
)

// SendChatRequest is the body for POST /sessions/:id/chat.
type SendChatRequest struct {
	Body string `json:"body" binding:"required"`
}

// ModerateRequest is the body for POST /chat/:id/moderate.
type ModerateRequest struct {
	Action models.ModerationAction `json:"action" binding:"required,oneof=hide pin unpin delete"`
}

// MuteRequest is the body for POST /sessions/:id/mutes.
type MuteRequest struct {
	ViewerID uuid.UUID `json:"viewer_id" binding:"required"`
}

// ChatPage is one page of chat history. Next is the sequence to pass as from
// for the following page.
type ChatPage struct {
	Messages []models.ChatMessage `json:"messages"`
	Next     uint64               `json:"next"`
}

// SendChat handles POST /sessions/:id/chat.
func (h *Handler) SendChat(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	msg, err := h.engine.SendChat(id, caller(c), req.Body)
	if err != nil {
		h.fail(c, "send chat", err)
		return
	}
	response.Created(c, msg)
}

// ListChat handles GET /sessions/:id/chat?from=N&limit=M. Hidden and deleted
// messages are only returned to moderators.
func (h *Handler) ListChat(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	from, err := strconv.ParseUint(c.DefaultQuery("from", "1"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid from")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultChatPage)))
	if err != nil || limit <= 0 {
		response.BadRequest(c, "invalid limit")
		return
	}
	limit = min(limit, maxChatPage)

	s, err := h.engine.Session(id)
	if err != nil {
		h.fail(c, "list chat", err)
		return
	}
	moderator := canModerate(c, s)

	seq, err := h.engine.Replay(id, from)
	if err != nil {
		h.fail(c, "list chat", err)
		return
	}
	page := ChatPage{Messages: []models.ChatMessage{}, Next: max(from, 1)}
	scanned := 0
	for m := range seq {
		if scanned == limit {
			break
		}
		scanned++
		page.Next = m.Sequence + 1
		if moderator || m.Visible() {
			page.Messages = append(page.Messages, m)
		}
	}
	response.OK(c, page)
}

// Moderate handles POST /chat/:id/moderate (session owner or moderator).
func (h *Handler) Moderate(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ModerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sessionID, err := h.engine.MessageSession(messageID)
	if err != nil {
		h.fail(c, "moderate", err)
		return
	}
	if _, ok := h.authorize(c, sessionID, canModerate); !ok {
		return
	}
	msg, err := h.engine.Moderate(messageID, req.Action)
	if err != nil {
		h.fail(c, "moderate", err)
		return
	}
	response.OK(c, msg)
}

// Mute handles POST /sessions/:id/mutes (session owner or moderator).
func (h *Handler) Mute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if _, ok := h.authorize(c, id, canModerate); !ok {
		return
	}
	if err := h.engine.Mute(id, req.ViewerID); err != nil {
		h.fail(c, "mute", err)
		return
	}
	response.OK(c, gin.H{"viewer_id": req.ViewerID, "muted": true})
}

// Unmute handles DELETE /sessions/:id/mutes/:viewerId (session owner or moderator).
func (h *Handler) Unmute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	viewerID, ok := paramID(c, "viewerId")
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, canModerate); !ok {
		return
	}
	if err := h.engine.Unmute(id, viewerID); err != nil {
		h.fail(c, "unmute", err)
		return
	}
	response.OK(c, gin.H{"viewer_id": viewerID, "muted": false})
}
