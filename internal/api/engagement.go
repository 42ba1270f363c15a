package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// ReactRequest is the body for POST /sessions/:id/reactions.
type ReactRequest struct {
	Kind models.ReactionKind `json:"kind" binding:"required"`
}

// OpenPollRequest is the body for POST /sessions/:id/polls.
type OpenPollRequest struct {
	Question             string   `json:"question" binding:"required"`
	Options              []string `json:"options" binding:"required"`
	AllowMultipleChoices bool     `json:"allow_multiple_choices"`
}

// VoteRequest is the body for POST /polls/:id/votes.
type VoteRequest struct {
	OptionID uuid.UUID `json:"option_id" binding:"required"`
}

// React handles POST /sessions/:id/reactions.
func (h *Handler) React(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	tally, err := h.engine.React(id, caller(c), req.Kind)
	if err != nil {
		h.fail(c, "react", err)
		return
	}
	response.OK(c, tally)
}

// OpenPoll handles POST /sessions/:id/polls (session owner or moderator).
func (h *Handler) OpenPoll(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req OpenPollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if _, ok := h.authorize(c, id, canModerate); !ok {
		return
	}
	p, err := h.engine.OpenPoll(id, req.Question, req.Options, req.AllowMultipleChoices)
	if err != nil {
		h.fail(c, "open poll", err)
		return
	}
	response.Created(c, p)
}

// GetPoll handles GET /polls/:id.
func (h *Handler) GetPoll(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.engine.Poll(id)
	if err != nil {
		h.fail(c, "get poll", err)
		return
	}
	response.OK(c, p)
}

// Vote handles POST /polls/:id/votes.
func (h *Handler) Vote(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	tally, err := h.engine.Vote(id, caller(c), req.OptionID)
	if err != nil {
		h.fail(c, "vote", err)
		return
	}
	response.OK(c, tally)
}

// ClosePoll handles POST /polls/:id/close (session owner or moderator).
func (h *Handler) ClosePoll(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.engine.Poll(id)
	if err != nil {
		h.fail(c, "close poll", err)
		return
	}
	if _, ok := h.authorize(c, p.SessionID, canModerate); !ok {
		return
	}
	tally, err := h.engine.ClosePoll(id)
	if err != nil {
		h.fail(c, "close poll", err)
		return
	}
	response.OK(c, tally)
}
