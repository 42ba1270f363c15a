// Package api is the HTTP request layer in front of the live engine.
package api

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// Engine is the live engine as seen by HTTP handlers.
type Engine interface {
	Schedule(ownerID uuid.UUID, startTime time.Time) (models.Session, error)
	Start(sessionID uuid.UUID) (models.Session, error)
	End(ctx context.Context, sessionID uuid.UUID) (models.Session, error)
	Cancel(sessionID uuid.UUID) (models.Session, error)
	Session(sessionID uuid.UUID) (models.Session, error)

	Join(sessionID, viewerID uuid.UUID) error
	Heartbeat(sessionID, viewerID uuid.UUID) error
	Leave(sessionID, viewerID uuid.UUID)
	ViewerCount(sessionID uuid.UUID) (models.ViewerCount, error)

	SendChat(sessionID, authorID uuid.UUID, body string) (models.ChatMessage, error)
	Moderate(messageID uuid.UUID, action models.ModerationAction) (models.ChatMessage, error)
	MessageSession(messageID uuid.UUID) (uuid.UUID, error)
	Mute(sessionID, viewerID uuid.UUID) error
	Unmute(sessionID, viewerID uuid.UUID) error
	Replay(sessionID uuid.UUID, from uint64) (iter.Seq[models.ChatMessage], error)

	React(sessionID, viewerID uuid.UUID, kind models.ReactionKind) (models.ReactionTally, error)
	OpenPoll(sessionID uuid.UUID, question string, options []string, allowMultipleChoices bool) (models.Poll, error)
	Vote(pollID, viewerID, optionID uuid.UUID) (models.PollTally, error)
	ClosePoll(pollID uuid.UUID) (models.PollTally, error)
	Poll(pollID uuid.UUID) (models.Poll, error)

	InitiatePayment(sessionID, payerID uuid.UUID, kind models.MonetaryKind, amountMinor int64, currency, message string) (models.MonetaryEvent, error)
	ConfirmPayment(paymentRef string) (models.MonetaryEvent, error)
	FailPayment(paymentRef, reason string) (models.MonetaryEvent, error)
	Revenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error)
}

// SessionArchive looks up sessions that are no longer held in memory.
type SessionArchive interface {
	GetSession(ctx context.Context, sessionID uuid.UUID) (models.Session, error)
}

// TranscriptLinker issues download links for archived transcripts.
type TranscriptLinker interface {
	TranscriptURL(ctx context.Context, sessionID uuid.UUID) (string, error)
}

// Handler serves the engine over HTTP.
type Handler struct {
	engine      Engine
	archive     SessionArchive
	transcripts TranscriptLinker
	logger      *zap.Logger
}

// NewHandler creates the API handler. archive and transcripts may be nil.
func NewHandler(engine Engine, archive SessionArchive, transcripts TranscriptLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, archive: archive, transcripts: transcripts, logger: logger}
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func caller(c *gin.Context) uuid.UUID {
	id, _ := middleware.UserID(c)
	return id
}

// fail writes err and logs what the client does not get to see.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, models.ErrInvalidEventState) {
		h.logger.Error(op+" rejected", zap.Error(err))
	} else if status, _ := response.Classify(err); status >= 500 {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	response.Error(c, err)
}

// lookupSession finds a session in memory, then in the archive.
func (h *Handler) lookupSession(ctx context.Context, id uuid.UUID) (models.Session, error) {
	s, err := h.engine.Session(id)
	if err == nil || !errors.Is(err, models.ErrNotFound) || h.archive == nil {
		return s, err
	}
	return h.archive.GetSession(ctx, id)
}

// canManage reports whether the caller owns the session or is an admin.
func canManage(c *gin.Context, s models.Session) bool {
	return s.OwnerID == caller(c) || middleware.Role(c) == auth.RoleAdmin
}

// canModerate additionally lets platform moderators act on any session.
func canModerate(c *gin.Context, s models.Session) bool {
	return canManage(c, s) || auth.CanModerate(middleware.Role(c))
}

// authorize loads the session and checks the caller against allow. It writes
// the response and returns false when the request must stop.
func (h *Handler) authorize(c *gin.Context, sessionID uuid.UUID, allow func(*gin.Context, models.Session) bool) (models.Session, bool) {
	s, err := h.lookupSession(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, "lookup session", err)
		return models.Session{}, false
	}
	if !allow(c, s) {
		response.Forbidden(c, "not allowed for this session")
		return models.Session{}, false
	}
	return s, true
}
