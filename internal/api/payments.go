package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// Payment callback outcomes.
const (
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)

// InitiatePaymentRequest is the body for POST /sessions/:id/payments.
type InitiatePaymentRequest struct {
	Kind        models.MonetaryKind `json:"kind" binding:"required,oneof=donation highlighted_message subscription"`
	AmountMinor int64               `json:"amount_minor" binding:"required,gt=0"`
	Currency    string              `json:"currency" binding:"required,len=3"`
	Message     string              `json:"message"`
}

// PaymentCallback is the body the payment provider posts to /webhooks/payments.
type PaymentCallback struct {
	PaymentRef string `json:"payment_ref" binding:"required"`
	Status     string `json:"status" binding:"required,oneof=confirmed failed"`
	Reason     string `json:"reason"`
}

// InitiatePayment handles POST /sessions/:id/payments. The caller is the payer;
// the returned payment_ref is what the provider reports back.
func (h *Handler) InitiatePayment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ev, err := h.engine.InitiatePayment(id, caller(c), req.Kind, req.AmountMinor, req.Currency, req.Message)
	if err != nil {
		h.fail(c, "initiate payment", err)
		return
	}
	response.Created(c, ev)
}

// Revenue handles GET /sessions/:id/revenue (owner/admin). Ended sessions are
// served from the archive once they leave memory.
func (h *Handler) Revenue(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.authorize(c, id, canManage); !ok {
		return
	}
	snap, err := h.engine.Revenue(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "revenue", err)
		return
	}
	response.OK(c, snap)
}

// PaymentWebhook handles POST /webhooks/payments. Repeated callbacks are
// acknowledged; a callback contradicting a settled payment gets 409 so the
// provider surfaces it.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req PaymentCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var (
		ev  models.MonetaryEvent
		err error
	)
	if req.Status == PaymentConfirmed {
		ev, err = h.engine.ConfirmPayment(req.PaymentRef)
	} else {
		ev, err = h.engine.FailPayment(req.PaymentRef, req.Reason)
	}
	if errors.Is(err, models.ErrInvalidEventState) {
		h.logger.Error("payment callback contradicts ledger",
			zap.String("payment_ref", req.PaymentRef),
			zap.String("status", req.Status),
			zap.Error(err))
		response.Conflict(c, "payment already settled with a different outcome")
		return
	}
	if err != nil {
		h.fail(c, "payment callback", err)
		return
	}
	response.OK(c, ev)
}
