package api

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/middleware"
)

// Register mounts the API. authed routes run behind authMW; the payment webhook
// is authenticated by the shared secret instead.
func (h *Handler) Register(r gin.IRouter, authMW gin.HandlerFunc, webhookSecret string) {
	r.POST("/webhooks/payments", middleware.WebhookSecret(webhookSecret), h.PaymentWebhook)

	api := r.Group("")
	api.Use(authMW)
	{
		// Sessions
		api.POST("/sessions", middleware.RequireRole(auth.RoleHost, auth.RoleAdmin), h.ScheduleSession)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/start", h.StartSession)
		api.POST("/sessions/:id/end", h.EndSession)
		api.POST("/sessions/:id/cancel", h.CancelSession)
		api.GET("/sessions/:id/transcript", h.Transcript)

		// Presence
		api.POST("/sessions/:id/presence/join", h.JoinSession)
		api.POST("/sessions/:id/presence/heartbeat", h.Heartbeat)
		api.POST("/sessions/:id/presence/leave", h.LeaveSession)
		api.GET("/sessions/:id/viewers", h.Viewers)

		// Chat
		api.POST("/sessions/:id/chat", h.SendChat)
		api.GET("/sessions/:id/chat", h.ListChat)
		api.POST("/chat/:id/moderate", h.Moderate)
		api.POST("/sessions/:id/mutes", h.Mute)
		api.DELETE("/sessions/:id/mutes/:viewerId", h.Unmute)

		// Reactions and polls
		api.POST("/sessions/:id/reactions", h.React)
		api.POST("/sessions/:id/polls", h.OpenPoll)
		api.GET("/polls/:id", h.GetPoll)
		api.POST("/polls/:id/votes", h.Vote)
		api.POST("/polls/:id/close", h.ClosePoll)

		// Payments
		api.POST("/sessions/:id/payments", h.InitiatePayment)
		api.GET("/sessions/:id/revenue", h.Revenue)
	}
}
