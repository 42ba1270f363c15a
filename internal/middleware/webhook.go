package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/pkg/response"
)

// WebhookSecretHeader carries the shared secret on payment provider callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret rejects requests whose shared-secret header does not match.
// An empty secret rejects everything.
func WebhookSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(WebhookSecretHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			response.Unauthorized(c, "invalid webhook secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
