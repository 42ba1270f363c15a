package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/models"
)

// Classify maps an engine error to an HTTP status and a message safe to show viewers.
func Classify(err error) (int, string) {
	var rl *models.RateLimitError
	switch {
	case errors.As(err, &rl), errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "you're sending too fast, please wait a moment"
	case errors.Is(err, models.ErrSessionClosed), errors.Is(err, models.ErrPollClosed):
		return http.StatusGone, "this has ended"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "session cannot do that in its current state"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrMuted):
		return http.StatusForbidden, "you have been muted in this session"
	case errors.Is(err, models.ErrInvalidEventState):
		return http.StatusBadGateway, "payment could not be processed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Error writes the envelope for err, setting Retry-After when throttled.
func Error(c *gin.Context, err error) {
	status, msg := Classify(err)
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		TooManyRequests(c, msg, rl.RetryAfter)
		return
	}
	c.JSON(status, Body{Success: false, Error: msg})
}
