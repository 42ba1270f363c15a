package models

import (
	"time"

	"github.com/google/uuid"
)

// UpdateKind identifies an outbound update pushed to the broadcast gateway.
type UpdateKind string

const (
	UpdateViewerCount     UpdateKind = "viewer_count"
	UpdateChatMessage     UpdateKind = "chat_message"
	UpdateChatModeration  UpdateKind = "chat_moderation"
	UpdateReactionTally   UpdateKind = "reaction_tally"
	UpdatePollTally       UpdateKind = "poll_tally"
	UpdateRevenueSnapshot UpdateKind = "revenue_snapshot"
	UpdateHighlight       UpdateKind = "highlighted_message"
	UpdateSessionState    UpdateKind = "session_state"
)

// Update is a fire-and-forget message for viewers of one session.
type Update struct {
	SessionID uuid.UUID  `json:"session_id"`
	Kind      UpdateKind `json:"kind"`
	Payload   any        `json:"payload"`
	At        time.Time  `json:"at"`
}
