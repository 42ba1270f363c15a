package models

import (
	"time"

	"github.com/google/uuid"
)

// ModerationState is a visibility flag; moderation never removes a message from history.
type ModerationState string

const (
	ModerationVisible ModerationState = "visible"
	ModerationHidden  ModerationState = "hidden"
	ModerationPinned  ModerationState = "pinned"
	ModerationDeleted ModerationState = "deleted"
)

// ModerationAction is what a moderator asks for.
type ModerationAction string

const (
	ActionHide   ModerationAction = "hide"
	ActionPin    ModerationAction = "pin"
	ActionUnpin  ModerationAction = "unpin"
	ActionDelete ModerationAction = "delete"
)

// ChatMessage is an accepted chat message. Sequence is assigned exactly once per session.
type ChatMessage struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	Sequence   uint64          `json:"sequence"`
	AuthorID   uuid.UUID       `json:"author_id"`
	Body       string          `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
	Moderation ModerationState `json:"moderation_state"`
}

// Visible reports whether ordinary viewers should see the message.
func (m ChatMessage) Visible() bool {
	return m.Moderation == ModerationVisible || m.Moderation == ModerationPinned
}
