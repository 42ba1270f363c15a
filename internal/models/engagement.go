package models

import (
	"time"

	"github.com/google/uuid"
)

// ReactionKind names a reaction counter.
type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionLaugh ReactionKind = "laugh"
	ReactionWow   ReactionKind = "wow"
	ReactionClap  ReactionKind = "clap"
	ReactionFire  ReactionKind = "fire"
)

// ReactionKinds is the accepted catalog.
var ReactionKinds = []ReactionKind{ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionClap, ReactionFire}

// ReactionEvent is a single counted reaction. Reactions are not toggles.
type ReactionEvent struct {
	SessionID uuid.UUID    `json:"session_id"`
	ViewerID  uuid.UUID    `json:"viewer_id"`
	Kind      ReactionKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// PollState is Open or Closed.
type PollState string

const (
	PollOpen   PollState = "open"
	PollClosed PollState = "closed"
)

// PollOption is one choice of a poll.
type PollOption struct {
	ID    uuid.UUID `json:"id"`
	Label string    `json:"label"`
}

// Poll is a live poll within a session.
type Poll struct {
	ID                   uuid.UUID    `json:"id"`
	SessionID            uuid.UUID    `json:"session_id"`
	Question             string       `json:"question"`
	Options              []PollOption `json:"options"`
	State                PollState    `json:"state"`
	AllowMultipleChoices bool         `json:"allow_multiple_choices"`
	CreatedAt            time.Time    `json:"created_at"`
	ClosedAt             *time.Time   `json:"closed_at,omitempty"`
}

// PollVote is a viewer's vote for one option.
type PollVote struct {
	PollID   uuid.UUID `json:"poll_id"`
	OptionID uuid.UUID `json:"option_id"`
	ViewerID uuid.UUID `json:"viewer_id"`
}

// PollTally is the current count per option.
type PollTally struct {
	PollID    uuid.UUID           `json:"poll_id"`
	SessionID uuid.UUID           `json:"session_id"`
	State     PollState           `json:"state"`
	Counts    map[uuid.UUID]int64 `json:"counts"`
	Voters    int64               `json:"voters"`
}

// ReactionTally is the per-kind reaction count for a session.
type ReactionTally map[ReactionKind]int64
