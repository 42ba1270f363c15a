package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a live session.
type SessionState string

const (
	SessionScheduled SessionState = "scheduled"
	SessionLive      SessionState = "live"
	SessionEnded     SessionState = "ended"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// Session is one live broadcast instance. Only the session registry mutates it;
// everything else receives copies.
type Session struct {
	ID           uuid.UUID    `json:"id"`
	OwnerID      uuid.UUID    `json:"owner_id"`
	State        SessionState `json:"state"`
	ScheduledFor time.Time    `json:"scheduled_for"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	Revision     uint64       `json:"revision"`
	CreatedAt    time.Time    `json:"created_at"`
}
