package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceEntry is one viewer's liveness record within a session.
type PresenceEntry struct {
	SessionID       uuid.UUID `json:"session_id"`
	ViewerID        uuid.UUID `json:"viewer_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ViewerCount is the payload pushed when presence changes.
type ViewerCount struct {
	Count int64 `json:"count"`
	Peak  int64 `json:"peak"`
}
