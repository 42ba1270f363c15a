// Package archive hands ended sessions to the catalog store. The engine enqueues
// flat records; the worker persists them to Postgres and the transcript to S3.
package archive

import (
	"time"

	"github.com/aura-live/backend/internal/models"
)

// Record is everything kept about a session once it has ended.
type Record struct {
	Session     models.Session         `json:"session"`
	PeakViewers int64                  `json:"peak_viewers"`
	Transcript  []models.ChatMessage   `json:"transcript"`
	Reactions   models.ReactionTally   `json:"reactions"`
	Polls       []PollResult           `json:"polls"`
	Revenue     models.RevenueSnapshot `json:"revenue"`
	Events      []models.MonetaryEvent `json:"events"`
	ArchivedAt  time.Time              `json:"archived_at"`
}

// PollResult is a poll with its final tally.
type PollResult struct {
	Poll  models.Poll      `json:"poll"`
	Tally models.PollTally `json:"tally"`
}

// RevenueUpdate re-persists a snapshot after a late payment callback.
type RevenueUpdate struct {
	Snapshot models.RevenueSnapshot `json:"snapshot"`
	Event    models.MonetaryEvent   `json:"event"`
}
