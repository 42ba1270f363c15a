package archive

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/aura-live/backend/internal/models"
)

// RevenueStore reads archived snapshots.
type RevenueStore interface {
	GetRevenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error)
}

// RevenueReader collapses concurrent reads of the same archived snapshot into a
// single query.
type RevenueReader struct {
	store RevenueStore
	group singleflight.Group
}

// NewRevenueReader creates a reader.
func NewRevenueReader(store RevenueStore) *RevenueReader {
	return &RevenueReader{store: store}
}

// Revenue returns the archived snapshot for a session.
func (r *RevenueReader) Revenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error) {
	v, err, _ := r.group.Do(sessionID.String(), func() (any, error) {
		return r.store.GetRevenue(ctx, sessionID)
	})
	if err != nil {
		return models.RevenueSnapshot{}, err
	}
	return v.(models.RevenueSnapshot), nil
}
