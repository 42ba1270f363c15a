// Package modelstest provides test doubles for the engine's outbound sink.
package modelstest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
)

// RecordingSink stores every published update.
type RecordingSink struct {
	mu      sync.Mutex
	updates []models.Update
}

// Publish records u.
func (s *RecordingSink) Publish(u models.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

// Updates returns a copy of all recorded updates.
func (s *RecordingSink) Updates() []models.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Update(nil), s.updates...)
}

// OfKind returns recorded updates of the given kind, optionally for one session.
func (s *RecordingSink) OfKind(kind models.UpdateKind, sessionID uuid.UUID) []models.Update {
	var out []models.Update
	for _, u := range s.Updates() {
		if u.Kind != kind {
			continue
		}
		if sessionID != uuid.Nil && u.SessionID != sessionID {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Last returns the most recent update of kind, and whether there was one.
func (s *RecordingSink) Last(kind models.UpdateKind) (models.Update, bool) {
	all := s.OfKind(kind, uuid.Nil)
	if len(all) == 0 {
		return models.Update{}, false
	}
	return all[len(all)-1], true
}

// Reset drops recorded updates.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = nil
}

// StaticGate is a session gate with a fixed set of live sessions.
type StaticGate struct {
	mu   sync.RWMutex
	live map[uuid.UUID]bool
}

// NewStaticGate returns a gate where the given sessions are live.
func NewStaticGate(live ...uuid.UUID) *StaticGate {
	g := &StaticGate{live: make(map[uuid.UUID]bool)}
	for _, id := range live {
		g.live[id] = true
	}
	return g
}

// SetLive marks a session live or not.
func (g *StaticGate) SetLive(id uuid.UUID, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[id] = live
}

// RequireLive returns models.ErrSessionClosed unless id is live.
func (g *StaticGate) RequireLive(id uuid.UUID) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.live[id] {
		return models.ErrSessionClosed
	}
	return nil
}
