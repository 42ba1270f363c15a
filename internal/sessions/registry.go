// Package sessions owns the lifecycle of live sessions. It is the single place that
// decides whether a session-scoped write is legal.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

// EndHook runs once after a session transitions to Ended.
type EndHook func(ctx context.Context, s models.Session)

type entry struct {
	mu sync.RWMutex
	s  models.Session
}

// Registry tracks sessions by id. The map lock is only held to find or insert an
// entry; transitions serialize on the entry's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	onEnd    []EndHook
	clock    clockwork.Clock
	sink     models.Sink
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock, sink models.Sink, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*entry),
		clock:    clock,
		sink:     sink,
		logger:   logger,
	}
}

// OnEnd registers a hook run after End succeeds. Must be called before serving traffic.
func (r *Registry) OnEnd(fn EndHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = append(r.onEnd, fn)
}

// Schedule creates a session in the Scheduled state.
func (r *Registry) Schedule(ownerID uuid.UUID, startTime time.Time) (models.Session, error) {
	if ownerID == uuid.Nil {
		return models.Session{}, fmt.Errorf("owner id required: %w", models.ErrInvalidArgument)
	}
	now := r.clock.Now().UTC()
	if startTime.IsZero() {
		startTime = now
	}
	s := models.Session{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		State:        models.SessionScheduled,
		ScheduledFor: startTime.UTC(),
		Revision:     1,
		CreatedAt:    now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = &entry{s: s}
	r.mu.Unlock()

	r.logger.Info("session scheduled", zap.String("session_id", s.ID.String()), zap.String("owner_id", ownerID.String()))
	return s, nil
}

// Start moves a Scheduled session to Live.
func (r *Registry) Start(id uuid.UUID) (models.Session, error) {
	s, err := r.transition(id, models.SessionScheduled, models.SessionLive)
	if err != nil {
		return s, err
	}
	metrics.LiveSessions.Inc()
	return s, nil
}

// End moves a Live session to Ended and runs the end hooks exactly once.
func (r *Registry) End(ctx context.Context, id uuid.UUID) (models.Session, error) {
	s, err := r.transition(id, models.SessionLive, models.SessionEnded)
	if err != nil {
		return s, err
	}
	metrics.LiveSessions.Dec()

	r.mu.RLock()
	hooks := append([]EndHook(nil), r.onEnd...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, s)
	}
	return s, nil
}

// Cancel moves a Scheduled session to Cancelled.
func (r *Registry) Cancel(id uuid.UUID) (models.Session, error) {
	return r.transition(id, models.SessionScheduled, models.SessionCancelled)
}

func (r *Registry) transition(id uuid.UUID, from, to models.SessionState) (models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Session{}, err
	}

	e.mu.Lock()
	cur := e.s.State
	if cur.Terminal() {
		e.mu.Unlock()
		return models.Session{}, fmt.Errorf("session %s is %s: %w", id, cur, models.ErrSessionClosed)
	}
	if cur != from {
		e.mu.Unlock()
		return models.Session{}, fmt.Errorf("session %s: %s -> %s: %w", id, cur, to, models.ErrInvalidTransition)
	}
	now := r.clock.Now().UTC()
	e.s.State = to
	e.s.Revision++
	switch to {
	case models.SessionLive:
		e.s.StartedAt = &now
	case models.SessionEnded, models.SessionCancelled:
		e.s.EndedAt = &now
	}
	s := e.s
	e.mu.Unlock()

	r.logger.Info("session transition",
		zap.String("session_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Uint64("revision", s.Revision),
	)
	r.sink.Publish(models.Update{SessionID: id, Kind: models.UpdateSessionState, Payload: s, At: now})
	return s, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id uuid.UUID) (models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Session{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.s, nil
}

// State returns the current lifecycle state.
func (r *Registry) State(id uuid.UUID) (models.SessionState, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.State, nil
}

// RequireLive returns nil only if the session exists and is Live.
func (r *Registry) RequireLive(id uuid.UUID) error {
	state, err := r.State(id)
	if err != nil {
		return err
	}
	if state != models.SessionLive {
		return fmt.Errorf("session %s is %s: %w", id, state, models.ErrSessionClosed)
	}
	return nil
}

// List returns sessions, optionally filtered by state, oldest first.
func (r *Registry) List(states ...models.SessionState) []models.Session {
	want := make(map[models.SessionState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	r.mu.RLock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.RLock()
		s := e.s
		e.mu.RUnlock()
		if len(want) > 0 {
			if _, ok := want[s.State]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Forget drops a terminal session from memory. Live or scheduled sessions are kept.
func (r *Registry) Forget(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.mu.RLock()
	terminal := e.s.State.Terminal()
	e.mu.RUnlock()
	if !terminal {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}
