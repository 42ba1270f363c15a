// Package engagement counts reactions and tallies poll votes per session.
package engagement

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

// Gate reports whether a session accepts viewer writes.
type Gate interface {
	RequireLive(sessionID uuid.UUID) error
}

// reactionShard has one counter per catalog kind, allocated up front. Counting
// holds mu shared; Close takes it exclusively so no count lands after it.
type reactionShard struct {
	mu     sync.RWMutex
	counts map[models.ReactionKind]*atomic.Int64
	closed bool
}

func newReactionShard() *reactionShard {
	s := &reactionShard{counts: make(map[models.ReactionKind]*atomic.Int64, len(models.ReactionKinds))}
	for _, k := range models.ReactionKinds {
		s.counts[k] = new(atomic.Int64)
	}
	return s
}

func (s *reactionShard) tally() models.ReactionTally {
	out := make(models.ReactionTally, len(s.counts))
	for k, c := range s.counts {
		out[k] = c.Load()
	}
	return out
}

// Tally holds reaction counters and polls for all sessions on this instance.
type Tally struct {
	mu        sync.RWMutex
	reactions map[uuid.UUID]*reactionShard
	polls     map[uuid.UUID]*poll
	bySession map[uuid.UUID][]uuid.UUID
	closed    map[uuid.UUID]struct{}

	gate   Gate
	clock  clockwork.Clock
	sink   models.Sink
	logger *zap.Logger
}

// NewTally creates an engagement tally.
func NewTally(gate Gate, clock clockwork.Clock, sink models.Sink, logger *zap.Logger) *Tally {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	return &Tally{
		reactions: make(map[uuid.UUID]*reactionShard),
		polls:     make(map[uuid.UUID]*poll),
		bySession: make(map[uuid.UUID][]uuid.UUID),
		closed:    make(map[uuid.UUID]struct{}),
		gate:      gate,
		clock:     clock,
		sink:      sink,
		logger:    logger,
	}
}

func (t *Tally) reactionShard(sessionID uuid.UUID, create bool) *reactionShard {
	t.mu.RLock()
	s, ok := t.reactions[sessionID]
	t.mu.RUnlock()
	if ok || !create {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.reactions[sessionID]; ok {
		return s
	}
	s = newReactionShard()
	t.reactions[sessionID] = s
	return s
}

// React counts one reaction and returns the session's tally.
func (t *Tally) React(sessionID, viewerID uuid.UUID, kind models.ReactionKind) (models.ReactionTally, error) {
	if viewerID == uuid.Nil {
		return nil, fmt.Errorf("viewer id required: %w", models.ErrInvalidArgument)
	}
	if err := t.gate.RequireLive(sessionID); err != nil {
		return nil, err
	}
	s := t.reactionShard(sessionID, true)
	c, ok := s.counts[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reaction %q: %w", kind, models.ErrInvalidArgument)
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	c.Add(1)
	s.mu.RUnlock()
	metrics.ReactionsTotal.WithLabelValues(string(kind)).Inc()

	tally := s.tally()
	t.sink.Publish(models.Update{SessionID: sessionID, Kind: models.UpdateReactionTally, Payload: tally, At: t.clock.Now().UTC()})
	return tally, nil
}

// Reactions returns the current reaction tally, all kinds present.
func (t *Tally) Reactions(sessionID uuid.UUID) models.ReactionTally {
	s := t.reactionShard(sessionID, false)
	if s == nil {
		return newReactionShard().tally()
	}
	return s.tally()
}
