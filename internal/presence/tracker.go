// Package presence keeps the live viewer set of each session and a running count
// that can be read without taking a lock.
package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

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

// Config holds presence timing.
type Config struct {
	// HeartbeatTimeout is how long an entry survives without a heartbeat.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often Run evicts expired entries.
	SweepInterval time.Duration
}

type shard struct {
	mu      sync.Mutex
	viewers map[uuid.UUID]time.Time
	closed  bool

	// count mirrors len(viewers). It is only written under mu so that it never
	// drifts from the map, and read with a plain atomic load.
	count atomic.Int64
	peak  atomic.Int64
}

func (s *shard) setCountLocked() {
	n := int64(len(s.viewers))
	s.count.Store(n)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// Tracker is the presence tracker for all sessions on this instance.
type Tracker struct {
	mu     sync.RWMutex
	shards map[uuid.UUID]*shard

	gate   Gate
	cfg    Config
	clock  clockwork.Clock
	sink   models.Sink
	logger *zap.Logger
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, gate Gate, clock clockwork.Clock, sink models.Sink, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 3
	}
	return &Tracker{
		shards: make(map[uuid.UUID]*shard),
		gate:   gate,
		cfg:    cfg,
		clock:  clock,
		sink:   sink,
		logger: logger,
	}
}

func (t *Tracker) shard(sessionID uuid.UUID, create bool) *shard {
	t.mu.RLock()
	s, ok := t.shards[sessionID]
	t.mu.RUnlock()
	if ok || !create {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.shards[sessionID]; ok {
		return s
	}
	s = &shard{viewers: make(map[uuid.UUID]time.Time)}
	t.shards[sessionID] = s
	return s
}

// Join adds the viewer or refreshes their heartbeat if already present.
func (t *Tracker) Join(sessionID, viewerID uuid.UUID) error {
	return t.touch(sessionID, viewerID)
}

// Heartbeat refreshes the viewer's entry. A viewer that was evicted is joined again.
func (t *Tracker) Heartbeat(sessionID, viewerID uuid.UUID) error {
	return t.touch(sessionID, viewerID)
}

func (t *Tracker) touch(sessionID, viewerID uuid.UUID) error {
	if viewerID == uuid.Nil {
		return fmt.Errorf("viewer id required: %w", models.ErrInvalidArgument)
	}
	if err := t.gate.RequireLive(sessionID); err != nil {
		return err
	}
	s := t.shard(sessionID, true)
	now := t.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	_, present := s.viewers[viewerID]
	s.viewers[viewerID] = now
	if !present {
		s.setCountLocked()
	}
	s.mu.Unlock()

	if !present {
		metrics.PresenceJoinsTotal.Inc()
		t.publish(sessionID, s)
	}
	return nil
}

// Leave removes the viewer. Leaving twice, or leaving an unknown session, is a no-op.
func (t *Tracker) Leave(sessionID, viewerID uuid.UUID) {
	s := t.shard(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	_, present := s.viewers[viewerID]
	if present {
		delete(s.viewers, viewerID)
		s.setCountLocked()
	}
	s.mu.Unlock()

	if present {
		t.publish(sessionID, s)
	}
}

// CurrentCount returns the number of viewers in O(1).
func (t *Tracker) CurrentCount(sessionID uuid.UUID) int64 {
	s := t.shard(sessionID, false)
	if s == nil {
		return 0
	}
	return s.count.Load()
}

// Peak returns the highest concurrent viewer count seen for the session.
func (t *Tracker) Peak(sessionID uuid.UUID) int64 {
	s := t.shard(sessionID, false)
	if s == nil {
		return 0
	}
	return s.peak.Load()
}

// Viewers lists the current entries of a session.
func (t *Tracker) Viewers(sessionID uuid.UUID) []models.PresenceEntry {
	s := t.shard(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PresenceEntry, 0, len(s.viewers))
	for id, at := range s.viewers {
		out = append(out, models.PresenceEntry{SessionID: sessionID, ViewerID: id, LastHeartbeatAt: at})
	}
	return out
}

// Sweep evicts entries whose last heartbeat is older than the timeout and returns
// how many were evicted. A failure in one session does not stop the others.
func (t *Tracker) Sweep(now time.Time) int {
	start := time.Now()
	defer func() { metrics.PresenceSweepDuration.Observe(time.Since(start).Seconds()) }()

	t.mu.RLock()
	ids := make([]uuid.UUID, 0, len(t.shards))
	shards := make([]*shard, 0, len(t.shards))
	for id, s := range t.shards {
		ids = append(ids, id)
		shards = append(shards, s)
	}
	t.mu.RUnlock()

	cutoff := now.Add(-t.cfg.HeartbeatTimeout)
	total := 0
	for i, s := range shards {
		total += t.sweepShard(ids[i], s, cutoff)
	}
	if total > 0 {
		metrics.PresenceEvictionsTotal.Add(float64(total))
	}
	return total
}

// evict removes entries whose last heartbeat is before cutoff.
func (s *shard) evict(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.viewers {
		if at.Before(cutoff) {
			delete(s.viewers, id)
			n++
		}
	}
	if n > 0 {
		s.setCountLocked()
	}
	return n
}

func (t *Tracker) sweepShard(sessionID uuid.UUID, s *shard, cutoff time.Time) (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("presence sweep failed for session",
				zap.String("session_id", sessionID.String()),
				zap.Any("panic", r),
			)
		}
	}()

	evicted = s.evict(cutoff)
	if evicted > 0 {
		t.logger.Debug("evicted stale viewers",
			zap.String("session_id", sessionID.String()),
			zap.Int("evicted", evicted),
		)
		t.publish(sessionID, s)
	}
	return evicted
}

// Close drops every entry of an ended session and refuses further joins.
func (t *Tracker) Close(sessionID uuid.UUID) {
	s := t.shard(sessionID, true)
	s.mu.Lock()
	s.closed = true
	had := len(s.viewers) > 0
	clear(s.viewers)
	s.setCountLocked()
	s.mu.Unlock()
	if had {
		t.publish(sessionID, s)
	}
}

// Drop frees all memory held for the session.
func (t *Tracker) Drop(sessionID uuid.UUID) {
	t.mu.Lock()
	delete(t.shards, sessionID)
	t.mu.Unlock()
}

// Run sweeps on a fixed interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Sweep(t.clock.Now())
		}
	}
}

func (t *Tracker) publish(sessionID uuid.UUID, s *shard) {
	t.sink.Publish(models.Update{
		SessionID: sessionID,
		Kind:      models.UpdateViewerCount,
		Payload:   models.ViewerCount{Count: s.count.Load(), Peak: s.peak.Load()},
		At:        t.clock.Now().UTC(),
	})
}
