// Package chat orders, throttles and moderates chat messages per session and lets
// late joiners replay history.
package chat

import (
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

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

// Config controls validation and throttling.
type Config struct {
	MaxBodyLength int
	// RateLimit messages per RateWindow per author.
	RateLimit   int
	RateWindow  time.Duration
	ReplayBatch int
}

func (c *Config) defaults() {
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = 500
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Second
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 256
	}
}

// stream holds one session's history. messages[i].Sequence == i+1.
type stream struct {
	mu       sync.RWMutex
	messages []models.ChatMessage
	muted    map[uuid.UUID]struct{}
	windows  map[uuid.UUID]*window
	closed   bool
}

type ref struct {
	sessionID uuid.UUID
	seq       uint64
}

// Stream is the chat stream for all sessions on this instance.
type Stream struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*stream
	index   sync.Map // message id -> ref

	gate   Gate
	cfg    Config
	clock  clockwork.Clock
	sink   models.Sink
	logger *zap.Logger
}

// NewStream creates a chat stream.
func NewStream(cfg Config, gate Gate, clock clockwork.Clock, sink models.Sink, logger *zap.Logger) *Stream {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	return &Stream{
		streams: make(map[uuid.UUID]*stream),
		gate:    gate,
		cfg:     cfg,
		clock:   clock,
		sink:    sink,
		logger:  logger,
	}
}

func (c *Stream) stream(sessionID uuid.UUID, create bool) *stream {
	c.mu.RLock()
	s, ok := c.streams[sessionID]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.streams[sessionID]; ok {
		return s
	}
	s = &stream{
		muted:   make(map[uuid.UUID]struct{}),
		windows: make(map[uuid.UUID]*window),
	}
	c.streams[sessionID] = s
	return s
}

// Send accepts a message and assigns it the next sequence number of the session.
// Rejected sends never consume a sequence number.
func (c *Stream) Send(sessionID, authorID uuid.UUID, body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if authorID == uuid.Nil || body == "" {
		metrics.ChatMessagesTotal.WithLabelValues("invalid").Inc()
		return models.ChatMessage{}, fmt.Errorf("author and body required: %w", models.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(body); n > c.cfg.MaxBodyLength {
		metrics.ChatMessagesTotal.WithLabelValues("invalid").Inc()
		return models.ChatMessage{}, fmt.Errorf("body is %d characters, max %d: %w", n, c.cfg.MaxBodyLength, models.ErrInvalidArgument)
	}
	if err := c.gate.RequireLive(sessionID); err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("closed").Inc()
		return models.ChatMessage{}, err
	}

	s := c.stream(sessionID, true)
	now := c.clock.Now().UTC()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.ChatMessagesTotal.WithLabelValues("closed").Inc()
		return models.ChatMessage{}, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	if _, muted := s.muted[authorID]; muted {
		s.mu.Unlock()
		metrics.ChatMessagesTotal.WithLabelValues("muted").Inc()
		return models.ChatMessage{}, fmt.Errorf("author %s: %w", authorID, models.ErrMuted)
	}
	w, ok := s.windows[authorID]
	if !ok {
		w = &window{}
		s.windows[authorID] = w
	}
	if allowed, wait := w.allow(now, c.cfg.RateLimit, c.cfg.RateWindow); !allowed {
		s.mu.Unlock()
		metrics.ChatMessagesTotal.WithLabelValues("rate_limited").Inc()
		return models.ChatMessage{}, &models.RateLimitError{RetryAfter: wait}
	}
	msg := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Sequence:   uint64(len(s.messages)) + 1,
		AuthorID:   authorID,
		Body:       body,
		CreatedAt:  now,
		Moderation: models.ModerationVisible,
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	c.index.Store(msg.ID, ref{sessionID: sessionID, seq: msg.Sequence})
	metrics.ChatMessagesTotal.WithLabelValues("accepted").Inc()
	c.sink.Publish(models.Update{SessionID: sessionID, Kind: models.UpdateChatMessage, Payload: msg, At: now})
	return msg, nil
}

// Moderate changes a message's visibility. The sequence number never changes and
// a deleted message stays deleted.
func (c *Stream) Moderate(messageID uuid.UUID, action models.ModerationAction) (models.ChatMessage, error) {
	v, ok := c.index.Load(messageID)
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	r := v.(ref)
	s := c.stream(r.sessionID, false)
	if s == nil {
		return models.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("session %s: %w", r.sessionID, models.ErrSessionClosed)
	}
	m := &s.messages[r.seq-1]
	prev := m.Moderation
	next, err := nextModeration(prev, action)
	if err != nil {
		s.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, err)
	}
	m.Moderation = next
	msg := *m
	s.mu.Unlock()

	if next == prev {
		return msg, nil
	}
	metrics.ChatModerationsTotal.WithLabelValues(string(action)).Inc()
	c.logger.Info("chat message moderated",
		zap.String("session_id", r.sessionID.String()),
		zap.Uint64("sequence", msg.Sequence),
		zap.String("action", string(action)),
	)
	c.sink.Publish(models.Update{SessionID: r.sessionID, Kind: models.UpdateChatModeration, Payload: msg, At: c.clock.Now().UTC()})
	return msg, nil
}

func nextModeration(cur models.ModerationState, action models.ModerationAction) (models.ModerationState, error) {
	if cur == models.ModerationDeleted {
		if action == models.ActionDelete {
			return cur, nil
		}
		return cur, fmt.Errorf("message is deleted: %w", models.ErrInvalidArgument)
	}
	switch action {
	case models.ActionHide:
		return models.ModerationHidden, nil
	case models.ActionPin:
		return models.ModerationPinned, nil
	case models.ActionUnpin:
		if cur == models.ModerationPinned {
			return models.ModerationVisible, nil
		}
		return cur, nil
	case models.ActionDelete:
		return models.ModerationDeleted, nil
	}
	return cur, fmt.Errorf("unknown moderation action %q: %w", action, models.ErrInvalidArgument)
}

// SessionOf returns the session a message belongs to.
func (c *Stream) SessionOf(messageID uuid.UUID) (uuid.UUID, error) {
	v, ok := c.index.Load(messageID)
	if !ok {
		return uuid.Nil, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	return v.(ref).sessionID, nil
}

// Mute stops authorID from sending in the session. Muting may happen before the
// session goes live.
func (c *Stream) Mute(sessionID, authorID uuid.UUID) error {
	return c.setMuted(sessionID, authorID, true)
}

// Unmute lifts a mute. Unmuting an author who is not muted is a no-op.
func (c *Stream) Unmute(sessionID, authorID uuid.UUID) error {
	return c.setMuted(sessionID, authorID, false)
}

func (c *Stream) setMuted(sessionID, authorID uuid.UUID, muted bool) error {
	if authorID == uuid.Nil {
		return fmt.Errorf("author id required: %w", models.ErrInvalidArgument)
	}
	s := c.stream(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	if muted {
		s.muted[authorID] = struct{}{}
	} else {
		delete(s.muted, authorID)
	}
	return nil
}

// Muted reports whether authorID is muted in the session.
func (c *Stream) Muted(sessionID, authorID uuid.UUID) bool {
	s := c.stream(sessionID, false)
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.muted[authorID]
	return ok
}

// Replay yields messages with sequence >= from, in order. The range is bounded by
// the last sequence assigned when iteration starts; each new range re-reads from
// from. Moderation state is yielded as-is and filtering is left to the caller.
func (c *Stream) Replay(sessionID uuid.UUID, from uint64) iter.Seq[models.ChatMessage] {
	if from == 0 {
		from = 1
	}
	return func(yield func(models.ChatMessage) bool) {
		s := c.stream(sessionID, false)
		if s == nil {
			return
		}
		s.mu.RLock()
		high := uint64(len(s.messages))
		s.mu.RUnlock()

		batch := make([]models.ChatMessage, 0, c.cfg.ReplayBatch)
		for next := from; next <= high; {
			end := min(next+uint64(c.cfg.ReplayBatch)-1, high)
			s.mu.RLock()
			batch = append(batch[:0], s.messages[next-1:end]...)
			s.mu.RUnlock()
			for _, m := range batch {
				if !yield(m) {
					return
				}
			}
			next = end + 1
		}
	}
}

// HighWater returns the last assigned sequence number, 0 if none.
func (c *Stream) HighWater(sessionID uuid.UUID) uint64 {
	s := c.stream(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.messages))
}

// Transcript returns a copy of the full ordered history.
func (c *Stream) Transcript(sessionID uuid.UUID) []models.ChatMessage {
	s := c.stream(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// Close stops accepting messages, mutes and moderation for the session.
func (c *Stream) Close(sessionID uuid.UUID) {
	s := c.stream(sessionID, true)
	s.mu.Lock()
	s.closed = true
	clear(s.windows)
	s.mu.Unlock()
}

// Prune forgets rate-limit windows with no sends since the rate window elapsed.
func (c *Stream) Prune(now time.Time) {
	cutoff := now.Add(-c.cfg.RateWindow)
	c.mu.RLock()
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.RUnlock()
	for _, s := range streams {
		s.mu.Lock()
		for id, w := range s.windows {
			if w.idle(cutoff) {
				delete(s.windows, id)
			}
		}
		s.mu.Unlock()
	}
}

// Drop frees the session's history.
func (c *Stream) Drop(sessionID uuid.UUID) {
	c.mu.Lock()
	s, ok := c.streams[sessionID]
	delete(c.streams, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}
	s.mu.RLock()
	for _, m := range s.messages {
		c.index.Delete(m.ID)
	}
	s.mu.RUnlock()
}
