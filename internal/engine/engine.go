// Package engine is the per-session coordinator. It owns one instance of every
// engagement component, routes viewer actions to them and runs the end-of-session
// sequence: close components, finalize the ledger, hand the record to the archive.
package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/archive"
	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/engagement"
	"github.com/aura-live/backend/internal/ledger"
	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/presence"
	"github.com/aura-live/backend/internal/sessions"
)

// Archiver receives ended sessions and late revenue changes.
type Archiver interface {
	ArchiveSession(ctx context.Context, rec archive.Record) error
	UpdateRevenue(ctx context.Context, snap models.RevenueSnapshot, ev models.MonetaryEvent) error
}

// ArchiveReader serves revenue of sessions no longer held in memory.
type ArchiveReader interface {
	Revenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error)
}

// Config holds engine timing.
type Config struct {
	Presence presence.Config
	Chat     chat.Config

	// SnapshotInterval is how often live revenue is re-broadcast.
	SnapshotInterval time.Duration
	// StalePendingAge is when a pending payment is reported as stale.
	StalePendingAge    time.Duration
	StaleCheckInterval time.Duration
	// Retention is how long an ended session stays in memory after it ended.
	Retention       time.Duration
	JanitorInterval time.Duration
	ArchiveTimeout  time.Duration
	// SettledRetention is how long callbacks for payments of released sessions
	// are still answered idempotently.
	SettledRetention time.Duration
}

func (c *Config) defaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 10 * time.Second
	}
	if c.StalePendingAge <= 0 {
		c.StalePendingAge = 15 * time.Minute
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 5 * time.Second
	}
	if c.SettledRetention <= 0 {
		c.SettledRetention = 72 * time.Hour
	}
}

// Engine composes the session registry and the per-session components.
type Engine struct {
	sessions *sessions.Registry
	presence *presence.Tracker
	chat     *chat.Stream
	tally    *engagement.Tally
	ledger   *ledger.Ledger

	archiver Archiver
	archived ArchiveReader

	cfg    Config
	clock  clockwork.Clock
	sink   models.Sink
	logger *zap.Logger
}

// New wires an engine. archiver and archived may be nil.
func New(cfg Config, sink models.Sink, archiver Archiver, archived ArchiveReader, clock clockwork.Clock, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reg := sessions.NewRegistry(clock, sink, logger.Named("sessions"))
	e := &Engine{
		sessions: reg,
		presence: presence.NewTracker(cfg.Presence, reg, clock, sink, logger.Named("presence")),
		chat:     chat.NewStream(cfg.Chat, reg, clock, sink, logger.Named("chat")),
		tally:    engagement.NewTally(reg, clock, sink, logger.Named("engagement")),
		ledger:   ledger.New(reg, clock, sink, logger.Named("ledger")),
		archiver: archiver,
		archived: archived,
		cfg:      cfg,
		clock:    clock,
		sink:     sink,
		logger:   logger,
	}
	reg.OnEnd(e.finish)
	e.ledger.OnLateSettlement(e.lateSettlement)
	return e
}

// Schedule creates a session.
func (e *Engine) Schedule(ownerID uuid.UUID, startTime time.Time) (models.Session, error) {
	return e.sessions.Schedule(ownerID, startTime)
}

// Start makes a session live.
func (e *Engine) Start(sessionID uuid.UUID) (models.Session, error) {
	return e.sessions.Start(sessionID)
}

// End ends a live session. Components are closed, the ledger is finalized and the
// record is handed to the archive before End returns.
func (e *Engine) End(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	return e.sessions.End(ctx, sessionID)
}

// Cancel cancels a scheduled session.
func (e *Engine) Cancel(sessionID uuid.UUID) (models.Session, error) {
	return e.sessions.Cancel(sessionID)
}

// Session returns the current session.
func (e *Engine) Session(sessionID uuid.UUID) (models.Session, error) {
	return e.sessions.Get(sessionID)
}

// Sessions lists sessions in the given states, all if none.
func (e *Engine) Sessions(states ...models.SessionState) []models.Session {
	return e.sessions.List(states...)
}

func (e *Engine) finish(ctx context.Context, s models.Session) {
	e.presence.Close(s.ID)
	e.chat.Close(s.ID)
	e.tally.Close(s.ID)
	revenue := e.ledger.Finalize(s.ID)

	reactions, tallies := e.tally.Tallies(s.ID)
	polls := e.tally.Polls(s.ID)
	results := make([]archive.PollResult, len(polls))
	for i := range polls {
		results[i] = archive.PollResult{Poll: polls[i], Tally: tallies[i]}
	}
	rec := archive.Record{
		Session:     s,
		PeakViewers: e.presence.Peak(s.ID),
		Transcript:  e.chat.Transcript(s.ID),
		Reactions:   reactions,
		Polls:       results,
		Revenue:     revenue,
		Events:      e.ledger.Events(s.ID),
		ArchivedAt:  e.clock.Now().UTC(),
	}

	e.logger.Info("session finished",
		zap.String("session_id", s.ID.String()),
		zap.Int64("peak_viewers", rec.PeakViewers),
		zap.Int("messages", len(rec.Transcript)),
		zap.Int("pending_payments", revenue.PendingEvents),
	)
	if e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ArchiveTimeout)
	defer cancel()
	if err := e.archiver.ArchiveSession(ctx, rec); err != nil {
		e.logger.Error("archive hand-off failed", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
}

func (e *Engine) lateSettlement(snap models.RevenueSnapshot, ev models.MonetaryEvent) {
	e.logger.Warn("payment settled after session end",
		zap.String("session_id", ev.SessionID.String()),
		zap.String("payment_ref", ev.PaymentRef),
		zap.String("state", string(ev.State)),
	)
	if e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ArchiveTimeout)
	defer cancel()
	if err := e.archiver.UpdateRevenue(ctx, snap, ev); err != nil {
		e.logger.Error("archived revenue update failed", zap.String("payment_ref", ev.PaymentRef), zap.Error(err))
	}
}

// Join registers a viewer.
func (e *Engine) Join(sessionID, viewerID uuid.UUID) error {
	return e.presence.Join(sessionID, viewerID)
}

// Heartbeat keeps a viewer present.
func (e *Engine) Heartbeat(sessionID, viewerID uuid.UUID) error {
	return e.presence.Heartbeat(sessionID, viewerID)
}

// Leave removes a viewer.
func (e *Engine) Leave(sessionID, viewerID uuid.UUID) {
	e.presence.Leave(sessionID, viewerID)
}

// ViewerCount returns the current and peak viewer count.
func (e *Engine) ViewerCount(sessionID uuid.UUID) (models.ViewerCount, error) {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return models.ViewerCount{}, err
	}
	return models.ViewerCount{Count: e.presence.CurrentCount(sessionID), Peak: e.presence.Peak(sessionID)}, nil
}

// SendChat accepts a chat message.
func (e *Engine) SendChat(sessionID, authorID uuid.UUID, body string) (models.ChatMessage, error) {
	return e.chat.Send(sessionID, authorID, body)
}

// Moderate changes a message's visibility.
func (e *Engine) Moderate(messageID uuid.UUID, action models.ModerationAction) (models.ChatMessage, error) {
	return e.chat.Moderate(messageID, action)
}

// MessageSession returns the session a chat message belongs to.
func (e *Engine) MessageSession(messageID uuid.UUID) (uuid.UUID, error) {
	return e.chat.SessionOf(messageID)
}

// Mute stops a viewer from chatting in a session.
func (e *Engine) Mute(sessionID, viewerID uuid.UUID) error {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return err
	}
	return e.chat.Mute(sessionID, viewerID)
}

// Unmute lifts a mute.
func (e *Engine) Unmute(sessionID, viewerID uuid.UUID) error {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return err
	}
	return e.chat.Unmute(sessionID, viewerID)
}

// Replay yields the session's chat history from a sequence number.
func (e *Engine) Replay(sessionID uuid.UUID, from uint64) (iter.Seq[models.ChatMessage], error) {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return e.chat.Replay(sessionID, from), nil
}

// React counts a reaction.
func (e *Engine) React(sessionID, viewerID uuid.UUID, kind models.ReactionKind) (models.ReactionTally, error) {
	return e.tally.React(sessionID, viewerID, kind)
}

// OpenPoll opens a poll in a live session.
func (e *Engine) OpenPoll(sessionID uuid.UUID, question string, options []string, allowMultipleChoices bool) (models.Poll, error) {
	return e.tally.OpenPoll(sessionID, question, options, allowMultipleChoices)
}

// Vote records a poll vote.
func (e *Engine) Vote(pollID, viewerID, optionID uuid.UUID) (models.PollTally, error) {
	return e.tally.Vote(pollID, viewerID, optionID)
}

// ClosePoll closes a poll.
func (e *Engine) ClosePoll(pollID uuid.UUID) (models.PollTally, error) {
	return e.tally.ClosePoll(pollID)
}

// Poll returns a poll definition.
func (e *Engine) Poll(pollID uuid.UUID) (models.Poll, error) {
	return e.tally.Poll(pollID)
}

// InitiatePayment records a pending monetary event.
func (e *Engine) InitiatePayment(sessionID, payerID uuid.UUID, kind models.MonetaryKind, amountMinor int64, currency, message string) (models.MonetaryEvent, error) {
	return e.ledger.Initiate(sessionID, payerID, kind, amountMinor, currency, message)
}

// ConfirmPayment applies a Confirmed callback.
func (e *Engine) ConfirmPayment(paymentRef string) (models.MonetaryEvent, error) {
	return e.ledger.Confirm(paymentRef)
}

// FailPayment applies a Failed callback.
func (e *Engine) FailPayment(paymentRef, reason string) (models.MonetaryEvent, error) {
	return e.ledger.Fail(paymentRef, reason)
}

// Revenue returns the session's revenue snapshot. Sessions no longer in memory
// are read from the archive.
func (e *Engine) Revenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error) {
	if _, err := e.sessions.Get(sessionID); err != nil {
		if !errors.Is(err, models.ErrNotFound) || e.archived == nil {
			return models.RevenueSnapshot{}, err
		}
		return e.archived.Revenue(ctx, sessionID)
	}
	return e.ledger.Snapshot(sessionID), nil
}

// Run starts the background loops and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		e.presence.Run,
		e.every(e.cfg.SnapshotInterval, e.broadcastRevenue),
		e.every(e.cfg.StaleCheckInterval, e.reportStalePending),
		e.every(e.cfg.JanitorInterval, e.janitor),
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

func (e *Engine) every(d time.Duration, fn func(now time.Time)) func(context.Context) {
	return func(ctx context.Context) {
		ticker := e.clock.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				fn(e.clock.Now())
			}
		}
	}
}

// safely runs fn for one session and logs instead of propagating a panic.
func (e *Engine) safely(task string, sessionID uuid.UUID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("background task failed",
				zap.String("task", task),
				zap.String("session_id", sessionID.String()),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (e *Engine) broadcastRevenue(now time.Time) {
	for _, s := range e.sessions.List(models.SessionLive) {
		e.safely("revenue_snapshot", s.ID, func() {
			e.sink.Publish(models.Update{
				SessionID: s.ID,
				Kind:      models.UpdateRevenueSnapshot,
				Payload:   e.ledger.Snapshot(s.ID),
				At:        now.UTC(),
			})
		})
	}
}

func (e *Engine) reportStalePending(time.Time) {
	stale := e.ledger.StalePending(e.cfg.StalePendingAge)
	metrics.PendingStaleEvents.Set(float64(len(stale)))
	for _, ev := range stale {
		e.logger.Warn("payment pending without callback",
			zap.String("session_id", ev.SessionID.String()),
			zap.String("payment_ref", ev.PaymentRef),
			zap.Time("created_at", ev.CreatedAt),
		)
	}
}

func (e *Engine) janitor(now time.Time) {
	e.chat.Prune(now)
	if n := e.ledger.ForgetSettled(now.Add(-e.cfg.SettledRetention)); n > 0 {
		e.logger.Debug("settled payments forgotten", zap.Int("count", n))
	}
	cutoff := now.Add(-e.cfg.Retention)
	for _, s := range e.sessions.List(models.SessionEnded, models.SessionCancelled) {
		if s.EndedAt == nil || s.EndedAt.After(cutoff) {
			continue
		}
		e.safely("janitor", s.ID, func() {
			if !e.ledger.Drop(s.ID) {
				return
			}
			e.presence.Drop(s.ID)
			e.chat.Drop(s.ID)
			e.tally.Drop(s.ID)
			e.sessions.Forget(s.ID)
			e.logger.Debug("session released from memory", zap.String("session_id", s.ID.String()))
		})
	}
}

