// Package ledger records monetary events per session and projects a revenue
// snapshot from confirmed events only.
//
// Payment callbacks arrive at least once and in any order. Confirm and Fail are
// idempotent for the outcome already applied; a callback that contradicts a
// settled event is rejected with models.ErrInvalidEventState and never changes it.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
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

// LateHook is called when an event settles after its session was finalized.
// The snapshot already includes the change.
type LateHook func(snap models.RevenueSnapshot, ev models.MonetaryEvent)

type shard struct {
	mu        sync.Mutex
	events    []*models.MonetaryEvent
	finalized bool
}

type ref struct {
	sessionID uuid.UUID
	index     int
}

// Ledger is the monetization ledger for all sessions on this instance.
type Ledger struct {
	mu     sync.RWMutex
	shards map[uuid.UUID]*shard
	refs   map[string]ref
	// settled keeps events of dropped sessions so redelivered callbacks still
	// get their idempotent answer.
	settled map[string]models.MonetaryEvent
	late    []LateHook

	gate   Gate
	clock  clockwork.Clock
	sink   models.Sink
	logger *zap.Logger
}

// New creates an empty ledger.
func New(gate Gate, clock clockwork.Clock, sink models.Sink, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = models.NopSink
	}
	return &Ledger{
		shards:  make(map[uuid.UUID]*shard),
		refs:    make(map[string]ref),
		settled: make(map[string]models.MonetaryEvent),
		gate:    gate,
		clock:   clock,
		sink:    sink,
		logger:  logger,
	}
}

// OnLateSettlement registers a hook for callbacks applied after Finalize.
func (l *Ledger) OnLateSettlement(fn LateHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.late = append(l.late, fn)
}

// Initiate records a Pending event with a fresh payment reference.
func (l *Ledger) Initiate(sessionID, payerID uuid.UUID, kind models.MonetaryKind, amountMinor int64, currency, message string) (models.MonetaryEvent, error) {
	if payerID == uuid.Nil {
		return models.MonetaryEvent{}, fmt.Errorf("payer id required: %w", models.ErrInvalidArgument)
	}
	if !kind.Valid() {
		return models.MonetaryEvent{}, fmt.Errorf("unknown monetary kind %q: %w", kind, models.ErrInvalidArgument)
	}
	if amountMinor <= 0 {
		return models.MonetaryEvent{}, fmt.Errorf("amount must be positive: %w", models.ErrInvalidArgument)
	}
	currency, ok := normalizeCurrency(currency)
	if !ok {
		return models.MonetaryEvent{}, fmt.Errorf("invalid currency %q: %w", currency, models.ErrInvalidArgument)
	}
	message = strings.TrimSpace(message)
	if kind == models.KindHighlightedMessage && message == "" {
		return models.MonetaryEvent{}, fmt.Errorf("highlighted message needs text: %w", models.ErrInvalidArgument)
	}
	if err := l.gate.RequireLive(sessionID); err != nil {
		return models.MonetaryEvent{}, err
	}

	ev := &models.MonetaryEvent{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Kind:        kind,
		PayerID:     payerID,
		AmountMinor: amountMinor,
		Currency:    currency,
		PaymentRef:  newPaymentRef(),
		State:       models.MonetaryPending,
		Message:     message,
		CreatedAt:   l.clock.Now().UTC(),
	}

	s := l.shardOrCreate(sessionID)
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return models.MonetaryEvent{}, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	s.events = append(s.events, ev)
	idx := len(s.events) - 1
	out := *ev
	s.mu.Unlock()

	// The ref is not known to any caller until we return, so registering it after
	// the append cannot lose a callback.
	l.mu.Lock()
	l.refs[out.PaymentRef] = ref{sessionID: sessionID, index: idx}
	l.mu.Unlock()

	metrics.MonetaryEventsTotal.WithLabelValues(string(kind), string(models.MonetaryPending)).Inc()
	l.logger.Info("monetary event initiated",
		zap.String("session_id", sessionID.String()),
		zap.String("payment_ref", out.PaymentRef),
		zap.String("kind", string(kind)),
		zap.Int64("amount_minor", amountMinor),
		zap.String("currency", currency),
	)
	return out, nil
}

func normalizeCurrency(c string) (string, bool) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return c, false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return c, false
		}
	}
	return c, true
}

func newPaymentRef() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Confirm marks the event Confirmed. Confirming twice is a no-op; confirming a
// Failed event returns models.ErrInvalidEventState.
func (l *Ledger) Confirm(paymentRef string) (models.MonetaryEvent, error) {
	return l.settle(paymentRef, models.MonetaryConfirmed, "")
}

// Fail marks the event Failed. Failing twice is a no-op; failing a Confirmed
// event returns models.ErrInvalidEventState.
func (l *Ledger) Fail(paymentRef, reason string) (models.MonetaryEvent, error) {
	return l.settle(paymentRef, models.MonetaryFailed, reason)
}

// answerSettled handles a callback for an event that already left Pending:
// the same outcome is a no-op, the other one is an inconsistency.
func (l *Ledger) answerSettled(ev models.MonetaryEvent, to models.MonetaryState, reason string) (models.MonetaryEvent, error) {
	if ev.State == to {
		metrics.PaymentDuplicateCallbacksTotal.Inc()
		l.logger.Debug("duplicate payment callback", zap.String("payment_ref", ev.PaymentRef), zap.String("state", string(to)))
		return ev, nil
	}
	metrics.PaymentInconsistenciesTotal.Inc()
	l.logger.Error("payment callback contradicts settled event",
		zap.String("payment_ref", ev.PaymentRef),
		zap.String("session_id", ev.SessionID.String()),
		zap.String("current_state", string(ev.State)),
		zap.String("requested_state", string(to)),
		zap.String("reason", reason),
	)
	return ev, fmt.Errorf("payment %q is %s, cannot become %s: %w", ev.PaymentRef, ev.State, to, models.ErrInvalidEventState)
}

func (l *Ledger) settle(paymentRef string, to models.MonetaryState, reason string) (models.MonetaryEvent, error) {
	l.mu.RLock()
	r, ok := l.refs[paymentRef]
	var s *shard
	if ok {
		s = l.shards[r.sessionID]
	}
	tomb, dropped := l.settled[paymentRef]
	hooks := l.late
	l.mu.RUnlock()
	if !ok || s == nil {
		if dropped {
			return l.answerSettled(tomb, to, reason)
		}
		return models.MonetaryEvent{}, fmt.Errorf("payment %q: %w", paymentRef, models.ErrNotFound)
	}

	s.mu.Lock()
	ev := s.events[r.index]
	if ev.State != models.MonetaryPending {
		out := *ev
		s.mu.Unlock()
		return l.answerSettled(out, to, reason)
	}

	now := l.clock.Now().UTC()
	ev.State = to
	ev.SettledAt = &now
	if to == models.MonetaryFailed {
		ev.FailureReason = reason
	}
	out := *ev
	finalized := s.finalized
	snap := s.snapshotLocked(out.SessionID, now)
	s.mu.Unlock()

	metrics.MonetaryEventsTotal.WithLabelValues(string(out.Kind), string(to)).Inc()
	l.logger.Info("monetary event settled",
		zap.String("session_id", out.SessionID.String()),
		zap.String("payment_ref", paymentRef),
		zap.String("state", string(to)),
		zap.Bool("late", finalized),
	)

	if finalized {
		metrics.PaymentLateConfirmationsTotal.Inc()
		for _, fn := range hooks {
			fn(snap, out)
		}
		return out, nil
	}
	if to == models.MonetaryConfirmed {
		l.sink.Publish(models.Update{SessionID: out.SessionID, Kind: models.UpdateRevenueSnapshot, Payload: snap, At: now})
		if out.Kind == models.KindHighlightedMessage {
			l.sink.Publish(models.Update{SessionID: out.SessionID, Kind: models.UpdateHighlight, Payload: out, At: now})
		}
	}
	return out, nil
}

func (s *shard) snapshotLocked(sessionID uuid.UUID, now time.Time) models.RevenueSnapshot {
	snap := models.RevenueSnapshot{
		SessionID:  sessionID,
		Currencies: make(map[string]models.CurrencyRevenue),
		Finalized:  s.finalized,
		ComputedAt: now,
	}
	for _, ev := range s.events {
		switch ev.State {
		case models.MonetaryPending:
			snap.PendingEvents++
			continue
		case models.MonetaryFailed:
			snap.FailedEvents++
			continue
		}
		snap.ConfirmedEvents++
		cr, ok := snap.Currencies[ev.Currency]
		if !ok {
			cr.ByKind = make(map[models.MonetaryKind]int64)
		}
		cr.Total += ev.AmountMinor
		cr.ByKind[ev.Kind] += ev.AmountMinor
		cr.Count++
		snap.Currencies[ev.Currency] = cr
	}
	return snap
}

func (l *Ledger) shardOrCreate(sessionID uuid.UUID) *shard {
	if s := l.shard(sessionID); s != nil {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shards[sessionID]
	if !ok {
		s = &shard{}
		l.shards[sessionID] = s
	}
	return s
}

func (l *Ledger) shard(sessionID uuid.UUID) *shard {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shards[sessionID]
}

// Snapshot recomputes revenue from confirmed events. An unknown session has an
// empty snapshot.
func (l *Ledger) Snapshot(sessionID uuid.UUID) models.RevenueSnapshot {
	now := l.clock.Now().UTC()
	s := l.shard(sessionID)
	if s == nil {
		return (&shard{}).snapshotLocked(sessionID, now)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(sessionID, now)
}

// Finalize seals the session's ledger for archiving and returns the final
// snapshot. New events are refused afterwards; callbacks for existing ones are
// still applied. Calling it again returns the current snapshot.
func (l *Ledger) Finalize(sessionID uuid.UUID) models.RevenueSnapshot {
	s := l.shardOrCreate(sessionID)
	now := l.clock.Now().UTC()
	s.mu.Lock()
	first := !s.finalized
	s.finalized = true
	snap := s.snapshotLocked(sessionID, now)
	s.mu.Unlock()

	if first {
		l.logger.Info("ledger finalized",
			zap.String("session_id", sessionID.String()),
			zap.Int("confirmed", snap.ConfirmedEvents),
			zap.Int("pending", snap.PendingEvents),
		)
		l.sink.Publish(models.Update{SessionID: sessionID, Kind: models.UpdateRevenueSnapshot, Payload: snap, At: now})
	}
	return snap
}

// Event looks up an event by payment reference.
func (l *Ledger) Event(paymentRef string) (models.MonetaryEvent, error) {
	l.mu.RLock()
	r, ok := l.refs[paymentRef]
	s := l.shards[r.sessionID]
	l.mu.RUnlock()
	if !ok || s == nil {
		return models.MonetaryEvent{}, fmt.Errorf("payment %q: %w", paymentRef, models.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[r.index], nil
}

// Events returns the session's events in the order they were initiated.
func (l *Ledger) Events(sessionID uuid.UUID) []models.MonetaryEvent {
	s := l.shard(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MonetaryEvent, len(s.events))
	for i, ev := range s.events {
		out[i] = *ev
	}
	return out
}

// StalePending reports Pending events created more than olderThan ago, oldest first.
// Nothing is failed automatically.
func (l *Ledger) StalePending(olderThan time.Duration) []models.MonetaryEvent {
	cutoff := l.clock.Now().Add(-olderThan)
	l.mu.RLock()
	shards := make([]*shard, 0, len(l.shards))
	for _, s := range l.shards {
		shards = append(shards, s)
	}
	l.mu.RUnlock()

	var out []models.MonetaryEvent
	for _, s := range shards {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.State == models.MonetaryPending && ev.CreatedAt.Before(cutoff) {
				out = append(out, *ev)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Drop frees a finalized session's events. It refuses while events are still
// pending so that a late callback can still be applied.
func (l *Ledger) Drop(sessionID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shards[sessionID]
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		return false
	}
	for _, ev := range s.events {
		if ev.State == models.MonetaryPending {
			return false
		}
	}
	for _, ev := range s.events {
		delete(l.refs, ev.PaymentRef)
		l.settled[ev.PaymentRef] = *ev
	}
	delete(l.shards, sessionID)
	return true
}

// ForgetSettled discards the kept events of dropped sessions that settled
// before cutoff and returns how many were removed.
func (l *Ledger) ForgetSettled(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ref, ev := range l.settled {
		if ev.SettledAt == nil || ev.SettledAt.Before(cutoff) {
			delete(l.settled, ref)
			n++
		}
	}
	return n
}
