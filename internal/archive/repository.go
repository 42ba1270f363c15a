package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
)

// Repository persists archived sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveRecord writes the whole record in one transaction. Saving the same record
// twice leaves the same rows.
func (r *Repository) SaveRecord(ctx context.Context, rec Record, transcriptKey string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	s := rec.Session
	const upsertSession = `INSERT INTO live_sessions
		(id, owner_id, state, scheduled_for, started_at, ended_at, revision, peak_viewers, message_count, transcript_key, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, ended_at = EXCLUDED.ended_at, revision = EXCLUDED.revision,
			peak_viewers = GREATEST(live_sessions.peak_viewers, EXCLUDED.peak_viewers),
			message_count = EXCLUDED.message_count,
			transcript_key = COALESCE(EXCLUDED.transcript_key, live_sessions.transcript_key),
			archived_at = EXCLUDED.archived_at`
	if _, err := tx.Exec(ctx, upsertSession, s.ID, s.OwnerID, string(s.State), s.ScheduledFor, s.StartedAt, s.EndedAt,
		int64(s.Revision), rec.PeakViewers, int64(len(rec.Transcript)), transcriptKey, s.CreatedAt, rec.ArchivedAt); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM live_chat_messages WHERE session_id = $1`, s.ID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	if len(rec.Transcript) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"live_chat_messages"},
			[]string{"session_id", "sequence", "id", "author_id", "body", "moderation", "created_at"},
			pgx.CopyFromSlice(len(rec.Transcript), func(i int) ([]any, error) {
				m := rec.Transcript[i]
				return []any{m.SessionID, int64(m.Sequence), m.ID, m.AuthorID, m.Body, string(m.Moderation), m.CreatedAt}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy chat: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for kind, total := range rec.Reactions {
		batch.Queue(`INSERT INTO live_reaction_totals (session_id, kind, total) VALUES ($1, $2, $3)
			ON CONFLICT (session_id, kind) DO UPDATE SET total = EXCLUDED.total`, s.ID, string(kind), total)
	}
	for _, p := range rec.Polls {
		options, err := json.Marshal(p.Poll.Options)
		if err != nil {
			return fmt.Errorf("marshal poll options: %w", err)
		}
		counts, err := json.Marshal(p.Tally.Counts)
		if err != nil {
			return fmt.Errorf("marshal poll counts: %w", err)
		}
		batch.Queue(`INSERT INTO live_poll_results
			(poll_id, session_id, question, allow_multiple_choices, options, counts, voters, created_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (poll_id) DO UPDATE SET counts = EXCLUDED.counts, voters = EXCLUDED.voters, closed_at = EXCLUDED.closed_at`,
			p.Poll.ID, s.ID, p.Poll.Question, p.Poll.AllowMultipleChoices, options, counts, p.Tally.Voters, p.Poll.CreatedAt, p.Poll.ClosedAt)
	}
	for _, ev := range rec.Events {
		queueEvent(batch, ev)
	}
	if err := queueSnapshot(batch, rec.Revenue); err != nil {
		return err
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write tallies and ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveRevenue applies a late payment callback to an archived session.
func (r *Repository) SaveRevenue(ctx context.Context, upd RevenueUpdate) error {
	batch := &pgx.Batch{}
	queueEvent(batch, upd.Event)
	if err := queueSnapshot(batch, upd.Snapshot); err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write revenue: %w", err)
	}
	return tx.Commit(ctx)
}

func queueEvent(b *pgx.Batch, ev models.MonetaryEvent) {
	b.Queue(`INSERT INTO live_monetary_events
		(id, session_id, payment_ref, kind, payer_id, amount_minor, currency, state, message, failure_reason, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, failure_reason = EXCLUDED.failure_reason, settled_at = EXCLUDED.settled_at
		WHERE live_monetary_events.state = 'pending'`,
		ev.ID, ev.SessionID, ev.PaymentRef, string(ev.Kind), ev.PayerID, ev.AmountMinor, ev.Currency, string(ev.State),
		ev.Message, ev.FailureReason, ev.CreatedAt, ev.SettledAt)
}

func queueSnapshot(b *pgx.Batch, snap models.RevenueSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	// Late callbacks may be processed out of order; keep the newest projection.
	b.Queue(`INSERT INTO live_revenue_snapshots (session_id, snapshot, computed_at) VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, computed_at = EXCLUDED.computed_at, updated_at = NOW()
		WHERE live_revenue_snapshots.computed_at <= EXCLUDED.computed_at`,
		snap.SessionID, raw, snap.ComputedAt)
	return nil
}

// GetRevenue returns the archived revenue snapshot of a session.
func (r *Repository) GetRevenue(ctx context.Context, sessionID uuid.UUID) (models.RevenueSnapshot, error) {
	const q = `SELECT snapshot FROM live_revenue_snapshots WHERE session_id = $1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RevenueSnapshot{}, fmt.Errorf("archived revenue for %s: %w", sessionID, models.ErrNotFound)
		}
		return models.RevenueSnapshot{}, err
	}
	var snap models.RevenueSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.RevenueSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// GetSession returns the archived session row.
func (r *Repository) GetSession(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	const q = `SELECT id, owner_id, state, scheduled_for, started_at, ended_at, revision, created_at
		FROM live_sessions WHERE id = $1`
	var (
		s        models.Session
		state    string
		revision int64
	)
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&s.ID, &s.OwnerID, &state, &s.ScheduledFor, &s.StartedAt, &s.EndedAt, &revision, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("archived session %s: %w", sessionID, models.ErrNotFound)
		}
		return models.Session{}, err
	}
	s.State = models.SessionState(state)
	s.Revision = uint64(revision)
	return s, nil
}

// GetTranscriptKey returns the object key of a session's uploaded transcript.
func (r *Repository) GetTranscriptKey(ctx context.Context, sessionID uuid.UUID) (string, error) {
	const q = `SELECT transcript_key FROM live_sessions WHERE id = $1`
	var key *string
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("archived session %s: %w", sessionID, models.ErrNotFound)
		}
		return "", err
	}
	if key == nil || *key == "" {
		return "", fmt.Errorf("transcript for %s: %w", sessionID, models.ErrNotFound)
	}
	return *key, nil
}
