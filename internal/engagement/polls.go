package engagement

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

const (
	minPollOptions = 2
	maxPollOptions = 10
)

type poll struct {
	mu      sync.Mutex
	p       models.Poll
	counts  map[uuid.UUID]int64
	choices map[uuid.UUID]map[uuid.UUID]struct{} // viewer -> options
}

func (p *poll) tallyLocked() models.PollTally {
	counts := make(map[uuid.UUID]int64, len(p.counts))
	for id, n := range p.counts {
		counts[id] = n
	}
	return models.PollTally{
		PollID:    p.p.ID,
		SessionID: p.p.SessionID,
		State:     p.p.State,
		Counts:    counts,
		Voters:    int64(len(p.choices)),
	}
}

// OpenPoll creates an open poll in a live session.
func (t *Tally) OpenPoll(sessionID uuid.UUID, question string, options []string, allowMultipleChoices bool) (models.Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Poll{}, fmt.Errorf("question required: %w", models.ErrInvalidArgument)
	}
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return models.Poll{}, fmt.Errorf("poll needs %d to %d options, got %d: %w", minPollOptions, maxPollOptions, len(options), models.ErrInvalidArgument)
	}
	opts := make([]models.PollOption, 0, len(options))
	counts := make(map[uuid.UUID]int64, len(options))
	for _, label := range options {
		label = strings.TrimSpace(label)
		if label == "" {
			return models.Poll{}, fmt.Errorf("empty option label: %w", models.ErrInvalidArgument)
		}
		o := models.PollOption{ID: uuid.New(), Label: label}
		opts = append(opts, o)
		counts[o.ID] = 0
	}
	if err := t.gate.RequireLive(sessionID); err != nil {
		return models.Poll{}, err
	}

	p := &poll{
		p: models.Poll{
			ID:                   uuid.New(),
			SessionID:            sessionID,
			Question:             question,
			Options:              opts,
			State:                models.PollOpen,
			AllowMultipleChoices: allowMultipleChoices,
			CreatedAt:            t.clock.Now().UTC(),
		},
		counts:  counts,
		choices: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
	initial, def := p.tallyLocked(), p.p
	t.mu.Lock()
	if _, closed := t.closed[sessionID]; closed {
		t.mu.Unlock()
		return models.Poll{}, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionClosed)
	}
	t.polls[p.p.ID] = p
	t.bySession[sessionID] = append(t.bySession[sessionID], p.p.ID)
	t.mu.Unlock()

	t.logger.Info("poll opened",
		zap.String("session_id", sessionID.String()),
		zap.String("poll_id", initial.PollID.String()),
		zap.Int("options", len(opts)),
	)
	t.sink.Publish(models.Update{SessionID: sessionID, Kind: models.UpdatePollTally, Payload: initial, At: def.CreatedAt})
	return def, nil
}

func (t *Tally) poll(pollID uuid.UUID) (*poll, error) {
	t.mu.RLock()
	p, ok := t.polls[pollID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", pollID, models.ErrNotFound)
	}
	return p, nil
}

// Vote records a viewer's vote. In a single-choice poll a new option replaces the
// viewer's previous one; voting the same option again changes nothing.
func (t *Tally) Vote(pollID, viewerID, optionID uuid.UUID) (models.PollTally, error) {
	if viewerID == uuid.Nil {
		return models.PollTally{}, fmt.Errorf("viewer id required: %w", models.ErrInvalidArgument)
	}
	p, err := t.poll(pollID)
	if err != nil {
		return models.PollTally{}, err
	}

	p.mu.Lock()
	if p.p.State == models.PollClosed {
		p.mu.Unlock()
		metrics.PollVotesTotal.WithLabelValues("closed").Inc()
		return models.PollTally{}, fmt.Errorf("poll %s: %w", pollID, models.ErrPollClosed)
	}
	if _, ok := p.counts[optionID]; !ok {
		p.mu.Unlock()
		return models.PollTally{}, fmt.Errorf("option %s not in poll %s: %w", optionID, pollID, models.ErrInvalidArgument)
	}
	mine, voted := p.choices[viewerID]
	result := "counted"
	switch {
	case voted && hasOption(mine, optionID):
		result = "duplicate"
	case voted && !p.p.AllowMultipleChoices:
		for old := range mine {
			p.counts[old]--
			delete(mine, old)
		}
		mine[optionID] = struct{}{}
		p.counts[optionID]++
		result = "replaced"
	default:
		if !voted {
			mine = make(map[uuid.UUID]struct{}, 1)
			p.choices[viewerID] = mine
		}
		mine[optionID] = struct{}{}
		p.counts[optionID]++
	}
	tally := p.tallyLocked()
	p.mu.Unlock()

	metrics.PollVotesTotal.WithLabelValues(result).Inc()
	if result != "duplicate" {
		t.sink.Publish(models.Update{SessionID: tally.SessionID, Kind: models.UpdatePollTally, Payload: tally, At: t.clock.Now().UTC()})
	}
	return tally, nil
}

func hasOption(set map[uuid.UUID]struct{}, id uuid.UUID) bool {
	_, ok := set[id]
	return ok
}

// ClosePoll freezes the poll and returns the final tally. Closing a closed poll is a no-op.
func (t *Tally) ClosePoll(pollID uuid.UUID) (models.PollTally, error) {
	p, err := t.poll(pollID)
	if err != nil {
		return models.PollTally{}, err
	}
	tally, changed := t.closePoll(p, t.clock.Now().UTC())
	if changed {
		t.sink.Publish(models.Update{SessionID: tally.SessionID, Kind: models.UpdatePollTally, Payload: tally, At: t.clock.Now().UTC()})
	}
	return tally, nil
}

func (t *Tally) closePoll(p *poll, now time.Time) (models.PollTally, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p.State == models.PollClosed {
		return p.tallyLocked(), false
	}
	p.p.State = models.PollClosed
	p.p.ClosedAt = &now
	return p.tallyLocked(), true
}

// Poll returns a copy of the poll definition.
func (t *Tally) Poll(pollID uuid.UUID) (models.Poll, error) {
	p, err := t.poll(pollID)
	if err != nil {
		return models.Poll{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.p, nil
}

// Polls returns the session's polls in creation order.
func (t *Tally) Polls(sessionID uuid.UUID) []models.Poll {
	var out []models.Poll
	for _, p := range t.sessionPolls(sessionID) {
		p.mu.Lock()
		out = append(out, p.p)
		p.mu.Unlock()
	}
	return out
}

// Tallies returns the reaction tally and the current tally of every poll in the session.
func (t *Tally) Tallies(sessionID uuid.UUID) (models.ReactionTally, []models.PollTally) {
	var polls []models.PollTally
	for _, p := range t.sessionPolls(sessionID) {
		p.mu.Lock()
		polls = append(polls, p.tallyLocked())
		p.mu.Unlock()
	}
	return t.Reactions(sessionID), polls
}

func (t *Tally) sessionPolls(sessionID uuid.UUID) []*poll {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.bySession[sessionID]
	out := make([]*poll, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.polls[id])
	}
	return out
}

// Close closes every open poll of the session and stops counting reactions.
// Polls opened concurrently are either closed here or refused.
func (t *Tally) Close(sessionID uuid.UUID) {
	rs := t.reactionShard(sessionID, true)
	rs.mu.Lock()
	rs.closed = true
	rs.mu.Unlock()

	t.mu.Lock()
	t.closed[sessionID] = struct{}{}
	t.mu.Unlock()

	now := t.clock.Now().UTC()
	for _, p := range t.sessionPolls(sessionID) {
		if tally, changed := t.closePoll(p, now); changed {
			t.sink.Publish(models.Update{SessionID: sessionID, Kind: models.UpdatePollTally, Payload: tally, At: now})
		}
	}
}

// Drop frees the session's reactions and polls.
func (t *Tally) Drop(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.bySession[sessionID] {
		delete(t.polls, id)
	}
	delete(t.bySession, sessionID)
	delete(t.reactions, sessionID)
	delete(t.closed, sessionID)
}
