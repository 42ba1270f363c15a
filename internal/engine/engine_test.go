package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/archive"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/models/modelstest"
)

type mockArchiver struct {
	mu       sync.Mutex
	records  []archive.Record
	revenues []models.RevenueSnapshot
	err      error
}

func (m *mockArchiver) ArchiveSession(_ context.Context, rec archive.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *mockArchiver) UpdateRevenue(_ context.Context, snap models.RevenueSnapshot, _ models.MonetaryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revenues = append(m.revenues, snap)
	return m.err
}

type mockArchiveReader struct {
	snap models.RevenueSnapshot
}

func (m *mockArchiveReader) Revenue(_ context.Context, id uuid.UUID) (models.RevenueSnapshot, error) {
	if m.snap.SessionID != id {
		return models.RevenueSnapshot{}, models.ErrNotFound
	}
	return m.snap, nil
}

type testEngine struct {
	*Engine
	clock    *clockwork.FakeClock
	sink     *modelstest.RecordingSink
	archiver *mockArchiver
	reader   *mockArchiveReader
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		clock:    clockwork.NewFakeClock(),
		sink:     &modelstest.RecordingSink{},
		archiver: &mockArchiver{},
		reader:   &mockArchiveReader{},
	}
	cfg := Config{Retention: time.Hour}
	cfg.Presence.HeartbeatTimeout = 30 * time.Second
	te.Engine = New(cfg, te.sink, te.archiver, te.reader, te.clock, nil)
	return te
}

func (te *testEngine) liveSession(t *testing.T) uuid.UUID {
	t.Helper()
	s, err := te.Schedule(uuid.New(), time.Time{})
	require.NoError(t, err)
	_, err = te.Start(s.ID)
	require.NoError(t, err)
	return s.ID
}

func TestEngine_ChatBeforeAndAfterStart(t *testing.T) {
	te := newTestEngine(t)
	s, err := te.Schedule(uuid.New(), te.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = te.SendChat(s.ID, uuid.New(), "too early")
	require.ErrorIs(t, err, models.ErrSessionClosed)

	_, err = te.Start(s.ID)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []uint64
	)
	for _, body := range []string{"hi", "yo", "gm"} {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			m, err := te.SendChat(s.ID, uuid.New(), body)
			if assert.NoError(t, err) {
				mu.Lock()
				seqs = append(seqs, m.Sequence)
				mu.Unlock()
			}
		}(body)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestEngine_SingleChoiceVoteReplacement(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)
	p, err := te.OpenPoll(session, "Next topic?", []string{"O1", "O2"}, false)
	require.NoError(t, err)
	v1 := uuid.New()

	_, err = te.Vote(p.ID, v1, p.Options[0].ID)
	require.NoError(t, err)
	tally, err := te.Vote(p.ID, v1, p.Options[1].ID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), tally.Counts[p.Options[0].ID])
	assert.Equal(t, int64(1), tally.Counts[p.Options[1].ID])
}

func TestEngine_DuplicateConfirmCountsOnce(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)

	ev, err := te.InitiatePayment(session, uuid.New(), models.KindDonation, 500, "USD", "")
	require.NoError(t, err)
	_, err = te.ConfirmPayment(ev.PaymentRef)
	require.NoError(t, err)
	_, err = te.ConfirmPayment(ev.PaymentRef)
	require.NoError(t, err)

	snap, err := te.Revenue(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, int64(500), snap.TotalByKind("USD", models.KindDonation))
}

func TestEngine_ConcurrentJoinLeaveReturnsToZero(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)

	var wg sync.WaitGroup
	for range 500 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := uuid.New()
			assert.NoError(t, te.Join(session, v))
			te.Leave(session, v)
		}()
	}
	wg.Wait()

	vc, err := te.ViewerCount(session)
	require.NoError(t, err)
	assert.Equal(t, int64(0), vc.Count)
	assert.Positive(t, vc.Peak)
}

func TestEngine_EndArchivesEverything(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)
	viewer := uuid.New()

	require.NoError(t, te.Join(session, viewer))
	_, err := te.SendChat(session, viewer, "bye all")
	require.NoError(t, err)
	_, err = te.React(session, viewer, models.ReactionClap)
	require.NoError(t, err)
	p, err := te.OpenPoll(session, "Rate it", []string{"good", "great"}, false)
	require.NoError(t, err)
	_, err = te.Vote(p.ID, viewer, p.Options[1].ID)
	require.NoError(t, err)
	paid, err := te.InitiatePayment(session, viewer, models.KindSubscription, 499, "USD", "")
	require.NoError(t, err)
	_, err = te.ConfirmPayment(paid.PaymentRef)
	require.NoError(t, err)
	pending, err := te.InitiatePayment(session, viewer, models.KindDonation, 1000, "USD", "")
	require.NoError(t, err)

	ended, err := te.End(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, ended.State)

	require.Len(t, te.archiver.records, 1)
	rec := te.archiver.records[0]
	assert.Equal(t, session, rec.Session.ID)
	assert.Equal(t, int64(1), rec.PeakViewers)
	require.Len(t, rec.Transcript, 1)
	assert.Equal(t, int64(1), rec.Reactions[models.ReactionClap])
	require.Len(t, rec.Polls, 1)
	assert.Equal(t, models.PollClosed, rec.Polls[0].Poll.State)
	assert.Equal(t, int64(1), rec.Polls[0].Tally.Counts[p.Options[1].ID])
	assert.True(t, rec.Revenue.Finalized)
	assert.Equal(t, int64(499), rec.Revenue.Total("USD"))
	assert.Len(t, rec.Events, 2)

	vc, err := te.ViewerCount(session)
	require.NoError(t, err)
	assert.Equal(t, int64(0), vc.Count)

	for _, err := range []error{
		te.Join(session, uuid.New()),
		func() error { _, err := te.SendChat(session, viewer, "hello?"); return err }(),
		func() error { _, err := te.React(session, viewer, models.ReactionLike); return err }(),
		func() error { _, err := te.InitiatePayment(session, viewer, models.KindDonation, 1, "USD", ""); return err }(),
	} {
		assert.ErrorIs(t, err, models.ErrSessionClosed)
	}
	_, err = te.Vote(p.ID, uuid.New(), p.Options[0].ID)
	assert.ErrorIs(t, err, models.ErrPollClosed)

	// Late confirmation updates the archive but not viewers.
	te.sink.Reset()
	_, err = te.ConfirmPayment(pending.PaymentRef)
	require.NoError(t, err)
	assert.Empty(t, te.sink.OfKind(models.UpdateRevenueSnapshot, session))
	require.Len(t, te.archiver.revenues, 1)
	assert.Equal(t, int64(1499), te.archiver.revenues[0].Total("USD"))

	_, err = te.End(context.Background(), session)
	assert.ErrorIs(t, err, models.ErrSessionClosed)
	assert.Len(t, te.archiver.records, 1, "end hooks run once")
}

func TestEngine_ArchiveFailureDoesNotFailEnd(t *testing.T) {
	te := newTestEngine(t)
	te.archiver.err = errors.New("queue unavailable")
	session := te.liveSession(t)

	s, err := te.End(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, s.State)
}

func TestEngine_JanitorReleasesEndedSessions(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)
	_, err := te.SendChat(session, uuid.New(), "hello")
	require.NoError(t, err)
	pending, err := te.InitiatePayment(session, uuid.New(), models.KindDonation, 100, "USD", "")
	require.NoError(t, err)
	_, err = te.End(context.Background(), session)
	require.NoError(t, err)

	te.clock.Advance(2 * time.Hour)
	te.janitor(te.clock.Now())
	_, err = te.Session(session)
	require.NoError(t, err, "kept while a payment is still pending")

	_, err = te.FailPayment(pending.PaymentRef, "expired")
	require.NoError(t, err)
	te.janitor(te.clock.Now())

	_, err = te.Session(session)
	assert.ErrorIs(t, err, models.ErrNotFound)

	te.reader.snap = models.RevenueSnapshot{SessionID: session, Finalized: true}
	snap, err := te.Revenue(context.Background(), session)
	require.NoError(t, err)
	assert.True(t, snap.Finalized)
}

func TestEngine_DuplicateCallbackAfterRelease(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)
	ev, err := te.InitiatePayment(session, uuid.New(), models.KindDonation, 500, "USD", "")
	require.NoError(t, err)
	_, err = te.ConfirmPayment(ev.PaymentRef)
	require.NoError(t, err)
	_, err = te.End(context.Background(), session)
	require.NoError(t, err)

	te.clock.Advance(2 * time.Hour)
	te.janitor(te.clock.Now())
	_, err = te.Session(session)
	require.ErrorIs(t, err, models.ErrNotFound, "session released")

	again, err := te.ConfirmPayment(ev.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, models.MonetaryConfirmed, again.State)
	assert.Equal(t, session, again.SessionID)
	assert.Empty(t, te.archiver.revenues, "duplicate does not re-persist")

	_, err = te.FailPayment(ev.PaymentRef, "chargeback")
	assert.ErrorIs(t, err, models.ErrInvalidEventState)

	te.clock.Advance(73 * time.Hour)
	te.janitor(te.clock.Now())
	_, err = te.ConfirmPayment(ev.PaymentRef)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngine_MuteRequiresKnownSession(t *testing.T) {
	te := newTestEngine(t)
	assert.ErrorIs(t, te.Mute(uuid.New(), uuid.New()), models.ErrNotFound)

	session := te.liveSession(t)
	author := uuid.New()
	require.NoError(t, te.Mute(session, author))
	_, err := te.SendChat(session, author, "hi")
	assert.ErrorIs(t, err, models.ErrMuted)
	require.NoError(t, te.Unmute(session, author))
	_, err = te.SendChat(session, author, "hi")
	assert.NoError(t, err)
}

func TestEngine_RunBroadcastsRevenueAndSweeps(t *testing.T) {
	te := newTestEngine(t)
	session := te.liveSession(t)
	require.NoError(t, te.Join(session, uuid.New()))
	te.sink.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		te.Run(ctx)
		close(done)
	}()
	require.NoError(t, te.clock.BlockUntilContext(ctx, 4))

	te.clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		return len(te.sink.OfKind(models.UpdateRevenueSnapshot, session)) > 0 && te.presence.CurrentCount(session) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
