package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

type mockStore struct {
	mu       sync.Mutex
	records  []Record
	keys     []string
	revenues []RevenueUpdate
	saveErr  error
}

func (m *mockStore) SaveRecord(_ context.Context, rec Record, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = append(m.records, rec)
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockStore) SaveRevenue(_ context.Context, upd RevenueUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revenues = append(m.revenues, upd)
	return nil
}

type mockUploader struct {
	bucket, key, contentType string
	body                     []byte
}

func (m *mockUploader) Upload(_ context.Context, bucket, key, contentType string, body io.Reader, _ int64, _ bool) (string, error) {
	m.bucket, m.key, m.contentType = bucket, key, contentType
	b, err := io.ReadAll(body)
	m.body = b
	return "https://example/" + key, err
}

type mockQueue struct {
	mu       sync.Mutex
	pending  []*queue.Job
	retried  []*queue.Job
	enqueued []queue.JobType
	err      error
}

func (m *mockQueue) Enqueue(_ context.Context, jobType queue.JobType, payload any) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.enqueued = append(m.enqueued, jobType)
	m.pending = append(m.pending, &queue.Job{ID: id, Type: jobType, Payload: body})
	return id, nil
}

func (m *mockQueue) Dequeue(ctx context.Context, _ time.Duration) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ctx.Err()
	}
	j := m.pending[0]
	m.pending = m.pending[1:]
	return j, nil
}

func (m *mockQueue) Retry(_ context.Context, job *queue.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Attempt++
	m.retried = append(m.retried, job)
	return job.Attempt >= queue.MaxRetries, nil
}

func testRecord() Record {
	id := uuid.New()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	return Record{
		Session: models.Session{ID: id, OwnerID: uuid.New(), State: models.SessionEnded, Revision: 3, CreatedAt: now},
		Transcript: []models.ChatMessage{
			{ID: uuid.New(), SessionID: id, Sequence: 1, AuthorID: uuid.New(), Body: "hi", Moderation: models.ModerationVisible, CreatedAt: now},
		},
		Reactions:  models.ReactionTally{models.ReactionClap: 4},
		Revenue:    models.RevenueSnapshot{SessionID: id, Finalized: true},
		ArchivedAt: now,
	}
}

func TestEnqueuer_ArchiveSession(t *testing.T) {
	q := &mockQueue{}
	e := NewEnqueuer(q, nil)

	require.NoError(t, e.ArchiveSession(context.Background(), testRecord()))
	require.NoError(t, e.UpdateRevenue(context.Background(), models.RevenueSnapshot{}, models.MonetaryEvent{}))

	assert.Equal(t, []queue.JobType{queue.JobTypeArchiveSession, queue.JobTypeRevenueUpdate}, q.enqueued)
}

func TestEnqueuer_PropagatesQueueErrors(t *testing.T) {
	e := NewEnqueuer(&mockQueue{err: errors.New("redis down")}, nil)
	err := e.ArchiveSession(context.Background(), testRecord())
	assert.ErrorContains(t, err, "redis down")
}

func TestProcessor_ArchiveUploadsTranscript(t *testing.T) {
	store, up, q := &mockStore{}, &mockUploader{}, &mockQueue{}
	rec := testRecord()
	_, err := q.Enqueue(context.Background(), queue.JobTypeArchiveSession, rec)
	require.NoError(t, err)
	job, _ := q.Dequeue(context.Background(), 0)

	p := NewProcessor(store, up, "transcripts-bucket", q, nil)
	require.NoError(t, p.Process(context.Background(), job))

	assert.Equal(t, "transcripts-bucket", up.bucket)
	assert.Equal(t, "transcripts/"+rec.Session.ID.String()+".json", up.key)
	assert.Equal(t, "application/json", up.contentType)
	var transcript []models.ChatMessage
	require.NoError(t, json.Unmarshal(up.body, &transcript))
	require.Len(t, transcript, 1)
	assert.Equal(t, "hi", transcript[0].Body)

	require.Len(t, store.records, 1)
	assert.Equal(t, rec.Session.ID, store.records[0].Session.ID)
	assert.Equal(t, up.key, store.keys[0])
}

func TestProcessor_WithoutUploader(t *testing.T) {
	store, q := &mockStore{}, &mockQueue{}
	_, err := q.Enqueue(context.Background(), queue.JobTypeArchiveSession, testRecord())
	require.NoError(t, err)
	job, _ := q.Dequeue(context.Background(), 0)

	p := NewProcessor(store, nil, "", q, nil)
	require.NoError(t, p.Process(context.Background(), job))
	assert.Equal(t, []string{""}, store.keys)
}

func TestProcessor_RevenueUpdate(t *testing.T) {
	store, q := &mockStore{}, &mockQueue{}
	snap := models.RevenueSnapshot{SessionID: uuid.New(), Finalized: true}
	_, err := q.Enqueue(context.Background(), queue.JobTypeRevenueUpdate, RevenueUpdate{Snapshot: snap, Event: models.MonetaryEvent{PaymentRef: "pay_1"}})
	require.NoError(t, err)
	job, _ := q.Dequeue(context.Background(), 0)

	p := NewProcessor(store, nil, "", q, nil)
	require.NoError(t, p.Process(context.Background(), job))
	require.Len(t, store.revenues, 1)
	assert.Equal(t, "pay_1", store.revenues[0].Event.PaymentRef)
	assert.Equal(t, snap.SessionID, jobSessionID(job))
}

func TestProcessor_UnknownJobType(t *testing.T) {
	p := NewProcessor(&mockStore{}, nil, "", &mockQueue{}, nil)
	err := p.Process(context.Background(), &queue.Job{Type: "bogus"})
	assert.ErrorContains(t, err, "unknown job type")
}

func TestProcessor_RunRetriesFailures(t *testing.T) {
	store := &mockStore{saveErr: errors.New("db unavailable")}
	q := &mockQueue{}
	_, err := q.Enqueue(context.Background(), queue.JobTypeArchiveSession, testRecord())
	require.NoError(t, err)

	p := NewProcessor(store, nil, "", q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.retried) == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

type countingRevenueStore struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (s *countingRevenueStore) GetRevenue(_ context.Context, id uuid.UUID) (models.RevenueSnapshot, error) {
	s.calls.Add(1)
	<-s.gate
	return models.RevenueSnapshot{SessionID: id, Finalized: true}, nil
}

func TestRevenueReader_CollapsesConcurrentReads(t *testing.T) {
	store := &countingRevenueStore{gate: make(chan struct{})}
	r := NewRevenueReader(store)
	id := uuid.New()

	var wg sync.WaitGroup
	results := make([]models.RevenueSnapshot, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := r.Revenue(context.Background(), id)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	assert.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for _, snap := range results {
		assert.Equal(t, id, snap.SessionID)
	}
}

type keyStore map[uuid.UUID]string

func (s keyStore) GetTranscriptKey(_ context.Context, id uuid.UUID) (string, error) {
	key, ok := s[id]
	if !ok {
		return "", models.ErrNotFound
	}
	return key, nil
}

type fakePresigner struct {
	bucket, key string
	expires     time.Duration
}

func (p *fakePresigner) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	p.bucket, p.key, p.expires = bucket, key, expires
	return "https://signed.example/" + key, nil
}

func TestTranscriptLinker(t *testing.T) {
	id := uuid.New()
	presigner := &fakePresigner{}
	l := NewTranscriptLinker(keyStore{id: "transcripts/" + id.String() + ".json"}, presigner, "live-archive", 15*time.Minute)

	url, err := l.TranscriptURL(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/transcripts/"+id.String()+".json", url)
	assert.Equal(t, "live-archive", presigner.bucket)
	assert.Equal(t, 15*time.Minute, presigner.expires)

	_, err = l.TranscriptURL(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
