package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/engine"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/models/modelstest"
)

const webhookSecret = "whsec_test"

type fakeArchive map[uuid.UUID]models.Session

func (a fakeArchive) GetSession(_ context.Context, id uuid.UUID) (models.Session, error) {
	s, ok := a[id]
	if !ok {
		return models.Session{}, models.ErrNotFound
	}
	return s, nil
}

type fakeLinker struct{}

func (fakeLinker) TranscriptURL(_ context.Context, id uuid.UUID) (string, error) {
	return "https://signed.example/" + id.String(), nil
}

type testAPI struct {
	router  *gin.Engine
	engine  *engine.Engine
	clock   *clockwork.FakeClock
	sink    *modelstest.RecordingSink
	archive fakeArchive
	jwt     *auth.JWTService

	host      uuid.UUID
	hostToken string
}

func newTestAPI(t *testing.T, transcripts TranscriptLinker) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := &testAPI{
		clock:   clockwork.NewFakeClock(),
		sink:    &modelstest.RecordingSink{},
		archive: fakeArchive{},
		jwt:     auth.NewJWTService("test-secret", 1),
		host:    uuid.New(),
	}
	a.engine = engine.New(engine.Config{}, a.sink, nil, nil, a.clock, nil)
	a.router = gin.New()
	NewHandler(a.engine, a.archive, transcripts, nil).Register(a.router, middleware.JWT(a.jwt), webhookSecret)
	a.hostToken = a.token(t, a.host, auth.RoleHost)
	return a
}

func (a *testAPI) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	tok, err := a.jwt.Generate(userID, "", role)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) viewer(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	return id, a.token(t, id, auth.RoleViewer)
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) webhook(t *testing.T, secret string, cb PaymentCallback) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(cb)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(middleware.WebhookSecretHeader, secret)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// liveSession schedules and starts a session owned by the host.
func (a *testAPI) liveSession(t *testing.T) uuid.UUID {
	t.Helper()
	w := a.do(t, http.MethodPost, "/sessions", a.hostToken, ScheduleRequest{StartTime: a.clock.Now()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var s models.Session
	decode(t, w, &s)
	w = a.do(t, http.MethodPost, "/sessions/"+s.ID.String()+"/start", a.hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return s.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success, env.Error)
	require.NoError(t, json.Unmarshal(env.Data, into))
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t, nil)
	_, viewerToken := a.viewer(t)

	w := a.do(t, http.MethodPost, "/sessions", viewerToken, ScheduleRequest{StartTime: a.clock.Now()})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/sessions", a.hostToken, ScheduleRequest{StartTime: a.clock.Now()})
	require.Equal(t, http.StatusCreated, w.Code)
	var s models.Session
	decode(t, w, &s)
	assert.Equal(t, a.host, s.OwnerID)
	assert.Equal(t, models.SessionScheduled, s.State)
	base := "/sessions/" + s.ID.String()

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, base+"/start", viewerToken, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/start", a.hostToken, nil).Code)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, base+"/start", a.hostToken, nil).Code)

	w = a.do(t, http.MethodPost, base+"/end", a.hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &s)
	assert.Equal(t, models.SessionEnded, s.State)
	assert.Equal(t, uint64(3), s.Revision)

	w = a.do(t, http.MethodPost, base+"/chat", viewerToken, SendChatRequest{Body: "too late"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "this has ended", errorOf(t, w))
}

func TestSessionRequests_Validation(t *testing.T) {
	a := newTestAPI(t, nil)

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/sessions/"+uuid.NewString(), "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/sessions/not-a-uuid", a.hostToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/sessions/"+uuid.NewString(), a.hostToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/sessions", a.hostToken, map[string]string{}).Code)
}

func TestGetSession_FallsBackToArchive(t *testing.T) {
	a := newTestAPI(t, nil)
	archived := models.Session{ID: uuid.New(), OwnerID: a.host, State: models.SessionEnded, Revision: 3}
	a.archive[archived.ID] = archived

	w := a.do(t, http.MethodGet, "/sessions/"+archived.ID.String(), a.hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var s models.Session
	decode(t, w, &s)
	assert.Equal(t, archived.ID, s.ID)
	assert.Equal(t, models.SessionEnded, s.State)
	assert.Equal(t, uint64(3), s.Revision)
}

func TestPresence(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	base := "/sessions/" + id.String()

	_, v1 := a.viewer(t)
	_, v2 := a.viewer(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/presence/join", v1, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/presence/join", v1, nil).Code)
	w := a.do(t, http.MethodPost, base+"/presence/heartbeat", v2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var vc models.ViewerCount
	decode(t, w, &vc)
	assert.Equal(t, models.ViewerCount{Count: 2, Peak: 2}, vc)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, base+"/presence/leave", v1, nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, base+"/presence/leave", v1, nil).Code)

	w = a.do(t, http.MethodGet, base+"/viewers", v2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &vc)
	assert.Equal(t, models.ViewerCount{Count: 1, Peak: 2}, vc)
}

func TestChat_RateLimitSetsRetryAfter(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	_, v := a.viewer(t)
	path := "/sessions/" + id.String() + "/chat"

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, path, v, SendChatRequest{Body: "hi"}).Code)
	}
	w := a.do(t, http.MethodPost, path, v, SendChatRequest{Body: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))

	a.clock.Advance(10 * time.Second)
	assert.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, path, v, SendChatRequest{Body: "hi again"}).Code)
}

func TestChat_HistoryHidesModeratedMessagesFromViewers(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	_, v := a.viewer(t)
	modToken := a.token(t, uuid.New(), auth.RoleModerator)
	path := "/sessions/" + id.String() + "/chat"

	var msgs []models.ChatMessage
	for _, body := range []string{"one", "two", "three"} {
		w := a.do(t, http.MethodPost, path, v, SendChatRequest{Body: body})
		require.Equal(t, http.StatusCreated, w.Code)
		var m models.ChatMessage
		decode(t, w, &m)
		msgs = append(msgs, m)
	}

	moderate := "/chat/" + msgs[1].ID.String() + "/moderate"
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, moderate, v, ModerateRequest{Action: models.ActionDelete}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, moderate, modToken, map[string]string{"action": "burn"}).Code)
	w := a.do(t, http.MethodPost, moderate, modToken, ModerateRequest{Action: models.ActionDelete})
	require.Equal(t, http.StatusOK, w.Code)

	var page ChatPage
	decode(t, a.do(t, http.MethodGet, path, v, nil), &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, uint64(1), page.Messages[0].Sequence)
	assert.Equal(t, uint64(3), page.Messages[1].Sequence)
	assert.Equal(t, uint64(4), page.Next)

	decode(t, a.do(t, http.MethodGet, path, a.hostToken, nil), &page)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, models.ModerationDeleted, page.Messages[1].Moderation)

	decode(t, a.do(t, http.MethodGet, path+"?from=2&limit=1", a.hostToken, nil), &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, uint64(2), page.Messages[0].Sequence)
	assert.Equal(t, uint64(3), page.Next)

	decode(t, a.do(t, http.MethodGet, path+"?from=4", v, nil), &page)
	assert.Empty(t, page.Messages)
	assert.Equal(t, uint64(4), page.Next)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, path+"?from=x", v, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, path+"?limit=0", v, nil).Code)
}

func TestChat_MuteAndUnmute(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	viewerID, v := a.viewer(t)
	base := "/sessions/" + id.String()

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, base+"/mutes", v, MuteRequest{ViewerID: viewerID}).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/mutes", a.hostToken, MuteRequest{ViewerID: viewerID}).Code)

	w := a.do(t, http.MethodPost, base+"/chat", v, SendChatRequest{Body: "hello?"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, base+"/mutes/"+viewerID.String(), a.hostToken, nil).Code)
	assert.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, base+"/chat", v, SendChatRequest{Body: "hello!"}).Code)
}

func TestReactionsAndPolls(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	_, v := a.viewer(t)
	base := "/sessions/" + id.String()

	w := a.do(t, http.MethodPost, base+"/reactions", v, ReactRequest{Kind: models.ReactionClap})
	require.Equal(t, http.StatusOK, w.Code)
	var tally models.ReactionTally
	decode(t, w, &tally)
	assert.Equal(t, int64(1), tally[models.ReactionClap])
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, base+"/reactions", v, ReactRequest{Kind: "boo"}).Code)

	open := OpenPollRequest{Question: "Next topic?", Options: []string{"Go", "Rust"}}
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, base+"/polls", v, open).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, base+"/polls", a.hostToken, OpenPollRequest{Question: "?", Options: []string{"only"}}).Code)
	w = a.do(t, http.MethodPost, base+"/polls", a.hostToken, open)
	require.Equal(t, http.StatusCreated, w.Code)
	var p models.Poll
	decode(t, w, &p)

	pollPath := "/polls/" + p.ID.String()
	w = a.do(t, http.MethodPost, pollPath+"/votes", v, VoteRequest{OptionID: p.Options[0].ID})
	require.Equal(t, http.StatusOK, w.Code)
	var pt models.PollTally
	decode(t, w, &pt)
	assert.Equal(t, int64(1), pt.Counts[p.Options[0].ID])

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, pollPath+"/votes", v, VoteRequest{OptionID: uuid.New()}).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, pollPath+"/close", v, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, pollPath+"/close", a.hostToken, nil).Code)

	w = a.do(t, http.MethodPost, pollPath+"/votes", v, VoteRequest{OptionID: p.Options[1].ID})
	assert.Equal(t, http.StatusGone, w.Code)

	w = a.do(t, http.MethodGet, pollPath, v, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &p)
	assert.Equal(t, models.PollClosed, p.State)
}

func TestPayments_WebhookIdempotency(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	_, v := a.viewer(t)
	base := "/sessions/" + id.String()

	w := a.do(t, http.MethodPost, base+"/payments", v, InitiatePaymentRequest{Kind: models.KindDonation, AmountMinor: 500, Currency: "usd"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ev models.MonetaryEvent
	decode(t, w, &ev)
	assert.Equal(t, models.MonetaryPending, ev.State)
	assert.Equal(t, "USD", ev.Currency)

	cb := PaymentCallback{PaymentRef: ev.PaymentRef, Status: PaymentConfirmed}
	assert.Equal(t, http.StatusUnauthorized, a.webhook(t, "", cb).Code)
	assert.Equal(t, http.StatusUnauthorized, a.webhook(t, "wrong", cb).Code)
	assert.Equal(t, http.StatusOK, a.webhook(t, webhookSecret, cb).Code)
	assert.Equal(t, http.StatusOK, a.webhook(t, webhookSecret, cb).Code)

	w = a.webhook(t, webhookSecret, PaymentCallback{PaymentRef: ev.PaymentRef, Status: PaymentFailed, Reason: "card declined"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusNotFound, a.webhook(t, webhookSecret, PaymentCallback{PaymentRef: "pay_unknown", Status: PaymentConfirmed}).Code)

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, base+"/revenue", v, nil).Code)
	w = a.do(t, http.MethodGet, base+"/revenue", a.hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.RevenueSnapshot
	decode(t, w, &snap)
	assert.Equal(t, int64(500), snap.Total("USD"))
	assert.Equal(t, 1, snap.ConfirmedEvents)
}

func TestPayments_Validation(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	_, v := a.viewer(t)
	path := "/sessions/" + id.String() + "/payments"

	for name, req := range map[string]InitiatePaymentRequest{
		"zero amount":  {Kind: models.KindDonation, AmountMinor: 0, Currency: "USD"},
		"bad kind":     {Kind: "tip", AmountMinor: 100, Currency: "USD"},
		"bad currency": {Kind: models.KindDonation, AmountMinor: 100, Currency: "US"},
		"no highlight": {Kind: models.KindHighlightedMessage, AmountMinor: 100, Currency: "USD"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, path, v, req).Code)
		})
	}
}

func TestTranscript(t *testing.T) {
	a := newTestAPI(t, nil)
	id := a.liveSession(t)
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/sessions/"+id.String()+"/transcript", a.hostToken, nil).Code)

	a = newTestAPI(t, fakeLinker{})
	id = a.liveSession(t)
	_, v := a.viewer(t)
	path := "/sessions/" + id.String() + "/transcript"
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, path, v, nil).Code)

	w := a.do(t, http.MethodGet, path, a.hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]string
	decode(t, w, &out)
	assert.Equal(t, "https://signed.example/"+id.String(), out["url"])
}
