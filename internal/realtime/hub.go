package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	outboundBuffer = 4096
)

// Hub maintains session_id -> set of connections and broadcasts updates.
// It is the engine's outbound sink: Publish only enqueues, Run delivers.
// With Redis configured every update goes through pub/sub so all instances
// (this one included) broadcast it exactly once.
type Hub struct {
	// sessionID -> map[clientID]*Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	out      chan models.Update
	logger   *zap.Logger
	redis    Publisher
	redisSub Subscriber
}

// Publisher publishes to Redis for cross-instance broadcast.
type Publisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// Subscriber subscribes to session channels and invokes handler for incoming events.
type Subscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub Publisher, redisSub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		out:      make(chan models.Update, outboundBuffer),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Publish queues an update for delivery. It never blocks; when the queue is full
// the update is dropped.
func (h *Hub) Publish(u models.Update) {
	select {
	case h.out <- u:
	default:
		metrics.GatewayPublishTotal.WithLabelValues(string(u.Kind), "dropped").Inc()
		h.logger.Warn("outbound queue full, dropping update",
			zap.String("session_id", u.SessionID.String()),
			zap.String("kind", string(u.Kind)))
	}
}

// Run delivers queued updates until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.out:
			h.deliver(u)
		}
	}
}

func (h *Hub) deliver(u models.Update) {
	event := string(u.Kind)
	data, err := json.Marshal(redact(u).Payload)
	if err != nil {
		metrics.GatewayPublishTotal.WithLabelValues(event, "error").Inc()
		h.logger.Error("marshal update", zap.String("kind", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishSessionEvent(u.SessionID, event, data)
		if err == nil {
			metrics.GatewayPublishTotal.WithLabelValues(event, "ok").Inc()
			return
		}
		metrics.GatewayPublishTotal.WithLabelValues(event, "error").Inc()
		h.logger.Warn("redis publish failed, broadcasting locally",
			zap.String("session_id", u.SessionID.String()),
			zap.String("kind", event),
			zap.Error(err))
	} else {
		metrics.GatewayPublishTotal.WithLabelValues(event, "ok").Inc()
	}
	h.BroadcastToSession(u.SessionID, event, json.RawMessage(data))
}

// redact strips the body of moderated-away messages before they reach viewers.
func redact(u models.Update) models.Update {
	if u.Kind != models.UpdateChatModeration {
		return u
	}
	if msg, ok := u.Payload.(models.ChatMessage); ok && !msg.Visible() {
		msg.Body = ""
		u.Payload = msg
	}
	return u
}

// Register adds a client to a session room. Starts the Redis subscription for the session if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			sessionID := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(event string, payload []byte) {
				h.BroadcastToSession(sessionID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Error("subscribe session channel", zap.String("session_id", sessionID.String()), zap.Error(err))
			} else {
				h.subs[sessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.mu.Unlock()
	metrics.GatewayConnectedClients.Inc()
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client from a session room and returns how many
// connections the same viewer still holds in it. Cancels the Redis subscription
// when the last client leaves.
func (h *Hub) Unregister(c *Client) (viewerConns int) {
	h.mu.Lock()
	m, ok := h.sessions[c.SessionID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	if _, present := m[c.ID]; !present {
		n := countViewer(m, c.ViewerID)
		h.mu.Unlock()
		return n
	}
	delete(m, c.ID)
	viewerConns = countViewer(m, c.ViewerID)
	if len(m) == 0 {
		delete(h.sessions, c.SessionID)
		if cancel, ok := h.subs[c.SessionID]; ok {
			cancel()
			delete(h.subs, c.SessionID)
		}
	}
	h.mu.Unlock()
	metrics.GatewayConnectedClients.Dec()
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
	return viewerConns
}

// ViewerConnections returns how many connections a viewer holds in a session on this instance.
func (h *Hub) ViewerConnections(sessionID, viewerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return countViewer(h.sessions[sessionID], viewerID)
}

func countViewer(room map[string]*Client, viewerID uuid.UUID) int {
	n := 0
	for _, c := range room {
		if c.ViewerID == viewerID {
			n++
		}
	}
	return n
}

// BroadcastToSession sends a message to all clients of a session on this instance.
func (h *Hub) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[sessionID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// ClientCount returns the number of connections for a session on this instance.
func (h *Hub) ClientCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// SendToClient sends a message to a single client of a session.
func (h *Hub) SendToClient(sessionID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessions[sessionID][clientID]
	if !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
