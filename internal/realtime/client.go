package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS layer in front of the API
	},
}

// Inbound viewer events.
const (
	EventHeartbeat   = "heartbeat"
	EventChatMessage = "chat_message"
	EventReact       = "react"
	EventVote        = "vote"
	EventError       = "error"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is sent to a single client when one of its actions is rejected.
type ErrorPayload struct {
	Event        string `json:"event"`
	Status       int    `json:"status"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Engine is the subset of the live engine a viewer connection drives.
type Engine interface {
	Join(sessionID, viewerID uuid.UUID) error
	Heartbeat(sessionID, viewerID uuid.UUID) error
	Leave(sessionID, viewerID uuid.UUID)
	SendChat(sessionID, authorID uuid.UUID, body string) (models.ChatMessage, error)
	React(sessionID, viewerID uuid.UUID, kind models.ReactionKind) (models.ReactionTally, error)
	Poll(pollID uuid.UUID) (models.Poll, error)
	Vote(pollID, viewerID, optionID uuid.UUID) (models.PollTally, error)
}

// TokenValidator resolves a bearer token to a user id and role.
type TokenValidator func(token string) (userID, role string, err error)

// Client represents a single viewer WebSocket connection in a session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	ViewerID  uuid.UUID
	Role      string
	hub       *Hub
	engine    Engine
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. Opening the
// connection joins the session; closing the viewer's last connection leaves.
func ServeWs(hub *Hub, engine Engine, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			response.BadRequest(c, "session_id and token required")
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		userIDStr, role, err := validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		viewerID, err := uuid.Parse(userIDStr)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		if err := engine.Join(sessionID, viewerID); err != nil {
			response.Error(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			if hub.ViewerConnections(sessionID, viewerID) == 0 {
				engine.Leave(sessionID, viewerID)
			}
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			ViewerID:  viewerID,
			Role:      role,
			hub:       hub,
			engine:    engine,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			logger:    logger.With(zap.String("session_id", sessionID.String()), zap.String("viewer_id", viewerID.String())),
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		// the viewer stays present while another tab is still connected
		if c.hub.Unregister(c) == 0 {
			c.engine.Leave(c.SessionID, c.ViewerID)
		}
		// writePump drains what is queued, sends the close frame and closes the conn
		close(c.send)
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return c.engine.Heartbeat(c.SessionID, c.ViewerID)
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if err := c.handle(msg); err != nil {
			c.reject(msg.Event, err)
			if errors.Is(err, models.ErrSessionClosed) {
				return
			}
		}
	}
}

func (c *Client) handle(msg WSMessage) error {
	switch msg.Event {
	case EventHeartbeat:
		return c.engine.Heartbeat(c.SessionID, c.ViewerID)
	case EventChatMessage:
		var payload struct {
			Body string `json:"body"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return models.ErrInvalidArgument
		}
		_, err := c.engine.SendChat(c.SessionID, c.ViewerID, payload.Body)
		return err
	case EventReact:
		var payload struct {
			Kind models.ReactionKind `json:"kind"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return models.ErrInvalidArgument
		}
		_, err := c.engine.React(c.SessionID, c.ViewerID, payload.Kind)
		return err
	case EventVote:
		var payload struct {
			PollID   uuid.UUID `json:"poll_id"`
			OptionID uuid.UUID `json:"option_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return models.ErrInvalidArgument
		}
		p, err := c.engine.Poll(payload.PollID)
		if err != nil {
			return err
		}
		if p.SessionID != c.SessionID {
			return models.ErrNotFound
		}
		_, err = c.engine.Vote(payload.PollID, c.ViewerID, payload.OptionID)
		return err
	default:
		// ignore
		return nil
	}
}

func (c *Client) reject(event string, err error) {
	status, message := response.Classify(err)
	p := ErrorPayload{Event: event, Status: status, Message: message}
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		p.RetryAfterMs = rl.RetryAfter.Milliseconds()
	}
	if status >= http.StatusInternalServerError {
		c.logger.Error("viewer action failed", zap.String("event", event), zap.Error(err))
	}
	c.hub.SendToClient(c.SessionID, c.ID, EventError, p)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
