package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Inbound messages are small session filter commands.
	maxMessageSize = 4096
)

// controlMessage is what clients send upstream. The stream itself is
// one-way; the only inbound traffic is session filtering.
type controlMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// Client is a single WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Session filters. Guarded by the hub mutex.
	sessions map[string]bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		sessions: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether a frame for the given session should reach this
// client. Clients without filters get everything; unscoped frames (health,
// system) always pass. Caller holds the hub mutex.
func (c *Client) wants(sessionID string) bool {
	if len(c.sessions) == 0 || sessionID == "" {
		return true
	}
	return c.sessions[sessionID]
}

func (c *Client) addSession(sessionID string)    { c.sessions[sessionID] = true }
func (c *Client) removeSession(sessionID string) { delete(c.sessions, sessionID) }

// ReadPump consumes session filter commands until the peer disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendAck("error", "", "invalid message format")
			continue
		}
		c.handleControl(&msg)
	}
}

func (c *Client) handleControl(msg *controlMessage) {
	if msg.SessionID == "" {
		c.sendAck("error", "", "sessionId is required")
		return
	}
	switch msg.Action {
	case actionSubscribe:
		c.hub.SubscribeSession(c, msg.SessionID)
		c.sendAck("subscribed", msg.SessionID, "")
	case actionUnsubscribe:
		c.hub.UnsubscribeSession(c, msg.SessionID)
		c.sendAck("unsubscribed", msg.SessionID, "")
	default:
		c.sendAck("error", msg.SessionID, "unknown action "+msg.Action)
	}
}

// sendAck confirms a control message on the same connection the event
// frames use. Acks share the Frame shape with reserved types.
func (c *Client) sendAck(ackType, sessionID, errMsg string) {
	data := map[string]any{}
	if sessionID != "" {
		data["sessionId"] = sessionID
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	frame, err := json.Marshal(Frame{
		Type:      "gateway." + ackType,
		Source:    "gateway",
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		c.logger.Error("failed to marshal ack frame", zap.Error(err))
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump streams frames to the peer and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
