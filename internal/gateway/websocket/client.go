package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/logger"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// idleWait closes a connection with no client traffic (including pongs).
	idleWait = 90 * time.Second

	// pingPeriod is the server ping cadence (must be less than idleWait).
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound client messages.
	maxMessageSize = 32 * 1024

	// sendBufferSize is the per-connection outbound queue depth. Events are
	// dropped, not replayed, when a slow client falls behind.
	sendBufferSize = 256
)

// clientMessage is the inbound protocol envelope.
type clientMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	SwarmID string `json:"swarm_id,omitempty"`
}

// Client is one dashboard connection: a reader goroutine applying protocol
// messages and a writer goroutine draining the send queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu            sync.RWMutex
	authenticated bool
	uid           string
	swarms        map[string]bool
}

func newClient(conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
		swarms: make(map[string]bool),
	}
}

// eligible reports whether this connection should receive an event.
// Blackboard events require a subscription to the event's swarm.
func (c *Client) eligible(swarmScoped bool, swarmID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authenticated {
		return false
	}
	if swarmScoped {
		return c.swarms[swarmID]
	}
	return true
}

// enqueue queues an outbound frame without blocking the fanout path.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping event")
	}
}

// readPump applies inbound protocol messages until the connection drops or
// stays silent past the idle cutoff.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idleWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Type {
	case "auth":
		c.handleAuth(msg.Token)
	case "ping":
		c.sendJSON(map[string]any{"type": "pong"})
	case "subscribe":
		c.handleSubscribe(msg.SwarmID, true)
	case "unsubscribe":
		c.handleSubscribe(msg.SwarmID, false)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *Client) handleAuth(token string) {
	uid, err := c.hub.validator.Validate(token)
	if err != nil {
		c.logger.Debug("auth rejected", zap.Error(err))
		c.sendError("authentication failed")
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.uid = uid
	c.mu.Unlock()

	c.sendJSON(map[string]any{"type": "authenticated"})
	c.logger.Debug("client authenticated", zap.String("uid", uid))
}

func (c *Client) handleSubscribe(swarmID string, on bool) {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		c.sendError("not authenticated")
		return
	}
	if swarmID == "" {
		c.mu.Unlock()
		c.sendError("swarm_id is required")
		return
	}
	if on {
		c.swarms[swarmID] = true
	} else {
		delete(c.swarms, swarmID)
	}
	c.mu.Unlock()

	kind := "subscribed"
	if !on {
		kind = "unsubscribed"
	}
	c.sendJSON(map[string]any{"type": kind, "swarm_id": swarmID})
}

func (c *Client) sendJSON(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(message string) {
	c.sendJSON(map[string]any{"type": "error", "message": message})
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
