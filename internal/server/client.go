package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codebox-cloud/codebox/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client represents one WebSocket connection bound to a user and a
// sandbox. The identity triple is fixed at handshake time; handlers
// never trust identity fields inside event payloads.
type Client struct {
	ID        string
	UserID    string
	SandboxID string
	IsOwner   bool

	hub    *Hub
	conn   *websocket.Conn
	send   chan *Message
	router *Router
	log    *logger.Logger

	// denied marks a viewer whose owner is not connected. Every event
	// from a denied client is answered with disableAccess.
	denied atomic.Bool

	// sendMu guards send against close: Send may be called from the
	// ensure goroutine or a terminal stream after the hub unregistered
	// the client.
	sendMu     sync.RWMutex
	sendClosed bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, router *Router, userID, sandboxID string, isOwner bool) *Client {
	return &Client{
		ID:        uuid.NewString(),
		UserID:    userID,
		SandboxID: sandboxID,
		IsOwner:   isOwner,
		hub:       hub,
		conn:      conn,
		send:      make(chan *Message, 256),
		router:    router,
		log:       logger.Global().WithPrefix("client"),
	}
}

// Denied reports whether the client has been marked access-denied.
func (c *Client) Denied() bool {
	return c.denied.Load()
}

// Deny marks the client access-denied.
func (c *Client) Deny() {
	c.denied.Store(true)
}

// Send queues a message for the write pump. Messages are dropped when
// the buffer is full so a stalled peer cannot block event handling, and
// silently ignored once the client is gone.
func (c *Client) Send(msg *Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn("Client %s send channel full, dropping message", c.ID)
	}
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// ReadPump pumps events from the WebSocket connection to the router.
func (c *Client) ReadPump(readLimit int64) {
	defer func() {
		c.router.Disconnect(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error: %v", err)
			}
			break
		}

		var evt Event
		if err := json.Unmarshal(message, &evt); err != nil {
			c.Send(newError(0, "Malformed event."))
			continue
		}

		c.router.Dispatch(c, &evt)
	}
}

// WritePump pumps messages from the send channel to the WebSocket
// connection and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.log.Error("Failed to marshal message: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("Failed to write message: %v", err)
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
