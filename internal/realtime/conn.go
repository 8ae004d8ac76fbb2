package realtime

import (
	"encoding/json"
	"log"
	"time"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one WebSocket connection of an authenticated user
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	user model.User
	send chan []byte

	// guarded by hub.mu
	rooms  map[uuid.UUID]bool
	closed bool
}

// User returns the authenticated user behind the connection
func (c *Conn) User() model.User { return c.user }

// enqueue queues a frame without blocking; a full buffer drops the frame. Caller holds hub.mu.
func (c *Conn) enqueue(frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("Send buffer full, dropping frame: user=%s", c.user.ID)
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregisterConn(c)
		c.ws.Close()
	}()

	opts := c.hub.opts
	c.ws.SetReadLimit(opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Error unmarshaling WebSocket message: %v", err)
			c.hub.replyError(c, "bad_request", "malformed event")
			continue
		}

		// sender is always the authenticated user
		env.Sender = c.user.ID.String()

		if !c.hub.dispatchInbound(c, env) {
			return
		}
	}
}

func (c *Conn) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// hub closed the channel
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
