// Package ws provides the WebSocket transport: it turns an upgraded
// connection into the abstract session channel the presence layer speaks.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Per-channel outbound buffer. A session that cannot drain this many
	// pending events is torn down rather than allowed to block others.
	sendBuffer = 256
)

// channel adapts one WebSocket connection to hub.Channel. Sends enqueue
// into a buffered queue drained by the write pump; enqueueing never blocks.
type channel struct {
	conn *websocket.Conn
	send chan protocol.Message

	mu     sync.Mutex
	closed bool
}

func newChannel(conn *websocket.Conn) *channel {
	return &channel{
		conn: conn,
		send: make(chan protocol.Message, sendBuffer),
	}
}

func (c *channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.ErrChannelClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		// Buffer full: the peer is not draining. Drop the channel.
		c.closeLocked()
		return model.ErrChannelClosed
	}
}

func (c *channel) Transport() string { return "websocket" }

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send queue onto the wire, one frame per message,
// and keeps the transport-level ping/pong alive.
func (c *channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
