package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
)

// WebsocketTransport dials the server's websocket endpoint.
type WebsocketTransport struct{}

func (WebsocketTransport) Name() string { return "websocket" }

func (WebsocketTransport) Open(ctx context.Context, serverURL string, req protocol.ConnectRequest, priorID string, h Handlers) (Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	if req.ClientName != "" {
		q.Set("clientName", req.ClientName)
	}
	if priorID != "" {
		q.Set("connectionId", priorID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	wc := &wsConn{conn: conn}
	go wc.readLoop(h)
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) readLoop(h Handlers) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			c.conn.Close()
			if !wasClosed && h.OnClose != nil {
				h.OnClose(err)
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(msg)
		}
	}
}

func (c *wsConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.ErrChannelClosed
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
