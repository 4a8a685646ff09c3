package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
)

// LongpollTransport speaks the HTTP long-poll endpoints. It is the
// fallback for environments where a websocket cannot be established.
type LongpollTransport struct {
	// Client defaults to http.DefaultClient. The poll request itself
	// carries no client-side timeout: the server bounds the wait.
	Client *http.Client
}

func (LongpollTransport) Name() string { return "longpoll" }

func (t LongpollTransport) Open(ctx context.Context, serverURL string, req protocol.ConnectRequest, priorID string, h Handlers) (Conn, error) {
	httpc := t.Client
	if httpc == nil {
		httpc = http.DefaultClient
	}

	connectURL, err := endpoint(serverURL, "/api/longpoll/connect", priorID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal connect request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, connectURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("long-poll connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("long-poll connect: status %d", resp.StatusCode)
	}
	var connected struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connected); err != nil {
		return nil, fmt.Errorf("decode connect response: %w", err)
	}
	if connected.ConnectionID == "" {
		return nil, fmt.Errorf("long-poll connect: empty connection id")
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	lc := &lpConn{
		httpc:      httpc,
		serverURL:  serverURL,
		id:         connected.ConnectionID,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		done:       make(chan struct{}),
	}
	go lc.pollLoop(h)
	return lc, nil
}

type lpConn struct {
	httpc     *http.Client
	serverURL string
	id        string

	// pollCtx is cancelled on Close so an in-flight poll request does
	// not park the loop for the server's full long-poll wait.
	pollCtx    context.Context
	pollCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	done     chan struct{}
}

func (c *lpConn) pollLoop(h Handlers) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		events, err := c.pollOnce()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			c.stopOnce.Do(func() { close(c.done) })
			c.pollCancel()
			if !wasClosed && h.OnClose != nil {
				h.OnClose(err)
			}
			return
		}
		for _, msg := range events {
			select {
			case <-c.done:
				return
			default:
			}
			if h.OnEvent != nil {
				h.OnEvent(msg)
			}
		}
	}
}

func (c *lpConn) pollOnce() ([]protocol.Message, error) {
	pollURL, err := endpoint(c.serverURL, "/api/longpoll/events", c.id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(c.pollCtx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("long-poll events: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, model.ErrSessionNotFound
	default:
		return nil, fmt.Errorf("long-poll events: status %d", resp.StatusCode)
	}
	var events []protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

func (c *lpConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return model.ErrChannelClosed
	}

	sendURL, err := endpoint(c.serverURL, "/api/longpoll/send", c.id)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	resp, err := c.httpc.Post(sendURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("long-poll send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return model.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("long-poll send: status %d", resp.StatusCode)
	}
	return nil
}

func (c *lpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.done) })
	c.pollCancel()

	disconnectURL, err := endpoint(c.serverURL, "/api/longpoll/disconnect", c.id)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Post(disconnectURL, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func endpoint(serverURL, path, connectionID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	u.Path = path
	if connectionID != "" {
		q := u.Query()
		q.Set("connectionId", connectionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
