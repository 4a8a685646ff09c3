// Package client implements the connection manager: the client-side state
// machine owning connect attempts, the heartbeat loop and reconnect
// backoff, over whichever transport the server negotiation lands on.
package client

import (
	"context"

	"github.com/presence-hub/backend/internal/protocol"
)

// Handlers are the channel callbacks. They are bound before the channel
// opens, so no event can ever arrive without a handler in place.
type Handlers struct {
	// OnEvent delivers every server event received on the channel.
	OnEvent func(msg protocol.Message)
	// OnClose fires once when the transport signals loss of the channel.
	OnClose func(err error)
}

// Conn is one open channel instance.
type Conn interface {
	Send(msg protocol.Message) error
	Close() error
}

// Transport dials one kind of channel. Open must respect ctx's deadline:
// an attempt that cannot complete in time is a handshake failure.
type Transport interface {
	Name() string
	Open(ctx context.Context, serverURL string, req protocol.ConnectRequest, priorID string, h Handlers) (Conn, error)
}
