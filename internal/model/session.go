package model

import (
	"fmt"
	"time"
)

// Session represents one client's logical connection as tracked by the
// server, independent of the underlying transport instance.
type Session struct {
	ID               string    `json:"connectionId"`
	DisplayName      string    `json:"clientName"`
	Transport        string    `json:"transport"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeat"`
	MissedHeartbeats int       `json:"missedHeartbeats"`
}

// DefaultDisplayName derives the fallback human label from an id prefix.
func DefaultDisplayName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("Client %s", id)
}

// Uptime returns how long the session has been connected.
func (s *Session) Uptime() time.Duration {
	return time.Since(s.ConnectedAt)
}

// ConnectionState is the client-side view of the connection lifecycle and
// the single source of truth for consumers.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionStats is the client-side mirror of the server's view of the
// connection. Cumulative counters survive reconnects; everything else is
// reset when a new connection attempt starts.
type ConnectionStats struct {
	Transport       string        `json:"transport"`
	ConnectionID    string        `json:"connectionId"`
	ConnectedAt     time.Time     `json:"connectedAt"`
	LastHeartbeatAt time.Time     `json:"lastHeartbeatAt"`
	LastLatency     time.Duration `json:"lastLatency"`
	Reconnects      int           `json:"reconnects"`
	HeartbeatsSent  int           `json:"heartbeatsSent"`
}
