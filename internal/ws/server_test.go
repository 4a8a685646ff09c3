package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/hub"
	"github.com/presence-hub/backend/internal/liveness"
	"github.com/presence-hub/backend/internal/presence"
	"github.com/presence-hub/backend/internal/protocol"
	"github.com/presence-hub/backend/internal/registry"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Store) {
	t.Helper()
	store := registry.NewStore()
	broadcaster := hub.NewBroadcaster(zerolog.Nop())
	monitor := liveness.NewMonitor(store, 10*time.Second, 3, zerolog.Nop())
	handler := presence.NewHandler(store, broadcaster, monitor, nil, presence.Observers{}, zerolog.Nop())
	server := NewServer(handler, zerolog.Nop())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.HandleConnection(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, store
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestConnectDeliversGreeting(t *testing.T) {
	ts, store := newTestServer(t)

	conn := dial(t, ts, "clientName=alice")
	msg := readEvent(t, conn, protocol.MsgConnected)

	var p protocol.ConnectedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if p.ConnectionID == "" {
		t.Error("greeting is missing the connection id")
	}
	if p.HeartbeatIntervalMs != 10000 {
		t.Errorf("heartbeatIntervalMs = %d, want 10000", p.HeartbeatIntervalMs)
	}

	sess, ok := store.Get(p.ConnectionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.DisplayName != "alice" {
		t.Errorf("display name = %q, want alice", sess.DisplayName)
	}
	if sess.Transport != "websocket" {
		t.Errorf("transport = %q, want websocket", sess.Transport)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts, "")
	readEvent(t, conn, protocol.MsgConnected)

	sent := time.Now().UnixMilli()
	hb := protocol.NewMessage(protocol.MsgHeartbeat, protocol.HeartbeatRequest{ClientTimestampMs: sent})
	if err := conn.WriteJSON(hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	msg := readEvent(t, conn, protocol.MsgHeartbeatResponse)
	var p protocol.HeartbeatResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode heartbeat response: %v", err)
	}
	if p.ClientTimestampMs != sent {
		t.Errorf("echoed timestamp = %d, want %d", p.ClientTimestampMs, sent)
	}
	if p.ServerTimestampMs == 0 {
		t.Error("server timestamp missing")
	}
}

func TestJoinAnnouncedToOthers(t *testing.T) {
	ts, _ := newTestServer(t)

	first := dial(t, ts, "clientName=first")
	readEvent(t, first, protocol.MsgConnected)

	second := dial(t, ts, "clientName=second")
	readEvent(t, second, protocol.MsgConnected)

	msg := readEvent(t, first, protocol.MsgClientJoined)
	var p protocol.ClientJoinedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode join event: %v", err)
	}
	if p.ClientName != "second" {
		t.Errorf("joined client = %q, want second", p.ClientName)
	}
	if p.TotalClients != 2 {
		t.Errorf("totalClients = %d, want 2", p.TotalClients)
	}
}

func TestDisconnectAnnouncedAndDeregistered(t *testing.T) {
	ts, store := newTestServer(t)

	first := dial(t, ts, "clientName=first")
	readEvent(t, first, protocol.MsgConnected)

	second := dial(t, ts, "clientName=second")
	greeting := readEvent(t, second, protocol.MsgConnected)
	var cp protocol.ConnectedPayload
	if err := json.Unmarshal(greeting.Payload, &cp); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	readEvent(t, first, protocol.MsgClientJoined)

	second.Close()

	msg := readEvent(t, first, protocol.MsgClientLeft)
	var p protocol.ClientLeftPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("decode leave event: %v", err)
	}
	if p.ClientName != "second" {
		t.Errorf("departed client = %q, want second", p.ClientName)
	}

	if _, ok := store.Get(cp.ConnectionID); ok {
		t.Error("session still registered after disconnect")
	}
}

func TestReconnectResumesSession(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts, "clientName=alice")
	greeting := readEvent(t, conn, protocol.MsgConnected)
	var cp protocol.ConnectedPayload
	if err := json.Unmarshal(greeting.Payload, &cp); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}

	resumed := dial(t, ts, "connectionId="+cp.ConnectionID)
	msg := readEvent(t, resumed, protocol.MsgReconnected)
	var rp protocol.ReconnectedPayload
	if err := json.Unmarshal(msg.Payload, &rp); err != nil {
		t.Fatalf("decode reconnected event: %v", err)
	}
	if rp.ConnectionID != cp.ConnectionID {
		t.Errorf("resumed id = %q, want %q", rp.ConnectionID, cp.ConnectionID)
	}
}
