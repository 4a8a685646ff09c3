package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/hub"
	"github.com/presence-hub/backend/internal/liveness"
	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
	"github.com/presence-hub/backend/internal/registry"
)

// fakeChannel records everything sent to it, standing in for a transport.
type fakeChannel struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (c *fakeChannel) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.ErrChannelClosed
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Transport() string { return "websocket" }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lastOfType returns the most recent message of the given type, if any.
func (c *fakeChannel) lastOfType(t protocol.MessageType) (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == t {
			return c.msgs[i], true
		}
	}
	return protocol.Message{}, false
}

func (c *fakeChannel) countOfType(t protocol.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *registry.Store
	monitor *liveness.Monitor
	handler *Handler
}

func newFixture(t *testing.T, observers Observers) *fixture {
	t.Helper()
	store := registry.NewStore()
	monitor := liveness.NewMonitor(store, 10*time.Second, 3, zerolog.Nop())
	broadcaster := hub.NewBroadcaster(zerolog.Nop())
	handler := NewHandler(store, broadcaster, monitor, nil, observers, zerolog.Nop())
	return &fixture{store: store, monitor: monitor, handler: handler}
}

func decode[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("failed to decode %s payload: %v", msg.Type, err)
	}
	return payload
}

func TestConnectGreetsCallerAndAnnouncesJoin(t *testing.T) {
	f := newFixture(t, Observers{})

	first := &fakeChannel{}
	if _, err := f.handler.Connect(first, protocol.ConnectRequest{Transport: "websocket"}); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}

	second := &fakeChannel{}
	sess, err := f.handler.Connect(second, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if sess.DisplayName != "A" {
		t.Errorf("display name = %q, want A", sess.DisplayName)
	}

	msg, ok := second.lastOfType(protocol.MsgConnected)
	if !ok {
		t.Fatal("caller did not receive onConnected")
	}
	connected := decode[protocol.ConnectedPayload](t, msg)
	if connected.ConnectionID == "" {
		t.Error("onConnected carries an empty connectionId")
	}
	if connected.HeartbeatIntervalMs != 10000 {
		t.Errorf("heartbeatIntervalMs = %d, want 10000", connected.HeartbeatIntervalMs)
	}

	joinMsg, ok := first.lastOfType(protocol.MsgClientJoined)
	if !ok {
		t.Fatal("existing client did not receive onClientJoined")
	}
	joined := decode[protocol.ClientJoinedPayload](t, joinMsg)
	if joined.ClientName != "A" || joined.TotalClients != 2 {
		t.Errorf("onClientJoined = %+v", joined)
	}

	// The newcomer must not see its own join event.
	if second.countOfType(protocol.MsgClientJoined) != 0 {
		t.Error("caller received its own onClientJoined")
	}
}

func TestHeartbeatRespondsAndResetsMissed(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})

	// Build up missed heartbeats first.
	base := time.Now()
	f.monitor.Sweep(base.Add(16 * time.Second))
	f.monitor.Sweep(base.Add(32 * time.Second))

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgHeartbeat,
		protocol.HeartbeatRequest{ClientTimestampMs: 1000}))

	msg, ok := ch.lastOfType(protocol.MsgHeartbeatResponse)
	if !ok {
		t.Fatal("no onHeartbeatResponse received")
	}
	resp := decode[protocol.HeartbeatResponsePayload](t, msg)
	if resp.ClientTimestampMs != 1000 {
		t.Errorf("echoed clientTimestampMs = %d, want 1000", resp.ClientTimestampMs)
	}
	if resp.ServerTimestampMs == 0 {
		t.Error("serverTimestampMs missing")
	}

	got, _ := f.store.Get(sess.ID)
	if got.MissedHeartbeats != 0 {
		t.Errorf("missed = %d after heartbeat, want 0", got.MissedHeartbeats)
	}
}

func TestHeartbeatForReapedSessionIsSilent(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})
	f.handler.Disconnect(sess.ID)

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgHeartbeat,
		protocol.HeartbeatRequest{ClientTimestampMs: 1}))

	if _, ok := f.store.Get(sess.ID); ok {
		t.Error("heartbeat resurrected a removed session")
	}
	if _, ok := ch.lastOfType(protocol.MsgHeartbeatResponse); ok {
		t.Error("reaped session received a heartbeat response")
	}
}

func TestPingEchoesSentAt(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgPing,
		protocol.PingRequest{SentAtMs: 4242}))

	msg, ok := ch.lastOfType(protocol.MsgPong)
	if !ok {
		t.Fatal("no onPong received")
	}
	pong := decode[protocol.PongPayload](t, msg)
	if pong.SentAtMs != 4242 {
		t.Errorf("echoed sentAtMs = %d, want 4242", pong.SentAtMs)
	}
}

func TestRegisterRenames(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgRegister,
		protocol.RegisterRequest{ClientName: "renamed"}))

	msg, ok := ch.lastOfType(protocol.MsgRegistered)
	if !ok {
		t.Fatal("no onRegistered received")
	}
	reg := decode[protocol.RegisteredPayload](t, msg)
	if reg.ClientName != "renamed" {
		t.Errorf("onRegistered name = %q", reg.ClientName)
	}
	got, _ := f.store.Get(sess.ID)
	if got.DisplayName != "renamed" {
		t.Errorf("store name = %q, want renamed", got.DisplayName)
	}
}

func TestSendMessageFansOutToAll(t *testing.T) {
	f := newFixture(t, Observers{})
	sender, other := &fakeChannel{}, &fakeChannel{}
	sess, _ := f.handler.Connect(sender, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})
	f.handler.Connect(other, protocol.ConnectRequest{Transport: "websocket"})

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgSendMessage,
		protocol.SendMessageRequest{Text: "hello"}))

	for name, ch := range map[string]*fakeChannel{"sender": sender, "other": other} {
		msg, ok := ch.lastOfType(protocol.MsgMessage)
		if !ok {
			t.Fatalf("%s did not receive onMessage", name)
		}
		payload := decode[protocol.MessagePayload](t, msg)
		if payload.From != "A" || payload.Text != "hello" || payload.ConnectionID != sess.ID {
			t.Errorf("%s got %+v", name, payload)
		}
	}
}

func TestListClients(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})
	f.handler.Connect(&fakeChannel{}, protocol.ConnectRequest{Transport: "longpoll", ClientName: "B"})

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgGetClients, nil))

	msg, ok := ch.lastOfType(protocol.MsgClientList)
	if !ok {
		t.Fatal("no onClientList received")
	}
	list := decode[[]protocol.ClientInfo](t, msg)
	if len(list) != 2 {
		t.Fatalf("client list has %d entries, want 2", len(list))
	}
	for _, info := range list {
		if info.ConnectionID == "" || info.LastHeartbeat == 0 {
			t.Errorf("incomplete client info: %+v", info)
		}
	}
}

func TestServerStatus(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})

	f.handler.HandleMessage(sess.ID, protocol.NewMessage(protocol.MsgGetServerStatus, nil))

	msg, ok := ch.lastOfType(protocol.MsgServerStatus)
	if !ok {
		t.Fatal("no onServerStatus received")
	}
	status := decode[protocol.ServerStatusPayload](t, msg)
	if status.TotalClients != 1 {
		t.Errorf("totalClients = %d, want 1", status.TotalClients)
	}
	if status.HeartbeatIntervalMs != 10000 {
		t.Errorf("heartbeatIntervalMs = %d", status.HeartbeatIntervalMs)
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	var closed []string
	f := newFixture(t, Observers{
		OnSessionClosed: func(sess model.Session) { closed = append(closed, sess.ID) },
	})
	leaving, staying := &fakeChannel{}, &fakeChannel{}
	sess, _ := f.handler.Connect(leaving, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})
	f.handler.Connect(staying, protocol.ConnectRequest{Transport: "websocket"})

	f.handler.Disconnect(sess.ID)

	if !leaving.isClosed() {
		t.Error("leaving channel not closed")
	}
	if f.store.Count() != 1 {
		t.Errorf("count = %d after disconnect, want 1", f.store.Count())
	}
	msg, ok := staying.lastOfType(protocol.MsgClientLeft)
	if !ok {
		t.Fatal("remaining client did not receive onClientLeft")
	}
	left := decode[protocol.ClientLeftPayload](t, msg)
	if left.ClientName != "A" || left.TotalClients != 1 {
		t.Errorf("onClientLeft = %+v", left)
	}
	if len(closed) != 1 || closed[0] != sess.ID {
		t.Errorf("observer saw %v", closed)
	}

	// A second disconnect for the same id is a no-op.
	f.handler.Disconnect(sess.ID)
	if staying.countOfType(protocol.MsgClientLeft) != 1 {
		t.Error("duplicate disconnect produced a second onClientLeft")
	}
}

func TestReconnectKnownSession(t *testing.T) {
	f := newFixture(t, Observers{})
	old := &fakeChannel{}
	sess, _ := f.handler.Connect(old, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})

	// Miss some heartbeats while the channel is down.
	base := time.Now()
	f.monitor.Sweep(base.Add(16 * time.Second))

	fresh := &fakeChannel{}
	resumed, err := f.handler.Reconnect(sess.ID, fresh, protocol.ConnectRequest{Transport: "websocket"})
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if resumed.ID != sess.ID {
		t.Errorf("reconnect changed the id: %s -> %s", sess.ID, resumed.ID)
	}

	msg, ok := fresh.lastOfType(protocol.MsgReconnected)
	if !ok {
		t.Fatal("no onReconnected received")
	}
	payload := decode[protocol.ReconnectedPayload](t, msg)
	if payload.ConnectionID != sess.ID {
		t.Errorf("onReconnected id = %s", payload.ConnectionID)
	}

	got, _ := f.store.Get(sess.ID)
	if got.MissedHeartbeats != 0 {
		t.Errorf("missed = %d after reconnect, want 0", got.MissedHeartbeats)
	}
}

func TestReconnectUnknownIdBecomesConnect(t *testing.T) {
	f := newFixture(t, Observers{})
	ch := &fakeChannel{}

	sess, err := f.handler.Reconnect("gone-id", ch, protocol.ConnectRequest{Transport: "websocket", ClientName: "A"})
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if sess.ID == "gone-id" {
		t.Error("stale id was resurrected")
	}
	if _, ok := ch.lastOfType(protocol.MsgConnected); !ok {
		t.Error("fresh connect did not emit onConnected")
	}
}

func TestUnhealthyIsAdvisoryOnly(t *testing.T) {
	var unhealthy []string
	f := newFixture(t, Observers{
		OnSessionUnhealthy: func(id string, missed int) { unhealthy = append(unhealthy, id) },
	})
	ch := &fakeChannel{}
	sess, _ := f.handler.Connect(ch, protocol.ConnectRequest{Transport: "websocket"})

	base := time.Now()
	for i := 1; i <= 4; i++ {
		f.monitor.Sweep(base.Add(time.Duration(i) * 16 * time.Second))
	}

	if len(unhealthy) != 1 || unhealthy[0] != sess.ID {
		t.Errorf("unhealthy observer calls = %v, want one for %s", unhealthy, sess.ID)
	}
	if _, ok := f.store.Get(sess.ID); !ok {
		t.Error("monitor removed the session; removal must stay with disconnect")
	}
}

func TestServerHeartbeatAnnouncement(t *testing.T) {
	f := newFixture(t, Observers{})
	a, b := &fakeChannel{}, &fakeChannel{}
	f.handler.Connect(a, protocol.ConnectRequest{Transport: "websocket"})
	f.handler.Connect(b, protocol.ConnectRequest{Transport: "longpoll"})

	f.monitor.Announce(time.Now())

	for name, ch := range map[string]*fakeChannel{"a": a, "b": b} {
		msg, ok := ch.lastOfType(protocol.MsgServerHeartbeat)
		if !ok {
			t.Fatalf("channel %s did not receive onServerHeartbeat", name)
		}
		payload := decode[protocol.ServerHeartbeatPayload](t, msg)
		if payload.ConnectedClients != 2 {
			t.Errorf("connectedClients = %d, want 2", payload.ConnectedClients)
		}
	}
}

func TestReconnectRacingDisconnect(t *testing.T) {
	f := newFixture(t, Observers{})

	// A disconnect may remove the session between the reconnect's
	// heartbeat touch and its session fetch; the reconnect must come
	// back with a live session either way, never a panic.
	for i := 0; i < 200; i++ {
		sess, err := f.handler.Connect(&fakeChannel{}, protocol.ConnectRequest{Transport: "websocket"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.handler.Disconnect(sess.ID)
		}()

		resumed, err := f.handler.Reconnect(sess.ID, &fakeChannel{}, protocol.ConnectRequest{Transport: "websocket"})
		wg.Wait()
		if err != nil {
			t.Fatalf("reconnect failed: %v", err)
		}
		if resumed == nil {
			t.Fatal("reconnect returned a nil session")
		}
		f.handler.Disconnect(resumed.ID)
	}
}
