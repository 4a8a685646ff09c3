// Package presence orchestrates the server side of the session lifecycle:
// connect, disconnect, reconnect, heartbeats and the fan-out of presence
// events to every live session.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/history"
	"github.com/presence-hub/backend/internal/hub"
	"github.com/presence-hub/backend/internal/liveness"
	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
	"github.com/presence-hub/backend/internal/registry"
)

// Observers receives lifecycle notifications for the owning process (log
// window, desktop UI). All fields are optional and must be set before the
// handler starts accepting connections.
type Observers struct {
	OnSessionOpened    func(sess model.Session)
	OnSessionClosed    func(sess model.Session)
	OnSessionUnhealthy func(id string, missed int)
}

// Handler is the server-side protocol state machine. It owns explicit
// references to the store, broadcaster and monitor; nothing is reachable
// through globals, so the core is testable without any transport or UI.
type Handler struct {
	store       *registry.Store
	broadcaster *hub.Broadcaster
	monitor     *liveness.Monitor
	journal     *history.Repository // optional
	logger      zerolog.Logger
	observers   Observers

	startedAt time.Time

	mu sync.Mutex // guards journal writes ordering only; ops are otherwise lock-free
}

// NewHandler wires the handler to its collaborators and binds the monitor's
// detection and announcement callbacks. journal may be nil to run without
// the persistent event journal.
func NewHandler(store *registry.Store, broadcaster *hub.Broadcaster, monitor *liveness.Monitor,
	journal *history.Repository, observers Observers, logger zerolog.Logger) *Handler {

	h := &Handler{
		store:       store,
		broadcaster: broadcaster,
		monitor:     monitor,
		journal:     journal,
		logger:      logger,
		observers:   observers,
		startedAt:   time.Now(),
	}

	monitor.OnUnhealthy(h.handleUnhealthy)
	monitor.OnAnnounce(h.announceServerHeartbeat)
	return h
}

// Connect registers a fresh session for an opened channel, greets the
// caller and announces the join to everyone else.
func (h *Handler) Connect(ch hub.Channel, req protocol.ConnectRequest) (*model.Session, error) {
	id := uuid.New().String()

	sess, err := h.store.Register(id, req.Transport, req.ClientName)
	if err != nil {
		// A uuid collision should not occur; treat it as fatal for this attempt.
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	h.broadcaster.Attach(id, ch)

	now := time.Now()
	if err := ch.Send(protocol.NewMessage(protocol.MsgConnected, protocol.ConnectedPayload{
		ConnectionID:        id,
		ServerTime:          now.UnixMilli(),
		HeartbeatIntervalMs: h.monitor.Interval().Milliseconds(),
		Message:             fmt.Sprintf("Welcome, %s", sess.DisplayName),
	})); err != nil {
		h.logger.Warn().Str("connection_id", id).Err(err).Msg("connected greeting failed")
	}

	h.broadcaster.ToAllExcept(id, protocol.NewMessage(protocol.MsgClientJoined, protocol.ClientJoinedPayload{
		ClientName:   sess.DisplayName,
		Transport:    sess.Transport,
		TotalClients: h.store.Count(),
	}))

	h.logger.Info().Str("connection_id", id).Str("client", sess.DisplayName).
		Str("transport", sess.Transport).Int("total", h.store.Count()).Msg("client connected")
	h.record(history.Event{
		ConnectionID: id, ClientName: sess.DisplayName, Transport: sess.Transport,
		Kind: history.EventConnected,
	})
	if h.observers.OnSessionOpened != nil {
		h.observers.OnSessionOpened(*sess)
	}
	return sess, nil
}

// Reconnect resumes a dropped session when its id is still registered:
// the heartbeat is refreshed, the miss counter reset and the new channel
// attached. An unknown id is handled as a fresh Connect.
func (h *Handler) Reconnect(id string, ch hub.Channel, req protocol.ConnectRequest) (*model.Session, error) {
	if id == "" || !h.store.TouchHeartbeat(id) {
		return h.Connect(ch, req)
	}
	sess, ok := h.store.Get(id)
	if !ok {
		// A disconnect raced in between the touch and the fetch; the id
		// is gone, so hand out a fresh session.
		return h.Connect(ch, req)
	}
	h.broadcaster.Attach(id, ch)

	if err := ch.Send(protocol.NewMessage(protocol.MsgReconnected, protocol.ReconnectedPayload{
		ConnectionID: id,
		ServerTime:   time.Now().UnixMilli(),
		Message:      fmt.Sprintf("Welcome back, %s", sess.DisplayName),
	})); err != nil {
		h.logger.Warn().Str("connection_id", id).Err(err).Msg("reconnected greeting failed")
	}

	h.logger.Info().Str("connection_id", id).Str("client", sess.DisplayName).Msg("client reconnected")
	h.record(history.Event{
		ConnectionID: id, ClientName: sess.DisplayName, Transport: sess.Transport,
		Kind: history.EventReconnected,
	})
	return sess, nil
}

// Disconnect removes the session when its channel closes, cleanly or not,
// and announces the departure to everyone remaining. Removal lives here
// and only here, so liveness detection stays advisory.
func (h *Handler) Disconnect(id string) {
	if ch, ok := h.broadcaster.Detach(id); ok {
		ch.Close()
	}
	sess, ok := h.store.Remove(id)
	if !ok {
		return
	}

	h.broadcaster.ToAll(protocol.NewMessage(protocol.MsgClientLeft, protocol.ClientLeftPayload{
		ClientName:   sess.DisplayName,
		TotalClients: h.store.Count(),
	}))

	h.logger.Info().Str("connection_id", id).Str("client", sess.DisplayName).
		Int("total", h.store.Count()).Msg("client disconnected")
	h.record(history.Event{
		ConnectionID: id, ClientName: sess.DisplayName, Transport: sess.Transport,
		Kind: history.EventDisconnected,
	})
	if h.observers.OnSessionClosed != nil {
		h.observers.OnSessionClosed(*sess)
	}
}

// HandleMessage dispatches one operation received on a session's channel.
// Every operation is single-shot: it mutates, replies or fans out, and
// never blocks on another session's state.
func (h *Handler) HandleMessage(id string, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgHeartbeat:
		var req protocol.HeartbeatRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			h.logger.Warn().Str("connection_id", id).Err(err).Msg("bad heartbeat payload")
			return
		}
		h.handleHeartbeat(id, req)
	case protocol.MsgPing:
		var req protocol.PingRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		h.broadcaster.ToOne(id, protocol.NewMessage(protocol.MsgPong, protocol.PongPayload{
			SentAtMs:          req.SentAtMs,
			ServerTimestampMs: time.Now().UnixMilli(),
		}))
	case protocol.MsgRegister:
		var req protocol.RegisterRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		h.handleRegister(id, req)
	case protocol.MsgSendMessage:
		var req protocol.SendMessageRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		h.handleSendMessage(id, req)
	case protocol.MsgGetClients:
		h.handleListClients(id)
	case protocol.MsgGetServerStatus:
		h.broadcaster.ToOne(id, protocol.NewMessage(protocol.MsgServerStatus, h.serverStatus()))
	default:
		h.logger.Warn().Str("connection_id", id).Str("type", string(msg.Type)).
			Msg("unknown operation")
	}
}

func (h *Handler) handleHeartbeat(id string, req protocol.HeartbeatRequest) {
	// An absent session means it was reaped between drop and delivery;
	// there is nobody to answer.
	if !h.store.TouchHeartbeat(id) {
		return
	}
	h.broadcaster.ToOne(id, protocol.NewMessage(protocol.MsgHeartbeatResponse, protocol.HeartbeatResponsePayload{
		ServerTimestampMs: time.Now().UnixMilli(),
		ClientTimestampMs: req.ClientTimestampMs,
	}))
}

func (h *Handler) handleRegister(id string, req protocol.RegisterRequest) {
	if !h.store.Rename(id, req.ClientName) {
		return
	}
	h.broadcaster.ToOne(id, protocol.NewMessage(protocol.MsgRegistered, protocol.RegisteredPayload{
		ClientName: req.ClientName,
	}))
	h.logger.Info().Str("connection_id", id).Str("client", req.ClientName).Msg("client renamed")
	if sess, ok := h.store.Get(id); ok {
		h.record(history.Event{
			ConnectionID: id, ClientName: sess.DisplayName, Transport: sess.Transport,
			Kind: history.EventRenamed, Detail: req.ClientName,
		})
	}
}

func (h *Handler) handleSendMessage(id string, req protocol.SendMessageRequest) {
	sess, ok := h.store.Get(id)
	if !ok {
		return
	}
	h.broadcaster.ToAll(protocol.NewMessage(protocol.MsgMessage, protocol.MessagePayload{
		From:         sess.DisplayName,
		ConnectionID: id,
		Text:         req.Text,
		Timestamp:    time.Now().UnixMilli(),
	}))
}

func (h *Handler) handleListClients(id string) {
	h.broadcaster.ToOne(id, protocol.NewMessage(protocol.MsgClientList, h.ClientList()))
}

// ClientList returns the current live sessions as wire payloads; the REST
// surface reuses it.
func (h *Handler) ClientList() []protocol.ClientInfo {
	snapshot := h.store.Snapshot()
	list := make([]protocol.ClientInfo, 0, len(snapshot))
	for _, sess := range snapshot {
		list = append(list, protocol.ClientInfo{
			ConnectionID:  sess.ID,
			ClientName:    sess.DisplayName,
			Transport:     sess.Transport,
			ConnectedAt:   sess.ConnectedAt.UnixMilli(),
			LastHeartbeat: sess.LastHeartbeatAt.UnixMilli(),
		})
	}
	return list
}

// announceServerHeartbeat is the push half of the push-pull hybrid: the
// server pings everyone each monitor tick, which also lets clients measure
// latency independent of their own heartbeat cadence.
func (h *Handler) announceServerHeartbeat(now time.Time, totalClients int) {
	h.broadcaster.ToAll(protocol.NewMessage(protocol.MsgServerHeartbeat, protocol.ServerHeartbeatPayload{
		ServerTimestampMs: now.UnixMilli(),
		ConnectedClients:  totalClients,
	}))
}

// handleUnhealthy surfaces the monitor's advisory flag. The session is
// deliberately not removed here.
func (h *Handler) handleUnhealthy(id string, missed int) {
	if sess, ok := h.store.Get(id); ok {
		h.record(history.Event{
			ConnectionID: id, ClientName: sess.DisplayName, Transport: sess.Transport,
			Kind: history.EventUnhealthy, Detail: fmt.Sprintf("%d missed heartbeats", missed),
		})
	}
	if h.observers.OnSessionUnhealthy != nil {
		h.observers.OnSessionUnhealthy(id, missed)
	}
}

func (h *Handler) record(evt history.Event) {
	if h.journal == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.journal.Record(context.Background(), evt); err != nil {
		h.logger.Warn().Str("connection_id", evt.ConnectionID).Err(err).Msg("journal write failed")
	}
}
