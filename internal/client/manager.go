package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
)

// Config holds the connection manager's tunables.
type Config struct {
	ServerURL  string
	ClientName string

	// HeartbeatInterval is the fallback cadence, used until the server's
	// greeting advertises its own.
	HeartbeatInterval time.Duration

	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration

	AutoReconnect bool
}

// Manager owns one logical connection to the server. It walks the
// Disconnected, Connecting, Connected, Reconnecting states, runs the
// heartbeat loop while connected and schedules backoff-delayed reconnect
// attempts when the channel drops.
//
// Construction is two-phase: bind handlers with OnStateChange and
// OnEvent, then call Connect. Events can never arrive before their
// handler exists.
type Manager struct {
	cfg        Config
	transports []Transport
	logger     zerolog.Logger

	mu    sync.Mutex
	state model.ConnectionState
	// gen invalidates callbacks from abandoned channels: every handler
	// and timer carries the generation it was created under, and a
	// mismatch on arrival means the channel it belongs to was already
	// torn down.
	gen            int
	conn           Conn
	stats          model.ConnectionStats
	attempt        int
	reconnectTimer *time.Timer
	autoReconnect  bool
	stopped        bool
	hbStop         chan struct{}
	hbInterval     time.Duration

	onState func(old, new model.ConnectionState)
	onEvent func(msg protocol.Message)
}

func NewManager(cfg Config, transports []Transport, logger zerolog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:           cfg,
		transports:    transports,
		logger:        logger,
		state:         model.StateDisconnected,
		autoReconnect: cfg.AutoReconnect,
		hbInterval:    cfg.HeartbeatInterval,
	}
}

// OnStateChange binds the transition callback. Must be called before
// Connect.
func (m *Manager) OnStateChange(fn func(old, new model.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnEvent binds the server-event callback. Must be called before
// Connect.
func (m *Manager) OnEvent(fn func(msg protocol.Message)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

// Connect starts the first connection attempt. It returns immediately;
// progress is reported through the state callback.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return model.ErrClientStopped
	}
	// A pending reconnect timer means an attempt is already scheduled,
	// even though the manager sits in Disconnected until it fires.
	if m.state != model.StateDisconnected || m.reconnectTimer != nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.setStateLocked(model.StateConnecting)
	m.mu.Unlock()

	go m.attemptConnect(gen)
	return nil
}

// State reports the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the connection counters.
func (m *Manager) Stats() model.ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Send forwards one operation on the open channel.
func (m *Manager) Send(msg protocol.Message) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == model.StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return model.ErrChannelClosed
	}
	return conn.Send(msg)
}

// Stop tears the connection down and cancels any pending reconnect. No
// attempt runs after Stop returns. The manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.autoReconnect = false
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.setStateLocked(model.StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// setStateLocked records the transition and fires the callback on a
// fresh goroutine so it never runs under the lock.
func (m *Manager) setStateLocked(next model.ConnectionState) {
	if m.state == next {
		return
	}
	old := m.state
	m.state = next
	m.logger.Debug().Str("from", old.String()).Str("to", next.String()).Msg("connection state")
	if m.onState != nil {
		fn := m.onState
		go fn(old, next)
	}
}

func (m *Manager) attemptConnect(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	priorID := m.stats.ConnectionID
	resuming := priorID != ""
	m.mu.Unlock()

	req := protocol.ConnectRequest{ClientName: m.cfg.ClientName}
	handlers := Handlers{
		OnEvent: func(msg protocol.Message) { m.handleEvent(gen, msg) },
		OnClose: func(err error) { m.handleClose(gen, err) },
	}

	var (
		conn      Conn
		lastErr   error
		transport string
	)
	for _, t := range m.transports {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		c, err := t.Open(ctx, m.cfg.ServerURL, req, priorID, handlers)
		cancel()
		if err == nil {
			conn = c
			transport = t.Name()
			break
		}
		lastErr = err
		m.logger.Warn().Err(err).Str("transport", t.Name()).Msg("connect attempt failed")
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if conn == nil {
		m.logger.Warn().Err(lastErr).Int("attempt", m.attempt+1).Msg("all transports failed")
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.stats.Transport = transport
	m.stats.ConnectedAt = time.Now()
	// Per-channel readings restart with the new channel; only the
	// cumulative counters survive a reconnect.
	m.stats.LastLatency = 0
	m.stats.LastHeartbeatAt = time.Time{}
	if resuming {
		m.stats.Reconnects++
	}
	m.setStateLocked(model.StateConnected)
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()
}

// handleClose reacts to the transport reporting channel loss.
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.logger.Warn().Err(err).Msg("channel lost")
	m.gen++
	m.conn = nil
	m.stopHeartbeatLocked()
	// An unplanned drop of an established channel is the one path into
	// Reconnecting; it holds across retries until a handshake succeeds.
	if m.autoReconnect {
		m.setStateLocked(model.StateReconnecting)
	}
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the single pending reconnect timer, or
// settles into Disconnected when auto-reconnect is off.
func (m *Manager) scheduleReconnectLocked() {
	if !m.autoReconnect {
		m.setStateLocked(model.StateDisconnected)
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	// A failed handshake settles back into Disconnected until the
	// scheduled attempt fires; only losing an established channel keeps
	// the manager in Reconnecting between attempts.
	if m.state != model.StateReconnecting {
		m.setStateLocked(model.StateDisconnected)
	}
	delay := backoffDelay(m.cfg.InitialDelay, m.cfg.MaxDelay, m.attempt)
	m.attempt++
	gen := m.gen
	m.logger.Info().Dur("delay", delay).Int("attempt", m.attempt).Msg("reconnect scheduled")
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.stopped {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		if m.state == model.StateDisconnected {
			m.setStateLocked(model.StateConnecting)
		}
		m.mu.Unlock()
		m.attemptConnect(gen)
	})
}

func (m *Manager) handleEvent(gen int, msg protocol.Message) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	switch msg.Type {
	case protocol.MsgConnected:
		var p protocol.ConnectedPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.stats.ConnectionID = p.ConnectionID
			m.applyIntervalLocked(gen, p.HeartbeatIntervalMs)
		}
	case protocol.MsgReconnected:
		var p protocol.ReconnectedPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.stats.ConnectionID = p.ConnectionID
		}
	case protocol.MsgHeartbeatResponse:
		var p protocol.HeartbeatResponsePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.ClientTimestampMs > 0 {
			m.stats.LastLatency = time.Duration(time.Now().UnixMilli()-p.ClientTimestampMs) * time.Millisecond
			m.stats.LastHeartbeatAt = time.Now()
		}
	case protocol.MsgPong:
		var p protocol.PongPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.SentAtMs > 0 {
			m.stats.LastLatency = time.Duration(time.Now().UnixMilli()-p.SentAtMs) * time.Millisecond
		}
	}
	fn := m.onEvent
	m.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// applyIntervalLocked adopts the server-advertised heartbeat cadence,
// restarting the loop when it differs from the one running.
func (m *Manager) applyIntervalLocked(gen int, intervalMs int64) {
	if intervalMs <= 0 {
		return
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval == m.hbInterval {
		return
	}
	m.hbInterval = interval
	if m.hbStop != nil {
		m.stopHeartbeatLocked()
		m.startHeartbeatLocked(gen)
	}
}

func (m *Manager) startHeartbeatLocked(gen int) {
	stop := make(chan struct{})
	m.hbStop = stop
	interval := m.hbInterval
	go m.heartbeatLoop(gen, interval, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) heartbeatLoop(gen int, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sendHeartbeat(gen)
		}
	}
}

// sendHeartbeat counts the beat before writing it: the counter tracks
// sends attempted, not acknowledgements.
func (m *Manager) sendHeartbeat(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.stats.HeartbeatsSent++
	m.mu.Unlock()

	msg := protocol.NewMessage(protocol.MsgHeartbeat, protocol.HeartbeatRequest{
		ClientTimestampMs: time.Now().UnixMilli(),
	})
	if err := conn.Send(msg); err != nil {
		m.logger.Warn().Err(err).Msg("heartbeat send failed")
	}
}
