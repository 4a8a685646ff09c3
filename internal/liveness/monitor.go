// Package liveness periodically sweeps the session registry for missed
// heartbeats. Detection is advisory: the monitor flags unhealthy sessions
// but never removes them; removal stays with the transport layer.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/registry"
)

// Monitor runs the sweep on a fixed period and, after each sweep, triggers
// the server-initiated heartbeat announcement. The two responsibilities
// share a clock but are separate methods so detection can be exercised
// without a transport.
type Monitor struct {
	store     *registry.Store
	interval  time.Duration
	threshold int
	logger    zerolog.Logger

	mu          sync.Mutex
	onUnhealthy func(id string, missed int)
	announce    func(now time.Time, totalClients int)

	stopOnce sync.Once
	done     chan struct{}
}

func NewMonitor(store *registry.Store, interval time.Duration, threshold int, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// OnUnhealthy binds the advisory callback fired when a session crosses the
// missed-heartbeat threshold. Bind before Start.
func (m *Monitor) OnUnhealthy(fn func(id string, missed int)) {
	m.mu.Lock()
	m.onUnhealthy = fn
	m.mu.Unlock()
}

// OnAnnounce binds the per-tick server heartbeat trigger. Bind before Start.
func (m *Monitor) OnAnnounce(fn func(now time.Time, totalClients int)) {
	m.mu.Lock()
	m.announce = fn
	m.mu.Unlock()
}

// Start runs the sweep loop until the context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case now := <-ticker.C:
				m.Sweep(now)
				m.Announce(now)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Sweep checks every live session once. A session whose last heartbeat is
// older than 1.5x the interval gets its missed counter bumped; the
// unhealthy event fires exactly when the counter reaches the threshold,
// not on every tick past it. Sessions removed mid-sweep are skipped.
func (m *Monitor) Sweep(now time.Time) {
	staleAfter := m.interval * 3 / 2

	for _, sess := range m.store.Snapshot() {
		missed, incremented, ok := m.store.MarkIfStale(sess.ID, now, staleAfter)
		if !ok || !incremented {
			continue
		}
		m.logger.Debug().Str("connection_id", sess.ID).Int("missed", missed).
			Msg("missed heartbeat")
		if missed == m.threshold {
			m.logger.Warn().Str("connection_id", sess.ID).Str("client", sess.DisplayName).
				Int("missed", missed).Msg("session unhealthy")
			m.mu.Lock()
			fn := m.onUnhealthy
			m.mu.Unlock()
			if fn != nil {
				fn(sess.ID, missed)
			}
		}
	}
}

// Announce triggers the server-initiated heartbeat broadcast for this tick.
func (m *Monitor) Announce(now time.Time) {
	m.mu.Lock()
	fn := m.announce
	m.mu.Unlock()
	if fn != nil {
		fn(now, m.store.Count())
	}
}

// Interval returns the heartbeat period the monitor sweeps on.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}
