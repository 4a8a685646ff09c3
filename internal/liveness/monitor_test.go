package liveness

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/registry"
)

const testInterval = 10 * time.Second

func newTestMonitor(store *registry.Store) *Monitor {
	return NewMonitor(store, testInterval, 3, zerolog.Nop())
}

func TestSweepIncrementsOnlyStaleSessions(t *testing.T) {
	store := registry.NewStore()
	store.Register("conn-1", "websocket", "")

	m := newTestMonitor(store)

	// Below 1.5x the interval nothing is stale.
	m.Sweep(time.Now().Add(14 * time.Second))
	if got, _ := store.Get("conn-1"); got.MissedHeartbeats != 0 {
		t.Errorf("missed = %d below the staleness bound, want 0", got.MissedHeartbeats)
	}

	// Past 1.5x the interval the counter bumps once per sweep.
	m.Sweep(time.Now().Add(16 * time.Second))
	if got, _ := store.Get("conn-1"); got.MissedHeartbeats != 1 {
		t.Errorf("missed = %d past the staleness bound, want 1", got.MissedHeartbeats)
	}

	// A heartbeat makes the session fresh again for the next sweep.
	store.TouchHeartbeat("conn-1")
	m.Sweep(time.Now().Add(time.Second))
	if got, _ := store.Get("conn-1"); got.MissedHeartbeats != 0 {
		t.Errorf("missed = %d after heartbeat, want 0", got.MissedHeartbeats)
	}
}

func TestUnhealthyFiresExactlyOnceAtThreshold(t *testing.T) {
	store := registry.NewStore()
	store.Register("conn-1", "websocket", "")

	m := newTestMonitor(store)
	var fired []int
	m.OnUnhealthy(func(id string, missed int) {
		if id != "conn-1" {
			t.Errorf("unhealthy fired for %s", id)
		}
		fired = append(fired, missed)
	})

	base := time.Now()
	for i := 1; i <= 6; i++ {
		m.Sweep(base.Add(time.Duration(i) * 16 * time.Second))
	}

	if len(fired) != 1 {
		t.Fatalf("unhealthy fired %d times over 6 stale sweeps, want exactly 1", len(fired))
	}
	if fired[0] != 3 {
		t.Errorf("unhealthy fired at missed=%d, want 3", fired[0])
	}
}

func TestUnhealthyDoesNotFireBeforeThreshold(t *testing.T) {
	store := registry.NewStore()
	store.Register("conn-1", "websocket", "")

	m := newTestMonitor(store)
	firedAt := 0
	m.OnUnhealthy(func(id string, missed int) { firedAt++ })

	base := time.Now()
	m.Sweep(base.Add(16 * time.Second))
	m.Sweep(base.Add(32 * time.Second))
	if firedAt != 0 {
		t.Errorf("unhealthy fired after only 2 stale sweeps")
	}
}

func TestHeartbeatResetsThresholdProgress(t *testing.T) {
	store := registry.NewStore()
	store.Register("conn-1", "websocket", "")

	m := newTestMonitor(store)
	fired := 0
	m.OnUnhealthy(func(id string, missed int) { fired++ })

	base := time.Now()
	m.Sweep(base.Add(16 * time.Second))
	m.Sweep(base.Add(32 * time.Second))

	// Heartbeat arrives: the counter resets and the crossing can repeat.
	store.TouchHeartbeat("conn-1")

	for i := 1; i <= 3; i++ {
		m.Sweep(time.Now().Add(time.Duration(i) * 16 * time.Second))
	}
	if fired != 1 {
		t.Errorf("unhealthy fired %d times, want 1 after post-reset crossing", fired)
	}
}

func TestSweepSkipsRemovedSession(t *testing.T) {
	store := registry.NewStore()
	store.Register("conn-1", "websocket", "")
	store.Remove("conn-1")

	m := newTestMonitor(store)
	m.OnUnhealthy(func(id string, missed int) {
		t.Errorf("unhealthy fired for removed session %s", id)
	})
	m.Sweep(time.Now().Add(time.Minute))
}

func TestAnnounceReportsLiveCount(t *testing.T) {
	store := registry.NewStore()
	store.Register("a", "websocket", "")
	store.Register("b", "longpoll", "")

	m := newTestMonitor(store)
	var gotTotal int
	m.OnAnnounce(func(now time.Time, total int) { gotTotal = total })

	m.Announce(time.Now())
	if gotTotal != 2 {
		t.Errorf("announce total = %d, want 2", gotTotal)
	}
}

func TestAnnounceWithoutBindingIsNoop(t *testing.T) {
	store := registry.NewStore()
	m := newTestMonitor(store)
	m.Announce(time.Now()) // must not panic
	m.Sweep(time.Now())
}
