// Package registry provides the in-memory session store. It is the single
// authority for which sessions are live.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/presence-hub/backend/internal/model"
)

// entry wraps one session record. The map lock in Store only guards
// lookup, insert and delete; all field mutation goes through the entry's
// own mutex so touching one session never blocks another, and a heartbeat
// touch can never race a monitor sweep into a lost update.
type entry struct {
	mu sync.Mutex
	s  model.Session
}

// Store is a concurrent registry mapping connection id to session state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
	}
}

// Register creates and inserts a session. It fails with
// model.ErrDuplicateSession if the id is already live.
func (s *Store) Register(id, transport, displayName string) (*model.Session, error) {
	if displayName == "" {
		displayName = model.DefaultDisplayName(id)
	}

	now := time.Now()
	e := &entry{s: model.Session{
		ID:              id,
		DisplayName:     displayName,
		Transport:       transport,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, model.ErrDuplicateSession
	}
	s.sessions[id] = e

	copy := e.s
	return &copy, nil
}

// Get returns a copy of the session, or false if absent.
func (s *Store) Get(id string) (*model.Session, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	copy := e.s
	e.mu.Unlock()
	return &copy, true
}

// TouchHeartbeat records an accepted heartbeat: it advances the liveness
// timestamp and resets the missed counter in one step. Touching an absent
// id is a no-op returning false, never an error; the session may have
// been removed a moment earlier.
func (s *Store) TouchHeartbeat(id string) bool {
	e, ok := s.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	now := time.Now()
	if now.After(e.s.LastHeartbeatAt) {
		e.s.LastHeartbeatAt = now
	}
	e.s.MissedHeartbeats = 0
	e.mu.Unlock()
	return true
}

// MarkIfStale increments the missed-heartbeat counter when the session has
// not heartbeated within staleAfter of now. The staleness check and the
// increment happen under the entry lock so a concurrent TouchHeartbeat
// cannot be overwritten. Returns the post-check counter value and whether
// the counter was incremented; ok is false when the id is absent.
func (s *Store) MarkIfStale(id string, now time.Time, staleAfter time.Duration) (missed int, incremented, ok bool) {
	e, found := s.lookup(id)
	if !found {
		return 0, false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.s.LastHeartbeatAt) > staleAfter {
		e.s.MissedHeartbeats++
		return e.s.MissedHeartbeats, true, true
	}
	return e.s.MissedHeartbeats, false, true
}

// Rename changes the display name. Returns false if the id is absent.
func (s *Store) Rename(id, newName string) bool {
	e, ok := s.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.s.DisplayName = newName
	e.mu.Unlock()
	return true
}

// Remove deletes the session and returns the removed record for lifecycle
// notifications, or false if it was not present.
func (s *Store) Remove(id string) (*model.Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	e.mu.Lock()
	copy := e.s
	e.mu.Unlock()
	return &copy, true
}

// Snapshot returns a consistent point-in-time copy of all sessions,
// ordered by connect time (ties broken by id). Insertion order is not
// preserved.
func (s *Store) Snapshot() []*model.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]*model.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		copy := e.s
		e.mu.Unlock()
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}
