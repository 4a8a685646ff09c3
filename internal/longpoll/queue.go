// Package longpoll provides the HTTP long-polling fallback transport. Each
// session gets a bounded pending-event queue the client drains with poll
// requests; a session that stops polling is treated as a dropped channel.
package longpoll

import (
	"sync"

	"github.com/presence-hub/backend/internal/protocol"
)

// eventQueue is a bounded FIFO of pending events. When the queue is full
// the oldest event is discarded to make room, so a slow poller sees the
// most recent window of events rather than blocking the broadcaster.
type eventQueue struct {
	mu       sync.Mutex
	events   []protocol.Message
	capacity int
	notify   chan struct{}
	closed   bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push appends an event, discarding the oldest on overflow. Returns false
// once the queue is closed.
func (q *eventQueue) push(msg protocol.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.events) >= q.capacity {
		q.events = q.events[1:]
	}
	q.events = append(q.events, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns all pending events.
func (q *eventQueue) drain() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// wait returns a channel that fires when an event arrives or the queue closes.
func (q *eventQueue) wait() <-chan struct{} {
	return q.notify
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
