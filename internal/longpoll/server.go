package longpoll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/presence"
	"github.com/presence-hub/backend/internal/protocol"
)

const queueCapacity = 128

// channel adapts a pending-event queue to hub.Channel for one session.
type channel struct {
	queue *eventQueue

	mu         sync.Mutex
	lastPollAt time.Time
}

func (c *channel) Send(msg protocol.Message) error {
	if !c.queue.push(msg) {
		return model.ErrChannelClosed
	}
	return nil
}

func (c *channel) Transport() string { return "longpoll" }

func (c *channel) Close() error {
	c.queue.close()
	return nil
}

func (c *channel) touchPoll() {
	c.mu.Lock()
	c.lastPollAt = time.Now()
	c.mu.Unlock()
}

func (c *channel) lastPoll() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPollAt
}

// Server owns the long-poll sessions and bridges them to the presence
// handler. It also reaps sessions whose polls stop arriving: that is the
// transport-level disconnect for this channel type.
type Server struct {
	handler      *presence.Handler
	pollInterval time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	channels map[string]*channel

	stopOnce sync.Once
	done     chan struct{}
}

func NewServer(handler *presence.Handler, pollInterval time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		handler:      handler,
		pollInterval: pollInterval,
		logger:       logger,
		channels:     make(map[string]*channel),
		done:         make(chan struct{}),
	}
}

// Connect opens a long-poll session. When req carries a prior connection
// id the session is resumed instead.
func (s *Server) Connect(priorID string, req protocol.ConnectRequest) (*model.Session, error) {
	ch := &channel{queue: newEventQueue(queueCapacity)}
	ch.touchPoll()
	req.Transport = "longpoll"

	var (
		sess *model.Session
		err  error
	)
	if priorID != "" {
		sess, err = s.handler.Reconnect(priorID, ch, req)
	} else {
		sess, err = s.handler.Connect(ch, req)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.channels[sess.ID] = ch
	s.mu.Unlock()
	return sess, nil
}

// Poll blocks until at least one event is pending, the wait expires, or
// the channel closes, then drains the queue. An unknown id reports
// model.ErrSessionNotFound so the client knows to reconnect.
func (s *Server) Poll(ctx context.Context, id string, wait time.Duration) ([]protocol.Message, error) {
	ch, ok := s.lookup(id)
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	ch.touchPoll()

	if events := ch.queue.drain(); len(events) > 0 {
		return events, nil
	}
	if ch.queue.isClosed() {
		return nil, model.ErrChannelClosed
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-ch.queue.wait():
		if events := ch.queue.drain(); len(events) > 0 {
			return events, nil
		}
		if ch.queue.isClosed() {
			return nil, model.ErrChannelClosed
		}
		return nil, nil
	}
}

// Deliver dispatches one client operation for the session.
func (s *Server) Deliver(id string, msg protocol.Message) error {
	if _, ok := s.lookup(id); !ok {
		return model.ErrSessionNotFound
	}
	s.handler.HandleMessage(id, msg)
	return nil
}

// Disconnect tears the session down explicitly.
func (s *Server) Disconnect(id string) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
	s.handler.Disconnect(id)
}

// Start runs the poll-absence reaper until the context is cancelled. A
// session that has not polled within twice the heartbeat interval has
// lost its transport and is disconnected.
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case now := <-ticker.C:
				s.reap(now)
			}
		}
	}()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Server) reap(now time.Time) {
	deadline := 2 * s.pollInterval

	s.mu.Lock()
	var stale []string
	for id, ch := range s.channels {
		if now.Sub(ch.lastPoll()) > deadline {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.channels, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Info().Str("connection_id", id).Msg("long-poll session stopped polling")
		s.handler.Disconnect(id)
	}
}

func (s *Server) lookup(id string) (*channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}
