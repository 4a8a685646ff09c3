// Package hub fans events out to live session channels. Each target's send
// is independent: a slow or closed channel never delays or fails delivery
// to the others.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/protocol"
)

// Channel is the abstract bidirectional message pipe for one session. Send
// must not block: implementations enqueue into a bounded per-session buffer
// and return model.ErrChannelClosed once the channel is torn down. Events
// sent on one channel preserve send order.
type Channel interface {
	Send(msg protocol.Message) error
	Transport() string
	Close() error
}

// Broadcaster tracks the channel attached to each live session and
// delivers events to all, all-but-one, or a single target.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   zerolog.Logger
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]Channel),
		logger:   logger,
	}
}

// Attach binds a channel to a connection id, replacing any prior channel
// for that id (the transport layer reattaches on resume).
func (b *Broadcaster) Attach(id string, ch Channel) {
	b.mu.Lock()
	b.channels[id] = ch
	b.mu.Unlock()
}

// Detach unbinds and returns the channel for id, if any.
func (b *Broadcaster) Detach(id string) (Channel, bool) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	if ok {
		delete(b.channels, id)
	}
	b.mu.Unlock()
	return ch, ok
}

// ToAll delivers msg to every attached channel.
func (b *Broadcaster) ToAll(msg protocol.Message) {
	b.ToAllExcept("", msg)
}

// ToAllExcept delivers msg to every attached channel except the one bound
// to exclude. Failures are logged per target and never roll back or block
// the rest of the fan-out.
func (b *Broadcaster) ToAllExcept(exclude string, msg protocol.Message) {
	for id, ch := range b.targets(exclude) {
		if err := ch.Send(msg); err != nil {
			b.logger.Warn().Str("connection_id", id).Str("event", string(msg.Type)).
				Err(err).Msg("broadcast send failed")
		}
	}
}

// ToOne delivers msg to the single channel bound to id. Returns the send
// error, or nil when the id has no channel (the session may have just
// dropped; that is not the caller's failure).
func (b *Broadcaster) ToOne(id string, msg protocol.Message) error {
	b.mu.RLock()
	ch, ok := b.channels[id]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := ch.Send(msg); err != nil {
		b.logger.Warn().Str("connection_id", id).Str("event", string(msg.Type)).
			Err(err).Msg("send failed")
		return err
	}
	return nil
}

// Count returns the number of attached channels.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// targets copies the channel set under the read lock so sends happen
// outside it; a target detached mid-broadcast just fails its own send.
func (b *Broadcaster) targets(exclude string) map[string]Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Channel, len(b.channels))
	for id, ch := range b.channels {
		if id == exclude {
			continue
		}
		out[id] = ch
	}
	return out
}
