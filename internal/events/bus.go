// ABOUTME: In-memory fan-out of registry events to independent subscribers
// ABOUTME: Publish never blocks; a full subscriber drops the event and is logged

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/session"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	name    string
	ch      chan session.Event
	kinds   map[session.EventKind]bool
	dropped atomic.Int64
}

func (s *subscriber) wants(kind session.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus implements session.Publisher by copying each event onto one buffered
// channel per subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	logger *slog.Logger
}

// NewBus creates a Bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a named subscriber. When kinds is non-empty only
// those kinds are delivered. The returned channel is closed when ctx is
// cancelled, on Unsubscribe, or on Close.
func (b *Bus) Subscribe(ctx context.Context, name string, kinds ...session.EventKind) (<-chan session.Event, string) {
	sub := &subscriber{name: name, ch: make(chan session.Event, subscriberBufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[session.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	id := uuid.New().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, id
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "name", name, "sub_id", id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return sub.ch, id
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev session.Event) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("dropped event for slow subscriber",
				"subscriber", sub.name,
				"kind", ev.Kind,
				"session_key", ev.SessionKey,
				"dropped_total", n,
			)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "name", sub.name, "sub_id", id)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.logger.Debug("event bus closed")
}
