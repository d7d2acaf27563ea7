// Package eventbus is the typed pub/sub that fans out schedule and project
// state deltas to in-process subscribers (see spec §4.E). Delivery is
// synchronous in the producer's goroutine and best-effort: a subscriber
// that panics or is slow never stops its siblings from being notified.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// Subscriber receives every event published after it registers. It is
// expected to be cheap — typically enqueueing onto a send queue — since
// it runs synchronously on the publisher's goroutine.
type Subscriber func(domain.Event)

// Bus is the event bus. The zero value is not usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Subscriber
	nextID int
	logger *slog.Logger
}

// New returns an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]Subscriber),
		logger: logger.With("component", "event_bus"),
	}
}

// Unsubscribe removes a subscriber registered by Subscribe.
type Unsubscribe func()

// Subscribe registers sub to receive every future Publish call. The
// returned func removes it.
func (b *Bus) Subscribe(sub Subscriber) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers kind/payload to every current subscriber, in
// registration order is not guaranteed (map iteration), but every
// subscriber is attempted regardless of a sibling failing. Callers must
// invoke Publish only after the corresponding schedule store commit, so
// subscribers always observe post-commit state.
func (b *Bus) Publish(kind domain.EventKind, payload any) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	event := domain.Event{Kind: kind, Payload: payload}
	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

// deliver invokes sub, converting a panic into a logged error so one bad
// subscriber never prevents delivery to the rest.
func (b *Bus) deliver(sub Subscriber, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "kind", event.Kind, "panic", r)
		}
	}()
	sub(event)
}

// Len reports the number of live subscribers. Used by tests and the
// daemon status snapshot.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
