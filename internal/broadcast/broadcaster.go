// Package broadcast implements a topic-keyed fan-out of events to live
// subscribers. Publishes are non-blocking and best-effort: a subscriber whose
// inbox is full misses that one event, other subscribers are unaffected.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber inbox capacity.
const DefaultBuffer = 64

// Broadcaster fans events out to bounded per-subscriber inboxes grouped by
// topic. Safe for concurrent use.
type Broadcaster[T any] struct {
	name   string
	buffer int

	mu     sync.RWMutex
	topics map[string][]*Subscription[T]
}

// Subscription is one subscriber's inbox on a topic. Events arrive on the
// channel returned by Events until Close (or the subscribe context) ends it.
type Subscription[T any] struct {
	topic string
	ch    chan T
	b     *Broadcaster[T]
	once  sync.Once
}

// New creates a broadcaster with the given per-subscriber buffer capacity.
// The name is only used for log attribution.
func New[T any](name string, buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		name:   name,
		buffer: buffer,
		topics: make(map[string][]*Subscription[T]),
	}
}

// Subscribe registers a new inbox under topic. The subscription ends when
// Close is called or ctx is cancelled, whichever comes first; either way the
// inbox is unregistered and its channel closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, topic string) *Subscription[T] {
	sub := &Subscription[T]{
		topic: topic,
		ch:    make(chan T, b.buffer),
		b:     b,
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	n := len(b.topics[topic])
	b.mu.Unlock()

	slog.Debug("broadcast.subscribed", "broadcaster", b.name, "topic", topic, "subscribers", n)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Publish delivers ev to every inbox registered under topic at the moment of
// the call. Full inboxes are skipped; the publisher never blocks.
func (b *Broadcaster[T]) Publish(topic string, ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("broadcast.drop", "broadcaster", b.name, "topic", topic)
		}
	}
}

// SubscriberCount returns the point-in-time number of inboxes on topic.
// The count is approximate under concurrent subscribe/unsubscribe.
func (b *Broadcaster[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the keys that currently have at least one subscriber.
func (b *Broadcaster[T]) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.topics))
	for k := range b.topics {
		keys = append(keys, k)
	}
	return keys
}

// Events returns the receive side of the subscription's inbox. The channel
// is closed when the subscription ends.
func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Close unregisters the inbox and closes its channel. Idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		subs := b.topics[s.topic]
		for i, sub := range subs {
			if sub == s {
				b.topics[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		remaining := len(b.topics[s.topic])
		if remaining == 0 {
			delete(b.topics, s.topic)
		}
		// Closing under the lock: Publish holds the read lock for its sends,
		// so no send can race this close.
		close(s.ch)
		b.mu.Unlock()

		slog.Debug("broadcast.unsubscribed", "broadcaster", b.name, "topic", s.topic, "subscribers", remaining)
	})
}
