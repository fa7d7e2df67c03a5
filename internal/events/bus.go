package events

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

type subscription struct {
	id      uint64
	topics  []Topic
	handler Handler
}

func (s subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, t)
}

// Bus dispatches events synchronously to its subscribers, in subscription
// order. A nil *Bus discards everything, so components can run without one.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With(slog.String("component", "event_bus"))}
}

// Subscribe registers h for the given topics, or for every topic when none are
// given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, topics ...Topic) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topics: topics, handler: h})
	b.logger.Debug("registered event handler", "topics", topics, "handler_count", len(b.subs))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Publish delivers an event to every matching subscriber. A failing handler
// does not stop delivery to the rest; the first error is returned.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	e := Event{ID: uuid.New(), Topic: topic, Payload: payload, CreatedAt: time.Now().UTC()}

	var firstErr error
	for _, s := range subs {
		if !s.wants(topic) {
			continue
		}
		if err := s.handler.HandleEvent(ctx, e); err != nil {
			b.logger.Error("handler failed to process event",
				"error", err,
				"event_id", e.ID,
				"topic", topic)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close drops every subscriber. Later publishes fail with ErrClosed and later
// subscriptions are ignored. Close is idempotent.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
