package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) HandleEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Topic
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

func TestBusDeliversByTopic(t *testing.T) {
	bus := NewBus(nil)
	all := &recorder{}
	cards := &recorder{}
	bus.Subscribe(all)
	bus.Subscribe(cards, CardAdded, CardRemoved)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, CardAdded, CardPayload{}))
	require.NoError(t, bus.Publish(ctx, SyncStarted, nil))
	require.NoError(t, bus.Publish(ctx, CardRemoved, CardPayload{}))

	assert.Equal(t, []Topic{CardAdded, SyncStarted, CardRemoved}, all.topics())
	assert.Equal(t, []Topic{CardAdded, CardRemoved}, cards.topics())
}

func TestBusPayloadAndIDs(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec)

	require.NoError(t, bus.Publish(context.Background(), SyncProgress, ProgressPayload{Phase: "pulling"}))
	require.NoError(t, bus.Publish(context.Background(), SyncProgress, ProgressPayload{Phase: "pushing"}))

	require.Len(t, rec.events, 2)
	assert.Equal(t, ProgressPayload{Phase: "pulling"}, rec.events[0].Payload)
	assert.NotEqual(t, rec.events[0].ID, rec.events[1].ID)
	assert.False(t, rec.events[0].CreatedAt.IsZero())
}

func TestBusFirstErrorWins(t *testing.T) {
	bus := NewBus(nil)
	errA := errors.New("handler a")
	a := &recorder{err: errA}
	b := &recorder{err: errors.New("handler b")}
	c := &recorder{}
	bus.Subscribe(a)
	bus.Subscribe(b)
	bus.Subscribe(c)

	err := bus.Publish(context.Background(), CardUpdated, CardPayload{})
	assert.ErrorIs(t, err, errA)
	assert.Len(t, c.topics(), 1, "later handlers still receive the event")
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	unsubscribe := bus.Subscribe(rec)
	unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), CardAdded, nil))
	assert.Empty(t, rec.topics())
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Subscribe(rec)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), CardAdded, nil), ErrClosed)
	bus.Subscribe(rec)()
	assert.Empty(t, rec.topics())
}

func TestNilBusDiscards(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish(context.Background(), CardAdded, nil))
	bus.Subscribe(&recorder{})()
	assert.NoError(t, bus.Close())
}

func TestHandlerFunc(t *testing.T) {
	bus := NewBus(nil)
	var got Topic
	bus.Subscribe(HandlerFunc(func(_ context.Context, e Event) error {
		got = e.Topic
		return nil
	}), SyncFailed)

	require.NoError(t, bus.Publish(context.Background(), SyncFailed, FailedPayload{}))
	assert.Equal(t, SyncFailed, got)
}
