package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/knolsync/internal/domain"
)

// Topic names one kind of lifecycle notification.
type Topic string

const (
	CardAdded   Topic = "card:added"
	CardUpdated Topic = "card:updated"
	CardRemoved Topic = "card:removed"

	SyncStarted   Topic = "sync:started"
	SyncProgress  Topic = "sync:progress"
	SyncCompleted Topic = "sync:completed"
	SyncFailed    Topic = "sync:failed"
)

// Event is one published notification.
type Event struct {
	ID        uuid.UUID
	Topic     Topic
	Payload   any
	CreatedAt time.Time
}

// CardPayload accompanies the card:* topics. Card is the committed state; for
// card:removed it carries the tombstone.
type CardPayload struct {
	Card   domain.Card
	Remote bool // the change was applied from a pull
}

// ProgressPayload accompanies sync:progress.
type ProgressPayload struct {
	Phase string
}

// CompletedPayload accompanies sync:completed.
type CompletedPayload struct {
	Report domain.SyncReport
}

// FailedPayload accompanies sync:failed. RetryIn is nil when the failure will
// not be retried automatically.
type FailedPayload struct {
	Err     error
	Phase   string
	RetryIn *time.Duration
}

// Handler receives events from a Bus.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// HandleEvent calls f(ctx, e).
func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}
