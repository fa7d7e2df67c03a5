// Package store defines the persistence contracts shared by the card store
// implementations and their consumers.
package store

import (
	"context"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

// DeletedFilter selects live cards, tombstones, or both.
type DeletedFilter int

const (
	NotDeleted DeletedFilter = iota
	DeletedOnly
	DeletedAny
)

// Filter narrows a Query. Zero values do not filter.
type Filter struct {
	SourceUID string
	States    []domain.State
	Project   string
	Text      string // case-insensitive substring of question or answer
	Deleted   DeletedFilter
	Limit     int
	Offset    int
}

// CardStore is the capability every consumer of cards relies on.
//
// Every successful Upsert or SoftDelete commits the card row together with
// exactly one pending change. Mutations are serialized; queries may run
// concurrently with them against a consistent snapshot.
type CardStore interface {
	// Get returns ErrNotFound for an unknown id. Tombstones are returned.
	Get(ctx context.Context, id string) (domain.Card, error)

	// Upsert inserts or replaces a card, stamping a new revision, UpdatedAt
	// and the local device as origin. It returns the committed card.
	// Returns ErrCardDeleted when the stored card is a tombstone, and
	// ErrStaleCard when card is not a copy of the stored version.
	Upsert(ctx context.Context, card domain.Card) (domain.Card, error)

	// SoftDelete tombstones a card. Deleting a tombstone is a no-op.
	SoftDelete(ctx context.Context, id string) (domain.Card, error)

	// Query lists cards matching f, ordered by creation time then id.
	Query(ctx context.Context, f Filter) ([]domain.Card, error)
}

// Snapshot is the set of pending changes a push will send, together with the
// card rows they refer to, read in one transaction.
type Snapshot struct {
	Changes []domain.PendingChange
	Cards   map[string]domain.Card
	MaxSeq  int64
}

// Empty reports whether there is nothing to push.
func (s Snapshot) Empty() bool {
	return len(s.Changes) == 0
}

// Decision is a resolver's verdict on one pulled record.
type Decision int

const (
	KeepLocal Decision = iota
	TakeRemote
)

// Resolver decides between the local copy of a card and an incoming remote
// version. pending reports whether the local copy changed since the last
// sync.
type Resolver func(local domain.Card, pending bool, remote domain.Card) Decision

// MergeStats counts what MergeRemote did with one batch.
type MergeStats struct {
	Applied    int
	Unchanged  int
	Conflicts  int
	LocalWins  int
	RemoteWins int
}

// Add accumulates o into s.
func (s *MergeStats) Add(o MergeStats) {
	s.Applied += o.Applied
	s.Unchanged += o.Unchanged
	s.Conflicts += o.Conflicts
	s.LocalWins += o.LocalWins
	s.RemoteWins += o.RemoteWins
}

// Completion is written atomically at the end of a successful sync cycle.
type Completion struct {
	ThroughSeq int64            // delete pending changes with sequence <= ThroughSeq
	Synced     map[string]int64 // card id -> revision confirmed by the remote
	Metadata   domain.SyncMetadata
}

// SyncStore is the replication surface used only by the sync engine.
type SyncStore interface {
	DeviceID() string

	Metadata(ctx context.Context) (domain.SyncMetadata, error)

	// Count returns the number of live cards, or of all rows when
	// includeDeleted is set.
	Count(ctx context.Context, includeDeleted bool) (int, error)

	// All returns every card including tombstones.
	All(ctx context.Context) ([]domain.Card, error)

	PendingSnapshot(ctx context.Context) (Snapshot, error)

	// MergeRemote applies one batch of pulled cards in a single transaction.
	MergeRemote(ctx context.Context, cards []domain.Card, resolve Resolver) (MergeStats, error)

	Complete(ctx context.Context, c Completion) error

	// ReplaceAll discards every local card and pending change and stores
	// cards as synced, in one transaction.
	ReplaceAll(ctx context.Context, cards []domain.Card, meta domain.SyncMetadata) error

	// PurgeTombstones physically removes synced tombstones deleted before
	// cutoff that have no pending change.
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error)
}
