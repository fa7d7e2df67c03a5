package domain

import "time"

// ChangeType tells the remote how to interpret a queued mutation.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

// PendingChange is one entry of the local, append-only mutation log. Sequence
// is assigned by the store and never reused.
type PendingChange struct {
	Sequence  int64
	CardID    string
	Type      ChangeType
	Revision  int64
	CreatedAt time.Time
}

// SyncMetadata is the per-store replication cursor.
type SyncMetadata struct {
	DeviceID           string
	LastSyncAt         *time.Time
	LastRemoteRevision int64
}

// IsFirstSync reports whether the store has never completed a sync cycle.
func (m SyncMetadata) IsFirstSync() bool {
	return m.LastSyncAt == nil
}

// SyncReport summarizes one completed sync cycle.
type SyncReport struct {
	Pulled     int
	Applied    int
	Conflicts  int
	LocalWins  int
	RemoteWins int
	Pushed     int
	Accepted   int
	Rejected   int
	Purged     int
	Duration   time.Duration
}
