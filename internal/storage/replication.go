package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/knol"
	"github.com/conorfennell/knolsync/internal/store"
)

// Metadata returns the replication cursor of this store.
func (db *DB) Metadata(ctx context.Context) (domain.SyncMetadata, error) {
	var (
		m        domain.SyncMetadata
		lastSync sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT device_id, last_sync_at, last_remote_revision FROM sync_metadata WHERE id = 1
	`).Scan(&m.DeviceID, &lastSync, &m.LastRemoteRevision)
	if err != nil {
		return domain.SyncMetadata{}, store.NewIOError("read metadata", err)
	}
	m.LastSyncAt = fromNullNanos(lastSync)
	return m, nil
}

func saveMetadata(ctx context.Context, tx *sql.Tx, m domain.SyncMetadata) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_metadata SET last_sync_at = ?, last_remote_revision = ? WHERE id = 1
	`, nullNanos(m.LastSyncAt), m.LastRemoteRevision)
	if err != nil {
		return fmt.Errorf("failed to save sync metadata: %w", err)
	}
	return nil
}

// Count returns the number of live cards, or of all rows when includeDeleted
// is set.
func (db *DB) Count(ctx context.Context, includeDeleted bool) (int, error) {
	q := `SELECT COUNT(*) FROM cards WHERE deleted_at IS NULL`
	if includeDeleted {
		q = `SELECT COUNT(*) FROM cards`
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, store.NewIOError("count", err)
	}
	return n, nil
}

// All returns every card, tombstones included.
func (db *DB) All(ctx context.Context) ([]domain.Card, error) {
	return db.Query(ctx, store.Filter{Deleted: store.DeletedAny})
}

// MergeRemote applies a batch of pulled cards in one transaction. Cards
// without a local copy are inserted; otherwise resolve picks the survivor.
// A local copy that loses takes its pending changes with it.
func (db *DB) MergeRemote(ctx context.Context, cards []domain.Card, resolve store.Resolver) (store.MergeStats, error) {
	var stats store.MergeStats
	err := db.write(ctx, "merge remote", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		stats = store.MergeStats{}
		var evs []cardEvent

		for _, remote := range cards {
			remote = remote.Normalize()
			synced := remote.Revision

			local, err := getCard(ctx, tx, remote.ID)
			if errors.Is(err, store.ErrNotFound) {
				if err := putCard(ctx, tx, remote, &synced); err != nil {
					return nil, err
				}
				stats.Applied++
				if !remote.IsDeleted() {
					evs = append(evs, cardEvent{events.CardAdded, events.CardPayload{Card: remote, Remote: true}})
				}
				continue
			}
			if err != nil {
				return nil, err
			}

			if knol.Same(local, remote) {
				if err := markSynced(ctx, tx, remote.ID, synced); err != nil {
					return nil, err
				}
				stats.Unchanged++
				continue
			}

			pending, err := hasPending(ctx, tx, remote.ID)
			if err != nil {
				return nil, err
			}
			if pending {
				stats.Conflicts++
			}

			if resolve(local, pending, remote) == store.KeepLocal {
				if pending {
					stats.LocalWins++
				}
				continue
			}

			if err := putCard(ctx, tx, remote, &synced); err != nil {
				return nil, err
			}
			if pending {
				stats.RemoteWins++
				if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE card_id = ?`, remote.ID); err != nil {
					return nil, fmt.Errorf("failed to drop superseded changes for card %s: %w", remote.ID, err)
				}
			}
			stats.Applied++

			topic := events.CardUpdated
			if remote.IsDeleted() {
				topic = events.CardRemoved
			}
			evs = append(evs, cardEvent{topic, events.CardPayload{Card: remote, Remote: true}})
		}
		return evs, nil
	})
	if err != nil {
		return store.MergeStats{}, err
	}
	return stats, nil
}

// ReplaceAll discards the local dataset and pending log and stores cards as
// already synced.
func (db *DB) ReplaceAll(ctx context.Context, cards []domain.Card, meta domain.SyncMetadata) error {
	return db.write(ctx, "replace all", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		before, err := queryCards(ctx, tx, "SELECT "+cardColumns+" FROM cards WHERE deleted_at IS NULL")
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes`); err != nil {
			return nil, fmt.Errorf("failed to clear pending changes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards`); err != nil {
			return nil, fmt.Errorf("failed to clear cards: %w", err)
		}

		kept := make(map[string]bool, len(cards))
		var evs []cardEvent
		for _, c := range cards {
			c = c.Normalize()
			synced := c.Revision
			if err := putCard(ctx, tx, c, &synced); err != nil {
				return nil, err
			}
			if !c.IsDeleted() {
				kept[c.ID] = true
				evs = append(evs, cardEvent{events.CardUpdated, events.CardPayload{Card: c, Remote: true}})
			}
		}
		for _, c := range before {
			if !kept[c.ID] {
				evs = append(evs, cardEvent{events.CardRemoved, events.CardPayload{Card: c, Remote: true}})
			}
		}
		return evs, saveMetadata(ctx, tx, meta)
	})
}

// PurgeTombstones removes tombstones deleted before cutoff whose deletion has
// been confirmed by the remote and that have nothing left to push.
func (db *DB) PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := db.write(ctx, "purge tombstones", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM cards
			WHERE deleted_at IS NOT NULL
			  AND deleted_at < ?
			  AND synced_revision >= revision
			  AND NOT EXISTS (SELECT 1 FROM pending_changes p WHERE p.card_id = cards.id)
		`, nanos(cutoff))
		if err != nil {
			return nil, fmt.Errorf("failed to purge tombstones: %w", err)
		}
		n, err = res.RowsAffected()
		return nil, err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.logger.Info("purged tombstones", "count", n)
	}
	return int(n), nil
}

func hasPending(ctx context.Context, tx *sql.Tx, cardID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_changes WHERE card_id = ?)
	`, cardID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending changes for card %s: %w", cardID, err)
	}
	return exists, nil
}
