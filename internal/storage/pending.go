package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/store"
)

func appendPending(ctx context.Context, tx *sql.Tx, cardID string, typ domain.ChangeType, revision int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_changes (card_id, change_type, revision, created_at)
		VALUES (?, ?, ?, ?)
	`, cardID, string(typ), revision, nanos(now))
	if err != nil {
		return fmt.Errorf("failed to append pending change for card %s: %w", cardID, err)
	}
	return nil
}

// Pending lists the whole pending log in sequence order.
func (db *DB) Pending(ctx context.Context) ([]domain.PendingChange, error) {
	changes, err := listPending(ctx, db.conn, -1)
	if err != nil {
		return nil, store.NewIOError("list pending", err)
	}
	return changes, nil
}

// PendingSnapshot captures every pending change up to the current maximum
// sequence and the card rows they reference, from one read transaction.
func (db *DB) PendingSnapshot(ctx context.Context) (store.Snapshot, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Snapshot{}, store.NewIOError("pending snapshot", fmt.Errorf("failed to begin read transaction: %w", err))
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM pending_changes`).Scan(&maxSeq); err != nil {
		return store.Snapshot{}, store.NewIOError("pending snapshot", fmt.Errorf("failed to read max sequence: %w", err))
	}
	snap := store.Snapshot{MaxSeq: maxSeq.Int64, Cards: make(map[string]domain.Card)}
	if !maxSeq.Valid {
		return snap, nil
	}

	snap.Changes, err = listPending(ctx, tx, maxSeq.Int64)
	if err != nil {
		return store.Snapshot{}, store.NewIOError("pending snapshot", err)
	}
	for _, ch := range snap.Changes {
		if _, ok := snap.Cards[ch.CardID]; ok {
			continue
		}
		c, err := getCard(ctx, tx, ch.CardID)
		if err != nil {
			return store.Snapshot{}, store.NewIOError("pending snapshot", err)
		}
		snap.Cards[ch.CardID] = c
	}
	return snap, nil
}

// listPending returns entries with seq <= through, or all entries when
// through is negative.
func listPending(ctx context.Context, q queryer, through int64) ([]domain.PendingChange, error) {
	query := `SELECT seq, card_id, change_type, revision, created_at FROM pending_changes`
	var args []any
	if through >= 0 {
		query += ` WHERE seq <= ?`
		args = append(args, through)
	}
	query += ` ORDER BY seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingChange
	for rows.Next() {
		var (
			pc      domain.PendingChange
			typ     string
			created sql.NullInt64
		)
		if err := rows.Scan(&pc.Sequence, &pc.CardID, &typ, &pc.Revision, &created); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		pc.Type = domain.ChangeType(typ)
		pc.CreatedAt = fromNanos(created)
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending changes: %w", err)
	}
	return out, nil
}

// Complete records a successful sync cycle: it consumes the pushed snapshot
// range, marks confirmed revisions as synced and advances the metadata.
func (db *DB) Complete(ctx context.Context, c store.Completion) error {
	return db.write(ctx, "complete sync", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq <= ?`, c.ThroughSeq); err != nil {
			return nil, fmt.Errorf("failed to consume pending changes: %w", err)
		}
		for id, rev := range c.Synced {
			if err := markSynced(ctx, tx, id, rev); err != nil {
				return nil, err
			}
		}
		return nil, saveMetadata(ctx, tx, c.Metadata)
	})
}

func markSynced(ctx context.Context, tx *sql.Tx, id string, rev int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cards SET synced_revision = MAX(synced_revision, ?) WHERE id = ?
	`, rev, id)
	if err != nil {
		return fmt.Errorf("failed to mark card %s synced: %w", id, err)
	}
	return nil
}
