package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/store"
)

const cardColumns = `id, source_uid, question, answer, projects, due, stability, difficulty,
	scheduled_days, reps, lapses, state, last_review, learning_step, suspended,
	buried_until, deleted_at, revision, created_at, updated_at, origin_device_id`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get retrieves a card by id, tombstones included.
func (db *DB) Get(ctx context.Context, id string) (domain.Card, error) {
	c, err := getCard(ctx, db.conn, id)
	if err != nil {
		return domain.Card{}, store.NewIOError("get", err)
	}
	return c, nil
}

// Upsert stores card as a local edit and queues it for sync. An existing
// card must be passed back at the version it was read.
func (db *DB) Upsert(ctx context.Context, card domain.Card) (domain.Card, error) {
	card = card.Normalize()
	if card.IsDeleted() {
		return domain.Card{}, fmt.Errorf("%w: use SoftDelete to tombstone a card", store.ErrInvalidCard)
	}
	if err := db.validateCard(card); err != nil {
		return domain.Card{}, err
	}

	var out domain.Card
	err := db.write(ctx, "upsert", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		now := domain.UTC(db.now())
		topic := events.CardUpdated

		existing, err := getCard(ctx, tx, card.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			topic = events.CardAdded
			if card.CreatedAt.IsZero() {
				card.CreatedAt = now
			}
			if card.Due.IsZero() {
				card.Due = now
			}
			card.Revision = max(card.Revision, 0) + 1
		case err != nil:
			return nil, err
		default:
			if existing.IsDeleted() {
				return nil, fmt.Errorf("%w: %s", store.ErrCardDeleted, card.ID)
			}
			if domain.Compare(card, existing) != 0 {
				return nil, fmt.Errorf("%w: %s is at revision %d, got %d", store.ErrStaleCard, card.ID, existing.Revision, card.Revision)
			}
			if card.Reps < existing.Reps || card.Lapses < existing.Lapses {
				return nil, fmt.Errorf("%w: reps and lapses may not decrease", store.ErrInvalidCard)
			}
			card.CreatedAt = existing.CreatedAt
			card.Revision = existing.Revision + 1
		}
		card.UpdatedAt = now
		card.OriginDeviceID = db.deviceID

		if err := putCard(ctx, tx, card, nil); err != nil {
			return nil, err
		}
		if err := appendPending(ctx, tx, card.ID, domain.ChangeUpsert, card.Revision, now); err != nil {
			return nil, err
		}
		out = card
		return []cardEvent{{topic: topic, payload: events.CardPayload{Card: card}}}, nil
	})
	if err != nil {
		return domain.Card{}, err
	}
	return out, nil
}

// SoftDelete tombstones a card and queues the deletion for sync.
func (db *DB) SoftDelete(ctx context.Context, id string) (domain.Card, error) {
	var out domain.Card
	err := db.write(ctx, "soft delete", func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error) {
		card, err := getCard(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if card.IsDeleted() {
			out = card
			return nil, nil
		}

		now := domain.UTC(db.now())
		card.DeletedAt = &now
		card.Revision++
		card.UpdatedAt = now
		card.OriginDeviceID = db.deviceID

		if err := putCard(ctx, tx, card, nil); err != nil {
			return nil, err
		}
		if err := appendPending(ctx, tx, card.ID, domain.ChangeDelete, card.Revision, now); err != nil {
			return nil, err
		}
		out = card
		return []cardEvent{{topic: events.CardRemoved, payload: events.CardPayload{Card: card}}}, nil
	})
	if err != nil {
		return domain.Card{}, err
	}
	return out, nil
}

// Query lists cards matching f, ordered by creation time then id.
func (db *DB) Query(ctx context.Context, f store.Filter) ([]domain.Card, error) {
	var (
		where []string
		args  []any
	)

	switch f.Deleted {
	case store.NotDeleted:
		where = append(where, "deleted_at IS NULL")
	case store.DeletedOnly:
		where = append(where, "deleted_at IS NOT NULL")
	}
	if f.SourceUID != "" {
		where = append(where, "source_uid = ?")
		args = append(args, f.SourceUID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, int(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Project != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(cards.projects) WHERE json_each.value = ?)")
		args = append(args, f.Project)
	}
	if f.Text != "" {
		pattern := "%" + escapeLike(f.Text) + "%"
		where = append(where, `(question LIKE ? ESCAPE '\' OR answer LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	q := "SELECT " + cardColumns + " FROM cards"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(f.Offset, 0))
	}

	cards, err := queryCards(ctx, db.conn, q, args...)
	if err != nil {
		return nil, store.NewIOError("query", err)
	}
	return cards, nil
}

func (db *DB) validateCard(card domain.Card) error {
	if err := db.validate.Struct(card); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidCard, err)
	}
	if !card.State.Valid() {
		return fmt.Errorf("%w: unknown state %d", store.ErrInvalidCard, card.State)
	}
	return nil
}

func getCard(ctx context.Context, q queryer, id string) (domain.Card, error) {
	row := q.QueryRowContext(ctx, "SELECT "+cardColumns+" FROM cards WHERE id = ?", id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Card{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to find card %s: %w", id, err)
	}
	return c, nil
}

func queryCards(ctx context.Context, q queryer, query string, args ...any) ([]domain.Card, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate card rows: %w", err)
	}
	return cards, nil
}

// putCard inserts or replaces the card row. A non-nil synced sets
// synced_revision; otherwise the stored value is kept.
func putCard(ctx context.Context, tx *sql.Tx, c domain.Card, synced *int64) error {
	projects, err := json.Marshal(nonNil(c.Projects))
	if err != nil {
		return fmt.Errorf("failed to encode projects for card %s: %w", c.ID, err)
	}

	var syncedRev sql.NullInt64
	if synced != nil {
		syncedRev = sql.NullInt64{Int64: *synced, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`, synced_revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, 0))
		ON CONFLICT (id) DO UPDATE SET
			source_uid = excluded.source_uid,
			question = excluded.question,
			answer = excluded.answer,
			projects = excluded.projects,
			due = excluded.due,
			stability = excluded.stability,
			difficulty = excluded.difficulty,
			scheduled_days = excluded.scheduled_days,
			reps = excluded.reps,
			lapses = excluded.lapses,
			state = excluded.state,
			last_review = excluded.last_review,
			learning_step = excluded.learning_step,
			suspended = excluded.suspended,
			buried_until = excluded.buried_until,
			deleted_at = excluded.deleted_at,
			revision = excluded.revision,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			origin_device_id = excluded.origin_device_id,
			synced_revision = COALESCE(?, cards.synced_revision)
	`,
		c.ID,
		c.SourceUID,
		c.Question,
		c.Answer,
		string(projects),
		nanos(c.Due),
		c.Stability,
		c.Difficulty,
		c.ScheduledDays,
		c.Reps,
		c.Lapses,
		int(c.State),
		nullNanos(c.LastReview),
		c.LearningStep,
		c.Suspended,
		nullNanos(c.BuriedUntil),
		nullNanos(c.DeletedAt),
		c.Revision,
		nanos(c.CreatedAt),
		nanos(c.UpdatedAt),
		c.OriginDeviceID,
		syncedRev,
		syncedRev,
	)
	if err != nil {
		return fmt.Errorf("failed to write card %s: %w", c.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(s scanner) (domain.Card, error) {
	var (
		c                             domain.Card
		projects                      string
		due, created, updated         sql.NullInt64
		lastReview, buried, deletedAt sql.NullInt64
		state                         int
	)
	err := s.Scan(
		&c.ID,
		&c.SourceUID,
		&c.Question,
		&c.Answer,
		&projects,
		&due,
		&c.Stability,
		&c.Difficulty,
		&c.ScheduledDays,
		&c.Reps,
		&c.Lapses,
		&state,
		&lastReview,
		&c.LearningStep,
		&c.Suspended,
		&buried,
		&deletedAt,
		&c.Revision,
		&created,
		&updated,
		&c.OriginDeviceID,
	)
	if err != nil {
		return domain.Card{}, err
	}
	if err := json.Unmarshal([]byte(projects), &c.Projects); err != nil {
		return domain.Card{}, fmt.Errorf("failed to decode projects for card %s: %w", c.ID, err)
	}
	if len(c.Projects) == 0 {
		c.Projects = nil
	}
	c.State = domain.State(state)
	c.Due = fromNanos(due)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	c.LastReview = fromNullNanos(lastReview)
	c.BuriedUntil = fromNullNanos(buried)
	c.DeletedAt = fromNullNanos(deletedAt)
	return c, nil
}

// nanos encodes t as unix nanoseconds. The zero time is stored as NULL.
func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return nanos(*t)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
