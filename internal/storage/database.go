package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Registers the sqlite driver

	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrDeviceMismatch is returned when a database file created by one device is
// opened with another device id.
var ErrDeviceMismatch = errors.New("store belongs to another device")

// Options configures Open.
type Options struct {
	DeviceID string
	Bus      *events.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

// DB is the SQLite card store of one device.
type DB struct {
	conn     *sql.DB
	writeMu  sync.Mutex
	deviceID string
	bus      *events.Bus
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

var (
	_ store.CardStore = (*DB)(nil)
	_ store.SyncStore = (*DB)(nil)
)

// Open opens (creating if needed) the database file at path, applies pending
// migrations and binds the store to opts.DeviceID.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{
		conn:     conn,
		deviceID: opts.DeviceID,
		bus:      opts.Bus,
		logger:   opts.Logger.With(slog.String("component", "card_store")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      opts.Now,
	}
	if err := db.bindDevice(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DeviceID returns the device this store belongs to.
func (db *DB) DeviceID() string {
	return db.deviceID
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

func migrate(ctx context.Context, conn *sql.DB) error {
	dir, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// bindDevice records the device id on first open and refuses a file that was
// created for a different device.
func (db *DB) bindDevice(ctx context.Context) error {
	var existing string
	err := db.conn.QueryRowContext(ctx, `SELECT device_id FROM sync_metadata WHERE id = 1`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO sync_metadata (id, device_id, last_remote_revision) VALUES (1, ?, 0)`, db.deviceID)
		if err != nil {
			return fmt.Errorf("failed to initialize sync metadata: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read sync metadata: %w", err)
	case existing != db.deviceID:
		return fmt.Errorf("%w: %s", ErrDeviceMismatch, existing)
	}
	return nil
}

type cardEvent struct {
	topic   events.Topic
	payload events.CardPayload
}

// write runs fn in a transaction while holding the single-writer lock and
// publishes the collected events once the transaction has committed.
func (db *DB) write(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) ([]cardEvent, error)) error {
	var evs []cardEvent
	commit := func() error {
		db.writeMu.Lock()
		defer db.writeMu.Unlock()
		return store.RunInTransaction(ctx, db.conn, db.logger, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			evs, err = fn(ctx, tx)
			return err
		})
	}
	if err := commit(); err != nil {
		return store.NewIOError(op, err)
	}

	for _, e := range evs {
		if err := db.bus.Publish(ctx, e.topic, e.payload); err != nil {
			db.logger.Warn("event handler failed", "topic", e.topic, "card_id", e.payload.Card.ID, "error", err)
		}
	}
	return nil
}
