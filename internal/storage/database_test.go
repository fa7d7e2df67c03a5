package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/store"
)

const testDevice = "device-a"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []events.Topic
}

func (r *topicRecorder) HandleEvent(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, e.Topic)
	return nil
}

func (r *topicRecorder) get() []events.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Topic(nil), r.topics...)
}

func openTestDB(t *testing.T, bus *events.Bus) (*DB, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "cards.db"), Options{
		DeviceID: testDevice,
		Bus:      bus,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clock
}

func newCard(question string) domain.Card {
	return domain.Card{
		ID:       uuid.NewString(),
		Question: question,
		Answer:   "answer to " + question,
	}
}

func TestOpenBindsDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.db")
	ctx := context.Background()

	db, err := Open(ctx, path, Options{DeviceID: testDevice})
	require.NoError(t, err)
	meta, err := db.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDevice, meta.DeviceID)
	assert.True(t, meta.IsFirstSync())
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, Options{DeviceID: testDevice})
	require.NoError(t, err, "reopening with the same device must succeed")
	require.NoError(t, db.Close())

	_, err = Open(ctx, path, Options{DeviceID: "device-b"})
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	_, err = Open(ctx, path, Options{})
	assert.Error(t, err)
}

func TestUpsertInsertsCardAndPendingChange(t *testing.T) {
	bus := events.NewBus(nil)
	rec := &topicRecorder{}
	bus.Subscribe(rec)
	db, clock := openTestDB(t, bus)
	ctx := context.Background()

	saved, err := db.Upsert(ctx, newCard("q1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), saved.Revision)
	assert.Equal(t, testDevice, saved.OriginDeviceID)
	assert.Equal(t, clock.Now(), saved.UpdatedAt)
	assert.Equal(t, clock.Now(), saved.CreatedAt)
	assert.Equal(t, clock.Now(), saved.Due, "a new card is due immediately")

	got, err := db.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, saved.ID, pending[0].CardID)
	assert.Equal(t, domain.ChangeUpsert, pending[0].Type)
	assert.Equal(t, int64(1), pending[0].Revision)

	assert.Equal(t, []events.Topic{events.CardAdded}, rec.get())
}

func TestUpsertIncrementsRevision(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	c, err := db.Upsert(ctx, newCard("q"))
	require.NoError(t, err)
	created := c.CreatedAt

	clock.Advance(time.Minute)
	c.Answer = "edited"
	c.CreatedAt = time.Time{}
	c, err = db.Upsert(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, int64(2), c.Revision)
	assert.Equal(t, created, c.CreatedAt, "creation time is preserved")
	assert.Equal(t, clock.Now(), c.UpdatedAt)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "every mutation appends exactly one change")
	assert.Less(t, pending[0].Sequence, pending[1].Sequence)
}

func TestUpsertRejectsStaleCopy(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	saved, err := db.Upsert(ctx, newCard("local q"))
	require.NoError(t, err)
	read, err := db.Get(ctx, saved.ID)
	require.NoError(t, err)

	// A sync merge lands between the read and the write.
	clock.Advance(time.Minute)
	remote := read
	remote.Question = "remote edit"
	remote.Revision = 5
	remote.UpdatedAt = clock.Now()
	remote.OriginDeviceID = "device-b"
	_, err = db.MergeRemote(ctx, []domain.Card{remote}, takeRemote)
	require.NoError(t, err)

	read.Reps++
	_, err = db.Upsert(ctx, read)
	require.ErrorIs(t, err, store.ErrStaleCard)

	got, err := db.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote edit", got.Question)
	assert.Equal(t, int64(5), got.Revision)
	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got.Reps++
	updated, err := db.Upsert(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "remote edit", updated.Question)
	assert.Equal(t, int64(6), updated.Revision)
}

func TestTimestampsRoundTrip(t *testing.T) {
	db, _ := openTestDB(t, nil)
	ctx := context.Background()

	epoch := time.Unix(0, 0).UTC()
	c := newCard("epoch")
	c.Due = epoch
	c.LastReview = &epoch
	saved, err := db.Upsert(ctx, c)
	require.NoError(t, err)

	got, err := db.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, got.Due.Equal(epoch))
	assert.False(t, got.Due.IsZero(), "the unix epoch is a real time")
	require.NotNil(t, got.LastReview)
	assert.True(t, got.LastReview.Equal(epoch))

	remote := remoteCard("no times", 1, time.Time{})
	_, err = db.MergeRemote(ctx, []domain.Card{remote}, takeRemote)
	require.NoError(t, err)
	got, err = db.Get(ctx, remote.ID)
	require.NoError(t, err)
	assert.True(t, got.Due.IsZero())
	assert.True(t, got.UpdatedAt.IsZero())
}

func TestUpsertValidation(t *testing.T) {
	db, _ := openTestDB(t, nil)
	ctx := context.Background()

	_, err := db.Upsert(ctx, domain.Card{ID: "not-a-uuid"})
	assert.ErrorIs(t, err, store.ErrInvalidCard)

	bad := newCard("q")
	bad.Reps = -1
	_, err = db.Upsert(ctx, bad)
	assert.ErrorIs(t, err, store.ErrInvalidCard)

	c, err := db.Upsert(ctx, newCard("q"))
	require.NoError(t, err)
	c.Reps = 3
	c, err = db.Upsert(ctx, c)
	require.NoError(t, err)
	c.Reps = 2
	_, err = db.Upsert(ctx, c)
	assert.ErrorIs(t, err, store.ErrInvalidCard, "reps may not decrease")

	n, err := db.Count(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "rejected writes leave no pending change behind")
}

func TestSoftDelete(t *testing.T) {
	bus := events.NewBus(nil)
	rec := &topicRecorder{}
	bus.Subscribe(rec, events.CardRemoved)
	db, _ := openTestDB(t, bus)
	ctx := context.Background()

	c, err := db.Upsert(ctx, newCard("q"))
	require.NoError(t, err)

	deleted, err := db.SoftDelete(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, int64(2), deleted.Revision)

	again, err := db.SoftDelete(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, deleted, again, "deleting a tombstone is a no-op")

	_, err = db.Upsert(ctx, c)
	assert.ErrorIs(t, err, store.ErrCardDeleted)

	_, err = db.SoftDelete(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.ChangeDelete, pending[1].Type)
	assert.Equal(t, []events.Topic{events.CardRemoved}, rec.get())

	live, err := db.Count(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, live)
}

func TestGetNotFound(t *testing.T) {
	db, _ := openTestDB(t, nil)
	_, err := db.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQuery(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	mk := func(q string, uid string, state domain.State, projects ...string) domain.Card {
		c := newCard(q)
		c.SourceUID = uid
		c.State = state
		c.Projects = projects
		clock.Advance(time.Second)
		saved, err := db.Upsert(ctx, c)
		require.NoError(t, err)
		return saved
	}

	goroutines := mk("What is a goroutine?", "note-1", domain.New, "go")
	channels := mk("What is a channel?", "note-1", domain.Review, "go", "concurrency")
	btree := mk("What is a B-tree?", "note-2", domain.Learning, "db")
	percent := mk("What does 100% mean?", "note-3", domain.New)
	gone := mk("Deleted card", "note-2", domain.New, "db")
	_, err := db.SoftDelete(ctx, gone.ID)
	require.NoError(t, err)

	ids := func(cards []domain.Card) []string {
		var out []string
		for _, c := range cards {
			out = append(out, c.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{"all live cards", store.Filter{}, []string{goroutines.ID, channels.ID, btree.ID, percent.ID}},
		{"by source uid", store.Filter{SourceUID: "note-1"}, []string{goroutines.ID, channels.ID}},
		{"by state", store.Filter{States: []domain.State{domain.Review, domain.Learning}}, []string{channels.ID, btree.ID}},
		{"by project", store.Filter{Project: "concurrency"}, []string{channels.ID}},
		{"by text, case-insensitive", store.Filter{Text: "WHAT IS A"}, []string{goroutines.ID, channels.ID, btree.ID}},
		{"text matches answers", store.Filter{Text: "answer to what is a b-tree"}, []string{btree.ID}},
		{"like wildcards are literal", store.Filter{Text: "100%"}, []string{percent.ID}},
		{"deleted only", store.Filter{Deleted: store.DeletedOnly}, []string{gone.ID}},
		{"deleted and live", store.Filter{Deleted: store.DeletedAny, SourceUID: "note-2"}, []string{btree.ID, gone.ID}},
		{"first page", store.Filter{Limit: 2}, []string{goroutines.ID, channels.ID}},
		{"second page", store.Filter{Limit: 2, Offset: 2}, []string{btree.ID, percent.ID}},
		{"offset only", store.Filter{Offset: 3}, []string{percent.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	db, _ := openTestDB(t, nil)
	ctx := context.Background()

	c, err := db.Upsert(ctx, newCard("shared"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Upsert(ctx, newCard("parallel"))
			assert.NoError(t, err)
			_, err = db.Query(ctx, store.Filter{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := db.Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 9)

	got, err := db.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
