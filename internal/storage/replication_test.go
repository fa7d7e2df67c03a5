package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/store"
)

func keepLocal(domain.Card, bool, domain.Card) store.Decision { return store.KeepLocal }
func takeRemote(domain.Card, bool, domain.Card) store.Decision { return store.TakeRemote }

func remoteCard(question string, rev int64, at time.Time) domain.Card {
	c := newCard(question)
	c.Revision = rev
	c.CreatedAt = at
	c.UpdatedAt = at
	c.Due = at
	c.OriginDeviceID = "device-b"
	return c
}

func TestPendingSnapshotAndComplete(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	a, err := db.Upsert(ctx, newCard("a"))
	require.NoError(t, err)
	b, err := db.Upsert(ctx, newCard("b"))
	require.NoError(t, err)
	a.Answer = "a2"
	a, err = db.Upsert(ctx, a)
	require.NoError(t, err)

	snap, err := db.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Changes, 3)
	assert.Len(t, snap.Cards, 2)
	assert.Equal(t, a, snap.Cards[a.ID], "snapshot carries the latest row")
	assert.Equal(t, snap.Changes[2].Sequence, snap.MaxSeq)

	// A write racing with the push lands after the snapshot.
	clock.Advance(time.Second)
	c, err := db.Upsert(ctx, newCard("c"))
	require.NoError(t, err)

	now := clock.Now()
	require.NoError(t, db.Complete(ctx, store.Completion{
		ThroughSeq: snap.MaxSeq,
		Synced:     map[string]int64{a.ID: a.Revision, b.ID: b.Revision},
		Metadata:   domain.SyncMetadata{DeviceID: testDevice, LastSyncAt: &now, LastRemoteRevision: 7},
	}))

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "changes after the snapshot survive")
	assert.Equal(t, c.ID, pending[0].CardID)

	meta, err := db.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, meta.IsFirstSync())
	assert.Equal(t, int64(7), meta.LastRemoteRevision)
	assert.Equal(t, now, *meta.LastSyncAt)
}

func TestPendingSnapshotEmpty(t *testing.T) {
	db, _ := openTestDB(t, nil)
	snap, err := db.PendingSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
	assert.Zero(t, snap.MaxSeq)
}

func TestMergeRemoteInsertsUnknownCards(t *testing.T) {
	bus := events.NewBus(nil)
	rec := &topicRecorder{}
	bus.Subscribe(rec)
	db, clock := openTestDB(t, bus)
	ctx := context.Background()

	live := remoteCard("remote", 4, clock.Now())
	dead := remoteCard("remote tombstone", 2, clock.Now())
	deletedAt := clock.Now()
	dead.DeletedAt = &deletedAt

	stats, err := db.MergeRemote(ctx, []domain.Card{live, dead}, keepLocal)
	require.NoError(t, err)
	assert.Equal(t, store.MergeStats{Applied: 2}, stats)

	got, err := db.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, live, got, "remote rows keep their revision and origin")

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "pulled cards are not queued for push")
	assert.Equal(t, []events.Topic{events.CardAdded}, rec.get())
}

func TestMergeRemoteUnchanged(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	c := remoteCard("same", 3, clock.Now())
	_, err := db.MergeRemote(ctx, []domain.Card{c}, takeRemote)
	require.NoError(t, err)

	stats, err := db.MergeRemote(ctx, []domain.Card{c}, func(domain.Card, bool, domain.Card) store.Decision {
		t.Fatal("resolver must not run for identical cards")
		return store.KeepLocal
	})
	require.NoError(t, err)
	assert.Equal(t, store.MergeStats{Unchanged: 1}, stats)
}

func TestMergeRemoteConflict(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*DB, domain.Card, domain.Card) {
		db, clock := openTestDB(t, nil)
		local, err := db.Upsert(ctx, newCard("local"))
		require.NoError(t, err)

		clock.Advance(time.Minute)
		remote := local
		remote.Answer = "edited elsewhere"
		remote.Revision = local.Revision + 1
		remote.UpdatedAt = clock.Now()
		remote.OriginDeviceID = "device-b"
		return db, local, remote
	}

	t.Run("local wins", func(t *testing.T) {
		db, local, remote := setup(t)
		var sawPending bool
		stats, err := db.MergeRemote(ctx, []domain.Card{remote}, func(_ domain.Card, pending bool, _ domain.Card) store.Decision {
			sawPending = pending
			return store.KeepLocal
		})
		require.NoError(t, err)
		assert.True(t, sawPending)
		assert.Equal(t, store.MergeStats{Conflicts: 1, LocalWins: 1}, stats)

		got, err := db.Get(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, local, got)

		pending, err := db.Pending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("remote wins", func(t *testing.T) {
		db, local, remote := setup(t)
		stats, err := db.MergeRemote(ctx, []domain.Card{remote}, takeRemote)
		require.NoError(t, err)
		assert.Equal(t, store.MergeStats{Applied: 1, Conflicts: 1, RemoteWins: 1}, stats)

		got, err := db.Get(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited elsewhere", got.Answer)

		pending, err := db.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending, "the losing local change is dropped")
	})

	t.Run("no pending change", func(t *testing.T) {
		db, local, remote := setup(t)
		snap, err := db.PendingSnapshot(ctx)
		require.NoError(t, err)
		require.NoError(t, db.Complete(ctx, store.Completion{ThroughSeq: snap.MaxSeq}))

		stats, err := db.MergeRemote(ctx, []domain.Card{remote}, takeRemote)
		require.NoError(t, err)
		assert.Equal(t, store.MergeStats{Applied: 1}, stats)

		got, err := db.Get(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, remote, got)
	})
}

func TestReplaceAll(t *testing.T) {
	bus := events.NewBus(nil)
	rec := &topicRecorder{}
	bus.Subscribe(rec, events.CardRemoved)
	db, clock := openTestDB(t, bus)
	ctx := context.Background()

	old, err := db.Upsert(ctx, newCard("old"))
	require.NoError(t, err)

	incoming := []domain.Card{
		remoteCard("one", 1, clock.Now()),
		remoteCard("two", 5, clock.Now()),
	}
	now := clock.Now()
	require.NoError(t, db.ReplaceAll(ctx, incoming, domain.SyncMetadata{LastSyncAt: &now, LastRemoteRevision: 9}))

	all, err := db.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_, err = db.Get(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	meta, err := db.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.LastRemoteRevision)
	assert.Equal(t, testDevice, meta.DeviceID, "replacing data keeps the device binding")

	assert.Equal(t, []events.Topic{events.CardRemoved}, rec.get())
}

func TestPurgeTombstones(t *testing.T) {
	db, clock := openTestDB(t, nil)
	ctx := context.Background()

	synced, err := db.Upsert(ctx, newCard("synced"))
	require.NoError(t, err)
	synced, err = db.SoftDelete(ctx, synced.ID)
	require.NoError(t, err)

	snap, err := db.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Complete(ctx, store.Completion{
		ThroughSeq: snap.MaxSeq,
		Synced:     map[string]int64{synced.ID: synced.Revision},
	}))

	unsynced, err := db.Upsert(ctx, newCard("unsynced"))
	require.NoError(t, err)
	_, err = db.SoftDelete(ctx, unsynced.ID)
	require.NoError(t, err)

	alive, err := db.Upsert(ctx, newCard("alive"))
	require.NoError(t, err)

	n, err := db.PurgeTombstones(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "tombstones younger than the cutoff stay")

	clock.Advance(48 * time.Hour)
	n, err = db.PurgeTombstones(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Get(ctx, synced.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.Get(ctx, unsynced.ID)
	assert.NoError(t, err, "a tombstone not yet pushed is kept")
	_, err = db.Get(ctx, alive.ID)
	assert.NoError(t, err)
}

func TestIOErrorWrapping(t *testing.T) {
	db, _ := openTestDB(t, nil)
	require.NoError(t, db.Close())

	_, err := db.Get(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStoreIO)

	var ioErr *store.IOError
	assert.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "get", ioErr.Op)
}
