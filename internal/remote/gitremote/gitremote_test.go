package gitremote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/storage"
	syncengine "github.com/conorfennell/knolsync/internal/sync"
)

func bareRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(dir, true)
	require.NoError(t, err)
	return dir
}

func newRemote(t *testing.T, url string) *Remote {
	t.Helper()
	r, err := New(Config{
		URL:         url,
		Dir:         filepath.Join(t.TempDir(), "work"),
		AuthorName:  "knolsync",
		AuthorEmail: "sync@example.com",
	}, nil)
	require.NoError(t, err)
	return r
}

func login(t *testing.T, r *Remote) remote.Session {
	t.Helper()
	s, err := r.Authenticate(context.Background(), remote.Credentials{})
	require.NoError(t, err)
	return s
}

func card(question string) domain.Card {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return domain.Card{
		ID:             uuid.NewString(),
		Question:       question,
		Answer:         "a",
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
		OriginDeviceID: "device-a",
	}
}

func tip(t *testing.T, bare string) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	return ref.Hash()
}

func TestNewRequiresLocation(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "/tmp/x.git"}, nil)
	assert.Error(t, err)
}

func TestAuthenticateRequiresAuthor(t *testing.T) {
	r, err := New(Config{URL: bareRepo(t), Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrAuth)
}

func TestUnknownSession(t *testing.T) {
	r := newRemote(t, bareRepo(t))
	_, err := r.Pull(context.Background(), remote.Session{Token: "nope"}, 0)
	assert.ErrorIs(t, err, remote.ErrAuth)
}

func TestEmptyRemote(t *testing.T) {
	r := newRemote(t, bareRepo(t))
	records, err := r.Pull(context.Background(), login(t, r), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPushIsVisibleToOtherWorkingCopies(t *testing.T) {
	ctx := context.Background()
	bare := bareRepo(t)
	a, b := newRemote(t, bare), newRemote(t, bare)
	sa := login(t, a)

	c1, c2 := card("one"), card("two")
	res, err := a.Push(ctx, sa, []remote.Change{
		{Type: domain.ChangeUpsert, Card: c1},
		{Type: domain.ChangeUpsert, Card: c2},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, res.Accepted)

	sb := login(t, b)
	records, err := b.Pull(ctx, sb, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, c1, records[0].Card)
	assert.Equal(t, int64(1), records[0].Revision)

	edited := c1
	edited.Answer = "b"
	edited.Revision = 2
	edited.UpdatedAt = c1.UpdatedAt.Add(time.Minute)
	_, err = b.Push(ctx, sb, []remote.Change{{Type: domain.ChangeUpsert, Card: edited}})
	require.NoError(t, err)

	records, err = a.Pull(ctx, sa, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].Card.Answer)
	assert.Equal(t, int64(3), records[0].Revision)
}

func TestIdenticalPushDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	bare := bareRepo(t)
	r := newRemote(t, bare)
	s := login(t, r)
	c := card("q")

	_, err := r.Push(ctx, s, []remote.Change{{Type: domain.ChangeUpsert, Card: c}})
	require.NoError(t, err)
	before := tip(t, bare)

	res, err := r.Push(ctx, s, []remote.Change{{Type: domain.ChangeUpsert, Card: c}})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, res.Accepted)
	assert.Equal(t, before, tip(t, bare))
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	bare := bareRepo(t)
	r := newRemote(t, bare)
	s := login(t, r)

	_, err := r.Push(ctx, s, []remote.Change{{Type: domain.ChangeUpsert, Card: card("old")}})
	require.NoError(t, err)

	keep := card("kept")
	head, err := r.Replace(ctx, s, []domain.Card{keep})
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	reopened := newRemote(t, bare)
	records, err := reopened.Pull(ctx, login(t, reopened), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keep.ID, records[0].Card.ID)
}

func TestCorruptLedgerIsProtocolError(t *testing.T) {
	ctx := context.Background()
	bare := bareRepo(t)
	r := newRemote(t, bare)
	_, err := r.Push(ctx, login(t, r), []remote.Change{{Type: domain.ChangeUpsert, Card: card("q")}})
	require.NoError(t, err)

	repo, err := git.PlainOpen(r.cfg.Dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(r.cfg.Dir, LedgerFile), []byte("{not json"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(LedgerFile)
	require.NoError(t, err)
	_, err = wt.Commit("break", &git.CommitOptions{Author: &object.Signature{Name: "x", Email: "x@example.com", When: time.Now()}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: remoteName}))

	other := newRemote(t, bare)
	_, err = other.Authenticate(ctx, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrProtocol)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"non fast forward", fmt.Errorf("push: %w", git.ErrNonFastForwardUpdate), remote.ErrTransient},
		{"io", os.ErrPermission, remote.ErrTransient},
		{"corrupt", &corruptLedgerError{err: os.ErrInvalid}, remote.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("push", tt.err), tt.want)
		})
	}
	assert.ErrorIs(t, classify("pull", context.Canceled), context.Canceled)
}

func TestDevicesConvergeThroughGit(t *testing.T) {
	ctx := context.Background()
	bare := bareRepo(t)

	open := func(id string) (*storage.DB, *syncengine.Engine) {
		db, err := storage.Open(ctx, filepath.Join(t.TempDir(), id+".db"), storage.Options{DeviceID: id})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		cfg := syncengine.DefaultConfig()
		cfg.Retry.InitialDelay = time.Millisecond
		cfg.Retry.MaxDelay = 2 * time.Millisecond
		eng, err := syncengine.New(db, newRemote(t, bare), cfg, syncengine.Options{})
		require.NoError(t, err)
		return db, eng
	}
	dbA, engA := open("device-a")
	dbB, engB := open("device-b")

	created, err := dbA.Upsert(ctx, domain.Card{ID: uuid.NewString(), Question: "2+2", Answer: "4"})
	require.NoError(t, err)
	_, err = engA.Sync(ctx)
	require.NoError(t, err)

	res, err := engB.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	got, err := dbB.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "4", got.Answer)
}
