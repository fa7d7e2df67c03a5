package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func card(rev int64, device string) domain.Card {
	return domain.Card{
		ID:             uuid.NewString(),
		Question:       "q",
		Answer:         "a",
		Revision:       rev,
		CreatedAt:      t0,
		UpdatedAt:      t0,
		OriginDeviceID: device,
	}
}

func upsert(c domain.Card) Change { return Change{Type: domain.ChangeUpsert, Card: c} }

func TestLedgerApply(t *testing.T) {
	l := NewLedger()

	a := card(1, "device-a")
	res := l.Apply([]Change{upsert(a)})
	assert.Equal(t, []string{a.ID}, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, int64(1), l.Head())

	// Same content again: accepted, no new revision.
	res = l.Apply([]Change{upsert(a)})
	assert.Equal(t, []string{a.ID}, res.Accepted)
	assert.Equal(t, int64(1), l.Head())

	newer := a
	newer.Revision = 2
	newer.Answer = "a2"
	res = l.Apply([]Change{upsert(newer)})
	assert.Equal(t, []string{newer.ID}, res.Accepted)
	assert.Equal(t, int64(2), l.Head())

	// The old version now loses.
	res = l.Apply([]Change{upsert(a)})
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, Rejection{ID: a.ID, Reason: ReasonSuperseded}, res.Rejected[0])

	rec, ok := l.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "a2", rec.Card.Answer)
	assert.Equal(t, int64(2), rec.Revision)
}

func TestLedgerTombstoneWins(t *testing.T) {
	l := NewLedger()
	c := card(5, "device-a")
	l.Apply([]Change{upsert(c)})

	dead := c
	dead.Revision = 1
	at := t0.Add(time.Hour)
	dead.DeletedAt = &at
	res := l.Apply([]Change{{Type: domain.ChangeDelete, Card: dead}})
	assert.Equal(t, []string{c.ID}, res.Accepted, "a tombstone beats a higher revision edit")

	res = l.Apply([]Change{upsert(c)})
	assert.Len(t, res.Rejected, 1, "an edit cannot resurrect a deleted card")
	assert.Equal(t, 0, l.Count(false))
	assert.Equal(t, 1, l.Count(true))
}

func TestLedgerRejectsInvalidChanges(t *testing.T) {
	l := NewLedger()
	c := card(1, "device-a")

	res := l.Apply([]Change{
		{Type: domain.ChangeDelete, Card: c},
		{Type: "rename", Card: c},
		{Type: domain.ChangeUpsert, Card: domain.Card{}},
	})
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 3)
	for _, r := range res.Rejected {
		assert.Contains(t, r.Reason, ReasonInvalid)
	}
	assert.Zero(t, l.Head())
}

func TestLedgerSinceAndReset(t *testing.T) {
	l := NewLedger()
	a, b, c := card(1, "x"), card(1, "x"), card(1, "x")
	l.Apply([]Change{upsert(a), upsert(b)})
	l.Apply([]Change{upsert(c)})

	recs := l.Since(1)
	require.Len(t, recs, 2)
	assert.Equal(t, b.ID, recs[0].Card.ID)
	assert.Equal(t, c.ID, recs[1].Card.ID)
	assert.Empty(t, l.Since(3))

	d := card(7, "y")
	head := l.Reset([]domain.Card{a, d})
	assert.Equal(t, int64(5), head, "revisions keep increasing across a reset")
	assert.Equal(t, 2, l.Count(true))

	recs = l.Since(3)
	require.Len(t, recs, 2, "a device that had seen revision 3 observes the replaced set")
	_, ok := l.Get(b.ID)
	assert.False(t, ok)
}

func TestLedgerJSONRoundTrip(t *testing.T) {
	l := NewLedger()
	a := card(3, "device-a")
	at := t0.Add(time.Minute)
	b := card(1, "device-b")
	b.DeletedAt = &at
	l.Apply([]Change{upsert(a), {Type: domain.ChangeDelete, Card: b}})

	data, err := json.Marshal(l)
	require.NoError(t, err)

	restored := NewLedger()
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, l.Head(), restored.Head())
	assert.Equal(t, l.Since(0), restored.Since(0))

	// Fingerprints are rebuilt, so an identical re-push stays a no-op.
	res := restored.Apply([]Change{upsert(a)})
	assert.Equal(t, []string{a.ID}, res.Accepted)
	assert.Equal(t, l.Head(), restored.Head())

	assert.Error(t, json.Unmarshal([]byte(`{"records":[{"revision":1,"card":{}}]}`), NewLedger()))
}

func TestMemoryAuthentication(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]string{"ana": "secret"})

	_, err := m.Authenticate(ctx, Credentials{Username: "ana", Password: "wrong"})
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, IsRetryable(err))

	s, err := m.Authenticate(ctx, Credentials{Username: "ana", Password: "secret"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)

	_, err = m.Pull(ctx, s, 0)
	require.NoError(t, err)

	m.Revoke("ana")
	_, err = m.Pull(ctx, s, 0)
	assert.ErrorIs(t, err, ErrAuth)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Push(cancelled, s, nil)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err       error
		transient bool
		auth      bool
		protocol  bool
	}{
		{Transient("pull", base), true, false, false},
		{Auth("push", base), false, true, false},
		{Protocol("pull", base), false, false, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transient, errors.Is(tt.err, ErrTransient), tt.err.Error())
		assert.Equal(t, tt.auth, errors.Is(tt.err, ErrAuth), tt.err.Error())
		assert.Equal(t, tt.protocol, errors.Is(tt.err, ErrProtocol), tt.err.Error())
		assert.ErrorIs(t, tt.err, base)
	}
}
