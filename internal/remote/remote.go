// Package remote defines the contract between the sync engine and the shared
// remote card store, and provides the reference ledger every implementation
// merges with.
package remote

import (
	"context"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

// Credentials identify a user to the remote.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is an authenticated handle returned by Authenticate.
type Session struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Record is one card as stored remotely. Revision is the remote's change
// number, assigned in increasing order across the whole dataset; it is the
// pull cursor and is unrelated to Card.Revision.
type Record struct {
	Card     domain.Card `json:"card"`
	Revision int64       `json:"revision"`
}

// Change is one pushed mutation. Card is the full local row at push time.
type Change struct {
	Type domain.ChangeType `json:"type"`
	Card domain.Card       `json:"card"`
}

// Rejection explains why the remote refused a change.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Rejection reasons.
const (
	ReasonSuperseded = "superseded"
	ReasonInvalid    = "invalid"
)

// PushResult lists the card ids the remote accepted and rejected. Every pushed
// change appears in exactly one of the two.
type PushResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// Remote is the shared card store every device syncs with.
//
// Implementations classify failures with *Error: ErrTransient for anything a
// retry may fix, ErrAuth when the session or credentials are refused.
type Remote interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)

	// Pull returns every record with a revision greater than since, in
	// revision order.
	Pull(ctx context.Context, s Session, since int64) ([]Record, error)

	// Push offers changes to the remote. Re-pushing an accepted change is a
	// no-op.
	Push(ctx context.Context, s Session, changes []Change) (PushResult, error)

	// Replace discards the remote dataset and stores cards instead. It returns
	// the remote head revision afterwards.
	Replace(ctx context.Context, s Session, cards []domain.Card) (int64, error)
}
