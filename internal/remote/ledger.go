package remote

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/knol"
)

type entry struct {
	card        domain.Card
	revision    int64
	fingerprint string
}

// Ledger is the authoritative dataset of a remote. It accepts a pushed card
// only when the card wins the domain total order against what is stored, so
// every device that pushes and pulls through it converges. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]entry
	head    int64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]entry)}
}

// Head returns the highest revision assigned so far.
func (l *Ledger) Head() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Count returns the number of live cards, or of all records when
// includeDeleted is set.
func (l *Ledger) Count(includeDeleted bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if includeDeleted {
		return len(l.entries)
	}
	n := 0
	for _, e := range l.entries {
		if !e.card.IsDeleted() {
			n++
		}
	}
	return n
}

// Get returns the stored record for id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Record{}, false
	}
	return Record{Card: e.card.Clone(), Revision: e.revision}, true
}

// Apply merges changes in order and reports which were accepted.
//
// A change identical to the stored card is accepted without a new revision,
// so re-pushing is a no-op. A change that loses to the stored card is rejected
// as superseded; its author receives the winner on the next pull.
func (l *Ledger) Apply(changes []Change) PushResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := PushResult{Accepted: []string{}, Rejected: []Rejection{}}
	for _, ch := range changes {
		card := ch.Card.Normalize()
		if reason := checkChange(ch.Type, card); reason != "" {
			res.Rejected = append(res.Rejected, Rejection{ID: card.ID, Reason: reason})
			continue
		}

		fp := knol.Hash(card)
		stored, ok := l.entries[card.ID]
		switch {
		case ok && stored.fingerprint == fp:
			res.Accepted = append(res.Accepted, card.ID)
		case !ok || domain.Wins(card, stored.card):
			l.head++
			l.entries[card.ID] = entry{card: card, revision: l.head, fingerprint: fp}
			res.Accepted = append(res.Accepted, card.ID)
		default:
			res.Rejected = append(res.Rejected, Rejection{ID: card.ID, Reason: ReasonSuperseded})
		}
	}
	return res
}

func checkChange(typ domain.ChangeType, card domain.Card) string {
	if card.ID == "" {
		return ReasonInvalid + ": missing id"
	}
	switch typ {
	case domain.ChangeUpsert:
		if card.IsDeleted() {
			return ReasonInvalid + ": upsert carries a tombstone"
		}
	case domain.ChangeDelete:
		if !card.IsDeleted() {
			return ReasonInvalid + ": delete without tombstone"
		}
	default:
		return fmt.Sprintf("%s: unknown change type %q", ReasonInvalid, typ)
	}
	return ""
}

// Since returns every record with a revision greater than since, in revision
// order.
func (l *Ledger) Since(since int64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since(since)
}

func (l *Ledger) since(since int64) []Record {
	out := make([]Record, 0)
	for _, e := range l.entries {
		if e.revision > since {
			out = append(out, Record{Card: e.card.Clone(), Revision: e.revision})
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Compare(a.Revision, b.Revision)
	})
	return out
}

// Reset replaces the whole dataset with cards. Revisions keep increasing from
// the current head so devices pulling incrementally still see every card.
func (l *Ledger) Reset(cards []domain.Card) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make(map[string]entry, len(cards))
	for _, c := range cards {
		c = c.Normalize()
		l.head++
		entries[c.ID] = entry{card: c, revision: l.head, fingerprint: knol.Hash(c)}
	}
	l.entries = entries
	return l.head
}

type ledgerJSON struct {
	Head    int64    `json:"head"`
	Records []Record `json:"records"`
}

// MarshalJSON encodes the ledger with its records in revision order.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	doc := ledgerJSON{Head: l.head, Records: l.since(0)}
	l.mu.RUnlock()
	return json.Marshal(doc)
}

// UnmarshalJSON replaces the ledger contents with the encoded dataset.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var doc ledgerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode ledger: %w", err)
	}

	entries := make(map[string]entry, len(doc.Records))
	head := doc.Head
	for _, r := range doc.Records {
		if r.Card.ID == "" {
			return fmt.Errorf("failed to decode ledger: record %d has no card id", r.Revision)
		}
		c := r.Card.Normalize()
		entries[c.ID] = entry{card: c, revision: r.Revision, fingerprint: knol.Hash(c)}
		head = max(head, r.Revision)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	l.head = head
	return nil
}
