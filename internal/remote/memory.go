package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/conorfennell/knolsync/internal/domain"
)

var errUnknownSession = errors.New("unknown or expired session")

// Memory is an in-process Remote backed by a Ledger. It keeps a plain
// username to password table and issues random session tokens.
type Memory struct {
	ledger *Ledger

	mu       sync.Mutex
	users    map[string]string
	sessions map[string]string
}

var _ Remote = (*Memory)(nil)

// NewMemory creates an empty remote that accepts the given users.
func NewMemory(users map[string]string) *Memory {
	m := &Memory{
		ledger:   NewLedger(),
		users:    make(map[string]string, len(users)),
		sessions: make(map[string]string),
	}
	for u, p := range users {
		m.users[u] = p
	}
	return m
}

// Ledger exposes the backing dataset.
func (m *Memory) Ledger() *Ledger {
	return m.ledger
}

// Revoke invalidates every session of user.
func (m *Memory) Revoke(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, u := range m.sessions {
		if u == user {
			delete(m.sessions, tok)
		}
	}
}

func (m *Memory) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, Transient("authenticate", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	want, ok := m.users[creds.Username]
	if !ok || want != creds.Password {
		return Session{}, Auth("authenticate", errors.New("invalid username or password"))
	}
	tok := uuid.NewString()
	m.sessions[tok] = creds.Username
	return Session{Token: tok, User: creds.Username}, nil
}

func (m *Memory) check(ctx context.Context, op string, s Session) error {
	if err := ctx.Err(); err != nil {
		return Transient(op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; !ok {
		return Auth(op, errUnknownSession)
	}
	return nil
}

func (m *Memory) Pull(ctx context.Context, s Session, since int64) ([]Record, error) {
	if err := m.check(ctx, "pull", s); err != nil {
		return nil, err
	}
	return m.ledger.Since(since), nil
}

func (m *Memory) Push(ctx context.Context, s Session, changes []Change) (PushResult, error) {
	if err := m.check(ctx, "push", s); err != nil {
		return PushResult{}, err
	}
	return m.ledger.Apply(changes), nil
}

func (m *Memory) Replace(ctx context.Context, s Session, cards []domain.Card) (int64, error) {
	if err := m.check(ctx, "replace", s); err != nil {
		return 0, err
	}
	return m.ledger.Reset(cards), nil
}
