// Package review is the entry point for study sessions: it creates and grades
// cards, applies manual scheduling actions and builds the daily queue.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/knolsync/internal/dayboundary"
	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/fsrs"
	"github.com/conorfennell/knolsync/internal/store"
)

var (
	// ErrEmptyCard is returned when a card would have no question or answer.
	ErrEmptyCard = errors.New("card needs a question and an answer")

	// ErrNoNoteIdentity is returned by CreateFromNote when the service was
	// built without a NoteIdentity.
	ErrNoNoteIdentity = errors.New("no note identity provider configured")
)

// NoteIdentity resolves a note path to a UID that survives renames.
type NoteIdentity interface {
	UID(ctx context.Context, notePath string) (string, error)
}

// SettingsProvider supplies the current scheduler and day settings. It is
// consulted on every call, so reloaded settings take effect immediately.
type SettingsProvider interface {
	Scheduler() (fsrs.Weights, fsrs.Config)
	DayStartHour() int
}

// Clock tells the time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewCard is the user-supplied part of a card.
type NewCard struct {
	Question string
	Answer   string
	Projects []string
}

// Edit changes card content. Nil fields are left alone; an empty non-nil
// Projects clears the tags.
type Edit struct {
	Question *string
	Answer   *string
	Projects []string
}

// Limits caps the new and review cards of one logical day.
type Limits struct {
	New    int
	Review int
}

// Options configures a Service.
type Options struct {
	Notes      NoteIdentity
	Clock      Clock
	Location   *time.Location
	LearnAhead time.Duration
	Logger     *slog.Logger
}

// Service applies review operations to a card store.
type Service struct {
	cards    store.CardStore
	settings SettingsProvider
	notes    NoteIdentity
	clock    Clock
	loc      *time.Location
	ahead    time.Duration
	logger   *slog.Logger
}

// NewService creates a review service over cards.
func NewService(cards store.CardStore, settings SettingsProvider, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		cards:    cards,
		settings: settings,
		notes:    opts.Notes,
		clock:    opts.Clock,
		loc:      opts.Location,
		ahead:    opts.LearnAhead,
		logger:   opts.Logger.With(slog.String("component", "review_service")),
	}
}

// Create adds a new card, due immediately.
func (s *Service) Create(ctx context.Context, nc NewCard) (domain.Card, error) {
	return s.create(ctx, nc, "")
}

// CreateFromNote adds a new card linked to the note at notePath by its UID.
func (s *Service) CreateFromNote(ctx context.Context, notePath string, nc NewCard) (domain.Card, error) {
	if s.notes == nil {
		return domain.Card{}, ErrNoNoteIdentity
	}
	uid, err := s.notes.UID(ctx, notePath)
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to resolve note %s: %w", notePath, err)
	}
	return s.create(ctx, nc, uid)
}

func (s *Service) create(ctx context.Context, nc NewCard, sourceUID string) (domain.Card, error) {
	q, a := strings.TrimSpace(nc.Question), strings.TrimSpace(nc.Answer)
	if q == "" || a == "" {
		return domain.Card{}, ErrEmptyCard
	}
	now := s.clock.Now()
	card, err := s.cards.Upsert(ctx, domain.Card{
		ID:        uuid.NewString(),
		SourceUID: sourceUID,
		Question:  q,
		Answer:    a,
		Projects:  nc.Projects,
		Schedule:  domain.Schedule{State: domain.New, Due: now},
		CreatedAt: now,
	})
	if err != nil {
		return domain.Card{}, fmt.Errorf("failed to create card: %w", err)
	}
	s.logger.Debug("created card", "card_id", card.ID, "source_uid", sourceUID)
	return card, nil
}

// Grade records a review of card id and stores the next schedule.
func (s *Service) Grade(ctx context.Context, id string, rating fsrs.Rating) (domain.Card, error) {
	return s.update(ctx, "grade", id, func(c domain.Card) (domain.Card, error) {
		weights, cfg := s.settings.Scheduler()
		next, err := fsrs.Transition(c, rating, s.clock.Now(), weights, cfg)
		if err != nil {
			return c, err
		}
		s.logger.Debug("graded card",
			"card_id", id,
			"rating", rating.String(),
			"state", next.State.String(),
			"due", next.Due)
		return next, nil
	})
}

// Edit changes the content of card id. Scheduling state is untouched.
func (s *Service) Edit(ctx context.Context, id string, e Edit) (domain.Card, error) {
	return s.update(ctx, "edit", id, func(c domain.Card) (domain.Card, error) {
		if e.Question != nil {
			c.Question = strings.TrimSpace(*e.Question)
		}
		if e.Answer != nil {
			c.Answer = strings.TrimSpace(*e.Answer)
		}
		if e.Projects != nil {
			c.Projects = e.Projects
		}
		if c.Question == "" || c.Answer == "" {
			return c, ErrEmptyCard
		}
		return c, nil
	})
}

// Suspend sets or clears the suspended flag.
func (s *Service) Suspend(ctx context.Context, id string, suspended bool) (domain.Card, error) {
	return s.update(ctx, "suspend", id, func(c domain.Card) (domain.Card, error) {
		c.Suspended = suspended
		return c, nil
	})
}

// Bury hides card id until the current logical day ends.
func (s *Service) Bury(ctx context.Context, id string) (domain.Card, error) {
	days, err := s.days()
	if err != nil {
		return domain.Card{}, err
	}
	return s.update(ctx, "bury", id, func(c domain.Card) (domain.Card, error) {
		until := days.LogicalDay(s.clock.Now()).End
		c.BuriedUntil = &until
		return c, nil
	})
}

// Reschedule moves the due time of card id without grading it.
func (s *Service) Reschedule(ctx context.Context, id string, due time.Time) (domain.Card, error) {
	if due.IsZero() {
		return domain.Card{}, errors.New("due time is required")
	}
	return s.update(ctx, "reschedule", id, func(c domain.Card) (domain.Card, error) {
		c.Due = due
		c.BuriedUntil = nil
		return c, nil
	})
}

// Delete tombstones card id.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.cards.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	return nil
}

// DueQueue returns the cards to study now, in study order, capped by limits.
func (s *Service) DueQueue(ctx context.Context, limits Limits) ([]domain.Card, error) {
	days, err := s.days()
	if err != nil {
		return nil, err
	}
	cards, err := s.cards.Query(ctx, store.Filter{Deleted: store.NotDeleted})
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return days.Queue(cards, s.clock.Now(), limits.New, limits.Review), nil
}

func (s *Service) days() (*dayboundary.Service, error) {
	return dayboundary.New(s.settings.DayStartHour(), s.loc, s.ahead)
}

// staleRetries bounds how often update re-reads a card that changed under it.
const staleRetries = 3

// update reads card id, applies fn and writes the result back. When a sync
// merge replaced the card in between, fn runs again on the fresh copy.
func (s *Service) update(ctx context.Context, op, id string, fn func(domain.Card) (domain.Card, error)) (domain.Card, error) {
	var err error
	for attempt := 0; attempt < staleRetries; attempt++ {
		var out domain.Card
		out, err = s.updateOnce(ctx, id, fn)
		if !errors.Is(err, store.ErrStaleCard) {
			if err != nil {
				return domain.Card{}, fmt.Errorf("failed to %s card %s: %w", op, id, err)
			}
			return out, nil
		}
		s.logger.Debug("card changed during update, retrying", "card_id", id, "op", op)
	}
	return domain.Card{}, fmt.Errorf("failed to %s card %s: %w", op, id, err)
}

func (s *Service) updateOnce(ctx context.Context, id string, fn func(domain.Card) (domain.Card, error)) (domain.Card, error) {
	c, err := s.cards.Get(ctx, id)
	if err != nil {
		return domain.Card{}, err
	}
	if c.IsDeleted() {
		return domain.Card{}, store.ErrCardDeleted
	}
	next, err := fn(c)
	if err != nil {
		return domain.Card{}, err
	}
	return s.cards.Upsert(ctx, next)
}
