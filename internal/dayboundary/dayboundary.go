// Package dayboundary maps wall-clock time onto logical study days and decides
// which cards belong in today's queue.
package dayboundary

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

// DefaultLearnAhead is how far ahead of their exact due time learning cards
// are shown.
const DefaultLearnAhead = 20 * time.Minute

// Category is the queue a card falls into at a given instant.
type Category int

const (
	CategoryNew Category = iota
	CategoryLearning
	CategoryDue
	CategoryBuried
	CategorySuspended
	CategoryUpcoming
	CategoryDeleted
)

func (c Category) String() string {
	switch c {
	case CategoryNew:
		return "new"
	case CategoryLearning:
		return "learning"
	case CategoryDue:
		return "due"
	case CategoryBuried:
		return "buried"
	case CategorySuspended:
		return "suspended"
	case CategoryUpcoming:
		return "upcoming"
	case CategoryDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Day is one logical study day.
type Day struct {
	Date  string // civil date the day is named after, 2006-01-02
	Start time.Time
	End   time.Time // exclusive
}

// Service answers day-boundary questions for one configuration.
type Service struct {
	startHour  int
	loc        *time.Location
	learnAhead time.Duration
}

// New returns a Service whose days start at startHour in loc. A nil loc means
// time.Local; a negative learnAhead is rejected.
func New(startHour int, loc *time.Location, learnAhead time.Duration) (*Service, error) {
	if startHour < 0 || startHour > 23 {
		return nil, fmt.Errorf("day start hour %d outside 0-23", startHour)
	}
	if learnAhead < 0 {
		return nil, fmt.Errorf("learn-ahead window %s must not be negative", learnAhead)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{startHour: startHour, loc: loc, learnAhead: learnAhead}, nil
}

// LogicalDay returns the logical day containing now. Times before the start
// hour belong to the previous civil date.
func (s *Service) LogicalDay(now time.Time) Day {
	local := now.In(s.loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, s.startHour, 0, 0, 0, s.loc)
	if local.Before(start) {
		start = time.Date(y, m, d-1, s.startHour, 0, 0, 0, s.loc)
	}
	return Day{
		Date:  start.Format(time.DateOnly),
		Start: start,
		End:   time.Date(start.Year(), start.Month(), start.Day()+1, s.startHour, 0, 0, 0, s.loc),
	}
}

// IsAvailable reports whether card can be studied at now.
func (s *Service) IsAvailable(card domain.Card, now time.Time) bool {
	switch s.Classify(card, now) {
	case CategoryNew, CategoryLearning, CategoryDue:
		return true
	}
	return false
}

// Classify puts card into exactly one category at now.
func (s *Service) Classify(card domain.Card, now time.Time) Category {
	switch {
	case card.IsDeleted():
		return CategoryDeleted
	case card.Suspended:
		return CategorySuspended
	case card.IsBuried(now):
		return CategoryBuried
	}

	switch card.State {
	case domain.Learning, domain.Relearning:
		if !card.Due.After(now.Add(s.learnAhead)) {
			return CategoryLearning
		}
		return CategoryUpcoming
	}

	if card.Due.Before(s.LogicalDay(now).End) {
		if card.State == domain.New {
			return CategoryNew
		}
		return CategoryDue
	}
	return CategoryUpcoming
}

// ApplyDailyQuota orders candidates and truncates them to the daily limits.
// Learning cards come first and are not limited, then reviews up to
// reviewLimit, then new cards up to newLimit. Within each group cards are
// ordered by due time (creation time for new cards) and then id. The input
// slice is not modified.
func ApplyDailyQuota(candidates []domain.Card, newLimit, reviewLimit int) []domain.Card {
	newLimit = max(newLimit, 0)
	reviewLimit = max(reviewLimit, 0)

	var learning, review, fresh []domain.Card
	for _, c := range candidates {
		switch c.State {
		case domain.New:
			fresh = append(fresh, c)
		case domain.Review:
			review = append(review, c)
		default:
			learning = append(learning, c)
		}
	}

	byDue := func(a, b domain.Card) int {
		return cmp.Or(a.Due.Compare(b.Due), cmp.Compare(a.ID, b.ID))
	}
	byCreated := func(a, b domain.Card) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	}
	slices.SortStableFunc(learning, byDue)
	slices.SortStableFunc(review, byDue)
	slices.SortStableFunc(fresh, byCreated)

	out := make([]domain.Card, 0, len(learning)+min(len(review), reviewLimit)+min(len(fresh), newLimit))
	out = append(out, learning...)
	out = append(out, review[:min(len(review), reviewLimit)]...)
	out = append(out, fresh[:min(len(fresh), newLimit)]...)
	return out
}

// Queue filters cards to those available at now and applies the daily quota.
func (s *Service) Queue(cards []domain.Card, now time.Time, newLimit, reviewLimit int) []domain.Card {
	var available []domain.Card
	for _, c := range cards {
		if s.IsAvailable(c, now) {
			available = append(available, c)
		}
	}
	return ApplyDailyQuota(available, newLimit, reviewLimit)
}
