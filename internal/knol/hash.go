package knol

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

// Normalize renders the card's replicated fields as a canonical string.
// Timestamps are written in UTC with nanosecond precision, the project set is
// sorted, and text line endings are normalized so that the same card read back
// from any store or transport produces the same string.
func Normalize(card domain.Card) string {
	c := card.Normalize()

	text := func(s string) string {
		return strings.ReplaceAll(s, "\r\n", "\n")
	}

	parts := []string{
		c.ID,
		c.SourceUID,
		text(c.Question),
		text(c.Answer),
		strings.Join(c.Projects, ","),
		stamp(c.Due),
		float(c.Stability),
		float(c.Difficulty),
		strconv.Itoa(c.ScheduledDays),
		strconv.Itoa(c.Reps),
		strconv.Itoa(c.Lapses),
		strconv.Itoa(int(c.State)),
		stampPtr(c.LastReview),
		strconv.Itoa(c.LearningStep),
		strconv.FormatBool(c.Suspended),
		stampPtr(c.BuriedUntil),
		stampPtr(c.DeletedAt),
		strconv.FormatInt(c.Revision, 10),
		stamp(c.CreatedAt),
		stamp(c.UpdatedAt),
		c.OriginDeviceID,
	}
	// Fields are separated by a unit separator so that adjacent free-text
	// fields cannot run into each other.
	return strings.Join(parts, "\x1f")
}

// Hash takes a card, normalizes it, and returns its SHA-256 hash as a hex string.
func Hash(card domain.Card) string {
	normalized := Normalize(card)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}

// Same reports whether a and b carry identical replicated data.
func Same(a, b domain.Card) bool {
	return Normalize(a) == Normalize(b)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return stamp(*t)
}

func float(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
