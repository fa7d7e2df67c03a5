package domain

import (
	"slices"
	"strings"
	"time"
)

// State is the position of a card in the scheduling state machine.
type State int

const (
	New        State = 0
	Learning   State = 1
	Review     State = 2
	Relearning State = 3
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Learning:
		return "learning"
	case Review:
		return "review"
	case Relearning:
		return "relearning"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	return s >= New && s <= Relearning
}

// Schedule holds the FSRS memory model and the position in the learning queue.
type Schedule struct {
	Due           time.Time  `json:"due"`
	Stability     float64    `json:"stability" validate:"gte=0"`
	Difficulty    float64    `json:"difficulty" validate:"gte=0,lte=10"`
	ScheduledDays int        `json:"scheduled_days" validate:"gte=0"`
	Reps          int        `json:"reps" validate:"gte=0"`
	Lapses        int        `json:"lapses" validate:"gte=0"`
	State         State      `json:"state" validate:"gte=0,lte=3"`
	LastReview    *time.Time `json:"last_review,omitempty"`
	LearningStep  int        `json:"learning_step" validate:"gte=0"`
}

// Card represents a single question-answer entry together with its review
// state and replication metadata.
type Card struct {
	ID        string   `json:"id" validate:"required,uuid"`
	SourceUID string   `json:"source_uid,omitempty"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Projects  []string `json:"projects,omitempty"`

	Schedule

	Suspended   bool       `json:"suspended"`
	BuriedUntil *time.Time `json:"buried_until,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`

	Revision       int64     `json:"revision" validate:"gte=0"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	OriginDeviceID string    `json:"origin_device_id"`
}

// IsDeleted reports whether the card carries a tombstone.
func (c Card) IsDeleted() bool {
	return c.DeletedAt != nil
}

// IsBuried reports whether the card is buried at t.
func (c Card) IsBuried(t time.Time) bool {
	return c.BuriedUntil != nil && c.BuriedUntil.After(t)
}

// HasProject reports whether the card is tagged with project p.
func (c Card) HasProject(p string) bool {
	return slices.Contains(c.Projects, p)
}

// Clone returns a deep copy of the card. Pointer fields and the project slice
// are not shared with the original.
func (c Card) Clone() Card {
	out := c
	out.Projects = slices.Clone(c.Projects)
	out.LastReview = cloneTime(c.LastReview)
	out.BuriedUntil = cloneTime(c.BuriedUntil)
	out.DeletedAt = cloneTime(c.DeletedAt)
	return out
}

// Normalize returns a copy with all timestamps in UTC, monotonic readings
// stripped, and the project set sorted and de-duplicated.
func (c Card) Normalize() Card {
	out := c.Clone()
	out.Due = UTC(out.Due)
	out.CreatedAt = UTC(out.CreatedAt)
	out.UpdatedAt = UTC(out.UpdatedAt)
	out.LastReview = utcPtr(out.LastReview)
	out.BuriedUntil = utcPtr(out.BuriedUntil)
	out.DeletedAt = utcPtr(out.DeletedAt)
	out.Projects = NormalizeProjects(out.Projects)
	return out
}

// NormalizeProjects trims, sorts and de-duplicates project tags. Empty tags
// are dropped. A nil result is returned for an empty set.
func NormalizeProjects(projects []string) []string {
	var out []string
	for _, p := range projects {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// UTC converts t to UTC and drops its monotonic clock reading so that values
// round-trip through storage and JSON unchanged.
func UTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Round(0).UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := UTC(*t)
	return &u
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
