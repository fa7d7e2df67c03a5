package fsrs

import (
	"time"

	"github.com/conorfennell/knolsync/internal/domain"
)

const day = 24 * time.Hour

// Config holds the non-weight scheduler settings.
// Nil step slices fall back to the defaults; empty slices mean "no steps".
type Config struct {
	DesiredRetention float64         `koanf:"desired_retention"`
	LearningSteps    []time.Duration `koanf:"learning_steps"`
	RelearningSteps  []time.Duration `koanf:"relearning_steps"`
	MaximumInterval  int             `koanf:"maximum_interval"` // days
	EnableFuzz       bool            `koanf:"enable_fuzz"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DesiredRetention: 0.9,
		LearningSteps:    []time.Duration{time.Minute, 10 * time.Minute},
		RelearningSteps:  []time.Duration{10 * time.Minute},
		MaximumInterval:  36500,
	}
}

func (c Config) resolve() (Config, error) {
	def := DefaultConfig()
	if c.DesiredRetention == 0 {
		c.DesiredRetention = def.DesiredRetention
	}
	if c.DesiredRetention <= 0 || c.DesiredRetention > 1 {
		return c, inputErrorf("desired_retention", "%g outside (0, 1]", c.DesiredRetention)
	}
	if c.MaximumInterval == 0 {
		c.MaximumInterval = def.MaximumInterval
	}
	if c.MaximumInterval < 1 {
		return c, inputErrorf("maximum_interval", "%d must be at least 1 day", c.MaximumInterval)
	}
	if c.LearningSteps == nil {
		c.LearningSteps = def.LearningSteps
	}
	if c.RelearningSteps == nil {
		c.RelearningSteps = def.RelearningSteps
	}
	for _, s := range c.LearningSteps {
		if s <= 0 {
			return c, inputErrorf("learning_steps", "step %s must be positive", s)
		}
	}
	for _, s := range c.RelearningSteps {
		if s <= 0 {
			return c, inputErrorf("relearning_steps", "step %s must be positive", s)
		}
	}
	return c, nil
}

// Transition grades card with rating at now and returns the next card state.
// It is a pure function: the input card is never modified and identical inputs
// always produce identical outputs. Invalid input is reported as an
// *InputError before anything is computed.
func Transition(card domain.Card, rating Rating, now time.Time, weights Weights, cfg Config) (domain.Card, error) {
	if !rating.Valid() {
		return card, inputErrorf("rating", "%d is not between %d and %d", int(rating), Again, Easy)
	}
	if err := weights.Validate(); err != nil {
		return card, err
	}
	cfg, err := cfg.resolve()
	if err != nil {
		return card, err
	}
	if !card.State.Valid() {
		return card, inputErrorf("state", "unknown card state %d", int(card.State))
	}

	t := &transition{
		m:   newModel(weights),
		cfg: cfg,
		now: domain.UTC(now),
	}
	return t.apply(card.Clone(), rating), nil
}

// Retrievability returns the probability of recalling card at now, or 0 for a
// card that has never been reviewed.
func Retrievability(card domain.Card, now time.Time, weights Weights) float64 {
	if card.LastReview == nil || card.Stability <= 0 || weights.Validate() != nil {
		return 0
	}
	return newModel(weights).retrievability(elapsedDays(*card.LastReview, now), card.Stability)
}

type transition struct {
	m   model
	cfg Config
	now time.Time
}

func (t *transition) apply(c domain.Card, rating Rating) domain.Card {
	prior := c.Schedule
	elapsed := 0.0
	if prior.LastReview != nil {
		elapsed = elapsedDays(*prior.LastReview, t.now)
	}

	stability := prior.Stability
	if prior.State == domain.New {
		stability = 0
	}
	c.Stability, c.Difficulty = t.m.memoryAfter(stability, prior.Difficulty, elapsed, rating)

	var wait time.Duration
	switch prior.State {
	case domain.New:
		wait = t.fromNew(&c, rating)
	case domain.Learning:
		wait = t.fromSteps(&c, rating, t.cfg.LearningSteps)
	case domain.Relearning:
		wait = t.fromSteps(&c, rating, t.cfg.RelearningSteps)
	case domain.Review:
		wait = t.fromReview(&c, prior, stability, elapsed, rating)
	}

	if c.State == domain.Review {
		days := int(wait / day)
		if t.cfg.EnableFuzz {
			days = fuzzDays(days, t.cfg.MaximumInterval, fuzzSeed(c.ID, prior.Reps))
			wait = time.Duration(days) * day
		}
		c.ScheduledDays = days
	} else {
		c.ScheduledDays = 0
	}

	c.Reps = prior.Reps + 1
	if rating == Again && (prior.State == domain.Review || prior.State == domain.Relearning) {
		c.Lapses = prior.Lapses + 1
	}
	c.Due = t.now.Add(wait)
	last := t.now
	c.LastReview = &last
	return c
}

func (t *transition) fromNew(c *domain.Card, rating Rating) time.Duration {
	steps := t.cfg.LearningSteps
	if len(steps) == 0 || rating == Easy {
		return t.graduate(c)
	}
	c.State = domain.Learning
	c.LearningStep = 0
	if rating == Hard {
		return hardStep(steps)
	}
	return steps[0]
}

// fromSteps advances a Learning or Relearning card through its step queue.
func (t *transition) fromSteps(c *domain.Card, rating Rating, steps []time.Duration) time.Duration {
	step := c.LearningStep
	if len(steps) == 0 || (step >= len(steps) && rating != Again) {
		return t.graduate(c)
	}

	switch rating {
	case Again:
		c.LearningStep = 0
		return steps[0]
	case Hard:
		if step == 0 {
			return hardStep(steps)
		}
		return steps[step]
	case Good:
		next := step + 1
		if next >= len(steps) {
			return t.graduate(c)
		}
		c.LearningStep = next
		return steps[next]
	default:
		return t.graduate(c)
	}
}

func (t *transition) fromReview(c *domain.Card, prior domain.Schedule, stability, elapsed float64, rating Rating) time.Duration {
	if rating == Again {
		if steps := t.cfg.RelearningSteps; len(steps) > 0 {
			c.State = domain.Relearning
			c.LearningStep = 0
			return steps[0]
		}
		return t.days(c.Stability)
	}

	// Hard <= Good < Easy, computed from the same prior memory.
	ivl := func(r Rating) int {
		s, _ := t.m.memoryAfter(stability, prior.Difficulty, elapsed, r)
		return t.m.interval(s, t.cfg.DesiredRetention, t.cfg.MaximumInterval)
	}
	hard, good, easy := ivl(Hard), ivl(Good), ivl(Easy)
	hard = min(hard, good)
	good = min(max(good, hard+1), t.cfg.MaximumInterval)
	easy = min(max(easy, good+1), t.cfg.MaximumInterval)

	c.LearningStep = 0
	switch rating {
	case Hard:
		return time.Duration(hard) * day
	case Good:
		return time.Duration(good) * day
	default:
		return time.Duration(easy) * day
	}
}

func (t *transition) graduate(c *domain.Card) time.Duration {
	c.State = domain.Review
	c.LearningStep = 0
	return t.days(c.Stability)
}

func (t *transition) days(stability float64) time.Duration {
	return time.Duration(t.m.interval(stability, t.cfg.DesiredRetention, t.cfg.MaximumInterval)) * day
}

// hardStep is the delay for Hard on the first step: the mean of the first two
// steps, or one and a half times a single step.
func hardStep(steps []time.Duration) time.Duration {
	if len(steps) == 1 {
		return steps[0] * 3 / 2
	}
	return (steps[0] + steps[1]) / 2
}

func elapsedDays(from, to time.Time) float64 {
	d := to.Sub(from).Hours() / 24.0
	if d < 0 {
		return 0
	}
	return d
}
