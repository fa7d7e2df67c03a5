package fsrs

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
)

type fuzzRange struct {
	start, end float64
	factor     float64
}

var fuzzRanges = []fuzzRange{
	{2.5, 7.0, 0.15},
	{7.0, 20.0, 0.10},
	{20.0, math.Inf(1), 0.05},
}

// fuzzSeed derives the fuzz seed from the card and its review count so the
// same grading always lands on the same day.
func fuzzSeed(cardID string, reps int) int64 {
	h := fnv.New64a()
	h.Write([]byte(cardID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(reps)))
	return int64(h.Sum64())
}

// fuzzDays spreads an interval of at least 3 days over a window that grows
// with the interval, to keep cards added together from staying clustered.
func fuzzDays(days, maxDays int, seed int64) int {
	ivl := float64(days)
	if ivl < 2.5 {
		return days
	}

	delta := 1.0
	for _, r := range fuzzRanges {
		delta += r.factor * math.Max(math.Min(ivl, r.end)-r.start, 0)
	}

	lo := max(2, int(math.Round(ivl-delta)))
	hi := min(int(math.Round(ivl+delta)), maxDays)
	lo = min(lo, hi)

	rng := rand.New(rand.NewSource(seed))
	return min(lo+rng.Intn(hi-lo+1), maxDays)
}
