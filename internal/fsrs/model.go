package fsrs

import "math"

// model holds the constants derived from one weight vector.
type model struct {
	w      Weights
	decay  float64 // -w[20]
	factor float64 // 0.9^(1/decay) - 1
}

func newModel(w Weights) model {
	decay := -w[20]
	return model{
		w:      w,
		decay:  decay,
		factor: math.Pow(0.9, 1.0/decay) - 1.0,
	}
}

// retrievability computes R(t, S) = (1 + factor * t / S) ^ decay.
func (m model) retrievability(elapsedDays, stability float64) float64 {
	if stability <= 0 {
		return 0
	}
	return math.Pow(1+m.factor*elapsedDays/stability, m.decay)
}

// initStability returns S0(G) = w[G-1].
func (m model) initStability(r Rating) float64 {
	return clampS(m.w[r-1])
}

// initDifficulty returns D0(G) = w[4] - e^(w[5] * (G - 1)) + 1.
func (m model) initDifficulty(r Rating, clamp bool) float64 {
	d := m.w[4] - math.Exp(m.w[5]*float64(r-1)) + 1
	if clamp {
		return clampD(d)
	}
	return d
}

// interval converts stability to whole days at the desired retention,
// clamped to [1, maxDays].
func (m model) interval(stability, retention float64, maxDays int) int {
	ivl := stability / m.factor * (math.Pow(retention, 1.0/m.decay) - 1)
	days := int(math.Round(ivl))
	return min(max(days, 1), maxDays)
}

// shortTermStability is the same-day update:
// S' = S * e^(w[17] * (G - 3 + w[18])) * S^(-w[19]), never shrinking on Good/Easy.
func (m model) shortTermStability(stability float64, r Rating) float64 {
	inc := math.Exp(m.w[17]*(float64(r)-3+m.w[18])) * math.Pow(stability, -m.w[19])
	if r == Good || r == Easy {
		inc = math.Max(inc, 1.0)
	}
	return clampS(stability * inc)
}

// nextDifficulty applies linear damping and mean reversion towards D0(Easy).
func (m model) nextDifficulty(difficulty float64, r Rating) float64 {
	delta := -m.w[6] * (float64(r) - 3)
	damped := difficulty + (10-difficulty)*delta/9
	return clampD(m.w[7]*m.initDifficulty(Easy, false) + (1-m.w[7])*damped)
}

func (m model) nextStability(d, s, r float64, rating Rating) float64 {
	if rating == Again {
		return m.forgetStability(d, s, r)
	}
	return m.recallStability(d, s, r, rating)
}

func (m model) recallStability(d, s, r float64, rating Rating) float64 {
	hardPenalty := 1.0
	if rating == Hard {
		hardPenalty = m.w[15]
	}
	easyBonus := 1.0
	if rating == Easy {
		easyBonus = m.w[16]
	}
	return clampS(s * (1 + math.Exp(m.w[8])*
		(11-d)*
		math.Pow(s, -m.w[9])*
		(math.Exp((1-r)*m.w[10])-1)*
		hardPenalty*easyBonus))
}

func (m model) forgetStability(d, s, r float64) float64 {
	long := m.w[11] *
		math.Pow(d, -m.w[12]) *
		(math.Pow(s+1, m.w[13]) - 1) *
		math.Exp((1-r)*m.w[14])
	short := s / math.Exp(m.w[17]*m.w[18])
	return clampS(math.Min(long, short))
}

// memoryAfter returns stability and difficulty after grading a card whose
// memory is (s, d). A zero stability means the card has no memory yet.
func (m model) memoryAfter(s, d, elapsedDays float64, r Rating) (float64, float64) {
	if s <= 0 {
		return m.initStability(r), m.initDifficulty(r, true)
	}
	if elapsedDays < 1 {
		return m.shortTermStability(s, r), m.nextDifficulty(d, r)
	}
	ret := m.retrievability(elapsedDays, s)
	return m.nextStability(d, s, ret, r), m.nextDifficulty(d, r)
}

func clampS(s float64) float64 {
	return math.Max(s, 0.001)
}

func clampD(d float64) float64 {
	return math.Min(math.Max(d, 1), 10)
}
