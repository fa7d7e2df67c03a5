package fsrs

import "math"

// WeightCount is the length of an FSRS v6 weight vector.
const WeightCount = 21

// Weights is an FSRS v6 parameter vector.
type Weights []float64

var defaultWeights = [WeightCount]float64{
	0.212, 1.2931, 2.3065, 8.2956,
	6.4133, 0.8334, 3.0194, 0.001,
	1.8722, 0.1666, 0.796, 1.4835,
	0.0614, 0.2629, 1.6483, 0.6014,
	1.8729, 0.5425, 0.0912, 0.0658,
	0.1542,
}

var lowerBounds = [WeightCount]float64{
	0.001, 0.001, 0.001, 0.001,
	1.0, 0.001, 0.001, 0.001,
	0.0, 0.0, 0.001, 0.001,
	0.001, 0.001, 0.0, 0.0,
	1.0, 0.0, 0.0, 0.0,
	0.1,
}

var upperBounds = [WeightCount]float64{
	100.0, 100.0, 100.0, 100.0,
	10.0, 4.0, 4.0, 0.75,
	4.5, 0.8, 3.5, 5.0,
	0.25, 0.9, 4.0, 1.0,
	6.0, 2.0, 2.0, 0.8,
	0.8,
}

// DefaultWeights returns a fresh copy of the published FSRS-6 defaults.
func DefaultWeights() Weights {
	w := make(Weights, WeightCount)
	copy(w, defaultWeights[:])
	return w
}

// Validate checks the length of the vector and that each weight is finite and
// inside its bounds.
func (w Weights) Validate() error {
	if len(w) != WeightCount {
		return inputErrorf("weights", "expected %d weights, got %d", WeightCount, len(w))
	}
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return inputErrorf("weights", "w[%d] is not finite", i)
		}
		if v < lowerBounds[i] || v > upperBounds[i] {
			return inputErrorf("weights", "w[%d] = %g outside [%g, %g]", i, v, lowerBounds[i], upperBounds[i])
		}
	}
	return nil
}
