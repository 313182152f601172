package propagate

import (
	"math"
	"math/rand/v2"
)

// stochasticRound rounds v to a neighbouring multiple of mag, with expectation v.
// Magnitudes below mag become either zero or mag.
func stochasticRound(rng *rand.Rand, v, mag float64) float64 {
	if mag == 0 || v == 0 {
		return v
	}
	a := math.Abs(v)
	lower := math.Floor(a/mag) * mag
	if rng.Float64()*mag < a-lower {
		lower += mag
	}
	return math.Copysign(lower, v)
}

// stochasticThreshold rounds magnitudes below t to either zero or t, with expectation v.
func stochasticThreshold(rng *rand.Rand, v, t float64) float64 {
	a := math.Abs(v)
	if a >= t {
		return v
	}
	if rng.Float64()*t < a {
		return math.Copysign(t, v)
	}
	return 0
}
