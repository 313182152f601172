package propagate

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/config"
)

// MagnitudeLogger tracks the largest spawn magnitude of each excitation class.
// From them it adapts the excitation class probabilities and the timestep, so that the largest spawn stays near MaxBloom.
type MagnitudeLogger struct {
	opts config.PropagatorConfig

	probs []float64
	// local is the maximum magnitude logged on this rank.
	local []float64
	// global is the maximum magnitude over all ranks, as of the last update.
	global []float64
}

func NewMagnitudeLogger(opts config.PropagatorConfig, nclass int) (*MagnitudeLogger, error) {
	if nclass < 1 {
		return nil, errors.Errorf("nclass %d", nclass)
	}
	ml := &MagnitudeLogger{
		opts:   opts,
		probs:  make([]float64, nclass),
		local:  make([]float64, nclass),
		global: make([]float64, nclass),
	}
	switch {
	case len(opts.ClassProbs) == 0:
		for i := range ml.probs {
			ml.probs[i] = 1 / float64(nclass)
		}
	default:
		if err := ml.SetProbs(opts.ClassProbs); err != nil {
			return nil, errors.Wrap(err, "")
		}
	}
	return ml, nil
}

// Draw samples an excitation class.
func (ml *MagnitudeLogger) Draw(rng *rand.Rand) int {
	if len(ml.probs) == 1 {
		return 0
	}
	r := rng.Float64()
	var cum float64
	for i, p := range ml.probs {
		cum += p
		if r < cum {
			return i
		}
	}
	// Rounding left r above the last cumulative sum.
	for i := len(ml.probs) - 1; i >= 0; i-- {
		if ml.probs[i] > 0 {
			return i
		}
	}
	return len(ml.probs) - 1
}

func (ml *MagnitudeLogger) Prob(class int) float64 { return ml.probs[class] }

func (ml *MagnitudeLogger) Probs() []float64 { return slices.Clone(ml.probs) }

// SetProbs replaces the class probabilities, for example when restarting.
func (ml *MagnitudeLogger) SetProbs(probs []float64) error {
	if len(probs) != len(ml.probs) {
		return errors.Errorf("%d probabilities, expected %d", len(probs), len(ml.probs))
	}
	copy(ml.probs, probs)
	return nil
}

// Log records the magnitude |h|/p of a generated excitation, where p is the probability within the class.
func (ml *MagnitudeLogger) Log(class int, mag float64) {
	ml.local[class] = max(ml.local[class], mag)
}

// Update reduces the logged magnitudes across ranks every period cycles, and returns the new timestep.
// It is a collective.
func (ml *MagnitudeLogger) Update(c *comm.Comm, cycle int, tau float64) (float64, error) {
	if cycle == 0 || cycle%ml.opts.Period != 0 {
		return tau, nil
	}
	global, err := comm.AllReduceMax(c, ml.local)
	if err != nil {
		return tau, errors.Wrap(err, "")
	}
	for i, g := range global {
		ml.global[i] = max(ml.global[i], g)
	}
	if ml.opts.Static {
		return tau, nil
	}

	var sum float64
	for _, g := range ml.global {
		sum += g
	}
	if sum == 0 {
		return tau, nil
	}

	var norm float64
	for i, g := range ml.global {
		ml.probs[i] = max(g/sum, ml.opts.MinExcitClassProb)
		norm += ml.probs[i]
	}
	for i := range ml.probs {
		ml.probs[i] /= norm
	}

	tau = ml.opts.MaxBloom / sum
	tau = min(max(tau, ml.opts.TauMin), ml.opts.TauMax)
	return tau, nil
}

// Magnitudes returns the global maximum magnitude of each class.
func (ml *MagnitudeLogger) Magnitudes() []float64 { return slices.Clone(ml.global) }
