// Package propagate turns an occupied walker row into diagonal reweighting and spawned off-diagonal contributions.
package propagate

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/config"
	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/spawn"
	"github.com/fumin/fciqmc/wavefunction"
)

// negligible is the magnitude below which matrix elements are treated as zero.
const negligible = 1e-12

// Propagator applies one cycle of the projector to a row.
type Propagator interface {
	// Diagonal scales the weight of a part by 1 - tau*(hdiag - shift).
	Diagonal(cc cycle.Context, row *wavefunction.Row, part int)
	// OffDiagonal adds the contributions of a part to other basis functions into buf.
	OffDiagonal(cc cycle.Context, row *wavefunction.Row, part int, buf *spawn.Buffer) error

	Magnitudes() *MagnitudeLogger
	Stats() *Stats
	ResetStats()
}

// Stats are the rank-local counters of one cycle.
type Stats struct {
	NAttempt   int
	NNullExcit int
	NSpawn     int
	// Spawned is the magnitude spawned from each part.
	Spawned []float64
}

func newStats(npart int) Stats {
	return Stats{Spawned: make([]float64, npart)}
}

func (s *Stats) reset() {
	s.NAttempt, s.NNullExcit, s.NSpawn = 0, 0, 0
	clear(s.Spawned)
}

// New returns the exact propagator if opts.Exact, otherwise the stochastic one.
func New(opts config.PropagatorConfig, h ham.Hamiltonian, shape wavefunction.Shape, rng *rand.Rand) (Propagator, error) {
	ml, err := NewMagnitudeLogger(opts, h.NClass())
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if opts.Exact {
		return &Exact{h: h, rng: rng, ml: ml, minDeathMag: opts.MinDeathMag, shape: shape, stats: newStats(shape.NPart())}, nil
	}
	s := &Stochastic{
		h:     h,
		rng:   rng,
		ml:    ml,
		opts:  opts,
		shape: shape,
		stats: newStats(shape.NPart()),
	}
	return s, nil
}

func diagonal(rng *rand.Rand, minDeathMag float64, cc cycle.Context, row *wavefunction.Row, part int, shape wavefunction.Shape) {
	w := row.Weight[part]
	if w == 0 {
		return
	}
	d := (row.HDiag - cc.Shift[part]) * cc.Tau
	switch {
	case row.Deterministic[shape.Root(part)], d < 0, d > 1, minDeathMag == 0:
		row.Weight[part] = w * (1 - d)
	default:
		row.Weight[part] = stochasticRound(rng, w*(1-d), minDeathMag)
	}
}

// srcWeight removes the bias of having sampled a connection of probability p in n attempts.
func srcWeight(w, p float64, n int) float64 {
	q := 1 - math.Pow(1-p, float64(n))
	if q <= 0 {
		return w
	}
	return w / q
}
