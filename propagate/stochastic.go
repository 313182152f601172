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

// Stochastic samples the off-diagonal projector with the excitation generator of the Hamiltonian.
type Stochastic struct {
	h     ham.Hamiltonian
	rng   *rand.Rand
	ml    *MagnitudeLogger
	opts  config.PropagatorConfig
	shape wavefunction.Shape
	stats Stats
}

func (s *Stochastic) Magnitudes() *MagnitudeLogger { return s.ml }
func (s *Stochastic) Stats() *Stats                { return &s.stats }
func (s *Stochastic) ResetStats()                  { s.stats.reset() }

func (s *Stochastic) Diagonal(cc cycle.Context, row *wavefunction.Row, part int) {
	diagonal(s.rng, s.opts.MinDeathMag, cc, row, part, s.shape)
}

func (s *Stochastic) OffDiagonal(cc cycle.Context, row *wavefunction.Row, part int, buf *spawn.Buffer) error {
	w := row.Weight[part]
	if w == 0 {
		return nil
	}
	nattempt := 1
	if math.Abs(w) > 1 {
		nattempt = int(stochasticRound(s.rng, math.Abs(w), 1))
	}
	det := row.Deterministic[s.shape.Root(part)]

	for range nattempt {
		s.stats.NAttempt++
		class := s.ml.Draw(s.rng)
		exc, ok := s.h.Generate(s.rng, row.MBF, class)
		if !ok || math.Abs(exc.HElem) < negligible {
			s.stats.NNullExcit++
			continue
		}
		pClass := s.ml.Prob(class)
		s.ml.Log(class, math.Abs(exc.HElem)/exc.Prob)

		delta := -w * cc.Tau * exc.HElem / (pClass * exc.Prob * float64(nattempt))
		if s.opts.ImpSampExp != 0 {
			delta *= math.Exp(-s.opts.ImpSampExp * (s.h.Energy(exc.Dst) - row.HDiag))
		}
		delta = stochasticThreshold(s.rng, delta, s.opts.MinSpawnMag)
		if delta == 0 {
			continue
		}

		rec := spawn.Record{
			Dst:              exc.Dst,
			DstPart:          part,
			Delta:            delta,
			SrcInitiator:     row.Initiator[part],
			SrcDeterministic: det,
			Src:              row.MBF,
		}
		if cc.RDM {
			rec.SrcWeight = srcWeight(w, pClass*exc.Prob, nattempt)
		}
		if err := buf.Add(rec); err != nil {
			return errors.Wrap(err, "")
		}
		s.stats.NSpawn++
		s.stats.Spawned[part] += math.Abs(delta)
	}
	return nil
}
