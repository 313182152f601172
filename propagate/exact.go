package propagate

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/spawn"
	"github.com/fumin/fciqmc/wavefunction"
)

// Exact applies the off-diagonal projector exactly, by enumerating every connection of a row.
// It is meant for small systems and for testing.
type Exact struct {
	h           ham.Hamiltonian
	rng         *rand.Rand
	ml          *MagnitudeLogger
	minDeathMag float64
	shape       wavefunction.Shape
	stats       Stats
}

func (e *Exact) Magnitudes() *MagnitudeLogger { return e.ml }
func (e *Exact) Stats() *Stats                { return &e.stats }
func (e *Exact) ResetStats()                  { e.stats.reset() }

func (e *Exact) Diagonal(cc cycle.Context, row *wavefunction.Row, part int) {
	diagonal(e.rng, e.minDeathMag, cc, row, part, e.shape)
}

func (e *Exact) OffDiagonal(cc cycle.Context, row *wavefunction.Row, part int, buf *spawn.Buffer) error {
	w := row.Weight[part]
	if w == 0 {
		return nil
	}
	det := row.Deterministic[e.shape.Root(part)]

	var err error
	e.h.ForEachConnection(row.MBF, func(dst mbf.MBF, h float64) {
		if err != nil || math.Abs(h) < negligible {
			return
		}
		e.stats.NAttempt++
		delta := -w * cc.Tau * h
		if delta == 0 {
			return
		}
		rec := spawn.Record{
			Dst:              dst,
			DstPart:          part,
			Delta:            delta,
			SrcInitiator:     row.Initiator[part],
			SrcDeterministic: det,
			Src:              row.MBF,
		}
		if cc.RDM {
			rec.SrcWeight = w
		}
		if err = buf.Add(rec); err != nil {
			err = errors.Wrap(err, "")
			return
		}
		e.stats.NSpawn++
		e.stats.Spawned[part] += math.Abs(delta)
	})
	return err
}
