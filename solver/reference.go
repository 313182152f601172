package solver

import (
	"log"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/mbf"
)

type candidate struct {
	M mbf.MBF
	// W is the weight in every part.
	W []float64
}

// largest returns the row of this rank with the largest weight in part, if any.
func (s *Solver) largest(part int) (candidate, bool) {
	var best candidate
	var found bool
	for _, row := range s.store.All() {
		w := math.Abs(row.Weight[part])
		if w == 0 {
			continue
		}
		if found {
			bw := math.Abs(best.W[part])
			if w < bw || (w == bw && mbf.Compare(row.MBF, best.M) > 0) {
				continue
			}
		}
		best = candidate{M: row.MBF, W: slices.Clone(row.Weight)}
		found = true
	}
	return best, found
}

// redefineReferences makes the largest row of a root its reference, when it outgrows the current one by the redefinition threshold.
// It is a collective.
func (s *Solver) redefineReferences() error {
	var changed bool
	for root := range s.shape.NRoot {
		part := s.shape.Part(root, 0)
		local, ok := s.largest(part)
		if !ok {
			local = candidate{W: make([]float64, s.shape.NPart())}
		}
		gathered, err := comm.AllGather(s.c, local)
		if err != nil {
			return errors.Wrap(err, "")
		}

		best := gathered[0]
		for _, cd := range gathered[1:] {
			w, bw := math.Abs(cd.W[part]), math.Abs(best.W[part])
			if w > bw || (w == bw && w != 0 && mbf.Compare(cd.M, best.M) < 0) {
				best = cd
			}
		}
		ref := s.refs.MBF[root]
		if best.M == ref || math.Abs(best.W[part]) <= s.cfg.Reference.RedefineThreshold*math.Abs(s.refs.Weight[part]) {
			continue
		}

		if s.c.Rank() == 0 {
			log.Printf("cycle %d root %d reference %s -> %s, weight %g -> %g", s.cycle, root, ref.Format(s.h.NSite()), best.M.Format(s.h.NSite()), s.refs.Weight[part], best.W[part])
		}
		s.refs.MBF[root] = best.M
		for replica := range s.shape.NReplica {
			p := s.shape.Part(root, replica)
			s.refs.Weight[p] = best.W[p]
		}
		changed = true
	}
	if !changed {
		return nil
	}
	for i, row := range s.store.All() {
		s.flagReferences(row)
		// A former reference may have been kept alive only by its flag.
		if row.IsZero() && !row.Protected() {
			if s.rdmOpen {
				s.rdm.FlushRow(row, s.cycle-row.CycleOccupied)
			}
			s.store.Remove(i)
		}
	}
	return nil
}
