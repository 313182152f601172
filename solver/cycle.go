package solver

import (
	"context"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/detsub"
	"github.com/fumin/fciqmc/shift"
	"github.com/fumin/fciqmc/stats"
	"github.com/fumin/fciqmc/wavefunction"
)

// setup places the initial population, or restores it from the checkpoint.
func (s *Solver) setup(ctx context.Context) error {
	if s.cp != nil && s.cfg.Checkpoint.Restart {
		if err := s.restore(ctx); err != nil {
			return errors.Wrap(err, "")
		}
		return nil
	}

	ref := s.refs.MBF[0]
	if s.alloc.Of(ref) == s.c.Rank() {
		i, err := s.store.Insert(ref)
		if err != nil {
			return errors.Wrap(err, "")
		}
		row := s.store.Row(i)
		for p := range row.Weight {
			row.Weight[p] = s.cfg.Wavefunction.InitialWeight
		}
		s.flagReferences(row)
	}
	s.nw = make([]float64, s.shape.NPart())
	for p := range s.nw {
		s.nw[p] = math.Abs(s.cfg.Wavefunction.InitialWeight)
		s.refs.Weight[p] = s.cfg.Wavefunction.InitialWeight
	}
	s.shift = shift.New(s.cfg.Shift, s.refEnergies(), s.nw, s.cycle)
	return nil
}

// refEnergies returns the diagonal element of the reference of each part.
// Every rank evaluates it from the Hamiltonian, whichever rank owns the reference row.
func (s *Solver) refEnergies() []float64 {
	e := make([]float64, s.shape.NPart())
	for p := range e {
		e[p] = s.h.Energy(s.refs.MBF[s.shape.Root(p)])
	}
	return e
}

// flagReferences sets the diagonal element and the reference flags of row.
func (s *Solver) flagReferences(row *wavefunction.Row) {
	row.HDiag = s.h.Energy(row.MBF)
	for root, ref := range s.refs.MBF {
		row.Reference[root] = row.MBF == ref
		row.RefConn[root] = s.h.MatrixElement(ref, row.MBF) != 0
	}
}

func (s *Solver) periodic(period int) bool {
	return period > 0 && s.cycle > 0 && s.cycle%period == 0
}

func (s *Solver) beginCycle() (cycle.Context, error) {
	s.prop.ResetStats()
	s.ann.ResetStats()

	if err := s.shift.Update(s.cycle, s.nw, s.tau); err != nil {
		return cycle.Context{}, errors.Wrap(err, "")
	}
	tau, err := s.prop.Magnitudes().Update(s.c, s.cycle, s.tau)
	if err != nil {
		return cycle.Context{}, errors.Wrap(err, "")
	}
	s.tau = tau

	if s.periodic(s.cfg.Reference.Period) {
		if err := s.redefineReferences(); err != nil {
			return cycle.Context{}, errors.Wrap(err, "")
		}
	}
	if s.periodic(s.cfg.Balance.Period) && s.c.Size() > 1 {
		if err := s.balance(); err != nil {
			return cycle.Context{}, errors.Wrap(err, "")
		}
	}
	if s.cfg.Semistochastic.Size > 0 && s.det == nil && s.cycle >= s.cfg.Semistochastic.Cycle {
		s.det, err = detsub.Build(s.c, s.store, s.h, s.alloc, s.refs, s.cfg.Semistochastic.Size)
		if err != nil {
			return cycle.Context{}, errors.Wrap(err, "")
		}
	}
	if s.det != nil {
		if err := s.det.Gather(s.c, s.store); err != nil {
			return cycle.Context{}, errors.Wrap(err, "")
		}
	}

	cc := cycle.Context{
		Cycle:         s.cycle,
		Tau:           s.tau,
		Shift:         s.shift.Values(),
		VariableShift: s.shift.Variable(),
	}
	if s.rdm != nil && s.cycle >= s.cfg.RDM.Start && s.cycle < s.cfg.RDM.Start+s.cfg.RDM.NCycle {
		cc.RDM = true
		s.rdmOpen = true
	}
	return cc, nil
}

// step propagates every row, and merges what was spawned.
func (s *Solver) step(cc cycle.Context) error {
	if err := s.propagate(cc); err != nil {
		return errors.Wrap(err, "")
	}
	if err := s.c.Barrier(); err != nil {
		return errors.Wrap(err, "")
	}
	recv, err := s.buf.Exchange(s.c)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := s.ann.Annihilate(cc, recv); err != nil {
		return errors.Wrap(err, "")
	}
	if s.det != nil {
		if err := s.det.Project(cc, s.store); err != nil {
			return errors.Wrap(err, "")
		}
		if cc.RDM {
			s.det.Contribute(s.rdm)
		}
	}
	return nil
}

func (s *Solver) propagate(cc cycle.Context) error {
	threshold := s.cfg.Initiator.Threshold
	for i, row := range s.store.All() {
		protected := row.Protected()
		for p, w := range row.Weight {
			row.Initiator[p] = protected || math.Abs(w) >= threshold
		}

		if cc.RDM {
			if row.CycleOccupied < s.cfg.RDM.Start {
				row.CycleOccupied = s.cfg.RDM.Start
				clear(row.AvWeight)
			}
			for p, w := range row.Weight {
				row.AvWeight[p] += w
			}
			if s.cfg.RDM.ExplicitRefConns {
				s.contributeRefConn(row)
			}
		}

		for p, w := range row.Weight {
			if w == 0 {
				continue
			}
			if err := s.prop.OffDiagonal(cc, row, p, s.buf); err != nil {
				return errors.Wrap(err, "")
			}
			s.prop.Diagonal(cc, row, p)
		}

		if row.IsZero() && !protected {
			if cc.RDM {
				s.rdm.FlushRow(row, cc.Cycle-row.CycleOccupied+1)
			}
			s.store.Remove(i)
		}
	}
	return nil
}

// contributeRefConn adds the density matrix terms between the reference and row, a row connected to it.
// The annihilator skips these terms when they arrive as spawns.
func (s *Solver) contributeRefConn(row *wavefunction.Row) {
	if !row.RefConn[0] || row.Reference[0] {
		return
	}
	ref := s.refs.MBF[0]
	if s.det != nil && row.Deterministic[0] && s.det.Contains(ref) {
		return
	}
	for replica := range s.shape.NReplica {
		p := s.shape.Part(0, replica)
		q := s.shape.Partner(p)
		if w := s.refs.Weight[p] * row.Weight[q]; w != 0 {
			s.rdm.Contribute(ref, row.MBF, w)
		}
		if w := row.Weight[p] * s.refs.Weight[q]; w != 0 {
			s.rdm.Contribute(row.MBF, ref, w)
		}
	}
}

// reduction are the per part sums over all rows of all ranks.
type reduction struct {
	nwalker    []float64
	noccupied  []float64
	ninitiator []float64
	refWeight  []float64
	projNum    []float64
	nrow       int
}

// reduce sums the rows of all ranks. The extra per rank values are summed in place.
// It is a collective.
func (s *Solver) reduce(extra ...[]float64) (reduction, error) {
	npart := s.shape.NPart()
	red := reduction{
		nwalker:    make([]float64, npart),
		noccupied:  make([]float64, npart),
		ninitiator: make([]float64, npart),
		refWeight:  make([]float64, npart),
		projNum:    make([]float64, npart),
	}
	var nrow int
	for _, row := range s.store.All() {
		if row.IsZero() && !row.Protected() {
			return reduction{}, errors.Errorf("row %v has no weight", row.MBF)
		}
		nrow++
		for p, w := range row.Weight {
			root := s.shape.Root(p)
			red.nwalker[p] += math.Abs(w)
			if w != 0 {
				red.noccupied[p]++
			}
			if row.Initiator[p] {
				red.ninitiator[p]++
			}
			switch {
			case row.Reference[root]:
				red.refWeight[p] += w
				red.projNum[p] += row.HDiag * w
			case row.RefConn[root]:
				red.projNum[p] += s.h.MatrixElement(s.refs.MBF[root], row.MBF) * w
			}
		}
	}

	parts := [][]float64{red.nwalker, red.noccupied, red.ninitiator, red.refWeight, red.projNum}
	parts = append(parts, extra...)
	flat := slices.Concat(parts...)
	flat = append(flat, float64(nrow))
	sum, err := comm.AllReduceSum(s.c, flat)
	if err != nil {
		return reduction{}, errors.Wrap(err, "")
	}
	for _, part := range parts {
		copy(part, sum)
		sum = sum[len(part):]
	}
	red.nrow = int(sum[0])
	return red, nil
}

func (s *Solver) endCycle(cc cycle.Context) (stats.Cycle, error) {
	npart := s.shape.NPart()
	ps := s.prop.Stats()
	as := s.ann.Stats()
	// Spawns within the deterministic subspace are counted by the projector, not as spawns.
	spawned := slices.Clone(ps.Spawned)
	for p, d := range as.Deterministic {
		spawned[p] -= d
	}
	annihilated := slices.Clone(as.Annihilated)
	aborted := slices.Clone(as.Aborted)
	nnull := []float64{float64(ps.NNullExcit)}
	red, err := s.reduce(spawned, annihilated, aborted, nnull)
	if err != nil {
		return stats.Cycle{}, errors.Wrap(err, "")
	}

	var total float64
	for _, nw := range red.nwalker {
		total += nw
	}
	if total == 0 {
		return stats.Cycle{}, errors.Errorf("population died")
	}

	st := stats.NewCycle(npart)
	st.Cycle = cc.Cycle
	st.Tau = cc.Tau
	copy(st.Shift, cc.Shift)
	copy(st.ShiftAverage, s.shift.Average())
	copy(st.Variable, cc.VariableShift)
	copy(st.NWalker, red.nwalker)
	for p := range npart {
		st.DeltaNWalker[p] = red.nwalker[p] - s.nw[p]
		st.ProjEnergy[p] = stats.ProjectedEnergy(red.projNum[p], red.refWeight[p])
	}
	copy(st.NSpawned, spawned)
	copy(st.NAnnihilated, annihilated)
	copy(st.NAborted, aborted)
	copy(st.NInitiator, red.ninitiator)
	copy(st.NOccupied, red.noccupied)
	copy(st.RefWeight, red.refWeight)
	copy(st.ProjEnergyNum, red.projNum)
	st.NRow = red.nrow
	st.NNullExcit = int(nnull[0])
	st.ClassProbs = s.prop.Magnitudes().Probs()

	s.nw = red.nwalker
	copy(s.refs.Weight, red.refWeight)
	return st, nil
}

// finalizeRDM adds the averaged diagonal contributions still owed by the rows, and sums the density matrices over ranks.
// Nothing is propagated.
func (s *Solver) finalizeRDM() error {
	for _, row := range s.store.All() {
		s.rdm.FlushRow(row, s.cycle-row.CycleOccupied)
	}
	s.rdmOpen = false
	if err := s.rdm.Reduce(s.c); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
