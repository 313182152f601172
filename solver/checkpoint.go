package solver

import (
	"context"
	"log"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/checkpoint"
	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/rank"
	"github.com/fumin/fciqmc/shift"
	"github.com/fumin/fciqmc/wavefunction"
)

// save writes the state of all ranks to the checkpoint.
// Ranks write their rows in turn. It is a collective.
func (s *Solver) save(ctx context.Context) error {
	state, err := s.pcg.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "")
	}
	states, err := comm.AllGather(s.c, state)
	if err != nil {
		return errors.Wrap(err, "")
	}

	if s.c.Rank() == 0 {
		if err := s.cp.Reset(ctx); err != nil {
			return errors.Wrap(err, "")
		}
	}
	for r := range s.c.Size() {
		if err := s.c.Barrier(); err != nil {
			return errors.Wrap(err, "")
		}
		if r != s.c.Rank() {
			continue
		}
		if err := s.cp.WriteRows(ctx, r, s.store); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := s.c.Barrier(); err != nil {
		return errors.Wrap(err, "")
	}

	if s.c.Rank() == 0 {
		meta := checkpoint.Meta{
			RunID:      s.runID,
			Cycle:      s.cycle,
			NRank:      s.c.Size(),
			Shape:      s.shape,
			Tau:        s.tau,
			Shift:      s.shift.State(),
			ClassProbs: s.prop.Magnitudes().Probs(),
			Blocks:     s.alloc.Table(),
			RNG:        states,
			References: slices.Clone(s.refs.MBF),
		}
		if err := s.cp.WriteMeta(ctx, meta); err != nil {
			return errors.Wrap(err, "")
		}
		log.Printf("checkpoint at cycle %d in %s", s.cycle, s.cp.Path)
	}
	if err := s.c.Barrier(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// restore resumes from the checkpoint.
// The deterministic subspace is chosen again, and density matrix averages restart at the checkpointed cycle.
func (s *Solver) restore(ctx context.Context) error {
	meta, err := s.cp.ReadMeta(ctx)
	if err != nil {
		return errors.Wrap(err, "")
	}
	switch {
	case meta.NRank != s.c.Size():
		return errors.Errorf("checkpoint of %d ranks, world of %d", meta.NRank, s.c.Size())
	case meta.Shape != s.shape:
		return errors.Errorf("checkpoint shape %#v, expected %#v", meta.Shape, s.shape)
	case len(meta.RNG) != s.c.Size():
		return errors.Errorf("%d generator states for %d ranks", len(meta.RNG), s.c.Size())
	case len(meta.Blocks) != s.alloc.NBlock():
		return errors.Errorf("%d blocks, expected %d", len(meta.Blocks), s.alloc.NBlock())
	case len(meta.References) != s.shape.NRoot:
		return errors.Errorf("%d references for %d roots", len(meta.References), s.shape.NRoot)
	}

	s.cycle = meta.Cycle
	s.tau = meta.Tau
	if s.runID == "" {
		s.runID = meta.RunID
	}
	moves := make([]rank.Move, 0)
	for b, r := range meta.Blocks {
		if from := s.alloc.RankOfBlock(b); from != r {
			moves = append(moves, rank.Move{Block: b, From: from, To: r})
		}
	}
	s.alloc.Apply(moves)
	if err := s.pcg.UnmarshalBinary(meta.RNG[s.c.Rank()]); err != nil {
		return errors.Wrap(err, "")
	}
	copy(s.refs.MBF, meta.References)
	if err := s.prop.Magnitudes().SetProbs(meta.ClassProbs); err != nil {
		return errors.Wrap(err, "")
	}

	err = s.cp.ReadRows(ctx, func(snap wavefunction.Snapshot) error {
		if s.alloc.Of(snap.MBF) != s.c.Rank() {
			return nil
		}
		clear(snap.Deterministic)
		clear(snap.AvWeight)
		snap.CycleOccupied = max(snap.CycleOccupied, meta.Cycle)
		i, err := s.store.Restore(snap)
		if err != nil {
			return errors.Wrap(err, "")
		}
		if row := s.store.Row(i); row.IsZero() && !row.Protected() {
			s.store.Remove(i)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "")
	}

	red, err := s.reduce()
	if err != nil {
		return errors.Wrap(err, "")
	}
	s.nw = red.nwalker
	copy(s.refs.Weight, red.refWeight)
	s.shift = shift.New(s.cfg.Shift, s.refEnergies(), s.nw, s.cycle)
	if err := s.shift.Restore(meta.Shift); err != nil {
		return errors.Wrap(err, "")
	}
	if s.c.Rank() == 0 {
		log.Printf("restored %s at cycle %d, %d rows", meta.RunID, meta.Cycle, red.nrow)
	}
	return nil
}
