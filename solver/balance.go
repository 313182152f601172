package solver

import (
	"log"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/wavefunction"
)

// balance moves blocks of rows from the most to the least loaded ranks.
// The load of a block is its number of rows.
// It is a collective.
func (s *Solver) balance() error {
	load := make([]float64, s.alloc.NBlock())
	for _, row := range s.store.All() {
		load[s.alloc.Block(row.MBF)]++
	}
	load, err := comm.AllReduceSum(s.c, load)
	if err != nil {
		return errors.Wrap(err, "")
	}
	moves := s.alloc.Rebalance(load, s.cfg.Balance.Tolerance)
	if len(moves) == 0 {
		return nil
	}

	to := make(map[int]int, len(moves))
	for _, mv := range moves {
		if mv.From == s.c.Rank() {
			to[mv.Block] = mv.To
		}
	}
	send := make([][]wavefunction.Snapshot, s.c.Size())
	for i, row := range s.store.All() {
		r, ok := to[s.alloc.Block(row.MBF)]
		if !ok {
			continue
		}
		send[r] = append(send[r], row.Snapshot())
		s.store.Remove(i)
	}

	recv, err := comm.AllToAll(s.c, send, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	s.alloc.Apply(moves)
	for _, snap := range recv {
		if _, err := s.store.Restore(snap); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if s.det != nil {
		if err := s.det.Rebuild(s.store, s.alloc, s.c.Rank()); err != nil {
			return errors.Wrap(err, "")
		}
	}

	if s.c.Rank() == 0 {
		log.Printf("cycle %d moved %d blocks", s.cycle, len(moves))
	}
	return nil
}
