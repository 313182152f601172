// Package fciqmc runs the population dynamics of a stochastic projector simulation.
//
// A run is a world of ranks, each a goroutine owning the rows of the basis functions the rank allocator assigns to it.
// Each cycle every rank propagates its rows, exchanges what it spawned, and merges what it received.
package fciqmc

import (
	"context"
	"fmt"
	"slices"

	"github.com/fumin/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/config"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/solver"
	"github.com/fumin/fciqmc/stats"
	"github.com/fumin/fciqmc/wavefunction"
)

// Result is the outcome of a run.
type Result struct {
	RunID string
	// History holds the statistics of every cycle.
	History []stats.Cycle
	// Rows are the final rows of all ranks, in increasing order of basis function.
	Rows       []wavefunction.Snapshot
	References []mbf.MBF
	Tau        float64
	// RDM holds the normalised density matrices by rank signature, when accumulated.
	RDM map[string]*tensor.Dense
}

// Last returns the statistics of the last cycle.
func (r *Result) Last() (stats.Cycle, bool) {
	if len(r.History) == 0 {
		return stats.Cycle{}, false
	}
	return r.History[len(r.History)-1], true
}

// Run simulates cfg.NRank ranks starting from the reference ref.
// The first rank to fail aborts the others, and its error is returned.
func Run(ctx context.Context, cfg config.Config, h ham.Hamiltonian, ref mbf.MBF, opts ...solver.Option) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	world := comm.NewWorld(cfg.NRank)
	opts = append([]solver.Option{solver.WithRunID(uuid.NewString())}, opts...)

	solvers := make([]*solver.Solver, cfg.NRank)
	g, gctx := errgroup.WithContext(ctx)
	for r := range cfg.NRank {
		g.Go(func() error {
			s, err := solver.New(world.Comm(r), cfg, h, ref, opts...)
			if err != nil {
				world.Abort(err)
				return errors.Wrap(err, "")
			}
			solvers[r] = s
			if err := s.Execute(gctx); err != nil {
				world.Abort(err)
				return errors.Wrap(err, fmt.Sprintf("rank %d", r))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s0 := solvers[0]
	res := &Result{
		RunID:      s0.RunID(),
		History:    s0.History(),
		References: s0.References(),
		Tau:        s0.Tau(),
	}
	for _, s := range solvers {
		for _, row := range s.Store().All() {
			res.Rows = append(res.Rows, row.Snapshot())
		}
	}
	slices.SortFunc(res.Rows, func(a, b wavefunction.Snapshot) int { return mbf.Compare(a.MBF, b.MBF) })

	if d := s0.RDM(); d != nil && d.Trace() != 0 {
		res.RDM = make(map[string]*tensor.Dense)
		for _, k := range d.Ranks() {
			t, err := d.Tensor(k)
			if err != nil {
				return nil, errors.Wrap(err, "")
			}
			res.RDM[k] = t
		}
	}
	return res, nil
}
