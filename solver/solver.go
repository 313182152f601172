// Package solver drives the cycles of one rank of a simulation.
//
// Every rank runs its own Solver over a shared comm.World.
// Solvers call the same collectives in the same order, so they advance in lockstep.
package solver

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/annihilate"
	"github.com/fumin/fciqmc/checkpoint"
	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/config"
	"github.com/fumin/fciqmc/detsub"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/metrics"
	"github.com/fumin/fciqmc/propagate"
	"github.com/fumin/fciqmc/rank"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/shift"
	"github.com/fumin/fciqmc/spawn"
	"github.com/fumin/fciqmc/stats"
	"github.com/fumin/fciqmc/util"
	"github.com/fumin/fciqmc/wavefunction"
)

type Option func(*Solver)

// WithMetrics exports the statistics of every cycle. Only rank 0 reports.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Solver) { s.metrics = m }
}

// WithStatsWriter writes the statistics of every cycle. Only rank 0 writes.
func WithStatsWriter(w *stats.Writer) Option {
	return func(s *Solver) { s.writer = w }
}

// WithCheckpoint persists the state periodically, and restores it at start when restarting.
// The checkpoint is shared by all ranks of a world.
func WithCheckpoint(cp *checkpoint.Checkpoint) Option {
	return func(s *Solver) { s.cp = cp }
}

func WithRunID(id string) Option {
	return func(s *Solver) { s.runID = id }
}

type Solver struct {
	c     *comm.Comm
	cfg   config.Config
	h     ham.Hamiltonian
	shape wavefunction.Shape

	alloc *rank.Allocator
	store *wavefunction.Store
	refs  *wavefunction.References
	pcg   *rand.PCG
	rng   *rand.Rand
	prop  propagate.Propagator
	shift *shift.Shift
	ann   *annihilate.Annihilator
	buf   *spawn.Buffer
	rdm   *rdm.RDM
	det   *detsub.Subspace

	// cycle is the next cycle to run.
	cycle int
	tau   float64
	// nw is the global population of each part at the end of the last cycle.
	nw      []float64
	rdmOpen bool
	history []stats.Cycle

	metrics  *metrics.Metrics
	writer   *stats.Writer
	cp       *checkpoint.Checkpoint
	runID    string
	throttle *util.SkipThrottler
}

// New returns the solver of rank c.Rank(), starting from the reference basis function ref.
func New(c *comm.Comm, cfg config.Config, h ham.Hamiltonian, ref mbf.MBF, opts ...Option) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if cfg.NRank != c.Size() {
		return nil, errors.Errorf("nrank %d, world of %d", cfg.NRank, c.Size())
	}
	shape := wavefunction.Shape{NRoot: cfg.Wavefunction.NRoot, NReplica: cfg.Wavefunction.NReplica}
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	s := &Solver{
		c:        c,
		cfg:      cfg,
		h:        h,
		shape:    shape,
		alloc:    rank.NewAllocator(c.Size(), cfg.Wavefunction.BlocksPerRank),
		store:    wavefunction.NewStore(shape, cfg.Wavefunction.Capacity),
		refs:     wavefunction.NewReferences(shape, ref),
		pcg:      rand.NewPCG(cfg.Seed, uint64(c.Rank())),
		tau:      cfg.Propagator.Tau,
		throttle: util.NewSkipThrottler(cfg.Log.Period),
	}
	s.rng = rand.New(s.pcg)
	for _, o := range opts {
		o(s)
	}

	var err error
	s.prop, err = propagate.New(cfg.Propagator, h, shape, s.rng)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if cfg.RDM.Enabled() {
		s.rdm, err = rdm.New(h.NSite(), shape, cfg.RDM.Ranks)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
	}
	s.ann = annihilate.New(s.store, h, s.alloc, c.Rank(), s.refs, s.rdm, annihilate.Options{ExplicitRefConns: cfg.RDM.ExplicitRefConns})
	s.buf = spawn.NewBuffer(s.alloc)
	return s, nil
}

// Store returns the rows owned by this rank.
func (s *Solver) Store() *wavefunction.Store { return s.store }

// RDM returns the density matrices, nil if they are not accumulated.
// They are summed over ranks once the accumulation window closes.
func (s *Solver) RDM() *rdm.RDM { return s.rdm }

// History returns the statistics of every cycle run so far.
func (s *Solver) History() []stats.Cycle { return s.history }

// References returns the current reference of each root.
func (s *Solver) References() []mbf.MBF { return slices.Clone(s.refs.MBF) }

func (s *Solver) RunID() string { return s.runID }

// Tau returns the current timestep.
func (s *Solver) Tau() float64 { return s.tau }

// Execute runs cycles until ncycle, the end of the density matrix window, or the cancellation of ctx.
// Cancellation stops all ranks on the same cycle and is not an error.
func (s *Solver) Execute(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return errors.Wrap(err, "")
	}

	for s.cycle < s.cfg.NCycle {
		stop, err := s.exitFlag(ctx)
		if err != nil {
			return errors.Wrap(err, "")
		}
		if stop {
			if s.c.Rank() == 0 {
				log.Printf("stopping at cycle %d: %v", s.cycle, context.Cause(ctx))
			}
			if s.cp != nil {
				if err := s.save(context.WithoutCancel(ctx)); err != nil {
					return errors.Wrap(err, "")
				}
			}
			break
		}

		cc, err := s.beginCycle()
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cycle %d", s.cycle))
		}
		if err := s.step(cc); err != nil {
			return errors.Wrap(err, fmt.Sprintf("cycle %d", s.cycle))
		}
		st, err := s.endCycle(cc)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cycle %d", s.cycle))
		}
		if err := s.emit(st); err != nil {
			return errors.Wrap(err, "")
		}
		s.cycle++

		if s.cp != nil && s.cfg.Checkpoint.Period > 0 && s.cycle%s.cfg.Checkpoint.Period == 0 {
			if err := s.save(context.WithoutCancel(ctx)); err != nil {
				return errors.Wrap(err, "")
			}
		}
		if s.rdmOpen && s.cycle == s.cfg.RDM.Start+s.cfg.RDM.NCycle {
			break
		}
	}

	if s.rdmOpen {
		if err := s.finalizeRDM(); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// exitFlag reports whether any rank was asked to stop. It is a collective.
func (s *Solver) exitFlag(ctx context.Context) (bool, error) {
	flag := []float64{0}
	if ctx.Err() != nil {
		flag[0] = 1
	}
	flag, err := comm.AllReduceMax(s.c, flag)
	if err != nil {
		return false, errors.Wrap(err, "")
	}
	return flag[0] != 0, nil
}

func (s *Solver) emit(st stats.Cycle) error {
	s.history = append(s.history, st)
	if s.c.Rank() != 0 {
		return nil
	}
	if s.metrics != nil {
		s.metrics.Observe(st)
	}
	if s.writer != nil {
		if err := s.writer.Write(st); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if s.throttle.Ok() {
		log.Printf("cycle %d tau %.5g shift %.6g nwalker %.6g projected energy %.6g rows %d", st.Cycle, st.Tau, st.Shift, st.NWalker, st.ProjEnergy, st.NRow)
	}
	return nil
}
