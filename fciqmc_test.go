package fciqmc

import (
	"context"
	"math"
	"testing"

	"github.com/fumin/fciqmc/config"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/ising"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/sparse"
)

func groundEnergy(t *testing.T, h ham.Hamiltonian) float64 {
	m, err := sparse.FromModel(h)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	vvs, err := m.Eigen()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return vvs[0].Val
}

func exactConfig() config.Config {
	cfg := config.Default()
	cfg.Propagator.Exact = true
	cfg.Initiator.Threshold = 0
	cfg.Shift.NWalkerTarget = 1e300
	return cfg
}

func TestExactConvergence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n [2]int
		h float64
	}{
		{n: [2]int{2, 2}, h: 3},
		{n: [2]int{1, 3}, h: 1.5},
	}
	for _, test := range tests {
		model := ising.Must(test.n, 1, test.h, 0)
		e0 := groundEnergy(t, model)

		cfg := exactConfig()
		cfg.NCycle = 1000
		cfg.Propagator.Tau = 0.05
		cfg.Shift.NWalkerTarget = 100
		cfg.Shift.Damp = 0.1
		res, err := Run(context.Background(), cfg, model, mbf.Index(0))
		if err != nil {
			t.Fatalf("%+v", err)
		}
		last, ok := res.Last()
		if !ok {
			t.Fatalf("no history")
		}
		if math.Abs(last.ProjEnergy[0]-e0) > 1e-6 {
			t.Fatalf("%v %v: %v, expected %v", test.n, test.h, last.ProjEnergy[0], e0)
		}
		if !last.Variable[0] {
			t.Fatalf("%v %v: shift never varied", test.n, test.h)
		}
		if res.RunID == "" {
			t.Fatalf("empty run id")
		}
	}
}

func TestRanksAgree(t *testing.T) {
	t.Parallel()
	model := ising.Must([2]int{2, 3}, 1, 1.5, 0)
	cfg := exactConfig()
	cfg.NCycle = 60

	one, err := Run(context.Background(), cfg, model, mbf.Index(0))
	if err != nil {
		t.Fatalf("%+v", err)
	}

	cfg.NRank = 3
	cfg.Balance.Period = 7
	three, err := Run(context.Background(), cfg, model, mbf.Index(0))
	if err != nil {
		t.Fatalf("%+v", err)
	}

	if len(one.Rows) != len(three.Rows) {
		t.Fatalf("%d, expected %d", len(three.Rows), len(one.Rows))
	}
	for i, expected := range one.Rows {
		got := three.Rows[i]
		if got.MBF != expected.MBF {
			t.Fatalf("%d: %v, expected %v", i, got.MBF, expected.MBF)
		}
		if math.Abs(got.Weight[0]-expected.Weight[0]) > 1e-9*math.Abs(expected.Weight[0]) {
			t.Fatalf("%v: %v, expected %v", got.MBF, got.Weight[0], expected.Weight[0])
		}
	}
	if e, g := one.History[59].ProjEnergy[0], three.History[59].ProjEnergy[0]; math.Abs(e-g) > 1e-9 {
		t.Fatalf("%v, expected %v", g, e)
	}
}

func TestDensityMatrices(t *testing.T) {
	t.Parallel()
	model := ising.Must([2]int{1, 2}, 1, 1, 0)
	e0 := groundEnergy(t, model)

	cfg := exactConfig()
	cfg.NCycle = 1000
	cfg.Propagator.Tau = 0.05
	cfg.Shift.Init = e0 - model.Energy(mbf.Index(0))
	cfg.Wavefunction.NReplica = 2
	cfg.RDM.Ranks = []string{rdm.One, rdm.Two}
	cfg.RDM.Start = 300
	cfg.RDM.NCycle = 50
	res, err := Run(context.Background(), cfg, model, mbf.Index(0))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(res.History) != 350 {
		t.Fatalf("%d, expected %d", len(res.History), 350)
	}

	one, ok := res.RDM[rdm.One]
	if !ok {
		t.Fatalf("%v", res.RDM)
	}
	two, ok := res.RDM[rdm.Two]
	if !ok {
		t.Fatalf("%v", res.RDM)
	}
	obs, err := model.Observables(one, two)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(obs.Energy-e0) > 1e-3*math.Abs(e0) {
		t.Fatalf("%#v, expected %v", obs, e0)
	}
}

func TestStochastic(t *testing.T) {
	t.Parallel()
	model := ising.Must([2]int{2, 2}, 1, 1, 0)
	e0 := groundEnergy(t, model)

	cfg := config.Default()
	cfg.Seed = 7
	cfg.NRank = 2
	cfg.NCycle = 2000
	cfg.Shift.NWalkerTarget = 500
	cfg.Balance.Period = 20
	cfg.Semistochastic.Size = 4
	cfg.Semistochastic.Cycle = 100
	cfg.Reference.Period = 50
	res, err := Run(context.Background(), cfg, model, mbf.Index(0))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(res.History) != cfg.NCycle {
		t.Fatalf("%d, expected %d", len(res.History), cfg.NCycle)
	}
	// The shift starts at the energy of the reference, all spins aligned.
	if eRef := model.Energy(mbf.Index(0)); res.History[0].Shift[0] != eRef {
		t.Fatalf("%v, expected %v", res.History[0].Shift[0], eRef)
	}
	var peak float64
	for _, c := range res.History {
		peak = max(peak, c.NWalker[0])
	}
	if peak > 20*cfg.Shift.NWalkerTarget {
		t.Fatalf("%v, expected below %v", peak, 20*cfg.Shift.NWalkerTarget)
	}

	var shift, nw float64
	tail := res.History[cfg.NCycle/2:]
	for _, c := range tail {
		shift += c.Shift[0]
		nw += c.NWalker[0]
	}
	shift /= float64(len(tail))
	nw /= float64(len(tail))
	if math.Abs(shift-e0) > 0.15*math.Abs(e0) {
		t.Fatalf("%v, expected %v", shift, e0)
	}
	if nw < cfg.Shift.NWalkerTarget/3 || nw > 3*cfg.Shift.NWalkerTarget {
		t.Fatalf("%v, expected %v", nw, cfg.Shift.NWalkerTarget)
	}
}
