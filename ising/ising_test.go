package ising

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/sparse"
	"github.com/fumin/fciqmc/wavefunction"
)

func TestTransverseFieldIsing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n           [2]int
		h           float64
		hamiltonian *sparse.COO
	}{
		{
			n: [2]int{4, 1},
			h: 1,
			hamiltonian: sparse.M([][]float64{
				{-3, -1, -1, 0, -1, 0, 0, 0, -1, 0, 0, 0, 0, 0, 0, 0},
				{-1, -1, 0, -1, 0, -1, 0, 0, 0, -1, 0, 0, 0, 0, 0, 0},
				{-1, 0, 1, -1, 0, 0, -1, 0, 0, 0, -1, 0, 0, 0, 0, 0},
				{0, -1, -1, -1, 0, 0, 0, -1, 0, 0, 0, -1, 0, 0, 0, 0},
				{-1, 0, 0, 0, 1, -1, -1, 0, 0, 0, 0, 0, -1, 0, 0, 0},
				{0, -1, 0, 0, -1, 3, 0, -1, 0, 0, 0, 0, 0, -1, 0, 0},
				{0, 0, -1, 0, -1, 0, 1, -1, 0, 0, 0, 0, 0, 0, -1, 0},
				{0, 0, 0, -1, 0, -1, -1, -1, 0, 0, 0, 0, 0, 0, 0, -1},
				{-1, 0, 0, 0, 0, 0, 0, 0, -1, -1, -1, 0, -1, 0, 0, 0},
				{0, -1, 0, 0, 0, 0, 0, 0, -1, 1, 0, -1, 0, -1, 0, 0},
				{0, 0, -1, 0, 0, 0, 0, 0, -1, 0, 3, -1, 0, 0, -1, 0},
				{0, 0, 0, -1, 0, 0, 0, 0, 0, -1, -1, 1, 0, 0, 0, -1},
				{0, 0, 0, 0, -1, 0, 0, 0, -1, 0, 0, 0, -1, -1, -1, 0},
				{0, 0, 0, 0, 0, -1, 0, 0, 0, -1, 0, 0, -1, 1, 0, -1},
				{0, 0, 0, 0, 0, 0, -1, 0, 0, 0, -1, 0, -1, 0, -1, -1},
				{0, 0, 0, 0, 0, 0, 0, -1, 0, 0, 0, -1, 0, -1, -1, -3},
			}),
		},
		{
			n: [2]int{1, 2},
			h: 0.5,
			hamiltonian: sparse.M([][]float64{
				{-1, -0.5, -0.5, 0},
				{-0.5, 1, 0, -0.5},
				{-0.5, 0, 1, -0.5},
				{0, -0.5, -0.5, -1},
			}),
		},
	}
	for _, test := range tests {
		m := Must(test.n, 1, test.h, 0)
		h, err := sparse.FromModel(m)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		test.hamiltonian.Compact()
		if !h.Equal(test.hamiltonian) {
			t.Fatalf("%v: %v, expected %v", test.n, h.Data, test.hamiltonian.Data)
		}
	}
}

func TestFlipFlop(t *testing.T) {
	t.Parallel()
	m := Must([2]int{2, 2}, 1, 0, 0.5)
	if m.NClass() != 2 || len(m.Bonds()) != 4 {
		t.Fatalf("%d %d", m.NClass(), len(m.Bonds()))
	}
	// Sites 0 and 3 are diagonal neighbours, not bonded.
	src := mbf.New([]byte{1, 0, 0, 0})
	tests := []struct {
		dst  mbf.MBF
		elem float64
	}{
		{dst: mbf.New([]byte{0, 1, 0, 0}), elem: -0.5},
		{dst: mbf.New([]byte{0, 0, 1, 0}), elem: -0.5},
		{dst: mbf.New([]byte{0, 0, 0, 1}), elem: 0},
		{dst: mbf.New([]byte{1, 1, 1, 0}), elem: 0},
	}
	for _, test := range tests {
		if h := m.MatrixElement(src, test.dst); h != test.elem {
			t.Fatalf("%v: %f, expected %f", test.dst, h, test.elem)
		}
	}

	var n int
	m.ForEachConnection(src, func(dst mbf.MBF, h float64) {
		if h != m.MatrixElement(src, dst) {
			t.Fatalf("%v: %f, expected %f", dst, h, m.MatrixElement(src, dst))
		}
		n++
	})
	if n != 2 {
		t.Fatalf("%d, expected %d", n, 2)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	m := Must([2]int{2, 3}, 1, 0.7, 0.3)
	rng := rand.New(rand.NewPCG(0, 0))
	src := mbf.New([]byte{1, 0, 1, 1, 0, 0})
	conns := make(map[mbf.MBF]float64)
	m.ForEachConnection(src, func(dst mbf.MBF, h float64) { conns[dst] = h })

	nnull := 0
	const n = 20000
	for range n {
		class := rng.IntN(m.NClass())
		ex, ok := m.Generate(rng, src, class)
		if !ok {
			nnull++
			continue
		}
		h, connected := conns[ex.Dst]
		if !connected || h != ex.HElem {
			t.Fatalf("%v %f, expected %f %v", ex.Dst, ex.HElem, h, connected)
		}
		var expected float64
		switch class {
		case ClassFlip:
			expected = 1 / float64(m.NSite())
		default:
			expected = 1 / float64(len(m.Bonds()))
		}
		if ex.Prob != expected {
			t.Fatalf("%f, expected %f", ex.Prob, expected)
		}
	}
	// Aligned bonds are null draws.
	var aligned int
	for _, b := range m.Bonds() {
		if src.Get(b[0]) == src.Get(b[1]) {
			aligned++
		}
	}
	expected := 0.5 * float64(aligned) / float64(len(m.Bonds()))
	if got := float64(nnull) / n; math.Abs(got-expected) > 0.02 {
		t.Fatalf("%f, expected %f", got, expected)
	}
}

func TestGetStatistics(t *testing.T) {
	t.Parallel()
	m := Must([2]int{1, 2}, 1, 0, 0)
	h, err := sparse.FromModel(m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	vvs, err := h.Eigen()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	stats, err := m.GetStatistics(vvs)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(stats.EigenValue[0]+1) > 1e-9 || math.Abs(stats.EigenValue[3]-1) > 1e-9 {
		t.Fatalf("%v", stats.EigenValue)
	}
	if math.Abs(stats.Magnetization-1) > 1e-9 {
		t.Fatalf("%f", stats.Magnetization)
	}
	if math.Abs(stats.BinderCumulant-2./3) > 1e-9 {
		t.Fatalf("%f", stats.BinderCumulant)
	}
}

func TestObservables(t *testing.T) {
	t.Parallel()
	m := Must([2]int{1, 3}, 1, 0.8, 0.4)
	h, err := sparse.FromModel(m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	vvs, err := h.Eigen()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	ground := vvs[0]

	// Accumulate the density matrices of the exact ground state, as two identical replicas would.
	d, err := rdm.New(m.NSite(), wavefunction.Shape{NRoot: 1, NReplica: 2}, []string{rdm.One, rdm.Two})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for i, a := range mbf.All(m.NSite()) {
		d.Diagonal(a, ground.Vec[i]*ground.Vec[i])
		m.ForEachConnection(a, func(b mbf.MBF, _ float64) {
			d.Contribute(a, b, ground.Vec[i]*ground.Vec[b[0]])
		})
	}
	one, err := d.Tensor(rdm.One)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	two, err := d.Tensor(rdm.Two)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	obs, err := m.Observables(one, two)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(obs.Energy-ground.Val) > 1e-4 {
		t.Fatalf("%f, expected %f", obs.Energy, ground.Val)
	}
	if obs.MagnetizationX <= 0 {
		t.Fatalf("%f", obs.MagnetizationX)
	}
}
