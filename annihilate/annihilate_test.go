package annihilate

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rank"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/spawn"
	"github.com/fumin/fciqmc/wavefunction"
)

// chain is a one site model whose basis function m has energy m, connected to everything with element -1.
type chain struct{}

func (chain) NSite() int                      { return 1 }
func (chain) NClass() int                     { return 1 }
func (chain) Energy(m mbf.MBF) float64        { return float64(m[0]) }
func (chain) MatrixElement(a, b mbf.MBF) float64 { return -1 }
func (chain) Generate(*rand.Rand, mbf.MBF, int) (ham.Excitation, bool) {
	return ham.Excitation{}, false
}
func (chain) ForEachConnection(mbf.MBF, func(mbf.MBF, float64)) {}

type fixture struct {
	store *wavefunction.Store
	refs  *wavefunction.References
	a     *Annihilator
	cc    cycle.Context
}

func newFixture(t *testing.T, shape wavefunction.Shape, r *rdm.RDM, opts Options) *fixture {
	store := wavefunction.NewStore(shape, 4)
	refs := wavefunction.NewReferences(shape, mbf.Index(0))
	alloc := rank.NewAllocator(1, 1)
	f := &fixture{
		store: store,
		refs:  refs,
		a:     New(store, chain{}, alloc, 0, refs, r, opts),
		cc:    cycle.Context{Cycle: 3, Tau: 0.1, Shift: make([]float64, shape.NPart())},
	}
	return f
}

func (f *fixture) row(t *testing.T, m mbf.MBF, w ...float64) *wavefunction.Row {
	i, ok := f.store.Lookup(m)
	if !ok {
		var err error
		if i, err = f.store.Insert(m); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	r := f.store.Row(i)
	copy(r.Weight, w)
	r.HDiag = chain{}.Energy(m)
	return r
}

func (f *fixture) weight(m mbf.MBF, part int) (float64, bool) {
	i, ok := f.store.Lookup(m)
	if !ok {
		return 0, false
	}
	return f.store.Row(i).Weight[part], true
}

func TestInitiatorGate(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 2}
	f := newFixture(t, shape, nil, Options{})
	// Occupied in part 0 only.
	f.row(t, mbf.Index(5), 2, 0)

	recv := []spawn.Record{
		{Dst: mbf.Index(5), DstPart: 1, Delta: 0.7, Src: mbf.Index(1)},
		{Dst: mbf.Index(6), DstPart: 0, Delta: -0.4, Src: mbf.Index(1)},
		{Dst: mbf.Index(6), DstPart: 0, Delta: -0.2, Src: mbf.Index(1)},
		{Dst: mbf.Index(5), DstPart: 0, Delta: 0.5, Src: mbf.Index(1)},
	}
	if err := f.a.Annihilate(f.cc, recv); err != nil {
		t.Fatalf("%+v", err)
	}
	if w, _ := f.weight(mbf.Index(5), 1); w != 0 {
		t.Fatalf("%f, expected 0", w)
	}
	if w, _ := f.weight(mbf.Index(5), 0); w != 2.5 {
		t.Fatalf("%f, expected 2.5", w)
	}
	if _, ok := f.weight(mbf.Index(6), 0); ok {
		t.Fatalf("unexpected row")
	}
	st := f.a.Stats()
	if st.NAborted != 2 || math.Abs(st.Aborted[0]-0.6) > 1e-12 || st.Aborted[1] != 0.7 {
		t.Fatalf("%#v", st)
	}
}

func TestInitiatorCorroboration(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 1}
	tests := []struct {
		name   string
		recv   []spawn.Record
		weight float64
	}{
		{
			name: "two sources",
			recv: []spawn.Record{
				{Dst: mbf.Index(7), Delta: 0.25, Src: mbf.Index(1)},
				{Dst: mbf.Index(7), Delta: 0.5, Src: mbf.Index(2)},
			},
			weight: 0.75,
		},
		{
			name: "one initiator",
			recv: []spawn.Record{
				{Dst: mbf.Index(7), Delta: 0.25, Src: mbf.Index(1), SrcInitiator: true},
				{Dst: mbf.Index(7), Delta: 0.5, Src: mbf.Index(1)},
			},
			weight: 0.75,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			for _, rdmOn := range []bool{false, true} {
				f := newFixture(t, shape, nil, Options{})
				f.cc.RDM = rdmOn
				if err := f.a.Annihilate(f.cc, test.recv); err != nil {
					t.Fatalf("%+v", err)
				}
				w, ok := f.weight(mbf.Index(7), 0)
				if !ok || w != test.weight {
					t.Fatalf("%v %f, expected %f", ok, w, test.weight)
				}
				i, _ := f.store.Lookup(mbf.Index(7))
				row := f.store.Row(i)
				if row.HDiag != 7 || !row.RefConn[0] || row.Reference[0] || row.CycleOccupied != f.cc.Cycle+1 {
					t.Fatalf("%#v", row)
				}
				if f.a.Stats().NCreated != 1 {
					t.Fatalf("%#v", f.a.Stats())
				}
			}
		})
	}
}

func TestDeterministicExclusion(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 1}
	f := newFixture(t, shape, nil, Options{})
	det := f.row(t, mbf.Index(3))
	det.Deterministic[0] = true

	recv := []spawn.Record{
		{Dst: mbf.Index(3), Delta: 5, Src: mbf.Index(1), SrcDeterministic: true},
		{Dst: mbf.Index(3), Delta: 0.5, Src: mbf.Index(2)},
	}
	if err := f.a.Annihilate(f.cc, recv); err != nil {
		t.Fatalf("%+v", err)
	}
	// The deterministic destination accepts the stochastic spawn although its source is no initiator.
	if w, _ := f.weight(mbf.Index(3), 0); w != 0.5 {
		t.Fatalf("%f, expected 0.5", w)
	}
	if d := f.a.Stats().Deterministic[0]; d != 5 {
		t.Fatalf("%f, expected 5", d)
	}
	f.a.ResetStats()
	if d := f.a.Stats().Deterministic[0]; d != 0 {
		t.Fatalf("%f, expected 0", d)
	}
}

func TestAnnihilation(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 1}
	f := newFixture(t, shape, nil, Options{})
	f.row(t, mbf.Index(4), 1.5)
	f.row(t, mbf.Index(8), 1)
	// The reference survives at zero weight.
	ref := f.row(t, mbf.Index(0), 2)
	ref.Reference[0] = true

	recv := []spawn.Record{
		{Dst: mbf.Index(4), Delta: -2, Src: mbf.Index(1)},
		{Dst: mbf.Index(8), Delta: -0.25, Src: mbf.Index(1)},
		{Dst: mbf.Index(8), Delta: -0.75, Src: mbf.Index(2)},
		{Dst: mbf.Index(0), Delta: -2, Src: mbf.Index(2)},
	}
	if err := f.a.Annihilate(f.cc, recv); err != nil {
		t.Fatalf("%+v", err)
	}
	if w, _ := f.weight(mbf.Index(4), 0); w != -0.5 {
		t.Fatalf("%f, expected -0.5", w)
	}
	if _, ok := f.weight(mbf.Index(8), 0); ok {
		t.Fatalf("expected row removed")
	}
	if w, ok := f.weight(mbf.Index(0), 0); !ok || w != 0 {
		t.Fatalf("%v %f", ok, w)
	}
	st := f.a.Stats()
	if st.Annihilated[0] != 1.5+1+2 || st.NRemoved != 1 {
		t.Fatalf("%#v", st)
	}
	f.a.ResetStats()
	if st.Annihilated[0] != 0 || st.NRemoved != 0 {
		t.Fatalf("%#v", st)
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 1}
	f := newFixture(t, shape, nil, Options{})
	if err := f.a.Annihilate(f.cc, []spawn.Record{{Dst: mbf.Index(1), Src: mbf.Index(2)}}); err == nil {
		t.Fatalf("expected error for zero delta")
	}

	store := wavefunction.NewStore(shape, 4)
	alloc := rank.NewAllocator(2, 4)
	var foreign mbf.MBF
	for _, m := range mbf.All(8) {
		if alloc.Of(m) == 1 {
			foreign = m
			break
		}
	}
	a := New(store, chain{}, alloc, 0, wavefunction.NewReferences(shape, mbf.Index(0)), nil, Options{})
	if err := a.Annihilate(f.cc, []spawn.Record{{Dst: foreign, Delta: 1}}); err == nil {
		t.Fatalf("expected error for wrong rank")
	}
	if store.Len() != 0 {
		t.Fatalf("%d", store.Len())
	}
}

func TestNoLeak(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 2}
	f := newFixture(t, shape, nil, Options{})
	rng := rand.New(rand.NewPCG(11, 12))
	for c := range 50 {
		recv := make([]spawn.Record, 0)
		dsts := make(map[mbf.MBF]bool)
		for range rng.IntN(40) {
			rec := spawn.Record{
				Dst:          mbf.Index(rng.Uint64N(30)),
				DstPart:      rng.IntN(2),
				Delta:        float64(rng.IntN(5)+1) * float64(1-2*rng.IntN(2)),
				Src:          mbf.Index(rng.Uint64N(4)),
				SrcInitiator: rng.IntN(3) == 0,
			}
			recv = append(recv, rec)
			dsts[rec.Dst] = true
		}
		before := f.store.Len()
		f.cc.Cycle = c
		if err := f.a.Annihilate(f.cc, recv); err != nil {
			t.Fatalf("%+v", err)
		}
		if f.store.Len() > before+len(dsts) {
			t.Fatalf("cycle %d: %d rows, expected at most %d+%d", c, f.store.Len(), before, len(dsts))
		}
		for i := 1; i < len(recv); i++ {
			if spawn.Compare(recv[i-1], recv[i], false) > 0 {
				t.Fatalf("unsorted %v %v", recv[i-1], recv[i])
			}
		}
		for _, row := range f.store.All() {
			if row.IsZero() && !row.Protected() {
				t.Fatalf("cycle %d: zero row %v", c, row.MBF)
			}
		}
	}
}

func TestDensityMatrix(t *testing.T) {
	t.Parallel()
	shape := wavefunction.Shape{NRoot: 1, NReplica: 2}
	r, err := rdm.New(4, shape, []string{rdm.One})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	f := newFixture(t, shape, r, Options{})
	f.cc.RDM = true
	f.cc.Shift = []float64{0.5, 1}
	// Basis function 2 has energy 2.
	f.row(t, mbf.Index(2), 3, 4)

	recv := []spawn.Record{
		// Source 3 differs from 2 in site 0.
		{Dst: mbf.Index(2), DstPart: 0, Delta: 0.5, Src: mbf.Index(3), SrcWeight: 10},
		{Dst: mbf.Index(2), DstPart: 0, Delta: 0.5, Src: mbf.Index(3), SrcWeight: 10},
		{Dst: mbf.Index(2), DstPart: 1, Delta: -1, Src: mbf.Index(3), SrcWeight: 20},
	}
	if err := f.a.Annihilate(f.cc, recv); err != nil {
		t.Fatalf("%+v", err)
	}
	if w, _ := f.weight(mbf.Index(2), 0); w != 4 {
		t.Fatalf("%f", w)
	}

	// Both parts are contributed against the partner's weight before annihilation, with death undone.
	expected := 10*4/(1-0.1*(2-1)) + 20*3/(1-0.1*(2-0.5))
	r.Diagonal(mbf.Index(0), 1)
	x, err := r.Tensor(rdm.One)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if v := float64(real(x.At(0))); math.Abs(v-expected)/expected > 1e-6 {
		t.Fatalf("%f, expected %f", v, expected)
	}
}
