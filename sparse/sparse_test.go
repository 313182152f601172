package sparse

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/fumin/fciqmc/mbf"
)

func TestEigen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		m    *COO
		vals []float64
	}{
		{
			m:    M([][]float64{{1, -1}, {-1, 1}}),
			vals: []float64{0, 2},
		},
		{
			m:    M([][]float64{{-1, -2}, {-2, 1}}),
			vals: []float64{-math.Sqrt(5), math.Sqrt(5)},
		},
		{
			m:    M([][]float64{{3, 0, 0}, {0, -2, 0}, {0, 0, 1}}),
			vals: []float64{-2, 1, 3},
		},
	}
	for _, test := range tests {
		vvs, err := test.m.Eigen()
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if len(vvs) != len(test.vals) {
			t.Fatalf("%d, expected %d", len(vvs), len(test.vals))
		}
		for i, vv := range vvs {
			if math.Abs(vv.Val-test.vals[i]) > 1e-9 {
				t.Fatalf("%d %f, expected %f", i, vv.Val, test.vals[i])
			}
			// Check H v = λ v.
			d := test.m.Dense()
			for r := range d.RawMatrix().Rows {
				var hv float64
				for c, x := range vv.Vec {
					hv += d.At(r, c) * x
				}
				if math.Abs(hv-vv.Val*vv.Vec[r]) > 1e-9 {
					t.Fatalf("%d %d %f, expected %f", i, r, hv, vv.Val*vv.Vec[r])
				}
			}
		}
	}
}

func TestEigenNotSymmetric(t *testing.T) {
	t.Parallel()
	if _, err := M([][]float64{{0, 1}, {0, 0}}).Eigen(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCompact(t *testing.T) {
	t.Parallel()
	m := Zeros(2, 2)
	m.Add(1, 0, 2)
	m.Add(0, 1, 1)
	m.Add(1, 0, -2)
	m.Add(0, 1, 0.5)
	m.Compact()
	expected := M([][]float64{{0, 1.5}, {0, 0}})
	if !m.Equal(expected) {
		t.Fatalf("%#v, expected %#v", m.Data, expected.Data)
	}
}

func TestCSV(t *testing.T) {
	t.Parallel()
	m := M([][]float64{{-3, 0.25, 0}, {0.25, 1e-7, -1}, {0, -1, 2}})
	m.Compact()
	var b bytes.Buffer
	if err := m.WriteCSV(&b); err != nil {
		t.Fatalf("%+v", err)
	}
	got, err := ReadCSV(&b)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !got.Equal(m) {
		t.Fatalf("%#v, expected %#v", got.Data, m.Data)
	}

	if _, err := ReadCSV(bytes.NewBufferString("2,2\n0,5,1\n")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestModel(t *testing.T) {
	t.Parallel()
	m := M([][]float64{
		{-1, 0.5, 0, -2},
		{0.5, 0, 1, 0},
		{0, 1, 2, 0},
		{-2, 0, 0, 3},
	})
	md, err := NewModel(m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if md.NSite() != 2 || md.NClass() != 1 {
		t.Fatalf("%d %d", md.NSite(), md.NClass())
	}
	if e := md.Energy(mbf.Index(3)); e != 3 {
		t.Fatalf("%f", e)
	}
	if h := md.MatrixElement(mbf.Index(0), mbf.Index(3)); h != -2 {
		t.Fatalf("%f", h)
	}
	if h := md.MatrixElement(mbf.Index(0), mbf.Index(2)); h != 0 {
		t.Fatalf("%f", h)
	}

	rng := rand.New(rand.NewPCG(0, 0))
	counts := make(map[mbf.MBF]int)
	const n = 10000
	for range n {
		ex, ok := md.Generate(rng, mbf.Index(0), 0)
		if !ok {
			t.Fatalf("null draw")
		}
		if ex.Prob != 0.5 || ex.HElem != md.MatrixElement(mbf.Index(0), ex.Dst) {
			t.Fatalf("%#v", ex)
		}
		counts[ex.Dst]++
	}
	if len(counts) != 2 || math.Abs(float64(counts[mbf.Index(1)])/n-0.5) > 0.03 {
		t.Fatalf("%v", counts)
	}

	// The model reproduces the matrix it was built from.
	back, err := FromModel(md)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !back.Equal(m) {
		t.Fatalf("%#v, expected %#v", back.Data, m.Data)
	}
}
