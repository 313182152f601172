// Package rdm accumulates spin density matrices from pairs of replica populations.
//
// Rank "1" holds the one-site flips <σx_i>.
// Rank "2" holds the two-site correlations <σz_i σz_j> and the flip-flops <σ+_i σ-_j + h.c.>.
// All values are normalised by the accumulated trace Σ_m w1(m) w2(m).
package rdm

import (
	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/wavefunction"
)

const (
	One = "1"
	Two = "2"
)

type RDM struct {
	nsite    int
	shape    wavefunction.Shape
	one, two bool

	trace float64
	x     []float64
	zz    []float64
	flip  []float64
}

func New(nsite int, shape wavefunction.Shape, ranks []string) (*RDM, error) {
	r := &RDM{nsite: nsite, shape: shape}
	for _, k := range ranks {
		switch k {
		case One:
			r.one = true
		case Two:
			r.two = true
		default:
			return nil, errors.Errorf("rank %q", k)
		}
	}
	if r.one {
		r.x = make([]float64, nsite)
	}
	if r.two {
		r.zz = make([]float64, nsite*nsite)
		r.flip = make([]float64, nsite*nsite)
	}
	return r, nil
}

// Contribute adds w to the off-diagonal element between src and dst.
// Pairs not connected by a tracked operator are ignored.
func (r *RDM) Contribute(src, dst mbf.MBF, w float64) {
	diff := src.Xor(dst)
	switch diff.Count() {
	case 0:
		r.Diagonal(src, w)
	case 1:
		if !r.one {
			return
		}
		for i := range diff.Ones() {
			r.x[i] += w
		}
	case 2:
		if !r.two {
			return
		}
		var ij [2]int
		var k int
		for i := range diff.Ones() {
			ij[k] = i
			k++
		}
		i, j := ij[0], ij[1]
		if src.Get(i) == src.Get(j) {
			return
		}
		r.flip[i*r.nsite+j] += w
		r.flip[j*r.nsite+i] += w
	}
}

// Diagonal adds w to the diagonal element of m.
func (r *RDM) Diagonal(m mbf.MBF, w float64) {
	r.trace += w
	if !r.two {
		return
	}
	for i := range r.nsite {
		si := spin(m, i)
		for j := i + 1; j < r.nsite; j++ {
			v := si * spin(m, j) * w
			r.zz[i*r.nsite+j] += v
			r.zz[j*r.nsite+i] += v
		}
	}
}

func spin(m mbf.MBF, i int) float64 {
	if m.Get(i) {
		return 1
	}
	return -1
}

// FlushRow adds the block averaged diagonal contribution of row, accumulated over n cycles.
// Only the first root is tracked.
func (r *RDM) FlushRow(row *wavefunction.Row, n int) {
	if n <= 0 {
		return
	}
	for replica := range r.shape.NReplica {
		p := r.shape.Part(0, replica)
		q := r.shape.Partner(p)
		w := row.AvWeight[p] * row.AvWeight[q] / float64(n)
		if w != 0 {
			r.Diagonal(row.MBF, w)
		}
	}
}

// Tracked reports whether contributions to part are accumulated.
func (r *RDM) Tracked(part int) bool {
	return r.shape.Root(part) == 0
}

// Reduce sums the accumulators of all ranks. It is a collective.
func (r *RDM) Reduce(c *comm.Comm) error {
	flat := make([]float64, 0, 1+len(r.x)+len(r.zz)+len(r.flip))
	flat = append(flat, r.trace)
	flat = append(flat, r.x...)
	flat = append(flat, r.zz...)
	flat = append(flat, r.flip...)
	sum, err := comm.AllReduceSum(c, flat)
	if err != nil {
		return errors.Wrap(err, "")
	}
	r.trace = sum[0]
	sum = sum[1:]
	copy(r.x, sum)
	sum = sum[len(r.x):]
	copy(r.zz, sum)
	sum = sum[len(r.zz):]
	copy(r.flip, sum)
	return nil
}

func (r *RDM) Trace() float64 { return r.trace }

// Ranks returns the signatures being accumulated.
func (r *RDM) Ranks() []string {
	ranks := make([]string, 0, 2)
	if r.one {
		ranks = append(ranks, One)
	}
	if r.two {
		ranks = append(ranks, Two)
	}
	return ranks
}

// Tensor returns the normalised density matrix of rank k.
// Rank "1" has shape [nsite], rank "2" has shape [2, nsite, nsite] holding zz then the flip-flops.
func (r *RDM) Tensor(k string) (*tensor.Dense, error) {
	if r.trace == 0 {
		return nil, errors.Errorf("zero trace")
	}
	switch {
	case k == One && r.one:
		t := tensor.Zeros(r.nsite)
		for i, v := range r.x {
			t.SetAt([]int{i}, complex(float32(v/r.trace), 0))
		}
		return t, nil
	case k == Two && r.two:
		t := tensor.Zeros(2, r.nsite, r.nsite)
		for i := range r.nsite {
			for j := range r.nsite {
				t.SetAt([]int{0, i, j}, complex(float32(r.zz[i*r.nsite+j]/r.trace), 0))
				t.SetAt([]int{1, i, j}, complex(float32(r.flip[i*r.nsite+j]/r.trace), 0))
			}
			t.SetAt([]int{0, i, i}, 1)
		}
		return t, nil
	}
	return nil, errors.Errorf("rank %q not accumulated, have %v", k, r.Ranks())
}
