// Package detsub implements the deterministic subspace, a set of basis functions whose mutual couplings are applied exactly.
//
// The subspace is chosen once from the largest rows of the population.
// Every rank holds the full list of its basis functions, and each cycle the weights of all of them,
// while the rows and the coupling matrix are split between ranks by ownership.
package detsub

import (
	"cmp"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rank"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/wavefunction"
)

type candidate struct {
	m mbf.MBF
	w float64
}

type Subspace struct {
	shape wavefunction.Shape
	h     ham.Hamiltonian

	mbfs  []mbf.MBF
	index map[mbf.MBF]int
	// owned are the indices into mbfs of the basis functions owned by this rank.
	owned []int
	// hmat holds the off-diagonal couplings of the owned basis functions to all others.
	hmat *mat.Dense

	// weights is the weight of basis function i in part p at weights[p*len(mbfs)+i].
	weights []float64
}

// Build selects the size largest rows across all ranks, together with the references, and flags them deterministic.
// It is a collective.
func Build(c *comm.Comm, store *wavefunction.Store, h ham.Hamiltonian, alloc *rank.Allocator, refs *wavefunction.References, size int) (*Subspace, error) {
	local := make([]candidate, 0, store.Len())
	for _, row := range store.All() {
		var w float64
		for _, x := range row.Weight {
			w += math.Abs(x)
		}
		local = append(local, candidate{m: row.MBF, w: w})
	}
	largest := func(a, b candidate) int {
		if c := cmp.Compare(b.w, a.w); c != 0 {
			return c
		}
		return mbf.Compare(a.m, b.m)
	}
	slices.SortFunc(local, largest)
	local = local[:min(size, len(local))]

	gathered, err := comm.AllGather(c, local)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	global := slices.Concat(gathered...)
	slices.SortFunc(global, largest)
	global = global[:min(size, len(global))]

	s := &Subspace{shape: store.Shape(), h: h, index: make(map[mbf.MBF]int)}
	for _, cd := range global {
		s.mbfs = append(s.mbfs, cd.m)
	}
	for _, ref := range refs.MBF {
		if !slices.Contains(s.mbfs, ref) {
			s.mbfs = append(s.mbfs, ref)
		}
	}
	slices.SortFunc(s.mbfs, mbf.Compare)
	for i, m := range s.mbfs {
		s.index[m] = i
	}
	s.weights = make([]float64, len(s.mbfs)*s.shape.NPart())

	if err := s.Rebuild(store, alloc, c.Rank()); err != nil {
		return nil, errors.Wrap(err, "")
	}
	for _, i := range s.owned {
		r, _ := store.Lookup(s.mbfs[i])
		row := store.Row(r)
		for root := range row.Deterministic {
			row.Deterministic[root] = true
		}
	}
	return s, nil
}

// Rebuild recomputes which basis functions this rank owns, for example after load balancing.
func (s *Subspace) Rebuild(store *wavefunction.Store, alloc *rank.Allocator, rk int) error {
	s.owned = s.owned[:0]
	for i, m := range s.mbfs {
		if alloc.Of(m) != rk {
			continue
		}
		if _, ok := store.Lookup(m); !ok {
			return errors.Errorf("deterministic %v missing on rank %d", m, rk)
		}
		s.owned = append(s.owned, i)
	}

	s.hmat = nil
	if len(s.owned) == 0 {
		return nil
	}
	s.hmat = mat.NewDense(len(s.owned), len(s.mbfs), nil)
	for oi, i := range s.owned {
		for j, m := range s.mbfs {
			if j == i {
				continue
			}
			s.hmat.Set(oi, j, s.h.MatrixElement(s.mbfs[i], m))
		}
	}
	return nil
}

func (s *Subspace) Len() int { return len(s.mbfs) }

// Contains reports whether m is in the subspace.
func (s *Subspace) Contains(m mbf.MBF) bool {
	_, ok := s.index[m]
	return ok
}

// Gather collects the current weights of the whole subspace on every rank. It is a collective.
func (s *Subspace) Gather(c *comm.Comm, store *wavefunction.Store) error {
	n := len(s.mbfs)
	local := make([]float64, len(s.weights))
	for _, i := range s.owned {
		r, ok := store.Lookup(s.mbfs[i])
		if !ok {
			return errors.Errorf("deterministic %v missing", s.mbfs[i])
		}
		for p, w := range store.Row(r).Weight {
			local[p*n+i] = w
		}
	}
	weights, err := comm.AllReduceSum(c, local)
	if err != nil {
		return errors.Wrap(err, "")
	}
	copy(s.weights, weights)
	return nil
}

// Project adds the exact off-diagonal projection -tau*H*w of the gathered weights to the owned rows.
func (s *Subspace) Project(cc cycle.Context, store *wavefunction.Store) error {
	if s.hmat == nil {
		return nil
	}
	n := len(s.mbfs)
	y := mat.NewVecDense(len(s.owned), nil)
	for p := range s.shape.NPart() {
		w := mat.NewVecDense(n, s.weights[p*n:(p+1)*n])
		y.MulVec(s.hmat, w)
		for oi, i := range s.owned {
			r, ok := store.Lookup(s.mbfs[i])
			if !ok {
				return errors.Errorf("deterministic %v missing", s.mbfs[i])
			}
			store.Row(r).Weight[p] -= cc.Tau * y.AtVec(oi)
		}
	}
	return nil
}

// Contribute adds the exact density matrix terms between pairs of basis functions in the subspace.
func (s *Subspace) Contribute(d *rdm.RDM) {
	if s.hmat == nil {
		return
	}
	n := len(s.mbfs)
	for oi, i := range s.owned {
		for j := range s.mbfs {
			if j == i || s.hmat.At(oi, j) == 0 {
				continue
			}
			for replica := range s.shape.NReplica {
				p := s.shape.Part(0, replica)
				q := s.shape.Partner(p)
				w := s.weights[p*n+j] * s.weights[q*n+i]
				if w != 0 {
					d.Contribute(s.mbfs[j], s.mbfs[i], w)
				}
			}
		}
	}
}

// MBFs returns the basis functions of the subspace in increasing order.
func (s *Subspace) MBFs() []mbf.MBF { return slices.Clone(s.mbfs) }
