// Package ising is the quantum Ising model on an open boundary square lattice.
//
// H = -J Σ_<ij> σz_i σz_j - H Σ_i σx_i - G Σ_<ij> (σ+_i σ-_j + σ-_i σ+_j)
//
// Site (y, x) is bit y*N[1]+x of a basis function, a set bit is spin up.
package ising

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
)

const (
	// ClassFlip flips a single spin.
	ClassFlip = 0
	// ClassFlipFlop exchanges the spins of an anti-aligned bond.
	ClassFlipFlop = 1
)

type Ising struct {
	N [2]int
	J float64
	H float64
	G float64

	bonds [][2]int
	// bonded[i*nsite+j] is set when sites i and j share a bond.
	bonded []bool
}

var _ ham.Hamiltonian = (*Ising)(nil)

func New(n [2]int, j, h, g float64) (*Ising, error) {
	nsite := n[0] * n[1]
	if n[0] < 1 || n[1] < 1 || nsite > mbf.MaxSite {
		return nil, errors.Errorf("lattice %v", n)
	}
	m := &Ising{N: n, J: j, H: h, G: g, bonded: make([]bool, nsite*nsite)}
	for y := range n[0] {
		for x := range n[1] {
			i := y*n[1] + x
			if up := y - 1; up >= 0 {
				m.bond(up*n[1]+x, i)
			}
			if left := x - 1; left >= 0 {
				m.bond(y*n[1]+left, i)
			}
		}
	}
	return m, nil
}

func Must(n [2]int, j, h, g float64) *Ising {
	m, err := New(n, j, h, g)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return m
}

func (m *Ising) bond(i, j int) {
	m.bonds = append(m.bonds, [2]int{i, j})
	nsite := m.NSite()
	m.bonded[i*nsite+j] = true
	m.bonded[j*nsite+i] = true
}

func (m *Ising) NSite() int { return m.N[0] * m.N[1] }

// Bonds returns the nearest neighbour pairs of the lattice.
func (m *Ising) Bonds() [][2]int { return m.bonds }

func (m *Ising) NClass() int {
	if m.G == 0 {
		return 1
	}
	return 2
}

func (m *Ising) Energy(s mbf.MBF) float64 {
	var e float64
	for _, b := range m.bonds {
		switch {
		case s.Get(b[0]) == s.Get(b[1]):
			e -= m.J
		default:
			e += m.J
		}
	}
	return e
}

func (m *Ising) MatrixElement(a, b mbf.MBF) float64 {
	diff := a.Xor(b)
	switch diff.Count() {
	case 1:
		return -m.H
	case 2:
		var ij [2]int
		var k int
		for i := range diff.Ones() {
			ij[k] = i
			k++
		}
		if !m.bonded[ij[0]*m.NSite()+ij[1]] || a.Get(ij[0]) == a.Get(ij[1]) {
			return 0
		}
		return -m.G
	}
	return 0
}

func (m *Ising) Generate(rng *rand.Rand, src mbf.MBF, class int) (ham.Excitation, bool) {
	switch class {
	case ClassFlip:
		if m.H == 0 {
			return ham.Excitation{}, false
		}
		i := rng.IntN(m.NSite())
		return ham.Excitation{Dst: src.Flip(i), Prob: 1 / float64(m.NSite()), HElem: -m.H}, true
	case ClassFlipFlop:
		if m.G == 0 || len(m.bonds) == 0 {
			return ham.Excitation{}, false
		}
		b := m.bonds[rng.IntN(len(m.bonds))]
		if src.Get(b[0]) == src.Get(b[1]) {
			return ham.Excitation{}, false
		}
		dst := src.Flip(b[0]).Flip(b[1])
		return ham.Excitation{Dst: dst, Prob: 1 / float64(len(m.bonds)), HElem: -m.G}, true
	}
	return ham.Excitation{}, false
}

func (m *Ising) ForEachConnection(src mbf.MBF, fn func(dst mbf.MBF, h float64)) {
	if m.H != 0 {
		for i := range m.NSite() {
			fn(src.Flip(i), -m.H)
		}
	}
	if m.G != 0 {
		for _, b := range m.bonds {
			if src.Get(b[0]) == src.Get(b[1]) {
				continue
			}
			fn(src.Flip(b[0]).Flip(b[1]), -m.G)
		}
	}
}
