package wavefunction

import (
	"github.com/fumin/fciqmc/mbf"
)

// References holds the reference basis function of each root, and its weight in every part.
// Every rank holds an identical copy, refreshed collectively each cycle.
type References struct {
	MBF    []mbf.MBF
	Weight []float64
}

func NewReferences(shape Shape, m mbf.MBF) *References {
	r := &References{MBF: make([]mbf.MBF, shape.NRoot), Weight: make([]float64, shape.NPart())}
	for i := range r.MBF {
		r.MBF[i] = m
	}
	return r
}

// Is reports whether m is the reference of any root.
func (r *References) Is(m mbf.MBF) bool {
	for _, ref := range r.MBF {
		if ref == m {
			return true
		}
	}
	return false
}
