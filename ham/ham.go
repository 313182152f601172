// Package ham defines the contract between the population dynamics and a physical model.
package ham

import (
	"math/rand/v2"

	"github.com/fumin/fciqmc/mbf"
)

// Excitation is a connection drawn by a Hamiltonian's excitation generator.
type Excitation struct {
	Dst mbf.MBF
	// Prob is the probability of drawing Dst, given the excitation class.
	Prob  float64
	HElem float64
}

// Hamiltonian is a real symmetric operator over basis functions.
type Hamiltonian interface {
	NSite() int
	// NClass is the number of excitation classes.
	NClass() int
	// Energy is the diagonal element of m.
	Energy(m mbf.MBF) float64
	// MatrixElement is the off-diagonal element between a and b, zero if unconnected.
	MatrixElement(a, b mbf.MBF) float64
	// Generate draws a connection of src in the given class.
	// It returns false for a null draw, which is not an error.
	Generate(rng *rand.Rand, src mbf.MBF, class int) (Excitation, bool)
	// ForEachConnection calls fn with every basis function connected to src and its matrix element.
	ForEachConnection(src mbf.MBF, fn func(dst mbf.MBF, h float64))
}
