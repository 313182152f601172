package ising

import (
	"math"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/sparse"
)

// Statistics are the properties of an exactly diagonalised lattice.
type Statistics struct {
	EigenValue     []float64
	Magnetization  float64
	BinderCumulant float64
}

// majority returns the magnetization of s, after flipping all spins if most of them are down.
func majority(s mbf.MBF, nsite int) float64 {
	ups := s.Count()
	return math.Abs(float64(2*ups - nsite))
}

// GetStatistics computes the statistics of the ground state of vvs, the eigen pairs of the lattice in increasing order.
func (m *Ising) GetStatistics(vvs []sparse.ValVec) (Statistics, error) {
	var stats Statistics
	for _, vv := range vvs {
		stats.EigenValue = append(stats.EigenValue, vv.Val)
	}
	if len(vvs) == 0 {
		return Statistics{}, errors.Errorf("no eigen pairs")
	}
	ground := vvs[0]
	nsite := m.NSite()
	if len(ground.Vec) != 1<<nsite {
		return Statistics{}, errors.Errorf("%d %d", len(ground.Vec), 1<<nsite)
	}

	var totalProb float64
	var m2 float64
	for i, s := range mbf.All(nsite) {
		amplitude := ground.Vec[i]
		probability := amplitude * amplitude
		basisM := majority(s, nsite)

		totalProb += probability
		stats.Magnetization += probability * basisM
		stats.BinderCumulant += probability * math.Pow(basisM, 4)
		m2 += probability * math.Pow(basisM, 2)
	}
	if math.Abs(totalProb-1) > 1e-3 {
		return Statistics{}, errors.Errorf("%f", totalProb)
	}

	stats.Magnetization /= float64(nsite)
	stats.BinderCumulant /= (m2 * m2)
	stats.BinderCumulant = 1 - stats.BinderCumulant/3
	return stats, nil
}

// Observables are expectation values estimated from density matrices.
type Observables struct {
	Energy float64
	// MagnetizationX is the mean of <σx_i>.
	MagnetizationX float64
	// CorrelationZZ is the mean of <σz_i σz_j> over bonds.
	CorrelationZZ float64
	// FlipFlop is the mean of <σ+_i σ-_j + h.c.> over bonds.
	FlipFlop float64
}

// Observables evaluates the lattice energy and its parts from the one and two site density matrices.
func (m *Ising) Observables(one, two *tensor.Dense) (Observables, error) {
	nsite := m.NSite()
	if s := one.Shape(); len(s) != 1 || s[0] != nsite {
		return Observables{}, errors.Errorf("rank %s shape %v", rdm.One, s)
	}
	if s := two.Shape(); len(s) != 3 || s[0] != 2 || s[1] != nsite || s[2] != nsite {
		return Observables{}, errors.Errorf("rank %s shape %v", rdm.Two, s)
	}

	var obs Observables
	for i := range nsite {
		obs.MagnetizationX += float64(real(one.At(i)))
	}
	for _, b := range m.bonds {
		obs.CorrelationZZ += float64(real(two.At(0, b[0], b[1])))
		obs.FlipFlop += float64(real(two.At(1, b[0], b[1])))
	}
	obs.Energy = -m.J*obs.CorrelationZZ - m.H*obs.MagnetizationX - m.G*obs.FlipFlop

	obs.MagnetizationX /= float64(nsite)
	if nb := len(m.bonds); nb > 0 {
		obs.CorrelationZZ /= float64(nb)
		obs.FlipFlop /= float64(nb)
	}
	return obs, nil
}
