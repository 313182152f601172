// Package shift implements the feedback loop that controls the walker population through the energy shift.
//
// Each part has its own shift. It is held fixed until the population of the part reaches the target,
// after which it is variable for the rest of the run.
package shift

import (
	"container/ring"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/config"
)

type Shift struct {
	opts config.ShiftConfig

	values    []float64
	variable  []bool
	nwLast    []float64
	lastCycle []int

	// av holds the last NCycleAv values of each part.
	av    []*ring.Ring
	avSum []float64
	avN   []int
}

// New returns a shift controller for len(nw) parts, starting at cycle with populations nw.
// The shift of part p starts at base[p] + opts.Init, where base is usually the energy of the reference.
func New(opts config.ShiftConfig, base, nw []float64, cycle int) *Shift {
	npart := len(nw)
	s := &Shift{
		opts:      opts,
		values:    make([]float64, npart),
		variable:  make([]bool, npart),
		nwLast:    slices.Clone(nw),
		lastCycle: make([]int, npart),
		av:        make([]*ring.Ring, npart),
		avSum:     make([]float64, npart),
		avN:       make([]int, npart),
	}
	for p := range npart {
		s.values[p] = base[p] + opts.Init
		s.lastCycle[p] = cycle
		s.av[p] = ring.New(max(opts.NCycleAv, 1))
	}
	return s
}

// Values returns the shift of each part.
func (s *Shift) Values() []float64 { return slices.Clone(s.values) }

// Variable reports which parts are in variable mode.
func (s *Shift) Variable() []bool { return slices.Clone(s.variable) }

// Sum returns the unnormalised sum of the shift of each part over the last NCycleAv updates, and the number of terms.
func (s *Shift) Sum() ([]float64, []int) {
	return slices.Clone(s.avSum), slices.Clone(s.avN)
}

// Average normalises Sum. A part without updates averages to its current shift.
func (s *Shift) Average() []float64 {
	sum, n := s.Sum()
	av := make([]float64, len(sum))
	for p := range av {
		if n[p] == 0 {
			av[p] = s.values[p]
			continue
		}
		av[p] = sum[p] / float64(n[p])
	}
	return av
}

// Update feeds the populations nw of cycle into the controller.
func (s *Shift) Update(cycle int, nw []float64, tau float64) error {
	if len(nw) != len(s.values) {
		return errors.Errorf("%d populations, expected %d", len(nw), len(s.values))
	}
	for p := range s.values {
		cycles := cycle - s.lastCycle[p]
		switch {
		case !s.variable[p] && nw[p] >= s.opts.NWalkerTarget:
			s.variable[p] = true
			s.update(p, cycle, cycles, nw[p], tau)
		case !s.variable[p]:
			if cycles >= s.opts.Period {
				s.nwLast[p] = nw[p]
				s.lastCycle[p] = cycle
			}
		case cycles >= s.opts.Period:
			s.update(p, cycle, cycles, nw[p], tau)
		}
		s.push(p)
	}
	return nil
}

func (s *Shift) update(p, cycle, cycles int, nw, tau float64) {
	if cycles > 0 && nw > 0 && s.nwLast[p] > 0 {
		norm := tau * float64(cycles)
		s.values[p] -= s.opts.Damp * math.Log(nw/s.nwLast[p]) / norm
		if s.opts.TargetDamp > 0 {
			s.values[p] -= s.opts.TargetDamp * math.Log(nw/s.opts.NWalkerTarget) / norm
		}
	}
	s.nwLast[p] = nw
	s.lastCycle[p] = cycle
}

func (s *Shift) push(p int) {
	r := s.av[p]
	if s.avN[p] == r.Len() {
		s.avSum[p] -= r.Value.(float64)
	} else {
		s.avN[p]++
	}
	r.Value = s.values[p]
	s.avSum[p] += s.values[p]
	s.av[p] = r.Next()
}

// State is what is needed to resume the controller.
type State struct {
	Values    []float64
	Variable  []bool
	NWLast    []float64
	LastCycle []int
}

func (s *Shift) State() State {
	return State{
		Values:    slices.Clone(s.values),
		Variable:  slices.Clone(s.variable),
		NWLast:    slices.Clone(s.nwLast),
		LastCycle: slices.Clone(s.lastCycle),
	}
}

// Restore resumes from st. The rolling average restarts empty.
func (s *Shift) Restore(st State) error {
	n := len(s.values)
	if len(st.Values) != n || len(st.Variable) != n || len(st.NWLast) != n || len(st.LastCycle) != n {
		return errors.Errorf("state %#v for %d parts", st, n)
	}
	copy(s.values, st.Values)
	copy(s.variable, st.Variable)
	copy(s.nwLast, st.NWLast)
	copy(s.lastCycle, st.LastCycle)
	for p := range s.av {
		s.av[p] = ring.New(s.av[p].Len())
		s.avSum[p] = 0
		s.avN[p] = 0
	}
	return nil
}
