// Package wavefunction implements the walker store, the rank-local part of the distributed walker population.
//
// Rows live in an arena and are addressed by stable integer indices.
// An open-addressing hash index maps basis functions to arena indices.
// Rows are exclusively owned by the rank the rank allocator assigns their basis function to.
package wavefunction

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/mbf"
)

// Row is the walker population on one basis function.
type Row struct {
	MBF    mbf.MBF
	Weight []float64
	HDiag  float64

	// Initiator is per part.
	Initiator []bool
	// Deterministic, Reference and RefConn are per root.
	Deterministic []bool
	Reference     []bool
	RefConn       []bool

	// AvWeight is the unnormalised sum of per part weights since CycleOccupied, for density matrices.
	AvWeight      []float64
	CycleOccupied int

	occupied bool
}

// IsZero reports whether every part has exactly zero weight.
func (r *Row) IsZero() bool {
	for _, w := range r.Weight {
		if w != 0 {
			return false
		}
	}
	return true
}

// Protected rows are not removed when their weight vanishes.
func (r *Row) Protected() bool {
	return slices.Contains(r.Reference, true) || slices.Contains(r.Deterministic, true)
}

func (r *Row) reset(shape Shape, m mbf.MBF) {
	r.MBF = m
	r.HDiag = 0
	r.Weight = resize(r.Weight, shape.NPart())
	r.Initiator = resize(r.Initiator, shape.NPart())
	r.AvWeight = resize(r.AvWeight, shape.NPart())
	r.Deterministic = resize(r.Deterministic, shape.NRoot)
	r.Reference = resize(r.Reference, shape.NRoot)
	r.RefConn = resize(r.RefConn, shape.NRoot)
	r.CycleOccupied = 0
	r.occupied = true
}

func resize[T any](s []T, n int) []T {
	s = slices.Grow(s[:0], n)[:n]
	clear(s)
	return s
}

// Snapshot is a deep copy of a row, safe to hand over to another rank.
type Snapshot struct {
	MBF           mbf.MBF
	Weight        []float64
	HDiag         float64
	Initiator     []bool
	Deterministic []bool
	Reference     []bool
	RefConn       []bool
	AvWeight      []float64
	CycleOccupied int
}

func (r *Row) Snapshot() Snapshot {
	return Snapshot{
		MBF:           r.MBF,
		Weight:        slices.Clone(r.Weight),
		HDiag:         r.HDiag,
		Initiator:     slices.Clone(r.Initiator),
		Deterministic: slices.Clone(r.Deterministic),
		Reference:     slices.Clone(r.Reference),
		RefConn:       slices.Clone(r.RefConn),
		AvWeight:      slices.Clone(r.AvWeight),
		CycleOccupied: r.CycleOccupied,
	}
}

// Store is the rank-local walker store.
type Store struct {
	shape Shape

	rows []Row
	free []int

	slots []slot
	mask  uint64
	n     int
}

// NewStore returns an empty store with room for capacity rows before its index grows.
func NewStore(shape Shape, capacity int) *Store {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	s := &Store{shape: shape}
	s.initIndex(capacity)
	return s
}

func (s *Store) Shape() Shape { return s.shape }

// Len returns the number of rows.
func (s *Store) Len() int { return s.n }

// Row returns the row at index i.
// The pointer is invalidated by the next Insert.
func (s *Store) Row(i int) *Row {
	return &s.rows[i]
}

// Lookup returns the index of the row of m.
func (s *Store) Lookup(m mbf.MBF) (int, bool) {
	pos, ok := s.find(m, m.Hash())
	if !ok {
		return -1, false
	}
	return int(s.slots[pos].row - 1), true
}

// Insert adds an empty row for m.
// It is an error to insert a basis function that is already present.
func (s *Store) Insert(m mbf.MBF) (int, error) {
	h := m.Hash()
	if _, ok := s.find(m, h); ok {
		return -1, errors.Errorf("%v already present", m)
	}

	var i int
	switch {
	case len(s.free) > 0:
		i = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	default:
		s.rows = append(s.rows, Row{})
		i = len(s.rows) - 1
	}
	s.rows[i].reset(s.shape, m)
	s.index(h, i)
	return i, nil
}

// Restore inserts a row from a snapshot.
func (s *Store) Restore(snap Snapshot) (int, error) {
	if len(snap.Weight) != s.shape.NPart() || len(snap.Deterministic) != s.shape.NRoot {
		return -1, errors.Errorf("snapshot shape %d %d, store shape %#v", len(snap.Weight), len(snap.Deterministic), s.shape)
	}
	i, err := s.Insert(snap.MBF)
	if err != nil {
		return -1, errors.Wrap(err, "")
	}
	r := &s.rows[i]
	copy(r.Weight, snap.Weight)
	r.HDiag = snap.HDiag
	copy(r.Initiator, snap.Initiator)
	copy(r.Deterministic, snap.Deterministic)
	copy(r.Reference, snap.Reference)
	copy(r.RefConn, snap.RefConn)
	copy(r.AvWeight, snap.AvWeight)
	r.CycleOccupied = snap.CycleOccupied
	return i, nil
}

// Remove deletes the row at index i.
func (s *Store) Remove(i int) {
	r := &s.rows[i]
	if !r.occupied {
		panic(fmt.Sprintf("%d not occupied", i))
	}
	pos, ok := s.find(r.MBF, r.MBF.Hash())
	if !ok {
		panic(fmt.Sprintf("%d %v not indexed", i, r.MBF))
	}
	s.unindex(pos)
	r.occupied = false
	s.free = append(s.free, i)
}

// All iterates over the occupied rows.
// Rows may be removed during the iteration, but not inserted.
func (s *Store) All() func(yield func(int, *Row) bool) {
	return func(yield func(int, *Row) bool) {
		for i := range s.rows {
			if !s.rows[i].occupied {
				continue
			}
			if !yield(i, &s.rows[i]) {
				return
			}
		}
	}
}
