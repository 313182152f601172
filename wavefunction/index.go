package wavefunction

import (
	"github.com/fumin/fciqmc/mbf"
)

// slot is an entry of the Robin Hood index.
// row is the arena index plus one, zero marks an empty slot.
type slot struct {
	hash uint64
	row  uint32
}

func nextPow2(n int) int {
	s := 1
	for s < n {
		s <<= 1
	}
	return s
}

func (s *Store) initIndex(capacity int) {
	sz := nextPow2(max(capacity*2, 8))
	s.slots = make([]slot, sz)
	s.mask = uint64(sz - 1)
	s.n = 0
}

// dist returns how far the entry at pos is from its ideal position.
func (s *Store) dist(pos uint64) uint64 {
	return (pos + s.mask + 1 - (s.slots[pos].hash & s.mask)) & s.mask
}

func (s *Store) find(m mbf.MBF, h uint64) (uint64, bool) {
	pos := h & s.mask
	var d uint64
	for {
		sl := s.slots[pos]
		if sl.row == 0 {
			return 0, false
		}
		// An entry closer to home than our probe distance means m is absent.
		if s.dist(pos) < d {
			return 0, false
		}
		if sl.hash == h && s.rows[sl.row-1].MBF == m {
			return pos, true
		}
		pos = (pos + 1) & s.mask
		d++
	}
}

func (s *Store) index(h uint64, row int) {
	if (s.n+1)*2 > len(s.slots) {
		s.grow()
	}
	s.put(slot{hash: h, row: uint32(row + 1)})
	s.n++
}

func (s *Store) put(e slot) {
	pos := e.hash & s.mask
	var d uint64
	for {
		if s.slots[pos].row == 0 {
			s.slots[pos] = e
			return
		}
		if kd := s.dist(pos); kd < d {
			e, s.slots[pos] = s.slots[pos], e
			d = kd
		}
		pos = (pos + 1) & s.mask
		d++
	}
}

func (s *Store) grow() {
	old := s.slots
	s.slots = make([]slot, 2*len(old))
	s.mask = uint64(len(s.slots) - 1)
	for _, e := range old {
		if e.row != 0 {
			s.put(e)
		}
	}
}

// unindex removes the entry at pos by shifting the following cluster backwards.
func (s *Store) unindex(pos uint64) {
	for {
		next := (pos + 1) & s.mask
		if s.slots[next].row == 0 || s.dist(next) == 0 {
			s.slots[pos] = slot{}
			break
		}
		s.slots[pos] = s.slots[next]
		pos = next
	}
	s.n--
}
