package wavefunction

import (
	"math/rand/v2"
	"testing"

	"github.com/fumin/fciqmc/mbf"
)

func TestStore(t *testing.T) {
	t.Parallel()
	shape := Shape{NRoot: 1, NReplica: 2}
	s := NewStore(shape, 2)

	rng := rand.New(rand.NewPCG(0, 0))
	present := make(map[mbf.MBF]int)
	for range 5000 {
		m := mbf.MBF{rng.Uint64N(512), rng.Uint64N(2)}
		i, ok := s.Lookup(m)
		pi, pok := present[m]
		if ok != pok {
			t.Fatalf("%v %v, expected %v", m, ok, pok)
		}
		if ok && i != pi {
			t.Fatalf("%v %d, expected %d", m, i, pi)
		}

		switch {
		case ok && rng.IntN(2) == 0:
			s.Remove(i)
			delete(present, m)
		case !ok:
			i, err := s.Insert(m)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if r := s.Row(i); r.MBF != m || len(r.Weight) != 2 || !r.IsZero() {
				t.Fatalf("%#v", r)
			}
			present[m] = i
		}
		if s.Len() != len(present) {
			t.Fatalf("%d, expected %d", s.Len(), len(present))
		}
	}

	var n int
	for i, r := range s.All() {
		if present[r.MBF] != i {
			t.Fatalf("%v %d, expected %d", r.MBF, i, present[r.MBF])
		}
		n++
	}
	if n != len(present) {
		t.Fatalf("%d, expected %d", n, len(present))
	}
}

func TestStoreInsertTwice(t *testing.T) {
	t.Parallel()
	s := NewStore(Shape{NRoot: 1, NReplica: 1}, 4)
	if _, err := s.Insert(mbf.Index(3)); err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := s.Insert(mbf.Index(3)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStoreRestore(t *testing.T) {
	t.Parallel()
	shape := Shape{NRoot: 2, NReplica: 1}
	s := NewStore(shape, 4)
	i, err := s.Insert(mbf.Index(7))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	r := s.Row(i)
	r.Weight[1] = -2.5
	r.HDiag = 1.5
	r.Deterministic[0] = true
	r.CycleOccupied = 4
	snap := r.Snapshot()
	// The snapshot must not alias the row.
	r.Weight[1] = 0
	s.Remove(i)

	other := NewStore(shape, 4)
	j, err := other.Restore(snap)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	got := other.Row(j)
	if got.Weight[1] != -2.5 || got.HDiag != 1.5 || !got.Deterministic[0] || got.CycleOccupied != 4 {
		t.Fatalf("%#v", got)
	}
	if !got.Protected() {
		t.Fatalf("expected protected")
	}

	if _, err := NewStore(Shape{NRoot: 1, NReplica: 1}, 1).Restore(snap); err == nil {
		t.Fatalf("expected error")
	}
}

func TestShapePartner(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   Shape
		part    int
		partner int
	}{
		{shape: Shape{NRoot: 1, NReplica: 1}, part: 0, partner: 0},
		{shape: Shape{NRoot: 2, NReplica: 2}, part: 0, partner: 1},
		{shape: Shape{NRoot: 2, NReplica: 2}, part: 3, partner: 2},
	}
	for _, test := range tests {
		if p := test.shape.Partner(test.part); p != test.partner {
			t.Fatalf("%#v %d: %d, expected %d", test.shape, test.part, p, test.partner)
		}
	}
}
