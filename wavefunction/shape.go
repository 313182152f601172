package wavefunction

import (
	"github.com/pkg/errors"
)

// Shape is the layout of the parts of a walker row.
// A part is one replica of one root, part = root*NReplica + replica.
type Shape struct {
	NRoot    int
	NReplica int
}

func (s Shape) Validate() error {
	if s.NRoot < 1 {
		return errors.Errorf("nroot %d", s.NRoot)
	}
	if s.NReplica != 1 && s.NReplica != 2 {
		return errors.Errorf("nreplica %d", s.NReplica)
	}
	return nil
}

func (s Shape) NPart() int { return s.NRoot * s.NReplica }

func (s Shape) Part(root, replica int) int { return root*s.NReplica + replica }

func (s Shape) Root(part int) int { return part / s.NReplica }

func (s Shape) Replica(part int) int { return part % s.NReplica }

// Partner returns the other replica of the same root, or part itself without replication.
func (s Shape) Partner(part int) int {
	if s.NReplica == 1 {
		return part
	}
	return s.Part(s.Root(part), 1-s.Replica(part))
}
