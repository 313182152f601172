package sparse

import (
	"math/bits"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
)

type conn struct {
	col int
	v   float64
}

// Model is a Hamiltonian given by a symmetric matrix.
// Basis function mbf.Index(i) is row i, and excitations are drawn uniformly among the off-diagonal entries of a row.
type Model struct {
	dim   int
	nsite int
	diag  []float64
	conns [][]conn
}

var _ ham.Hamiltonian = (*Model)(nil)

func NewModel(m *COO) (*Model, error) {
	if _, err := m.Symmetric(1e-12); err != nil {
		return nil, errors.Wrap(err, "")
	}
	m.Compact()
	md := &Model{
		dim:   m.rows,
		nsite: max(bits.Len(uint(m.rows-1)), 1),
		diag:  make([]float64, m.rows),
		conns: make([][]conn, m.rows),
	}
	for _, e := range m.Data {
		switch {
		case e.row == e.col:
			md.diag[e.row] = e.v
		default:
			md.conns[e.row] = append(md.conns[e.row], conn{col: e.col, v: e.v})
		}
	}
	return md, nil
}

// Dim is the number of basis functions.
func (md *Model) Dim() int { return md.dim }

func (md *Model) NSite() int  { return md.nsite }
func (md *Model) NClass() int { return 1 }

func (md *Model) row(m mbf.MBF) (int, bool) {
	if m[1] != 0 || m[0] >= uint64(md.dim) {
		return -1, false
	}
	return int(m[0]), true
}

func (md *Model) Energy(m mbf.MBF) float64 {
	i, ok := md.row(m)
	if !ok {
		return 0
	}
	return md.diag[i]
}

func (md *Model) MatrixElement(a, b mbf.MBF) float64 {
	i, ok := md.row(a)
	if !ok {
		return 0
	}
	j, ok := md.row(b)
	if !ok {
		return 0
	}
	for _, c := range md.conns[i] {
		if c.col == j {
			return c.v
		}
	}
	return 0
}

func (md *Model) Generate(rng *rand.Rand, src mbf.MBF, class int) (ham.Excitation, bool) {
	i, ok := md.row(src)
	if !ok || class != 0 || len(md.conns[i]) == 0 {
		return ham.Excitation{}, false
	}
	c := md.conns[i][rng.IntN(len(md.conns[i]))]
	return ham.Excitation{Dst: mbf.Index(uint64(c.col)), Prob: 1 / float64(len(md.conns[i])), HElem: c.v}, true
}

func (md *Model) ForEachConnection(src mbf.MBF, fn func(dst mbf.MBF, h float64)) {
	i, ok := md.row(src)
	if !ok {
		return
	}
	for _, c := range md.conns[i] {
		fn(mbf.Index(uint64(c.col)), c.v)
	}
}
