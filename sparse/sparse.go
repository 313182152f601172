// Package sparse holds real symmetric matrices in coordinate format, and the exact diagonalisation of small models.
package sparse

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
)

// MaxExactSite is the largest model FromModel enumerates.
const MaxExactSite = 16

type vRowCol struct {
	v   float64
	row int
	col int
}

func rowMajor(a, b vRowCol) int {
	if c := cmp.Compare(a.row, b.row); c != 0 {
		return c
	}
	return cmp.Compare(a.col, b.col)
}

// COO is a matrix in coordinate format.
// Entries at the same position add up.
type COO struct {
	rows int
	cols int
	Data []vRowCol
}

func Zeros(rows, cols int) *COO {
	return &COO{rows: rows, cols: cols}
}

// M returns the sparse form of a dense matrix.
func M(dense [][]float64) *COO {
	m := Zeros(len(dense), len(dense[0]))
	for i, row := range dense {
		for j, v := range row {
			m.Add(i, j, v)
		}
	}
	return m
}

func (m *COO) Rows() int { return m.rows }
func (m *COO) Cols() int { return m.cols }

// Add adds v at row, col.
func (m *COO) Add(row, col int, v float64) {
	if v == 0 {
		return
	}
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		panic(fmt.Sprintf("%d %d out of %d %d", row, col, m.rows, m.cols))
	}
	m.Data = append(m.Data, vRowCol{v: v, row: row, col: col})
}

// Compact sorts the entries in row major order, merging duplicates and dropping zeros.
func (m *COO) Compact() {
	slices.SortFunc(m.Data, rowMajor)
	out := m.Data[:0]
	for _, e := range m.Data {
		if n := len(out); n > 0 && out[n-1].row == e.row && out[n-1].col == e.col {
			out[n-1].v += e.v
			continue
		}
		out = append(out, e)
	}
	m.Data = slices.DeleteFunc(out, func(e vRowCol) bool { return e.v == 0 })
}

func (a *COO) Equal(b *COO) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	return slices.Equal(a.Data, b.Data)
}

func (m *COO) Dense() *mat.Dense {
	d := mat.NewDense(m.rows, m.cols, nil)
	for _, e := range m.Data {
		d.Set(e.row, e.col, d.At(e.row, e.col)+e.v)
	}
	return d
}

// Symmetric returns the matrix as a gonum symmetric matrix, or an error if it is not symmetric within tol.
func (m *COO) Symmetric(tol float64) (*mat.SymDense, error) {
	if m.rows != m.cols {
		return nil, errors.Errorf("%d %d not square", m.rows, m.cols)
	}
	d := m.Dense()
	sym := mat.NewSymDense(m.rows, nil)
	for i := range m.rows {
		for j := i; j < m.cols; j++ {
			if math.Abs(d.At(i, j)-d.At(j, i)) > tol {
				return nil, errors.Errorf("%d %d %f %f", i, j, d.At(i, j), d.At(j, i))
			}
			sym.SetSym(i, j, d.At(i, j))
		}
	}
	return sym, nil
}

type ValVec struct {
	Val float64
	Vec []float64
}

// Eigen returns the eigen pairs of a symmetric matrix in increasing order of eigen value.
func (m *COO) Eigen() ([]ValVec, error) {
	sym, err := m.Symmetric(1e-12)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, errors.Errorf("eig.Factorize failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	vvs := make([]ValVec, 0, len(vals))
	for i, v := range vals {
		vec := make([]float64, 0, m.rows)
		for j := range m.rows {
			vec = append(vec, vecs.At(j, i))
		}
		vvs = append(vvs, ValVec{Val: v, Vec: vec})
	}
	slices.SortStableFunc(vvs, func(a, b ValVec) int { return cmp.Compare(a.Val, b.Val) })
	return vvs, nil
}

// FromModel returns the matrix of h over the full basis of its sites.
// Basis function m is row m[0].
func FromModel(h ham.Hamiltonian) (*COO, error) {
	nsite := h.NSite()
	if nsite > MaxExactSite {
		return nil, errors.Errorf("%d sites, at most %d", nsite, MaxExactSite)
	}
	dim := 1 << nsite
	m := Zeros(dim, dim)
	for i, s := range mbf.All(nsite) {
		m.Add(i, i, h.Energy(s))
		h.ForEachConnection(s, func(dst mbf.MBF, v float64) {
			m.Add(i, int(dst[0]), v)
		})
	}
	m.Compact()
	return m, nil
}

// WriteCSV writes the shape as the first record, followed by one row,col,value record per entry.
func (m *COO) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{strconv.Itoa(m.rows), strconv.Itoa(m.cols)}); err != nil {
		return errors.Wrap(err, "")
	}
	for _, e := range m.Data {
		rec := []string{strconv.Itoa(e.row), strconv.Itoa(e.col), strconv.FormatFloat(e.v, 'g', -1, 64)}
		if err := cw.Write(rec); err != nil {
			return errors.Wrap(err, "")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func ReadCSV(r io.Reader) (*COO, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(records) == 0 || len(records[0]) != 2 {
		return nil, errors.Errorf("no shape")
	}
	rows, err := strconv.Atoi(records[0][0])
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	cols, err := strconv.Atoi(records[0][1])
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	m := Zeros(rows, cols)
	for i, rec := range records[1:] {
		if len(rec) != 3 {
			return nil, errors.Errorf("line %d: %v", i+2, rec)
		}
		row, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", i+2))
		}
		col, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", i+2))
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("line %d", i+2))
		}
		if row < 0 || row >= rows || col < 0 || col >= cols {
			return nil, errors.Errorf("line %d: %d %d out of %d %d", i+2, row, col, rows, cols)
		}
		m.Add(row, col, v)
	}
	m.Compact()
	return m, nil
}
