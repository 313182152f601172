// Package stats holds the per-cycle statistics of a run, and writes them out.
package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"
)

// Cycle are the statistics of one cycle, reduced over all ranks.
// Slices are per part unless noted.
type Cycle struct {
	Cycle        int
	Tau          float64
	Shift        []float64
	ShiftAverage []float64
	Variable     []bool

	NWalker      []float64
	DeltaNWalker []float64
	NSpawned     []float64
	NAnnihilated []float64
	NAborted     []float64
	NInitiator   []float64
	NOccupied    []float64
	// NRow is the number of rows in the store.
	NRow       int
	NNullExcit int

	RefWeight     []float64
	ProjEnergyNum []float64
	ProjEnergy    []float64
	// ClassProbs is per excitation class.
	ClassProbs []float64
}

// NewCycle returns statistics with zeroed per part slices.
func NewCycle(npart int) Cycle {
	return Cycle{
		Shift:         make([]float64, npart),
		ShiftAverage:  make([]float64, npart),
		Variable:      make([]bool, npart),
		NWalker:       make([]float64, npart),
		DeltaNWalker:  make([]float64, npart),
		NSpawned:      make([]float64, npart),
		NAnnihilated:  make([]float64, npart),
		NAborted:      make([]float64, npart),
		NInitiator:    make([]float64, npart),
		NOccupied:     make([]float64, npart),
		RefWeight:     make([]float64, npart),
		ProjEnergyNum: make([]float64, npart),
		ProjEnergy:    make([]float64, npart),
	}
}

// ProjectedEnergy returns num/ref, or NaN when the reference weight is zero.
func ProjectedEnergy(num, ref float64) float64 {
	if ref == 0 {
		return math.NaN()
	}
	return num / ref
}

// Writer writes statistics as CSV, one row per cycle.
type Writer struct {
	w      *csv.Writer
	npart  int
	nclass int
	header bool
}

func NewWriter(w io.Writer, npart, nclass int) *Writer {
	return &Writer{w: csv.NewWriter(w), npart: npart, nclass: nclass}
}

func (w *Writer) perPart(name string) []string {
	cols := make([]string, w.npart)
	for p := range cols {
		cols[p] = fmt.Sprintf("%s_%d", name, p)
	}
	return cols
}

func (w *Writer) columns() []string {
	cols := []string{"cycle", "tau", "nrow", "nnull_excit"}
	for _, name := range []string{"shift", "shift_av", "variable", "nwalker", "dnwalker", "nspawned", "nannihilated", "naborted", "ninitiator", "noccupied", "ref_weight", "proj_energy_num", "proj_energy"} {
		cols = append(cols, w.perPart(name)...)
	}
	for c := range w.nclass {
		cols = append(cols, fmt.Sprintf("class_prob_%d", c))
	}
	return cols
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (w *Writer) Write(c Cycle) error {
	if !w.header {
		if err := w.w.Write(w.columns()); err != nil {
			return errors.Wrap(err, "")
		}
		w.header = true
	}

	rec := []string{strconv.Itoa(c.Cycle), formatFloat(c.Tau), strconv.Itoa(c.NRow), strconv.Itoa(c.NNullExcit)}
	floats := func(vs []float64, n int) error {
		if len(vs) != n {
			return errors.Errorf("%d values, expected %d", len(vs), n)
		}
		for _, v := range vs {
			rec = append(rec, formatFloat(v))
		}
		return nil
	}
	for _, vs := range [][]float64{c.Shift, c.ShiftAverage} {
		if err := floats(vs, w.npart); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if len(c.Variable) != w.npart {
		return errors.Errorf("%d values, expected %d", len(c.Variable), w.npart)
	}
	for _, v := range c.Variable {
		rec = append(rec, strconv.FormatBool(v))
	}
	for _, vs := range [][]float64{c.NWalker, c.DeltaNWalker, c.NSpawned, c.NAnnihilated, c.NAborted, c.NInitiator, c.NOccupied, c.RefWeight, c.ProjEnergyNum, c.ProjEnergy} {
		if err := floats(vs, w.npart); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := floats(c.ClassProbs, w.nclass); err != nil {
		return errors.Wrap(err, "")
	}

	if err := w.w.Write(rec); err != nil {
		return errors.Wrap(err, "")
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Float is a float64 that encodes non-finite values as JSON null.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return []byte(formatFloat(v)), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.Wrap(err, "")
	}
	*f = Float(v)
	return nil
}

func Floats(vs []float64) []Float {
	fs := make([]Float, len(vs))
	for i, v := range vs {
		fs[i] = Float(v)
	}
	return fs
}

// Summary describes a finished run.
type Summary struct {
	RunID        string  `json:"run_id"`
	NRank        int     `json:"nrank"`
	NCycle       int     `json:"ncycle"`
	Tau          Float   `json:"tau"`
	Shift        []Float `json:"shift"`
	ShiftAverage []Float `json:"shift_average"`
	ProjEnergy   []Float `json:"proj_energy"`
	NWalker      []Float `json:"nwalker"`
	NRow         int     `json:"nrow"`
	// ExactEnergy is set when an exact reference energy is known.
	ExactEnergy *Float `json:"exact_energy,omitempty"`
	// RDM holds the normalised density matrices by rank signature, flattened in row-major order.
	RDM map[string][]Float `json:"rdm,omitempty"`
}

// NewSummary summarises the last cycle of a run.
func NewSummary(runID string, nrank int, last Cycle) Summary {
	return Summary{
		RunID:        runID,
		NRank:        nrank,
		NCycle:       last.Cycle + 1,
		Tau:          Float(last.Tau),
		Shift:        Floats(last.Shift),
		ShiftAverage: Floats(last.ShiftAverage),
		ProjEnergy:   Floats(last.ProjEnergy),
		NWalker:      Floats(last.NWalker),
		NRow:         last.NRow,
	}
}

func WriteSummary(path string, s Summary) error {
	b, err := sonnet.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func ReadSummary(path string) (Summary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, errors.Wrap(err, "")
	}
	var s Summary
	if err := sonnet.Unmarshal(b, &s); err != nil {
		return Summary{}, errors.Wrap(err, "")
	}
	return s, nil
}
