// Package cycle holds the state threaded through the phases of one simulation cycle.
package cycle

// Context is the per-cycle epoch state.
// The solver builds a new Context at the start of every cycle and passes it by value to every phase.
type Context struct {
	Cycle int
	Tau   float64
	// Shift is per part.
	Shift []float64
	// VariableShift is per part.
	VariableShift []bool

	// RDM is set while density matrices are accumulated.
	RDM bool
}

// AnyVariable reports whether the shift of any part is variable.
func (c Context) AnyVariable() bool {
	for _, v := range c.VariableShift {
		if v {
			return true
		}
	}
	return false
}
