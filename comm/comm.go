// Package comm provides collective communication between ranks running as goroutines in one process.
//
// Ranks proceed in lock step: every rank must call the same sequence of collectives.
// A rank blocked in a collective waits for all other ranks, there is no timeout.
// Once the world is aborted, every pending and future collective returns the abort error.
package comm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// World is the set of ranks taking part in a run.
type World struct {
	n int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation uint64
	err        error

	// slots holds one value per rank during a collective.
	slots []any
}

// NewWorld returns a world of n ranks.
func NewWorld(n int) *World {
	if n < 1 {
		panic(fmt.Sprintf("%d", n))
	}
	w := &World{n: n, slots: make([]any, n)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *World) Size() int { return w.n }

// Comm returns the communicator of rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.n {
		panic(fmt.Sprintf("%d %d", rank, w.n))
	}
	return &Comm{w: w, rank: rank}
}

// Abort releases every rank blocked in a collective.
// Only the first error is kept.
func (w *World) Abort(err error) {
	if err == nil {
		err = errors.Errorf("aborted")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = errors.Wrap(err, "world aborted")
	}
	w.cond.Broadcast()
}

// Err returns the abort error, if any.
func (w *World) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Comm is the view of the world from one rank.
type Comm struct {
	w    *World
	rank int
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.w.n }

// Barrier blocks until every rank has called Barrier.
func (c *Comm) Barrier() error {
	w := c.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}

	gen := w.generation
	w.arrived++
	if w.arrived == w.n {
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
		return nil
	}
	for gen == w.generation && w.err == nil {
		w.cond.Wait()
	}
	if gen == w.generation {
		return w.err
	}
	return nil
}

// AllGather returns the values of v from all ranks, ordered by rank.
// Values of reference types are shared with their senders and must not be mutated by anyone afterwards.
func AllGather[T any](c *Comm, v T) ([]T, error) {
	c.w.slots[c.rank] = v
	if err := c.Barrier(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	out := make([]T, c.w.n)
	for r := range out {
		out[r] = c.w.slots[r].(T)
	}
	// Nobody may overwrite a slot before every rank has read it.
	if err := c.Barrier(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}

// AllToAll sends send[r] to rank r, and returns the concatenation of what all ranks sent to this rank, in rank order.
// The received elements are copied, so senders may reuse send after the call.
func AllToAll[T any](c *Comm, send [][]T, recv []T) ([]T, error) {
	if len(send) != c.w.n {
		return nil, errors.Errorf("%d %d", len(send), c.w.n)
	}
	c.w.slots[c.rank] = send
	if err := c.Barrier(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	recv = recv[:0]
	for r := range c.w.n {
		from := c.w.slots[r].([][]T)
		recv = append(recv, from[c.rank]...)
	}
	if err := c.Barrier(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return recv, nil
}

// AllReduce combines v elementwise across ranks with op.
// Values are combined in rank order, so every rank obtains bitwise identical results.
func AllReduce[T any](c *Comm, v []T, op func(a, b T) T) ([]T, error) {
	c.w.slots[c.rank] = v
	if err := c.Barrier(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	out := make([]T, len(v))
	var err error
	for r := range c.w.n {
		rv := c.w.slots[r].([]T)
		if len(rv) != len(v) {
			err = errors.Errorf("rank %d sent %d values, expected %d", r, len(rv), len(v))
			break
		}
		if r == 0 {
			copy(out, rv)
			continue
		}
		for i, x := range rv {
			out[i] = op(out[i], x)
		}
	}
	if err1 := c.Barrier(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllReduceSum returns the elementwise sum of v across ranks.
func AllReduceSum(c *Comm, v []float64) ([]float64, error) {
	return AllReduce(c, v, func(a, b float64) float64 { return a + b })
}

// AllReduceMax returns the elementwise maximum of v across ranks.
func AllReduceMax(c *Comm, v []float64) ([]float64, error) {
	return AllReduce(c, v, func(a, b float64) float64 { return max(a, b) })
}
