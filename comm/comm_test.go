package comm

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

// spmd runs fn on every rank of a new world and returns the per rank errors.
func spmd(n int, fn func(c *Comm) error) []error {
	w := NewWorld(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(w.Comm(r)); err != nil {
				w.Abort(err)
				errs[r] = err
			}
		}()
	}
	wg.Wait()
	return errs
}

func TestAllToAll(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d", n), func(t *testing.T) {
			t.Parallel()
			received := make([][]int, n)
			errs := spmd(n, func(c *Comm) error {
				send := make([][]int, c.Size())
				for dst := range send {
					// Rank r sends r*10+dst, dst+1 times.
					for range dst + 1 {
						send[dst] = append(send[dst], c.Rank()*10+dst)
					}
				}
				// Exchange twice to check that buffers are reusable.
				var recv []int
				for range 2 {
					var err error
					recv, err = AllToAll(c, send, recv)
					if err != nil {
						return errors.Wrap(err, "")
					}
				}
				received[c.Rank()] = recv
				return nil
			})
			for _, err := range errs {
				if err != nil {
					t.Fatalf("%+v", err)
				}
			}
			for r, recv := range received {
				expected := make([]int, 0)
				for src := range n {
					for range r + 1 {
						expected = append(expected, src*10+r)
					}
				}
				if !slices.Equal(recv, expected) {
					t.Fatalf("rank %d %v, expected %v", r, recv, expected)
				}
			}
		})
	}
}

func TestAllReduce(t *testing.T) {
	t.Parallel()
	const n = 4
	sums := make([][]float64, n)
	maxs := make([][]float64, n)
	errs := spmd(n, func(c *Comm) error {
		v := []float64{float64(c.Rank()), 1}
		var err error
		if sums[c.Rank()], err = AllReduceSum(c, v); err != nil {
			return errors.Wrap(err, "")
		}
		if maxs[c.Rank()], err = AllReduceMax(c, v); err != nil {
			return errors.Wrap(err, "")
		}
		return nil
	})
	for _, err := range errs {
		if err != nil {
			t.Fatalf("%+v", err)
		}
	}
	for r := range n {
		if !slices.Equal(sums[r], []float64{6, 4}) {
			t.Fatalf("%d %v", r, sums[r])
		}
		if !slices.Equal(maxs[r], []float64{3, 1}) {
			t.Fatalf("%d %v", r, maxs[r])
		}
	}
}

func TestAllGather(t *testing.T) {
	t.Parallel()
	const n = 3
	got := make([][]string, n)
	errs := spmd(n, func(c *Comm) error {
		var err error
		got[c.Rank()], err = AllGather(c, fmt.Sprintf("r%d", c.Rank()))
		return err
	})
	for _, err := range errs {
		if err != nil {
			t.Fatalf("%+v", err)
		}
	}
	for r := range n {
		if !slices.Equal(got[r], []string{"r0", "r1", "r2"}) {
			t.Fatalf("%d %v", r, got[r])
		}
	}
}

func TestAbort(t *testing.T) {
	t.Parallel()
	const n = 3
	errs := spmd(n, func(c *Comm) error {
		if c.Rank() == 1 {
			return errors.Errorf("rank 1 failed")
		}
		// The other ranks wait for rank 1 forever unless the world is aborted.
		for {
			if err := c.Barrier(); err != nil {
				return err
			}
		}
	})
	for r, err := range errs {
		if err == nil {
			t.Fatalf("rank %d finished without error", r)
		}
	}
}
