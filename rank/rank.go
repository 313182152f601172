// Package rank assigns basis functions to worker ranks.
//
// A basis function hashes into one of a fixed number of blocks, and a table maps blocks to ranks.
// Moving whole blocks between ranks rebalances the walker population without changing the hash.
package rank

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/fumin/fciqmc/mbf"
)

// Allocator maps basis functions to their owning rank.
// All ranks must hold identical tables.
type Allocator struct {
	nrank  int
	blocks []int
}

// NewAllocator returns an allocator with blocksPerRank blocks for each of the nrank ranks.
func NewAllocator(nrank, blocksPerRank int) *Allocator {
	if nrank < 1 || blocksPerRank < 1 {
		panic(fmt.Sprintf("%d %d", nrank, blocksPerRank))
	}
	a := &Allocator{nrank: nrank, blocks: make([]int, nrank*blocksPerRank)}
	for b := range a.blocks {
		a.blocks[b] = b % nrank
	}
	return a
}

func (a *Allocator) NRank() int  { return a.nrank }
func (a *Allocator) NBlock() int { return len(a.blocks) }

// Block returns the block of m.
func (a *Allocator) Block(m mbf.MBF) int {
	return int(m.Hash() % uint64(len(a.blocks)))
}

// Of returns the rank owning m.
func (a *Allocator) Of(m mbf.MBF) int {
	return a.blocks[a.Block(m)]
}

// RankOfBlock returns the rank owning block b.
func (a *Allocator) RankOfBlock(b int) int {
	return a.blocks[b]
}

// Table returns a copy of the block to rank table.
func (a *Allocator) Table() []int {
	return slices.Clone(a.blocks)
}

// Move reassigns a block.
type Move struct {
	Block int
	From  int
	To    int
}

// Rebalance computes block moves that even out the per rank load.
// load is the global load of each block.
// Blocks are moved from the most to the least loaded rank until the most loaded rank is within tol of the mean,
// or no single block move reduces the imbalance.
// The result depends only on load and the current table, so all ranks compute the same moves.
func (a *Allocator) Rebalance(load []float64, tol float64) []Move {
	if len(load) != len(a.blocks) {
		panic(fmt.Sprintf("%d %d", len(load), len(a.blocks)))
	}
	table := slices.Clone(a.blocks)
	rankLoad := make([]float64, a.nrank)
	var total float64
	for b, l := range load {
		rankLoad[table[b]] += l
		total += l
	}
	if total == 0 {
		return nil
	}
	mean := total / float64(a.nrank)

	moves := make([]Move, 0)
	for range len(a.blocks) {
		hi, lo := 0, 0
		for r, l := range rankLoad {
			if l > rankLoad[hi] {
				hi = r
			}
			if l < rankLoad[lo] {
				lo = r
			}
		}
		if rankLoad[hi] <= mean*(1+tol) {
			break
		}

		// Moving a block of load l lowers the spread when l < rankLoad[hi]-rankLoad[lo].
		gap := rankLoad[hi] - rankLoad[lo]
		best := -1
		for b, r := range table {
			if r != hi || load[b] <= 0 || load[b] >= gap {
				continue
			}
			if best == -1 || cmp.Compare(load[b], load[best]) > 0 {
				best = b
			}
		}
		if best == -1 {
			break
		}

		table[best] = lo
		rankLoad[hi] -= load[best]
		rankLoad[lo] += load[best]
		moves = append(moves, Move{Block: best, From: hi, To: lo})
	}
	return moves
}

// Apply updates the table with moves.
func (a *Allocator) Apply(moves []Move) {
	for _, mv := range moves {
		if a.blocks[mv.Block] != mv.From {
			panic(fmt.Sprintf("%#v %d", mv, a.blocks[mv.Block]))
		}
		a.blocks[mv.Block] = mv.To
	}
}
