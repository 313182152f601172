// Package spawn implements the spawn records produced by propagation and their exchange between ranks.
package spawn

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/comm"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rank"
)

// Record is one accepted off-diagonal excitation.
type Record struct {
	Dst     mbf.MBF
	DstPart int
	Delta   float64

	SrcInitiator     bool
	SrcDeterministic bool
	Src              mbf.MBF
	// SrcWeight is only set while density matrices are accumulated.
	SrcWeight float64
}

func (r Record) String() string {
	return fmt.Sprintf("%v[%d] %g <- %v", r.Dst, r.DstPart, r.Delta, r.Src)
}

// Buffer holds the outgoing records of a rank, partitioned by destination rank.
type Buffer struct {
	alloc *rank.Allocator
	parts [][]Record
	recv  []Record
}

func NewBuffer(alloc *rank.Allocator) *Buffer {
	b := &Buffer{alloc: alloc, parts: make([][]Record, alloc.NRank())}
	return b
}

// Add routes rec to the rank owning its destination.
func (b *Buffer) Add(rec Record) error {
	return b.Append(b.alloc.Of(rec.Dst), rec)
}

// Append adds rec to the partition of dstRank.
func (b *Buffer) Append(dstRank int, rec Record) error {
	if rec.Delta == 0 {
		return errors.Errorf("zero delta %v", rec)
	}
	if dstRank < 0 || dstRank >= len(b.parts) {
		return errors.Errorf("rank %d %d", dstRank, len(b.parts))
	}
	b.parts[dstRank] = append(b.parts[dstRank], rec)
	return nil
}

// NSend returns the number of outgoing records.
func (b *Buffer) NSend() int {
	var n int
	for _, p := range b.parts {
		n += len(p)
	}
	return n
}

// Exchange delivers every outgoing record to its destination rank, and returns the records addressed to this rank.
// It is a collective, and clears the outgoing partitions.
// The returned slice is reused by the next Exchange.
func (b *Buffer) Exchange(c *comm.Comm) ([]Record, error) {
	recv, err := comm.AllToAll(c, b.parts, b.recv)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	b.recv = recv
	for i := range b.parts {
		b.parts[i] = b.parts[i][:0]
	}
	return recv, nil
}

// Compare orders records by destination and part, then by source when trackSrc.
func Compare(a, b Record, trackSrc bool) int {
	if c := mbf.Compare(a.Dst, b.Dst); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DstPart, b.DstPart); c != 0 {
		return c
	}
	if trackSrc {
		return mbf.Compare(a.Src, b.Src)
	}
	return 0
}

// Sort stably sorts records so that records with the same destination are contiguous.
func Sort(recs []Record, trackSrc bool) {
	slices.SortStableFunc(recs, func(a, b Record) int { return Compare(a, b, trackSrc) })
}

// SameDst reports whether a and b target the same part of the same basis function.
func SameDst(a, b Record) bool {
	return a.Dst == b.Dst && a.DstPart == b.DstPart
}

// Blocks iterates over the maximal runs of sorted records sharing a destination.
func Blocks(recs []Record) func(yield func([]Record) bool) {
	return runs(recs, SameDst)
}

// Sources iterates over the maximal runs of a sorted block sharing a source.
func Sources(block []Record) func(yield func([]Record) bool) {
	return runs(block, func(a, b Record) bool { return a.Src == b.Src })
}

func runs(recs []Record, same func(a, b Record) bool) func(yield func([]Record) bool) {
	return func(yield func([]Record) bool) {
		for start := 0; start < len(recs); {
			end := start + 1
			for end < len(recs) && same(recs[start], recs[end]) {
				end++
			}
			if !yield(recs[start:end]) {
				return
			}
			start = end
		}
	}
}
