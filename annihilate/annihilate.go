// Package annihilate merges the spawned contributions received by a rank into its walker store.
package annihilate

import (
	"math"

	"github.com/pkg/errors"

	"github.com/fumin/fciqmc/cycle"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/rank"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/spawn"
	"github.com/fumin/fciqmc/wavefunction"
)

// Stats are the rank-local counters of one annihilation.
type Stats struct {
	NBlock   int
	NCreated int
	NRemoved int
	NAborted int
	// Aborted is the magnitude discarded by the initiator rule, per part.
	Aborted []float64
	// Annihilated is the magnitude lost to sign cancellation, per part.
	Annihilated []float64
	// Deterministic is the magnitude received within the deterministic subspace, per part.
	// The projector applies it instead.
	Deterministic []float64
}

func (s *Stats) reset() {
	s.NBlock, s.NCreated, s.NRemoved, s.NAborted = 0, 0, 0, 0
	clear(s.Aborted)
	clear(s.Annihilated)
	clear(s.Deterministic)
}

type Options struct {
	// ExplicitRefConns is set when the density matrix terms between the reference and its connections are accumulated during propagation.
	ExplicitRefConns bool
}

type Annihilator struct {
	store *wavefunction.Store
	h     ham.Hamiltonian
	alloc *rank.Allocator
	rank  int
	refs  *wavefunction.References
	rdm   *rdm.RDM
	opts  Options

	shape wavefunction.Shape
	stats Stats

	// cached holds the weights of the current destination before any of its blocks was merged.
	cached    []float64
	cachedMBF mbf.MBF
	cachedOK  bool
}

// New returns an annihilator for the store of rank.
// rdm may be nil when density matrices are never accumulated.
func New(store *wavefunction.Store, h ham.Hamiltonian, alloc *rank.Allocator, rank int, refs *wavefunction.References, rdm *rdm.RDM, opts Options) *Annihilator {
	shape := store.Shape()
	a := &Annihilator{
		store:  store,
		h:      h,
		alloc:  alloc,
		rank:   rank,
		refs:   refs,
		rdm:    rdm,
		opts:   opts,
		shape:  shape,
		cached: make([]float64, shape.NPart()),
	}
	a.stats.Aborted = make([]float64, shape.NPart())
	a.stats.Annihilated = make([]float64, shape.NPart())
	a.stats.Deterministic = make([]float64, shape.NPart())
	return a
}

func (a *Annihilator) Stats() *Stats { return &a.stats }
func (a *Annihilator) ResetStats()   { a.stats.reset() }

// Annihilate sorts recv and merges it into the store.
// recv is reordered in place.
func (a *Annihilator) Annihilate(cc cycle.Context, recv []spawn.Record) error {
	for _, rec := range recv {
		if rec.Delta == 0 {
			return errors.Errorf("zero delta %v", rec)
		}
		if r := a.alloc.Of(rec.Dst); r != a.rank {
			return errors.Errorf("%v belongs to rank %d, received by %d", rec, r, a.rank)
		}
	}

	trackSrc := cc.RDM && a.rdm != nil
	spawn.Sort(recv, trackSrc)

	a.cachedOK = false
	for block := range spawn.Blocks(recv) {
		if a.cachedOK && a.cachedMBF != block[0].Dst {
			a.release(cc)
		}
		if err := a.block(cc, block, trackSrc); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if a.cachedOK {
		a.release(cc)
	}
	return nil
}

func (a *Annihilator) block(cc cycle.Context, block []spawn.Record, trackSrc bool) error {
	a.stats.NBlock++
	dst := block[0].Dst
	part := block[0].DstPart
	if part < 0 || part >= a.shape.NPart() {
		return errors.Errorf("part %d of %v, shape %#v", part, block[0], a.shape)
	}
	root := a.shape.Root(part)

	i, exists := a.store.Lookup(dst)
	if !a.cachedOK {
		a.cachedOK = true
		a.cachedMBF = dst
		switch {
		case exists:
			copy(a.cached, a.store.Row(i).Weight)
		default:
			clear(a.cached)
		}
	}

	var dstDet bool
	if exists {
		dstDet = a.store.Row(i).Deterministic[root]
	}

	var total float64
	var n int
	var anyInitiator, corroborated bool
	first := block[0].Src
	for _, rec := range block {
		// Contributions within the deterministic subspace are applied exactly by the projector.
		if rec.SrcDeterministic && dstDet {
			a.stats.Deterministic[part] += math.Abs(rec.Delta)
			continue
		}
		total += rec.Delta
		n++
		anyInitiator = anyInitiator || rec.SrcInitiator
		corroborated = corroborated || rec.Src != first
	}
	if n == 0 {
		return nil
	}

	if trackSrc && exists && a.rdm.Tracked(part) {
		a.contribute(cc, a.store.Row(i), block, dstDet)
	}

	occupied := exists && a.store.Row(i).Weight[part] != 0
	if !(occupied || dstDet || anyInitiator || corroborated) {
		a.stats.NAborted++
		a.stats.Aborted[part] += math.Abs(total)
		return nil
	}
	if total == 0 {
		return nil
	}

	if !exists {
		var err error
		i, err = a.store.Insert(dst)
		if err != nil {
			return errors.Wrap(err, "")
		}
		a.initRow(cc, a.store.Row(i))
		a.stats.NCreated++
	}
	row := a.store.Row(i)
	before := row.Weight[part]
	if before != 0 && math.Signbit(before) != math.Signbit(total) {
		a.stats.Annihilated[part] += min(math.Abs(before), math.Abs(total))
	}
	row.Weight[part] = before + total
	return nil
}

// contribute adds the density matrix terms of the sub-blocks of block, one per distinct source.
func (a *Annihilator) contribute(cc cycle.Context, row *wavefunction.Row, block []spawn.Record, dstDet bool) {
	part := block[0].DstPart
	partner := a.shape.Partner(part)
	// Undo the death step the destination went through this cycle.
	dstWeight := a.cached[partner] / (1 - cc.Tau*(row.HDiag-cc.Shift[partner]))
	if dstWeight == 0 {
		return
	}
	for sub := range spawn.Sources(block) {
		src := sub[0]
		if src.SrcDeterministic && dstDet {
			continue
		}
		if a.opts.ExplicitRefConns && (a.refs.Is(src.Src) || a.refs.Is(row.MBF)) {
			continue
		}
		a.rdm.Contribute(src.Src, row.MBF, src.SrcWeight*dstWeight)
	}
}

func (a *Annihilator) initRow(cc cycle.Context, row *wavefunction.Row) {
	row.HDiag = a.h.Energy(row.MBF)
	for root, ref := range a.refs.MBF {
		row.Reference[root] = ref == row.MBF
		row.RefConn[root] = a.h.MatrixElement(ref, row.MBF) != 0
	}
	// Its average weight starts accumulating in the next cycle.
	row.CycleOccupied = cc.Cycle + 1
}

// release removes the current destination if all its weights vanished.
func (a *Annihilator) release(cc cycle.Context) {
	a.cachedOK = false
	i, ok := a.store.Lookup(a.cachedMBF)
	if !ok {
		return
	}
	row := a.store.Row(i)
	if !row.IsZero() || row.Protected() {
		return
	}
	if cc.RDM && a.rdm != nil {
		a.rdm.FlushRow(row, cc.Cycle-row.CycleOccupied+1)
	}
	a.store.Remove(i)
	a.stats.NRemoved++
}
