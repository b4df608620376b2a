// Package bin implements the small-allocation path: per arena × size-class
// × shard, a current slab, a non-full heap (kept address-sorted so the
// lowest address is always picked first, for VM compactness), a full list,
// and per-region bitmap bookkeeping that lives on the extent record itself.
package bin

import (
	"math/bits"
	"sync"

	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/sizeclass"
	"github.com/nmxmxh/goalloc/witness"
)

// Stats reports one bin shard's counters.
type Stats struct {
	Allocs       uint64
	Frees        uint64
	Refills      uint64
	CurrentSlabs int
	NonFullSlabs int
	FullSlabs    int
}

// Bin is one shard of one size class's slab pool.
type Bin struct {
	mu sync.Mutex

	classIdx   int
	pool       *extent.Pool
	slabPages  uint32
	regions    uint32
	regionSize uint64

	current *extent.Extent
	nonFull []*extent.Extent // address-sorted ascending
	full    []*extent.Extent

	stats Stats
}

// NewBin constructs one empty bin shard for classIdx, refilling from pool.
func NewBin(classIdx int, pool *extent.Pool) *Bin {
	pages, regions := sizeclass.SlabGeometry(classIdx)
	return &Bin{
		classIdx:   classIdx,
		pool:       pool,
		slabPages:  pages,
		regions:    regions,
		regionSize: sizeclass.SizeOf(classIdx),
	}
}

// Alloc returns one region of this bin's size class, refilling from the
// extent layer if every known slab is full. token identifies the calling
// thread for the witness lock-order checker (normally its *tsd.TSD); the
// extent layer is consulted with b.mu released, so bin-shard and
// extent-pool locks are never held by the same goroutine at once.
func (b *Bin) Alloc(token any) (uintptr, *extent.Extent, error) {
	release := witness.Global.Acquire(token, witness.RankBinShard)
	b.mu.Lock()
	for {
		if b.current != nil {
			if addr, ok := popFreeRegion(b.current, b.regionSize); ok {
				b.stats.Allocs++
				e := b.current
				b.mu.Unlock()
				release()
				return addr, e, nil
			}
			b.full = append(b.full, b.current)
			b.current = nil
		}
		if len(b.nonFull) == 0 {
			break
		}
		b.current = b.nonFull[0]
		b.nonFull = b.nonFull[1:]
	}
	b.mu.Unlock()
	release()

	e, err := b.pool.Alloc(token, b.slabPages, true)
	if err != nil {
		return 0, nil, errs.Wrap(err, "bin: refilling slab")
	}
	e.IsSlab = true
	e.SizeClass = uint16(b.classIdx)
	e.Bitmap = newFullBitmap(b.regions)
	e.FreeCount = b.regions
	b.pool.UpdateClass(e)

	release = witness.Global.Acquire(token, witness.RankBinShard)
	b.mu.Lock()
	b.stats.Refills++
	if b.current != nil {
		b.nonFull = insertSortedByAddr(b.nonFull, b.current)
	}
	b.current = e
	addr, ok := popFreeRegion(b.current, b.regionSize)
	if !ok {
		b.mu.Unlock()
		release()
		return 0, nil, errs.Wrap(errs.ErrCorruption, "bin: freshly refilled slab reports no free regions")
	}
	b.stats.Allocs++
	b.mu.Unlock()
	release()
	return addr, e, nil
}

// Free returns the region at addr within e to this bin, migrating e between
// the current/non-full/full containers as its occupancy changes, and
// handing it back to the extent layer (as a dirty extent) if it becomes
// empty and is not the current slab. token is the calling thread's witness
// handle, as in Alloc.
func (b *Bin) Free(token any, e *extent.Extent, addr uintptr) error {
	release := witness.Global.Acquire(token, witness.RankBinShard)
	b.mu.Lock()

	wasFull := e.FreeCount == 0
	if err := pushFreeRegion(e, addr, b.regionSize); err != nil {
		b.mu.Unlock()
		release()
		return err
	}
	b.stats.Frees++

	isCurrent := e == b.current
	if wasFull && !isCurrent {
		b.removeFromFull(e)
		b.nonFull = insertSortedByAddr(b.nonFull, e)
	}

	becameEmpty := e.FreeCount == b.regions
	if becameEmpty && !isCurrent {
		b.removeFromNonFull(e)
		b.mu.Unlock()
		release()
		b.pool.Dealloc(token, e)
		return nil
	}

	b.mu.Unlock()
	release()
	return nil
}

func (b *Bin) removeFromFull(e *extent.Extent) {
	for i, x := range b.full {
		if x == e {
			b.full = append(b.full[:i], b.full[i+1:]...)
			return
		}
	}
}

func (b *Bin) removeFromNonFull(e *extent.Extent) {
	for i, x := range b.nonFull {
		if x == e {
			b.nonFull = append(b.nonFull[:i], b.nonFull[i+1:]...)
			return
		}
	}
}

// Stats returns a snapshot of this shard's counters.
func (b *Bin) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.CurrentSlabs = 0
	if b.current != nil {
		s.CurrentSlabs = 1
	}
	s.NonFullSlabs = len(b.nonFull)
	s.FullSlabs = len(b.full)
	return s
}

func insertSortedByAddr(list []*extent.Extent, e *extent.Extent) []*extent.Extent {
	i := 0
	for ; i < len(list); i++ {
		if list[i].Addr > e.Addr {
			break
		}
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func newFullBitmap(regions uint32) []uint64 {
	words := (regions + 63) / 64
	bm := make([]uint64, words)
	for i := range bm {
		bm[i] = ^uint64(0)
	}
	if rem := regions % 64; rem != 0 {
		bm[words-1] = (uint64(1) << rem) - 1
	}
	return bm
}

// popFreeRegion clears the lowest-index set bit (lowest address first) and
// returns the corresponding region address.
func popFreeRegion(e *extent.Extent, regionSize uint64) (uintptr, bool) {
	for wi, w := range e.Bitmap {
		if w == 0 {
			continue
		}
		bit := bits.TrailingZeros64(w)
		e.Bitmap[wi] &^= uint64(1) << uint(bit)
		e.FreeCount--
		regionIdx := wi*64 + bit
		return e.Addr + uintptr(regionIdx)*uintptr(regionSize), true
	}
	return 0, false
}

// pushFreeRegion sets the bit for addr's region back to free.
func pushFreeRegion(e *extent.Extent, addr uintptr, regionSize uint64) error {
	if addr < e.Addr {
		return errs.Wrap(errs.ErrCorruption, "bin: free address precedes slab base")
	}
	regionIdx := uint32((addr - e.Addr) / uintptr(regionSize))
	wi, bit := regionIdx/64, regionIdx%64
	if int(wi) >= len(e.Bitmap) {
		return errs.Wrap(errs.ErrCorruption, "bin: free address exceeds slab region count")
	}
	if e.Bitmap[wi]&(uint64(1)<<bit) != 0 {
		return errs.Wrap(errs.ErrCorruption, "bin: double free detected in slab bitmap")
	}
	e.Bitmap[wi] |= uint64(1) << bit
	e.FreeCount++
	return nil
}

// Shards is the set of per-thread-shard bins for one size class within one
// arena. Thread→shard binding is provided by the caller (tsd) and kept
// stable for the life of the thread/arena binding, minimising false
// sharing across cores filling/flushing the same class concurrently.
type Shards struct {
	classIdx int
	bins     []*Bin
}

// NewShards constructs nshards independent bin shards for classIdx.
func NewShards(classIdx int, pool *extent.Pool, nshards int) *Shards {
	if nshards < 1 {
		nshards = 1
	}
	bins := make([]*Bin, nshards)
	for i := range bins {
		bins[i] = NewBin(classIdx, pool)
	}
	return &Shards{classIdx: classIdx, bins: bins}
}

// Shard returns the bin for shard index idx, wrapping if idx is out of
// range (a thread's stable shard index is assigned once, at bind time, by
// tsd, independent of how many classes/shards an arena happens to have).
func (s *Shards) Shard(idx int) *Bin {
	return s.bins[idx%len(s.bins)]
}

// Len reports the shard count.
func (s *Shards) Len() int { return len(s.bins) }
