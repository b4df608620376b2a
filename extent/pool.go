package extent

import (
	"sync"
	"unsafe"

	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/rtree"
	"github.com/nmxmxh/goalloc/sizeclass"
	"github.com/nmxmxh/goalloc/witness"
)

// CacheKind names one of the three purgeable extent caches.
type CacheKind int

const (
	Dirty CacheKind = iota
	Muzzy
	Retained
	numCaches
)

func (k CacheKind) String() string {
	switch k {
	case Dirty:
		return "dirty"
	case Muzzy:
		return "muzzy"
	case Retained:
		return "retained"
	default:
		return "unknown"
	}
}

// growStepPages is the initial page count requested from the page hooks
// when every cache misses; it expands geometrically on repeated misses up
// to retainCapPages.
const growStepPages = 4

// CacheStats reports per-cache counters for one pool.
type CacheStats struct {
	Count      [numCaches]int
	Pages      [numCaches]uint64
	Purged     [numCaches]uint64
	Grown      uint64
	Coalesced  uint64
	SplitCount uint64
}

// Pool owns one arena's three extent caches (dirty/muzzy/retained), growing
// from page hooks on a full miss and returning extents to the OS only when
// the retention cap is exceeded.
type Pool struct {
	hooks     pagehooks.Hooks
	reg       *Registry
	tree      *rtree.Tree
	arenaIdx  uint32
	retainCap uint32 // pages; 0 == unlimited

	mu      sync.Mutex
	buckets [numCaches]map[uint32][]uint32 // pages -> extent IDs, address-sorted ascending
	order   [numCaches][]uint32            // FIFO of extent IDs, for decay aging

	growNext uint32 // next grow-step size in pages, geometric
	stats    CacheStats

	decay *Decay // consulted by Dealloc for dirty_decay_ms==0 eager purge
}

// SetDecay wires d as the decay schedule Dealloc consults for its
// eager-purge check. Arena calls this once, after constructing both the
// pool and its decay schedule; a pool with no decay set behaves as before
// (purging only on the event engine's periodic Tick, never eagerly).
func (p *Pool) SetDecay(d *Decay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decay = d
}

// NewPool constructs an empty Pool for one arena.
func NewPool(hooks pagehooks.Hooks, reg *Registry, tree *rtree.Tree, arenaIdx uint32, retainCapPages uint32) *Pool {
	p := &Pool{
		hooks:     hooks,
		reg:       reg,
		tree:      tree,
		arenaIdx:  arenaIdx,
		retainCap: retainCapPages,
		growNext:  growStepPages,
	}
	for k := range p.buckets {
		p.buckets[k] = make(map[uint32][]uint32)
	}
	return p
}

// Alloc serves pages committed pages, searching dirty, then muzzy, then
// retained for a best-fit extent before growing from the page hooks.
// Best-fit tie-break: smallest class (page count) that fits, then lowest
// address within that class. token identifies the calling thread for the
// witness lock-order checker (normally its *tsd.TSD); callers that already
// hold a bin-shard lock must have released it before calling in, since
// RankExtentPool is acquired here and is ranked above RankBinShard.
func (p *Pool) Alloc(token any, pages uint32, zero bool) (*Extent, error) {
	if pages == 0 {
		return nil, errs.Wrap(errs.ErrInvalidArgument, "extent: zero-page request")
	}

	release := witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	for _, kind := range [...]CacheKind{Dirty, Muzzy, Retained} {
		if e := p.takeBestFit(kind, pages); e != nil {
			p.mu.Unlock()
			release()
			return p.finishAlloc(e, kind, zero)
		}
	}
	p.mu.Unlock()
	release()

	return p.grow(token, pages, zero)
}

// takeBestFit must be called with p.mu held. It removes and returns the
// best-fit extent of at least pages pages from kind's bucket set, splitting
// off and re-caching any remainder. Returns nil on a miss.
func (p *Pool) takeBestFit(kind CacheKind, pages uint32) *Extent {
	buckets := p.buckets[kind]
	var bestClass uint32
	found := false
	for class := range buckets {
		if class >= pages && len(buckets[class]) > 0 {
			if !found || class < bestClass {
				bestClass = class
				found = true
			}
		}
	}
	if !found {
		return nil
	}

	ids := buckets[bestClass]
	id := ids[0]
	buckets[bestClass] = ids[1:]
	if len(buckets[bestClass]) == 0 {
		delete(buckets, bestClass)
	}
	p.removeFromOrder(kind, id)

	e := p.reg.Get(id)
	if e == nil {
		return nil
	}
	p.decStatsLocked(kind, e)

	if e.Pages > pages {
		remainder, err := p.splitLocked(e, pages)
		if err == nil {
			p.cacheLocked(kind, remainder)
		}
	}
	return e
}

// splitLocked cuts e down to pages pages and returns a fresh extent record
// covering the remainder, which the caller is responsible for caching.
// Grounded on the split-and-rebook idiom of a classic buddy allocator's
// splitBlock step, adapted from power-of-two halves to an arbitrary cut.
func (p *Pool) splitLocked(e *Extent, pages uint32) (*Extent, error) {
	remPages := e.Pages - pages
	remAddr := e.Addr + uintptr(pages)*sizeclass.PageSize

	if err := p.hooks.Split(e.Addr, uintptr(e.Pages)*sizeclass.PageSize, uintptr(pages)*sizeclass.PageSize, uintptr(remPages)*sizeclass.PageSize, e.Committed); err != nil {
		return nil, err
	}

	rem := p.reg.Create(remAddr, remPages, e.ArenaIdx, e.Committed)
	rem.State = e.State
	e.Pages = pages
	p.stats.SplitCount++
	return rem, nil
}

// finishAlloc transitions e to Active, commits it if it came from a
// decommitted cache, zeroes it if requested and necessary, and registers
// every page it covers in the radix tree.
func (p *Pool) finishAlloc(e *Extent, from CacheKind, zero bool) (*Extent, error) {
	if !e.Committed {
		if err := p.hooks.Commit(e.Addr, 0, e.Bytes()); err != nil {
			return nil, errs.Wrap(err, "extent: committing reused extent")
		}
		e.Committed = true
	} else if zero && from == Dirty {
		zeroRange(e.Addr, e.Bytes())
	}

	e.State = StateActive
	p.registerPages(e)

	return e, nil
}

// grow requests fresh pages from the page hooks when every cache misses.
func (p *Pool) grow(token any, pages uint32, zero bool) (*Extent, error) {
	release := witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	step := p.growNext
	if step < pages {
		step = pages
	}
	p.growNext *= 2
	if p.retainCap > 0 && p.growNext > p.retainCap {
		p.growNext = p.retainCap
	}
	p.mu.Unlock()
	release()

	addr, committed, err := p.hooks.Reserve(0, uintptr(step)*sizeclass.PageSize, sizeclass.PageSize, true)
	if err != nil {
		return nil, errs.Wrap(err, "extent: growing arena")
	}

	e := p.reg.Create(addr, step, p.arenaIdx, committed)
	e.State = StateReserved

	if step > pages {
		release = witness.Global.Acquire(token, witness.RankExtentPool)
		p.mu.Lock()
		remainder, splitErr := p.splitLocked(e, pages)
		if splitErr == nil {
			remainder.State = StateRetained
			p.cacheLocked(Retained, remainder)
		}
		p.mu.Unlock()
		release()
	}

	release = witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	p.stats.Grown++
	p.mu.Unlock()
	release()

	return p.finishAlloc(e, Retained, zero)
}

// zeroRange overwrites n bytes starting at addr with zero. Used only for
// dirty-cache reuse, where contents are defined but stale.
func zeroRange(addr uintptr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
	for i := range b {
		b[i] = 0
	}
}

// Dealloc returns e to the dirty cache, attempting address-order coalesce
// with an immediately adjacent dirty neighbour in the same arena first.
// Per spec §4.5, it then consults the decay clock: with dirty_decay_ms==0
// the cache is purged eagerly, before this call returns, rather than
// waiting for the next periodic decay tick. token is the calling thread's
// witness handle, as in Alloc.
func (p *Pool) Dealloc(token any, e *Extent) {
	p.unregisterPages(e)

	release := witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	e.State = StateDirty
	merged := p.tryCoalesceLocked(e)
	p.cacheLocked(Dirty, merged)
	decay := p.decay
	p.mu.Unlock()
	release()

	if decay != nil && decay.IsEager() {
		decay.Tick(token, p, Dirty)
	}
}

// tryCoalesceLocked merges e with an adjacent dirty neighbour, if any, in
// either direction, and returns the (possibly merged) extent. Must be
// called with p.mu held. Grounded on the neighbour-merge idiom of a classic
// buddy allocator's coalesce step, adapted from XOR-derived buddy addresses
// to address-adjacency lookups in the dirty cache.
func (p *Pool) tryCoalesceLocked(e *Extent) *Extent {
	if next, ok := p.dirtyNeighborLocked(e.Addr + e.Bytes()); ok {
		if err := p.hooks.Merge(e.Addr, e.Bytes(), next.Addr, next.Bytes(), e.Committed && next.Committed); err == nil {
			p.removeFromCacheLocked(Dirty, next)
			e.Pages += next.Pages
			p.reg.Destroy(next.ID)
			p.stats.Coalesced++
		}
	}
	if prev, ok := p.dirtyNeighborLocked(e.Addr - 1); ok {
		if err := p.hooks.Merge(prev.Addr, prev.Bytes(), e.Addr, e.Bytes(), e.Committed && prev.Committed); err == nil {
			p.removeFromCacheLocked(Dirty, prev)
			prev.Pages += e.Pages
			p.reg.Destroy(e.ID)
			p.stats.Coalesced++
			return prev
		}
	}
	return e
}

// dirtyNeighborLocked resolves addr (any byte within the candidate
// neighbour) to a dirty extent belonging to this pool's arena, if one
// exists and addr is in range. Dirty extents are unregistered from the
// radix tree, so the dirty cache itself is scanned.
func (p *Pool) dirtyNeighborLocked(addr uintptr) (*Extent, bool) {
	for _, ids := range p.buckets[Dirty] {
		for _, id := range ids {
			e := p.reg.Get(id)
			if e != nil && e.ArenaIdx == p.arenaIdx && addr >= e.Addr && addr < e.Addr+e.Bytes() {
				return e, true
			}
		}
	}
	return nil, false
}

func (p *Pool) cacheLocked(kind CacheKind, e *Extent) {
	bucket := p.buckets[kind][e.Pages]
	bucket = insertSortedByAddr(bucket, e.ID, e.Addr, p.reg)
	p.buckets[kind][e.Pages] = bucket
	p.order[kind] = append(p.order[kind], e.ID)
	p.incStatsLocked(kind, e)
}

func (p *Pool) removeFromCacheLocked(kind CacheKind, e *Extent) {
	bucket := p.buckets[kind][e.Pages]
	for i, id := range bucket {
		if id == e.ID {
			p.buckets[kind][e.Pages] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(p.buckets[kind][e.Pages]) == 0 {
		delete(p.buckets[kind], e.Pages)
	}
	p.removeFromOrder(kind, e.ID)
	p.decStatsLocked(kind, e)
}

func (p *Pool) incStatsLocked(kind CacheKind, e *Extent) {
	p.stats.Count[kind]++
	p.stats.Pages[kind] += uint64(e.Pages)
}

func (p *Pool) decStatsLocked(kind CacheKind, e *Extent) {
	p.stats.Count[kind]--
	if p.stats.Count[kind] < 0 {
		p.stats.Count[kind] = 0
	}
	p.stats.Pages[kind] -= uint64(e.Pages)
}

func (p *Pool) removeFromOrder(kind CacheKind, id uint32) {
	order := p.order[kind]
	for i, oid := range order {
		if oid == id {
			p.order[kind] = append(order[:i], order[i+1:]...)
			return
		}
	}
}

func insertSortedByAddr(bucket []uint32, id uint32, addr uintptr, reg *Registry) []uint32 {
	i := 0
	for ; i < len(bucket); i++ {
		if ex := reg.Get(bucket[i]); ex != nil && ex.Addr > addr {
			break
		}
	}
	bucket = append(bucket, 0)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = id
	return bucket
}

// registerPages writes one radix-tree entry per page covered by e.
func (p *Pool) registerPages(e *Extent) {
	entry := rtree.Entry{ExtentID: e.ID, SizeClass: e.SizeClass, IsSlab: e.IsSlab}
	for i := uint32(0); i < e.Pages; i++ {
		_ = p.tree.Insert(e.Addr+uintptr(i)*sizeclass.PageSize, entry)
	}
}

func (p *Pool) unregisterPages(e *Extent) {
	for i := uint32(0); i < e.Pages; i++ {
		p.tree.Remove(e.Addr + uintptr(i)*sizeclass.PageSize)
	}
}

// UpdateClass refreshes every radix-tree entry for e's pages after a
// caller has classified it (e.g. bin.go setting IsSlab/SizeClass once a
// slab is carved from a freshly allocated extent, after Alloc already
// registered it with the zero classification).
func (p *Pool) UpdateClass(e *Extent) {
	entry := rtree.Entry{ExtentID: e.ID, SizeClass: e.SizeClass, IsSlab: e.IsSlab}
	for i := uint32(0); i < e.Pages; i++ {
		p.tree.Update(e.Addr+uintptr(i)*sizeclass.PageSize, entry)
	}
}

// Stats returns a snapshot of this pool's cache counters.
func (p *Pool) Stats() CacheStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
