// Package malloc is the allocator's public entry layer: Malloc, Calloc,
// AlignedAlloc, Free, SizedFree, Realloc, UsableSize. It implements the
// fast-path/slow-path split from spec §4.11 over a caller-supplied
// *tsd.TSD, routing through tcache when eligible and falling back to the
// owning arena (bins for small classes, the extent pool directly for
// large and oversized classes) otherwise.
package malloc

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/nmxmxh/goalloc/arena"
	"github.com/nmxmxh/goalloc/base"
	"github.com/nmxmxh/goalloc/config"
	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/event"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/rtree"
	"github.com/nmxmxh/goalloc/sizeclass"
	"github.com/nmxmxh/goalloc/tcache"
	"github.com/nmxmxh/goalloc/tsd"
)

// Allocator ties every layer together into the callable surface: Malloc/
// Calloc/AlignedAlloc/Free/SizedFree/Realloc/UsableSize, plus the arena
// manager and config a caller needs to mint new TSDs.
type Allocator struct {
	cfg      config.Config
	hooks    pagehooks.Hooks
	reg      *extent.Registry
	tree     *rtree.Tree
	manager  *arena.Manager
	events   *event.Engine
	maxClass int // tcache ceiling, a class index
}

// New constructs a fully wired Allocator from cfg.
func New(cfg config.Config) *Allocator {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1<<16)

	narenas := cfg.Narenas
	manager := arena.NewManager(hooks, reg, tree, narenas, cfg.PercpuArena, 4, 0, cfg.DirtyDecayMs, cfg.MuzzyDecayMs)

	maxClass := sizeclass.IndexOf(1 << uint(cfg.LgTcacheMax))

	a := &Allocator{
		cfg:      cfg,
		hooks:    hooks,
		reg:      reg,
		tree:     tree,
		manager:  manager,
		events:   event.New(),
		maxClass: maxClass,
	}
	a.events.Register(a.onEvent)
	return a
}

// NewThread mints a TSD bound to an auto-selected arena and its own
// tcache, ready for use by the calling goroutine. Each goroutine that
// allocates should own exactly one TSD, mirroring one OS thread owning
// one TSD in the original design.
func (a *Allocator) NewThread() *tsd.TSD {
	// No *tsd.TSD exists yet to serve as this call's witness token (Select
	// is what tells us which arena to bind one to); a fresh, call-local
	// token keeps concurrent NewThread calls from sharing a lock-order
	// stack the way a shared sentinel like nil would.
	ar := a.manager.Select(new(struct{}), arena.ThreadApplication, arena.NextCPUHint())
	ar.Bind(arena.ThreadApplication)

	h := tsd.New(ar.Index(), 0)
	if a.cfg.Tcache {
		cache := tcache.New(ar, 0, a.maxClass)
		h.Bind(cache)
	} else {
		h.SetState(tsd.StateNominal)
	}
	h.SetFastThreshold(defaultFastThreshold)
	return h
}

// CloseThread flushes h's tcache back to its arena and unbinds it. Call
// this when a goroutine is done allocating.
func (a *Allocator) CloseThread(h *tsd.TSD) {
	if h.Tcache != nil {
		for i := 0; i <= a.maxClass; i++ {
			_ = h.Tcache.Flush(h, i, sizeclass.IsBinned(i))
		}
	}
	a.events.Forget(h)
	if ar := a.manager.Arena(h, h.ArenaIdx); ar != nil {
		ar.Unbind(arena.ThreadApplication)
	}
	h.SetState(tsd.StateDisabled)
}

const defaultFastThreshold = 1 << 20 // 1 MiB before the slow path re-arms it

// onEvent is registered with the event engine: on alloc/dealloc threshold
// crossings it ticks this thread's tcache GC and the global decay sweep,
// and re-arms the fast threshold (spec §4.10's three standard handlers).
func (a *Allocator) onEvent(h *tsd.TSD, kind event.Kind) {
	if h.Tcache != nil {
		for i := 0; i <= a.maxClass; i++ {
			_ = h.Tcache.GCTick(h, i, sizeclass.IsBinned(i))
		}
	}
	a.manager.DecayAll(h)
	h.SetFastThreshold(h.Allocated() + defaultFastThreshold)
}

// Malloc returns a pointer to at least n writable bytes, QUANTUM-aligned,
// or an error (ENOMEM-equivalent) on failure.
func (a *Allocator) Malloc(h *tsd.TSD, n uint64) (uintptr, error) {
	if n == 0 {
		n = 1
	}
	if addr, ok := a.tryFast(h, n); ok {
		return addr, nil
	}
	return a.slowAlloc(h, n, sizeclass.Quantum, false)
}

// Calloc returns a zero-initialised allocation of k*n bytes, rejecting the
// request if k*n overflows uint64.
func (a *Allocator) Calloc(h *tsd.TSD, k, n uint64) (uintptr, error) {
	if k != 0 && n > math.MaxUint64/k {
		return 0, errs.Wrap(errs.ErrInvalidArgument, "malloc: calloc size overflow")
	}
	total := k * n
	if total == 0 {
		total = 1
	}
	return a.slowAlloc(h, total, sizeclass.Quantum, true)
}

// AlignedAlloc returns a pointer aligned to the power-of-two alignment,
// which must be at least sizeof(uintptr).
func (a *Allocator) AlignedAlloc(h *tsd.TSD, alignment, n uint64) (uintptr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 || alignment < 8 {
		return 0, errs.Wrap(errs.ErrInvalidArgument, "malloc: alignment must be a power of two >= sizeof(void*)")
	}
	if n == 0 {
		n = 1
	}
	return a.slowAlloc(h, n, alignment, false)
}

// tryFast implements the spec §4.11 fast path: TSD eligibility, size
// below the lookup ceiling, threshold check, and a tcache pop — all
// without ever touching a bin or extent-pool lock.
func (a *Allocator) tryFast(h *tsd.TSD, n uint64) (uintptr, bool) {
	if !h.FastPathEligible() {
		return 0, false
	}
	if n > sizeclass.LookupMax {
		return 0, false
	}
	idx := sizeclass.IndexOf(n)
	usize := sizeclass.SizeOf(idx)

	if h.Allocated()+usize >= h.FastThreshold() {
		return 0, false
	}
	if h.Tcache == nil || !h.Tcache.Cacheable(idx) {
		return 0, false
	}

	addr, _, err := h.Tcache.Alloc(h, idx, sizeclass.IsBinned(idx))
	if err != nil {
		return 0, false
	}
	h.AddAllocated(usize)
	a.events.NoteAlloc(h, usize)
	return addr, true
}

// slowAlloc is the single templated slow path every public entry point
// that isn't the malloc fast path tail-calls into: it resolves alignment/
// size, goes through tcache if eligible, else the owning arena directly,
// and optionally zeroes.
func (a *Allocator) slowAlloc(h *tsd.TSD, n, alignment uint64, zero bool) (uintptr, error) {
	usize, ok := sizeclass.AlignedUsable(n, alignment)
	if !ok {
		return 0, errs.Wrap(errs.ErrOutOfMemory, "malloc: size/alignment exceeds max class")
	}
	idx := sizeclass.IndexOf(usize)

	ar := a.manager.Arena(h, h.ArenaIdx)
	if ar == nil {
		return 0, errs.Wrap(errs.ErrCorruption, "malloc: tsd bound to unknown arena")
	}

	var (
		addr uintptr
		e    *extent.Extent
		err  error
	)

	if h.Tcache != nil && h.Tcache.Cacheable(idx) && alignment <= sizeclass.Quantum {
		addr, e, err = h.Tcache.Alloc(h, idx, sizeclass.IsBinned(idx))
	} else if sizeclass.IsBinned(idx) && alignment <= sizeclass.Quantum {
		addr, e, err = ar.AllocSmall(h, idx, h.ShardIdx)
	} else {
		pages := pagesFor(usize, alignment)
		e, err = ar.AllocPages(h, pages, zero)
		if err == nil {
			addr = e.Addr
			ar.ClassifyLarge(e, idx)
		}
	}
	if err != nil {
		return 0, err
	}

	if zero {
		// Bin-carved regions are only zeroed once, at slab creation: a
		// reused region may hold a prior occupant's bytes, so calloc
		// must always zero its own region explicitly rather than trust
		// the extent's zero-on-grow. Large/huge pages may already be
		// freshly zeroed by the pool, but zeroing again here is cheap
		// and keeps one unconditional guarantee instead of two paths.
		zeroBytes(addr, usize)
	}

	h.AddAllocated(usize)
	a.events.NoteAlloc(h, usize)
	return addr, nil
}

func pagesFor(n, alignment uint64) uint32 {
	size := n
	if alignment > sizeclass.PageSize {
		size += alignment
	}
	return uint32((size + sizeclass.PageSize - 1) / sizeclass.PageSize)
}

// Free releases p; p == 0 is a no-op.
func (a *Allocator) Free(h *tsd.TSD, p uintptr) error {
	if p == 0 {
		return nil
	}
	entry, ok := a.tree.Lookup(p)
	if !ok {
		return errs.Wrap(errs.ErrUnmanagedPointer, "malloc: free of unmanaged pointer")
	}
	return a.free(h, p, entry)
}

// SizedFree releases p, where n must equal p's usable size (skips the
// radix lookup's size-class resolution, trusting the caller).
func (a *Allocator) SizedFree(h *tsd.TSD, p uintptr, n uint64) error {
	if p == 0 {
		return nil
	}
	idx := sizeclass.IndexOf(n)
	entry, ok := a.tree.Lookup(p)
	if !ok {
		return errs.Wrap(errs.ErrUnmanagedPointer, "malloc: sized_free of unmanaged pointer")
	}
	entry.SizeClass = uint16(idx)
	return a.free(h, p, entry)
}

// free routes p back to the arena that actually owns its extent
// (e.ArenaIdx), never the freeing thread's own bound arena: an extent
// allocated by a thread bound to arena 0 and freed by a thread bound to
// arena 1 must still be filed into arena 0's bin lists and pool, per the
// §3 exclusive-ownership invariant. h.Tcache is only used as a fast path
// when the freeing thread's own arena is the extent's owner — caching a
// foreign-arena pointer in this thread's tcache would, on a later flush,
// hand it back to the wrong arena (tcache's BinSource is bound to one
// arena for its whole lifetime), so cross-arena frees always bypass
// tcache and go straight to the owning arena.
func (a *Allocator) free(h *tsd.TSD, p uintptr, entry rtree.Entry) error {
	idx := int(entry.SizeClass)

	e := a.reg.Get(entry.ExtentID)
	if e == nil {
		return errs.Wrap(errs.ErrCorruption, "malloc: extent record missing for managed pointer")
	}

	ar := a.manager.Arena(h, e.ArenaIdx)
	if ar == nil {
		return errs.Wrap(errs.ErrCorruption, "malloc: extent owned by unknown arena")
	}

	usize := e.Bytes()
	if entry.IsSlab {
		usize = sizeclass.SizeOf(idx)
	}

	sameArena := h.ArenaIdx == e.ArenaIdx

	var err error
	if entry.IsSlab && sameArena && h.Tcache != nil && h.Tcache.Cacheable(idx) {
		err = h.Tcache.Free(h, idx, true, e, p)
	} else if entry.IsSlab {
		err = ar.FreeSmall(h, idx, h.ShardIdx, e, p)
	} else {
		ar.FreePages(h, e)
	}
	if err != nil {
		return err
	}

	h.AddDeallocated(usize)
	a.events.NoteDealloc(h, usize)
	return nil
}

// UsableSize returns p's size class in bytes, or 0 if p is unmanaged.
func (a *Allocator) UsableSize(p uintptr) uint64 {
	entry, ok := a.tree.Lookup(p)
	if !ok {
		return 0
	}
	return sizeclass.SizeOf(int(entry.SizeClass))
}

// Realloc implements spec §4.11's realloc semantics: realloc(NULL, n) is
// malloc(n); realloc(p, 0) follows the configured zero-size policy
// (free-and-nil by default, or a 1-byte bump allocation when
// ReallocZeroBumpAlloc is set); otherwise allocate-copy-free (this
// implementation never attempts in-place expansion, a documented
// simplification — see DESIGN.md).
func (a *Allocator) Realloc(h *tsd.TSD, p uintptr, n uint64) (uintptr, error) {
	if p == 0 {
		return a.Malloc(h, n)
	}
	if n == 0 {
		if a.cfg.ReallocZeroBumpAlloc {
			if err := a.Free(h, p); err != nil {
				return 0, err
			}
			return a.Malloc(h, 1)
		}
		return 0, a.Free(h, p)
	}

	oldSize := a.UsableSize(p)
	newAddr, err := a.Malloc(h, n)
	if err != nil {
		return 0, err
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	copyBytes(newAddr, p, copySize)
	if err := a.Free(h, p); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// ReportString renders one line per created arena summarising its
// extent-pool cache occupancy, for diagnostic/demo printing.
func (a *Allocator) ReportString() string {
	var b strings.Builder
	n := a.manager.Len()
	fmt.Fprintf(&b, "arenas: %d\n", n)
	for i := 0; i < n; i++ {
		ar := a.manager.Arena(new(struct{}), uint32(i))
		if ar == nil {
			continue
		}
		s := ar.Stats()
		fmt.Fprintf(&b, "  arena[%d] dirty=%d muzzy=%d retained=%d grown=%d coalesced=%d split=%d\n",
			i, s.Count[extent.Dirty], s.Count[extent.Muzzy], s.Count[extent.Retained],
			s.Grown, s.Coalesced, s.SplitCount)
	}
	fmt.Fprintf(&b, "event fires: %d", a.events.Fires())
	return b.String()
}

func zeroBytes(addr uintptr, n uint64) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src uintptr, n uint64) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(n))
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(n))
	copy(d, s)
}
