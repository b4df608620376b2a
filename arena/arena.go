// Package arena implements the allocator's unit of contention isolation:
// a set of per-size-class bin shards, an extent pool with its three
// purgeable caches, decay state, and the auto-arena selection policy that
// binds threads to one of them.
package arena

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/goalloc/bin"
	"github.com/nmxmxh/goalloc/config"
	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/rtree"
	"github.com/nmxmxh/goalloc/sizeclass"
	"github.com/nmxmxh/goalloc/tcache"
	"github.com/nmxmxh/goalloc/witness"
)

// Arena implements tcache.BinSource; tcache depends on this interface, not
// on this package, keeping the dependency one-directional.
var _ tcache.BinSource = (*Arena)(nil)

// ThreadKind distinguishes application-bound threads from internal
// metadata-bound ones for the fewest-bound-threads auto-arena rule.
type ThreadKind int

const (
	ThreadApplication ThreadKind = iota
	ThreadMetadata
)

// Arena is one binned set of bins + one extent pool + its decay state.
// Classes sizeclass.IsBinned reports true for are served from bins; the
// rest are served directly from the extent pool (large).
type Arena struct {
	idx   uint32
	hooks pagehooks.Hooks
	reg   *extent.Registry
	tree  *rtree.Tree

	pool        *extent.Pool
	dirtyDecay  *extent.Decay // governs active->dirty->muzzy, and Dealloc's eager-purge check
	muzzyDecay  *extent.Decay // governs muzzy->retained and the retained release check

	shardsPerClass int
	shards         []*bin.Shards // one per binned size class

	// mu guards only the lazy construction of shards; bound-thread counts
	// are atomics so Manager.Select can read them while already holding
	// Manager.mu without nesting two RankArenasGlobal acquisitions.
	mu sync.Mutex

	boundApp  int64
	boundMeta int64
}

// New constructs an Arena bound to idx, with nShardsPerClass bin shards per
// binned size class and retainCapPages as its retained-cache ceiling (0 ==
// unlimited: retained extents are then never released). dirtyDecayMs and
// muzzyDecayMs are config's two distinct half-lives: dirtyDecayMs gates the
// active->dirty->muzzy transition (and Dealloc's eager-purge check),
// muzzyDecayMs gates muzzy->retained and the retained-release check.
func New(idx uint32, hooks pagehooks.Hooks, reg *extent.Registry, tree *rtree.Tree, nShardsPerClass int, retainCapPages uint32, dirtyDecayMs, muzzyDecayMs int64) *Arena {
	pool := extent.NewPool(hooks, reg, tree, idx, retainCapPages)
	dirtyDecay := extent.NewDecay(dirtyDecayMs)
	muzzyDecay := extent.NewDecay(muzzyDecayMs)
	pool.SetDecay(dirtyDecay)
	a := &Arena{
		idx:            idx,
		hooks:          hooks,
		reg:            reg,
		tree:           tree,
		pool:           pool,
		dirtyDecay:     dirtyDecay,
		muzzyDecay:     muzzyDecay,
		shardsPerClass: nShardsPerClass,
		shards:         make([]*bin.Shards, sizeclass.NSizes()),
	}
	return a
}

func (a *Arena) shardsFor(token any, classIdx int) *bin.Shards {
	release := witness.Global.Acquire(token, witness.RankArenasGlobal)
	a.mu.Lock()
	defer func() {
		a.mu.Unlock()
		release()
	}()
	s := a.shards[classIdx]
	if s == nil {
		s = bin.NewShards(classIdx, a.pool, a.shardsPerClass)
		a.shards[classIdx] = s
	}
	return s
}

// AllocSmall implements tcache.BinSource: serves one region of classIdx
// from the given thread shard's bin, lazily constructing the shard set for
// classIdx on first use (mirroring the teacher's HybridAllocator routing
// requests to the sub-allocator that owns the requested size, without
// pre-building every possible size class up front). token is the calling
// thread's witness handle, threaded down into the bin-shard and
// extent-pool locks this eventually acquires.
func (a *Arena) AllocSmall(token any, classIdx int, shardIdx int) (uintptr, *extent.Extent, error) {
	if classIdx < 0 || classIdx >= sizeclass.NSizes() || !sizeclass.IsBinned(classIdx) {
		return 0, nil, errs.Wrap(errs.ErrInvalidArgument, "arena: class is not small/binned")
	}
	return a.shardsFor(token, classIdx).Shard(shardIdx).Alloc(token)
}

// FreeSmall implements tcache.BinSource.
func (a *Arena) FreeSmall(token any, classIdx int, shardIdx int, e *extent.Extent, addr uintptr) error {
	return a.shardsFor(token, classIdx).Shard(shardIdx).Free(token, e, addr)
}

// AllocLarge implements tcache.BinSource: serves a large (non-binned)
// allocation directly from the extent pool, sized to classIdx's page
// count, and classifies the extent as non-slab in the radix tree.
func (a *Arena) AllocLarge(token any, classIdx int) (uintptr, *extent.Extent, error) {
	if classIdx < 0 || classIdx >= sizeclass.NSizes() {
		return 0, nil, errs.Wrap(errs.ErrInvalidArgument, "arena: class out of range")
	}
	size := sizeclass.SizeOf(classIdx)
	pages := uint32((size + sizeclass.PageSize - 1) / sizeclass.PageSize)
	e, err := a.pool.Alloc(token, pages, false)
	if err != nil {
		return 0, nil, err
	}
	a.ClassifyLarge(e, classIdx)
	return e.Addr, e, nil
}

// ClassifyLarge marks e as a non-slab extent of classIdx and refreshes its
// radix-tree entries accordingly. AllocPages does not classify its
// extents itself (callers may use them for any size/alignment), so
// callers serving a specific size class — AllocLarge above, and malloc's
// AllocPages path — call this once they know the class.
func (a *Arena) ClassifyLarge(e *extent.Extent, classIdx int) {
	e.IsSlab = false
	e.SizeClass = uint16(classIdx)
	a.pool.UpdateClass(e)
}

// FreeLarge implements tcache.BinSource.
func (a *Arena) FreeLarge(token any, e *extent.Extent) error {
	a.pool.Dealloc(token, e)
	return nil
}

// AllocPages is the raw extent-pool path malloc uses for requests that
// neither the tcache nor a bin serves (non-binned classes, and any request
// aligned above Quantum), bypassing both tcache and bin entirely.
func (a *Arena) AllocPages(token any, pages uint32, zero bool) (*extent.Extent, error) {
	return a.pool.Alloc(token, pages, zero)
}

// FreePages returns an AllocPages extent directly to the pool.
func (a *Arena) FreePages(token any, e *extent.Extent) {
	a.pool.Dealloc(token, e)
}

// DecayTick drives one decay step for every purgeable cache kind, called
// periodically by the event engine's decay handler (spec §4.10). token
// identifies the triggering thread for the witness checker; decay ticks
// take no arena-global lock, only the extent pool's. Dirty ticks against
// dirtyDecay (dirty_decay_ms); muzzy and retained tick against muzzyDecay
// (muzzy_decay_ms), since both sit downstream of the muzzy half-life in
// the purge lifecycle.
func (a *Arena) DecayTick(token any) {
	a.dirtyDecay.Tick(token, a.pool, extent.Dirty)
	a.muzzyDecay.Tick(token, a.pool, extent.Muzzy)
	a.muzzyDecay.Tick(token, a.pool, extent.Retained)
}

// Stats reports this arena's extent-pool cache counters.
func (a *Arena) Stats() extent.CacheStats {
	return a.pool.Stats()
}

// Bind records a thread of kind k attaching to this arena, for the
// fewest-bound-threads auto-arena selection rule. Plain atomics, not a.mu:
// Manager.Select reads boundCount while holding Manager.mu (RankArenasGlobal),
// and a.mu is also tagged RankArenasGlobal, so routing this through a.mu
// would be a same-rank nested acquisition on every selection pass.
func (a *Arena) Bind(k ThreadKind) {
	if k == ThreadApplication {
		atomic.AddInt64(&a.boundApp, 1)
	} else {
		atomic.AddInt64(&a.boundMeta, 1)
	}
}

// Unbind records a thread of kind k detaching.
func (a *Arena) Unbind(k ThreadKind) {
	if k == ThreadApplication {
		decrementFloor(&a.boundApp)
	} else {
		decrementFloor(&a.boundMeta)
	}
}

// decrementFloor atomically decrements *n, floored at 0.
func decrementFloor(n *int64) {
	for {
		cur := atomic.LoadInt64(n)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(n, cur, cur-1) {
			return
		}
	}
}

// boundCount returns the bound-thread count of kind k, for selection.
func (a *Arena) boundCount(k ThreadKind) int {
	if k == ThreadApplication {
		return int(atomic.LoadInt64(&a.boundApp))
	}
	return int(atomic.LoadInt64(&a.boundMeta))
}

// Index reports this arena's stable index.
func (a *Arena) Index() uint32 { return a.idx }

// Manager owns the fixed pool of auto-arenas and implements the
// auto-arena selection rule from spec §4.9. Construction, per-CPU
// selection, and the fewest-bound-threads tie-break all happen here;
// Arena itself knows nothing about how it was chosen.
type Manager struct {
	hooks pagehooks.Hooks
	reg   *extent.Registry
	tree  *rtree.Tree

	shardsPerClass int
	retainCapPages uint32
	dirtyDecayMs   int64
	muzzyDecayMs   int64

	mu      sync.Mutex
	arenas  []*Arena
	narenas int

	percpuMode config.PercpuArena

	hugeMu    sync.Mutex
	hugeArena *Arena
}

// NewManager constructs a Manager capped at narenas auto-arenas (0 means
// 4*NumCPU, matching spec's documented default). percpuMode selects the
// per-CPU arena-index policy over the fewest-bound-threads tie-break:
// config.Percpu maps the hint straight to an arena index, config.Phycpu
// additionally halves it for hyperthread pairing (spec §4.9: "optionally
// halved for hyperthread pairing"), config.PercpuDisabled falls through
// to the fewest-bound-threads rule entirely.
// dirtyDecayMs/muzzyDecayMs are config's two distinct decay half-lives.
func NewManager(hooks pagehooks.Hooks, reg *extent.Registry, tree *rtree.Tree, narenas int, percpuMode config.PercpuArena, shardsPerClass int, retainCapPages uint32, dirtyDecayMs, muzzyDecayMs int64) *Manager {
	if narenas <= 0 {
		narenas = 4 * runtime.NumCPU()
	}
	if shardsPerClass <= 0 {
		shardsPerClass = 1
	}
	return &Manager{
		hooks:          hooks,
		reg:            reg,
		tree:           tree,
		shardsPerClass: shardsPerClass,
		retainCapPages: retainCapPages,
		dirtyDecayMs:   dirtyDecayMs,
		muzzyDecayMs:   muzzyDecayMs,
		narenas:        narenas,
		percpuMode:     percpuMode,
	}
}

// Select implements the three-step auto-arena rule: per-CPU index if
// enabled, else the existing auto-arena with the fewest threads of kind k
// bound, else create a new one up to narenas. token is the calling
// thread's witness handle.
func (m *Manager) Select(token any, k ThreadKind, cpuHint int) *Arena {
	release := witness.Global.Acquire(token, witness.RankArenasGlobal)
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		release()
	}()

	switch m.percpuMode {
	case config.Percpu:
		idx := cpuHint % m.narenas
		return m.arenaLocked(idx)
	case config.Phycpu:
		// Hyperthread pairing: sibling logical CPUs share one arena, so
		// the hint is halved before reducing mod narenas.
		idx := (cpuHint / 2) % m.narenas
		return m.arenaLocked(idx)
	}

	var best *Arena
	bestCount := -1
	for _, a := range m.arenas {
		c := a.boundCount(k)
		if bestCount == -1 || c < bestCount {
			best, bestCount = a, c
		}
	}
	if best != nil && (len(m.arenas) >= m.narenas || bestCount == 0) {
		return best
	}
	if len(m.arenas) < m.narenas {
		return m.arenaLocked(len(m.arenas))
	}
	return best
}

// arenaLocked returns (creating if necessary) the arena at idx. Must be
// called with m.mu held.
func (m *Manager) arenaLocked(idx int) *Arena {
	for len(m.arenas) <= idx {
		i := uint32(len(m.arenas))
		m.arenas = append(m.arenas, New(i, m.hooks, m.reg, m.tree, m.shardsPerClass, m.retainCapPages, m.dirtyDecayMs, m.muzzyDecayMs))
	}
	return m.arenas[idx]
}

// hugeArenaIdx is the dedicated huge arena's index, chosen outside
// [0, narenas) so it never collides with an auto-arena slot.
const hugeArenaIdx = ^uint32(0)

// HugeArena returns (constructing lazily) a dedicated arena kept out of the
// normal per-thread auto-arena rotation. No allocation path in this module
// routes to it: malloc does not consult config's oversize_threshold. token
// is the calling thread's witness handle.
func (m *Manager) HugeArena(token any) *Arena {
	release := witness.Global.Acquire(token, witness.RankArenasGlobal)
	m.hugeMu.Lock()
	defer func() {
		m.hugeMu.Unlock()
		release()
	}()
	if m.hugeArena == nil {
		m.hugeArena = New(hugeArenaIdx, m.hooks, m.reg, m.tree, m.shardsPerClass, m.retainCapPages, m.dirtyDecayMs, m.muzzyDecayMs)
	}
	return m.hugeArena
}

// Arena returns the arena at idx, or nil if idx is out of range, for
// explicit-bind requests. token is the calling thread's witness handle.
func (m *Manager) Arena(token any, idx uint32) *Arena {
	if idx == hugeArenaIdx {
		m.hugeMu.Lock()
		defer m.hugeMu.Unlock()
		return m.hugeArena
	}

	release := witness.Global.Acquire(token, witness.RankArenasGlobal)
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		release()
	}()
	if int(idx) >= len(m.arenas) {
		return nil
	}
	return m.arenas[idx]
}

// Len reports how many arenas have been created so far.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arenas)
}

// DecayAll ticks every created arena's decay schedule once; called by the
// event engine's decay handler. token is the triggering thread's witness
// handle.
func (m *Manager) DecayAll(token any) {
	m.mu.Lock()
	arenas := make([]*Arena, len(m.arenas))
	copy(arenas, m.arenas)
	m.mu.Unlock()

	for _, a := range arenas {
		a.DecayTick(token)
	}
}

var nextArenaHint uint64

// NextCPUHint returns a cheap round-robin CPU hint for callers that have
// no real CPU-affinity signal to offer Select's percpu path (Go does not
// expose the running goroutine's CPU id).
func NextCPUHint() int {
	return int(atomic.AddUint64(&nextArenaHint, 1))
}
