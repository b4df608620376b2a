// Package tsd implements the explicit thread-state handle the rest of the
// allocator threads through every call. Go has no implicit thread-local
// storage, so where the original design reads an ambient per-thread
// structure, this codebase requires the caller to hold and pass a *TSD —
// one created per goroutine that allocates, exactly as a systems caller
// would create one per OS thread.
package tsd

import (
	"sync/atomic"

	"github.com/nmxmxh/goalloc/tcache"
)

// State is a TSD's position in the thread lifecycle state machine. Only
// Nominal participates in the fast path; every other state makes
// FastPathEligible report false. Nothing else consults the state: the slow
// path uses an attached tcache in any state.
type State int32

const (
	StateUninitialized State = iota
	StateNominal
	StateDisabled
	StateReincarnated
	StatePurgatory
)

// TSD is one thread's (goroutine's) allocator-visible state: its bound
// arena and shard, its tcache, the two byte accumulators the thread-event
// engine watches, the fast-threshold shadow, and the reentrancy level.
type TSD struct {
	ArenaIdx uint32
	ShardIdx int
	Tcache   *tcache.Cache

	state State

	// allocated/deallocated are the two accumulators the event engine
	// drives; reentrancy guards recursive hook/profiling-callback entry.
	allocated   uint64
	deallocated uint64
	reentrancy  int32

	// fastThreshold is the single-comparison fast-path shadow: when zero,
	// the thread is in a non-nominal state and the slow path is always
	// taken. Updated with a release store from any thread that changes
	// this TSD's nominal-ness (normally just the owner, but the decay/
	// event engine may force a transition), observed with an acquire load
	// on the fast path so a slow-path transition is never missed.
	fastThreshold uint64
}

// New constructs a TSD bound to arenaIdx/shardIdx, starting in state
// Uninitialized; callers transition to Nominal once a tcache is attached.
func New(arenaIdx uint32, shardIdx int) *TSD {
	return &TSD{ArenaIdx: arenaIdx, ShardIdx: shardIdx, state: StateUninitialized}
}

// Bind attaches cache and moves the TSD to Nominal.
func (t *TSD) Bind(cache *tcache.Cache) {
	t.Tcache = cache
	t.SetState(StateNominal)
}

// State returns the current lifecycle state.
func (t *TSD) State() State {
	return State(atomic.LoadInt32((*int32)(&t.state)))
}

// SetState transitions the TSD and updates the fast-threshold shadow
// accordingly: any non-nominal state zeroes it, forcing the slow path.
func (t *TSD) SetState(s State) {
	atomic.StoreInt32((*int32)(&t.state), int32(s))
	if s != StateNominal {
		atomic.StoreUint64(&t.fastThreshold, 0)
	}
}

// EnterReentrant increments the reentrancy level; a level above zero makes
// FastPathEligible report false. Nothing else consults the level: the slow
// path still uses the tcache and the thread's bound arena.
func (t *TSD) EnterReentrant() {
	atomic.AddInt32(&t.reentrancy, 1)
}

// ExitReentrant decrements the reentrancy level.
func (t *TSD) ExitReentrant() {
	atomic.AddInt32(&t.reentrancy, -1)
}

// ReentrancyLevel returns the current reentrancy depth.
func (t *TSD) ReentrancyLevel() int32 {
	return atomic.LoadInt32(&t.reentrancy)
}

// FastPathEligible reports whether the fast path may be attempted: nominal
// state, zero reentrancy, non-zero fast threshold.
func (t *TSD) FastPathEligible() bool {
	return t.State() == StateNominal &&
		t.ReentrancyLevel() == 0 &&
		atomic.LoadUint64(&t.fastThreshold) != 0
}

// SetFastThreshold installs a new fast-path byte threshold. A zero value
// disables the fast path until a later call installs a non-zero one.
func (t *TSD) SetFastThreshold(v uint64) {
	atomic.StoreUint64(&t.fastThreshold, v)
}

// FastThreshold reads the current threshold.
func (t *TSD) FastThreshold() uint64 {
	return atomic.LoadUint64(&t.fastThreshold)
}

// AddAllocated increments the allocated-bytes accumulator and returns the
// new total, for the caller to compare against FastThreshold.
func (t *TSD) AddAllocated(n uint64) uint64 {
	return atomic.AddUint64(&t.allocated, n)
}

// AddDeallocated increments the deallocated-bytes accumulator.
func (t *TSD) AddDeallocated(n uint64) uint64 {
	return atomic.AddUint64(&t.deallocated, n)
}

// Allocated/Deallocated report the two accumulators (for the event engine
// and for stats).
func (t *TSD) Allocated() uint64   { return atomic.LoadUint64(&t.allocated) }
func (t *TSD) Deallocated() uint64 { return atomic.LoadUint64(&t.deallocated) }
