// Package extent implements the page-level extent layer: extent records
// and their registry, the per-arena dirty/muzzy/retained caches with
// best-fit allocation and address-order coalescing, the large-object path,
// and a decay scheduler that purges aged cache backlog over time.
//
// Extents are referenced by a stable uint32 ID rather than by pointer — the
// registry is the one place that holds the actual *Extent and keeps it
// reachable for the garbage collector; the radix tree and the caches store
// the ID, per the redesign note favoring dense arrays with stable indices
// over intrusive pointer structures. The bin and tcache layers hold the
// *Extent the registry returns.
package extent

import (
	"sync"

	"github.com/nmxmxh/goalloc/sizeclass"
)

// State is an extent's position in the reserved→active→dirty→muzzy→
// retained lifecycle.
type State uint8

const (
	StateReserved State = iota
	StateActive
	StateDirty
	StateMuzzy
	StateRetained
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateActive:
		return "active"
	case StateDirty:
		return "dirty"
	case StateMuzzy:
		return "muzzy"
	case StateRetained:
		return "retained"
	default:
		return "unknown"
	}
}

// Extent is a page-aligned range of virtual memory and its metadata.
type Extent struct {
	ID       uint32
	Addr     uintptr
	Pages    uint32
	ArenaIdx uint32

	State     State
	IsSlab    bool
	SizeClass uint16 // sizeclass index; meaningful once IsSlab or registered as large
	Committed bool
	Huge      bool // not set by any code path in this module; always false

	// Slab-only bookkeeping. Owned here per the data model (the extent
	// carries its own free-region bitmap); the bin package reads and
	// mutates it while holding the owning bin shard's lock.
	Bitmap    []uint64
	FreeCount uint32
}

// Bytes returns the extent's size in bytes.
func (e *Extent) Bytes() uintptr {
	return uintptr(e.Pages) * sizeclass.PageSize
}

// Registry is the dense, ID-indexed store of every extent record that has
// ever been created. ID 0 is never issued (it doubles as the radix tree's
// "absent" sentinel); destroyed extents' IDs are recycled via a free list.
type Registry struct {
	mu      sync.Mutex
	records []*Extent // records[0] is always nil
	free    []uint32
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make([]*Extent, 1)}
}

// Create allocates a fresh extent record in state Reserved.
func (r *Registry) Create(addr uintptr, pages uint32, arenaIdx uint32, committed bool) *Extent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint32
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		id = uint32(len(r.records))
		r.records = append(r.records, nil)
	}

	e := &Extent{ID: id, Addr: addr, Pages: pages, ArenaIdx: arenaIdx, State: StateReserved, Committed: committed}
	r.records[id] = e
	return e
}

// Get returns the extent record for id, or nil if id is 0 or has been
// destroyed.
func (r *Registry) Get(id uint32) *Extent {
	if id == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.records) {
		return nil
	}
	return r.records[id]
}

// Destroy removes id from the registry and recycles its slot.
func (r *Registry) Destroy(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.records) {
		return
	}
	r.records[id] = nil
	r.free = append(r.free, id)
}
