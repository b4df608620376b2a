// Package rtree implements the extent index: a two-level radix tree keyed
// by page-aligned address, mapping every managed page to the extent that
// owns it, that extent's size-class index, and whether the extent is a
// slab. It offers both a dependent lookup (caller certifies the address is
// managed) and a non-dependent lookup (returns "unmanaged" cleanly), the
// latter accelerated by a bloom filter that rejects foreign pointers
// without walking the tree at all.
package rtree

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/goalloc/base"
	"github.com/nmxmxh/goalloc/sizeclass"
)

const (
	// lgPage matches sizeclass.LgPage; pages below this granularity are
	// never individually tracked.
	lgPage = sizeclass.LgPage

	// rootBits/leafBits together bound the addressable page-index space
	// this tree can index: 2^(rootBits+leafBits) pages. 16+8 = 24 bits of
	// page index at a 4 KiB page covers 64 GiB of arena address space,
	// ample for a demo/library allocator without the multi-gigabyte root
	// table a full 48-bit VA space would need.
	rootBits = 16
	leafBits = 8

	rootSize = 1 << rootBits
	leafSize = 1 << leafBits
	leafMask = leafSize - 1

	// Packed entry layout within one uint64 leaf slot.
	extentIDBits   = 32
	sizeClassBits  = 16
	extentIDMask   = uint64(1)<<extentIDBits - 1
	sizeClassShift = extentIDBits
	sizeClassMask  = uint64(1)<<sizeClassBits - 1
	isSlabShift    = extentIDBits + sizeClassBits
	isSlabBit      = uint64(1) << isSlabShift
)

// Entry is one radix-tree leaf's decoded contents.
type Entry struct {
	ExtentID  uint32 // stable index into the extent package's registry; 0 means absent
	SizeClass uint16
	IsSlab    bool
}

func (e Entry) pack() uint64 {
	v := uint64(e.ExtentID) & extentIDMask
	v |= (uint64(e.SizeClass) & sizeClassMask) << sizeClassShift
	if e.IsSlab {
		v |= isSlabBit
	}
	return v
}

func unpack(v uint64) Entry {
	return Entry{
		ExtentID:  uint32(v & extentIDMask),
		SizeClass: uint16((v >> sizeClassShift) & sizeClassMask),
		IsSlab:    v&isSlabBit != 0,
	}
}

// Tree is the global radix-tree index. The root array is a fixed Go slice
// of atomic leaf-base addresses; leaves are allocated lazily from base on
// first insert into a given root slot and never freed (mirroring base's
// own monotonic lifetime).
type Tree struct {
	base *base.Base

	root []uintptr // atomic; 0 means "leaf not yet allocated"
	mu   sync.Mutex // serializes lazy leaf creation (CAS still resolves races)

	filterMu sync.Mutex
	filter   *bloom.BloomFilter // negative existence cache, page-index keyed
}

// New constructs an empty Tree. b is used to carve leaf node storage;
// capacityHint sizes the bloom filter (expected concurrently-managed pages).
func New(b *base.Base, capacityHint uint) *Tree {
	if capacityHint == 0 {
		capacityHint = 1 << 16
	}
	return &Tree{
		base:   b,
		root:   make([]uintptr, rootSize),
		filter: bloom.NewWithEstimates(capacityHint, 0.01),
	}
}

func split(addr uintptr) (rootIdx, leafIdx uint32) {
	pageIdx := uint64(addr) >> lgPage
	rootIdx = uint32((pageIdx >> leafBits) & (rootSize - 1))
	leafIdx = uint32(pageIdx & leafMask)
	return
}

func (t *Tree) rootSlot(idx uint32) *uintptr {
	return &t.root[idx]
}

// leafFor returns the leaf array for rootIdx, allocating it from base on
// first use. The leaf is an array of leafSize uint64 packed entries, backed
// by raw (non-GC-managed) page memory from base — safe because every value
// stored is plain data, never a Go pointer.
func (t *Tree) leafFor(rootIdx uint32) (*[leafSize]uint64, error) {
	slot := t.rootSlot(rootIdx)
	if addr := atomic.LoadUintptr(slot); addr != 0 {
		return (*[leafSize]uint64)(unsafe.Pointer(addr)), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if addr := atomic.LoadUintptr(slot); addr != 0 {
		return (*[leafSize]uint64)(unsafe.Pointer(addr)), nil
	}

	addr, err := t.base.Alloc(leafSize*8, 8)
	if err != nil {
		return nil, err
	}
	leaf := (*[leafSize]uint64)(unsafe.Pointer(addr))
	*leaf = [leafSize]uint64{} // zero fresh metadata memory
	atomic.StoreUintptr(slot, addr)
	return leaf, nil
}

// Insert registers addr as owned by entry, allocating a leaf node if this
// is the first insert in its root slot.
func (t *Tree) Insert(addr uintptr, e Entry) error {
	rootIdx, leafIdx := split(addr)
	leaf, err := t.leafFor(rootIdx)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&leaf[leafIdx], e.pack())

	pageIdx := uint64(addr) >> lgPage
	t.filterMu.Lock()
	t.filter.Add(pageIndexKey(pageIdx))
	t.filterMu.Unlock()
	return nil
}

// Update overwrites an existing entry in place (used by split/coalesce/
// state-change bookkeeping). It is a no-op, performance-wise, against an
// address whose leaf hasn't been allocated yet — such an address was never
// inserted and Update should not be called for it.
func (t *Tree) Update(addr uintptr, e Entry) {
	rootIdx, leafIdx := split(addr)
	slot := t.rootSlot(rootIdx)
	leafAddr := atomic.LoadUintptr(slot)
	if leafAddr == 0 {
		return
	}
	leaf := (*[leafSize]uint64)(unsafe.Pointer(leafAddr))
	atomic.StoreUint64(&leaf[leafIdx], e.pack())
}

// Remove clears addr's entry. The bloom filter retains the stale positive
// (bloom filters support no removal); a subsequent non-dependent Lookup for
// this address simply falls through to the real tree and correctly
// observes absence, at the cost of one avoidable tree walk.
func (t *Tree) Remove(addr uintptr) {
	t.Update(addr, Entry{})
}

// Lookup is the non-dependent access shape: returns (entry, true) if addr
// is currently managed, or (zero, false) if not. Foreign pointers are
// rejected by the bloom filter without touching the tree at all.
func (t *Tree) Lookup(addr uintptr) (Entry, bool) {
	pageIdx := uint64(addr) >> lgPage

	t.filterMu.Lock()
	maybePresent := t.filter.Test(pageIndexKey(pageIdx))
	t.filterMu.Unlock()
	if !maybePresent {
		return Entry{}, false
	}

	rootIdx, leafIdx := split(addr)
	slot := t.rootSlot(rootIdx)
	leafAddr := atomic.LoadUintptr(slot)
	if leafAddr == 0 {
		return Entry{}, false
	}
	leaf := (*[leafSize]uint64)(unsafe.Pointer(leafAddr))
	v := atomic.LoadUint64(&leaf[leafIdx])
	e := unpack(v)
	if e.ExtentID == 0 {
		return Entry{}, false
	}
	return e, true
}

// LookupDependent is the dependent access shape: the caller certifies addr
// is currently managed (it came out of a live allocation), so the bloom
// filter and the absent-entry check are skipped. Calling this on an
// unmanaged address is a caller bug and returns the zero Entry (a missing
// leaf or an empty slot) rather than panicking.
func (t *Tree) LookupDependent(addr uintptr) Entry {
	rootIdx, leafIdx := split(addr)
	leafAddr := atomic.LoadUintptr(t.rootSlot(rootIdx))
	if leafAddr == 0 {
		return Entry{}
	}
	leaf := (*[leafSize]uint64)(unsafe.Pointer(leafAddr))
	return unpack(atomic.LoadUint64(&leaf[leafIdx]))
}

// pageIndexKey renders a page index as the byte key the bloom filter hashes.
func pageIndexKey(pageIdx uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pageIdx >> (8 * i))
	}
	return b[:]
}
