// Package tcache implements the per-thread cache: for each cached size
// class, a bounded LIFO stack of pointers with a low-water mark, refilled
// from and flushed to the owning arena's bin shards (small classes) or
// extent pool (large, tcache-able classes). Flushes and small-class refills
// go in batches; large classes are refilled one pointer at a time.
package tcache

import (
	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/sizeclass"
)

// flushDiv determines how much of a stack is returned to its bin/extent
// owner on overflow: ncachedMax(i) >> flushDiv pointers are flushed,
// keeping the rest cached. A value of 1 flushes half.
const flushDiv = 1

// BinSource is the set of arena operations tcache needs to refill from and
// flush to, kept as an interface so this package never imports arena.
type BinSource interface {
	AllocSmall(token any, classIdx int, shardIdx int) (uintptr, *extent.Extent, error)
	FreeSmall(token any, classIdx int, shardIdx int, e *extent.Extent, addr uintptr) error
	AllocLarge(token any, classIdx int) (uintptr, *extent.Extent, error)
	FreeLarge(token any, e *extent.Extent) error
}

type cachedPtr struct {
	addr uintptr
	ext  *extent.Extent
}

type stack struct {
	items []cachedPtr
	low   int // minimum depth observed since the last GC tick
}

func (s *stack) noteDepth() {
	if len(s.items) < s.low {
		s.low = len(s.items)
	}
}

// Cache is one thread's tcache. MaxClass is the tcache ceiling
// (tcache_maxclass's size-class index); classes above it always bypass the
// cache. Disabled makes Alloc and Free report a bypass; nothing in this
// module sets it.
type Cache struct {
	src      BinSource
	shardIdx int
	maxClass int
	Disabled bool

	stacks []stack
}

// New constructs a Cache bound to shardIdx, caching classes 0..maxClass
// inclusive.
func New(src BinSource, shardIdx int, maxClass int) *Cache {
	return &Cache{
		src:      src,
		shardIdx: shardIdx,
		maxClass: maxClass,
		stacks:   make([]stack, maxClass+1),
	}
}

// Cacheable reports whether classIdx is within this cache's ceiling.
func (c *Cache) Cacheable(classIdx int) bool {
	return classIdx <= c.maxClass
}

// ncachedMax is the Open Question #2 decision: small classes scale with
// their slab's region count; tcache-able large classes get a flat count.
func ncachedMax(classIdx int, isSmall bool) int {
	if !isSmall {
		return 8
	}
	_, regions := sizeclass.SlabGeometry(classIdx)
	n := int(4 * regions)
	if n < 20 {
		n = 20
	}
	return n
}

// Alloc pops a cached pointer for classIdx, refilling in a batch from the
// bin shard (small) or extent pool (large) on a stack-empty miss. token is
// the owning thread's witness handle, passed through to src unchanged —
// tcache itself takes no locks, so it never calls witness directly.
func (c *Cache) Alloc(token any, classIdx int, isSmall bool) (uintptr, *extent.Extent, error) {
	if c.Disabled || !c.Cacheable(classIdx) {
		return 0, nil, errs.Wrap(errs.ErrInvalidArgument, "tcache: class bypasses cache")
	}

	s := &c.stacks[classIdx]
	if n := len(s.items); n > 0 {
		item := s.items[n-1]
		s.items = s.items[:n-1]
		s.noteDepth()
		return item.addr, item.ext, nil
	}

	if err := c.fill(token, classIdx, isSmall); err != nil {
		return 0, nil, err
	}
	s = &c.stacks[classIdx]
	if len(s.items) == 0 {
		return 0, nil, errs.Wrap(errs.ErrOutOfMemory, "tcache: refill produced no pointers")
	}
	n := len(s.items)
	item := s.items[n-1]
	s.items = s.items[:n-1]
	s.noteDepth()
	return item.addr, item.ext, nil
}

// fill performs the refill pass: up to ncachedMax(i) allocations from the
// owning bin shard for a small class, one thread doing all the pops
// back-to-back rather than interleaving with other work; a large class is
// refilled with a single extent-pool allocation.
func (c *Cache) fill(token any, classIdx int, isSmall bool) error {
	n := ncachedMax(classIdx, isSmall)
	if !isSmall {
		n = 1
	}
	s := &c.stacks[classIdx]
	for i := 0; i < n; i++ {
		var (
			addr uintptr
			ext  *extent.Extent
			err  error
		)
		if isSmall {
			addr, ext, err = c.src.AllocSmall(token, classIdx, c.shardIdx)
		} else {
			addr, ext, err = c.src.AllocLarge(token, classIdx)
		}
		if err != nil {
			if i == 0 {
				return err
			}
			break
		}
		s.items = append(s.items, cachedPtr{addr: addr, ext: ext})
	}
	return nil
}

// Free pushes addr (owned by e) onto classIdx's stack, flushing the bottom
// ncachedMax(i) >> flushDiv pointers back to the owner on overflow. The
// caller must only cache pointers owned by the arena this Cache is bound
// to (malloc's free path enforces this by bypassing tcache entirely for
// cross-arena frees). A pointer already on the stack is rejected as a
// double free.
func (c *Cache) Free(token any, classIdx int, isSmall bool, e *extent.Extent, addr uintptr) error {
	if c.Disabled || !c.Cacheable(classIdx) {
		return errs.Wrap(errs.ErrInvalidArgument, "tcache: class bypasses cache")
	}

	s := &c.stacks[classIdx]
	for _, it := range s.items {
		if it.addr == addr {
			return errs.Wrap(errs.ErrCorruption, "tcache: double free")
		}
	}
	s.items = append(s.items, cachedPtr{addr: addr, ext: e})
	s.noteDepth()

	max := ncachedMax(classIdx, isSmall)
	if len(s.items) <= max {
		return nil
	}
	return c.flush(token, classIdx, isSmall, max>>flushDiv)
}

// flush returns the bottom count pointers of classIdx's stack to the
// owning bin shard or extent pool.
func (c *Cache) flush(token any, classIdx int, isSmall bool, count int) error {
	s := &c.stacks[classIdx]
	if count <= 0 || count > len(s.items) {
		count = len(s.items)
	}
	victims := s.items[:count]
	rest := make([]cachedPtr, len(s.items)-count)
	copy(rest, s.items[count:])
	s.items = rest

	for _, v := range victims {
		var err error
		if isSmall {
			err = c.src.FreeSmall(token, classIdx, c.shardIdx, v.ext, v.addr)
		} else {
			err = c.src.FreeLarge(token, v.ext)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GCTick shrinks classIdx's stack toward its low-water mark: the minimum
// depth observed since the last tick is demonstrably unused and is
// returned to the bin/extent owner. Called by the event package's
// tcache-GC handler, not from the allocation/free fast path.
func (c *Cache) GCTick(token any, classIdx int, isSmall bool) error {
	s := &c.stacks[classIdx]
	if s.low == 0 {
		s.low = len(s.items)
		return nil
	}
	if err := c.flush(token, classIdx, isSmall, s.low); err != nil {
		return err
	}
	s.low = len(s.items)
	return nil
}

// Flush drains every cached pointer for classIdx back to its owner,
// called on thread exit or explicit tcache destruction.
func (c *Cache) Flush(token any, classIdx int, isSmall bool) error {
	return c.flush(token, classIdx, isSmall, len(c.stacks[classIdx].items))
}

// Depth reports the current cached pointer count for classIdx (for stats).
func (c *Cache) Depth(classIdx int) int {
	return len(c.stacks[classIdx].items)
}
