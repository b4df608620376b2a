// Package base implements the base allocator: a single-mutex bump allocator
// that serves internal bookkeeping records (extent records, bin arrays,
// radix-tree nodes) from page ranges carved off a dedicated non-application
// arena. Base never returns memory; its footprint is monotonic for the life
// of the process.
package base

import (
	"sync"

	"github.com/nmxmxh/goalloc/errs"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/sizeclass"
)

// growStep is the number of pages requested from the page hooks each time
// the base allocator needs to extend its backing store.
const growStep = 16 // 16 pages == 64 KiB at the default 4 KiB page size

// Base is a monotonic bump allocator. Zero value is not usable; construct
// with New.
type Base struct {
	mu sync.Mutex

	hooks pagehooks.Hooks

	// blocks holds every page range ever reserved from the hooks, in
	// acquisition order. Only the last block is ever bumped into; earlier
	// blocks are retained purely so their backing memory stays referenced
	// and reachable (this is metadata memory, it never needs to move).
	blocks []block

	allocated uint64 // bookkeeping bytes handed out, for stats
	reserved  uint64 // bookkeeping bytes reserved from the OS
}

type block struct {
	addr uintptr
	size uintptr
	used uintptr
}

// New constructs a Base allocator using hooks for page growth.
func New(hooks pagehooks.Hooks) *Base {
	return &Base{hooks: hooks}
}

// Alloc reserves size bytes aligned to alignment (which must be a power of
// two) from the base allocator's bump region, growing from the page hooks
// if the current block is exhausted. The base allocator must never be
// reentered from within a hook call that it itself drove; callers (the
// extent/radix-tree layers) never call back into Base while one of its
// hook calls is outstanding, since Alloc already holds its own mutex for
// the whole operation and a reentrant call would deadlock.
func (b *Base) Alloc(size uintptr, alignment uintptr) (uintptr, error) {
	if size == 0 {
		return 0, errs.Wrap(errs.ErrInvalidArgument, "base: zero-size allocation")
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, errs.Wrap(errs.ErrInvalidArgument, "base: alignment must be a power of two")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.blocks); n > 0 {
		if addr, ok := b.tryBump(&b.blocks[n-1], size, alignment); ok {
			b.allocated += uint64(size)
			return addr, nil
		}
	}

	if err := b.grow(size, alignment); err != nil {
		return 0, err
	}

	blk := &b.blocks[len(b.blocks)-1]
	addr, ok := b.tryBump(blk, size, alignment)
	if !ok {
		return 0, errs.Wrap(errs.ErrOutOfMemory, "base: freshly grown block cannot satisfy request")
	}
	b.allocated += uint64(size)
	return addr, nil
}

func (b *Base) tryBump(blk *block, size uintptr, alignment uintptr) (uintptr, bool) {
	start := alignUp(blk.addr+blk.used, alignment)
	end := start + size
	if end > blk.addr+blk.size {
		return 0, false
	}
	blk.used = end - blk.addr
	return start, true
}

func (b *Base) grow(size uintptr, alignment uintptr) error {
	pages := growStep
	for uintptr(pages)*sizeclass.PageSize < size+alignment {
		pages *= 2
	}
	n := uintptr(pages) * sizeclass.PageSize

	addr, committed, err := b.hooks.Reserve(0, n, alignment, true)
	if err != nil {
		return errs.Wrap(err, "base: growing backing store")
	}
	if !committed {
		if err := b.hooks.Commit(addr, 0, n); err != nil {
			return errs.Wrap(err, "base: committing freshly reserved block")
		}
	}

	b.blocks = append(b.blocks, block{addr: addr, size: n})
	b.reserved += uint64(n)
	return nil
}

func alignUp(addr uintptr, alignment uintptr) uintptr {
	if alignment <= 1 {
		return addr
	}
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Stats reports the base allocator's bookkeeping footprint.
type Stats struct {
	Allocated uint64 // bytes handed out to callers
	Reserved  uint64 // bytes reserved from the OS (allocated + internal slack)
}

// Stats returns a snapshot of the base allocator's counters.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Allocated: b.allocated, Reserved: b.reserved}
}
