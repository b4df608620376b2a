// Package pagehooks implements the page-hook capability vtable the extent
// layer grows and shrinks through: reserve/release/commit/decommit/purge at
// page granularity, plus the split/merge bookkeeping hooks. The default
// implementation backs onto real mmap/munmap/mprotect/madvise via
// golang.org/x/sys/unix.
package pagehooks

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sony/gobreaker"
	"golang.org/x/sys/unix"

	"github.com/nmxmxh/goalloc/errs"
)

// Hooks is the capability vtable the extent layer depends on. Every address
// and length here is in bytes and must already be page-aligned; the extent
// layer is responsible for that alignment before calling in.
type Hooks interface {
	// Reserve asks for n bytes of address space, optionally placed near
	// addrHint, aligned to alignment, and committed immediately if commit
	// is true. Returns the granted address and whether it came back
	// committed (the hook may commit eagerly even if not asked to).
	Reserve(addrHint uintptr, n uintptr, alignment uintptr, commit bool) (addr uintptr, committed bool, err error)
	// Release returns n bytes at addr to the OS entirely (unmap).
	Release(addr uintptr, n uintptr) error
	// Commit backs the [addr+offset, addr+offset+n) range with physical
	// pages (readable/writable).
	Commit(addr uintptr, offset uintptr, n uintptr) error
	// Decommit releases the physical backing of [addr+offset,
	// addr+offset+n) but keeps the address range reserved.
	Decommit(addr uintptr, offset uintptr, n uintptr) error
	// PurgeLazy advises the OS it may reclaim [addr+offset, ...+n)
	// lazily (contents may or may not survive). Returns false if the
	// platform cannot honor the request.
	PurgeLazy(addr uintptr, offset uintptr, n uintptr) bool
	// PurgeForced reclaims [addr+offset, ...+n) immediately, guaranteeing
	// zeroed contents on next touch. Returns false on failure.
	PurgeForced(addr uintptr, offset uintptr, n uintptr) bool
	// Split records that the nTotal-byte range at addr is now logically
	// two ranges of nA and nB bytes; no physical change is required since
	// the two halves are already contiguous.
	Split(addr uintptr, nTotal uintptr, nA uintptr, nB uintptr, committed bool) error
	// Merge records that the adjacent ranges (addrA, nA) and (addrB, nB)
	// are now one logical range.
	Merge(addrA uintptr, nA uintptr, addrB uintptr, nB uintptr, committed bool) error
}

// osHooks is the default Hooks implementation, backed by real mmap/munmap/
// mprotect/madvise. A circuit breaker guards Reserve: a run of OS refusals
// (ENOMEM, EAGAIN) opens the breaker so concurrently-growing arenas fail
// fast instead of hammering mmap in a retry storm.
type osHooks struct {
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex // serializes the mmap/munmap syscalls themselves
}

// New returns the default OS-backed Hooks implementation.
func New() Hooks {
	h := &osHooks{}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pagehooks.reserve",
		MaxRequests: 1,
		Interval:    0, // never clear counts while closed
		Timeout:     0, // use default half-open wait
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return h
}

func (h *osHooks) Reserve(addrHint uintptr, n uintptr, alignment uintptr, commit bool) (uintptr, bool, error) {
	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.reserveOnce(addrHint, n, alignment, commit)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, false, errs.Wrap(errs.ErrOutOfMemory, "page grant breaker open")
		}
		return 0, false, err
	}
	r := result.(reserveResult)
	return r.addr, r.committed, nil
}

type reserveResult struct {
	addr      uintptr
	committed bool
}

func (h *osHooks) reserveOnce(addrHint uintptr, n uintptr, alignment uintptr, commit bool) (reserveResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	// Over-reserve to satisfy alignment > page size.
	reserveSize := int(n)
	if alignment > uintptr(unix.Getpagesize()) {
		reserveSize += int(alignment)
	}

	data, err := unix.Mmap(-1, 0, reserveSize, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return reserveResult{}, errs.Wrap(errs.ErrOutOfMemory, fmt.Sprintf("mmap %d bytes: %v", reserveSize, err))
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	aligned := alignUp(base, alignment)
	if aligned != base && alignment > uintptr(unix.Getpagesize()) {
		// nothing is trimmed: the unaligned head and the trailing slack
		// both stay mapped, outside the [aligned, aligned+n) range handed
		// back to the caller.
	}

	return reserveResult{addr: aligned, committed: commit}, nil
}

func alignUp(addr uintptr, alignment uintptr) uintptr {
	if alignment <= 1 {
		return addr
	}
	return (addr + alignment - 1) &^ (alignment - 1)
}

func (h *osHooks) Release(addr uintptr, n uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := bytesAt(addr, n)
	if err := unix.Munmap(b); err != nil {
		return errs.Wrap(errs.ErrCorruption, fmt.Sprintf("munmap %#x/%d: %v", addr, n, err))
	}
	return nil
}

func (h *osHooks) Commit(addr uintptr, offset uintptr, n uintptr) error {
	if err := unix.Mprotect(bytesAt(addr+offset, n), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errs.Wrap(errs.ErrOutOfMemory, fmt.Sprintf("mprotect commit %#x/%d: %v", addr+offset, n, err))
	}
	return nil
}

func (h *osHooks) Decommit(addr uintptr, offset uintptr, n uintptr) error {
	b := bytesAt(addr+offset, n)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return errs.Wrap(errs.ErrCorruption, fmt.Sprintf("mprotect decommit %#x/%d: %v", addr+offset, n, err))
	}
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
	return nil
}

func (h *osHooks) PurgeLazy(addr uintptr, offset uintptr, n uintptr) bool {
	b := bytesAt(addr+offset, n)
	return unix.Madvise(b, unix.MADV_FREE) == nil
}

func (h *osHooks) PurgeForced(addr uintptr, offset uintptr, n uintptr) bool {
	b := bytesAt(addr+offset, n)
	return unix.Madvise(b, unix.MADV_DONTNEED) == nil
}

func (h *osHooks) Split(addr uintptr, nTotal uintptr, nA uintptr, nB uintptr, committed bool) error {
	if nA+nB != nTotal {
		return errs.Wrap(errs.ErrCorruption, "split: parts do not sum to whole")
	}
	return nil
}

func (h *osHooks) Merge(addrA uintptr, nA uintptr, addrB uintptr, nB uintptr, committed bool) error {
	if addrA+nA != addrB {
		return errs.Wrap(errs.ErrCorruption, "merge: ranges are not adjacent")
	}
	return nil
}

// bytesAt views the page range [addr, addr+n) as a byte slice without a
// copy, for handing to unix syscalls that take []byte.
func bytesAt(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}
