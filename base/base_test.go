package base

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/pagehooks"
)

// fakeHooks backs Reserve with a plain Go byte slice instead of a real
// mmap, so tests can exercise the bump/grow logic deterministically without
// touching the OS.
type fakeHooks struct {
	arenas [][]byte
}

func (f *fakeHooks) Reserve(_ uintptr, n uintptr, _ uintptr, commit bool) (uintptr, bool, error) {
	buf := make([]byte, n)
	f.arenas = append(f.arenas, buf)
	return uintptr(unsafe.Pointer(&buf[0])), commit, nil
}
func (f *fakeHooks) Release(uintptr, uintptr) error                      { return nil }
func (f *fakeHooks) Commit(uintptr, uintptr, uintptr) error              { return nil }
func (f *fakeHooks) Decommit(uintptr, uintptr, uintptr) error            { return nil }
func (f *fakeHooks) PurgeLazy(uintptr, uintptr, uintptr) bool            { return true }
func (f *fakeHooks) PurgeForced(uintptr, uintptr, uintptr) bool          { return true }
func (f *fakeHooks) Split(uintptr, uintptr, uintptr, uintptr, bool) error { return nil }
func (f *fakeHooks) Merge(uintptr, uintptr, uintptr, uintptr, bool) error { return nil }

var _ pagehooks.Hooks = (*fakeHooks)(nil)

func TestAllocBumpsWithinBlock(t *testing.T) {
	b := New(&fakeHooks{})

	a1, err := b.Alloc(64, 8)
	require.NoError(t, err)

	a2, err := b.Alloc(64, 8)
	require.NoError(t, err)

	assert.Equal(t, a1+64, a2, "second allocation should immediately follow the first")

	stats := b.Stats()
	assert.Equal(t, uint64(128), stats.Allocated)
}

func TestAllocRespectsAlignment(t *testing.T) {
	b := New(&fakeHooks{})

	_, err := b.Alloc(3, 8) // misaligns the bump pointer by 3 bytes
	require.NoError(t, err)

	a2, err := b.Alloc(16, 16)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), a2%16)
}

func TestAllocGrowsOnExhaustion(t *testing.T) {
	b := New(&fakeHooks{})

	// First grow step is 16 pages; request something larger so the grow
	// doubles its step until the request fits.
	big, err := b.Alloc(uintptr(growStep)*4096+1, 8)
	require.NoError(t, err)
	assert.NotZero(t, big)

	stats := b.Stats()
	assert.GreaterOrEqual(t, stats.Reserved, uint64(growStep)*4096)
}

func TestAllocRejectsZeroSize(t *testing.T) {
	b := New(&fakeHooks{})
	_, err := b.Alloc(0, 8)
	assert.Error(t, err)
}

func TestAllocRejectsBadAlignment(t *testing.T) {
	b := New(&fakeHooks{})
	_, err := b.Alloc(16, 3)
	assert.Error(t, err)
}
