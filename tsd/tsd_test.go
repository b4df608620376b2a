package tsd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/tcache"
)

type fakeSource struct{}

func (f *fakeSource) AllocSmall(token any, classIdx, shardIdx int) (uintptr, *extent.Extent, error) {
	return 16, &extent.Extent{}, nil
}
func (f *fakeSource) FreeSmall(token any, classIdx, shardIdx int, e *extent.Extent, addr uintptr) error {
	return nil
}
func (f *fakeSource) AllocLarge(token any, classIdx int) (uintptr, *extent.Extent, error) {
	return 4096, &extent.Extent{}, nil
}
func (f *fakeSource) FreeLarge(token any, e *extent.Extent) error { return nil }

func newTestCache() *tcache.Cache {
	return tcache.New(&fakeSource{}, 0, 20)
}

func TestNewStartsUninitialized(t *testing.T) {
	h := New(0, 0)
	assert.Equal(t, StateUninitialized, h.State())
	assert.False(t, h.FastPathEligible())
}

func TestBindMovesToNominal(t *testing.T) {
	h := New(0, 0)
	tc := newTestCache()
	h.Bind(tc)
	assert.Equal(t, StateNominal, h.State())
	assert.Same(t, tc, h.Tcache)
}

func TestSetStateNonNominalZeroesFastThreshold(t *testing.T) {
	h := New(0, 0)
	h.Bind(newTestCache())
	h.SetFastThreshold(4096)
	assert.True(t, h.FastPathEligible())

	h.SetState(StateDisabled)
	assert.Zero(t, h.FastThreshold())
	assert.False(t, h.FastPathEligible())
}

func TestReentrancyBlocksFastPath(t *testing.T) {
	h := New(0, 0)
	h.Bind(newTestCache())
	h.SetFastThreshold(4096)

	assert.True(t, h.FastPathEligible())
	h.EnterReentrant()
	assert.False(t, h.FastPathEligible())
	h.ExitReentrant()
	assert.True(t, h.FastPathEligible())
}

func TestAccumulators(t *testing.T) {
	h := New(0, 0)
	assert.Equal(t, uint64(16), h.AddAllocated(16))
	assert.Equal(t, uint64(32), h.AddAllocated(16))
	assert.Equal(t, uint64(8), h.AddDeallocated(8))
	assert.Equal(t, uint64(32), h.Allocated())
	assert.Equal(t, uint64(8), h.Deallocated())
}
