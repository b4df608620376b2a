package tcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/extent"
)

type fakeSource struct {
	nextAddr uintptr
	smallErr error
	largeErr error

	freedSmall []uintptr
	freedLarge []uintptr
}

func (f *fakeSource) AllocSmall(token any, classIdx int, shardIdx int) (uintptr, *extent.Extent, error) {
	if f.smallErr != nil {
		return 0, nil, f.smallErr
	}
	f.nextAddr += 16
	return f.nextAddr, &extent.Extent{}, nil
}

func (f *fakeSource) FreeSmall(token any, classIdx int, shardIdx int, e *extent.Extent, addr uintptr) error {
	f.freedSmall = append(f.freedSmall, addr)
	return nil
}

func (f *fakeSource) AllocLarge(token any, classIdx int) (uintptr, *extent.Extent, error) {
	if f.largeErr != nil {
		return 0, nil, f.largeErr
	}
	f.nextAddr += 4096
	return f.nextAddr, &extent.Extent{}, nil
}

func (f *fakeSource) FreeLarge(token any, e *extent.Extent) error {
	f.freedLarge = append(f.freedLarge, 1)
	return nil
}

func TestAllocRefillsAndPopsDistinctAddrs(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 20)

	a1, _, err := c.Alloc("t", 3, true)
	require.NoError(t, err)
	a2, _, err := c.Alloc("t", 3, true)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestFreeFlushesOnOverflow(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 20)

	max := ncachedMax(0, true)
	for i := 0; i < max+1; i++ {
		require.NoError(t, c.Free("t", 0, true, &extent.Extent{}, uintptr(i+1)))
	}
	assert.NotEmpty(t, src.freedSmall, "overflow should flush some pointers back to the bin")
	assert.LessOrEqual(t, c.Depth(0), max)
}

func TestBypassAboveMaxClass(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 5)
	_, _, err := c.Alloc("t", 6, true)
	assert.Error(t, err)
}

func TestDisabledBypassesCache(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 20)
	c.Disabled = true
	_, _, err := c.Alloc("t", 0, true)
	assert.Error(t, err)
}

func TestGCTickFlushesLowWater(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 20)

	for i := 0; i < 5; i++ {
		_, _, err := c.Alloc("t", 0, true)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Free("t", 0, true, &extent.Extent{}, uintptr(100+i)))
	}

	// the first tick only records the low-water mark; nothing is used
	// before the second, so it returns every cached pointer.
	require.NoError(t, c.GCTick("t", 0, true))
	require.NoError(t, c.GCTick("t", 0, true))
	assert.Len(t, src.freedSmall, ncachedMax(0, true)-5+3)
	assert.Equal(t, 0, c.Depth(0))
}

func TestFlushDrainsEverything(t *testing.T) {
	src := &fakeSource{}
	c := New(src, 0, 20)
	_, _, err := c.Alloc("t", 0, true)
	require.NoError(t, err)
	require.NoError(t, c.Flush("t", 0, true))
	assert.Equal(t, 0, c.Depth(0))
}
