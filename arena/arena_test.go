package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/base"
	"github.com/nmxmxh/goalloc/config"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/rtree"
	"github.com/nmxmxh/goalloc/sizeclass"
)

func newTestArena(t *testing.T, idx uint32) *Arena {
	t.Helper()
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	return New(idx, hooks, reg, tree, 2, 0, 10_000, 10_000)
}

func TestAllocSmallRoutesToBin(t *testing.T) {
	a := newTestArena(t, 0)
	idx := sizeclass.IndexOf(32)

	addr, e, err := a.AllocSmall("t", idx, 0)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.True(t, e.IsSlab)
}

func TestAllocLargeClassifiesNonSlab(t *testing.T) {
	a := newTestArena(t, 0)
	idx := sizeclass.IndexOf(sizeclass.LargeMinClass)

	addr, e, err := a.AllocLarge("t", idx)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.False(t, e.IsSlab)
	assert.Equal(t, uint16(idx), e.SizeClass)
}

func TestFreeSmallRoundTrips(t *testing.T) {
	a := newTestArena(t, 0)
	idx := sizeclass.IndexOf(16)

	addr, e, err := a.AllocSmall("t", idx, 0)
	require.NoError(t, err)
	require.NoError(t, a.FreeSmall("t", idx, 0, e, addr))
}

func TestFreeLargeReturnsToPool(t *testing.T) {
	a := newTestArena(t, 0)
	idx := sizeclass.IndexOf(sizeclass.LargeMinClass)

	_, e, err := a.AllocLarge("t", idx)
	require.NoError(t, err)
	require.NoError(t, a.FreeLarge("t", e))

	stats := a.Stats()
	assert.Equal(t, 1, stats.Count[extent.Dirty])
}

func TestBindUnbindTracksCounts(t *testing.T) {
	a := newTestArena(t, 0)
	a.Bind(ThreadApplication)
	a.Bind(ThreadApplication)
	assert.Equal(t, 2, a.boundCount(ThreadApplication))
	a.Unbind(ThreadApplication)
	assert.Equal(t, 1, a.boundCount(ThreadApplication))
}

func TestManagerSelectFewestBoundThreads(t *testing.T) {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	m := NewManager(hooks, reg, tree, 2, config.PercpuDisabled, 1, 0, 0, 0)

	a0 := m.Select("t", ThreadApplication, 0)
	require.NotNil(t, a0)
	a0.Bind(ThreadApplication)

	a1 := m.Select("t", ThreadApplication, 0)
	require.NotNil(t, a1)
	assert.NotEqual(t, a0.Index(), a1.Index())
}

func TestManagerSelectCapsAtNarenas(t *testing.T) {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	m := NewManager(hooks, reg, tree, 1, config.PercpuDisabled, 1, 0, 0, 0)

	a0 := m.Select("t", ThreadApplication, 0)
	a0.Bind(ThreadApplication)
	a1 := m.Select("t", ThreadApplication, 0)
	assert.Equal(t, a0.Index(), a1.Index())
	assert.Equal(t, 1, m.Len())
}

func TestManagerPercpuPolicyPicksByHint(t *testing.T) {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	m := NewManager(hooks, reg, tree, 4, config.Percpu, 1, 0, 0, 0)

	a := m.Select("t", ThreadApplication, 2)
	require.NotNil(t, a)
	assert.Equal(t, uint32(2), a.Index())
}

func TestManagerPhycpuPolicyHalvesHint(t *testing.T) {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	m := NewManager(hooks, reg, tree, 4, config.Phycpu, 1, 0, 0, 0)

	a := m.Select("t", ThreadApplication, 5)
	require.NotNil(t, a)
	assert.Equal(t, uint32(2), a.Index())
}

func TestDecayTickDoesNotPanicOnEmptyArena(t *testing.T) {
	a := newTestArena(t, 0)
	assert.NotPanics(t, func() { a.DecayTick("t") })
}
