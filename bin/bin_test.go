package bin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/base"
	"github.com/nmxmxh/goalloc/extent"
	"github.com/nmxmxh/goalloc/pagehooks"
	"github.com/nmxmxh/goalloc/rtree"
	"github.com/nmxmxh/goalloc/sizeclass"
)

func newTestBin(t *testing.T, classIdx int) *Bin {
	t.Helper()
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	pool := extent.NewPool(hooks, reg, tree, 0, 0)
	return NewBin(classIdx, pool)
}

func TestAllocRefillsOnFirstUse(t *testing.T) {
	idx := sizeclass.IndexOf(32)
	b := newTestBin(t, idx)

	addr, e, err := b.Alloc("t")
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.True(t, e.IsSlab)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Refills)
	assert.Equal(t, uint64(1), stats.Allocs)
}

func TestAllocDistinctRegionsFromSameSlab(t *testing.T) {
	idx := sizeclass.IndexOf(16)
	b := newTestBin(t, idx)

	a1, _, err := b.Alloc("t")
	require.NoError(t, err)
	a2, _, err := b.Alloc("t")
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestFreeThenReallocReusesRegion(t *testing.T) {
	idx := sizeclass.IndexOf(64)
	b := newTestBin(t, idx)

	a1, e1, err := b.Alloc("t")
	require.NoError(t, err)
	require.NoError(t, b.Free("t", e1, a1))

	a2, _, err := b.Alloc("t")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "freeing the only region in the current slab should make it poppable again")
}

func TestFreeDetectsDoubleFree(t *testing.T) {
	idx := sizeclass.IndexOf(8)
	b := newTestBin(t, idx)

	a1, e1, err := b.Alloc("t")
	require.NoError(t, err)
	require.NoError(t, b.Free("t", e1, a1))
	err = b.Free("t", e1, a1)
	assert.Error(t, err)
}

func TestSlabFillsUpAndRefills(t *testing.T) {
	idx := sizeclass.IndexOf(256) // 16 regions per one-page slab
	b := newTestBin(t, idx)

	_, regions := sizeclass.SlabGeometry(idx)
	seen := make(map[uintptr]bool)
	for i := uint32(0); i < regions; i++ {
		addr, _, err := b.Alloc("t")
		require.NoError(t, err)
		assert.False(t, seen[addr])
		seen[addr] = true
	}

	// next alloc must refill a second slab
	_, _, err := b.Alloc("t")
	require.NoError(t, err)
	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Refills)
}

func TestShardsWrapIndex(t *testing.T) {
	hooks := pagehooks.New()
	reg := extent.NewRegistry()
	tree := rtree.New(base.New(hooks), 1024)
	pool := extent.NewPool(hooks, reg, tree, 0, 0)

	idx := sizeclass.IndexOf(32)
	shards := NewShards(idx, pool, 4)
	assert.Same(t, shards.Shard(0), shards.Shard(4))
	assert.Equal(t, 4, shards.Len())
}
