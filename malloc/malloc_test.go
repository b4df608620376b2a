package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/config"
	"github.com/nmxmxh/goalloc/sizeclass"
)

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func TestMallocReturnsDistinctAlignedPointers(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p1, err := a.Malloc(h, 24)
	require.NoError(t, err)
	p2, err := a.Malloc(h, 24)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Zero(t, p1%sizeclass.Quantum)
	assert.Zero(t, p2%sizeclass.Quantum)
}

func TestMallocZeroSizeReturnsUsableOneByteAllocation(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Malloc(h, 0)
	require.NoError(t, err)
	assert.NotZero(t, p)
}

func TestFreeThenFreeAgainIsRejected(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Malloc(h, 32)
	require.NoError(t, err)
	require.NoError(t, a.Free(h, p))
	err = a.Free(h, p)
	assert.Error(t, err)
}

func TestFreeNilIsNoOp(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)
	assert.NoError(t, a.Free(h, 0))
}

func TestCallocZeroesMemory(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Calloc(h, 8, 8)
	require.NoError(t, err)
	b := bytesAt(p, 64)
	for _, v := range b {
		assert.Zero(t, v)
	}
}

func TestCallocOverflowRejected(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)
	_, err := a.Calloc(h, 1<<62, 1<<62)
	assert.Error(t, err)
}

func TestAlignedAllocRejectsNonPowerOfTwo(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)
	_, err := a.AlignedAlloc(h, 24, 64)
	assert.Error(t, err)
}

func TestAlignedAllocHonoursAlignment(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.AlignedAlloc(h, 4096, 100)
	require.NoError(t, err)
	assert.Zero(t, p%4096)
}

func TestUsableSizeOfUnmanagedIsZero(t *testing.T) {
	a := New(withNarenas(1))
	assert.Zero(t, a.UsableSize(0xdeadbeef))
}

func TestReallocNullIsMalloc(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Realloc(h, 0, 40)
	require.NoError(t, err)
	assert.NotZero(t, p)
}

func TestReallocZeroFreesByDefault(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Malloc(h, 40)
	require.NoError(t, err)
	p2, err := a.Realloc(h, p, 0)
	require.NoError(t, err)
	assert.Zero(t, p2)
	// p went back to this thread's tcache, so the next same-class request
	// gets it again.
	q, err := a.Malloc(h, 40)
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

func TestReallocZeroBumpAllocPolicy(t *testing.T) {
	cfg := withNarenas(1)
	cfg.ReallocZeroBumpAlloc = true
	a := New(cfg)
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Malloc(h, 40)
	require.NoError(t, err)
	p2, err := a.Realloc(h, p, 0)
	require.NoError(t, err)
	assert.NotZero(t, p2)
}

func TestReallocGrowPreservesPrefix(t *testing.T) {
	a := New(withNarenas(1))
	h := a.NewThread()
	defer a.CloseThread(h)

	p, err := a.Malloc(h, 16)
	require.NoError(t, err)
	b := bytesAt(p, 16)
	for i := range b {
		b[i] = byte(i + 1)
	}

	p2, err := a.Realloc(h, p, 64)
	require.NoError(t, err)
	b2 := bytesAt(p2, 16)
	for i := range b2 {
		assert.Equal(t, byte(i+1), b2[i])
	}
}

func withNarenas(n int) config.Config {
	cfg := config.Default()
	cfg.Narenas = n
	return cfg
}
