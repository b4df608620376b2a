package pagehooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndRelease(t *testing.T) {
	h := New()
	const n = 4096 * 4

	addr, committed, err := h.Reserve(0, n, 4096, true)
	require.NoError(t, err)
	assert.True(t, committed)
	require.NotZero(t, addr)

	b := bytesAt(addr, n)
	b[0] = 0xAB
	b[n-1] = 0xCD
	assert.Equal(t, byte(0xAB), b[0])

	require.NoError(t, h.Release(addr, n))
}

func TestCommitDecommitRoundTrip(t *testing.T) {
	h := New()
	const n = 4096 * 2

	addr, _, err := h.Reserve(0, n, 4096, false)
	require.NoError(t, err)
	defer h.Release(addr, n)

	require.NoError(t, h.Commit(addr, 0, n))
	b := bytesAt(addr, n)
	b[0] = 1

	require.NoError(t, h.Decommit(addr, 0, n))
}

func TestPurgeLazyAndForced(t *testing.T) {
	h := New()
	const n = 4096

	addr, _, err := h.Reserve(0, n, 4096, true)
	require.NoError(t, err)
	defer h.Release(addr, n)

	assert.True(t, h.PurgeLazy(addr, 0, n))
	assert.True(t, h.PurgeForced(addr, 0, n))
}

func TestSplitRejectsMismatchedParts(t *testing.T) {
	h := New()
	err := h.Split(0x1000, 8192, 4096, 1024, true)
	assert.Error(t, err)
}

func TestSplitAcceptsExactParts(t *testing.T) {
	h := New()
	assert.NoError(t, h.Split(0x1000, 8192, 4096, 4096, true))
}

func TestMergeRejectsNonAdjacent(t *testing.T) {
	h := New()
	err := h.Merge(0x1000, 4096, 0x3000, 4096, true)
	assert.Error(t, err)
}

func TestMergeAcceptsAdjacent(t *testing.T) {
	h := New()
	assert.NoError(t, h.Merge(0x1000, 4096, 0x2000, 4096, true))
}
