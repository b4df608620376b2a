package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/goalloc/errs"
)

func TestParseEmptyStringReturnsDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRecognisedKeys(t *testing.T) {
	cfg, err := Parse("narenas:8,dirty_decay_ms:5000,tcache:false,percpu_arena:percpu,xmalloc:true")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Narenas)
	assert.Equal(t, int64(5000), cfg.DirtyDecayMs)
	assert.False(t, cfg.Tcache)
	assert.Equal(t, Percpu, cfg.PercpuArena)
	assert.True(t, cfg.Xmalloc)
}

func TestParseAccumulatesAllErrors(t *testing.T) {
	_, err := Parse("narenas:notanumber,bogus_key:1,junk:maybe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	msg := err.Error()
	assert.Contains(t, msg, "narenas")
	assert.Contains(t, msg, "bogus_key")
	assert.Contains(t, msg, "junk")
}

func TestParsePartiallyAppliesValidKeysDespiteErrors(t *testing.T) {
	cfg, err := Parse("narenas:4,bogus_key:1")
	require.Error(t, err)
	assert.Equal(t, 4, cfg.Narenas, "valid keys still apply even when later keys in the same string fail")
}

func TestParseSlabSizesAndBinShards(t *testing.T) {
	cfg, err := Parse("slab_sizes:16-32:2|64-128:4,bin_shards:16-32:4|64-128:8")
	require.NoError(t, err)
	require.Len(t, cfg.SlabSizes, 2)
	assert.Equal(t, SlabOverride{Start: 16, End: 32, Pages: 2}, cfg.SlabSizes[0])
	require.Len(t, cfg.BinShards, 2)
	assert.Equal(t, BinShardOverride{Start: 64, End: 128, Shards: 8}, cfg.BinShards[1])
}

func TestParseRejectsMissingColon(t *testing.T) {
	_, err := Parse("narenas")
	assert.Error(t, err)
}

func TestParseReallocZeroBumpAllocKey(t *testing.T) {
	cfg, err := Parse("realloc_zero_bump_alloc:true")
	require.NoError(t, err)
	assert.True(t, cfg.ReallocZeroBumpAlloc)
}
