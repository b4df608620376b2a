// Package config parses the allocator's tuning vocabulary: a colon-
// separated "name:value,name:value..." string (spec §6), matching the
// conventional malloc_conf/MALLOC_CONF string format. Every recognised
// key is accumulated into a Config; unrecognised keys or malformed values
// accumulate ConfigurationError entries rather than aborting immediately,
// so the whole string is always fully parsed (spec §7) before the caller
// decides whether abort_conf demands a hard failure.
package config

import (
	"strconv"
	"strings"

	"github.com/nmxmxh/goalloc/errs"
)

// PercpuArena selects the per-CPU auto-arena policy.
type PercpuArena int

const (
	PercpuDisabled PercpuArena = iota
	Percpu
	Phycpu
)

// Dss selects the extent source policy (retained for vocabulary
// completeness; this implementation always sources extents via
// pagehooks/mmap regardless of dss, documented under Non-goals).
type Dss int

const (
	DssDisabled Dss = iota
	DssPrimary
	DssSecondary
)

// Junk selects when debug fill-on-corruption-detection applies.
type Junk int

const (
	JunkFalse Junk = iota
	JunkTrue
	JunkAlloc
	JunkFree
)

// SlabOverride fixes the page/region geometry for size classes in
// [Start, End], parsed from a "start-end:pages" tuple.
type SlabOverride struct {
	Start, End uint64
	Pages      uint32
}

// BinShardOverride fixes the shard count for size classes in [Start, End],
// parsed from a "start-end:shards" tuple.
type BinShardOverride struct {
	Start, End uint64
	Shards     int
}

// Config holds every recognised tuning key, defaulted to the values spec
// §6 documents.
type Config struct {
	Abort             bool
	AbortConf         bool
	Narenas           int // 0 means "default: 4 * ncpus", resolved by arena.NewManager
	PercpuArena       PercpuArena
	DirtyDecayMs      int64
	MuzzyDecayMs      int64
	Tcache            bool
	LgTcacheMax       int
	OversizeThreshold uint64
	Retain            bool
	Dss               Dss
	Junk              Junk
	Zero              bool
	Xmalloc           bool

	// ReallocZeroBumpAlloc is the Open Question #3 decision's opt-in key:
	// realloc(p, 0) returns a fresh 1-byte allocation instead of freeing
	// and returning nil.
	ReallocZeroBumpAlloc bool

	SlabSizes []SlabOverride
	BinShards []BinShardOverride
}

// Default returns a Config with spec's documented defaults.
func Default() Config {
	return Config{
		DirtyDecayMs: 10_000,
		MuzzyDecayMs: 10_000,
		Tcache:       true,
		LgTcacheMax:  14, // tcache ceiling defaults to SmallMaxClass's neighborhood
	}
}

// Parse parses s into cfg (starting from Default()), accumulating every
// malformed or unrecognised entry into a single combined error rather than
// returning on the first one, so a caller with abort_conf set can report
// every problem in the string at once. A nil error means every key parsed
// cleanly; a non-nil error always wraps errs.ErrConfiguration and
// does not imply no keys were applied (best-effort keys still took
// effect).
func Parse(s string) (Config, error) {
	cfg := Default()
	if s == "" {
		return cfg, nil
	}

	var problems []string
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			problems = append(problems, "malformed entry (missing ':'): "+pair)
			continue
		}
		if err := cfg.apply(name, value); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return cfg, errs.Wrap(errs.ErrConfiguration, strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (cfg *Config) apply(name, value string) error {
	switch name {
	case "abort":
		return cfg.setBool(&cfg.Abort, name, value)
	case "abort_conf":
		return cfg.setBool(&cfg.AbortConf, name, value)
	case "narenas":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return badValue(name, value)
		}
		cfg.Narenas = n
	case "percpu_arena":
		switch value {
		case "disabled":
			cfg.PercpuArena = PercpuDisabled
		case "percpu":
			cfg.PercpuArena = Percpu
		case "phycpu":
			cfg.PercpuArena = Phycpu
		default:
			return badValue(name, value)
		}
	case "dirty_decay_ms":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return badValue(name, value)
		}
		cfg.DirtyDecayMs = n
	case "muzzy_decay_ms":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return badValue(name, value)
		}
		cfg.MuzzyDecayMs = n
	case "tcache":
		return cfg.setBool(&cfg.Tcache, name, value)
	case "lg_tcache_max":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return badValue(name, value)
		}
		cfg.LgTcacheMax = n
	case "oversize_threshold":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return badValue(name, value)
		}
		cfg.OversizeThreshold = n
	case "retain":
		return cfg.setBool(&cfg.Retain, name, value)
	case "dss":
		switch value {
		case "disabled":
			cfg.Dss = DssDisabled
		case "primary":
			cfg.Dss = DssPrimary
		case "secondary":
			cfg.Dss = DssSecondary
		default:
			return badValue(name, value)
		}
	case "junk":
		switch value {
		case "false":
			cfg.Junk = JunkFalse
		case "true":
			cfg.Junk = JunkTrue
		case "alloc":
			cfg.Junk = JunkAlloc
		case "free":
			cfg.Junk = JunkFree
		default:
			return badValue(name, value)
		}
	case "zero":
		return cfg.setBool(&cfg.Zero, name, value)
	case "xmalloc":
		return cfg.setBool(&cfg.Xmalloc, name, value)
	case "realloc_zero_bump_alloc":
		return cfg.setBool(&cfg.ReallocZeroBumpAlloc, name, value)
	case "slab_sizes":
		overrides, err := parseSlabSizes(value)
		if err != nil {
			return err
		}
		cfg.SlabSizes = overrides
	case "bin_shards":
		overrides, err := parseBinShards(value)
		if err != nil {
			return err
		}
		cfg.BinShards = overrides
	default:
		return badValue("unrecognised key", name)
	}
	return nil
}

func (cfg *Config) setBool(dst *bool, name, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return badValue(name, value)
	}
	*dst = b
	return nil
}

func badValue(name, value string) error {
	return errs.New("config: bad value for " + name + ": " + value)
}

// parseSlabSizes parses "start-end:pages|start-end:pages|..." tuples.
func parseSlabSizes(value string) ([]SlabOverride, error) {
	var out []SlabOverride
	for _, tuple := range strings.Split(value, "|") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		rangePart, pagesPart, ok := strings.Cut(tuple, ":")
		if !ok {
			return nil, badValue("slab_sizes", tuple)
		}
		start, end, err := parseRange(rangePart)
		if err != nil {
			return nil, badValue("slab_sizes", tuple)
		}
		pages, err := strconv.ParseUint(pagesPart, 10, 32)
		if err != nil {
			return nil, badValue("slab_sizes", tuple)
		}
		out = append(out, SlabOverride{Start: start, End: end, Pages: uint32(pages)})
	}
	return out, nil
}

// parseBinShards parses "start-end:shards|start-end:shards|..." tuples.
func parseBinShards(value string) ([]BinShardOverride, error) {
	var out []BinShardOverride
	for _, tuple := range strings.Split(value, "|") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		rangePart, shardsPart, ok := strings.Cut(tuple, ":")
		if !ok {
			return nil, badValue("bin_shards", tuple)
		}
		start, end, err := parseRange(rangePart)
		if err != nil {
			return nil, badValue("bin_shards", tuple)
		}
		shards, err := strconv.Atoi(shardsPart)
		if err != nil || shards < 1 {
			return nil, badValue("bin_shards", tuple)
		}
		out = append(out, BinShardOverride{Start: start, End: end, Shards: shards})
	}
	return out, nil
}

func parseRange(s string) (uint64, uint64, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, errs.ErrInvalidArgument
	}
	start, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
