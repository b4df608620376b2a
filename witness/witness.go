// Package witness implements a debug-only lock-order checker. It encodes
// the allocator's required acquisition order as a rank table and panics
// when a goroutine tries to acquire a lower-ranked lock while already
// holding a higher-ranked one. Compiled in only under the alloc_debug
// build tag; production builds use the no-op implementation in
// witness_release.go and pay nothing for it.
package witness

// Rank is a lock's position in the required acquisition order. Per spec
// §5: bin shard < extent pool < arenas-global < control. Acquiring a lock
// whose rank is <= the highest rank already held by the current goroutine
// is a lock-order violation.
type Rank int

const (
	RankBinShard Rank = iota
	RankExtentPool
	RankArenasGlobal
	RankControl
)

func (r Rank) String() string {
	switch r {
	case RankBinShard:
		return "bin-shard"
	case RankExtentPool:
		return "extent-pool"
	case RankArenasGlobal:
		return "arenas-global"
	case RankControl:
		return "control"
	default:
		return "unknown-rank"
	}
}
