package extent

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/nmxmxh/goalloc/witness"
)

// decayBuckets is the number of backlog buckets the decay schedule is
// divided into, per the decay-schedule design decision: rather than a full
// smoothstep curve, backlog is bucketed into a small fixed count over the
// configured half-life, and each tick purges a linear share of the oldest
// bucket.
const decayBuckets = 10

// Decay drives one cache's (dirty or muzzy) purge schedule. decayMs == 0
// means purge eagerly (every tick empties the whole backlog); decayMs == -1
// disables purging entirely; any positive value is the half-life in
// milliseconds used only to size the rate limiter's window.
type Decay struct {
	mu      sync.Mutex
	decayMs int64
	ticks   uint64

	limiter *catrate.Limiter // rate-limits forced-purge sweeps per tick burst
}

// NewDecay constructs a Decay schedule. decayMs follows the arena config
// vocabulary: -1 disables, 0 purges eagerly, >0 is the half-life in ms.
func NewDecay(decayMs int64) *Decay {
	d := &Decay{decayMs: decayMs}
	if decayMs > 0 {
		d.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Duration(decayMs) * time.Millisecond: 1,
		})
	}
	return d
}

// IsEager reports whether this schedule is configured for eager purging
// (decayMs == 0): every Tick, and every Dealloc into a pool wired to this
// schedule, drains the full backlog rather than waiting for a later tick.
func (d *Decay) IsEager() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decayMs == 0
}

// SetDecayMs reconfigures the half-life at runtime.
func (d *Decay) SetDecayMs(decayMs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decayMs = decayMs
	if decayMs > 0 {
		d.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Duration(decayMs) * time.Millisecond: 1,
		})
	} else {
		d.limiter = nil
	}
}

// shouldPurge reports whether this tick should run a purge pass at all,
// and how many extents (of the cache's current backlog) to purge if so.
func (d *Decay) shouldPurge(category any, backlog int) (count int, ok bool) {
	d.mu.Lock()
	decayMs := d.decayMs
	limiter := d.limiter
	d.mu.Unlock()

	if decayMs < 0 || backlog == 0 {
		return 0, false
	}
	if decayMs == 0 {
		return backlog, true
	}
	if limiter != nil {
		if _, allowed := limiter.Allow(category); !allowed {
			return 0, false
		}
	}
	count = (backlog + decayBuckets - 1) / decayBuckets
	if count == 0 {
		count = 1
	}
	return count, true
}

// Tick drives one decay step for kind's cache in pool: purges the oldest
// slice of kind's FIFO backlog (decommitting for Dirty→Muzzy, forcibly for
// Muzzy→Retained, release above the retention cap for Retained), per the
// decay design decision. Called
// periodically by the event package's decay-tick handler, and eagerly from
// Pool.Dealloc when decayMs==0. token is the calling thread's witness
// handle, threaded through so purgeOne's own lock acquisitions are checked
// against whatever the caller already holds.
func (d *Decay) Tick(token any, p *Pool, kind CacheKind) {
	release := witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	backlog := len(p.order[kind])
	p.mu.Unlock()
	release()
	if backlog == 0 {
		return
	}

	count, ok := d.shouldPurge(poolCategory{arena: p.arenaIdx, kind: kind}, backlog)
	if !ok {
		return
	}

	release = witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	if count > len(p.order[kind]) {
		count = len(p.order[kind])
	}
	victims := append([]uint32(nil), p.order[kind][:count]...)
	p.mu.Unlock()
	release()

	for _, id := range victims {
		p.purgeOne(token, kind, id)
	}
}

type poolCategory struct {
	arena uint32
	kind  CacheKind
}

// purgeOne removes id from kind's cache and demotes/releases it per the
// lifecycle: Dirty extents are decommitted and demoted to Muzzy; Muzzy
// extents are purged forcibly and demoted to Retained; Retained extents
// are released to the OS and their record destroyed only while the pool's
// retained pages exceed a non-zero retention cap, and are otherwise (or
// when the release fails) put back in the retained cache.
func (p *Pool) purgeOne(token any, kind CacheKind, id uint32) {
	release := witness.Global.Acquire(token, witness.RankExtentPool)
	p.mu.Lock()
	e := p.reg.Get(id)
	if e == nil {
		p.mu.Unlock()
		release()
		return
	}
	p.removeFromCacheLocked(kind, e)
	p.mu.Unlock()
	release()

	switch kind {
	case Dirty:
		_ = p.hooks.Decommit(e.Addr, 0, e.Bytes())
		e.Committed = false
		e.State = StateMuzzy
		release = witness.Global.Acquire(token, witness.RankExtentPool)
		p.mu.Lock()
		p.cacheLocked(Muzzy, e)
		p.stats.Purged[Dirty]++
		p.mu.Unlock()
		release()
	case Muzzy:
		p.hooks.PurgeForced(e.Addr, 0, e.Bytes())
		e.State = StateRetained
		release = witness.Global.Acquire(token, witness.RankExtentPool)
		p.mu.Lock()
		p.cacheLocked(Retained, e)
		p.stats.Purged[Muzzy]++
		p.mu.Unlock()
		release()
	case Retained:
		release = witness.Global.Acquire(token, witness.RankExtentPool)
		p.mu.Lock()
		overCap := p.retainCap > 0 && p.stats.Pages[Retained] > uint64(p.retainCap)
		p.mu.Unlock()
		release()
		if !overCap {
			// Retained extents are never unmapped unless the retention
			// cap is exceeded; put it back.
			release = witness.Global.Acquire(token, witness.RankExtentPool)
			p.mu.Lock()
			p.cacheLocked(Retained, e)
			p.mu.Unlock()
			release()
			return
		}
		if err := p.hooks.Release(e.Addr, e.Bytes()); err == nil {
			p.reg.Destroy(e.ID)
			release = witness.Global.Acquire(token, witness.RankExtentPool)
			p.mu.Lock()
			p.stats.Purged[Retained]++
			p.mu.Unlock()
			release()
		} else {
			// Release failed (already unmapped by a racing neighbour
			// merge, or a transient OS error): put it back rather than
			// leaking the record.
			release = witness.Global.Acquire(token, witness.RankExtentPool)
			p.mu.Lock()
			p.cacheLocked(Retained, e)
			p.mu.Unlock()
			release()
		}
	}
}
