//go:build alloc_debug

package witness

import (
	"fmt"
	"sync"
)

// Tracker records, per caller-supplied token (normally a *tsd.TSD — the
// same explicit per-thread handle used everywhere else in this codebase,
// since Go has no implicit goroutine-local storage to hang a lock stack
// off of), the stack of lock ranks currently held.
type Tracker struct {
	mu    sync.Mutex
	held  map[any][]Rank
}

// New constructs a Tracker. One instance is normally shared process-wide.
func New() *Tracker {
	return &Tracker{held: make(map[any][]Rank)}
}

// Acquire records that token is about to hold a lock of rank r, panicking
// if r is not strictly greater than every rank token already holds. It
// returns a release func the caller must invoke (typically via defer)
// when the lock is dropped.
func (tr *Tracker) Acquire(token any, r Rank) func() {
	tr.mu.Lock()
	stack := tr.held[token]
	for _, held := range stack {
		if r <= held {
			tr.mu.Unlock()
			panic(fmt.Sprintf("witness: lock order violation: acquiring %s while holding %s", r, held))
		}
	}
	tr.held[token] = append(stack, r)
	tr.mu.Unlock()

	return func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		cur := tr.held[token]
		for i := len(cur) - 1; i >= 0; i-- {
			if cur[i] == r {
				tr.held[token] = append(cur[:i], cur[i+1:]...)
				return
			}
		}
	}
}

// Holds reports whether token currently holds a lock of rank r, for
// assertions at call sites that require a specific lock already be held.
func (tr *Tracker) Holds(token any, r Rank) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, held := range tr.held[token] {
		if held == r {
			return true
		}
	}
	return false
}

// Global is the process-wide tracker every real lock site acquires
// through, shared across bin shards, extent pools, and arenas.
var Global = New()
