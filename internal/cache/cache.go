// Package cache holds the two-generation flag cache: the active generation
// every variation lookup reads by default, and an optional pending
// generation populated only in explicit-sync mode. Both slots are replaced
// by whole-map substitution behind an atomic pointer, never mutated in
// place, so concurrent readers always see one coherent generation without
// blocking the writer.
package cache

import (
	"sync/atomic"

	"github.com/matt-riley/featuresclient/internal/domain"
)

// Cache is safe for concurrent use: the fetch/diff writer replaces a slot's
// pointer; readers load it without locking.
type Cache struct {
	active  atomic.Pointer[domain.FlagMap]
	pending atomic.Pointer[domain.FlagMap]
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	empty := domain.FlagMap{}
	c.active.Store(&empty)
	return c
}

// Active returns the current active generation. Never nil.
func (c *Cache) Active() domain.FlagMap {
	return *c.active.Load()
}

// Get returns the flag named name from the active generation.
func (c *Cache) Get(name string) (domain.EvaluatedFlag, bool) {
	m := c.Active()
	f, ok := m[name]
	return f, ok
}

// ReplaceActive substitutes the whole active generation.
func (c *Cache) ReplaceActive(m domain.FlagMap) {
	if m == nil {
		m = domain.FlagMap{}
	}
	c.active.Store(&m)
}

// Pending returns the pending generation and whether one is staged.
func (c *Cache) Pending() (domain.FlagMap, bool) {
	p := c.pending.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// GetPendingOrActive reads from the pending slot if one is staged, otherwise
// falls back to the active slot. This is the read path FlagProxy uses when
// force_realtime is requested in explicit-sync mode.
func (c *Cache) GetPendingOrActive(name string) (domain.EvaluatedFlag, bool) {
	if p := c.pending.Load(); p != nil {
		f, ok := (*p)[name]
		return f, ok
	}
	return c.Get(name)
}

// SetPending stages a new generation without affecting the active slot.
func (c *Cache) SetPending(m domain.FlagMap) {
	if m == nil {
		m = domain.FlagMap{}
	}
	c.pending.Store(&m)
}

// CommitPending atomically swaps the pending generation into active and
// clears pending. Returns (old active, new active, true) if there was a
// pending generation to commit.
func (c *Cache) CommitPending() (old, applied domain.FlagMap, ok bool) {
	p := c.pending.Load()
	if p == nil {
		return nil, nil, false
	}
	old = c.Active()
	applied = *p
	c.active.Store(p)
	c.pending.Store(nil)
	return old, applied, true
}

// ClearPending discards any staged generation without applying it.
func (c *Cache) ClearPending() {
	c.pending.Store(nil)
}
