// Package cache implements CommandCache: a time-bounded last-value
// cache for untimed reads, keyed by (opcode, operand, override),
// collapsing concurrent reads of the same channel into one hardware
// round trip.
//
// CommandCache is accessed only from the frontend goroutine — it has
// no internal locking beyond what's needed to be safe if that
// assumption is ever relaxed, mirroring spec.md §5's "CommandCache is
// accessed only on the frontend thread".
package cache

import (
	"sync"
	"time"
)

// Op identifies the readable/writable operation a cache key refers
// to. TTL has no Op: the frontend reads TTL words and masks with a
// fresh backend round trip every time, so no TTL key is ever looked
// up. OpClock keys the clock divider.
type Op uint8

const (
	OpDDSFreq Op = iota
	OpDDSAmp
	OpDDSPhase
	OpClock
)

// NoOverride is the sentinel value meaning "override disabled" —
// writing it clears an override.
const NoOverride uint32 = 0xffffffff

// Key identifies a cached value.
type Key struct {
	Op       Op
	Operand  uint32
	Override bool
}

// Freshness is the window within which a cached value is served
// without a new hardware read, per spec.md §3 ("now - t <= 100ms").
const Freshness = 100 * time.Millisecond

type entry struct {
	t       time.Time
	val     uint32
	has     bool
	pending []func(uint32)
}

// Cache is CommandCache.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	now     func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

func (c *Cache) entryFor(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Set records a fresh value, fires and clears every pending callback
// for key, and — for a non-override DDS set — propagates the value
// into the override entry too, but only if an override is currently
// active for that channel (spec.md §4.2).
func (c *Cache) Set(key Key, val uint32) {
	c.mu.Lock()
	now := c.now()
	e := c.entryFor(key)
	e.t = now
	e.val = val
	e.has = true
	pending := e.pending
	e.pending = nil

	var ovrPending []func(uint32)
	propagate := !key.Override && key.Op != OpClock
	if propagate {
		ovrKey := key
		ovrKey.Override = true
		if ovr, ok := c.entries[ovrKey]; ok && ovr.has && ovr.val != NoOverride {
			ovr.t = now
			ovr.val = val
			ovrPending = ovr.pending
			ovr.pending = nil
		}
	}
	c.mu.Unlock()

	for _, cb := range pending {
		cb(val)
	}
	for _, cb := range ovrPending {
		cb(val)
	}
}

// Get looks up key. If the cached value is fresh, or key is a
// never-set override (which always replies -1), cb fires synchronously
// and Get returns true: the caller must NOT dispatch a hardware read.
// Otherwise cb is queued and Get returns whether another caller's read
// is already in flight for this key — false means the caller is the
// first waiter and must dispatch the read itself.
func (c *Cache) Get(key Key, cb func(uint32)) (handledOrInFlight bool) {
	c.mu.Lock()
	e := c.entryFor(key)
	if e.has && c.now().Sub(e.t) <= Freshness {
		val := e.val
		c.mu.Unlock()
		cb(val)
		return true
	}
	if key.Override && !e.has {
		c.mu.Unlock()
		cb(NoOverride)
		return true
	}
	alreadyWaiting := len(e.pending) > 0
	e.pending = append(e.pending, cb)
	c.mu.Unlock()
	return alreadyWaiting
}

// HasDDSOverride reports whether any DDS override (freq, amp, or
// phase, any channel) is currently active — i.e. has an entry whose
// value is not NoOverride.
func (c *Cache) HasDDSOverride(nChannels int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range [...]Op{OpDDSFreq, OpDDSAmp, OpDDSPhase} {
		for chn := 0; chn < nChannels; chn++ {
			e, ok := c.entries[Key{Op: op, Operand: uint32(chn), Override: true}]
			if ok && e.has && e.val != NoOverride {
				return true
			}
		}
	}
	return false
}
