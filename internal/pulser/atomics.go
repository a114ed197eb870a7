package pulser

import (
	"runtime"
	"sync/atomic"
)

// atomicU32, atomicU8 and atomicBool are thin wrappers giving the
// simulator's concurrently-readable fields (TTL masks, current TTL,
// clock, hold) a uniform load/store vocabulary, mirroring the spec's
// "prefer atomic scalars for fields the frontend needs to read outside
// of locks" guidance.
type atomicU32 struct{ v atomic.Uint32 }

func (a *atomicU32) load() uint32      { return a.v.Load() }
func (a *atomicU32) store(val uint32)  { a.v.Store(val) }

type atomicU8 struct{ v atomic.Uint32 }

func (a *atomicU8) load() uint8     { return uint8(a.v.Load()) }
func (a *atomicU8) store(val uint8) { a.v.Store(uint32(val)) }

type atomicBool struct{ v atomic.Bool }

func (a *atomicBool) load() bool     { return a.v.Load() }
func (a *atomicBool) store(val bool) { a.v.Store(val) }

func runtimeGosched() { runtime.Gosched() }
