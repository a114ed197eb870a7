package controller

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/nacs-lab/molecube-go/internal/cache"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
)

// Frontend is FrontendInterface: the asynchronous, thread-safe API the
// transport layer calls into. Every method may be called from any
// goroutine; callbacks and sequence notifications only ever run on
// whichever goroutine calls RunFrontend.
type Frontend struct {
	core *Core

	// TTL has no cache entry here: spec.md §4.2 excludes it from
	// CommandCache, so GetTTL/GetTTLOvrLo/GetTTLOvrHi always dispatch a
	// fresh backend round trip.
	ddsCache   *cache.Cache
	clockCache *cache.Cache

	seqMu   sync.Mutex
	seqByID map[uint64]*queue.Seq
}

// NewFrontend wraps core with the frontend-only caches and bookkeeping
// that must never be touched from the backend goroutine.
func NewFrontend(core *Core) *Frontend {
	return &Frontend{
		core:       core,
		ddsCache:   cache.New(),
		clockCache: cache.New(),
		seqByID:    make(map[uint64]*queue.Seq),
	}
}

func (f *Frontend) push(cmd queue.Cmd) {
	f.core.cmdQ.Push(cmd)
	f.core.bwake.Signal()
}

// SetTTL implements set_ttl(mask, val): only the named bits change.
func (f *Frontend) SetTTL(mask, val uint32) {
	f.core.setDirty()
	f.push(queue.Cmd{Op: queue.CmdSetTTLWord, Operand: mask, Val: val})
}

// SetTTLOvr implements set_ttl_ovr(mask, mode).
func (f *Frontend) SetTTLOvr(mask uint32, mode uint32) {
	f.core.setDirty()
	f.push(queue.Cmd{Op: queue.CmdSetTTLOvr, Operand: mask, Val: mode})
}

// GetTTL reads the live TTL word. TTL is excluded from CommandCache
// (spec.md §4.2) so every call dispatches a fresh backend round trip.
func (f *Frontend) GetTTL(cb func(uint32)) {
	f.push(queue.Cmd{Op: queue.CmdGetTTL, NeedsResult: false, ResultCB: cb})
}

// GetTTLOvrLo reads the forced-low override mask.
func (f *Frontend) GetTTLOvrLo(cb func(uint32)) {
	f.push(queue.Cmd{Op: queue.CmdGetTTLOvrLo, ResultCB: cb})
}

// GetTTLOvrHi reads the forced-high override mask.
func (f *Frontend) GetTTLOvrHi(cb func(uint32)) {
	f.push(queue.Cmd{Op: queue.CmdGetTTLOvrHi, ResultCB: cb})
}

func ddsCacheOp(param queue.DDSParam) cache.Op {
	switch param {
	case queue.DDSAmp:
		return cache.OpDDSAmp
	case queue.DDSPhase:
		return cache.OpDDSPhase
	default:
		return cache.OpDDSFreq
	}
}

// SetDDS implements set_dds(op, chn, val): -1 (cache.NoOverride) has no
// special meaning here, it is a plain write.
func (f *Frontend) SetDDS(param queue.DDSParam, chn int, val uint32) {
	f.core.setDirty()
	f.ddsCache.Set(cache.Key{Op: ddsCacheOp(param), Operand: uint32(chn)}, val)
	f.push(queue.Cmd{Op: queue.CmdSetDDS, Chn: chn, Param: param, Val: val})
}

// SetDDSOvr implements set_dds_ovr(op, chn, val); cache.NoOverride
// clears the override.
func (f *Frontend) SetDDSOvr(param queue.DDSParam, chn int, val uint32) {
	f.core.setDirty()
	f.ddsCache.Set(cache.Key{Op: ddsCacheOp(param), Operand: uint32(chn), Override: true}, val)
	f.push(queue.Cmd{Op: queue.CmdSetDDSOvr, Chn: chn, Param: param, Val: val})
}

// GetDDS implements get_dds(op, chn, cb), coalescing concurrent reads
// of the same channel/parameter through CommandCache.
func (f *Frontend) GetDDS(param queue.DDSParam, chn int, cb func(uint32)) {
	key := cache.Key{Op: ddsCacheOp(param), Operand: uint32(chn)}
	if inFlight := f.ddsCache.Get(key, cb); inFlight {
		return
	}
	f.push(queue.Cmd{
		Op: queue.CmdGetDDS, Chn: chn, Param: param, NeedsResult: true,
		ResultCB: func(v uint32) { f.ddsCache.Set(key, v) },
	})
}

// GetDDSOvr implements get_dds_ovr(op, chn, cb).
func (f *Frontend) GetDDSOvr(param queue.DDSParam, chn int, cb func(uint32)) {
	key := cache.Key{Op: ddsCacheOp(param), Operand: uint32(chn), Override: true}
	if inFlight := f.ddsCache.Get(key, cb); inFlight {
		return
	}
	f.push(queue.Cmd{
		Op: queue.CmdGetDDSOvr, Chn: chn, Param: param,
		ResultCB: func(v uint32) { f.ddsCache.Set(key, v) },
	})
}

// ResetDDS implements reset_dds(chn), also clearing all three cached
// overrides for chn so a subsequent GetDDSOvr reports NoOverride
// without waiting on a stale cache entry to expire.
func (f *Frontend) ResetDDS(chn int) {
	f.core.setDirty()
	for _, param := range [...]queue.DDSParam{queue.DDSFreq, queue.DDSAmp, queue.DDSPhase} {
		f.ddsCache.Set(cache.Key{Op: ddsCacheOp(param), Operand: uint32(chn), Override: true}, cache.NoOverride)
	}
	f.push(queue.Cmd{Op: queue.CmdResetDDS, Chn: chn})
}

// SetClock implements set_clock(byte).
func (f *Frontend) SetClock(div uint8) {
	f.core.setDirty()
	f.clockCache.Set(cache.Key{Op: cache.OpClock}, uint32(div))
	f.push(queue.Cmd{Op: queue.CmdSetClock, Operand: uint32(div)})
}

// GetClock implements get_clock(cb).
func (f *Frontend) GetClock(cb func(uint32)) {
	key := cache.Key{Op: cache.OpClock}
	if inFlight := f.clockCache.Get(key, cb); inFlight {
		return
	}
	f.push(queue.Cmd{
		Op: queue.CmdGetClock,
		ResultCB: func(v uint32) { f.clockCache.Set(key, v) },
	})
}

// RunCode implements run_code: enqueues a sequence and returns its id.
func (f *Frontend) RunCode(isCmd bool, ver uint32, lenNs uint64, ttlMask uint32, code []byte, notify queue.Notifier) uint64 {
	f.core.setDirty()
	id := f.core.nextSeqID.Add(1) - 1
	slot := f.core.seqQ.Push(queue.Seq{
		ID: id, Ver: ver, LenNs: lenNs, TTLMask: ttlMask, Bytes: code,
		IsCmd: isCmd, Notify: notify,
	})
	f.seqMu.Lock()
	f.seqByID[id] = slot
	f.seqMu.Unlock()
	f.core.bwake.Signal()
	return id
}

// CancelSeq implements cancel_seq(id) — id 0 cancels every sequence
// that hasn't started yet. Returns whether anything was cancelled.
func (f *Frontend) CancelSeq(id uint64) bool {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	any := false
	if id == 0 {
		for _, s := range f.seqByID {
			if s.State() == queue.SeqInit {
				s.Cancel()
				any = true
			}
		}
		if any {
			f.core.bwake.Signal()
		}
		return any
	}
	if s, ok := f.seqByID[id]; ok && s.State() == queue.SeqInit {
		s.Cancel()
		any = true
		f.core.bwake.Signal()
	}
	return any
}

// HasDDSOvr implements has_dds_ovr(): spec.md §4.2's CommandCache
// operation — it iterates the override entries for all three DDS ops
// and all channels, rather than the backend's own shadow state.
func (f *Frontend) HasDDSOvr() bool {
	return f.ddsCache.HasDDSOverride(pulser.NDDS)
}

// HasTTLOvr implements has_ttl_ovr().
func (f *Frontend) HasTTLOvr() bool {
	return f.core.ttlOvrNorm.Load() != 0
}

// GetActiveDDS implements get_active_dds(): the sorted list of DDS
// channels currently reporting present.
func (f *Frontend) GetActiveDDS() []int {
	var chns []int
	for i := 0; i < pulser.NDDS; i++ {
		if f.core.dds[i].exist.Load() {
			chns = append(chns, i)
		}
	}
	slices.Sort(chns)
	return chns
}

// GetStateID implements get_state_id() and marks the current state as
// observed, so a subsequent dirty flag only bumps the counter once.
func (f *Frontend) GetStateID() uint64 {
	id := f.core.StateID()
	f.core.setObserved()
	return id
}

// HasPending implements has_pending(): whether any request is
// outstanding, and whether the backend is currently between sequences.
func (f *Frontend) HasPending() (any bool, finished bool) {
	any = f.core.cmdQ.Pending() || f.core.seqQ.Pending() || f.core.seqRunning.Load()
	finished = !f.core.seqRunning.Load()
	return
}

// RunFrontend implements run_frontend(): drains the backend-event
// wakeup, fires completed ResultCBs, reclaims retired Cmd slab nodes,
// and runs sequence lifecycle notifications.
func (f *Frontend) RunFrontend() {
	f.core.fwake.Drain()

	for _, cmd := range f.core.drainFinishedCmds() {
		if cmd.ResultCB != nil {
			cmd.ResultCB(cmd.Val)
		}
	}
	for {
		if _, ok := f.core.cmdQ.Pop(); !ok {
			break
		}
	}

	for _, ev := range f.core.drainEvents() {
		if ev.notify == nil {
			continue
		}
		switch ev.kind {
		case evStart:
			ev.notify.Start()
		case evFlushed:
			ev.notify.Flushed()
		case evEnd:
			ev.notify.End()
			f.forgetSeq(ev)
		case evCancel:
			ev.notify.Cancel()
			f.forgetSeq(ev)
		}
	}
	for {
		seq, ok := f.core.seqQ.Pop()
		if !ok {
			break
		}
		_ = seq
	}
}

func (f *Frontend) forgetSeq(ev seqEvent) {
	f.seqMu.Lock()
	delete(f.seqByID, ev.seqID)
	f.seqMu.Unlock()
}

// Quit implements quit(): sets the terminating flag and wakes the
// backend so Worker observes it on its next tick.
func (f *Frontend) Quit() { f.core.Quit() }
