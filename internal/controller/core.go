// Package controller implements ControllerCore (Core) and
// FrontendInterface (Frontend): the backend worker that owns the
// Pulser and drives sequences, and the asynchronous API the transport
// layer calls into.
package controller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
	"github.com/nacs-lab/molecube-go/internal/runner"
)

// maxWaitingResults bounds the in-flight result-bearing command ring
// to the FPGA's RX FIFO depth (spec.md §3/§4.4).
const maxWaitingResults = 16

// ddsDetectInterval is how often detect_dds re-probes channel
// presence absent a forced request.
const ddsDetectInterval = time.Second

type ddsShadow struct {
	exist     atomic.Bool
	phase     atomic.Uint32 // uint16 shadow, widened for atomic.Uint32
	ovrActive [3]atomic.Bool
	ovrVal    [3]atomic.Uint32
	pending   atomic.Bool // pending_reset
}

// Core is ControllerCore: the single backend worker goroutine owns
// the Pulser exclusively once a sequence is active, and otherwise
// drains queued Cmd/Seq work between ticks.
type Core struct {
	p   pulser.Pulser
	log zerolog.Logger
	lim *catrate.Limiter

	cmdQ   *queue.CmdQueue
	seqQ   *queue.SeqQueue
	bwake  *queue.BackendWake
	fwake  *queue.FrontendWake
	runCfg runner.Config

	dds          [pulser.NDDS]ddsShadow
	lastDDSProbe time.Time

	waiting []*queue.Cmd // result-bearing commands awaiting their RX FIFO word

	ttlOvrHi, ttlOvrLo, ttlOvrNorm atomic.Uint32

	stateCounter atomic.Uint64
	dirty        atomic.Bool
	observed     atomic.Bool
	seqRunning   atomic.Bool
	lastRunning  atomic.Uint32

	evMu   sync.Mutex
	events []seqEvent

	cmdMu        sync.Mutex
	finishedCmds []*queue.Cmd

	runningSeq   *queue.Seq
	activeRunner *runner.Runner

	nextSeqID atomic.Uint64
}

type eventKind uint8

const (
	evStart eventKind = iota
	evFlushed
	evEnd
	evCancel
)

type seqEvent struct {
	notify queue.Notifier
	kind   eventKind
	seqID  uint64
}

// New constructs a Core around p, wiring the queues and wakeups that
// Frontend and the worker goroutine share.
func New(p pulser.Pulser, log zerolog.Logger, runCfg runner.Config, fwake *queue.FrontendWake) *Core {
	c := &Core{
		p:      p,
		log:    log,
		lim:    catrate.NewLimiter(map[time.Duration]int{10 * time.Second: 1}),
		cmdQ:   queue.NewCmdQueue(),
		seqQ:   queue.NewSeqQueue(),
		bwake:  queue.NewBackendWake(),
		fwake:  fwake,
		runCfg: runCfg,
	}
	for i := range c.dds {
		c.dds[i].exist.Store(true)
	}
	c.nextSeqID.Store(1)
	return c
}

func (c *Core) pushEvent(n queue.Notifier, kind eventKind, seqID uint64) {
	if n == nil {
		return
	}
	c.evMu.Lock()
	c.events = append(c.events, seqEvent{notify: n, kind: kind, seqID: seqID})
	c.evMu.Unlock()
	if c.fwake != nil {
		_ = c.fwake.Signal()
	}
}

func (c *Core) drainEvents() []seqEvent {
	c.evMu.Lock()
	ev := c.events
	c.events = nil
	c.evMu.Unlock()
	return ev
}

func (c *Core) setDirty() {
	c.dirty.Store(true)
}

func (c *Core) setObserved() {
	c.observed.Store(true)
}

// StateID is ControllerCore.get_state_id: high bit set while a
// sequence is running, low bits a monotonic counter that increments
// when the running flag has flipped since the previous call, or when
// the state changed (setDirty) after having been observed (via
// setObserved).
func (c *Core) StateID() uint64 {
	running := c.seqRunning.Load()
	if (c.dirty.Load() && c.observed.Load()) || c.firstRunningFlip(running) {
		c.stateCounter.Add(1)
		c.dirty.Store(false)
		c.observed.Store(false)
	}
	id := c.stateCounter.Load()
	if running {
		id |= 1 << 63
	}
	return id
}

func (c *Core) firstRunningFlip(running bool) bool {
	prev := c.lastRunning.Swap(boolToU32(running))
	return prev != boolToU32(running)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Worker runs ControllerCore.worker() on its own goroutine until
// Quit() is observed, per spec.md §4.6/§5.
func (c *Core) Worker() {
	for {
		c.bwake.Wait(500 * time.Millisecond)
		if c.bwake.Quitting() {
			c.drainUntilIdle()
			return
		}
		c.runNextSeq()
		c.syncShadowTTL()
		c.detectDDS(false)
		c.drainUntilIdle()
	}
}

// Quit requests the worker goroutine to stop after finishing whatever
// is currently in flight.
func (c *Core) Quit() { c.bwake.Quit() }

func (c *Core) drainUntilIdle() {
	for {
		_, did := c.ProcessReqCmd(false)
		if !did {
			return
		}
	}
}

func (c *Core) syncShadowTTL() {
	// The hardware TTL register is the source of truth; nothing to
	// reconcile here beyond giving detectDDS/run_seq a consistent read,
	// since Core keeps no separate TTL shadow copy (CurTTL is already
	// a concurrently-safe register read).
}

// DDSOverrideActive implements runner.Scheduler.
func (c *Core) DDSOverrideActive(chn int, param queue.DDSParam) bool {
	if chn < 0 || chn >= pulser.NDDS {
		return false
	}
	return c.dds[chn].ovrActive[param].Load()
}

// ShadowPhase implements runner.Scheduler.
func (c *Core) ShadowPhase(chn int) uint16 {
	if chn < 0 || chn >= pulser.NDDS {
		return 0
	}
	return uint16(c.dds[chn].phase.Load())
}

// MarkPendingReset implements runner.Scheduler.
func (c *Core) MarkPendingReset(chn int) {
	if chn < 0 || chn >= pulser.NDDS {
		return
	}
	c.dds[chn].pending.Store(true)
}

// ProcessReqCmd implements runner.Scheduler and ControllerCore's own
// idle-tick servicing, per spec.md §4.6.
func (c *Core) ProcessReqCmd(checked bool) (uint32, bool) {
	if len(c.waiting) > 0 {
		if v, ok := c.p.TryGetResult(); ok {
			head := c.waiting[0]
			c.waiting = c.waiting[1:]
			head.Val = v
			c.finishCmd(head)
			return 0, true
		}
	}

	cmd, ok := c.cmdQ.GetFilter()
	if !ok {
		return 0, false
	}
	if cmd.NeedsResult && len(c.waiting) >= maxWaitingResults {
		return 0, false // backpressure: retry next tick
	}
	c.cmdQ.ForwardFilter()

	cycles, needsResult := c.runCmd(checked, cmd)
	if needsResult {
		c.waiting = append(c.waiting, cmd)
	} else {
		c.finishCmd(cmd)
	}
	return cycles, true
}

// finishCmd hands a completed Cmd to the frontend for callback
// delivery. The ResultCB itself — which may touch CommandCache — only
// ever runs on the frontend goroutine during RunFrontend, per spec.md
// §5's "CommandCache is accessed only on the frontend thread"; here
// Core only records the completion and nudges the frontend to come
// look.
//
// cmd.Finish() marks the slab slot reclaimable only now, once Core is
// completely done reading or writing it — a result-bearing command
// stays live in c.waiting (and so must keep its slab slot) until its
// RX FIFO word actually arrives, which can happen well after the
// CmdQueue filter cursor has moved on to dispatch later commands.
// Delivery to finishedCmds is likewise decoupled from dispatch order:
// a later plain write can complete before an earlier read whose FIFO
// result hasn't arrived yet, and each ResultCB closes over its own
// request so delivery order doesn't matter.
func (c *Core) finishCmd(cmd *queue.Cmd) {
	c.cmdMu.Lock()
	c.finishedCmds = append(c.finishedCmds, cmd)
	c.cmdMu.Unlock()
	cmd.Finish()
	if c.fwake != nil {
		_ = c.fwake.Signal()
	}
}

func (c *Core) drainFinishedCmds() []*queue.Cmd {
	c.cmdMu.Lock()
	cmds := c.finishedCmds
	c.finishedCmds = nil
	c.cmdMu.Unlock()
	return cmds
}
