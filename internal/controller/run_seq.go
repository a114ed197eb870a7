package controller

import (
	"time"

	"github.com/nacs-lab/molecube-go/internal/decode"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
	"github.com/nacs-lab/molecube-go/internal/runner"
)

// markerClockOK and markerClockEnd are the two clock-divider values
// run_seq writes as machine-readable markers on the output trace, for
// sequences that aren't bare command lists (spec.md §4.6 step 6/8):
// 9 flags "reached the end of the decoded program", 255 flags "the
// post-sequence settle wait has elapsed".
const (
	markerClockOK  = 9
	markerClockEnd = 255
)

// minSeqTail is the unchecked wait run_seq issues once the decoder
// finishes, before releasing the hold — the FPGA needs at least one
// pulse queued past the last checked one so ReleaseHold has something
// to let run.
const minSeqTail = 16

// postSeqSettle is the unchecked wait issued after SeqEnd, once the
// FIFO has drained, and before the end marker.
const postSeqSettle = 10 * time.Millisecond

// runNextSeq implements ControllerCore.run_seq: pop the next queued
// sequence (if any), decode it against a fresh Runner, and publish its
// lifecycle events. Returns immediately if seqQ is empty.
func (c *Core) runNextSeq() {
	seq, ok := c.seqQ.GetFilter()
	if !ok {
		return
	}
	c.seqQ.ForwardFilter()

	if seq.Cancelled() {
		seq.TryTransition(queue.SeqInit, queue.SeqCancel)
		c.pushEvent(seq.Notify, evCancel, seq.ID)
		return
	}

	c.drainUntilIdle()
	c.syncShadowTTL()

	c.p.SetHold()
	c.p.ToggleInit()
	c.seqRunning.Store(true)
	c.setDirty()
	c.runningSeq = seq

	seq.TryTransition(queue.SeqInit, queue.SeqStart)
	c.pushEvent(seq.Notify, evStart, seq.ID)

	run := runner.New(c.p, c, c.runCfg, seq.TTLMask, seq.LenNs)
	c.activeRunner = run

	var decErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				decErr = &decode.DecodeError{Msg: "panic during decode"}
			}
		}()
		if seq.IsCmd {
			decErr = decode.CmdList{}.Run(seq.Bytes, run)
		} else {
			decErr = decode.ByteCode{}.Run(seq.Bytes, run)
		}
	}()
	if decErr != nil {
		c.logThrottled("seq decode failed", decErr.Error())
	}

	c.p.Wait(false, minSeqTail)
	c.p.ReleaseHold()

	seq.TryTransition(queue.SeqStart, queue.SeqFlushed)
	c.pushEvent(seq.Notify, evFlushed, seq.ID)

	if !seq.IsCmd {
		run.Clock(markerClockOK)
	}

	for !c.p.IsFinished() {
		if _, did := c.ProcessReqCmd(false); !did {
			time.Sleep(c.runCfg.IdleSleep)
		}
	}

	seq.TryTransition(queue.SeqFlushed, queue.SeqEnd)
	c.pushEvent(seq.Notify, evEnd, seq.ID)

	if !seq.IsCmd {
		c.p.Wait(false, uint32(postSeqSettle/(10*time.Nanosecond)))
		c.p.Clock(false, markerClockEnd)
	}

	if !c.p.TimingOK() {
		c.logThrottled("sequence timing violation", "underflow detected by hardware")
		c.p.ClearError()
	}

	for _, chn := range run.PendingResets() {
		c.probeDDS(chn, true)
	}

	c.runningSeq = nil
	c.activeRunner = nil
	c.seqRunning.Store(false)
	c.setDirty()
}

// logThrottled rate-limits a recurring worker-loop log line so a
// stuck sequence or flaky DDS channel can't spam the log once per
// tick.
func (c *Core) logThrottled(category, msg string) {
	if c.lim == nil {
		c.log.Warn().Str("component", "core").Msg(msg)
		return
	}
	if _, ok := c.lim.Allow(category); ok {
		c.log.Warn().Str("component", "core").Msg(msg)
	}
}

// detectDDS implements ControllerCore.detect_dds: probes every DDS
// channel's physical presence every tick — rate-limited to once per
// ddsDetectInterval unless force is set or some channel has a pending
// reset — and reruns the magic-word init for whichever channels need
// it. force and pending are threaded through to probeDDS as its own
// force argument rather than always requesting a full reinit, so a
// healthy, already-initialized channel gets a cheap presence re-check
// instead of an unconditional reinit on every pass.
func (c *Core) detectDDS(force bool) {
	due := force
	if !due {
		for chn := 0; chn < pulser.NDDS; chn++ {
			if c.dds[chn].pending.Load() {
				due = true
				break
			}
		}
	}
	if !due && time.Since(c.lastDDSProbe) < ddsDetectInterval {
		return
	}
	c.lastDDSProbe = time.Now()
	for chn := 0; chn < pulser.NDDS; chn++ {
		c.probeDDS(chn, force)
	}
}

// probeDDS checks chn's physical presence (DDSExists, a register
// readback distinct from the magic-word check) and, for a present
// channel, runs the magic-word check/reinit — forced when force is
// set or the channel itself is flagged pending a reset.
func (c *Core) probeDDS(chn int, force bool) {
	if !c.p.DDSExists(chn) {
		c.dds[chn].exist.Store(false)
		c.dds[chn].pending.Store(false)
		c.logThrottled("dds missing", "DDS channel failed presence check")
		return
	}
	c.dds[chn].exist.Store(true)
	pending := c.dds[chn].pending.Load()
	c.p.CheckDDS(chn, force || pending)
	c.dds[chn].pending.Store(false)
}
