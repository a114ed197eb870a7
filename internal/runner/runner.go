// Package runner implements Runner, the per-sequence decoder target:
// it receives one callback per bytecode/cmdlist operation and turns
// it into zero or more Pulser pushes, tracking cumulative sequence
// time and enforcing the real-time lead invariant.
package runner

import (
	"time"

	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
)

// Scheduler is the backend hook Runner.wait calls when it has lead
// time to spare: it lets the worker service one pending untimed
// operation (a cache-coalesced read, a queued Cmd) in between pushing
// sequence instructions. Implemented by *controller.Core; declared
// here (not imported from controller) so runner has no dependency on
// controller and the two packages don't form an import cycle.
type Scheduler interface {
	// ProcessReqCmd services at most one pending untimed request and
	// reports the FPGA cycles it consumed, or 0 if there was nothing
	// to do.
	ProcessReqCmd(checked bool) (cycles uint32, didSomething bool)

	// DDSOverrideActive reports whether chn's param currently has an
	// active software override, per the shadow override state the
	// backend owns (spec.md §5: "shadow DDS state ... written only by
	// the backend").
	DDSOverrideActive(chn int, param queue.DDSParam) bool

	// ShadowPhase returns the backend's current phase shadow for chn,
	// used by dds_detphase to compute an absolute phase from a delta.
	ShadowPhase(chn int) uint16

	// MarkPendingReset flags chn for the post-sequence DDS
	// reinitialization run_seq performs once the FIFO has drained.
	MarkPendingReset(chn int)
}

// Config holds the two Runner tunables spec.md §9's open questions
// resolve into explicit values rather than hardcoded constants.
type Config struct {
	// TMin is the minimum lead the real hardware must keep ahead of
	// wall clock, spec.md §4.5's T_min (~0.5s, or 20x coarse clock
	// resolution, whichever is larger).
	TMin time.Duration
	// IdleSleep is how long wait() sleeps when there is lead time but
	// the scheduler found nothing to do (spec.md §4.5 step 4: "sleep
	// 1ms").
	IdleSleep time.Duration
}

// DefaultConfig matches the values spec.md names explicitly.
func DefaultConfig() Config {
	return Config{TMin: 500 * time.Millisecond, IdleSleep: time.Millisecond}
}

// maxWaitT is the largest single `wait` pulse the wait loop issues
// per chunk, one short of Pulser.MaxShortWait to leave slack for
// whatever the caller pushes next in the same FPGA cycle.
const maxWaitT = pulser.MaxShortWait - 1

// shortSeqLenNs is the seq_len_ns threshold under which a sequence is
// never preempted — short sequences just push wait unconditionally.
const shortSeqLenNs = 1_000_000_000

// shortWaitCycles is the dt threshold under which even a long
// sequence's wait is pushed unconditionally rather than entering the
// preemption loop.
const shortWaitCycles = 2000

// Runner is constructed once per sequence.
type Runner struct {
	p   pulser.Pulser
	sch Scheduler
	cfg Config

	ttlMask     uint32
	preserveTTL uint32
	seqLenNs    uint64
	startT      time.Time

	t uint64 // cumulative sequence time, in FPGA cycles (10ns units)

	pendingReset map[int]bool
}

// New constructs a Runner for a sequence with the given TTL mask and
// nominal length, capturing the current hardware TTL word so bits
// outside the mask are preserved across every ttl/ttl1 push.
func New(p pulser.Pulser, sch Scheduler, cfg Config, ttlMask uint32, seqLenNs uint64) *Runner {
	curTTL := p.CurTTL()
	return &Runner{
		p:            p,
		sch:          sch,
		cfg:          cfg,
		ttlMask:      ttlMask,
		preserveTTL:  ^ttlMask & curTTL,
		seqLenNs:     seqLenNs,
		startT:       time.Now(),
		pendingReset: make(map[int]bool),
	}
}

// SeqTime returns the cumulative sequence time pushed so far, in FPGA
// cycles.
func (r *Runner) SeqTime() uint64 { return r.t }

// TTLMask returns the sequence's own allowed-to-change TTL bits, for
// callers that need to recompute preserve_ttl against a fresh hardware
// word without altering which bits the sequence controls.
func (r *Runner) TTLMask() uint32 { return r.ttlMask }

// SetTTLMask updates the mask and recomputed preserve word when a
// set_ttl request arrives mid-sequence (spec.md §4.6: "the shadow and
// preserve_ttl inside the runner are updated too, so future sequence
// instructions see the change").
func (r *Runner) SetTTLMask(mask, curTTL uint32) {
	r.ttlMask = mask
	r.preserveTTL = ^mask & curTTL
}

// PendingResets returns the DDS channels dds_reset flagged during this
// sequence, for run_seq's post-sequence reinitialization pass.
func (r *Runner) PendingResets() []int {
	out := make([]int, 0, len(r.pendingReset))
	for chn := range r.pendingReset {
		out = append(out, chn)
	}
	return out
}

// TTL1 sets a single TTL bit, merging in the preserved word, and
// pushes a checked TTL pulse held for dt cycles.
func (r *Runner) TTL1(chn int, val bool, dt uint32) {
	word := r.preserveTTL
	if val {
		word |= 1 << uint(chn)
	}
	r.ttl(word, dt)
}

// TTL drives the full TTL word (masked bits only; preserved bits
// always win) for dt cycles.
func (r *Runner) TTL(word uint32, dt uint32) {
	r.ttl((word&r.ttlMask)|r.preserveTTL, dt)
}

func (r *Runner) ttl(word uint32, dt uint32) {
	if dt > 1000 {
		r.p.TTL(true, word, 100)
		r.t += 100
		r.Wait(dt - 100)
		return
	}
	r.p.TTL(true, word, dt)
	r.t += uint64(dt)
}

// DDSFreq pushes a DDS frequency write unless chn's frequency override
// is active, in which case the write is skipped but sequence time
// still advances by the nominal cost so the program stays on its time
// grid.
func (r *Runner) DDSFreq(chn int, ftw uint32) {
	if r.sch.DDSOverrideActive(chn, queue.DDSFreq) {
		r.t += pulser.PulseTimeDDS
		return
	}
	r.p.DDSSetFreq(true, chn, ftw)
	r.t += pulser.PulseTimeDDS
}

// DDSAmp is DDSFreq's amplitude counterpart.
func (r *Runner) DDSAmp(chn int, amp uint16) {
	if r.sch.DDSOverrideActive(chn, queue.DDSAmp) {
		r.t += pulser.PulseTimeDDS
		return
	}
	r.p.DDSSetAmp(true, chn, amp)
	r.t += pulser.PulseTimeDDS
}

// DDSPhase is DDSFreq's phase counterpart.
func (r *Runner) DDSPhase(chn int, phase uint16) {
	if r.sch.DDSOverrideActive(chn, queue.DDSPhase) {
		r.t += pulser.PulseTimeDDS
		return
	}
	r.p.DDSSetPhase(true, chn, phase)
	r.t += pulser.PulseTimeDDS
}

// DDSDetPhase resolves a relative phase delta against the backend's
// phase shadow and pushes the resulting absolute phase via DDSPhase.
func (r *Runner) DDSDetPhase(chn int, delta uint16) {
	r.DDSPhase(chn, r.sch.ShadowPhase(chn)+delta)
}

// DDSReset pushes the hardware reset and flags chn for the
// post-sequence reinitialization run_seq performs once the FIFO has
// drained — the expensive 50-step init never runs mid-sequence.
func (r *Runner) DDSReset(chn int) {
	r.p.DDSReset(true, chn)
	r.t += pulser.PulseTimeDDS
	r.pendingReset[chn] = true
	r.sch.MarkPendingReset(chn)
}

// DAC pushes a DAC write with its fixed cycle cost.
func (r *Runner) DAC(chn uint8, v uint16) {
	r.p.DAC(true, chn, v)
	r.t += pulser.PulseTimeDAC
}

// Clock pushes a clock-divider write with its fixed cycle cost.
func (r *Runner) Clock(div uint8) {
	r.p.Clock(true, div)
	r.t += pulser.PulseTimeClock
}

// Wait is the heart of the scheduler: it advances sequence time by dt
// cycles, preempting to service untimed backend work whenever the
// sequence is running comfortably ahead of the real-time frontier.
func (r *Runner) Wait(dt uint32) {
	if r.seqLenNs <= shortSeqLenNs || dt < shortWaitCycles {
		r.pushWaitChunks(dt)
		return
	}

	releasedHold := false
	for dt > 0 {
		seqRT := r.startT.Add(time.Duration(r.t) * 10 * time.Nanosecond)
		threshRT := time.Now().Add(r.cfg.TMin)

		if seqRT.Before(threshRT) {
			lead := threshRT.Sub(seqRT)
			needCycles := uint32(lead / (10 * time.Nanosecond))
			if needCycles > dt {
				needCycles = dt
			}
			if needCycles == 0 {
				needCycles = 1
			}
			r.pushWaitChunks(needCycles)
			dt -= needCycles
			if !releasedHold {
				w := uint32(1000)
				if w > dt {
					w = dt
				}
				if w > 0 {
					r.p.Wait(true, w)
					r.t += uint64(w)
					dt -= w
				}
				r.p.ReleaseHold()
				releasedHold = true
			}
			continue
		}

		cycles, did := r.sch.ProcessReqCmd(true)
		if did {
			if uint64(cycles) > uint64(dt) {
				cycles = dt
			}
			r.t += uint64(cycles)
			dt -= cycles
			continue
		}

		remaining := r.remainingWithoutViolatingLead(dt)
		if remaining == dt {
			r.pushWaitChunks(dt)
			return
		}
		time.Sleep(r.cfg.IdleSleep)
	}
}

// remainingWithoutViolatingLead returns dt unchanged if, with all of it
// pushed, sequence time would be at or past thresh_rt (wall clock plus
// T_min); otherwise it returns 0.
func (r *Runner) remainingWithoutViolatingLead(dt uint32) uint32 {
	seqRT := r.startT.Add(time.Duration(r.t+uint64(dt)) * 10 * time.Nanosecond)
	threshRT := time.Now().Add(r.cfg.TMin)
	if !seqRT.Before(threshRT) {
		return dt
	}
	return 0
}

func (r *Runner) pushWaitChunks(dt uint32) {
	for dt > maxWaitT {
		r.p.Wait(true, maxWaitT)
		r.t += maxWaitT
		dt -= maxWaitT
	}
	if dt > 0 {
		r.p.Wait(true, dt)
		r.t += uint64(dt)
	}
}
