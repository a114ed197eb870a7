package controller

import (
	"github.com/nacs-lab/molecube-go/internal/cache"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
)

// applyTTLOverride folds the active TTL override into word: bits set in
// ovrNorm are forced to whatever ovrHi holds for that bit (0 if only
// ovrLo names it), everything else passes through unchanged.
func (c *Core) applyTTLOverride(word uint32) uint32 {
	norm := c.ttlOvrNorm.Load()
	hi := c.ttlOvrHi.Load()
	return (word &^ norm) | (hi & norm)
}

// runCmd implements ControllerCore.run_cmd: the untimed-request switch,
// called only from the backend worker via ProcessReqCmd. checked is
// threaded through to the Pulser so a timing violation on this single
// push is reported the same way a sequence's checked pulses are.
func (c *Core) runCmd(checked bool, cmd *queue.Cmd) (cycles uint32, needsResult bool) {
	switch cmd.Op {
	case queue.CmdSetTTLWord:
		// set_ttl(mask, val): only the bits named by mask (Operand)
		// move to the corresponding bits of val (Val); everything else
		// holds at its current hardware value.
		cur := c.p.CurTTL()
		mask := cmd.Operand
		word := (cur &^ mask) | (cmd.Val & mask)
		c.p.TTL(checked, c.applyTTLOverride(word), pulser.PulseTimeTTLMin)
		c.syncRunnerTTL(word)
		return pulser.PulseTimeTTLMin, false

	case queue.CmdSetTTLBit:
		cur := c.p.CurTTL()
		bit := uint32(1) << uint(cmd.Operand)
		var word uint32
		if cmd.Val != 0 {
			word = cur | bit
		} else {
			word = cur &^ bit
		}
		c.p.TTL(checked, c.applyTTLOverride(word), pulser.PulseTimeTTLMin)
		c.syncRunnerTTL(word)
		return pulser.PulseTimeTTLMin, false

	case queue.CmdSetTTLOvr:
		// set_ttl_ovr(mask, mode): for each bit named by mask (Operand),
		// mode (Val) selects forced-low (0), forced-high (1), or
		// override-off (2). Bits outside mask keep their existing
		// override state.
		mask := cmd.Operand
		switch cmd.Val {
		case queue.TTLOvrLow:
			c.ttlOvrHi.Store(c.ttlOvrHi.Load() &^ mask)
			c.ttlOvrLo.Store(c.ttlOvrLo.Load() | mask)
			c.ttlOvrNorm.Store(c.ttlOvrNorm.Load() | mask)
		case queue.TTLOvrHigh:
			c.ttlOvrHi.Store(c.ttlOvrHi.Load() | mask)
			c.ttlOvrLo.Store(c.ttlOvrLo.Load() &^ mask)
			c.ttlOvrNorm.Store(c.ttlOvrNorm.Load() | mask)
		case queue.TTLOvrOff:
			c.ttlOvrHi.Store(c.ttlOvrHi.Load() &^ mask)
			c.ttlOvrLo.Store(c.ttlOvrLo.Load() &^ mask)
			c.ttlOvrNorm.Store(c.ttlOvrNorm.Load() &^ mask)
		}
		c.p.TTL(checked, c.applyTTLOverride(c.p.CurTTL()), pulser.PulseTimeTTLMin)
		return pulser.PulseTimeTTLMin, false

	case queue.CmdGetTTL:
		cmd.Val = c.p.CurTTL()
		return 0, false

	case queue.CmdGetTTLOvrHi:
		cmd.Val = c.ttlOvrHi.Load()
		return 0, false

	case queue.CmdGetTTLOvrLo:
		cmd.Val = c.ttlOvrLo.Load()
		return 0, false

	case queue.CmdSetDDS:
		d := &c.dds[cmd.Chn]
		val := normalizeDDS(cmd.Param, cmd.Val)
		if d.ovrActive[cmd.Param].Load() {
			// A non-override set while an override is active is
			// promoted to an override write: the override always wins.
			d.ovrVal[cmd.Param].Store(val)
		}
		c.pushDDSSet(checked, cmd.Chn, cmd.Param, val)
		return pulser.PulseTimeDDS, false

	case queue.CmdSetDDSOvr:
		d := &c.dds[cmd.Chn]
		if cmd.Val == cache.NoOverride {
			d.ovrActive[cmd.Param].Store(false)
			return 0, false
		}
		val := normalizeDDS(cmd.Param, cmd.Val)
		if d.ovrActive[cmd.Param].Load() && d.ovrVal[cmd.Param].Load() == val {
			// Same value with the override already on: nothing changes.
			return 0, false
		}
		d.ovrActive[cmd.Param].Store(true)
		d.ovrVal[cmd.Param].Store(val)
		c.pushDDSSet(checked, cmd.Chn, cmd.Param, val)
		return pulser.PulseTimeDDS, false

	case queue.CmdGetDDS:
		switch cmd.Param {
		case queue.DDSFreq:
			c.p.DDSGetFreq(checked, cmd.Chn)
		case queue.DDSAmp:
			c.p.DDSGetAmp(checked, cmd.Chn)
		case queue.DDSPhase:
			c.p.DDSGetPhase(checked, cmd.Chn)
		}
		return pulser.PulseTimeDDS, true

	case queue.CmdGetDDSOvr:
		d := &c.dds[cmd.Chn]
		if d.ovrActive[cmd.Param].Load() {
			cmd.Val = d.ovrVal[cmd.Param].Load()
		} else {
			cmd.Val = cache.NoOverride
		}
		return 0, false

	case queue.CmdResetDDS:
		c.p.DDSReset(checked, cmd.Chn)
		d := &c.dds[cmd.Chn]
		d.pending.Store(true)
		for p := range d.ovrActive {
			d.ovrActive[p].Store(false)
		}
		return pulser.PulseTimeDDS, false

	case queue.CmdSetClock:
		c.p.Clock(checked, uint8(cmd.Operand))
		return pulser.PulseTimeClock, false

	case queue.CmdGetClock:
		cmd.Val = uint32(c.p.CurClock())
		return 0, false

	default:
		return 0, false
	}
}

// normalizeDDS clamps a raw DDS write to its hardware field width:
// amplitude is a 12-bit DAC scale, phase (and its shadow) a 16-bit
// word; frequency tuning words use the full 32 bits.
func normalizeDDS(param queue.DDSParam, val uint32) uint32 {
	switch param {
	case queue.DDSAmp:
		return val & 0xfff
	case queue.DDSPhase:
		return val & 0xffff
	default:
		return val
	}
}

// syncRunnerTTL keeps an in-flight sequence's Runner aware of a
// concurrent set_ttl that changed the hardware word out from under it,
// recomputing preserve_ttl without touching which bits the sequence
// itself is allowed to drive.
func (c *Core) syncRunnerTTL(newCurTTL uint32) {
	if c.activeRunner == nil {
		return
	}
	c.activeRunner.SetTTLMask(c.activeRunner.TTLMask(), newCurTTL)
}

func (c *Core) pushDDSSet(checked bool, chn int, param queue.DDSParam, val uint32) {
	switch param {
	case queue.DDSFreq:
		c.p.DDSSetFreq(checked, chn, val)
	case queue.DDSAmp:
		c.p.DDSSetAmp(checked, chn, uint16(val))
	case queue.DDSPhase:
		c.p.DDSSetPhase(checked, chn, uint16(val))
		c.dds[chn].phase.Store(val)
	}
}
