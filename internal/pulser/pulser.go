// Package pulser abstracts the FPGA pulse-sequencing fabric: a thin
// register-level capability that the rest of the controller depends on
// instead of touching hardware directly.
//
// Two implementations satisfy the interface: Real, which drives a
// memory-mapped register block, and Sim, which replays the same state
// machine in software with realistic per-instruction cycle cost so the
// controller can be exercised without hardware.
package pulser

import "context"

// NDDS is the number of AD9914 DDS channels on the box.
const NDDS = 22

// Bits holds the FPGA control-register bit layout, preserved verbatim
// from the register map so real and simulated pushes agree on meaning.
const (
	BitTimeOK   = 0x1
	BitFinished = 0x4
	BitNumRes   = 0x1f0
	BitHold     = 1 << 7
	BitInit     = 1 << 8

	CtrlDDS      = 0x10000000
	CtrlWait     = 0x20000000
	CtrlClearErr = 0x30000000
	CtrlLoopBack = 0x40000000
	CtrlClockOut = 0x50000000
	CtrlSPI      = 0x60000000
	CtrlTimeCheck = 0x8000000
)

// PulseTime lists the fixed per-opcode cycle cost the simulator charges
// and the Runner assumes when advancing sequence time. Values are in
// FPGA cycles (10ns each).
const (
	PulseTimeClock    = 5
	PulseTimeClearErr = 5
	PulseTimeLoopBack = 5
	PulseTimeDAC      = 45
	PulseTimeDDS      = 50
	PulseTimeTTLMin   = 3
)

// MaxShortWait is the largest delay, in cycles, a single `wait` pulse
// can encode (24-bit field).
const MaxShortWait = (1 << 24) - 1

// Pulser is the capability the rest of the controller depends on. It
// is implemented by Real (memory-mapped hardware) and Sim (software
// replay). Dispatch between the two is made once, at ControllerCore
// construction — never on the per-pulse hot path.
type Pulser interface {
	// Reads.
	TTLLoMask() uint32
	TTLHiMask() uint32
	CurTTL() uint32
	CurClock() uint8
	IsFinished() bool
	TimingOK() bool
	NumResults() uint32

	// Writes.
	SetTTLLoMask(mask uint32)
	SetTTLHiMask(mask uint32)
	SetHold()
	ReleaseHold()
	ToggleInit()
	ClearError()

	// Pulse pushes. checked tells the FPGA whether a timing underflow
	// on this instruction is a reportable error.
	TTL(checked bool, word uint32, dt uint32)
	Wait(checked bool, dt uint32)
	Clock(checked bool, div uint8)
	DAC(checked bool, chn uint8, v uint16)
	DDSReset(checked bool, chn int)
	DDSSetFreq(checked bool, chn int, ftw uint32)
	DDSSetAmp(checked bool, chn int, amp uint16)
	DDSSetPhase(checked bool, chn int, phase uint16)
	DDSGetFreq(checked bool, chn int)
	DDSGetAmp(checked bool, chn int)
	DDSGetPhase(checked bool, chn int)
	LoopBack(checked bool, word uint32)
	DDSSet2Bytes(checked bool, chn int, addr uint32, data uint16)
	DDSSet4Bytes(checked bool, chn int, addr uint32, data uint32)
	DDSGet2Bytes(checked bool, chn int, addr uint32)
	DDSGet4Bytes(checked bool, chn int, addr uint32)

	// Results.
	PopResult() uint32
	TryGetResult() (uint32, bool)
	GetResult(ctx context.Context) (uint32, error)

	// Identity.
	DDSExists(chn int) bool
	CheckDDS(chn int, force bool) bool
	DumpDDS(chn int) []uint32
}
