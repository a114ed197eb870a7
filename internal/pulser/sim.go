package pulser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// opcode enumerates the instruction types the simulator's internal
// command queue tracks. This mirrors the dummy pulser's internal `OP`
// enum, not the FPGA's control-word encoding.
type opcode uint8

const (
	opTTL opcode = iota
	opClock
	opDAC
	opWait
	opClearErr
	opDDSSetFreq
	opDDSSetAmp
	opDDSSetPhase
	opDDSReset
	opLoopBack
	opDDSGetFreq
	opDDSGetAmp
	opDDSGetPhase
	opDDSSet2Bytes
	opDDSSet4Bytes
	opDDSGet2Bytes
	opDDSGet4Bytes
)

type simCmd struct {
	op          opcode
	checked     bool
	chn         int
	v1          uint32
	v2          uint32
	cycles      uint32
	scheduledAt int64 // unix nanoseconds
}

type ddsChan struct {
	exists bool
	init   bool
	freq   uint32
	amp    uint16
	phase  uint16
}

// Counters exposes the debug counters the spec requires: per-opcode
// instruction counts, total cycles charged, and result-fifo traffic —
// so tests can observe simulator behavior without real hardware.
type Counters struct {
	OpCount       map[string]uint64
	TotalCycles   uint64
	ResultsPushed uint64
	ResultsPopped uint64
}

// Sim is a software replay of the FPGA pulse fabric: same external
// contract as Real, but with the per-instruction cycle cost and
// in-order FIFO semantics reproduced in software so tests don't need
// hardware.
//
// To keep it simple, functions that require access to the command or
// result queues (including all DDS functions) are only ever called
// from the controller's single backend goroutine. Hold/release/init/
// timing functions are likewise backend-only. TTL/clock mask reads and
// writes are safe from any goroutine (mirroring the real register
// file's documented concurrent-safe subset).
type Sim struct {
	ttlHi atomicU32
	ttlLo atomicU32
	ttl   atomicU32
	clock atomicU8
	hold  atomicBool

	mu       sync.Mutex
	queue    []simCmd
	results  []uint32
	dds      [NDDS]ddsChan
	timingOK bool
	underflowCycle uint64
	counters Counters

	now func() time.Time
}

// NewSim constructs a simulator with all 22 DDS channels present and
// timing nominally OK.
func NewSim() *Sim {
	s := &Sim{
		timingOK: true,
		now:      time.Now,
		counters: Counters{OpCount: make(map[string]uint64)},
	}
	s.clock.store(255)
	for i := range s.dds {
		s.dds[i].exists = true
	}
	return s
}

func (s *Sim) nowNs() int64 { return s.now().UnixNano() }

// UnderflowCycle returns the accumulated missed-interval total, in
// FPGA cycles (10ns units), since the last ClearError.
func (s *Sim) UnderflowCycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underflowCycle
}

// DebugCounters returns a snapshot of the simulator's instrumentation.
func (s *Sim) DebugCounters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Counters{OpCount: make(map[string]uint64, len(s.counters.OpCount))}
	for k, v := range s.counters.OpCount {
		cp.OpCount[k] = v
	}
	cp.TotalCycles = s.counters.TotalCycles
	cp.ResultsPushed = s.counters.ResultsPushed
	cp.ResultsPopped = s.counters.ResultsPopped
	return cp
}

func (s *Sim) TTLLoMask() uint32 { return s.ttlLo.load() }
func (s *Sim) TTLHiMask() uint32 { return s.ttlHi.load() }
func (s *Sim) SetTTLLoMask(mask uint32) { s.ttlLo.store(mask) }
func (s *Sim) SetTTLHiMask(mask uint32) { s.ttlHi.store(mask) }

func (s *Sim) CurTTL() uint32 {
	s.forwardTime()
	return s.ttl.load()
}

func (s *Sim) CurClock() uint8 {
	s.forwardTime()
	return s.clock.load()
}

func (s *Sim) IsFinished() bool {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

func (s *Sim) TimingOK() bool {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timingOK
}

func (s *Sim) NumResults() uint32 {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.results))
}

func (s *Sim) SetHold()     { s.hold.store(true) }
func (s *Sim) ReleaseHold() { s.hold.store(false) }
func (s *Sim) ToggleInit()  {}

func (s *Sim) ClearError() {
	s.mu.Lock()
	s.timingOK = true
	s.underflowCycle = 0
	s.mu.Unlock()
}

// addCmd enqueues a simulated instruction, computing its scheduled
// start from the previous instruction's schedule plus its cycle cost
// (or "now" if the queue was empty). A checked instruction whose
// schedule already lies in the past at enqueue time latches a timing
// underflow — this is evaluated once, at push time, not lazily during
// execution, so that time spent held does not itself count as
// underflow.
func (s *Sim) addCmd(c simCmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowNs()
	var base int64
	if n := len(s.queue); n > 0 {
		last := s.queue[n-1]
		base = last.scheduledAt + int64(last.cycles)*10
	} else {
		base = now
	}
	c.scheduledAt = base
	if c.checked && base < now {
		s.timingOK = false
		s.underflowCycle += uint64(now-base) / 10
	}
	s.queue = append(s.queue, c)
	s.counters.OpCount[opName(c.op)]++
	s.counters.TotalCycles += uint64(c.cycles)
}

func (s *Sim) forwardTime() {
	for {
		if s.hold.load() {
			return
		}
		now := s.nowNs()
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].scheduledAt > now {
			s.mu.Unlock()
			return
		}
		cmd := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.execute(cmd)
	}
}

func (s *Sim) execute(c simCmd) {
	switch c.op {
	case opTTL:
		s.ttl.store(c.v1)
	case opClock:
		s.clock.store(uint8(c.v1))
	case opDAC, opWait:
		// No observable shadow state beyond cycle accounting.
	case opClearErr:
		s.mu.Lock()
		s.timingOK = true
		s.underflowCycle = 0
		s.mu.Unlock()
	case opLoopBack:
		s.pushResult(c.v1)
	case opDDSSetFreq:
		s.mu.Lock()
		s.dds[c.chn].freq = c.v1
		s.mu.Unlock()
	case opDDSSetAmp:
		s.mu.Lock()
		s.dds[c.chn].amp = uint16(c.v1)
		s.mu.Unlock()
	case opDDSSetPhase:
		s.mu.Lock()
		s.dds[c.chn].phase = uint16(c.v1)
		s.mu.Unlock()
	case opDDSReset:
		s.mu.Lock()
		s.dds[c.chn].freq = 0
		s.dds[c.chn].amp = 0
		s.dds[c.chn].phase = 0
		s.dds[c.chn].init = false
		s.mu.Unlock()
	case opDDSGetFreq:
		s.mu.Lock()
		v := s.dds[c.chn].freq
		s.mu.Unlock()
		s.pushResult(v)
	case opDDSGetAmp:
		s.mu.Lock()
		v := uint32(s.dds[c.chn].amp)
		s.mu.Unlock()
		s.pushResult(v)
	case opDDSGetPhase:
		s.mu.Lock()
		v := uint32(s.dds[c.chn].phase)
		s.mu.Unlock()
		s.pushResult(v)
	case opDDSSet2Bytes, opDDSSet4Bytes:
		// Raw register plane: not modeled beyond cycle accounting.
	case opDDSGet2Bytes, opDDSGet4Bytes:
		s.pushResult(0)
	}
}

func (s *Sim) pushResult(v uint32) {
	s.mu.Lock()
	s.results = append(s.results, v)
	s.counters.ResultsPushed++
	s.mu.Unlock()
}

func (s *Sim) TTL(checked bool, word uint32, dt uint32) {
	if dt > MaxShortWait {
		panic(fmt.Sprintf("pulser: ttl dt %d exceeds %d", dt, MaxShortWait))
	}
	s.addCmd(simCmd{op: opTTL, checked: checked, v1: word, cycles: dt})
}

func (s *Sim) Wait(checked bool, dt uint32) {
	if dt > MaxShortWait {
		panic(fmt.Sprintf("pulser: wait dt %d exceeds %d", dt, MaxShortWait))
	}
	s.addCmd(simCmd{op: opWait, checked: checked, cycles: dt})
}

func (s *Sim) Clock(checked bool, div uint8) {
	s.addCmd(simCmd{op: opClock, checked: checked, v1: uint32(div), cycles: PulseTimeClock})
}

func (s *Sim) DAC(checked bool, chn uint8, v uint16) {
	s.addCmd(simCmd{op: opDAC, checked: checked, chn: int(chn), v1: uint32(v), cycles: PulseTimeDAC})
}

func (s *Sim) DDSReset(checked bool, chn int) {
	s.addCmd(simCmd{op: opDDSReset, checked: checked, chn: chn, cycles: PulseTimeDDS})
}

func (s *Sim) DDSSetFreq(checked bool, chn int, ftw uint32) {
	s.addCmd(simCmd{op: opDDSSetFreq, checked: checked, chn: chn, v1: ftw, cycles: PulseTimeDDS})
}

func (s *Sim) DDSSetAmp(checked bool, chn int, amp uint16) {
	s.addCmd(simCmd{op: opDDSSetAmp, checked: checked, chn: chn, v1: uint32(amp), cycles: PulseTimeDDS})
}

func (s *Sim) DDSSetPhase(checked bool, chn int, phase uint16) {
	s.addCmd(simCmd{op: opDDSSetPhase, checked: checked, chn: chn, v1: uint32(phase), cycles: PulseTimeDDS})
}

func (s *Sim) DDSGetFreq(checked bool, chn int) {
	s.addCmd(simCmd{op: opDDSGetFreq, checked: checked, chn: chn, cycles: PulseTimeDDS})
}

func (s *Sim) DDSGetAmp(checked bool, chn int) {
	s.addCmd(simCmd{op: opDDSGetAmp, checked: checked, chn: chn, cycles: PulseTimeDDS})
}

func (s *Sim) DDSGetPhase(checked bool, chn int) {
	s.addCmd(simCmd{op: opDDSGetPhase, checked: checked, chn: chn, cycles: PulseTimeDDS})
}

func (s *Sim) LoopBack(checked bool, word uint32) {
	s.addCmd(simCmd{op: opLoopBack, checked: checked, v1: word, cycles: PulseTimeLoopBack})
}

func (s *Sim) DDSSet2Bytes(checked bool, chn int, addr uint32, data uint16) {
	s.addCmd(simCmd{op: opDDSSet2Bytes, checked: checked, chn: chn, v1: addr, v2: uint32(data), cycles: PulseTimeDDS})
}

func (s *Sim) DDSSet4Bytes(checked bool, chn int, addr uint32, data uint32) {
	s.addCmd(simCmd{op: opDDSSet4Bytes, checked: checked, chn: chn, v1: addr, v2: data, cycles: PulseTimeDDS})
}

func (s *Sim) DDSGet2Bytes(checked bool, chn int, addr uint32) {
	s.addCmd(simCmd{op: opDDSGet2Bytes, checked: checked, chn: chn, v1: addr, cycles: PulseTimeDDS})
}

func (s *Sim) DDSGet4Bytes(checked bool, chn int, addr uint32) {
	s.addCmd(simCmd{op: opDDSGet4Bytes, checked: checked, chn: chn, v1: addr, cycles: PulseTimeDDS})
}

func (s *Sim) PopResult() uint32 {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return 0
	}
	v := s.results[0]
	s.results = s.results[1:]
	s.counters.ResultsPopped++
	return v
}

func (s *Sim) TryGetResult() (uint32, bool) {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return 0, false
	}
	v := s.results[0]
	s.results = s.results[1:]
	s.counters.ResultsPopped++
	return v, true
}

// GetResult blocks, yielding the goroutine, until a result is
// available or ctx is done.
func (s *Sim) GetResult(ctx context.Context) (uint32, error) {
	for {
		if v, ok := s.TryGetResult(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		runtimeGosched()
	}
}

func (s *Sim) DDSExists(chn int) bool {
	if chn < 0 || chn >= NDDS {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dds[chn].exists
}

// CheckDDS reads the channel's "magic word" (simulated as the init
// flag). If present and force is false, no re-init is needed. Force
// or a cold channel runs the (simulated, instantaneous) init sequence
// and reports that it did so.
func (s *Sim) CheckDDS(chn int, force bool) bool {
	if !s.DDSExists(chn) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if force || !s.dds[chn].init {
		s.dds[chn].init = true
		return true
	}
	return false
}

// DumpDDS lists the non-zero register words for diagnostics.
func (s *Sim) DumpDDS(chn int) []uint32 {
	s.forwardTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	d := s.dds[chn]
	if d.freq != 0 {
		out = append(out, d.freq)
	}
	if d.amp != 0 {
		out = append(out, uint32(d.amp))
	}
	if d.phase != 0 {
		out = append(out, uint32(d.phase))
	}
	return out
}

func opName(op opcode) string {
	switch op {
	case opTTL:
		return "ttl"
	case opClock:
		return "clock"
	case opDAC:
		return "dac"
	case opWait:
		return "wait"
	case opClearErr:
		return "clear_err"
	case opDDSSetFreq:
		return "dds_set_freq"
	case opDDSSetAmp:
		return "dds_set_amp"
	case opDDSSetPhase:
		return "dds_set_phase"
	case opDDSReset:
		return "dds_reset"
	case opLoopBack:
		return "loopback"
	case opDDSGetFreq:
		return "dds_get_freq"
	case opDDSGetAmp:
		return "dds_get_amp"
	case opDDSGetPhase:
		return "dds_get_phase"
	case opDDSSet2Bytes:
		return "dds_set_2bytes"
	case opDDSSet4Bytes:
		return "dds_set_4bytes"
	case opDDSGet2Bytes:
		return "dds_get_2bytes"
	case opDDSGet4Bytes:
		return "dds_get_4bytes"
	default:
		return "unknown"
	}
}
