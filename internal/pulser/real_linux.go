//go:build linux

package pulser

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// registerFileSize is large enough to cover the register block the
// FPGA exposes (32 32-bit registers), rounded up to a page.
const registerFileSize = 4096

// Real drives the memory-mapped FPGA register block directly,
// matching the register layout of original_source/lib/pulser.h: a
// flat array of 32-bit registers reached through a single mmap'd
// page, read/written with no higher-level bus abstraction (there is
// no GPIO/SPI bus to model — the whole pulse fabric is one register
// file).
type Real struct {
	mem []byte
}

// OpenReal maps the pulse-fabric register file at the given physical
// address via /dev/mem. addr is typically read from a board-specific
// device tree entry; callers that can't map hardware should fall back
// to Sim instead of calling this.
func OpenReal(addr int64) (*Real, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pulser: open /dev/mem: %w", err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), addr, registerFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pulser: mmap register file: %w", err)
	}
	return &Real{mem: mem}, nil
}

func (r *Real) Close() error {
	return unix.Munmap(r.mem)
}

func (r *Real) reg(i int) uint32 {
	return binary.LittleEndian.Uint32(r.mem[i*4:])
}

func (r *Real) setReg(i int, v uint32) {
	binary.LittleEndian.PutUint32(r.mem[i*4:], v)
}

func (r *Real) TTLLoMask() uint32 { return r.reg(1) }
func (r *Real) TTLHiMask() uint32 { return r.reg(0) }
func (r *Real) CurTTL() uint32    { return r.reg(4) }
func (r *Real) CurClock() uint8   { return uint8(r.reg(5)) }
func (r *Real) IsFinished() bool  { return r.reg(2)&BitFinished != 0 }
func (r *Real) TimingOK() bool    { return r.reg(2)&BitTimeOK == 0 }
func (r *Real) NumResults() uint32 {
	return (r.reg(2) & BitNumRes) >> 4
}

func (r *Real) SetTTLLoMask(mask uint32) { r.setReg(1, mask) }
func (r *Real) SetTTLHiMask(mask uint32) { r.setReg(0, mask) }

func (r *Real) SetHold()     { r.setReg(3, r.reg(3)|BitHold) }
func (r *Real) ReleaseHold() { r.setReg(3, r.reg(3)&^uint32(BitHold)) }
func (r *Real) ToggleInit() {
	r3 := r.reg(3)
	r.setReg(3, r3|BitInit)
	r.setReg(3, r3&^uint32(BitInit))
}
func (r *Real) ClearError() { r.shortPulse(false, CtrlClearErr, 0) }

func (r *Real) shortPulse(checked bool, ctrl uint32, op uint32) {
	if checked {
		ctrl |= CtrlTimeCheck
	}
	r.setReg(31, op)
	r.setReg(31, ctrl)
}

func (r *Real) TTL(checked bool, word uint32, dt uint32) {
	if dt > MaxShortWait {
		panic(fmt.Sprintf("pulser: ttl dt %d exceeds %d", dt, MaxShortWait))
	}
	r.shortPulse(checked, dt, word)
}

func (r *Real) Wait(checked bool, dt uint32) {
	if dt > MaxShortWait {
		panic(fmt.Sprintf("pulser: wait dt %d exceeds %d", dt, MaxShortWait))
	}
	r.shortPulse(checked, CtrlWait|dt, 0)
}

func (r *Real) Clock(checked bool, div uint8) {
	r.shortPulse(checked, CtrlClockOut, uint32(div))
}

func (r *Real) spiPulse(checked bool, clkDiv uint8, spiID uint8, data uint32) {
	opcode := (uint32(spiID&3) << 11) | uint32(clkDiv)
	r.shortPulse(checked, opcode|CtrlSPI, data)
}

func (r *Real) DAC(checked bool, chn uint8, v uint16) {
	r.spiPulse(checked, 0, 0, (uint32(chn&3)<<16)|uint32(v))
}

func (r *Real) ddsPulse(checked bool, ctrl uint32, op uint32) {
	r.shortPulse(checked, CtrlDDS|ctrl, op)
}

func (r *Real) DDSReset(checked bool, chn int) {
	r.ddsPulse(checked, 0x4|(uint32(chn)<<4), 0)
}

func (r *Real) DDSSetFreq(checked bool, chn int, ftw uint32) {
	r.ddsPulse(checked, uint32(chn)<<4, ftw)
}

func (r *Real) DDSSet2Bytes(checked bool, chn int, addr uint32, data uint16) {
	r.ddsPulse(checked, 0x2|(uint32(chn)<<4)|(((addr+1)&0x7f)<<9), uint32(data))
}

func (r *Real) DDSSet4Bytes(checked bool, chn int, addr uint32, data uint32) {
	r.ddsPulse(checked, 0xf|(uint32(chn)<<4)|(((addr+1)&0x7f)<<9), data)
}

func (r *Real) DDSSetAmp(checked bool, chn int, amp uint16) {
	r.DDSSet2Bytes(checked, chn, 0x32, amp)
}

func (r *Real) DDSSetPhase(checked bool, chn int, phase uint16) {
	r.DDSSet2Bytes(checked, chn, 0x30, phase)
}

func (r *Real) DDSGet2Bytes(checked bool, chn int, addr uint32) {
	r.ddsPulse(checked, 0x3|(uint32(chn)<<4)|((addr+1)<<9), 0)
}

func (r *Real) DDSGet4Bytes(checked bool, chn int, addr uint32) {
	r.ddsPulse(checked, 0xe|(uint32(chn)<<4)|((addr+1)<<9), 0)
}

func (r *Real) DDSGetPhase(checked bool, chn int) { r.DDSGet2Bytes(checked, chn, 0x30) }
func (r *Real) DDSGetAmp(checked bool, chn int)   { r.DDSGet2Bytes(checked, chn, 0x32) }
func (r *Real) DDSGetFreq(checked bool, chn int)  { r.DDSGet4Bytes(checked, chn, 0x2c) }

func (r *Real) LoopBack(checked bool, word uint32) {
	r.shortPulse(checked, CtrlLoopBack, word)
}

func (r *Real) PopResult() uint32 { return r.reg(31) }

func (r *Real) TryGetResult() (uint32, bool) {
	if r.NumResults() == 0 {
		return 0, false
	}
	return r.PopResult(), true
}

func (r *Real) GetResult(ctx context.Context) (uint32, error) {
	for {
		if v, ok := r.TryGetResult(); ok {
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

// DDSExists flips a DDS register and checks the readback: two
// commands, two results.
func (r *Real) DDSExists(chn int) bool {
	const magic = 0x5a5a5a5a
	r.DDSSet4Bytes(false, chn, 0x00, magic)
	r.DDSGet4Bytes(false, chn, 0x00)
	ctx := context.Background()
	if _, err := r.GetResult(ctx); err != nil {
		return false
	}
	v, err := r.GetResult(ctx)
	if err != nil {
		return false
	}
	return v == magic
}

const ddsMagicWord = 0x1234abcd

// CheckDDS reads the magic word from the profile-7 register. If
// present and force is false, no re-init is required. Otherwise it
// runs the init sequence and reports that it did so.
func (r *Real) CheckDDS(chn int, force bool) bool {
	if !force {
		r.DDSGet4Bytes(false, chn, 0x7e)
		if v, err := r.GetResult(context.Background()); err == nil && v == ddsMagicWord {
			return false
		}
	}
	r.initDDS(chn)
	return true
}

func (r *Real) initDDS(chn int) {
	r.DDSReset(false, chn)
	r.DDSSet2Bytes(false, chn, 0x01, 0x2000) // calibrate-enable
	// 1ms wall-clock settle, per the 50-step init sequence.
	time.Sleep(time.Millisecond)
	r.DDSSet2Bytes(false, chn, 0x01, 0x0000) // calibrate-disable
	r.DDSSet4Bytes(false, chn, 0x02, 0)
	r.DDSSet2Bytes(false, chn, 0x00, 0)
	r.DDSSet4Bytes(false, chn, 0x7e, ddsMagicWord)
}

// DumpDDS lists non-zero words for diagnostics.
func (r *Real) DumpDDS(chn int) []uint32 {
	var out []uint32
	for _, addr := range []uint32{0x00, 0x2c, 0x30, 0x32} {
		r.DDSGet4Bytes(false, chn, addr)
		if v, err := r.GetResult(context.Background()); err == nil && v != 0 {
			out = append(out, v)
		}
	}
	return out
}
