package decode

import "encoding/binary"

// ByteCode decodes the compact variable-width encoding: each
// instruction is a uvarint time delta (emitted as a Wait before the
// instruction when nonzero), an opcode byte, then its operands packed
// as uvarints rather than CmdList's fixed-width fields (TTL1's on/off
// flag is a single raw byte). This is the
// format a size-optimizing compiler pass would emit once instruction
// operands are known to rarely need their full fixed width.
type ByteCode struct{}

func (ByteCode) Run(data []byte, r Runner) error {
	off := 0
	for off < len(data) {
		dt, n := binary.Uvarint(data[off:])
		if n <= 0 {
			return &DecodeError{Offset: off, Msg: "malformed time-delta varint"}
		}
		off += n
		if dt > 0 {
			r.Wait(uint32(dt))
		}
		if off >= len(data) {
			return &DecodeError{Offset: off, Msg: "truncated opcode"}
		}
		op := Op(data[off])
		opOff := off
		off++
		if op == OpEnd {
			return nil
		}
		consumed, err := byteCodeStep(r, op, data[off:])
		if err != nil {
			return &DecodeError{Offset: opOff, Opcode: byte(op), Msg: err.Error()}
		}
		off += consumed
	}
	return nil
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, errShortBuffer
	}
	return v, n, nil
}

func byteCodeStep(r Runner, op Op, b []byte) (consumed int, err error) {
	readField := func(off int) (uint64, int, error) { return readUvarint(b[off:]) }

	switch op {
	case OpTTL1:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		if len(b) <= n1 {
			return 0, errShortBuffer
		}
		val := b[n1] != 0
		dt, n2, err := readField(n1 + 1)
		if err != nil {
			return 0, err
		}
		r.TTL1(int(chn), val, uint32(dt))
		return n1 + 1 + n2, nil
	case OpTTL:
		word, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		dt, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.TTL(uint32(word), uint32(dt))
		return n1 + n2, nil
	case OpDDSFreq:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		ftw, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.DDSFreq(int(chn), uint32(ftw))
		return n1 + n2, nil
	case OpDDSAmp:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		amp, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.DDSAmp(int(chn), uint16(amp))
		return n1 + n2, nil
	case OpDDSPhase:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		phase, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.DDSPhase(int(chn), uint16(phase))
		return n1 + n2, nil
	case OpDDSDetPhase:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		delta, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.DDSDetPhase(int(chn), uint16(delta))
		return n1 + n2, nil
	case OpDDSReset:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		r.DDSReset(int(chn))
		return n1, nil
	case OpDAC:
		chn, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		v, n2, err := readField(n1)
		if err != nil {
			return 0, err
		}
		r.DAC(uint8(chn), uint16(v))
		return n1 + n2, nil
	case OpClock:
		div, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		r.Clock(uint8(div))
		return n1, nil
	case OpWait:
		dt, n1, err := readField(0)
		if err != nil {
			return 0, err
		}
		r.Wait(uint32(dt))
		return n1, nil
	default:
		return 0, errUnknownOpcode
	}
}
