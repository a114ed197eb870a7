package decode

import "encoding/binary"

// CmdList decodes the flat fixed-width opcode stream: one opcode byte
// followed by a fixed number of little-endian operand bytes, chosen per
// opcode. It is the simpler of the two formats and the one a bytecode
// compiler would emit before a size-optimizing pass.
type CmdList struct{}

// Run decodes data in order, driving r, until it's exhausted or an
// OpEnd marker is seen.
func (CmdList) Run(data []byte, r Runner) error {
	off := 0
	for off < len(data) {
		op := Op(data[off])
		if op == OpEnd {
			return nil
		}
		body := data[off+1:]
		n, err := cmdListStep(r, op, body)
		if err != nil {
			return &DecodeError{Offset: off, Opcode: byte(op), Msg: err.Error()}
		}
		off += 1 + n
	}
	return nil
}

func cmdListStep(r Runner, op Op, b []byte) (consumed int, err error) {
	need := func(n int) error {
		if len(b) < n {
			return errShortBuffer
		}
		return nil
	}
	switch op {
	case OpTTL1:
		if err := need(6); err != nil {
			return 0, err
		}
		chn := int(b[0])
		val := b[1] != 0
		dt := binary.LittleEndian.Uint32(b[2:6])
		r.TTL1(chn, val, dt)
		return 6, nil
	case OpTTL:
		if err := need(8); err != nil {
			return 0, err
		}
		word := binary.LittleEndian.Uint32(b[0:4])
		dt := binary.LittleEndian.Uint32(b[4:8])
		r.TTL(word, dt)
		return 8, nil
	case OpDDSFreq:
		if err := need(5); err != nil {
			return 0, err
		}
		r.DDSFreq(int(b[0]), binary.LittleEndian.Uint32(b[1:5]))
		return 5, nil
	case OpDDSAmp:
		if err := need(3); err != nil {
			return 0, err
		}
		r.DDSAmp(int(b[0]), binary.LittleEndian.Uint16(b[1:3]))
		return 3, nil
	case OpDDSPhase:
		if err := need(3); err != nil {
			return 0, err
		}
		r.DDSPhase(int(b[0]), binary.LittleEndian.Uint16(b[1:3]))
		return 3, nil
	case OpDDSDetPhase:
		if err := need(3); err != nil {
			return 0, err
		}
		r.DDSDetPhase(int(b[0]), binary.LittleEndian.Uint16(b[1:3]))
		return 3, nil
	case OpDDSReset:
		if err := need(1); err != nil {
			return 0, err
		}
		r.DDSReset(int(b[0]))
		return 1, nil
	case OpDAC:
		if err := need(3); err != nil {
			return 0, err
		}
		r.DAC(b[0], binary.LittleEndian.Uint16(b[1:3]))
		return 3, nil
	case OpClock:
		if err := need(1); err != nil {
			return 0, err
		}
		r.Clock(b[0])
		return 1, nil
	case OpWait:
		if err := need(4); err != nil {
			return 0, err
		}
		r.Wait(binary.LittleEndian.Uint32(b[0:4]))
		return 4, nil
	default:
		return 0, errUnknownOpcode
	}
}
