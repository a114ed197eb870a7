// Package decode implements the two sequence-bytecode interpreters
// that drive a runner.Runner: CmdList, a flat fixed-width opcode
// stream, and ByteCode, a compact variable-width encoding. Both stand
// in for the real optimizing compiler's output format, which is kept
// external per spec.md §1.
package decode

import "fmt"

// Runner is the callback surface a decoder drives. runner.Runner
// satisfies it structurally — decode never imports runner, so the two
// packages don't form a cycle.
type Runner interface {
	TTL1(chn int, val bool, dt uint32)
	TTL(word uint32, dt uint32)
	DDSFreq(chn int, ftw uint32)
	DDSAmp(chn int, amp uint16)
	DDSPhase(chn int, phase uint16)
	DDSDetPhase(chn int, delta uint16)
	DDSReset(chn int)
	DAC(chn uint8, v uint16)
	Clock(div uint8)
	Wait(dt uint32)
}

// DecodeError reports a malformed sequence program, pointing at the
// byte offset and, where meaningful, the opcode that failed to parse.
type DecodeError struct {
	Offset int
	Opcode byte
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: offset %d opcode 0x%02x: %s", e.Offset, e.Opcode, e.Msg)
}
