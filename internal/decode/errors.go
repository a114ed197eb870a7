package decode

import "errors"

var (
	errShortBuffer   = errors.New("truncated operand")
	errUnknownOpcode = errors.New("unknown opcode")
)
