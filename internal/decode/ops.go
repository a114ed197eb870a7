package decode

// Op is the opcode byte shared by both CmdList and ByteCode — the two
// formats differ in how operands are packed, not in what operations
// exist.
type Op byte

const (
	OpTTL1 Op = iota + 1
	OpTTL
	OpDDSFreq
	OpDDSAmp
	OpDDSPhase
	OpDDSDetPhase
	OpDDSReset
	OpDAC
	OpClock
	OpWait
	OpEnd Op = 0xff
)
