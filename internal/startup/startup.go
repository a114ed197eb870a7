// Package startup loads and saves the runtime directory's
// startup.cmdbin file (spec.md §6): the command-list program the
// server runs once, as the first sequence, before accepting any client
// connections.
package startup

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Version is the only startup.cmdbin format this package understands.
const Version = 1

const headerLen = 4 + 8 + 4

// Sequence is a parsed startup.cmdbin: the length and TTL mask to
// run_code with, plus the opaque CmdList bytes.
type Sequence struct {
	LenNs   uint64
	TTLMask uint32
	Code    []byte
}

// Load reads and validates a startup.cmdbin file. A missing file is
// not an error — the server simply has no startup sequence to run.
func Load(path string) (*Sequence, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("startup: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw startup.cmdbin bytes per spec.md §6's fixed
// header: 4-byte version, 8-byte little-endian len_ns, 4-byte
// little-endian ttl_mask, then the opaque command-list payload.
func Parse(raw []byte) (*Sequence, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("startup: truncated header (%d bytes, need %d)", len(raw), headerLen)
	}
	ver := binary.LittleEndian.Uint32(raw[0:4])
	if ver != Version {
		return nil, fmt.Errorf("startup: unsupported version %d", ver)
	}
	lenNs := binary.LittleEndian.Uint64(raw[4:12])
	ttlMask := binary.LittleEndian.Uint32(raw[12:16])
	code := make([]byte, len(raw)-headerLen)
	copy(code, raw[headerLen:])
	return &Sequence{LenNs: lenNs, TTLMask: ttlMask, Code: code}, nil
}

// Encode serializes s back into startup.cmdbin's binary form, for the
// set_startup verb's persistence path.
func Encode(s *Sequence) []byte {
	out := make([]byte, headerLen+len(s.Code))
	binary.LittleEndian.PutUint32(out[0:4], Version)
	binary.LittleEndian.PutUint64(out[4:12], s.LenNs)
	binary.LittleEndian.PutUint32(out[12:16], s.TTLMask)
	copy(out[headerLen:], s.Code)
	return out
}

// Save writes s to path in startup.cmdbin format.
func Save(path string, s *Sequence) error {
	if err := os.WriteFile(path, Encode(s), 0o644); err != nil {
		return fmt.Errorf("startup: write %s: %w", path, err)
	}
	return nil
}
