//go:build !linux

package pulser

import "fmt"

// OpenReal is unavailable outside Linux: there is no memory-mapped
// register file to map. Callers should fall back to Sim, the same way
// the server does when no FPGA is present.
func OpenReal(addr int64) (*Real, error) {
	return nil, fmt.Errorf("pulser: real hardware is only supported on linux")
}

// Real is an unusable placeholder outside Linux so the type still
// exists for callers that reference it conditionally.
type Real struct{}

func (*Real) Close() error { return nil }
