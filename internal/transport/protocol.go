// Package transport implements a minimal length-prefixed request/
// reply framing over net.Conn, carrying the verb table of spec.md §6.
// It is explicitly NOT the dealer/router multi-part framing spec.md
// keeps out of scope — one real, if thin, collaborator so the rest of
// the module is runnable end to end.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Verb is the one-byte request/reply tag every frame leads with.
type Verb byte

const (
	VerbRunSeq Verb = iota + 1
	VerbRunCmdList
	VerbWaitSeq
	VerbCancelSeq
	VerbStateID
	VerbOverrideTTL
	VerbSetTTL
	VerbOverrideDDS
	VerbSetDDS
	VerbGetOverrideDDS
	VerbGetDDS
	VerbResetDDS
	VerbSetClock
	VerbGetClock
	VerbGetTTLNames
	VerbSetTTLNames
	VerbGetDDSNames
	VerbSetDDSNames
	VerbGetStartup
	VerbSetStartup
	VerbPing
	VerbGetVersion
	// VerbError is never sent by a client; the server replies with it
	// for a malformed or out-of-range request (spec.md §7's
	// "validation error ... single-byte error reply; never enqueued").
	VerbError Verb = 0xee
)

// SeqEventKind tags which lifecycle moment a run_seq/run_cmdlist push
// reply reports, per spec.md §6's "sent at start, flushed and end".
type SeqEventKind byte

const (
	SeqEventStart SeqEventKind = iota
	SeqEventFlushed
	SeqEventEnd
	SeqEventCancel
)

// maxFrame bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFrame = 16 << 20

// writeFrame writes a 4-byte little-endian length prefix followed by
// payload, as one Write call per frame to keep interleaved writers
// (the request handler and an async sequence notifier) from tearing
// each other's frames — callers still need w's own mutex.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
