package transport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// connNotifier implements queue.Notifier for one run_seq/run_cmdlist
// request: it pushes the start/flushed/end/cancel reply frame
// directly onto the owning connection as each lifecycle moment
// happens, independent of whatever request that connection is
// currently reading — spec.md §6's "(sent at start, flushed and end)".
//
// seqID is set once, immediately after Frontend.RunCode returns the id
// it assigned — which happens before the backend worker goroutine can
// possibly have reached this sequence — so an atomic is used only to
// make that single handoff race-detector-clean, not because seqID
// changes more than once.
type connNotifier struct {
	writeMu  *sync.Mutex
	conn     writer
	log      zerolog.Logger
	verb     Verb // VerbRunSeq or VerbRunCmdList, echoed on every push
	seqID    atomic.Uint64
	serverID uint64
	fe       frontendQuery
	tracker  *seqTracker
}

// SetSeqID records the id Frontend.RunCode assigned to the sequence
// this notifier was attached to.
func (n *connNotifier) SetSeqID(id uint64) { n.seqID.Store(id) }

type writer interface {
	Write(p []byte) (int, error)
}

// frontendQuery is the subset of *controller.Frontend a notifier
// needs to fill in the has_ttl_ovr/has_dds_ovr reply fields.
type frontendQuery interface {
	HasTTLOvr() bool
	HasDDSOvr() bool
}

func (n *connNotifier) push(kind SeqEventKind) {
	payload := make([]byte, 1+1+8+8+1+1)
	payload[0] = byte(n.verb)
	payload[1] = byte(kind)
	binary.LittleEndian.PutUint64(payload[2:10], n.seqID.Load())
	binary.LittleEndian.PutUint64(payload[10:18], n.serverID)
	if n.fe.HasTTLOvr() {
		payload[18] = 1
	}
	if n.fe.HasDDSOvr() {
		payload[19] = 1
	}
	n.writeMu.Lock()
	err := writeFrame(n.conn, payload)
	n.writeMu.Unlock()
	if err != nil {
		n.log.Debug().Err(err).Uint64("seq_id", n.seqID.Load()).Msg("transport: notify write failed")
	}
}

func (n *connNotifier) Start() { n.push(SeqEventStart) }

func (n *connNotifier) Flushed() {
	n.push(SeqEventFlushed)
	n.tracker.markFlushed(n.seqID.Load())
}

func (n *connNotifier) End() {
	n.push(SeqEventEnd)
	n.tracker.markEnd(n.seqID.Load())
}

func (n *connNotifier) Cancel() {
	n.push(SeqEventCancel)
	n.tracker.markCancel(n.seqID.Load())
}
