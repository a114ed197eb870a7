package queue

import (
	"sync"
	"sync/atomic"
)

// SeqState is the lifecycle state of a queued sequence, matching
// spec.md §3's SeqState transition diagram.
type SeqState uint32

const (
	SeqInit SeqState = iota
	SeqStart
	SeqFlushed
	SeqCancel
	SeqEnd
)

func (s SeqState) String() string {
	switch s {
	case SeqInit:
		return "init"
	case SeqStart:
		return "start"
	case SeqFlushed:
		return "flushed"
	case SeqCancel:
		return "cancel"
	case SeqEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Notifier receives the lifecycle callbacks for a Seq, fired on the
// frontend goroutine during run_frontend. Start/Flushed/End are
// mutually exclusive with Cancel — exactly one terminal callback
// (End or Cancel) fires per sequence.
type Notifier interface {
	Start()
	Flushed()
	End()
	Cancel()
}

// Seq is one queued sequence-run request.
type Seq struct {
	next *Seq

	ID      uint64
	Ver     uint32
	LenNs   uint64
	TTLMask uint32
	Bytes   []byte
	IsCmd   bool // true: CmdList decoder; false: ByteCode decoder
	Notify  Notifier

	cancelled atomic.Bool
	state     atomic.Uint32
}

// Cancel marks the sequence cancelled. Has no effect once the
// sequence has already started running.
func (s *Seq) Cancel() { s.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (s *Seq) Cancelled() bool { return s.cancelled.Load() }

// State returns the current lifecycle state.
func (s *Seq) State() SeqState { return SeqState(s.state.Load()) }

// TryTransition performs the CAS move from one state to the next,
// grounded on the same lock-free CAS discipline FastState uses for
// the event loop's own lifecycle.
func (s *Seq) TryTransition(from, to SeqState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

func (s *Seq) reset() {
	*s = Seq{next: s.next}
}

const seqChunkSize = 32

type seqChunk struct {
	items [seqChunkSize]Seq
	next  *seqChunk
}

var seqChunkPool = sync.Pool{New: func() any { return &seqChunk{} }}

func newSeqChunk() *seqChunk {
	c := seqChunkPool.Get().(*seqChunk)
	c.next = nil
	for i := range c.items {
		c.items[i] = Seq{}
	}
	return c
}

// SeqQueue is the SPSC filter queue for Seq — same cursor discipline
// and same mutex-guarded trade-off as CmdQueue (see its doc comment),
// kept as a separate concrete type rather than shared via generics
// because Seq carries extra per-node atomic state that Cmd does not.
type SeqQueue struct {
	mu sync.Mutex

	head      *seqChunk
	headIdx   int
	filter    *seqChunk
	filterIdx int
	tail      *seqChunk
	tailIdx   int
}

func NewSeqQueue() *SeqQueue {
	c := newSeqChunk()
	return &SeqQueue{head: c, filter: c, tail: c}
}

func (q *SeqQueue) Push(seq Seq) *Seq {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tailIdx == seqChunkSize {
		next := newSeqChunk()
		q.tail.next = next
		q.tail = next
		q.tailIdx = 0
	}
	slot := &q.tail.items[q.tailIdx]
	seq.next = nil
	*slot = seq
	q.tailIdx++
	return slot
}

func (q *SeqQueue) atTail() bool {
	return q.filter == q.tail && q.filterIdx == q.tailIdx
}

func (q *SeqQueue) GetFilter() (*Seq, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.filterIdx == seqChunkSize && q.filter.next != nil {
		q.filter = q.filter.next
		q.filterIdx = 0
	}
	if q.atTail() {
		return nil, false
	}
	return &q.filter.items[q.filterIdx], true
}

func (q *SeqQueue) ForwardFilter() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.atTail() {
		return
	}
	q.filterIdx++
}

// Pop reclaims the oldest already-forwarded Seq, returning its chunk
// to the slab pool once fully drained. It stops at a Seq that hasn't
// reached a terminal state (SeqEnd or SeqCancel) yet: a running
// sequence is still referenced by Core.runningSeq and the frontend's
// seqByID map, and reclaiming its slab slot early would hand that
// memory to a fresh Push while those references are still live.
func (q *SeqQueue) Pop() (*Seq, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.headIdx == seqChunkSize && q.head != q.filter {
		spent := q.head
		q.head = q.head.next
		q.headIdx = 0
		seqChunkPool.Put(spent)
	}
	if q.head == q.filter && q.headIdx == q.filterIdx {
		return nil, false
	}
	switch q.head.items[q.headIdx].State() {
	case SeqEnd, SeqCancel:
	default:
		return nil, false
	}
	v := &q.head.items[q.headIdx]
	q.headIdx++
	return v, true
}

func (q *SeqQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.atTail()
}
