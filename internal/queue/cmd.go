// Package queue implements RequestQueues: the two single-producer/
// single-consumer filter queues that carry untimed register requests
// (Cmd) and sequence-run requests (Seq) from the frontend goroutine to
// the backend worker, plus the slab allocators and wake-up primitives
// that keep the hot path free of per-request heap churn.
package queue

import (
	"sync"
	"sync/atomic"
)

// DDSParam selects which DDS shadow field a Cmd addresses.
type DDSParam uint8

const (
	DDSFreq DDSParam = iota
	DDSAmp
	DDSPhase
)

// CmdOp enumerates the untimed request kinds ControllerCore.run_cmd
// switches on.
type CmdOp uint8

const (
	CmdSetTTLWord CmdOp = iota // Operand = mask, Val = value (masked bits only)
	CmdSetTTLBit               // Operand = bit index < 32, Val = 0/1
	CmdSetTTLOvr                // Operand = mask, Val = mode (0=low 1=high 2=off)
	CmdGetTTL
	CmdGetTTLOvrLo
	CmdGetTTLOvrHi
	CmdSetDDS
	CmdSetDDSOvr
	CmdGetDDS
	CmdGetDDSOvr
	CmdResetDDS
	CmdSetClock
	CmdGetClock
)

// TTL override modes, carried as Cmd.Val for CmdSetTTLOvr.
const (
	TTLOvrLow  uint32 = iota // force the named bits to 0
	TTLOvrHigh               // force the named bits to 1
	TTLOvrOff                // disable override on the named bits
)

// Cmd is one untimed request. A slab-recycled Cmd has every field
// overwritten by Push, next included (Push clears it).
//
// done marks a Cmd as safe to reclaim: Pop refuses to hand back — and
// so never lets its chunk return to the pool — a Cmd still awaiting
// its result. Push always starts a Cmd at done == false; Finish sets
// it once the dispatching side is through with the value and callback,
// whether that happens immediately (no result expected) or only after
// the backend's result FIFO delivers the word (see Core.finishCmd).
type Cmd struct {
	next *Cmd
	done atomic.Bool

	Op          CmdOp
	Chn         int
	Param       DDSParam
	Operand     uint32
	Val         uint32
	NeedsResult bool
	ResultCB    func(uint32)
}

// Finish marks cmd reclaimable. Call it only once the dispatcher is
// completely done reading/writing cmd — after a synchronous op, or
// after a result-bearing op's callback value has been recorded.
func (cmd *Cmd) Finish() { cmd.done.Store(true) }

// cmdChunkSize matches the 32-object slab capacity spec.md calls for.
const cmdChunkSize = 32

type cmdChunk struct {
	items [cmdChunkSize]Cmd
	next  *cmdChunk
}

var cmdChunkPool = sync.Pool{New: func() any { return &cmdChunk{} }}

func newCmdChunk() *cmdChunk {
	c := cmdChunkPool.Get().(*cmdChunk)
	c.next = nil
	for i := range c.items {
		c.items[i] = Cmd{}
	}
	return c
}

// CmdQueue is the SPSC filter queue for Cmd: head/filter/tail cursors
// over a linked list of 32-capacity chunks. Push is called only from
// the frontend goroutine; GetFilter/ForwardFilter only from the
// backend worker; Pop only from the frontend. The single/single
// producer-consumer roles match spec.md §4.4's contract, but unlike
// the original's intrusive-pointer design, cursor updates are guarded
// by a mutex rather than left lock-free: Go's memory model gives no
// safe way to publish a bare int cursor across goroutines without
// either an atomic or a lock, and the chunk pointers that move with it
// would need the same treatment, so a single small mutex is the
// idiomatic trade grounded in the teacher's own willingness to favor a
// simple mutex over a bespoke lock-free structure when the two cost
// about the same (eventloop's own queues take a caller-supplied lock
// rather than going fully lock-free).
type CmdQueue struct {
	mu sync.Mutex

	head      *cmdChunk
	headIdx   int
	filter    *cmdChunk
	filterIdx int
	tail      *cmdChunk
	tailIdx   int
}

func NewCmdQueue() *CmdQueue {
	c := newCmdChunk()
	return &CmdQueue{head: c, filter: c, tail: c}
}

// Push enqueues cmd and returns the queue-owned storage.
func (q *CmdQueue) Push(cmd Cmd) *Cmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tailIdx == cmdChunkSize {
		next := newCmdChunk()
		q.tail.next = next
		q.tail = next
		q.tailIdx = 0
	}
	slot := &q.tail.items[q.tailIdx]
	cmd.next = nil
	*slot = cmd
	q.tailIdx++
	return slot
}

// atTail reports whether the filter cursor has caught up to tail.
func (q *CmdQueue) atTail() bool {
	return q.filter == q.tail && q.filterIdx == q.tailIdx
}

// GetFilter peeks the next unconsumed Cmd without advancing past it —
// call ForwardFilter once the backend is done with it.
func (q *CmdQueue) GetFilter() (*Cmd, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.filterIdx == cmdChunkSize && q.filter.next != nil {
		q.filter = q.filter.next
		q.filterIdx = 0
	}
	if q.atTail() {
		return nil, false
	}
	return &q.filter.items[q.filterIdx], true
}

// ForwardFilter commits the filter cursor past the node last handed
// out by GetFilter, making it eligible for Pop.
func (q *CmdQueue) ForwardFilter() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.atTail() {
		return
	}
	q.filterIdx++
}

// Pop reclaims the oldest already-forwarded Cmd, returning its chunk
// to the slab pool once fully drained. The returned pointer is only
// valid until the next Push, which may recycle its backing chunk. Pop
// stops at a Cmd that hasn't been marked Finish'd yet — a result-bearing
// command is still referenced by Core's waiting ring until its RX FIFO
// word arrives, and reclaiming its slab slot early would hand the same
// memory to a fresh Push while that reference is still live.
func (q *CmdQueue) Pop() (*Cmd, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.headIdx == cmdChunkSize && q.head != q.filter {
		spent := q.head
		q.head = q.head.next
		q.headIdx = 0
		cmdChunkPool.Put(spent)
	}
	if q.head == q.filter && q.headIdx == q.filterIdx {
		return nil, false
	}
	if !q.head.items[q.headIdx].done.Load() {
		return nil, false
	}
	v := &q.head.items[q.headIdx]
	q.headIdx++
	return v, true
}

// Pending reports whether any unconsumed Cmd remains for the backend.
func (q *CmdQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.atTail()
}
