package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCmdQueuePushGetFilterForwardPop(t *testing.T) {
	q := NewCmdQueue()
	require.False(t, q.Pending())

	q.Push(Cmd{Op: CmdSetClock, Val: 1})
	q.Push(Cmd{Op: CmdSetClock, Val: 2})
	require.True(t, q.Pending())

	c1, ok := q.GetFilter()
	require.True(t, ok)
	require.Equal(t, uint32(1), c1.Val)

	// GetFilter is idempotent until ForwardFilter commits it.
	c1Again, ok := q.GetFilter()
	require.True(t, ok)
	require.Same(t, c1, c1Again)

	// Nothing is poppable yet: filter hasn't advanced past head.
	_, ok = q.Pop()
	require.False(t, ok)

	q.ForwardFilter()

	// Forwarded but not yet Finish'd: still not reclaimable.
	_, ok = q.Pop()
	require.False(t, ok, "a Cmd not yet Finish'd must not be reclaimed")

	c1.Finish()
	popped, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint32(1), popped.Val)

	c2, ok := q.GetFilter()
	require.True(t, ok)
	require.Equal(t, uint32(2), c2.Val)
	q.ForwardFilter()
	c2.Finish()

	_, ok = q.GetFilter()
	require.False(t, ok, "queue must be drained once filter reaches tail")
	require.True(t, q.Pending() == false)
}

func TestCmdQueueSpansMultipleChunks(t *testing.T) {
	q := NewCmdQueue()
	const n = cmdChunkSize*2 + 5
	var cmds []*Cmd
	for i := 0; i < n; i++ {
		cmds = append(cmds, q.Push(Cmd{Val: uint32(i)}))
	}
	for i := 0; i < n; i++ {
		c, ok := q.GetFilter()
		require.True(t, ok)
		require.Equal(t, uint32(i), c.Val)
		q.ForwardFilter()
	}
	for i := 0; i < n; i++ {
		cmds[i].Finish()
		c, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, uint32(i), c.Val)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestSeqQueueLifecycle(t *testing.T) {
	q := NewSeqQueue()
	s := q.Push(Seq{ID: 7})
	require.Equal(t, SeqInit, s.State())
	require.True(t, s.TryTransition(SeqInit, SeqStart))
	require.False(t, s.TryTransition(SeqInit, SeqStart), "double transition must fail")
	require.Equal(t, SeqStart, s.State())

	got, ok := q.GetFilter()
	require.True(t, ok)
	require.Equal(t, uint64(7), got.ID)
	q.ForwardFilter()

	// A running (non-terminal) Seq must not be reclaimed yet.
	_, ok = q.Pop()
	require.False(t, ok, "a Seq not yet in a terminal state must not be reclaimed")

	require.True(t, s.TryTransition(SeqStart, SeqFlushed))
	require.True(t, s.TryTransition(SeqFlushed, SeqEnd))

	popped, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(7), popped.ID)
}

func TestSeqCancelFlag(t *testing.T) {
	s := &Seq{}
	require.False(t, s.Cancelled())
	s.Cancel()
	require.True(t, s.Cancelled())
}
