package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetColdMissDispatchesOnce(t *testing.T) {
	c := New()
	key := Key{Op: OpDDSFreq, Operand: 3}

	var got1, got2 uint32
	hit1 := c.Get(key, func(v uint32) { got1 = v })
	hit2 := c.Get(key, func(v uint32) { got2 = v })

	require.False(t, hit1, "first waiter must dispatch a read")
	require.True(t, hit2, "second waiter must coalesce onto the first")

	c.Set(key, 0xdead)
	require.Equal(t, uint32(0xdead), got1)
	require.Equal(t, uint32(0xdead), got2)
}

func TestGetFreshHitSkipsDispatch(t *testing.T) {
	c := New()
	key := Key{Op: OpDDSAmp, Operand: 1}
	c.Set(key, 42)

	var got uint32
	hit := c.Get(key, func(v uint32) { got = v })
	require.True(t, hit)
	require.Equal(t, uint32(42), got)
}

func TestGetStaleEntryMissesAgain(t *testing.T) {
	c := New()
	c.now = func() time.Time { return time.Unix(0, 0) }
	key := Key{Op: OpDDSPhase, Operand: 0}
	c.Set(key, 7)

	c.now = func() time.Time { return time.Unix(0, 0).Add(Freshness + time.Millisecond) }
	var got uint32
	hit := c.Get(key, func(v uint32) { got = v })
	require.False(t, hit, "stale entry must trigger a fresh read")
	c.Set(key, 9)
	require.Equal(t, uint32(9), got)
}

func TestOverrideColdMissReturnsNoOverride(t *testing.T) {
	c := New()
	key := Key{Op: OpDDSFreq, Operand: 5, Override: true}
	var got uint32 = 123
	hit := c.Get(key, func(v uint32) { got = v })
	require.True(t, hit)
	require.Equal(t, NoOverride, got)
}

func TestSetPropagatesToActiveOverride(t *testing.T) {
	c := New()
	base := Key{Op: OpDDSAmp, Operand: 2}
	ovr := base
	ovr.Override = true

	c.Set(ovr, 500) // turn override on
	c.Set(base, 777)

	var got uint32
	hit := c.Get(ovr, func(v uint32) { got = v })
	require.True(t, hit)
	require.Equal(t, uint32(777), got)
}

func TestSetDoesNotPropagateWhenOverrideInactive(t *testing.T) {
	c := New()
	base := Key{Op: OpDDSAmp, Operand: 2}
	c.Set(base, 777)

	ovr := base
	ovr.Override = true
	var got uint32 = 1
	hit := c.Get(ovr, func(v uint32) { got = v })
	require.True(t, hit)
	require.Equal(t, NoOverride, got)
}

func TestHasDDSOverride(t *testing.T) {
	c := New()
	require.False(t, c.HasDDSOverride(22))

	c.Set(Key{Op: OpDDSFreq, Operand: 4, Override: true}, 1000)
	require.True(t, c.HasDDSOverride(22))

	c.Set(Key{Op: OpDDSFreq, Operand: 4, Override: true}, NoOverride)
	require.False(t, c.HasDDSOverride(22))
}
