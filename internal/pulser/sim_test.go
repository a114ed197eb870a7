package pulser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimLoopBackRoundTrip(t *testing.T) {
	s := NewSim()
	s.LoopBack(false, 0xcafe)
	v, err := s.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0xcafe), v)
}

func TestSimTTLAndClockObservable(t *testing.T) {
	s := NewSim()
	s.TTL(false, 0x1234, 0)
	s.Clock(false, 7)
	require.Eventually(t, func() bool { return s.CurTTL() == 0x1234 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.CurClock() == 7 }, time.Second, time.Millisecond)
}

// TestSimHoldPreventsSpuriousUnderflow mirrors spec.md §8 scenario 2:
// holding the queue and releasing it later must not itself raise a
// timing underflow, since forwardTime only pops while not held.
func TestSimHoldPreventsSpuriousUnderflow(t *testing.T) {
	s := NewSim()
	s.SetHold()
	s.Wait(true, 3)
	time.Sleep(5 * time.Millisecond)
	s.ReleaseHold()
	require.Eventually(t, func() bool { return s.IsFinished() }, time.Second, time.Millisecond)
	require.True(t, s.TimingOK())
	require.Zero(t, s.UnderflowCycle())
}

// TestSimUnderflowDetection mirrors spec.md §8 scenario 3: two checked
// wait(3) pushes separated by a real 10ms gap must latch an underflow
// of well over 1,000,000 cycles (10ms / 10ns-per-cycle).
func TestSimUnderflowDetection(t *testing.T) {
	s := NewSim()
	s.Wait(true, 3)
	time.Sleep(10 * time.Millisecond)
	s.Wait(true, 3)

	require.False(t, s.TimingOK())
	require.Greater(t, s.UnderflowCycle(), uint64(1_000_000))
}

func TestSimClearErrorResetsUnderflow(t *testing.T) {
	s := NewSim()
	s.Wait(true, 3)
	time.Sleep(10 * time.Millisecond)
	s.Wait(true, 3)
	require.False(t, s.TimingOK())

	s.ClearError()
	require.True(t, s.TimingOK())
	require.Zero(t, s.UnderflowCycle())
}

func TestSimDDSSetGetRoundTrip(t *testing.T) {
	s := NewSim()
	s.DDSSetFreq(false, 0, 0xaabbccdd)
	s.DDSGetFreq(false, 0)
	v, err := s.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0xaabbccdd), v)

	s.DDSSetAmp(false, 0, 0x1111)
	s.DDSGetAmp(false, 0)
	v, err = s.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0x1111), v)

	s.DDSSetPhase(false, 0, 0x2222)
	s.DDSGetPhase(false, 0)
	v, err = s.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0x2222), v)
}

func TestSimDDSResetClearsState(t *testing.T) {
	s := NewSim()
	s.DDSSetFreq(false, 1, 99)
	s.DDSReset(false, 1)
	s.DDSGetFreq(false, 1)
	v, err := s.GetResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0), v)
}

func TestSimDDSExistsBounds(t *testing.T) {
	s := NewSim()
	require.True(t, s.DDSExists(0))
	require.True(t, s.DDSExists(NDDS-1))
	require.False(t, s.DDSExists(NDDS))
	require.False(t, s.DDSExists(-1))
}

func TestSimCheckDDSInitOnceThenCached(t *testing.T) {
	s := NewSim()
	require.True(t, s.CheckDDS(2, false), "first check must init")
	require.False(t, s.CheckDDS(2, false), "second check must be a no-op")
	require.True(t, s.CheckDDS(2, true), "force always re-inits")
}

func TestSimGetResultRespectsContextCancellation(t *testing.T) {
	s := NewSim()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.GetResult(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimDebugCounters(t *testing.T) {
	s := NewSim()
	s.TTL(false, 1, 0)
	s.TTL(false, 2, 0)
	s.LoopBack(false, 5)
	_, _ = s.GetResult(context.Background())

	c := s.DebugCounters()
	require.Equal(t, uint64(2), c.OpCount["ttl"])
	require.Equal(t, uint64(1), c.OpCount["loopback"])
	require.Equal(t, uint64(1), c.ResultsPushed)
	require.Equal(t, uint64(1), c.ResultsPopped)
}

func TestSimDumpDDSListsNonZero(t *testing.T) {
	s := NewSim()
	require.Empty(t, s.DumpDDS(0))
	s.DDSSetAmp(false, 0, 0x55)
	require.Eventually(t, func() bool { return len(s.DumpDDS(0)) == 1 }, time.Second, time.Millisecond)
}
