package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/cpumap"
	"schedcore/machine"
	"schedcore/thread"
	"schedcore/tunables"
)

func rtSpec(name string, constraint int64) ThreadSpec {
	return ThreadSpec{Name: name, Mode: thread.ModeRealtime, RT: thread.RTParams{
		Period: constraint, Computation: constraint / 4, Constraint: constraint,
	}}
}

func TestRealtimeSetrunSignalsBackup(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 4})
	rt := h.spawn(rtSpec("rt", 1*ms))

	ipis := h.plat.TakeIPIs()
	require.Equal(t, []machine.IPIRecord{
		{CPU: 0, Kind: machine.IPIIdle},
		{CPU: 1, Kind: machine.IPIIdle},
	}, ipis)

	h.s.Interrupt(h.s.Processor(0))
	h.s.Interrupt(h.s.Processor(1))
	h.requireRunning(0, rt)
	h.requireIdle(1)
	require.Empty(t, h.plat.TakeIPIs())
}

func TestRealtimeLooseConstraintSkipsBackup(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 4})
	h.spawn(rtSpec("rt", 20*ms))
	require.Equal(t, []machine.IPIRecord{{CPU: 0, Kind: machine.IPIIdle}}, h.plat.TakeIPIs())
}

func TestRealtimeAvoidsCPU0(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2}, withTunables(func(tu *tunables.Tunables) {
		tu.AvoidCPU0 = tunables.AvoidCPU0Primary
	}))
	rt := h.spawn(rtSpec("rt", 20*ms))
	h.deliver()
	h.requireRunning(1, rt)
	h.requireIdle(0)

	// Timeshare work is not steered away from cpu0.
	ts := h.spawn(ThreadSpec{Name: "ts"})
	h.deliver()
	h.requireRunning(0, ts)
}

func TestSecondRealtimeThreadFindsFreeProcessor(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2})
	a := h.spawn(rtSpec("a", 20*ms))
	h.deliver()
	b := h.spawn(rtSpec("b", 20*ms))
	h.deliver()
	h.requireRunning(0, a)
	h.requireRunning(1, b)
	require.Equal(t, cpumap.Of(0, 1), h.s.Psets()[0].RealtimeMap())
}

func TestEarlierDeadlinePreemptsRealtime(t *testing.T) {
	h := newHarness(t, oneCPU)
	late := h.spawn(rtSpec("late", 20*ms))
	h.deliver()
	h.requireRunning(0, late)

	h.clock.Set(1 * ms)
	early := h.spawn(rtSpec("early", 4*ms))
	h.deliver()
	h.requireRunning(0, early)
	require.Equal(t, 0, late.RTQueue())
}

func TestPlacementPrefersLowestPriority(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2})
	low := h.spawn(ThreadSpec{Name: "low", Priority: 20})
	h.deliver()
	mid := h.spawn(ThreadSpec{Name: "mid", Priority: 40})
	h.deliver()
	h.requireRunning(0, low)
	h.requireRunning(1, mid)

	high := h.spawn(ThreadSpec{Name: "high", Priority: 50})
	require.Equal(t, 0, high.ChosenProcessor)
	h.deliver()
	h.requireRunning(0, high)
	h.requireRunning(1, mid)
	require.True(t, low.Queued())
}

func TestBoundThreadStaysOnItsProcessor(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2})
	b := h.spawn(ThreadSpec{Name: "bound", Bind: true, Bound: 1})
	require.Equal(t, []machine.IPIRecord{{CPU: 1, Kind: machine.IPIIdle}}, h.plat.TakeIPIs())
	h.s.Interrupt(h.s.Processor(1))
	h.requireRunning(1, b)
	require.True(t, h.s.Processor(1).CurrentIsBound)

	// Queued behind an unbound thread, a bound thread is never stolen.
	a := h.spawn(ThreadSpec{Name: "a"})
	h.deliver()
	h.requireRunning(0, a)
	b2 := h.spawn(ThreadSpec{Name: "bound2", Bind: true, Bound: 1})
	h.deliver()
	require.Equal(t, 1, b2.Runq())

	h.s.AssertWait(a, true)
	h.s.Block(h.s.Processor(0), nil)
	h.requireIdle(0)
	require.Equal(t, 1, b2.Runq())
}

func TestIdleProcessorStealsAcrossPsets(t *testing.T) {
	h := newHarness(t, Topology{Psets: 2, CPUsPerPset: 1})
	h.s.UpdateRecommendedCores(cpumap.Of(0))
	x := h.spawn(ThreadSpec{Name: "x"})
	h.deliver()
	y := h.spawn(ThreadSpec{Name: "y"})
	h.deliver()
	h.requireRunning(0, x)
	require.Equal(t, 0, y.Runq())

	h.s.UpdateRecommendedCores(cpumap.Range(2))
	require.Equal(t, []machine.IPIRecord{{CPU: 1, Kind: machine.IPIIdle}}, h.plat.TakeIPIs())
	h.s.Interrupt(h.s.Processor(1))
	h.requireRunning(1, y)
	require.Equal(t, 1, h.obs.steals)
}

func TestSpillSignalsIdleSibling(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2})
	a := h.spawn(ThreadSpec{Name: "a", Bind: true, Bound: 0})
	h.deliver()
	b1 := h.spawn(ThreadSpec{Name: "b1", Bind: true, Bound: 0})
	b2 := h.spawn(ThreadSpec{Name: "b2", Bind: true, Bound: 0})
	require.Equal(t, []machine.IPIRecord{{CPU: 0, Kind: machine.IPIImmediate}}, h.plat.TakeIPIs(),
		"the second signal to cpu0 coalesces with the first")
	h.s.Interrupt(h.s.Processor(0))
	h.requireRunning(0, a)

	// cpu0 still has work queued after taking b1, so idle cpu1 is told.
	h.s.AssertWait(a, true)
	h.s.Block(h.s.Processor(0), nil)
	h.requireRunning(0, b1)
	require.Equal(t, []machine.IPIRecord{{CPU: 1, Kind: machine.IPIIdle}}, h.plat.TakeIPIs())

	// Bound work cannot move, so cpu1 goes back to idle.
	h.s.Interrupt(h.s.Processor(1))
	h.requireIdle(1)
	require.Equal(t, 0, b2.Runq())
}

func TestSMTPolicyPrefersWholeIdleCores(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 4, ThreadsPerCore: 2}, withTunables(func(tu *tunables.Tunables) {
		tu.SMTPolicyEnabled = 1
	}))
	require.Equal(t, "smt", h.s.policy.Name())

	a := h.spawn(ThreadSpec{Name: "a"})
	h.deliver()
	b := h.spawn(ThreadSpec{Name: "b"})
	h.deliver()
	h.requireRunning(0, a)
	h.requireRunning(2, b)

	// With both primaries busy, ordinary threads spill onto a secondary;
	// no-SMT threads wait for a primary.
	c := h.spawn(ThreadSpec{Name: "c"})
	require.Contains(t, []int{1, 3}, c.ChosenProcessor)
	d := h.spawn(ThreadSpec{Name: "d", Flags: thread.FlagNoSMT})
	require.Contains(t, []int{0, 2}, d.ChosenProcessor)
}

func TestSMTPolicyRebalancesOffSecondary(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2, ThreadsPerCore: 2}, withTunables(func(tu *tunables.Tunables) {
		tu.SMTPolicyEnabled = 1
	}))
	a := h.spawn(ThreadSpec{Name: "a"})
	h.deliver()
	b := h.spawn(ThreadSpec{Name: "b"})
	h.deliver()
	h.requireRunning(0, a)
	h.requireRunning(1, b)

	// When the primary idles, the thread on its secondary is pushed back
	// through placement and lands on the primary.
	h.s.AssertWait(a, true)
	h.s.Block(h.s.Processor(0), nil)
	h.deliver()
	h.requireRunning(0, b)
	h.requireIdle(1)
}
