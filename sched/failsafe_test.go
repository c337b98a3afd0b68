package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/cpumap"
	"schedcore/thread"
)

func TestFixedThreadFailsafeRoundTrip(t *testing.T) {
	h := newHarness(t, oneCPU)
	hog := h.spawn(ThreadSpec{Name: "hog", Mode: thread.ModeFixed, Priority: 50})
	h.deliver()
	h.requireRunning(0, hog)

	// 100 quanta of 10ms are allowed; the 101st trips the fail-safe.
	var at int64
	for k := int64(1); k <= 100; k++ {
		at = k * 10 * ms
		h.tick(0, at)
		require.Equal(t, thread.ModeFixed, hog.Mode, "demoted early at %dms", at/ms)
	}
	at += 10 * ms
	h.tick(0, at)
	require.Equal(t, thread.ModeTimeshare, hog.Mode)
	require.Equal(t, thread.ModeFixed, hog.SavedMode)
	require.True(t, hog.Has(thread.FlagFailsafe|thread.FlagFailsafeReported))
	require.Equal(t, []thread.Mode{thread.ModeFixed}, h.obs.demotions)

	// Running on does not demote again.
	for i := 0; i < 10; i++ {
		at += 10 * ms
		h.tick(0, at)
	}
	require.Len(t, h.obs.demotions, 1)

	// Past the release time the next priority update restores the mode.
	h.s.AssertWait(hog, true)
	h.s.Block(h.s.Processor(0), nil)
	h.requireIdle(0)
	h.clock.Set(hog.SafeRelease + ms)
	h.s.Wakeup(nil, hog, thread.WaitAwakened)
	h.deliver()

	h.requireRunning(0, hog)
	require.Equal(t, thread.ModeFixed, hog.Mode)
	require.Equal(t, thread.ModeNone, hog.SavedMode)
	require.False(t, hog.Any(thread.FlagFailsafe|thread.FlagFailsafeReported))
}

func TestSystemCriticalThreadNeverDemoted(t *testing.T) {
	h := newHarness(t, oneCPU)
	crit := h.spawn(ThreadSpec{Name: "crit", Mode: thread.ModeFixed, Priority: 50, Flags: thread.FlagSystemCritical})
	h.deliver()
	for k := int64(1); k <= 120; k++ {
		h.tick(0, k*10*ms)
	}
	require.Equal(t, thread.ModeFixed, crit.Mode)
	require.Empty(t, h.obs.demotions)
}

func TestStarvedMaintenanceRecommendsAllCores(t *testing.T) {
	h := newHarness(t, Topology{Psets: 1, CPUsPerPset: 2})
	h.s.UpdateRecommendedCores(cpumap.Of(0))

	rt := h.spawn(ThreadSpec{
		Name:  "rt",
		Mode:  thread.ModeRealtime,
		Flags: thread.FlagSystemCritical,
		RT:    thread.RTParams{Period: 100 * ms, Computation: 50 * ms, Constraint: 100 * ms},
	})
	h.deliver()
	h.requireRunning(0, rt)
	maint := h.s.MaintenanceThread()

	// The realtime thread keeps cpu0; the maintenance thread queues behind
	// it from its first wakeup at 150ms and starves.
	var at int64
	for !h.s.FailsafeActive() {
		require.Less(t, at, 3000*ms, "failsafe never engaged")
		at += 50 * ms
		h.tick(0, at)
		if at >= 150*ms && !h.s.FailsafeActive() {
			require.Equal(t, 0, maint.Runq(), "at %dms", at/ms)
		}
	}
	require.Equal(t, 2200*ms, at)
	require.Equal(t, cpumap.Range(2), h.s.Recommended())
	require.Equal(t, []bool{true}, h.obs.failsafe)

	// cpu1 was woken by the grant and served the maintenance thread.
	h.requireRunning(0, rt)
	h.requireIdle(1)
	require.False(t, maint.Queued())
	require.NotZero(t, maint.State&thread.StateWait)

	// The failsafe lifts itself once it has been in force long enough.
	start := at
	for h.s.FailsafeActive() {
		require.Less(t, at-start, 3000*ms, "failsafe never cleared")
		at += 50 * ms
		h.tick(0, at)
	}
	require.GreaterOrEqual(t, at-start, h.s.Tunables().D().FailsafeDuration)
	require.Equal(t, []bool{true, false}, h.obs.failsafe)
	require.Equal(t, cpumap.Of(0), h.s.Recommended())
	h.requireFloor()
}
