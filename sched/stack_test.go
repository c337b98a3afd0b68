package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/thread"
)

func TestStackHandoffAndDeferral(t *testing.T) {
	h := newHarness(t, oneCPU, withStacks(1))
	p := h.s.Processor(0)
	require.Equal(t, 1, h.s.StacksFree())

	var resumed []thread.WaitResult
	cont := func(_ any, wr thread.WaitResult) { resumed = append(resumed, wr) }

	t1 := h.spawn(ThreadSpec{Name: "t1"})
	h.deliver()
	h.requireRunning(0, t1)
	require.Zero(t, h.s.StacksFree())

	t2 := h.spawn(ThreadSpec{Name: "t2"})
	h.deliver()

	// t1 parks in a continuation, so t2 inherits its stack.
	h.s.AssertWait(t1, false)
	h.s.Block(p, cont)
	h.requireRunning(0, t2)
	require.EqualValues(t, 1, p.StackHandoffs)
	require.False(t, t1.KernelStack)
	require.True(t, t2.KernelStack)
	require.Zero(t, h.s.StacksFree())

	// t1 wakes but no stack is free while t2 holds the only one.
	h.s.Wakeup(nil, t1, thread.WaitAwakened)
	h.plat.TakeIPIs()
	h.s.Yield(p)
	h.requireRunning(0, t2)
	require.Equal(t, 1, h.s.StackWaiters())
	require.True(t, t1.Has(thread.FlagWaitingForStack))
	require.False(t, t1.Queued())

	// Once t2 parks in a continuation its stack goes to t1.
	h.s.AssertWait(t2, false)
	h.s.Block(p, cont)
	h.requireIdle(0)
	require.Zero(t, h.s.StackWaiters())
	require.False(t, t1.Has(thread.FlagWaitingForStack))
	require.True(t, t1.Queued())

	h.s.ASTTaken(p)
	h.requireRunning(0, t1)
	require.Equal(t, []thread.WaitResult{thread.WaitAwakened}, resumed)
	require.Zero(t, h.s.StacksFree())
}

func TestUnlimitedStacks(t *testing.T) {
	h := newHarness(t, oneCPU)
	require.Equal(t, -1, h.s.StacksFree())
	a := h.spawn(ThreadSpec{Name: "a"})
	h.deliver()
	h.requireRunning(0, a)
	require.Equal(t, -1, h.s.StacksFree())
	require.Zero(t, h.s.StackWaiters())
}
