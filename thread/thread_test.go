package thread

import (
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/constants"
)

func TestTableCreate(t *testing.T) {
	tb := NewTable()
	a := tb.Create("a")
	b := tb.CreateAt("b", constants.BasePriForeground)
	require.Equal(t, ID(0), a.ID)
	require.Equal(t, ID(1), b.ID)
	require.Same(t, b, tb.Get(1))
	require.Nil(t, tb.Get(5))
	require.Equal(t, 2, tb.Len())

	require.Equal(t, ModeTimeshare, a.Mode)
	require.Equal(t, constants.BasePriDefault, a.SchedPri)
	require.Equal(t, constants.BasePriForeground, b.BasePri)
	require.Equal(t, NoProcessor, a.Runq())
	require.False(t, a.Queued())
	require.Equal(t, constants.PriShiftNone, a.PriShift)

	n := 0
	tb.Each(func(*Thread) bool { n++; return true })
	require.Equal(t, 2, n)
}

func TestQueueMembership(t *testing.T) {
	tb := NewTable()
	th := tb.Create("x")
	th.SetRunq(3)
	require.True(t, th.Queued())
	th.SetRunq(NoProcessor)
	th.SetRTQueue(0)
	require.True(t, th.Queued())
	require.Equal(t, 0, th.RTQueue())
}

func TestStateAndFlags(t *testing.T) {
	s := StateRun | StateWait
	require.False(t, s.Runnable())
	require.True(t, StateRun.Runnable())
	require.Equal(t, "WAIT|RUN", s.String())

	th := &Thread{}
	th.Init(0, "f", 10)
	th.Flags |= FlagFailsafe | FlagThrottled
	require.True(t, th.Has(FlagFailsafe))
	require.True(t, th.Any(DemotedMask))
	require.False(t, th.Any(PromotedMask))
}

func TestSetRealtimeClamps(t *testing.T) {
	th := &Thread{}
	th.Init(0, "rt", 10)
	th.SetRealtime(RTParams{Computation: 1, Constraint: 2, Priority: 3})
	require.Equal(t, constants.BasePriRTQueues, th.RT.Priority)
	require.Equal(t, constants.RTDeadlineNone, th.RT.Deadline)
	th.SetRealtime(RTParams{Priority: 500})
	require.Equal(t, constants.MaxPri, th.RT.Priority)
}
