package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/cpumap"
	"schedcore/thread"
)

func TestManualClockMonotonic(t *testing.T) {
	var c ManualClock
	require.Equal(t, int64(5), c.Advance(5))
	c.Set(10)
	require.Equal(t, int64(10), c.Now())
	require.Panics(t, func() { c.Set(3) })
	require.Panics(t, func() { c.Advance(-1) })
}

func TestRecordingPlatform(t *testing.T) {
	p := NewRecordingPlatform()
	p.SendIPI(2, IPIImmediate)
	require.Equal(t, []IPIRecord{{2, IPIImmediate}}, p.TakeIPIs())
	require.Empty(t, p.TakeIPIs())

	fired := int64(-1)
	tm := p.QuantumTimer(1, func(now int64) { fired = now })
	tm.Enter(100)
	d, armed := p.Timer(1).Armed()
	require.True(t, armed)
	require.Equal(t, int64(100), d)
	p.Timer(1).Fire(100)
	require.Equal(t, int64(100), fired)
	require.False(t, tm.Cancel())

	require.Equal(t, cpumap.Of(1, 2), p.PreferredIdle(cpumap.Of(1, 2), nil))
	p.Preferred = cpumap.Of(2)
	require.Equal(t, cpumap.Of(2), p.PreferredIdle(cpumap.Of(1, 2), nil))
}

func TestCountingLedger(t *testing.T) {
	var l CountingLedger
	th := &thread.Thread{}
	th.Init(3, "x", 31)
	l.Bill(th, 10)
	l.Bill(th, 5)
	require.Equal(t, int64(15), l.Total(3))
	require.Equal(t, "quantum_expire", EvQuantumExpire.String())
	require.Equal(t, "deferred", IPIDeferred.String())
}

func TestEventCodeNames(t *testing.T) {
	for c := EvSwitch; c <= EvPriChange; c++ {
		got, ok := ParseEventCode(c.String())
		require.True(t, ok, c.String())
		require.Equal(t, c, got)
	}
	_, ok := ParseEventCode("bogus")
	require.False(t, ok)
	require.Equal(t, "unknown", EventCode(0).String())
}
