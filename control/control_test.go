package control

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNow struct{ ns int64 }

func (f *fakeNow) now() int64 { return f.ns }

func TestGroupStartsColdAndRunning(t *testing.T) {
	g := NewGroup(0, nil)
	require.False(t, g.Hot())
	require.False(t, g.Stopped())
	require.Equal(t, int64(DefaultCooldown), g.cooldown)
}

func TestActivityCoolsDownAfterQuietPeriod(t *testing.T) {
	clk := &fakeNow{}
	g := NewGroup(10*time.Millisecond, clk.now)

	g.SignalActivity()
	require.True(t, g.Hot())

	clk.ns = int64(10 * time.Millisecond)
	g.PollCooldown()
	require.True(t, g.Hot(), "exactly at the cooldown boundary the group stays hot")

	clk.ns++
	g.PollCooldown()
	require.False(t, g.Hot())

	// New activity restarts the window.
	g.SignalActivity()
	clk.ns += int64(5 * time.Millisecond)
	g.PollCooldown()
	require.True(t, g.Hot())
}

func TestShutdownIsSticky(t *testing.T) {
	g := NewGroup(time.Millisecond, nil)
	g.Shutdown()
	g.SignalActivity()
	require.True(t, g.Stopped())
}

func TestConcurrentSignals(t *testing.T) {
	g := NewGroup(time.Hour, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g.SignalActivity()
				g.PollCooldown()
				_ = g.Hot()
			}
		}()
	}
	wg.Wait()
	require.True(t, g.Hot())
}
