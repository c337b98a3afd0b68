package tracestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedcore/machine"
)

func TestRingOrderAndOverflow(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Push(&Event{TS: int64(i)}))
	}
	require.False(t, r.Push(&Event{TS: 99}), "full ring drops")
	require.Equal(t, uint64(1), r.Dropped())

	var got []int64
	n := r.Drain(3, func(ev *Event) { got = append(got, ev.TS) })
	require.Equal(t, 3, n)
	require.Equal(t, []int64{0, 1, 2}, got)

	// Wrap around.
	require.True(t, r.Push(&Event{TS: 4}))
	got = got[:0]
	r.Drain(10, func(ev *Event) { got = append(got, ev.TS) })
	require.Equal(t, []int64{3, 4}, got)

	var ev Event
	require.False(t, r.Pop(&ev))
}

func TestRingRejectsBadSize(t *testing.T) {
	require.Panics(t, func() { NewRing(3) })
	require.Panics(t, func() { NewRing(0) })
}

func TestRingConcurrentProducersNeverCorrupt(t *testing.T) {
	r := NewRing(1 << 12)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				r.Push(&Event{TS: int64(i), CPU: int32(p)})
			}
		}(p)
	}
	wg.Wait()

	last := map[int32]int64{0: -1, 1: -1, 2: -1, 3: -1}
	n := r.Drain(1<<12, func(ev *Event) {
		require.Greater(t, ev.TS, last[ev.CPU], "per-producer order is kept")
		last[ev.CPU] = ev.TS
	})
	require.Equal(t, uint64(2000), uint64(n)+r.Dropped())
}

func openStore(t *testing.T, cpus int) (*Store, *machine.ManualClock) {
	t.Helper()
	clk := &machine.ManualClock{}
	s, err := Open(Options{CPUs: cpus, RingSize: 64, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestFlushPersistsAndSummarizes(t *testing.T) {
	s, clk := openStore(t, 2)
	clk.Set(10)
	s.Trace(machine.EvSwitch, 0, 1, 2, 3, 4)
	clk.Set(20)
	s.Trace(machine.EvSwitch, 1, 5, 6, 7, 8)
	clk.Set(30)
	s.Trace(machine.EvIPI, 1, ^uint64(0), 0, 0, 0)

	n, err := s.Flush()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3), s.Written())

	n, err = s.Flush()
	require.NoError(t, err)
	require.Zero(t, n, "flushed events are not written twice")

	ctx := context.Background()
	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, []CodeCount{{Name: "switch", Count: 2}, {Name: "ipi", Count: 1}}, sum)

	ipis, err := s.Events(ctx, machine.EvIPI, 10)
	require.NoError(t, err)
	require.Len(t, ipis, 1)
	require.Equal(t, int64(30), ipis[0].TS)
	require.Equal(t, int32(1), ipis[0].CPU)
	require.Equal(t, ^uint64(0), ipis[0].Args[0], "argument bits survive the signed column")

	all, err := s.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, [4]uint64{1, 2, 3, 4}, all[0].Args)
}

func TestTraceOutOfRangeCPUFallsBackToRingZero(t *testing.T) {
	s, _ := openStore(t, 1)
	s.Trace(machine.EvIdle, 7, 0, 0, 0, 0)
	s.Trace(machine.EvIdle, -1, 0, 0, 0, 0)
	n, err := s.Flush()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFullRingCountsDrops(t *testing.T) {
	s, _ := openStore(t, 1)
	for i := 0; i < 70; i++ {
		s.Trace(machine.EvSetrun, 0, uint64(i), 0, 0, 0)
	}
	require.Equal(t, uint64(6), s.Dropped())
	n, err := s.Flush()
	require.NoError(t, err)
	require.Equal(t, 64, n)
}

func TestRunFlushesOnCancel(t *testing.T) {
	s, _ := openStore(t, 1)
	s.Trace(machine.EvPower, 0, 1, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	require.Equal(t, uint64(1), s.Written())
}

func TestFileBackedStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	clk := &machine.ManualClock{}
	s, err := Open(Options{Path: path, CPUs: 1, Clock: clk})
	require.NoError(t, err)
	s.Trace(machine.EvSteal, 0, 0, 0, 0, 0)
	require.NoError(t, s.Close())

	s2, err := Open(Options{Path: path, CPUs: 1, Clock: clk})
	require.NoError(t, err)
	defer s2.Close()
	sum, err := s2.Summary(context.Background())
	require.NoError(t, err)
	require.Equal(t, []CodeCount{{Name: "steal", Count: 1}}, sum)
}

func TestOpenValidates(t *testing.T) {
	_, err := Open(Options{CPUs: 0, Clock: &machine.ManualClock{}})
	require.Error(t, err)
	_, err = Open(Options{CPUs: 1})
	require.Error(t, err)
}
