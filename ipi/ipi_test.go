package ipi

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedcore/control"
	"schedcore/machine"
)

func TestMailboxCoalesces(t *testing.T) {
	m := NewMailbox()
	require.True(t, m.Post(BitImmediate), "first post opens a batch")
	require.False(t, m.Post(BitImmediate))
	require.False(t, m.Post(BitTimer))
	require.Equal(t, BitImmediate|BitTimer, m.Peek())

	// Exactly one doorbell for the whole batch.
	require.Len(t, m.bell, 1)
	<-m.Bell()

	bits := m.Take()
	require.True(t, bits.Has(BitImmediate|BitTimer))
	require.False(t, bits.Has(BitIdle))
	require.Zero(t, m.Take())

	require.True(t, m.Post(BitIdle), "an emptied mailbox opens a new batch")
}

func TestBusCountsAndRoutes(t *testing.T) {
	g := control.NewGroup(time.Hour, nil)
	b := NewBus(3, g)
	require.Equal(t, 3, b.Len())

	require.True(t, b.SendIPI(1, machine.IPIDeferred))
	require.False(t, b.SendIPI(1, machine.IPIImmediate))
	require.False(t, b.SendIPI(2, machine.IPINone))
	require.True(t, b.SendIPI(2, machine.IPIIdle))

	require.Equal(t, uint64(1), b.Sent(machine.IPIDeferred))
	require.Equal(t, uint64(1), b.Sent(machine.IPIImmediate))
	require.Equal(t, uint64(1), b.Sent(machine.IPIIdle))
	require.Zero(t, b.Mailbox(0).Peek())
	require.Equal(t, BitDeferred|BitImmediate, b.Mailbox(1).Take())
	require.Equal(t, BitIdle, b.Mailbox(2).Take()&IPIMask)
	require.True(t, g.Hot())
}

func TestRunnerDeliversBatchesAndStops(t *testing.T) {
	g := control.NewGroup(time.Millisecond, nil)
	b := NewBus(1, g)

	var mu sync.Mutex
	var got Bits
	cpus := map[int]bool{}
	seen := make(chan struct{}, 16)
	r := &Runner{
		CPU:     0,
		HostCPU: -1,
		Mailbox: b.Mailbox(0),
		Group:   g,
		Handler: func(cpu int, bits Bits) {
			mu.Lock()
			cpus[cpu] = true
			got |= bits
			mu.Unlock()
			seen <- struct{}{}
		},
		HotWindow: time.Microsecond,
	}
	done := r.Start()

	b.SendIPI(0, machine.IPIImmediate)
	waitOrFail(t, seen)

	// Let the runner cool down and park, then wake it with a timer bit.
	time.Sleep(30 * time.Millisecond)
	b.Post(0, BitTimer)
	waitOrFail(t, seen)

	mu.Lock()
	require.True(t, got.Has(BitImmediate|BitTimer))
	require.Equal(t, map[int]bool{0: true}, cpus)
	mu.Unlock()

	g.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerPinsWhenAsked(t *testing.T) {
	cpus, err := HostCPUs()
	require.NoError(t, err)
	require.NotEmpty(t, cpus)

	g := control.NewGroup(time.Millisecond, nil)
	b := NewBus(1, g)
	seen := make(chan struct{}, 1)
	r := &Runner{HostCPU: cpus[0], Mailbox: b.Mailbox(0), Group: g,
		Handler: func(int, Bits) { seen <- struct{}{} }}
	done := r.Start()
	b.Post(0, BitWork)
	waitOrFail(t, seen)
	g.Shutdown()
	<-done
}

func waitOrFail(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}
