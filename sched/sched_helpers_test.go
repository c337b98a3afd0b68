package sched

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/machine"
	"schedcore/thread"
	"schedcore/tunables"
)

const ms int64 = constants.NsPerMs

// recordingObserver counts the events the tests look at.
type recordingObserver struct {
	mu          sync.Mutex
	switches    int
	preemptions int
	expiries    int
	steals      int
	demotions   []thread.Mode
	recommended []int
	failsafe    []bool
}

func (o *recordingObserver) ContextSwitch(int) { o.mu.Lock(); o.switches++; o.mu.Unlock() }
func (o *recordingObserver) Preemption(int)    { o.mu.Lock(); o.preemptions++; o.mu.Unlock() }
func (o *recordingObserver) QuantumExpired(int) {
	o.mu.Lock()
	o.expiries++
	o.mu.Unlock()
}
func (o *recordingObserver) IPI(int, machine.IPIType, string) {}
func (o *recordingObserver) Steal(int, bool)                  { o.mu.Lock(); o.steals++; o.mu.Unlock() }
func (o *recordingObserver) FailsafeDemotion(m thread.Mode) {
	o.mu.Lock()
	o.demotions = append(o.demotions, m)
	o.mu.Unlock()
}
func (o *recordingObserver) RecommendedCores(n int) {
	o.mu.Lock()
	o.recommended = append(o.recommended, n)
	o.mu.Unlock()
}
func (o *recordingObserver) RecommendFailsafe(active bool) {
	o.mu.Lock()
	o.failsafe = append(o.failsafe, active)
	o.mu.Unlock()
}
func (o *recordingObserver) RunnableThreads(thread.Bucket, int64) {}

// harness drives a scheduler by hand: the test plays every processor,
// delivering IPIs and firing quantum timers explicitly.
type harness struct {
	t      *testing.T
	clock  *machine.ManualClock
	plat   *machine.RecordingPlatform
	ledger *machine.CountingLedger
	obs    *recordingObserver
	s      *Scheduler
}

type harnessOpt func(*Config)

func withTunables(fn func(*tunables.Tunables)) harnessOpt {
	return func(c *Config) {
		tu := tunables.Defaults()
		fn(tu)
		tu.Derive()
		c.Tunables = tu
	}
}

func withStacks(n int) harnessOpt { return func(c *Config) { c.Stacks = n } }

func newHarness(t *testing.T, topo Topology, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &machine.ManualClock{},
		plat:   machine.NewRecordingPlatform(),
		ledger: &machine.CountingLedger{},
		obs:    &recordingObserver{},
	}
	cfg := Config{
		Topology: topo,
		Clock:    h.clock,
		Platform: h.plat,
		Ledger:   h.ledger,
		Observer: h.obs,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	h.s = s
	return h
}

// spawn creates a thread and makes it runnable from outside any processor.
func (h *harness) spawn(spec ThreadSpec) *thread.Thread {
	h.t.Helper()
	if spec.Name == "" {
		spec.Name = "worker"
	}
	th := h.s.CreateThread(spec)
	h.s.Start(nil, th)
	return th
}

// deliver hands every pending IPI to its processor until none are left.
func (h *harness) deliver() {
	h.t.Helper()
	for round := 0; round < 64; round++ {
		ipis := h.plat.TakeIPIs()
		if len(ipis) == 0 {
			return
		}
		seen := cpumap.None
		for _, ipi := range ipis {
			if seen.Has(ipi.CPU) {
				continue
			}
			seen = seen.Set(ipi.CPU)
			h.s.Interrupt(h.s.Processor(ipi.CPU))
		}
	}
	h.t.Fatalf("IPIs still pending after 64 rounds")
}

// tick advances the clock to at and fires cpu's quantum timer.
func (h *harness) tick(cpu int, at int64) {
	h.t.Helper()
	h.clock.Set(at)
	h.plat.Timer(cpu).Fire(at)
	h.deliver()
}

// running returns the thread on cpu.
func (h *harness) running(cpu int) *thread.Thread {
	return h.s.Processor(cpu).ActiveThread
}

// requireRunning asserts th is on core at cpu.
func (h *harness) requireRunning(cpu int, th *thread.Thread) {
	h.t.Helper()
	got := h.running(cpu)
	require.Same(h.t, th, got, "cpu %d runs %q (id %d), want %q (id %d)", cpu, got.Name, got.ID, th.Name, th.ID)
}

// requireIdle asserts cpu runs its idle thread in the idle state.
func (h *harness) requireIdle(cpu int) {
	h.t.Helper()
	p := h.s.Processor(cpu)
	require.True(h.t, p.ActiveThread.IsIdleThread, "cpu %d runs %q", cpu, p.ActiveThread.Name)
	require.Equal(h.t, ProcIdle, p.State)
}

// requireFloor asserts at least one online processor is recommended.
func (h *harness) requireFloor() {
	h.t.Helper()
	avail := h.s.Online() & h.s.Recommended()
	require.GreaterOrEqual(h.t, avail.Count(), 1,
		"online %s recommended %s", h.s.Online(), h.s.Recommended())
}
