// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🖥️ DISCRETE-EVENT MACHINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Virtual-time simulator driving the scheduler
//
// Description:
//   Plays the machine below the scheduler. Quantum timers, IPIs, burst completions, wakeups
//   and power changes are events on one time-ordered queue; each event runs the scheduler
//   operation a real processor would at that moment. Everything happens on the caller's
//   goroutine, so a run is deterministic.
//
// Event model:
//   - Quantum timer: fires the processor's timer callback (quantum expiry, then AST).
//   - IPI: delivered after the configured latency; coalesced through the processor mailbox.
//   - Burst end: the thread on core blocks; its wakeup is queued.
//   - Wakeup: a new activation starts and the thread is made runnable.
//   - Power step: the power controller's worker converges the scheduler.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sim

import (
	"container/heap"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/ipi"
	"schedcore/machine"
	"schedcore/powerctl"
	"schedcore/sched"
	"schedcore/thread"
	"schedcore/tunables"
)

// DefaultIPILatency is the delay between sending an IPI and its delivery.
const DefaultIPILatency = 2 * time.Microsecond

// Config describes one simulation.
type Config struct {
	Topology sched.Topology
	Tunables *tunables.Tunables
	Workload *Workload
	Duration time.Duration

	IPILatency time.Duration
	Stacks     int

	// Clock is the virtual clock; a fresh one when nil. Share it with a
	// tracer that stamps events.
	Clock *machine.ManualClock

	Tracer   machine.Tracer
	Observer sched.Observer
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EVENT QUEUE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type eventKind uint8

const (
	evTimer eventKind = iota
	evIPI
	evBurst
	evWake
	evPower
)

type event struct {
	at   int64
	seq  uint64
	kind eventKind
	cpu  int
	gen  uint64
	tid  thread.ID
	step int
}

type eventQueue []event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(event)) }
func (q *eventQueue) Pop() any {
	old := *q
	ev := old[len(old)-1]
	*q = old[:len(old)-1]
	return ev
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SIMULATOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Simulator owns a scheduler and the virtual machine under it.
type Simulator struct {
	cfg     Config
	clock   *machine.ManualClock
	events  eventQueue
	seq     uint64
	latency int64

	bus    *ipi.Bus
	timers []*simTimer
	ledger *machine.CountingLedger
	acct   *accountant
	obs    *countingObserver

	sched  *sched.Scheduler
	power  *powerctl.Controller
	worker *powerctl.Worker

	started     []int
	stopped     []int
	delayed     int64
	powerErrors int
	priChanges  uint64
}

// New builds the scheduler and creates the workload threads. Nothing runs
// until Run.
func New(cfg Config) (*Simulator, error) {
	if cfg.Workload == nil {
		return nil, errors.New("sim: no workload")
	}
	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, errors.Newf("sim: duration %s must be positive", cfg.Duration)
	}
	if cfg.IPILatency == 0 {
		cfg.IPILatency = DefaultIPILatency
	}
	cpus := cfg.Topology.CPUs()
	for i, c := range cfg.Workload.Threads {
		if c.Bind != nil && *c.Bind >= cpus {
			return nil, errors.Newf("sim: class %d (%s) bound to cpu %d of %d", i, c.Name, *c.Bind, cpus)
		}
	}

	m := &Simulator{
		cfg:     cfg,
		clock:   cfg.Clock,
		latency: int64(cfg.IPILatency),
		ledger:  &machine.CountingLedger{},
		acct:    newAccountant(cpus),
		obs:     &countingObserver{inner: cfg.Observer},
		timers:  make([]*simTimer, cpus),
	}
	if m.clock == nil {
		m.clock = &machine.ManualClock{}
	}
	m.bus = ipi.NewBus(cpus, nil)

	s, err := sched.New(sched.Config{
		Topology: cfg.Topology,
		Tunables: cfg.Tunables,
		Clock:    m.clock,
		Platform: (*simPlatform)(m),
		Ledger:   m.ledger,
		Tracer:   cfg.Tracer,
		Observer: m.obs,
		Stacks:   cfg.Stacks,
	})
	if err != nil {
		return nil, err
	}
	m.sched = s

	m.power, err = powerctl.New(cpus, s.Master().ID)
	if err != nil {
		return nil, err
	}
	m.worker = powerctl.NewWorker(m.power, s)

	if err := spawnWorkload(s, m.acct, cfg.Workload); err != nil {
		return nil, err
	}
	for _, t := range m.acct.order {
		m.push(event{at: t.activatedAt, kind: evWake, tid: t.th.ID})
	}
	for i, st := range cfg.Workload.Power {
		m.push(event{at: st.AtMs * constants.NsPerMs, kind: evPower, step: i})
	}
	return m, nil
}

// spawnWorkload creates every workload thread. The first wakeup of each is
// stored in activatedAt.
func spawnWorkload(s *sched.Scheduler, acct *accountant, w *Workload) error {
	for ci, c := range w.Threads {
		mode, err := parseMode(c.Mode)
		if err != nil {
			return err
		}
		for i := 0; i < c.Count; i++ {
			spec := sched.ThreadSpec{
				Name:     c.Name,
				TaskName: w.Name,
				Mode:     mode,
				Priority: c.Priority,
			}
			if c.Bind != nil {
				spec.Bind, spec.Bound = true, *c.Bind
			}
			if c.NoSMT {
				spec.Flags |= thread.FlagNoSMT
			}
			t := &task{class: ci, burst: c.BurstUs * constants.NsPerUs, sleep: c.SleepUs * constants.NsPerUs}
			if mode == thread.ModeRealtime {
				spec.RT = thread.RTParams{
					Period:      c.PeriodUs * constants.NsPerUs,
					Computation: c.ComputationUs * constants.NsPerUs,
					Constraint:  c.ConstraintUs * constants.NsPerUs,
				}
				t.rt, t.rtp = true, spec.RT
				t.burst = spec.RT.Computation
			} else if c.BurstUs == 0 {
				t.burst = -1
			}
			t.th = s.CreateThread(spec)
			t.activatedAt = c.StartUs * constants.NsPerUs
			acct.add(t)
		}
	}
	return nil
}

func (m *Simulator) push(ev event) {
	m.seq++
	ev.seq = m.seq
	heap.Push(&m.events, ev)
}

// Scheduler exposes the simulated scheduler.
func (m *Simulator) Scheduler() *sched.Scheduler { return m.sched }

// Now returns the virtual time.
func (m *Simulator) Now() int64 { return m.clock.Now() }

// Run processes events until the configured duration and returns the
// report.
func (m *Simulator) Run() *Report {
	debug.NoteFields("sim", "simulation started", logrus.Fields{
		"workload": m.cfg.Workload.Name,
		"cpus":     m.cfg.Topology.CPUs(),
		"duration": m.cfg.Duration.String(),
	})
	m.RunUntil(int64(m.cfg.Duration))
	return m.report()
}

// RunUntil processes every event due at or before end and leaves the clock
// at end. Later events stay queued.
func (m *Simulator) RunUntil(end int64) {
	for m.events.Len() > 0 && m.events[0].at <= end {
		ev := heap.Pop(&m.events).(event)
		if ev.at > m.clock.Now() {
			m.clock.Set(ev.at)
		}
		m.dispatch(ev)
	}
	if end > m.clock.Now() {
		m.clock.Set(end)
	}
}

func (m *Simulator) dispatch(ev event) {
	now := m.clock.Now()
	switch ev.kind {
	case evTimer:
		tm := m.timers[ev.cpu]
		if tm == nil || !tm.armed || tm.gen != ev.gen {
			return
		}
		tm.armed = false
		tm.fn(now)

	case evIPI:
		if bits := m.bus.Mailbox(ev.cpu).Take(); bits&ipi.IPIMask != 0 {
			m.sched.Interrupt(m.sched.Processor(ev.cpu))
		}

	case evBurst:
		p := m.sched.Processor(ev.cpu)
		if p.ActiveThread == nil || p.ActiveThread.ID != ev.tid {
			return
		}
		t, wakeAt, ok := m.acct.finish(burstEnd{cpu: ev.cpu, tid: ev.tid, gen: ev.gen}, now)
		if !ok {
			return
		}
		m.sched.AssertWait(t.th, true)
		m.sched.Block(p, nil)
		m.push(event{at: wakeAt, kind: evWake, tid: t.th.ID})

	case evWake:
		t := m.acct.woke(ev.tid, now)
		if t == nil {
			return
		}
		m.sched.Wakeup(nil, t.th, thread.WaitAwakened)

	case evPower:
		m.applyPower(m.cfg.Workload.Power[ev.step])
	}
}

func (m *Simulator) applyPower(st PowerStep) {
	if st.Online != nil {
		m.power.RequestOnline(powerctl.ClientUser, maskOf(st.Online))
	}
	if st.TempDown != nil {
		m.power.SetTempDown(maskOf(st.TempDown))
	}
	if st.PowerRec != nil {
		m.power.Recommend(powerctl.ClientUser, maskOf(st.PowerRec))
	}
	if st.Sleep != nil {
		m.power.SetSleeping(*st.Sleep)
	}
	if err := m.worker.Sync(); err != nil {
		m.powerErrors++
		debug.DropError("sim", err)
	}
	if st.Recommended != nil {
		m.sched.UpdateRecommendedCores(maskOf(st.Recommended))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PLATFORM
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// simPlatform is the Simulator seen from the scheduler. Its methods are
// called with scheduler locks held and only queue events.
type simPlatform Simulator

type simTimer struct {
	m     *Simulator
	cpu   int
	fn    func(now int64)
	gen   uint64
	armed bool
}

func (t *simTimer) Enter(deadline int64) {
	t.gen++
	t.armed = true
	t.m.push(event{at: max(deadline, t.m.clock.Now()), kind: evTimer, cpu: t.cpu, gen: t.gen})
}

func (t *simTimer) Cancel() bool {
	was := t.armed
	t.armed = false
	t.gen++
	return was
}

func (p *simPlatform) sim() *Simulator { return (*Simulator)(p) }

func (p *simPlatform) SwitchContext(cpu int, old, next *thread.Thread) {
	m := p.sim()
	if be, ok := m.acct.switched(cpu, old, next, m.clock.Now()); ok {
		m.push(event{at: be.at, kind: evBurst, cpu: be.cpu, tid: be.tid, gen: be.gen})
	}
}

func (p *simPlatform) SendIPI(cpu int, kind machine.IPIType) {
	m := p.sim()
	if m.bus.SendIPI(cpu, kind) {
		m.push(event{at: m.clock.Now() + m.latency, kind: evIPI, cpu: cpu})
	}
}

func (p *simPlatform) QuantumTimer(cpu int, fn func(now int64)) machine.Timer {
	m := p.sim()
	t := &simTimer{m: m, cpu: cpu, fn: fn}
	m.timers[cpu] = t
	return t
}

func (p *simPlatform) StartProcessor(cpu int) error {
	p.started = append(p.started, cpu)
	return nil
}

func (p *simPlatform) ShutdownProcessor(cpu int) error {
	p.stopped = append(p.stopped, cpu)
	return nil
}

func (p *simPlatform) PreferredIdle(candidates cpumap.Map, _ *thread.Thread) cpumap.Map {
	return candidates
}

func (p *simPlatform) UrgencyChanged(int, int, int64, int64) {}

// Delay models a processor spinning: virtual time moves on.
func (p *simPlatform) Delay(ns int64) {
	if ns > 0 {
		p.delayed += ns
		p.clock.Advance(ns)
	}
}

// PriorityChanged counts priority moves of threads on core.
func (p *simPlatform) PriorityChanged(int, *thread.Thread, int, int) { p.priChanges++ }

var (
	_ machine.Platform    = (*simPlatform)(nil)
	_ machine.Delayer     = (*simPlatform)(nil)
	_ machine.PerfControl = (*simPlatform)(nil)
)
