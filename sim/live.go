// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🏃 LIVE MACHINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Wall-clock driver with one goroutine per processor
//
// Description:
//   Runs the scheduler against real time. Every processor is an ipi.Runner locked to an OS
//   thread, optionally pinned to a host CPU. Quantum timers, burst ends and interrupts all
//   arrive as mailbox bits, so each processor's scheduler calls happen on its own runner.
//   Wakeups come from timer goroutines, the way device interrupts would.
//
// Limits:
//   - Processors are never powered down; online, temp-down and sleep steps are ignored.
//   - Results depend on the host and are not reproducible.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"schedcore/constants"
	"schedcore/control"
	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/ipi"
	"schedcore/machine"
	"schedcore/powerctl"
	"schedcore/sched"
	"schedcore/thread"
	"schedcore/tunables"
)

// LiveConfig describes a wall-clock run.
type LiveConfig struct {
	Topology sched.Topology
	Tunables *tunables.Tunables
	Workload *Workload
	Duration time.Duration

	Pin       bool          // pin runners to host CPUs
	HotWindow time.Duration // runner spin window; zero means the ipi default
	Cooldown  time.Duration // group cooldown; zero means the control default

	// Clock defaults to a WallClock started by RunLive.
	Clock machine.Clock

	Tracer   machine.Tracer
	Observer sched.Observer
}

// WallClock is monotonic time since it was created.
type WallClock struct{ start time.Time }

// NewWallClock starts a clock at zero.
func NewWallClock() WallClock { return WallClock{start: time.Now()} }

// Now implements machine.Clock.
func (c WallClock) Now() int64 { return int64(time.Since(c.start)) }

type burstSlot struct {
	mu    sync.Mutex
	be    burstEnd
	valid bool
	timer *time.Timer
}

// Live is a running wall-clock machine.
type Live struct {
	cfg   LiveConfig
	clock machine.Clock
	group *control.Group
	bus   *ipi.Bus

	sched  *sched.Scheduler
	acct   *accountant
	ledger *machine.CountingLedger
	obs    *countingObserver
	power  *powerctl.Controller
	worker *powerctl.Worker

	timers []*liveTimer
	bursts []burstSlot

	stopping atomic.Bool
	pendMu   sync.Mutex
	pending  map[*time.Timer]struct{}
}

// RunLive runs cfg until its duration passes or ctx is done.
func RunLive(ctx context.Context, cfg LiveConfig) (*Report, error) {
	if cfg.Workload == nil {
		return nil, errors.New("live: no workload")
	}
	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, errors.Newf("live: duration %s must be positive", cfg.Duration)
	}
	cpus := cfg.Topology.CPUs()
	for i, c := range cfg.Workload.Threads {
		if c.Bind != nil && *c.Bind >= cpus {
			return nil, errors.Newf("live: class %d (%s) bound to cpu %d of %d", i, c.Name, *c.Bind, cpus)
		}
	}

	l := &Live{
		cfg:     cfg,
		clock:   cfg.Clock,
		acct:    newAccountant(cpus),
		ledger:  &machine.CountingLedger{},
		obs:     &countingObserver{inner: cfg.Observer},
		timers:  make([]*liveTimer, cpus),
		bursts:  make([]burstSlot, cpus),
		pending: make(map[*time.Timer]struct{}),
	}
	if l.clock == nil {
		l.clock = NewWallClock()
	}
	l.group = control.NewGroup(cfg.Cooldown, l.clock.Now)
	l.bus = ipi.NewBus(cpus, l.group)

	s, err := sched.New(sched.Config{
		Topology: cfg.Topology,
		Tunables: cfg.Tunables,
		Clock:    l.clock,
		Platform: (*livePlatform)(l),
		Ledger:   l.ledger,
		Tracer:   cfg.Tracer,
		Observer: l.obs,
	})
	if err != nil {
		return nil, err
	}
	l.sched = s
	if l.power, err = powerctl.New(cpus, s.Master().ID); err != nil {
		return nil, err
	}
	l.worker = powerctl.NewWorker(l.power, s)
	if err := spawnWorkload(s, l.acct, cfg.Workload); err != nil {
		return nil, err
	}

	var hosts []int
	if cfg.Pin {
		if hosts, err = ipi.HostCPUs(); err != nil {
			return nil, err
		}
	}
	done := make([]<-chan struct{}, cpus)
	for cpu := 0; cpu < cpus; cpu++ {
		host := -1
		if len(hosts) > 0 {
			host = hosts[cpu%len(hosts)]
		}
		r := &ipi.Runner{
			CPU:       cpu,
			HostCPU:   host,
			Mailbox:   l.bus.Mailbox(cpu),
			Group:     l.group,
			Handler:   l.handle,
			HotWindow: cfg.HotWindow,
		}
		done[cpu] = r.Start()
	}

	wctx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		l.worker.Run(wctx)
		close(workerDone)
	}()

	debug.NoteFields("live", "live run started", logrus.Fields{
		"workload": cfg.Workload.Name,
		"cpus":     cpus,
		"pinned":   len(hosts) > 0,
		"duration": cfg.Duration.String(),
	})

	l.acct.mu.Lock()
	for _, t := range l.acct.order {
		id := t.th.ID
		l.after(t.activatedAt, func() { l.wake(id) })
	}
	l.acct.mu.Unlock()
	for _, st := range cfg.Workload.Power {
		l.after(st.AtMs*constants.NsPerMs, func() { l.applyPower(st) })
	}

	select {
	case <-ctx.Done():
	case <-time.After(cfg.Duration):
	}
	end := l.clock.Now()

	l.stopping.Store(true)
	l.pendMu.Lock()
	for tm := range l.pending {
		tm.Stop()
	}
	l.pendMu.Unlock()
	for _, tm := range l.timers {
		if tm != nil {
			tm.Cancel()
		}
	}
	for i := range l.bursts {
		l.bursts[i].stop()
	}
	l.group.Shutdown()
	for _, d := range done {
		<-d
	}
	cancelWorker()
	<-workerDone

	return buildReport(cfg.Workload, s, l.acct, l.ledger, l.obs, l.bus.Sent, 0, end), nil
}

// after runs fn at machine time at on a timer goroutine.
func (l *Live) after(at int64, fn func()) {
	l.pendMu.Lock()
	defer l.pendMu.Unlock()
	if l.stopping.Load() {
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(time.Duration(at-l.clock.Now()), func() {
		l.pendMu.Lock()
		delete(l.pending, tm)
		l.pendMu.Unlock()
		if !l.stopping.Load() {
			fn()
		}
	})
	l.pending[tm] = struct{}{}
}

// handle runs on the runner of cpu.
func (l *Live) handle(cpu int, bits ipi.Bits) {
	if l.stopping.Load() {
		return
	}
	p := l.sched.Processor(cpu)
	if bits.Has(ipi.BitTimer) {
		if tm := l.timers[cpu]; tm != nil {
			tm.fire(l.clock.Now())
		}
	}
	if bits&ipi.IPIMask != 0 {
		l.sched.Interrupt(p)
	}
	if bits.Has(ipi.BitWork) {
		l.finishBurst(p)
	}
}

func (l *Live) finishBurst(p *sched.Processor) {
	slot := &l.bursts[p.ID]
	slot.mu.Lock()
	be, ok := slot.be, slot.valid
	slot.valid = false
	slot.mu.Unlock()
	if !ok || p.ActiveThread == nil || p.ActiveThread.ID != be.tid {
		return
	}
	now := l.clock.Now()
	t, wakeAt, ok := l.acct.finish(be, now)
	if !ok {
		return
	}
	l.sched.AssertWait(t.th, true)
	l.sched.Block(p, nil)
	id := t.th.ID
	l.after(wakeAt, func() { l.wake(id) })
}

func (l *Live) wake(id thread.ID) {
	if t := l.acct.woke(id, l.clock.Now()); t != nil {
		l.sched.Wakeup(nil, t.th, thread.WaitAwakened)
	}
}

func (l *Live) applyPower(st PowerStep) {
	if st.Online != nil || st.TempDown != nil || st.Sleep != nil {
		debug.DropFields("live", "power step ignored", logrus.Fields{"at_ms": st.AtMs})
	}
	if st.PowerRec != nil {
		l.power.Recommend(powerctl.ClientUser, maskOf(st.PowerRec))
		l.worker.Kick()
	}
	if st.Recommended != nil {
		l.sched.UpdateRecommendedCores(maskOf(st.Recommended))
	}
}

func (b *burstSlot) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.valid = false
	b.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PLATFORM
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type livePlatform Live

type liveTimer struct {
	l   *Live
	cpu int
	fn  func(now int64)

	mu       sync.Mutex
	t        *time.Timer
	deadline int64
	armed    bool
}

func (t *liveTimer) Enter(deadline int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.deadline, t.armed = deadline, true
	if t.l.stopping.Load() {
		return
	}
	t.t = time.AfterFunc(time.Duration(deadline-t.l.clock.Now()), func() {
		t.l.bus.Post(t.cpu, ipi.BitTimer)
	})
}

func (t *liveTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.armed
	t.armed = false
	if t.t != nil {
		t.t.Stop()
	}
	return was
}

// fire runs the callback if the timer is armed and due. Stale posts from a
// replaced deadline are dropped.
func (t *liveTimer) fire(now int64) {
	t.mu.Lock()
	if !t.armed || now < t.deadline {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.mu.Unlock()
	t.fn(now)
}

func (p *livePlatform) live() *Live { return (*Live)(p) }

func (p *livePlatform) SwitchContext(cpu int, old, next *thread.Thread) {
	l := p.live()
	now := l.clock.Now()
	be, ok := l.acct.switched(cpu, old, next, now)
	slot := &l.bursts[cpu]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.be, slot.valid = be, ok
	if ok && !l.stopping.Load() {
		slot.timer = time.AfterFunc(time.Duration(be.at-now), func() {
			l.bus.Post(cpu, ipi.BitWork)
		})
	}
}

func (p *livePlatform) SendIPI(cpu int, kind machine.IPIType) {
	p.live().bus.SendIPI(cpu, kind)
}

func (p *livePlatform) QuantumTimer(cpu int, fn func(now int64)) machine.Timer {
	l := p.live()
	t := &liveTimer{l: l, cpu: cpu, fn: fn}
	l.timers[cpu] = t
	return t
}

func (p *livePlatform) StartProcessor(int) error { return nil }

func (p *livePlatform) ShutdownProcessor(cpu int) error {
	return errors.Newf("live: cpu %d cannot be powered down", cpu)
}

func (p *livePlatform) PreferredIdle(candidates cpumap.Map, _ *thread.Thread) cpumap.Map {
	return candidates
}

func (p *livePlatform) UrgencyChanged(int, int, int64, int64) {}

var _ machine.Platform = (*livePlatform)(nil)
