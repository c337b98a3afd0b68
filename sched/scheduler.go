// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ SCHEDULER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Multiprocessor dispatch core
//
// Description:
//   Owns the processors, processor sets, thread table and priority engine of one machine.
//   Every processor runs the same dispatch state machine independently; the Scheduler only
//   holds the state they share.
//
// Calling convention:
//   Entry points that run "on" a processor take it as their first argument (self). Entry
//   points that may be called from outside any processor accept a nil self, in which case
//   every notification becomes an IPI.
//
// Lock order:
//   thread lock → pset lock. availLock (recommendation and power state) is never taken
//   while either is held.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/priority"
	"schedcore/rtqueue"
	"schedcore/runq"
	"schedcore/syncutil"
	"schedcore/thread"
	"schedcore/tunables"
)

// ErrInvalidTopology is returned by New for an unusable machine shape.
var ErrInvalidTopology = errors.New("invalid topology")

// Topology describes the machine shape.
type Topology struct {
	Psets          int // processor sets
	CPUsPerPset    int // logical cpus per set
	ThreadsPerCore int // hyperthreads per core; 1 disables SMT
}

// CPUs returns the number of logical cpus.
func (t Topology) CPUs() int { return t.Psets * t.CPUsPerPset }

// Config assembles a Scheduler.
type Config struct {
	Topology Topology
	Tunables *tunables.Tunables
	Clock    machine.Clock
	Platform machine.Platform
	Ledger   machine.Ledger
	Tracer   machine.Tracer
	Observer Observer

	// MasterCPU is the boot processor and the final last-resort target.
	MasterCPU int

	// Stacks bounds the kernel stacks available to threads parked in
	// continuations. Zero means unlimited.
	Stacks int
}

// Scheduler is the shared state of every processor.
type Scheduler struct {
	tu       *tunables.Tunables
	clock    machine.Clock
	platform machine.Platform
	ledger   machine.Ledger
	tracer   machine.Tracer
	obs      Observer
	topo     Topology

	Engine  *priority.Engine
	Threads *thread.Table

	processors []*Processor
	psets      []*ProcessorSet
	master     *Processor
	policy     Policy

	// Processors eligible for unbound work, mirrored per pset.
	recommended cpumap.Atomic

	// Recommendation and power state. powerLock serializes power changes,
	// applyLock serializes recommendation walks, availLock guards the masks.
	powerLock        syncutil.Mutex
	applyLock        syncutil.Mutex
	availLock        syncutil.Mutex
	perfRecommended  cpumap.Map
	powerRecommended cpumap.Map
	online           cpumap.Map
	tempDown         cpumap.Map
	sleeping         bool
	failsafeActive   bool
	failsafeStart    int64
	failsafeThread   thread.ID
	failsafeLog      *rate.Limiter

	// Maintenance.
	maint           *thread.Thread
	nextMaintenance atomic.Int64
	lastTickTime    int64

	// Kernel stacks.
	stackLock  syncutil.Mutex
	stacksFree int
	stackQueue []*thread.Thread
}

// New builds a scheduler with every processor online, recommended and idle.
func New(cfg Config) (*Scheduler, error) {
	topo := cfg.Topology
	if topo.ThreadsPerCore == 0 {
		topo.ThreadsPerCore = 1
	}
	switch {
	case topo.Psets <= 0 || topo.CPUsPerPset <= 0:
		return nil, errors.Wrapf(ErrInvalidTopology, "%d psets of %d cpus", topo.Psets, topo.CPUsPerPset)
	case topo.CPUs() > constants.MaxCPUs:
		return nil, errors.WithHint(
			errors.Wrapf(ErrInvalidTopology, "%d cpus", topo.CPUs()),
			"cpumaps are 64 bits wide")
	case topo.Psets > constants.MaxPsets:
		return nil, errors.Wrapf(ErrInvalidTopology, "%d psets", topo.Psets)
	case topo.CPUsPerPset%topo.ThreadsPerCore != 0:
		return nil, errors.Wrapf(ErrInvalidTopology,
			"%d cpus per pset do not divide into cores of %d threads", topo.CPUsPerPset, topo.ThreadsPerCore)
	case cfg.MasterCPU < 0 || cfg.MasterCPU >= topo.CPUs():
		return nil, errors.Wrapf(ErrInvalidTopology, "master cpu %d", cfg.MasterCPU)
	}
	if cfg.Clock == nil || cfg.Platform == nil {
		return nil, errors.New("sched: clock and platform are required")
	}
	tu := cfg.Tunables
	if tu == nil {
		tu = tunables.Defaults()
	}
	if err := tu.Validate(); err != nil {
		return nil, errors.Wrap(err, "sched: tunables")
	}

	s := &Scheduler{
		tu:          tu,
		clock:       cfg.Clock,
		platform:    cfg.Platform,
		ledger:      cfg.Ledger,
		tracer:      cfg.Tracer,
		obs:         cfg.Observer,
		topo:        topo,
		Threads:     thread.NewTable(),
		stacksFree:  cfg.Stacks,
		failsafeLog: rate.NewLimiter(rate.Limit(1), 1),
	}
	if s.ledger == nil {
		s.ledger = nopLedger{}
	}
	if s.tracer == nil {
		s.tracer = machine.NopTracer{}
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	if cfg.Stacks == 0 {
		s.stacksFree = -1
	}

	s.Engine = priority.New(tu, s.clock, s.tracer)
	s.Engine.SetRequeuer(s)
	s.Engine.OnFailsafe = func(t *thread.Thread, _ int64) { s.obs.FailsafeDemotion(t.SavedMode) }

	s.buildTopology()
	s.master = s.processors[cfg.MasterCPU]
	if topo.ThreadsPerCore > 1 && tu.SMTPolicyEnabled != 0 {
		s.policy = smtPolicy{}
	} else {
		s.policy = basicPolicy{}
	}

	all := cpumap.Range(topo.CPUs())
	s.perfRecommended = all
	s.powerRecommended = all
	s.online = all
	s.recommended.Store(all)
	now := s.clock.Now()
	for _, p := range s.processors {
		s.bootProcessor(p, now)
	}

	s.lastTickTime = now
	s.nextMaintenance.Store(now + tu.D().SchedTick)
	s.maint = s.createMaintenanceThread()
	return s, nil
}

// buildTopology creates psets and processors and links SMT siblings.
func (s *Scheduler) buildTopology() {
	topo := s.topo
	s.processors = make([]*Processor, 0, topo.CPUs())
	s.psets = make([]*ProcessorSet, 0, topo.Psets)
	for i := 0; i < topo.Psets; i++ {
		ps := newProcessorSet(i)
		base := i * topo.CPUsPerPset
		for j := 0; j < topo.CPUsPerPset; j++ {
			p := newProcessor(base + j)
			if core := base + j - j%topo.ThreadsPerCore; core != p.ID {
				p.Primary = s.processors[core]
			}
			s.processors = append(s.processors, p)
			ps.addProcessor(p)
		}
		s.psets = append(s.psets, ps)
	}
	for i, ps := range s.psets {
		ps.next = s.psets[(i+1)%len(s.psets)]
	}
}

// bootProcessor attaches the idle thread and timer and brings p up idle.
func (s *Scheduler) bootProcessor(p *Processor, now int64) {
	idle := s.Threads.CreateAt("idle", constants.IdlePri)
	idle.IsIdleThread = true
	idle.State = thread.StateRun | thread.StateIdle
	idle.Mode = thread.ModeFixed
	idle.Bucket = thread.BucketFixPri
	idle.BoundProcessor = p.ID
	idle.LastProcessor = p.ID
	idle.Flags |= thread.FlagKernel
	p.IdleThread = idle
	p.ActiveThread = idle
	p.timer = s.platform.QuantumTimer(p.ID, func(at int64) {
		s.QuantumExpire(p, at)
		s.ASTTaken(p)
	})

	ps := p.Pset
	ps.Lock.Lock()
	p.IsRecommended = true
	ps.recommended = ps.recommended.Set(p.ID)
	ps.setState(p, ProcIdle)
	p.updateIdle()
	p.LastDispatch = now
	p.lastAccount = now
	ps.Lock.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Processor returns the processor with id.
func (s *Scheduler) Processor(id int) *Processor { return s.processors[id] }

// Processors returns every processor in id order.
func (s *Scheduler) Processors() []*Processor { return s.processors }

// Psets returns every processor set.
func (s *Scheduler) Psets() []*ProcessorSet { return s.psets }

// Master returns the boot processor.
func (s *Scheduler) Master() *Processor { return s.master }

// Tunables returns the live tunables.
func (s *Scheduler) Tunables() *tunables.Tunables { return s.tu }

// Now reads the scheduler clock.
func (s *Scheduler) Now() int64 { return s.clock.Now() }

// Recommended returns the processors eligible for unbound work.
func (s *Scheduler) Recommended() cpumap.Map { return s.recommended.Load() }

// Online returns the processors currently powered.
func (s *Scheduler) Online() cpumap.Map {
	s.availLock.Lock()
	defer s.availLock.Unlock()
	return s.online
}

// MaintenanceThread returns the scheduler maintenance thread.
func (s *Scheduler) MaintenanceThread() *thread.Thread { return s.maint }

// rtPolicy reads the RT dequeue policy from the tunables.
func (s *Scheduler) rtPolicy() rtqueue.Policy {
	return rtqueue.Policy{Strict: s.tu.StrictRTPriority != 0, Epsilon: s.tu.D().RTDeadlineEpsilon}
}

func runqHandle(t *thread.Thread) runq.Handle { return runq.Handle(t.ID) }

func rtHandle(t *thread.Thread) rtqueue.Handle { return rtqueue.Handle(t.ID) }

// threadOf resolves a queue handle.
func (s *Scheduler) threadOf(id uint32) *thread.Thread { return s.Threads.Get(thread.ID(id)) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// THREADS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ThreadSpec describes a thread to create.
type ThreadSpec struct {
	Name     string
	TaskName string
	Mode     thread.Mode
	Priority int             // base priority for fixed and timeshare threads
	RT       thread.RTParams // realtime parameters when Mode is ModeRealtime
	Bind     bool            // pin to processor Bound
	Bound    int
	Flags    thread.Flags
	Entry    thread.Continuation
	Param    any
}

// CreateThread allocates a waiting thread parked in its entry continuation.
// It starts running after Start.
func (s *Scheduler) CreateThread(spec ThreadSpec) *thread.Thread {
	pri := spec.Priority
	if pri == 0 {
		pri = constants.BasePriDefault
	}
	t := s.Threads.CreateAt(spec.Name, pri)
	t.Lock.Lock()
	defer t.Lock.Unlock()
	t.TaskName = spec.TaskName
	t.Flags |= spec.Flags
	t.KernelStack = false
	t.Continuation = spec.Entry
	t.Parameter = spec.Param
	if spec.Bind {
		if spec.Bound < 0 || spec.Bound >= len(s.processors) {
			debug.Panicf("sched: thread %q bound to missing cpu %d", spec.Name, spec.Bound)
		}
		t.BoundProcessor = spec.Bound
	}
	t.MaxPriority = constants.MaxPriUser
	if t.Has(thread.FlagKernel) {
		t.MaxPriority = constants.MaxPriKernel
	}
	switch spec.Mode {
	case thread.ModeRealtime:
		s.Engine.SetRealtime(t, spec.RT)
	case thread.ModeFixed:
		s.Engine.SetThreadMode(t, thread.ModeFixed)
		s.Engine.SetPolicyPriority(t, pri)
	default:
		s.Engine.SetPolicyPriority(t, pri)
	}
	return t
}

// Start makes a freshly created thread runnable.
func (s *Scheduler) Start(self *Processor, t *thread.Thread) {
	s.Wakeup(self, t, thread.WaitAwakened)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRIORITY ENGINE CALLBACKS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// RunQueueRemove pulls t off whichever run queue holds it. Thread lock held.
func (s *Scheduler) RunQueueRemove(t *thread.Thread) bool {
	if id := t.RTQueue(); id != thread.NoProcessor {
		ps := s.psets[id]
		ps.Lock.Lock()
		defer ps.Lock.Unlock()
		if t.RTQueue() != id {
			return false
		}
		if _, ok := ps.RT.Remove(rtHandle(t)); !ok {
			return false
		}
		t.SetRTQueue(thread.NoProcessor)
		ps.updateRTStealable()
		return true
	}
	if id := t.Runq(); id != thread.NoProcessor {
		p := s.processors[id]
		ps := p.Pset
		ps.Lock.Lock()
		defer ps.Lock.Unlock()
		// Membership only changes under the pset lock; recheck now that we hold it.
		if t.Runq() != id || !p.Runq.Remove(runqHandle(t)) {
			return false
		}
		t.SetRunq(thread.NoProcessor)
		return true
	}
	return false
}

// RunQueueReinsert puts t back on a run queue. Thread lock held.
func (s *Scheduler) RunQueueReinsert(t *thread.Thread, opts thread.Options) {
	s.setrun(nil, t, opts|thread.OptPreempt)
}

// PriorityChanged re-evaluates the processor running t after its priority
// moved and reports the change to the platform. When the caller is that
// processor the preemption is raised locally instead of by IPI. Thread lock
// held.
func (s *Scheduler) PriorityChanged(t *thread.Thread, oldPri int, opts priority.SetPriOptions) {
	if t.State&thread.StateRun == 0 || t.LastProcessor == thread.NoProcessor {
		return
	}
	p := s.processors[t.LastProcessor]
	var self *Processor
	if t.OnOwnCore {
		self = p
	}
	ps := p.Pset
	ps.Lock.Lock()
	if p.ActiveThread != t {
		ps.Lock.Unlock()
		return
	}
	p.updateFromThread(t)
	if opts&priority.SetPriLazy != 0 || t.SchedPri >= oldPri {
		ps.Lock.Unlock()
		s.perfPriorityChanged(p, t, oldPri)
		return
	}
	// Lowered while on core: something queued may now deserve the processor.
	ast := s.cswCheckLocked(p, t, thread.ASTNone)
	kind := machine.IPINone
	if ast != thread.ASTNone {
		p.astOn(ast)
		if p != self {
			kind = s.ipiAction(p, nil, ipiEventPreempt)
		}
	}
	ps.Lock.Unlock()
	s.perfPriorityChanged(p, t, oldPri)
	s.ipiPerform(p, kind, ipiEventPreempt)
}

func (s *Scheduler) perfPriorityChanged(p *Processor, t *thread.Thread, oldPri int) {
	if pc, ok := s.platform.(machine.PerfControl); ok {
		pc.PriorityChanged(p.ID, t, oldPri, t.SchedPri)
	}
}
