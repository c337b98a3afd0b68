// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: thread.go — Thread scheduling record
//
// Purpose:
//   - Everything the scheduler tracks per thread: priorities, mode, usage,
//     quantum, realtime parameters, placement and queue membership.
//
// Notes:
//   - Fields are protected by Lock unless noted. Runq and RTQueue are
//     atomics so placement can read them without the thread lock.
//   - Threads are created through a Table and addressed by ID; the run
//     queues link threads by ID.
// ─────────────────────────────────────────────────────────────────────────────

package thread

import (
	"sync/atomic"

	"schedcore/constants"
	"schedcore/syncutil"
)

// ID indexes a thread in its Table.
type ID uint32

// NoID is the null thread id.
const NoID ID = ^ID(0)

// NoProcessor marks an unset processor reference.
const NoProcessor = -1

// RTParams are the realtime constraints of a thread. All durations are
// nanoseconds of machine time.
type RTParams struct {
	Period      int64
	Computation int64
	Constraint  int64
	Preemptible bool
	Priority    int   // realtime priority in [BasePriRTQueues, MaxPri]
	Deadline    int64 // absolute deadline, set when made runnable
}

// Thread is a scheduling record.
type Thread struct {
	Lock syncutil.Mutex

	ID       ID
	Name     string
	TaskName string

	State     State
	Mode      Mode
	SavedMode Mode
	Flags     Flags

	// PolicyReset threads are never demoted.
	PolicyReset bool

	// Priorities.
	BasePri               int
	ReqBasePri            int
	SchedPri              int
	MaxPriority           int // task ceiling
	PolicyPri             int // base priority requested for fixed and timeshare modes
	KernPromotionSchedPri int

	// Decay engine.
	Bucket     Bucket
	PriShift   int
	SchedStamp uint32
	CPUUsage   uint64
	SchedUsage uint64
	CPUDelta   uint64
	SchedDelta uint64

	// Realtime.
	RT RTParams

	// Quantum and fail-safe.
	QuantumRemaining   int64
	ComputationEpoch   int64
	ComputationMetered int64
	SafeRelease        int64

	// Dispatch.
	Reason          AST
	Continuation    Continuation
	Parameter       any
	WaitResult      WaitResult
	KernelStack     bool
	PreemptionLevel int
	IsIdleThread    bool
	// OnOwnCore is set while the processor running the thread is inside the
	// scheduler on its behalf. Changed and read under Lock.
	OnOwnCore bool

	// Placement.
	BoundProcessor  int
	LastProcessor   int
	ChosenProcessor int

	// Queue membership: processor id of the run queue holding the thread,
	// or NoProcessor; pset id of the RT queue holding it, or NoProcessor.
	runq    atomic.Int32
	rtQueue atomic.Int32

	// Timing.
	LastRunTime          int64
	LastMadeRunnableTime int64
	LastBlockTime        int64

	// Counters.
	ContextSwitches uint64
	Preemptions     uint64
	QuantaExpired   uint64
	TotalRunTime    int64
}

// Init resets t to a freshly created timeshare thread at pri.
func (t *Thread) Init(id ID, name string, pri int) {
	t.ID = id
	t.Name = name
	t.State = StateWait | StateUninterruptible
	t.Mode = ModeTimeshare
	t.SavedMode = ModeNone
	t.BasePri = pri
	t.ReqBasePri = pri
	t.PolicyPri = pri
	t.SchedPri = pri
	t.MaxPriority = constants.MaxPriUser
	t.PriShift = constants.PriShiftNone
	t.Bucket = BucketShareDF
	t.WaitResult = WaitNotWaiting
	t.KernelStack = true
	t.BoundProcessor = NoProcessor
	t.LastProcessor = NoProcessor
	t.ChosenProcessor = NoProcessor
	t.runq.Store(NoProcessor)
	t.rtQueue.Store(NoProcessor)
	t.RT.Deadline = constants.RTDeadlineNone
}

// Runq returns the processor whose run queue holds t, or NoProcessor.
func (t *Thread) Runq() int { return int(t.runq.Load()) }

// SetRunq records run queue membership.
func (t *Thread) SetRunq(p int) { t.runq.Store(int32(p)) }

// RTQueue returns the pset whose RT queue holds t, or NoProcessor.
func (t *Thread) RTQueue() int { return int(t.rtQueue.Load()) }

// SetRTQueue records RT queue membership.
func (t *Thread) SetRTQueue(pset int) { t.rtQueue.Store(int32(pset)) }

// Queued reports membership in any run queue.
func (t *Thread) Queued() bool { return t.Runq() != NoProcessor || t.RTQueue() != NoProcessor }

// IsRealtime reports whether the effective mode is realtime.
func (t *Thread) IsRealtime() bool { return t.Mode == ModeRealtime }

// Has reports whether every bit in f is set.
func (t *Thread) Has(f Flags) bool { return t.Flags&f == f }

// Any reports whether any bit in f is set.
func (t *Thread) Any(f Flags) bool { return t.Flags&f != 0 }

// IsBound reports whether t is pinned to one processor.
func (t *Thread) IsBound() bool { return t.BoundProcessor != NoProcessor }

// SetRealtime switches t to realtime with the given parameters. The caller
// updates buckets and priority through the priority engine.
func (t *Thread) SetRealtime(p RTParams) {
	if p.Priority < constants.BasePriRTQueues {
		p.Priority = constants.BasePriRTQueues
	}
	if p.Priority > constants.MaxPri {
		p.Priority = constants.MaxPri
	}
	p.Deadline = constants.RTDeadlineNone
	t.RT = p
}
