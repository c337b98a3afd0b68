// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: processor.go — Processor record and state machine
//
// Purpose:
//   - One Processor per logical cpu: state, what it is running, its regular
//     run queue, quantum bookkeeping and pending ASTs.
//
// Notes:
//   - State, current-thread summary and run queue are protected by the
//     owning pset lock. The pending AST word is atomic because a processor
//     raises it on itself without the pset lock.
// ─────────────────────────────────────────────────────────────────────────────

package sched

import (
	"sync/atomic"

	"schedcore/constants"
	"schedcore/machine"
	"schedcore/runq"
	"schedcore/thread"
)

// ProcessorState is the lifecycle state of a processor.
type ProcessorState uint8

const (
	ProcOffLine        ProcessorState = iota // not available
	ProcShutdown                             // going offline
	ProcStart                                // being started
	ProcPendingOffline                       // started, not yet usable
	ProcIdle                                 // idle and available
	ProcDispatching                          // dispatching (idle -> active)
	ProcRunning                              // running a thread
	procStateCount
)

func (s ProcessorState) String() string {
	return [...]string{"offline", "shutdown", "start", "pending_offline", "idle", "dispatching", "running"}[s]
}

// Processor is a logical cpu.
type Processor struct {
	ID      int
	Pset    *ProcessorSet
	Primary *Processor // primary hyperthread of this core; itself for primaries

	State         ProcessorState
	IsRecommended bool

	ActiveThread *thread.Thread
	IdleThread   *thread.Thread

	// Summary of the thread on core, refreshed at every dispatch.
	CurrentPri          int
	CurrentMode         thread.Mode
	CurrentIsBound      bool
	CurrentIsEagerPreem bool
	CurrentIsNoSMT      bool
	Deadline            int64 // realtime deadline of the thread on core

	Runq *runq.Queue

	FirstTimeslice bool
	QuantumEnd     int64
	LastDispatch   int64
	lastAccount    int64
	quantumStart   int64 // start of the segment billed at the next expiry or switch
	timer          machine.Timer

	ast atomic.Uint32

	// Counters, updated on the processor itself.
	ContextSwitches uint64
	StackHandoffs   uint64
	Preemptions     uint64
	IdleEntries     uint64
}

func newProcessor(id int) *Processor {
	p := &Processor{
		ID:         id,
		State:      ProcOffLine,
		CurrentPri: constants.IdlePri,
		Deadline:   constants.RTDeadlineNone,
		Runq:       runq.New(),
	}
	p.Primary = p
	return p
}

// IsPrimary reports whether p is the primary hyperthread of its core.
func (p *Processor) IsPrimary() bool { return p.Primary == p }

// IsAvailable reports whether placement may target p.
func (p *Processor) IsAvailable() bool {
	return p.State >= ProcIdle && p.IsRecommended
}

// ─────────────────────────── AST word ─────────────────────────────────────

// astOn raises reasons on p.
func (p *Processor) astOn(reasons thread.AST) {
	if reasons != thread.ASTNone {
		p.ast.Or(uint32(reasons))
	}
}

// astOff clears reasons on p.
func (p *Processor) astOff(reasons thread.AST) {
	p.ast.And(^uint32(reasons))
}

// astPeek returns the pending reasons.
func (p *Processor) astPeek() thread.AST { return thread.AST(p.ast.Load()) }

// astConsume clears and returns the pending reasons in mask.
func (p *Processor) astConsume(mask thread.AST) thread.AST {
	old := p.ast.And(^uint32(mask))
	return thread.AST(old) & mask
}

// PendingAST returns the pending reasons on p.
func (p *Processor) PendingAST() thread.AST { return p.astPeek() }

// updateFromThread refreshes the on-core summary. pset lock held.
func (p *Processor) updateFromThread(t *thread.Thread) {
	p.CurrentPri = t.SchedPri
	p.CurrentMode = t.Mode
	p.CurrentIsBound = t.IsBound()
	p.CurrentIsEagerPreem = t.Has(thread.FlagEagerPreempt)
	p.CurrentIsNoSMT = t.Has(thread.FlagNoSMT)
	if t.SchedPri >= constants.BasePriRTQueues {
		p.Deadline = t.RT.Deadline
		p.Pset.realtimeMap = p.Pset.realtimeMap.Set(p.ID)
	} else {
		p.Deadline = constants.RTDeadlineNone
		p.Pset.realtimeMap = p.Pset.realtimeMap.Clear(p.ID)
	}
}

// updateIdle resets the summary for the idle thread. pset lock held.
func (p *Processor) updateIdle() {
	p.CurrentPri = constants.IdlePri
	p.CurrentMode = thread.ModeNone
	p.CurrentIsBound = false
	p.CurrentIsEagerPreem = false
	p.CurrentIsNoSMT = false
	p.Deadline = constants.RTDeadlineNone
	p.Pset.realtimeMap = p.Pset.realtimeMap.Clear(p.ID)
}
