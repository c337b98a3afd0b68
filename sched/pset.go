// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: pset.go — Processor sets
//
// Purpose:
//   - A processor set groups processors sharing one lock, one realtime run
//     queue and a family of cpumaps describing processor states.
//
// Notes:
//   - Lock order: thread lock, then pset lock. Code that needs another
//     pset drops its own lock first; two pset locks are never held at once.
//   - The pending-AST masks are atomics: they are set by remote processors
//     while placing threads and cleared by the owner when acknowledged.
// ─────────────────────────────────────────────────────────────────────────────

package sched

import (
	"sync/atomic"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/rtqueue"
	"schedcore/syncutil"
	"schedcore/thread"
)

// ProcessorSet is a cluster of processors.
type ProcessorSet struct {
	ID   int
	Lock syncutil.Mutex

	Processors []*Processor
	next       *ProcessorSet // ring of psets

	cpuBitmask  cpumap.Map
	primaryMap  cpumap.Map
	stateMap    [procStateCount]cpumap.Map
	recommended cpumap.Map
	realtimeMap cpumap.Map // processors running a realtime thread

	pendingASTUrgent  cpumap.Atomic
	pendingASTPreempt cpumap.Atomic
	pendingDeferred   cpumap.Atomic
	pendingSpill      cpumap.Atomic

	RT *rtqueue.Queue

	// Earliest deadline other psets may steal, or RTDeadlineNone.
	stealableRTEarliest atomic.Int64

	lastChosen int

	// Exponential average of run length per bucket, updated at quantum expiry.
	execAvg [thread.BucketCount]int64
}

func newProcessorSet(id int) *ProcessorSet {
	ps := &ProcessorSet{ID: id, RT: rtqueue.New(), lastChosen: -1}
	ps.stealableRTEarliest.Store(constants.RTDeadlineNone)
	return ps
}

// addProcessor attaches p. Used during topology construction only.
func (ps *ProcessorSet) addProcessor(p *Processor) {
	p.Pset = ps
	ps.Processors = append(ps.Processors, p)
	ps.cpuBitmask = ps.cpuBitmask.Set(p.ID)
	if p.IsPrimary() {
		ps.primaryMap = ps.primaryMap.Set(p.ID)
	}
	ps.stateMap[p.State] = ps.stateMap[p.State].Set(p.ID)
}

// setState moves p to state, keeping the state maps exact. pset lock held.
func (ps *ProcessorSet) setState(p *Processor, state ProcessorState) {
	ps.Lock.AssertHeld()
	ps.stateMap[p.State] = ps.stateMap[p.State].Clear(p.ID)
	p.State = state
	ps.stateMap[state] = ps.stateMap[state].Set(p.ID)
	if state == ProcIdle {
		p.IdleEntries++
	}
}

// activeMap returns processors that are idle, dispatching or running.
func (ps *ProcessorSet) activeMap() cpumap.Map {
	return ps.stateMap[ProcIdle] | ps.stateMap[ProcDispatching] | ps.stateMap[ProcRunning]
}

// availableMap returns active processors that are recommended.
func (ps *ProcessorSet) availableMap() cpumap.Map {
	return ps.activeMap() & ps.recommended
}

// Recommended returns the recommended processors of the pset.
func (ps *ProcessorSet) Recommended() cpumap.Map { return ps.recommended }

// StateMap returns the processors of the pset in state s.
func (ps *ProcessorSet) StateMap(s ProcessorState) cpumap.Map { return ps.stateMap[s] }

// RealtimeMap returns the processors running realtime threads.
func (ps *ProcessorSet) RealtimeMap() cpumap.Map { return ps.realtimeMap }

// StealableRTEarliest returns the cached stealable deadline.
func (ps *ProcessorSet) StealableRTEarliest() int64 { return ps.stealableRTEarliest.Load() }

// updateRTStealable publishes the earliest deadline for stealing when the
// pset holds more realtime threads than it has processors free to run them.
// pset lock held.
func (ps *ProcessorSet) updateRTStealable() {
	ps.Lock.AssertHeld()
	free := (ps.availableMap() &^ ps.realtimeMap).Count()
	if ps.RT.Count() > free {
		ps.stealableRTEarliest.Store(ps.RT.EarliestDeadline())
	} else {
		ps.stealableRTEarliest.Store(constants.RTDeadlineNone)
	}
}

// processor returns the member with id, or nil.
func (ps *ProcessorSet) processor(id int) *Processor {
	for _, p := range ps.Processors {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ExecAverage returns the average run length of bucket b in the pset.
func (ps *ProcessorSet) ExecAverage(b thread.Bucket) int64 {
	ps.Lock.Lock()
	defer ps.Lock.Unlock()
	return ps.execAvg[b]
}

// noteExec folds a run length into the per-bucket average. pset lock held.
func (ps *ProcessorSet) noteExec(b thread.Bucket, ns int64) {
	ps.execAvg[b] = (ps.execAvg[b]*7 + ns) / 8
}
