// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ PLACEMENT
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Processor selection for runnable threads
//
// Description:
//   chooseProcessor picks the processor a runnable thread is queued on. Realtime threads look
//   for a processor not already running realtime work, then the lowest priority realtime
//   processor with the furthest deadline. Other threads prefer an idle primary, then the
//   lowest priority processor they can preempt, then the shortest run queue. Processor sets
//   are visited in ring order from the starting set. When nothing qualifies the last-resort
//   processor is used, so placement always succeeds.
//
// Locking:
//   Each pset is inspected under its own lock, one at a time. The chosen processor's pset
//   lock is held on return; its state is rechecked under that lock before returning.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"math"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/thread"
	"schedcore/tunables"
)

// chooseMaxRetries bounds how often a choice invalidated by a concurrent
// state change is recomputed before falling back to the last resort.
const chooseMaxRetries = 3

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// POLICY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Policy is the placement strategy for non-realtime threads. The SMT-aware
// and plain strategies are chosen once, when the scheduler is built.
type Policy interface {
	Name() string

	// selectIdle returns the preferred idle processor of ps for t, or nil.
	// pset lock held.
	selectIdle(s *Scheduler, ps *ProcessorSet, t *thread.Thread) *Processor

	// fallbackIdle returns an idle processor to wake when no primary is idle
	// and nothing can be preempted, or nil. pset lock held.
	fallbackIdle(s *Scheduler, ps *ProcessorSet, t *thread.Thread) *Processor

	// mayRun reports whether t may run on p. pset lock held.
	mayRun(s *Scheduler, p *Processor, t *thread.Thread) bool

	// idleRebalance returns a sibling to signal when p goes idle. pset lock held.
	idleRebalance(s *Scheduler, p *Processor) *Processor

	// shouldRebalance reports whether the thread on p should move to an idle
	// sibling core. pset lock held.
	shouldRebalance(s *Scheduler, p *Processor) bool
}

// basicPolicy treats every processor alike, preferring primaries.
type basicPolicy struct{}

func (basicPolicy) Name() string { return "basic" }

func (basicPolicy) selectIdle(s *Scheduler, ps *ProcessorSet, t *thread.Thread) *Processor {
	idle := ps.stateMap[ProcIdle] & ps.recommended
	if prim := idle & ps.primaryMap; !prim.Empty() {
		idle = prim
	}
	return s.pickIdle(ps, idle, t)
}

func (basicPolicy) fallbackIdle(*Scheduler, *ProcessorSet, *thread.Thread) *Processor { return nil }

func (basicPolicy) mayRun(*Scheduler, *Processor, *thread.Thread) bool { return true }

func (basicPolicy) idleRebalance(*Scheduler, *Processor) *Processor { return nil }

func (basicPolicy) shouldRebalance(*Scheduler, *Processor) bool { return false }

// smtPolicy keeps work on whole idle cores first, wakes a secondary only when
// its primary is busy and nothing can be preempted, and keeps no-SMT threads
// off secondaries.
type smtPolicy struct{}

func (smtPolicy) Name() string { return "smt" }

func (smtPolicy) selectIdle(s *Scheduler, ps *ProcessorSet, t *thread.Thread) *Processor {
	idle := ps.stateMap[ProcIdle] & ps.recommended & ps.primaryMap
	if idle.Empty() {
		return nil
	}
	whole := cpumap.None
	idle.Each(func(id int) bool {
		if s.siblings(s.processors[id])&^ps.stateMap[ProcIdle] == 0 {
			whole = whole.Set(id)
		}
		return true
	})
	if !whole.Empty() {
		idle = whole
	}
	return s.pickIdle(ps, idle, t)
}

func (smtPolicy) fallbackIdle(s *Scheduler, ps *ProcessorSet, t *thread.Thread) *Processor {
	if t.Has(thread.FlagNoSMT) {
		return nil
	}
	idle := ps.stateMap[ProcIdle] & ps.recommended &^ ps.primaryMap
	idle.Each(func(id int) bool {
		if s.processors[id].Primary.CurrentIsNoSMT {
			idle = idle.Clear(id)
		}
		return true
	})
	return s.pickIdle(ps, idle, t)
}

func (smtPolicy) mayRun(_ *Scheduler, p *Processor, t *thread.Thread) bool {
	if p.IsPrimary() {
		return true
	}
	return !t.Has(thread.FlagNoSMT) && !p.Primary.CurrentIsNoSMT
}

func (smtPolicy) idleRebalance(s *Scheduler, p *Processor) *Processor {
	if !p.IsPrimary() {
		return nil
	}
	var target *Processor
	s.siblings(p).Each(func(id int) bool {
		sib := s.processors[id]
		if sib != p && sib.State == ProcRunning && !sib.CurrentIsBound {
			target = sib
			return false
		}
		return true
	})
	return target
}

func (smtPolicy) shouldRebalance(_ *Scheduler, p *Processor) bool {
	return !p.IsPrimary() && !p.CurrentIsBound && p.Primary.State == ProcIdle && p.Primary.IsRecommended
}

// siblings returns every hyperthread sharing p's core, p included.
func (s *Scheduler) siblings(p *Processor) cpumap.Map {
	m := cpumap.None
	for _, q := range p.Pset.Processors {
		if q.Primary == p.Primary {
			m = m.Set(q.ID)
		}
	}
	return m
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// avoided returns the processors kept free of realtime work when possible.
func (s *Scheduler) avoided() cpumap.Map {
	switch s.tu.AvoidCPU0 {
	case tunables.AvoidCPU0Primary:
		return cpumap.Of(0)
	case tunables.AvoidCPU0Secondary:
		return s.siblings(s.processors[0])
	}
	return cpumap.None
}

// pickIdle narrows idle candidates by platform preference and rotates from
// the pset cursor. pset lock held.
func (s *Scheduler) pickIdle(ps *ProcessorSet, idle cpumap.Map, t *thread.Thread) *Processor {
	if idle.Empty() {
		return nil
	}
	if pref := s.platform.PreferredIdle(idle, t) & idle; !pref.Empty() {
		idle = pref
	}
	kept := idle
	idle.Each(func(id int) bool {
		if s.avoidProcessor(s.processors[id], t) {
			kept = kept.Clear(id)
		}
		return true
	})
	if !kept.Empty() {
		idle = kept
	}
	return s.processors[idle.RotateFirst(ps.lastChosen+1)]
}

// deadlineAdd adds without overflowing past RTDeadlineNone.
func deadlineAdd(d, delta int64) int64 {
	if d > math.MaxInt64-delta {
		return math.MaxInt64
	}
	return d + delta
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CHOOSE PROCESSOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// startingPset returns the pset placement starts from: the one t last ran
// in, else the master's.
func (s *Scheduler) startingPset(t *thread.Thread) (*ProcessorSet, *Processor) {
	if t.LastProcessor != thread.NoProcessor {
		p := s.processors[t.LastProcessor]
		return p.Pset, p
	}
	return s.master.Pset, nil
}

// chooseProcessor returns the processor t should be queued on, with its
// pset lock held.
func (s *Scheduler) chooseProcessor(start *ProcessorSet, hint *Processor, t *thread.Thread) *Processor {
	rt := t.SchedPri >= constants.BasePriRTQueues
	for retry := 0; retry < chooseMaxRetries; retry++ {
		var p *Processor
		if hint != nil && hint.Pset == start {
			p = s.checkHint(hint, t, rt)
		}
		if p == nil && rt {
			p = s.chooseRT(start, t)
		}
		if p == nil && !rt {
			p = s.chooseTimeshare(start, t)
		}
		if p == nil {
			break
		}
		ps := p.Pset
		ps.Lock.Lock()
		if p.IsAvailable() {
			ps.lastChosen = p.ID
			return p
		}
		ps.Lock.Unlock()
		hint = nil
	}
	p := s.lastResort()
	p.Pset.Lock.Lock()
	return p
}

// checkHint accepts t's previous processor when that is cheap: idle, or
// running non-realtime work that a realtime thread reclaims.
func (s *Scheduler) checkHint(hint *Processor, t *thread.Thread, rt bool) *Processor {
	ps := hint.Pset
	ps.Lock.Lock()
	defer ps.Lock.Unlock()
	if !hint.IsAvailable() || !s.policy.mayRun(s, hint, t) || s.policy.shouldRebalance(s, hint) ||
		s.avoidProcessor(hint, t) {
		return nil
	}
	switch hint.State {
	case ProcIdle:
		if rt && s.avoided().Has(hint.ID) {
			// Leave an avoided core alone when another idle one exists.
			others := ps.stateMap[ProcIdle] & ps.recommended &^ s.avoided()
			if !others.Empty() {
				return nil
			}
		}
		return hint
	case ProcRunning, ProcDispatching:
		if rt && hint.CurrentPri < constants.BasePriRTQueues && !ps.pendingASTUrgent.Has(hint.ID) {
			return hint
		}
	}
	return nil
}

// rtCandidate returns a processor of ps not running realtime work, idle
// ones first, then the lowest priority. pset lock held.
func (s *Scheduler) rtCandidate(ps *ProcessorSet, skip cpumap.Map, includeUrgent, secondaries bool) *Processor {
	m := ps.availableMap() &^ ps.realtimeMap &^ skip
	if !includeUrgent {
		m &^= ps.pendingASTUrgent.Load()
	}
	if !secondaries {
		m &= ps.primaryMap
	}
	if m.Empty() {
		return nil
	}
	if kept := m &^ s.avoided(); !kept.Empty() {
		m = kept
	}
	if idle := m & ps.stateMap[ProcIdle]; !idle.Empty() {
		return s.processors[idle.RotateFirst(ps.lastChosen+1)]
	}
	var best *Processor
	m.Each(func(id int) bool {
		p := s.processors[id]
		if best == nil || p.CurrentPri < best.CurrentPri {
			best = p
		}
		return true
	})
	return best
}

// chooseRT places a realtime thread.
func (s *Scheduler) chooseRT(start *ProcessorSet, t *thread.Thread) *Processor {
	// A core with a pending urgent AST may not show realtime work yet; the
	// second pass accepts such cores and secondaries.
	for pass := 0; pass < 2; pass++ {
		ps := start
		for {
			ps.Lock.Lock()
			p := s.rtCandidate(ps, cpumap.None, pass == 1, pass == 1)
			ps.Lock.Unlock()
			if p != nil {
				return p
			}
			if ps = ps.next; ps == start {
				break
			}
		}
	}

	// Every core runs realtime work: preempt the lowest priority one with
	// the furthest deadline, if t beats it.
	var best *Processor
	bestPri, bestDeadline := math.MaxInt, int64(math.MinInt64)
	ps := start
	for {
		ps.Lock.Lock()
		(ps.availableMap() & ps.realtimeMap).Each(func(id int) bool {
			p := s.processors[id]
			if p.CurrentPri < bestPri || (p.CurrentPri == bestPri && p.Deadline > bestDeadline) {
				best, bestPri, bestDeadline = p, p.CurrentPri, p.Deadline
			}
			return true
		})
		ps.Lock.Unlock()
		if ps = ps.next; ps == start {
			break
		}
	}
	// Even when t cannot preempt it, best's pset queue is where t waits.
	return best
}

// chooseTimeshare places a fixed or timeshare thread.
func (s *Scheduler) chooseTimeshare(start *ProcessorSet, t *thread.Thread) *Processor {
	var lp, lc *Processor
	lpPri, lcCount := math.MaxInt, math.MaxInt
	ps := start
	for {
		ps.Lock.Lock()
		if p := s.policy.selectIdle(s, ps, t); p != nil {
			ps.Lock.Unlock()
			return p
		}
		active := (ps.stateMap[ProcRunning] | ps.stateMap[ProcDispatching]) & ps.recommended
		n := active.Count()
		id := active.RotateFirst(ps.lastChosen + 1)
		for i := 0; i < n; i++ {
			p := s.processors[id]
			if s.policy.mayRun(s, p, t) && !s.avoidProcessor(p, t) {
				if p.CurrentPri < lpPri {
					lp, lpPri = p, p.CurrentPri
				}
				if c := p.Runq.Count(); c < lcCount {
					lc, lcCount = p, c
				}
			}
			id = active.RotateFirst(id + 1)
		}
		ps.Lock.Unlock()
		if ps = ps.next; ps == start {
			break
		}
	}
	if lp != nil && t.SchedPri > lpPri {
		return lp
	}
	ps = start
	for {
		ps.Lock.Lock()
		p := s.policy.fallbackIdle(s, ps, t)
		ps.Lock.Unlock()
		if p != nil {
			return p
		}
		if ps = ps.next; ps == start {
			break
		}
	}
	return lc
}

// lastResort returns a processor that can always take a thread: the
// lowest available one, else the lowest active one, else the master while
// it is still booting. A machine with no active processor left is a bug.
func (s *Scheduler) lastResort() *Processor {
	var active *Processor
	for _, ps := range s.psets {
		ps.Lock.Lock()
		avail, act := ps.availableMap(), ps.activeMap()
		ps.Lock.Unlock()
		if id := avail.First(); id >= 0 {
			return s.processors[id]
		}
		if id := act.First(); id >= 0 && active == nil {
			active = s.processors[id]
		}
	}
	if active != nil {
		return active
	}
	ps := s.master.Pset
	ps.Lock.Lock()
	state := s.master.State
	ps.Lock.Unlock()
	if state == ProcStart || state == ProcPendingOffline {
		return s.master
	}
	debug.Panicf("sched: no processor left to run threads (master %s)", state)
	return nil
}
