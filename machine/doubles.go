// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: doubles.go — In-process implementations of the collaborators
//
// Purpose:
//   - ManualClock, NopTracer, CountingLedger and RecordingPlatform back the
//     scheduler in tests and in the simulator.
// ─────────────────────────────────────────────────────────────────────────────

package machine

import (
	"sync"
	"sync/atomic"

	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/thread"
)

///////////////////////////////////////////////////////////////////////////////
// Clocks
///////////////////////////////////////////////////////////////////////////////

// ManualClock only moves when told to. Moving it backwards panics.
type ManualClock struct {
	ns atomic.Int64
}

// Now returns the current time.
func (c *ManualClock) Now() int64 { return c.ns.Load() }

// Advance moves time forward by d and returns the new time.
func (c *ManualClock) Advance(d int64) int64 {
	if d < 0 {
		debug.Panicf("clock: negative advance %d", d)
	}
	return c.ns.Add(d)
}

// Set moves time to an absolute value, which must not be in the past.
func (c *ManualClock) Set(ns int64) {
	if old := c.ns.Load(); ns < old {
		debug.Panicf("clock: time went backwards from %d to %d", old, ns)
	}
	c.ns.Store(ns)
}

///////////////////////////////////////////////////////////////////////////////
// Tracing & ledgers
///////////////////////////////////////////////////////////////////////////////

// NopTracer discards every event.
type NopTracer struct{}

// Trace implements Tracer.
func (NopTracer) Trace(EventCode, int, uint64, uint64, uint64, uint64) {}

// CountingLedger sums billed time per thread.
type CountingLedger struct {
	mu    sync.Mutex
	total map[thread.ID]int64
}

// Bill implements Ledger.
func (l *CountingLedger) Bill(t *thread.Thread, ns int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total == nil {
		l.total = make(map[thread.ID]int64)
	}
	l.total[t.ID] += ns
}

// Total returns the time billed to id.
func (l *CountingLedger) Total(id thread.ID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total[id]
}

///////////////////////////////////////////////////////////////////////////////
// Platform
///////////////////////////////////////////////////////////////////////////////

// IPIRecord is one interrupt observed by RecordingPlatform.
type IPIRecord struct {
	CPU  int
	Kind IPIType
}

// ManualTimer records its deadline; tests fire it explicitly.
type ManualTimer struct {
	mu       sync.Mutex
	deadline int64
	armed    bool
	fn       func(now int64)
}

// Enter implements Timer.
func (t *ManualTimer) Enter(deadline int64) {
	t.mu.Lock()
	t.deadline, t.armed = deadline, true
	t.mu.Unlock()
}

// Cancel implements Timer.
func (t *ManualTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

// Armed returns the deadline and whether the timer is armed.
func (t *ManualTimer) Armed() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.armed
}

// Fire disarms the timer and runs its callback.
func (t *ManualTimer) Fire(now int64) {
	t.mu.Lock()
	t.armed = false
	fn := t.fn
	t.mu.Unlock()
	fn(now)
}

// PriChange is one priority change reported through PerfControl.
type PriChange struct {
	CPU      int
	Thread   thread.ID
	Old, New int
}

// RecordingPlatform records every call. It fails only where told to.
type RecordingPlatform struct {
	mu        sync.Mutex
	IPIs      []IPIRecord
	Switches  []thread.ID
	Started   []int
	Stopped   []int
	Timers    map[int]*ManualTimer
	Preferred cpumap.Map // when non-empty, PreferredIdle intersects with it
	Urgency   map[int]int
	PriChange []PriChange

	StartErr error      // returned by every StartProcessor when set
	Avoid    cpumap.Map // processors unbound threads are asked to leave
}

// NewRecordingPlatform returns an empty recorder.
func NewRecordingPlatform() *RecordingPlatform {
	return &RecordingPlatform{Timers: make(map[int]*ManualTimer), Urgency: make(map[int]int)}
}

// SwitchContext implements Platform.
func (p *RecordingPlatform) SwitchContext(_ int, _, next *thread.Thread) {
	p.mu.Lock()
	p.Switches = append(p.Switches, next.ID)
	p.mu.Unlock()
}

// SendIPI implements Platform.
func (p *RecordingPlatform) SendIPI(cpu int, kind IPIType) {
	p.mu.Lock()
	p.IPIs = append(p.IPIs, IPIRecord{cpu, kind})
	p.mu.Unlock()
}

// QuantumTimer implements Platform.
func (p *RecordingPlatform) QuantumTimer(cpu int, fn func(now int64)) Timer {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &ManualTimer{fn: fn}
	p.Timers[cpu] = t
	return t
}

// StartProcessor implements Platform.
func (p *RecordingPlatform) StartProcessor(cpu int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return p.StartErr
	}
	p.Started = append(p.Started, cpu)
	return nil
}

// ShutdownProcessor implements Platform.
func (p *RecordingPlatform) ShutdownProcessor(cpu int) error {
	p.mu.Lock()
	p.Stopped = append(p.Stopped, cpu)
	p.mu.Unlock()
	return nil
}

// PreferredIdle implements Platform.
func (p *RecordingPlatform) PreferredIdle(candidates cpumap.Map, _ *thread.Thread) cpumap.Map {
	if p.Preferred.Empty() {
		return candidates
	}
	return candidates & p.Preferred
}

// UrgencyChanged implements Platform.
func (p *RecordingPlatform) UrgencyChanged(cpu int, urgency int, _, _ int64) {
	p.mu.Lock()
	p.Urgency[cpu] = urgency
	p.mu.Unlock()
}

// TakeIPIs returns and clears the recorded interrupts.
func (p *RecordingPlatform) TakeIPIs() []IPIRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.IPIs
	p.IPIs = nil
	return out
}

// Timer returns the quantum timer registered for cpu.
func (p *RecordingPlatform) Timer(cpu int) *ManualTimer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Timers[cpu]
}

// AvoidProcessor implements Avoider.
func (p *RecordingPlatform) AvoidProcessor(cpu int, t *thread.Thread) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !t.IsBound() && p.Avoid.Has(cpu)
}

// PriorityChanged implements PerfControl.
func (p *RecordingPlatform) PriorityChanged(cpu int, t *thread.Thread, oldPri, newPri int) {
	p.mu.Lock()
	p.PriChange = append(p.PriChange, PriChange{cpu, t.ID, oldPri, newPri})
	p.mu.Unlock()
}

// SetAvoid replaces the avoided processors.
func (p *RecordingPlatform) SetAvoid(m cpumap.Map) {
	p.mu.Lock()
	p.Avoid = m
	p.mu.Unlock()
}

var (
	_ Platform    = (*RecordingPlatform)(nil)
	_ Avoider     = (*RecordingPlatform)(nil)
	_ PerfControl = (*RecordingPlatform)(nil)
)
