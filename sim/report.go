package sim

import (
	"sort"
	"sync/atomic"

	"github.com/sugawarayuuta/sonnet"

	"schedcore/machine"
	"schedcore/sched"
	"schedcore/thread"
)

// countingObserver keeps the totals the report needs and forwards every
// event to an optional outer observer.
type countingObserver struct {
	inner sched.Observer

	switches    atomic.Uint64
	preemptions atomic.Uint64
	expiries    atomic.Uint64
	steals      atomic.Uint64
	rtSteals    atomic.Uint64
	demotions   atomic.Uint64
	failsafes   atomic.Uint64
}

func (o *countingObserver) ContextSwitch(cpu int) {
	o.switches.Add(1)
	if o.inner != nil {
		o.inner.ContextSwitch(cpu)
	}
}

func (o *countingObserver) Preemption(cpu int) {
	o.preemptions.Add(1)
	if o.inner != nil {
		o.inner.Preemption(cpu)
	}
}

func (o *countingObserver) QuantumExpired(cpu int) {
	o.expiries.Add(1)
	if o.inner != nil {
		o.inner.QuantumExpired(cpu)
	}
}

func (o *countingObserver) IPI(cpu int, kind machine.IPIType, event string) {
	if o.inner != nil {
		o.inner.IPI(cpu, kind, event)
	}
}

func (o *countingObserver) Steal(cpu int, realtime bool) {
	o.steals.Add(1)
	if realtime {
		o.rtSteals.Add(1)
	}
	if o.inner != nil {
		o.inner.Steal(cpu, realtime)
	}
}

func (o *countingObserver) FailsafeDemotion(mode thread.Mode) {
	o.demotions.Add(1)
	if o.inner != nil {
		o.inner.FailsafeDemotion(mode)
	}
}

func (o *countingObserver) RecommendedCores(n int) {
	if o.inner != nil {
		o.inner.RecommendedCores(n)
	}
}

func (o *countingObserver) RecommendFailsafe(active bool) {
	if active {
		o.failsafes.Add(1)
	}
	if o.inner != nil {
		o.inner.RecommendFailsafe(active)
	}
}

func (o *countingObserver) RunnableThreads(b thread.Bucket, n int64) {
	if o.inner != nil {
		o.inner.RunnableThreads(b, n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REPORT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ClassReport aggregates the threads of one workload class.
type ClassReport struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Threads     int    `json:"threads"`
	CPUTimeNs   int64  `json:"cpu_time_ns"`
	Activations uint64 `json:"activations"`
	Completed   uint64 `json:"completed"`
	Misses      uint64 `json:"deadline_misses"`
	Preemptions uint64 `json:"preemptions"`
	Quanta      uint64 `json:"quanta_expired"`
	LatencyAvg  int64  `json:"latency_avg_ns"`
	LatencyMax  int64  `json:"latency_max_ns"`
	Demoted     int    `json:"demoted"`
}

// CPUReport describes one processor.
type CPUReport struct {
	ID              int     `json:"id"`
	State           string  `json:"state"`
	IdlePct         float64 `json:"idle_pct"`
	ContextSwitches uint64  `json:"context_switches"`
	Preemptions     uint64  `json:"preemptions"`
	StackHandoffs   uint64  `json:"stack_handoffs"`
}

// Report summarises a run.
type Report struct {
	Workload   string `json:"workload"`
	DurationNs int64  `json:"duration_ns"`

	Classes []ClassReport `json:"classes"`
	CPUs    []CPUReport   `json:"cpus"`

	ContextSwitches uint64            `json:"context_switches"`
	Preemptions     uint64            `json:"preemptions"`
	QuantaExpired   uint64            `json:"quanta_expired"`
	Steals          uint64            `json:"steals"`
	RTSteals        uint64            `json:"rt_steals"`
	Demotions       uint64            `json:"failsafe_demotions"`
	RecFailsafes    uint64            `json:"recommend_failsafes"`
	IPIs            map[string]uint64 `json:"ipis"`

	Online      string `json:"online"`
	Recommended string `json:"recommended"`
	Started     []int  `json:"started,omitempty"`
	Stopped     []int  `json:"stopped,omitempty"`
	DelayNs     int64  `json:"delay_ns,omitempty"`
	PowerErrors int    `json:"power_errors,omitempty"`
	PriChanges  uint64 `json:"on_core_pri_changes,omitempty"`
}

// JSON encodes the report.
func (r *Report) JSON() ([]byte, error) { return sonnet.Marshal(r) }

// Class returns the report of the named class, or nil.
func (r *Report) Class(name string) *ClassReport {
	for i := range r.Classes {
		if r.Classes[i].Name == name {
			return &r.Classes[i]
		}
	}
	return nil
}

// TotalMisses sums deadline misses over every class.
func (r *Report) TotalMisses() uint64 {
	var n uint64
	for _, c := range r.Classes {
		n += c.Misses
	}
	return n
}

// buildReport folds the accountant and scheduler state at end into a
// report. Shared by both drivers.
func buildReport(w *Workload, s *sched.Scheduler, acct *accountant, ledger *machine.CountingLedger,
	obs *countingObserver, sent func(machine.IPIType) uint64, start, end int64) *Report {
	r := &Report{
		Workload:        w.Name,
		DurationNs:      end - start,
		ContextSwitches: obs.switches.Load(),
		Preemptions:     obs.preemptions.Load(),
		QuantaExpired:   obs.expiries.Load(),
		Steals:          obs.steals.Load(),
		RTSteals:        obs.rtSteals.Load(),
		Demotions:       obs.demotions.Load(),
		RecFailsafes:    obs.failsafes.Load(),
		IPIs:            make(map[string]uint64),
		Online:          s.Online().String(),
		Recommended:     s.Recommended().String(),
	}
	for _, k := range []machine.IPIType{machine.IPIIdle, machine.IPIImmediate, machine.IPIDeferred} {
		r.IPIs[k.String()] = sent(k)
	}

	acct.closeIdle(func(cpu int) bool { return s.Processor(cpu).ActiveThread.IsIdleThread }, end)

	r.Classes = make([]ClassReport, len(w.Threads))
	for i, c := range w.Threads {
		mode := c.Mode
		if mode == "" {
			mode = "timeshare"
		}
		r.Classes[i] = ClassReport{Name: c.Name, Mode: mode}
	}
	latN := make([]uint64, len(w.Threads))
	latSum := make([]int64, len(w.Threads))

	acct.mu.Lock()
	for _, t := range acct.order {
		cr := &r.Classes[t.class]
		cr.Threads++
		cr.CPUTimeNs += ledger.Total(t.th.ID)
		cr.Activations += t.activations
		cr.Completed += t.completed
		cr.Misses += t.misses
		cr.LatencyMax = max(cr.LatencyMax, t.latencyMax)
		latN[t.class] += t.latencyN
		latSum[t.class] += t.latencySum

		t.th.Lock.Lock()
		cr.Preemptions += t.th.Preemptions
		cr.Quanta += t.th.QuantaExpired
		if t.th.Has(thread.FlagFailsafe) {
			cr.Demoted++
		}
		t.th.Lock.Unlock()
	}
	idle := append([]int64(nil), acct.idleNs...)
	acct.mu.Unlock()

	for i := range r.Classes {
		if latN[i] > 0 {
			r.Classes[i].LatencyAvg = latSum[i] / int64(latN[i])
		}
	}

	span := end - start
	for _, p := range s.Processors() {
		cr := CPUReport{
			ID:              p.ID,
			State:           p.State.String(),
			ContextSwitches: p.ContextSwitches,
			Preemptions:     p.Preemptions,
			StackHandoffs:   p.StackHandoffs,
		}
		if span > 0 {
			cr.IdlePct = 100 * float64(min(idle[p.ID], span)) / float64(span)
		}
		r.CPUs = append(r.CPUs, cr)
	}
	sort.Slice(r.CPUs, func(a, b int) bool { return r.CPUs[a].ID < r.CPUs[b].ID })
	return r
}

func (m *Simulator) report() *Report {
	r := buildReport(m.cfg.Workload, m.sched, m.acct, m.ledger, m.obs, m.bus.Sent, 0, m.clock.Now())
	r.Started = append(r.Started, m.started...)
	r.Stopped = append(r.Stopped, m.stopped...)
	r.DelayNs = m.delayed
	r.PowerErrors = m.powerErrors
	r.PriChanges = m.priChanges
	return r
}
