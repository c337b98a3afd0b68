// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: metrics.go — Prometheus export of scheduler events
//
// Purpose:
//   - Metrics implements the scheduler's Observer with counters and gauges
//     labelled by cpu, IPI kind and run bucket.
//   - Handler serves them for scraping.
//
// Notes:
//   - Per-cpu children are resolved once at construction so the observer
//     calls made on dispatch paths are a single atomic add.
// ─────────────────────────────────────────────────────────────────────────────

package schedstats

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedcore/machine"
	"schedcore/thread"
)

const namespace = "sched"

// Metrics holds every scheduler collector.
type Metrics struct {
	reg *prometheus.Registry

	ContextSwitches    *prometheus.CounterVec
	Preemptions        *prometheus.CounterVec
	QuantumExpirations *prometheus.CounterVec
	IPIs               *prometheus.CounterVec
	Steals             *prometheus.CounterVec
	FailsafeDemotions  *prometheus.CounterVec
	Recommended        prometheus.Gauge
	FailsafeActive     prometheus.Gauge
	Runnable           *prometheus.GaugeVec

	switches []prometheus.Counter
	preempts []prometheus.Counter
	expiries []prometheus.Counter
	buckets  [thread.BucketCount]prometheus.Gauge
}

// New builds the collectors for cpus processors and registers them in a
// private registry.
func New(cpus int) (*Metrics, error) {
	perCPU := []string{"cpu"}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ContextSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_switches_total",
			Help: "Context switches by processor.",
		}, perCPU),
		Preemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "preemptions_total",
			Help: "Preemptions taken at AST points by processor.",
		}, perCPU),
		QuantumExpirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quantum_expirations_total",
			Help: "Quantum timer expirations by processor.",
		}, perCPU),
		IPIs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ipis_total",
			Help: "Inter-processor interrupts sent, by destination, kind and reason.",
		}, []string{"cpu", "kind", "event"}),
		Steals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steals_total",
			Help: "Threads taken from another processor's queue.",
		}, []string{"cpu", "queue"}),
		FailsafeDemotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failsafe_demotions_total",
			Help: "Fail-safe demotions by the mode demoted from.",
		}, []string{"mode"}),
		Recommended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recommended_cores",
			Help: "Processors currently recommended.",
		}),
		FailsafeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recommend_failsafe_active",
			Help: "1 while the starvation failsafe recommends every core.",
		}),
		Runnable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runnable_threads",
			Help: "Runnable threads by load bucket.",
		}, []string{"bucket"}),
	}

	for _, c := range []prometheus.Collector{
		m.ContextSwitches, m.Preemptions, m.QuantumExpirations, m.IPIs, m.Steals,
		m.FailsafeDemotions, m.Recommended, m.FailsafeActive, m.Runnable,
	} {
		if err := m.reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register scheduler metrics")
		}
	}

	m.switches = make([]prometheus.Counter, cpus)
	m.preempts = make([]prometheus.Counter, cpus)
	m.expiries = make([]prometheus.Counter, cpus)
	for i := 0; i < cpus; i++ {
		l := strconv.Itoa(i)
		m.switches[i] = m.ContextSwitches.WithLabelValues(l)
		m.preempts[i] = m.Preemptions.WithLabelValues(l)
		m.expiries[i] = m.QuantumExpirations.WithLabelValues(l)
	}
	for b := thread.Bucket(0); b < thread.BucketCount; b++ {
		m.buckets[b] = m.Runnable.WithLabelValues(b.String())
	}
	return m, nil
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func counterFor(cs []prometheus.Counter, vec *prometheus.CounterVec, cpu int) prometheus.Counter {
	if cpu >= 0 && cpu < len(cs) {
		return cs[cpu]
	}
	return vec.WithLabelValues(strconv.Itoa(cpu))
}

func (m *Metrics) ContextSwitch(cpu int) { counterFor(m.switches, m.ContextSwitches, cpu).Inc() }
func (m *Metrics) Preemption(cpu int)    { counterFor(m.preempts, m.Preemptions, cpu).Inc() }
func (m *Metrics) QuantumExpired(cpu int) {
	counterFor(m.expiries, m.QuantumExpirations, cpu).Inc()
}

func (m *Metrics) IPI(cpu int, kind machine.IPIType, event string) {
	m.IPIs.WithLabelValues(strconv.Itoa(cpu), kind.String(), event).Inc()
}

func (m *Metrics) Steal(cpu int, realtime bool) {
	queue := "timeshare"
	if realtime {
		queue = "realtime"
	}
	m.Steals.WithLabelValues(strconv.Itoa(cpu), queue).Inc()
}

func (m *Metrics) FailsafeDemotion(mode thread.Mode) {
	m.FailsafeDemotions.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) RecommendedCores(n int) { m.Recommended.Set(float64(n)) }

func (m *Metrics) RecommendFailsafe(active bool) {
	if active {
		m.FailsafeActive.Set(1)
		return
	}
	m.FailsafeActive.Set(0)
}

func (m *Metrics) RunnableThreads(b thread.Bucket, n int64) {
	if b < thread.BucketCount {
		m.buckets[b].Set(float64(n))
	}
}
