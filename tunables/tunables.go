// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: tunables.go — sysctl-like scheduler knobs
//
// Purpose:
//   - Holds every numeric knob the scheduler consults at runtime.
//   - Derives nanosecond durations from the human-facing units.
//   - Loads overrides from JSON and binds them to command-line flags.
//
// Notes:
//   - All knobs are int64 so the registry can expose them uniformly.
//     Boolean knobs use 0/1.
//   - Derive must be called after any change; Registry.Set does it.
// ─────────────────────────────────────────────────────────────────────────────

package tunables

import (
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"

	"schedcore/constants"
)

// AvoidCPU0 modes.
const (
	AvoidCPU0Off       = 0 // no avoidance
	AvoidCPU0Primary   = 1 // avoid cpu0 for realtime threads
	AvoidCPU0Secondary = 2 // also avoid the secondary of cpu0's core
)

// ErrUnknownTunable is returned by the registry for an unknown name.
var ErrUnknownTunable = errors.New("unknown tunable")

// Tunables is the full knob set. JSON field names double as registry names.
type Tunables struct {
	PreemptionRate          int64 `json:"preemption_rate"`
	MinStdQuantumUs         int64 `json:"min_std_quantum_us"`
	MinRTQuantumUs          int64 `json:"min_rt_quantum_us"`
	MaxRTQuantumMs          int64 `json:"max_rt_quantum_ms"`
	SchedTickIntervalMs     int64 `json:"sched_tick_interval_ms"`
	MaxUnsafeRTQuanta       int64 `json:"max_unsafe_rt_quanta"`
	MaxUnsafeFixedQuanta    int64 `json:"max_unsafe_fixed_quanta"`
	SafeRTMultiplier        int64 `json:"safe_rt_multiplier"`
	SafeFixedMultiplier     int64 `json:"safe_fixed_multiplier"`
	DecayBandLimit          int64 `json:"decay_band_limit"`
	DecayUsageAgeFactor     int64 `json:"decay_usage_age_factor"`
	SMTTimeshareEnabled     int64 `json:"smt_timeshare_enabled"`
	SMTSchedBonus16ths      int64 `json:"smt_sched_bonus_16ths"`
	SMTPolicyEnabled        int64 `json:"smt_policy_enabled"`
	AvoidCPU0               int64 `json:"avoid_cpu0"`
	RTDeadlineEpsilonUs     int64 `json:"rt_deadline_epsilon_us"`
	RTConstraintThresholdUs int64 `json:"rt_constraint_threshold_us"`
	RTBackupProcessors      int64 `json:"rt_n_backup_processors"`
	BackupCPUTimeoutCount   int64 `json:"backup_cpu_timeout_count"`
	StrictRTPriority        int64 `json:"strict_rt_priority"`
	StarvationThresholdMs   int64 `json:"starvation_threshold_ms"`
	FailsafeDurationMs      int64 `json:"failsafe_duration_ms"`

	d Derived
}

// Derived holds the nanosecond values computed from the knobs.
type Derived struct {
	StdQuantum                int64
	MinStdQuantum             int64
	MinRTQuantum              int64
	MaxRTQuantum              int64
	SchedTick                 int64
	MaxUnsafeRTComputation    int64
	SafeRTDuration            int64
	MaxUnsafeFixedComputation int64
	SafeFixedDuration         int64
	RTDeadlineEpsilon         int64
	RTConstraintThreshold     int64
	StarvationThreshold       int64
	FailsafeDuration          int64
	BackupCPUDelay            int64
}

// Defaults returns the stock knob set with derived values filled in.
func Defaults() *Tunables {
	t := &Tunables{
		PreemptionRate:          constants.DefaultPreemptionRate,
		MinStdQuantumUs:         constants.DefaultMinStdQuantumUs,
		MinRTQuantumUs:          constants.DefaultMinRTQuantumUs,
		MaxRTQuantumMs:          constants.DefaultMaxRTQuantumMs,
		SchedTickIntervalMs:     constants.DefaultSchedTickIntervalMs,
		MaxUnsafeRTQuanta:       constants.DefaultMaxUnsafeQuanta,
		MaxUnsafeFixedQuanta:    constants.DefaultMaxUnsafeQuanta,
		SafeRTMultiplier:        constants.DefaultSafeMultiplier,
		SafeFixedMultiplier:     constants.DefaultSafeMultiplier,
		DecayBandLimit:          constants.DefaultDecayBandLimit,
		DecayUsageAgeFactor:     constants.DefaultDecayUsageAgeFactor,
		SMTTimeshareEnabled:     1,
		SMTSchedBonus16ths:      constants.DefaultSMTSchedBonus16ths,
		SMTPolicyEnabled:        0,
		AvoidCPU0:               AvoidCPU0Off,
		RTDeadlineEpsilonUs:     constants.DefaultRTDeadlineEpsilonUs,
		RTConstraintThresholdUs: constants.DefaultRTConstraintThresholdUs,
		RTBackupProcessors:      constants.DefaultRTBackupProcessors,
		BackupCPUTimeoutCount:   constants.DefaultBackupCPUTimeoutCount,
		StrictRTPriority:        0,
		StarvationThresholdMs:   constants.DefaultStarvationThresholdMs,
		FailsafeDurationMs:      constants.DefaultFailsafeDurationMs,
	}
	t.Derive()
	return t
}

// D returns the derived nanosecond values.
func (t *Tunables) D() *Derived { return &t.d }

// Derive recomputes nanosecond values from the knobs.
func (t *Tunables) Derive() {
	d := &t.d
	d.StdQuantum = constants.NsPerS / t.PreemptionRate
	d.MinStdQuantum = t.MinStdQuantumUs * constants.NsPerUs
	d.MinRTQuantum = t.MinRTQuantumUs * constants.NsPerUs
	d.MaxRTQuantum = t.MaxRTQuantumMs * constants.NsPerMs
	d.SchedTick = t.SchedTickIntervalMs * constants.NsPerMs
	d.MaxUnsafeRTComputation = t.MaxUnsafeRTQuanta * d.StdQuantum
	d.SafeRTDuration = d.MaxUnsafeRTComputation * t.SafeRTMultiplier
	d.MaxUnsafeFixedComputation = t.MaxUnsafeFixedQuanta * d.StdQuantum
	d.SafeFixedDuration = d.MaxUnsafeFixedComputation * t.SafeFixedMultiplier
	d.RTDeadlineEpsilon = t.RTDeadlineEpsilonUs * constants.NsPerUs
	d.RTConstraintThreshold = t.RTConstraintThresholdUs * constants.NsPerUs
	d.StarvationThreshold = t.StarvationThresholdMs * constants.NsPerMs
	d.FailsafeDuration = t.FailsafeDurationMs * constants.NsPerMs
	d.BackupCPUDelay = constants.BackupCPUDelayUs * constants.NsPerUs
}

// Validate checks every knob against its allowed range.
func (t *Tunables) Validate() error {
	r := NewRegistry(t)
	for _, e := range r.entries {
		v := *e.ptr
		if v < e.min || v > e.max {
			return errors.WithHintf(
				errors.Newf("tunable %s = %d out of range", e.name, v),
				"allowed range is [%d, %d]", e.min, e.max)
		}
	}
	if t.MinStdQuantumUs*constants.NsPerUs >= constants.NsPerS/t.PreemptionRate {
		return errors.Newf("min_std_quantum_us %d must be below the standard quantum", t.MinStdQuantumUs)
	}
	return nil
}

// Load reads a JSON file of overrides on top of Defaults.
func Load(path string) (*Tunables, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading tunables %s", path)
	}
	if err := sonnet.Unmarshal(raw, t); err != nil {
		return nil, errors.Wrapf(err, "decoding tunables %s", path)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Derive()
	return t, nil
}

// Marshal encodes the knobs as JSON.
func (t *Tunables) Marshal() ([]byte, error) {
	return sonnet.Marshal(t)
}

///////////////////////////////////////////////////////////////////////////////
// Registry
///////////////////////////////////////////////////////////////////////////////

type entry struct {
	name     string
	ptr      *int64
	min, max int64
	help     string
}

// Registry exposes knobs by name.
type Registry struct {
	t       *Tunables
	entries []entry
	byName  map[string]int
}

// NewRegistry indexes the knobs of t.
func NewRegistry(t *Tunables) *Registry {
	r := &Registry{t: t, byName: make(map[string]int)}
	add := func(name string, ptr *int64, min, max int64, help string) {
		r.byName[name] = len(r.entries)
		r.entries = append(r.entries, entry{name, ptr, min, max, help})
	}
	add("preemption_rate", &t.PreemptionRate, 1, 10000, "standard quanta per second")
	add("min_std_quantum_us", &t.MinStdQuantumUs, 1, 1000000, "smallest remaining quantum worth running on")
	add("min_rt_quantum_us", &t.MinRTQuantumUs, 1, 1000000, "minimum realtime computation")
	add("max_rt_quantum_ms", &t.MaxRTQuantumMs, 1, 10000, "maximum realtime computation")
	add("sched_tick_interval_ms", &t.SchedTickIntervalMs, 1, 10000, "maintenance tick period")
	add("max_unsafe_rt_quanta", &t.MaxUnsafeRTQuanta, 1, 1<<20, "quanta before realtime fail-safe")
	add("max_unsafe_fixed_quanta", &t.MaxUnsafeFixedQuanta, 1, 1<<20, "quanta before fixed fail-safe")
	add("safe_rt_multiplier", &t.SafeRTMultiplier, 1, 1000, "realtime penalty window multiplier")
	add("safe_fixed_multiplier", &t.SafeFixedMultiplier, 1, 1000, "fixed penalty window multiplier")
	add("decay_band_limit", &t.DecayBandLimit, 0, constants.MaxPriUser, "maximum timeshare decay")
	add("decay_usage_age_factor", &t.DecayUsageAgeFactor, 1, 64, "usage aging acceleration")
	add("smt_timeshare_enabled", &t.SMTTimeshareEnabled, 0, 1, "weigh no-smt threads double")
	add("smt_sched_bonus_16ths", &t.SMTSchedBonus16ths, 0, 16, "usage scaling for no-smt threads")
	add("smt_policy_enabled", &t.SMTPolicyEnabled, 0, 1, "use the SMT aware placement policy")
	add("avoid_cpu0", &t.AvoidCPU0, AvoidCPU0Off, AvoidCPU0Secondary, "avoid cpu0 for realtime work")
	add("rt_deadline_epsilon_us", &t.RTDeadlineEpsilonUs, 0, 1000000, "deadline comparison slack")
	add("rt_constraint_threshold_us", &t.RTConstraintThresholdUs, 0, 1000000000, "constraint limit for backup IPIs")
	add("rt_n_backup_processors", &t.RTBackupProcessors, 0, constants.MaxCPUs-1, "extra processors signalled for realtime")
	add("backup_cpu_timeout_count", &t.BackupCPUTimeoutCount, 0, 1000, "avoided core delay iterations")
	add("strict_rt_priority", &t.StrictRTPriority, 0, 1, "realtime queue ignores deadlines across priorities")
	add("starvation_threshold_ms", &t.StarvationThresholdMs, 1, 3600000, "maintenance starvation before failsafe")
	add("failsafe_duration_ms", &t.FailsafeDurationMs, 0, 3600000, "minimum failsafe duration")
	return r
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

// Get returns the current value of name.
func (r *Registry) Get(name string) (int64, error) {
	i, ok := r.byName[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownTunable, "%s", name)
	}
	return *r.entries[i].ptr, nil
}

// Set stores v under name after a range check and re-derives durations.
func (r *Registry) Set(name string, v int64) error {
	i, ok := r.byName[name]
	if !ok {
		return errors.Wrapf(ErrUnknownTunable, "%s", name)
	}
	e := &r.entries[i]
	if v < e.min || v > e.max {
		return errors.Newf("tunable %s = %d out of range [%d, %d]", name, v, e.min, e.max)
	}
	old := *e.ptr
	*e.ptr = v
	if err := r.t.Validate(); err != nil {
		*e.ptr = old
		return err
	}
	r.t.Derive()
	return nil
}

// BindFlags registers one int64 flag per knob. Flag names use dashes.
// Call Derive after parsing.
func (r *Registry) BindFlags(fs *pflag.FlagSet) {
	for _, e := range r.entries {
		fs.Int64Var(e.ptr, strings.ReplaceAll(e.name, "_", "-"), *e.ptr, e.help)
	}
}
