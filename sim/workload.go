// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: workload.go — Synthetic workload descriptions
//
// Purpose:
//   - A Workload lists thread classes (how many threads, which mode and
//     priority, how long each burst runs and sleeps) and a timeline of
//     power and recommendation changes.
//   - Workloads are JSON; a few presets are built in.
//
// Notes:
//   - A burst of zero means the thread never blocks.
//   - Realtime classes wake once per period and run for their computation.
// ─────────────────────────────────────────────────────────────────────────────

package sim

import (
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/sugawarayuuta/sonnet"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/thread"
)

// ThreadClass describes a group of identical threads.
type ThreadClass struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Mode     string `json:"mode"` // timeshare, fixed or realtime
	Priority int    `json:"priority"`

	BurstUs int64 `json:"burst_us"`
	SleepUs int64 `json:"sleep_us"`
	StartUs int64 `json:"start_us"`

	PeriodUs      int64 `json:"period_us"`
	ComputationUs int64 `json:"computation_us"`
	ConstraintUs  int64 `json:"constraint_us"`

	Bind  *int `json:"bind,omitempty"`
	NoSMT bool `json:"no_smt"`
}

// PowerStep changes the machine's power state at a point in time.
type PowerStep struct {
	AtMs        int64 `json:"at_ms"`
	Online      []int `json:"online,omitempty"`
	TempDown    []int `json:"temp_down,omitempty"`
	Recommended []int `json:"recommended,omitempty"`
	PowerRec    []int `json:"power_recommended,omitempty"`
	Sleep       *bool `json:"sleep,omitempty"`
}

// Workload is a complete simulation input.
type Workload struct {
	Name    string        `json:"name"`
	Threads []ThreadClass `json:"threads"`
	Power   []PowerStep   `json:"power,omitempty"`
}

// ParseWorkload decodes and validates a JSON workload.
func ParseWorkload(raw []byte) (*Workload, error) {
	var w Workload
	if err := sonnet.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "decoding workload")
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadWorkload reads a workload file.
func LoadWorkload(path string) (*Workload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading workload %s", path)
	}
	w, err := ParseWorkload(raw)
	return w, errors.Wrapf(err, "workload %s", path)
}

// Marshal encodes the workload as JSON.
func (w *Workload) Marshal() ([]byte, error) { return sonnet.Marshal(w) }

func parseMode(s string) (thread.Mode, error) {
	switch s {
	case "", "timeshare":
		return thread.ModeTimeshare, nil
	case "fixed":
		return thread.ModeFixed, nil
	case "realtime":
		return thread.ModeRealtime, nil
	}
	return thread.ModeNone, errors.Newf("unknown mode %q", s)
}

// Validate checks every class and step.
func (w *Workload) Validate() error {
	if len(w.Threads) == 0 {
		return errors.New("workload has no thread classes")
	}
	for i, c := range w.Threads {
		mode, err := parseMode(c.Mode)
		if err != nil {
			return errors.Wrapf(err, "class %d (%s)", i, c.Name)
		}
		switch {
		case c.Count <= 0:
			return errors.Newf("class %d (%s): count must be positive", i, c.Name)
		case c.BurstUs < 0 || c.SleepUs < 0 || c.StartUs < 0:
			return errors.Newf("class %d (%s): negative duration", i, c.Name)
		case c.Priority < 0 || c.Priority > constants.MaxPriUser:
			return errors.Newf("class %d (%s): priority %d outside [0, %d]", i, c.Name, c.Priority, constants.MaxPriUser)
		case c.Bind != nil && (*c.Bind < 0 || *c.Bind >= constants.MaxCPUs):
			return errors.Newf("class %d (%s): bind to cpu %d", i, c.Name, *c.Bind)
		}
		if mode == thread.ModeRealtime {
			if c.PeriodUs <= 0 || c.ComputationUs <= 0 || c.ConstraintUs < c.ComputationUs {
				return errors.WithHint(
					errors.Newf("class %d (%s): bad realtime parameters", i, c.Name),
					"need period > 0 and computation <= constraint")
			}
		}
	}
	if !sort.SliceIsSorted(w.Power, func(a, b int) bool { return w.Power[a].AtMs < w.Power[b].AtMs }) {
		return errors.New("power steps must be in time order")
	}
	return nil
}

func maskOf(ids []int) cpumap.Map {
	var m cpumap.Map
	for _, id := range ids {
		if id >= 0 && id < constants.MaxCPUs {
			m = m.Set(id)
		}
	}
	return m
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

// Presets are the built-in workloads.
var Presets = map[string]*Workload{
	"mixed": {
		Name: "mixed",
		Threads: []ThreadClass{
			{Name: "interactive", Count: 4, Priority: 47, BurstUs: 500, SleepUs: 4500},
			{Name: "batch", Count: 4, Priority: 31, BurstUs: 40000, SleepUs: 1000},
			{Name: "background", Count: 2, Priority: 4, BurstUs: 0},
			{Name: "audio", Count: 1, Mode: "realtime", PeriodUs: 10000, ComputationUs: 1500, ConstraintUs: 5000},
		},
	},
	"realtime": {
		Name: "realtime",
		Threads: []ThreadClass{
			{Name: "rt-fast", Count: 2, Mode: "realtime", PeriodUs: 2000, ComputationUs: 300, ConstraintUs: 1000},
			{Name: "rt-slow", Count: 2, Mode: "realtime", PeriodUs: 20000, ComputationUs: 4000, ConstraintUs: 15000},
			{Name: "filler", Count: 4, Priority: 31, BurstUs: 0},
		},
	},
	"hog": {
		Name: "hog",
		Threads: []ThreadClass{
			{Name: "fixed-hog", Count: 1, Mode: "fixed", Priority: 50, BurstUs: 0},
			{Name: "worker", Count: 2, Priority: 31, BurstUs: 2000, SleepUs: 2000},
		},
	},
	"power": {
		Name: "power",
		Threads: []ThreadClass{
			{Name: "worker", Count: 6, Priority: 31, BurstUs: 5000, SleepUs: 5000},
			{Name: "pinned", Count: 1, Priority: 40, BurstUs: 1000, SleepUs: 9000, Bind: intp(0)},
		},
		Power: []PowerStep{
			{AtMs: 200, Online: []int{0, 1}, TempDown: []int{2, 3}},
			{AtMs: 400, Recommended: []int{1}},
			{AtMs: 600, Sleep: boolp(true)},
			{AtMs: 700, Sleep: boolp(false)},
			{AtMs: 800, Online: []int{0, 1, 2, 3}, Recommended: []int{0, 1, 2, 3}},
		},
	},
}

// Preset returns a built-in workload by name.
func Preset(name string) (*Workload, error) {
	w, ok := Presets[name]
	if !ok {
		names := make([]string, 0, len(Presets))
		for n := range Presets {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.WithHintf(errors.Newf("unknown preset %q", name), "presets: %v", names)
	}
	return w, nil
}
