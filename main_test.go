package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"schedcore/sim"
	"schedcore/tunables"
)

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestRunWritesReportAndTrace(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "trace.db")
	out := filepath.Join(dir, "report.json")
	execute(t, "run", "--preset", "mixed", "--duration", "50ms", "--cpus-per-pset", "2",
		"--trace-db", db, "--out", out)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var r sim.Report
	require.NoError(t, sonnet.Unmarshal(raw, &r))
	require.Equal(t, "mixed", r.Workload)
	require.Len(t, r.CPUs, 2)
	require.Positive(t, r.ContextSwitches)

	summary := execute(t, "trace", "summary", "--db", db)
	require.Contains(t, summary, "switch")
	events := execute(t, "trace", "events", "--db", db, "--kind", "switch", "--limit", "3")
	require.Len(t, strings.Split(strings.TrimSpace(events), "\n"), 3)
}

func TestTraceRequiresExistingDatabase(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"trace", "summary", "--db", filepath.Join(t.TempDir(), "none.db")})
	require.Error(t, root.Execute())
}

func TestTunablesSetWriteAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.json")
	raw, err := tunables.Defaults().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	execute(t, "tunables", "set", "preemption_rate=50", "--tunables", path, "--write")
	got := execute(t, "tunables", "get", "preemption_rate", "sched_tick_interval_ms", "--tunables", path)
	require.Equal(t, "preemption_rate=50\nsched_tick_interval_ms=125\n", got)

	root := newRootCommand()
	root.SetArgs([]string{"tunables", "set", "preemption_rate=0"})
	require.Error(t, root.Execute())
}

func TestKnobFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.json")
	tu := tunables.Defaults()
	require.NoError(t, tunables.NewRegistry(tu).Set("preemption_rate", 50))
	raw, err := tu.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flagged := knobFlags(fs)
	require.NoError(t, fs.Parse([]string{"--sched-tick-interval-ms=250"}))

	got, err := applyKnobs(fs, path, flagged)
	require.NoError(t, err)
	require.Equal(t, int64(50), got.PreemptionRate, "file value kept")
	require.Equal(t, int64(250), got.SchedTickIntervalMs, "flag wins")
	require.Equal(t, int64(250_000_000), got.D().SchedTick)
}

func TestPresetsCommand(t *testing.T) {
	require.Equal(t, "hog\nmixed\npower\nrealtime\n", execute(t, "presets"))
	raw := execute(t, "presets", "realtime")
	w, err := sim.ParseWorkload([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, sim.Presets["realtime"], w)
}
