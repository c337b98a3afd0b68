package tunables

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"schedcore/constants"
)

func TestDefaultsDerive(t *testing.T) {
	tu := Defaults()
	d := tu.D()
	require.Equal(t, int64(10*constants.NsPerMs), d.StdQuantum)
	require.Equal(t, int64(125*constants.NsPerMs), d.SchedTick)
	require.Equal(t, 100*d.StdQuantum, d.MaxUnsafeRTComputation)
	require.Equal(t, 2*d.MaxUnsafeRTComputation, d.SafeRTDuration)
	require.Equal(t, int64(100*constants.NsPerUs), d.RTDeadlineEpsilon)
	require.Equal(t, int64(2*constants.NsPerS), d.StarvationThreshold)
	require.NoError(t, tu.Validate())
}

func TestRegistryGetSet(t *testing.T) {
	tu := Defaults()
	r := NewRegistry(tu)
	v, err := r.Get("preemption_rate")
	require.NoError(t, err)
	require.Equal(t, int64(100), v)

	require.NoError(t, r.Set("preemption_rate", 200))
	require.Equal(t, int64(5*constants.NsPerMs), tu.D().StdQuantum)

	require.Error(t, r.Set("avoid_cpu0", 9))
	_, err = r.Get("nope")
	require.True(t, errors.Is(err, ErrUnknownTunable))

	// min quantum must stay below the standard quantum.
	require.Error(t, r.Set("min_std_quantum_us", 5000))
	require.Equal(t, int64(constants.DefaultMinStdQuantumUs), tu.MinStdQuantumUs)
	require.Contains(t, r.Names(), "strict_rt_priority")
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rt_n_backup_processors":3,"strict_rt_priority":1}`), 0o600))
	tu, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(3), tu.RTBackupProcessors)
	require.Equal(t, int64(1), tu.StrictRTPriority)
	require.Equal(t, int64(constants.DefaultPreemptionRate), tu.PreemptionRate)

	require.NoError(t, os.WriteFile(path, []byte(`{"avoid_cpu0":7}`), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	tu := Defaults()
	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	NewRegistry(tu).BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--preemption-rate=50", "--avoid-cpu0=1"}))
	tu.Derive()
	require.Equal(t, int64(20*constants.NsPerMs), tu.D().StdQuantum)
	require.Equal(t, int64(AvoidCPU0Primary), tu.AvoidCPU0)
}

func TestMarshalRoundTripsNames(t *testing.T) {
	raw, err := Defaults().Marshal()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"rt_deadline_epsilon_us":100`)
}
