package priority

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"schedcore/constants"
	"schedcore/debug"
	"schedcore/thread"
)

func TestDecayTable(t *testing.T) {
	require.Equal(t, uint64(1024), decay(1024, 0))
	require.Equal(t, uint64(640), decay(1024, 1)) // 5/8
	require.Equal(t, uint64(384), decay(1024, 2)) // 512 - 128
	require.Equal(t, uint64(0), decay(1024, constants.SchedDecayTicks))
	// Monotone non-increasing over ticks.
	prev := uint64(1 << 40)
	for i := uint32(0); i < constants.SchedDecayTicks; i++ {
		v := decay(1<<40, i)
		require.LessOrEqual(t, v, prev, "tick %d", i)
		prev = v
	}
}

func TestLoadShiftTable(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, int8(0), f.e.loadShifts[1])
	require.Equal(t, int8(1), f.e.loadShifts[2])
	require.Equal(t, int8(1), f.e.loadShifts[3])
	require.Equal(t, int8(2), f.e.loadShifts[4])
	require.Equal(t, int8(6), f.e.loadShifts[127])
	// 125ms * 5/3 shifted down to BASEPRI_DEFAULT.
	require.Equal(t, 23, f.e.FixedShift())
}

func TestZeroLoadKeepsBasePriority(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	for i := 0; i < 10; i++ {
		f.e.AdvanceTick(1)
		f.e.UpdatePriority(th)
		require.Equal(t, uint64(0), th.SchedUsage)
		require.Equal(t, th.BasePri, th.SchedPri)
	}
}

func TestUsageDecaysPriorityUnderLoad(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	// Eight runnable default threads on two cpus: load 4.
	for i := 0; i < 7; i++ {
		f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	}
	f.tb.Each(func(x *thread.Thread) bool { f.e.RunIncr(x); return true })
	f.e.ComputeAverages(2)
	require.Equal(t, 4, f.e.Load(thread.BucketShareDF))
	require.Equal(t, 23-2, f.e.PriShift(thread.BucketShareDF))

	f.e.AdvanceTick(1)
	f.e.UpdatePriority(th) // picks up the new shift
	f.e.AccountRun(th, 100*constants.NsPerMs)
	f.e.UpdatePriority(th)
	require.Less(t, th.SchedPri, th.BasePri)
	require.GreaterOrEqual(t, th.SchedPri, th.BasePri-int(constants.DefaultDecayBandLimit))

	// Lots of usage saturates at the band limit.
	f.e.AccountRun(th, 100*constants.NsPerS)
	f.e.UpdatePriority(th)
	require.Equal(t, th.BasePri-int(constants.DefaultDecayBandLimit), th.SchedPri)

	// Idle ticks bring it back.
	f.e.AdvanceTick(constants.SchedDecayTicks)
	f.e.UpdatePriority(th)
	require.Equal(t, th.BasePri, th.SchedPri)
}

func TestComputeTimeshareClamps(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, 6)
	th.PriShift = 0
	th.SchedUsage = 1000
	// Task may run above throttle: floor at MAXPRI_THROTTLE.
	require.Equal(t, constants.MaxPriThrottle, f.e.ComputeTimeshare(th))
	// Throttled task: floor at MINPRI_USER.
	th.MaxPriority = constants.MaxPriThrottle
	require.Equal(t, constants.MinPriUser, f.e.ComputeTimeshare(th))

	fg := f.newThread(t, thread.ModeTimeshare, constants.BasePriForeground+5)
	fg.PriShift = 0
	fg.SchedUsage = 1 << 30
	// Foreground-plus threads get a wider decay band.
	require.Equal(t, fg.BasePri-int(constants.DefaultDecayBandLimit)-5, f.e.ComputeTimeshare(fg))
}

func TestBucketClassification(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		mode thread.Mode
		pri  int
		want thread.Bucket
	}{
		{thread.ModeTimeshare, 47, thread.BucketShareFG},
		{thread.ModeTimeshare, 31, thread.BucketShareDF},
		{thread.ModeTimeshare, 21, thread.BucketShareDF},
		{thread.ModeTimeshare, 20, thread.BucketShareUT},
		{thread.ModeTimeshare, 4, thread.BucketShareBG},
		{thread.ModeFixed, 50, thread.BucketFixPri},
	}
	for _, c := range cases {
		th := f.newThread(t, c.mode, c.pri)
		require.Equal(t, c.want, th.Bucket, "mode %s pri %d", c.mode, c.pri)
	}
}

func TestBucketMovesRunnableCount(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	f.e.RunIncr(th)
	require.Equal(t, int64(1), f.e.RunCount(thread.BucketShareDF))
	f.e.SetPolicyPriority(th, constants.BasePriForeground)
	require.Equal(t, int64(0), f.e.RunCount(thread.BucketShareDF))
	require.Equal(t, int64(1), f.e.RunCount(thread.BucketShareFG))
	require.Equal(t, int64(1), f.e.RunCount(thread.BucketRun))
	require.Equal(t, int64(0), f.e.RunDecr(th))
}

func TestNoSMTWeighsDouble(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	th.Flags |= thread.FlagNoSMT
	require.Equal(t, int64(2), f.e.RunIncr(th))
	th.PriShift = 10
	stamp := th.SchedStamp
	f.e.AccountRun(th, 16)
	f.e.LightweightUpdate(th)
	require.Equal(t, uint64(24), th.SchedUsage, "bonus only on the decaying usage")
	require.Equal(t, uint64(16), th.CPUDelta)
	require.Zero(t, th.CPUUsage)
	require.Equal(t, stamp, th.SchedStamp, "lightweight update leaves the stamp")
}

func TestPromotionStacking(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, 10)
	before := th.SchedPri

	f.e.Promote(th, thread.FlagRWPromoted)
	f.e.Promote(th, thread.FlagWaitQPromoted)
	require.Equal(t, constants.MinPriRWLock, th.SchedPri)

	f.e.Unpromote(th, thread.FlagRWPromoted)
	require.GreaterOrEqual(t, th.SchedPri, constants.MinPriWaitQ)

	f.e.Unpromote(th, thread.FlagWaitQPromoted)
	require.Equal(t, before, th.SchedPri)

	require.Panics(t, func() { f.e.Unpromote(th, thread.FlagWaitQPromoted) })
	f.e.Promote(th, thread.FlagExecPromoted)
	require.Panics(t, func() { f.e.Promote(th, thread.FlagExecPromoted) })
}

func TestDepressOverridesPromotion(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, 40)
	f.e.Promote(th, thread.FlagRWPromoted)
	f.e.Depress(th, thread.FlagDepress)
	require.Equal(t, constants.DepressPri, th.SchedPri)
	f.e.Undepress(th)
	require.Equal(t, constants.MinPriRWLock, th.SchedPri)

	// Poll depression yields to promotions.
	f.e.Depress(th, thread.FlagPollDepress)
	require.Equal(t, constants.MinPriRWLock, th.SchedPri)
	f.e.Unpromote(th, thread.FlagRWPromoted)
	require.Equal(t, constants.DepressPri, th.SchedPri)
	f.e.Undepress(th)
	require.Equal(t, 40, th.SchedPri)
}

func TestKernelPromotionClamp(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	f.e.PromoteKernel(th, constants.MaxPri)
	require.Equal(t, constants.MaxPriPromote, th.SchedPri)
	f.e.UnpromoteKernel(th)
	require.Equal(t, 50, th.SchedPri)
}

func TestFrozenBaseNeverDrops(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	th.Flags |= thread.FlagBasePriFrozen
	f.e.SetBasePriority(th, 30)
	require.Equal(t, 30, th.ReqBasePri)
	require.Equal(t, 50, th.BasePri)
	f.e.SetBasePriority(th, 60)
	require.Equal(t, 60, th.BasePri)
}

func TestPriorityChangeRequeues(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	f.enqueue(th)
	f.e.SetPolicyPriority(th, 55)
	require.Equal(t, 1, f.rq.reinserted)
	require.True(t, th.Queued())

	running := f.newThread(t, thread.ModeFixed, 50)
	changed := f.rq.changed
	f.e.SetPolicyPriority(running, 20)
	require.Equal(t, changed+1, f.rq.changed)
}

func TestDemotionStacking(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	f.enqueue(th)

	f.e.Demote(th, thread.FlagThrottled)
	require.Equal(t, thread.ModeTimeshare, th.Mode)
	require.Equal(t, thread.ModeFixed, th.SavedMode)
	require.True(t, th.Queued())

	f.e.Demote(th, thread.FlagFailsafe)
	require.Equal(t, thread.ModeFixed, th.SavedMode)

	f.e.Undemote(th, thread.FlagFailsafe)
	require.Equal(t, thread.ModeTimeshare, th.Mode)

	// A user mode change while demoted lands in the saved mode.
	f.e.SetThreadModeUser(th, thread.ModeFixed)
	require.Equal(t, thread.ModeTimeshare, th.Mode)
	require.Equal(t, thread.ModeFixed, ThreadModeUser(th))

	f.e.Undemote(th, thread.FlagThrottled)
	require.Equal(t, thread.ModeFixed, th.Mode)
	require.Equal(t, thread.ModeNone, th.SavedMode)
	require.Equal(t, thread.BucketFixPri, th.Bucket)
}

func TestPolicyResetNeverDemoted(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	th.PolicyReset = true
	f.e.Demote(th, thread.FlagThrottled)
	require.Equal(t, thread.ModeFixed, th.Mode)
	require.False(t, th.Any(thread.DemotedMask))
}

func TestRealtimeDemotionUsesPolicyPriority(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeTimeshare, constants.BasePriDefault)
	f.e.SetRealtime(th, thread.RTParams{Computation: 1, Constraint: 2, Priority: 110})
	require.Equal(t, 110, th.SchedPri)
	f.e.Demote(th, thread.FlagRTDisallowed)
	require.Equal(t, constants.BasePriDefault, th.SchedPri)
	f.e.Undemote(th, thread.FlagRTDisallowed)
	require.Equal(t, thread.ModeRealtime, th.Mode)
	require.Equal(t, 110, th.SchedPri)
}

func TestFailsafeRoundTrip(t *testing.T) {
	f := newFixture(t)
	th := f.newThread(t, thread.ModeFixed, 50)
	d := f.e.tu.D()

	th.ComputationEpoch = 0
	require.False(t, f.e.CheckFailsafe(th, d.MaxUnsafeFixedComputation))
	now := d.MaxUnsafeFixedComputation + 100*constants.NsPerMs
	f.clock.Set(now)
	require.True(t, f.e.CheckFailsafe(th, now))
	require.Equal(t, thread.ModeTimeshare, th.Mode)
	require.Equal(t, thread.ModeFixed, th.SavedMode)
	require.True(t, th.Has(thread.FlagFailsafe))
	require.Equal(t, now+d.SafeFixedDuration, th.SafeRelease)

	// Not yet released.
	f.e.AdvanceTick(1)
	f.e.UpdatePriority(th)
	require.Equal(t, thread.ModeTimeshare, th.Mode)

	f.clock.Set(th.SafeRelease)
	require.True(t, f.e.SafeReleaseDue(th))
	f.e.AdvanceTick(1)
	f.e.UpdatePriority(th)
	require.Equal(t, thread.ModeFixed, th.Mode)
	require.Equal(t, thread.ModeNone, th.SavedMode)
	require.False(t, th.Any(thread.FlagFailsafe|thread.FlagFailsafeReported))
}

func TestFailsafeExemptions(t *testing.T) {
	f := newFixture(t)
	far := int64(1000 * constants.NsPerS)
	ts := f.newThread(t, thread.ModeTimeshare, 30)
	require.False(t, f.e.CheckFailsafe(ts, far))

	crit := f.newThread(t, thread.ModeFixed, 50)
	crit.Flags |= thread.FlagSystemCritical
	require.False(t, f.e.CheckFailsafe(crit, far))

	promoted := f.newThread(t, thread.ModeFixed, 50)
	f.e.PromoteKernel(promoted, 60)
	require.False(t, f.e.CheckFailsafe(promoted, far))
}

// A fixed thread computing 1100ms with a 100 x 10ms budget is demoted once
// and reported once, however many quanta expire afterwards.
func TestFailsafeSingleDiagnostic(t *testing.T) {
	var buf bytes.Buffer
	debug.SetOutput(&buf)
	require.NoError(t, debug.SetLevel("info"))

	f := newFixture(t)
	require.NoError(t, f.e.tu.Validate())
	th := f.newThread(t, thread.ModeFixed, 50)
	calls := 0
	f.e.OnFailsafe = func(*thread.Thread, int64) { calls++ }

	quantum := f.e.tu.D().StdQuantum
	triggered := 0
	for now := quantum; now <= 1100*constants.NsPerMs; now += quantum {
		f.clock.Set(now)
		if f.e.CheckFailsafe(th, now) {
			triggered++
		}
	}
	require.Equal(t, 1, triggered)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, strings.Count(buf.String(), "excessive computation"))
	require.True(t, th.Has(thread.FlagFailsafe))
}
