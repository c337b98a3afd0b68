// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Priority bands, realtime limits & default tunables
//
// Purpose:
//   - Defines the 128-level priority space and the named bands inside it.
//   - Provides default values for every scheduler tunable.
//
// Notes:
//   - Higher numbers mean more urgent. 0 is the lowest user priority and
//     127 the highest realtime priority.
//   - Time defaults are expressed in nanoseconds of abstract machine time.
//
// ⚠️ No runtime logic here: all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Priority Space ──────────────────────────────

const (
	// NRQS is the number of run queue priority levels.
	NRQS = 128

	// MaxPri is the highest schedulable priority.
	MaxPri = NRQS - 1

	// MinPri is the lowest schedulable priority.
	MinPri = 0

	// NoPri marks an empty queue or an unset priority.
	NoPri = -1

	// IdlePri is the priority of the per-processor idle thread.
	IdlePri = MinPri

	// DepressPri is the priority forced onto depressed threads.
	DepressPri = MinPri
)

// ───────────────────────────── Realtime Band ───────────────────────────────

const (
	// BasePriRealtime is the lowest priority a realtime thread may hold.
	BasePriRealtime = MaxPri - (NRQS / 4) + 1 // 96

	// BasePriRTQueues is the lowest priority served by the RT run queue.
	BasePriRTQueues = BasePriRealtime + 1 // 97

	// NRTQS is the number of RT run queue sub-queues (97..127).
	NRTQS = MaxPri - BasePriRTQueues + 1 // 31

	// MaxPriRealtime is the top of the realtime band.
	MaxPriRealtime = MaxPri
)

// ───────────────────────────── Kernel Band ─────────────────────────────────

const (
	MaxPriKernel       = BasePriRealtime - 1 // 95
	BasePriPreemptHigh = MaxPriKernel - 2    // 93
	BasePriPreempt     = MaxPriKernel - 3    // 92, urgent threshold
	BasePriVM          = BasePriPreempt - 1  // 91
	BasePriKernel      = MinPriKernel + 1    // 81
	MinPriKernel       = MaxPriKernel - (NRQS / 8) + 1 // 80

	// MaxPriPromote caps kernel promotions of non-realtime threads.
	MaxPriPromote = MaxPriKernel
)

// ───────────────────────────── Reserved & User Bands ───────────────────────

const (
	MaxPriReserved = MinPriKernel - 1             // 79
	MinPriReserved = MaxPriReserved - (NRQS/8) + 1 // 64

	MaxPriUser = MinPriReserved - 1 // 63
	MinPriUser = MinPri             // 0

	BasePriForeground    = BasePriDefault + 16 // 47
	BasePriBackground    = BasePriDefault + 15 // 46
	BasePriUserInitiated = BasePriDefault + 6  // 37
	BasePriDefault       = MaxPriUser - (NRQS / 4) // 31
	BasePriUtility       = 20
	MaxPriThrottle       = 4
)

// ───────────────────────────── Promotion Floors ────────────────────────────

const (
	// MinPriRWLock is the floor applied while a thread holds a contended rw lock.
	MinPriRWLock = BasePriBackground

	// MinPriWaitQ is the floor applied while a thread is promoted by a wait queue.
	MinPriWaitQ = BasePriDefault

	// MinPriExec is the floor applied during exec.
	MinPriExec = BasePriDefault

	// MinPriFloor is the floor applied by an explicit scheduler floor request.
	MinPriFloor = BasePriDefault
)

// ───────────────────────────── Decay Engine ────────────────────────────────

const (
	// SchedDecayTicks is the number of scheduler ticks after which usage is
	// considered fully decayed.
	SchedDecayTicks = 32

	// PriShiftNone is the sentinel pri_shift meaning "no decay applies".
	PriShiftNone = 127 // INT8_MAX

	// DefaultDecayBandLimit is the maximum decay applied to a timeshare thread
	// at or below the foreground band.
	DefaultDecayBandLimit = (BasePriForeground - BasePriDefault) + 2 // 18

	// DefaultDecayUsageAgeFactor is the multiplier applied to elapsed ticks
	// before aging usage.
	DefaultDecayUsageAgeFactor = 1

	// DefaultSMTSchedBonus16ths is the usage scaling applied to no-SMT threads.
	DefaultSMTSchedBonus16ths = 8
)

// ───────────────────────────── Time Defaults ───────────────────────────────

const (
	NsPerUs = 1000
	NsPerMs = 1000 * NsPerUs
	NsPerS  = 1000 * NsPerMs

	// DefaultPreemptionRate is the number of standard quanta per second.
	DefaultPreemptionRate = 100 // 10ms quantum

	// DefaultMinStdQuantumUs is the smallest remainder worth running on.
	DefaultMinStdQuantumUs = 250

	// DefaultMinRTQuantumUs and DefaultMaxRTQuantumMs bound RT computations.
	DefaultMinRTQuantumUs = 50
	DefaultMaxRTQuantumMs = 50

	// DefaultSchedTickIntervalMs is the maintenance tick period (about 8 Hz).
	DefaultSchedTickIntervalMs = 125

	// DefaultMaxUnsafeQuanta is the number of quanta a fixed or realtime
	// thread may run back to back before the fail-safe demotes it.
	DefaultMaxUnsafeQuanta = 100

	// DefaultSafeMultiplier scales the unsafe window into the penalty window.
	DefaultSafeMultiplier = 2

	// DefaultRTDeadlineEpsilonUs is the slack used when comparing deadlines.
	DefaultRTDeadlineEpsilonUs = 100

	// DefaultRTConstraintThresholdUs limits backup IPIs to tight constraints.
	DefaultRTConstraintThresholdUs = 5 * 1000

	// DefaultRTBackupProcessors is the number of extra processors signalled
	// for a realtime wakeup.
	DefaultRTBackupProcessors = 1

	// DefaultBackupCPUTimeoutCount bounds the avoided-core delay loop (each
	// iteration is 10µs).
	DefaultBackupCPUTimeoutCount = 5

	// BackupCPUDelayUs is the length of one avoided-core delay iteration.
	BackupCPUDelayUs = 10

	// DefaultStarvationThresholdMs is how long the maintenance thread may be
	// runnable without running before the recommendation failsafe triggers.
	DefaultStarvationThresholdMs = 2000

	// DefaultFailsafeDurationMs keeps the recommendation failsafe on at least
	// this long.
	DefaultFailsafeDurationMs = 1000
)

// ───────────────────────────── Topology Limits ─────────────────────────────

const (
	// MaxCPUs is the largest processor count representable by a cpumap.
	MaxCPUs = 64

	// MaxPsets bounds the number of processor sets.
	MaxPsets = 64
)

// ───────────────────────────── Sentinels ───────────────────────────────────

const (
	// RTDeadlineNone is the deadline reported by an empty RT queue.
	RTDeadlineNone = int64(^uint64(0) >> 1)

	// RTConstraintNone is the constraint reported by an empty RT queue.
	RTConstraintNone = int64(^uint32(0))

	// RTDeadlineQuantumExpired marks a realtime thread whose computation ran out.
	RTDeadlineQuantumExpired = RTDeadlineNone - 1

	// QuantumNone means no quantum timer is armed.
	QuantumNone = int64(0)
)
