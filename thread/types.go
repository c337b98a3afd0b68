// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: types.go — Thread state, scheduling modes, buckets & flags
//
// Purpose:
//   - Small enums and bitsets shared by every scheduler layer.
//
// Notes:
//   - State is a bitset: a thread may be WAIT|RUN while it is still on a
//     processor but has asserted a wait.
// ─────────────────────────────────────────────────────────────────────────────

package thread

import "strings"

// ───────────────────────────── Thread State ────────────────────────────────

// State is the run state bitset.
type State uint32

const (
	StateWait            State = 0x01 // queued for waiting
	StateSusp            State = 0x02 // stopped or requested to stop
	StateRun             State = 0x04 // running or on a run queue
	StateUninterruptible State = 0x08 // wait is not interruptible
	StateTerminate       State = 0x10 // halted at termination
	StateTerminate2      State = 0x20 // added to termination queue
	StateWaitReport      State = 0x40 // report block to platform
	StateIdle            State = 0x80 // idling processor
)

var stateNames = [...]string{"WAIT", "SUSP", "RUN", "UNINT", "TERM", "TERM2", "WREPORT", "IDLE"}

func (s State) String() string {
	if s == 0 {
		return "0"
	}
	var parts []string
	for i, n := range stateNames {
		if s&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// Runnable reports RUN without WAIT.
func (s State) Runnable() bool { return s&(StateRun|StateWait) == StateRun }

// ───────────────────────────── Scheduling Mode ─────────────────────────────

// Mode is the scheduling policy class.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeFixed
	ModeTimeshare
	ModeRealtime
)

func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeTimeshare:
		return "timeshare"
	case ModeRealtime:
		return "realtime"
	}
	return "none"
}

// ───────────────────────────── Run Buckets ─────────────────────────────────

// Bucket groups runnable threads for load accounting.
type Bucket uint8

const (
	BucketRun     Bucket = iota // every runnable thread
	BucketFixPri                // fixed and realtime
	BucketShareFG               // timeshare above default
	BucketShareDF               // timeshare default band
	BucketShareUT               // timeshare utility band
	BucketShareBG               // timeshare background band
	BucketCount
)

// TimeshareBuckets lists the buckets that carry a decay shift.
var TimeshareBuckets = [...]Bucket{BucketShareFG, BucketShareDF, BucketShareUT, BucketShareBG}

func (b Bucket) String() string {
	return [...]string{"run", "fixpri", "fg", "df", "ut", "bg"}[b]
}

// ───────────────────────────── Scheduler Flags ─────────────────────────────

// Flags are the per-thread scheduler flags, protected by the thread lock.
type Flags uint32

const (
	FlagFailsafe         Flags = 1 << iota // demoted by the fail-safe
	FlagThrottled                          // demoted by throttling
	FlagRTDisallowed                       // demoted because realtime is disallowed
	FlagFailsafeReported                   // fail-safe diagnostic already emitted
	FlagDepress                            // priority depressed
	FlagPollDepress                        // polled depression
	FlagRWPromoted                         // contended rw lock holder
	FlagWaitQPromoted                      // wait queue promotion
	FlagExecPromoted                       // exec promotion
	FlagFloorPromoted                      // explicit floor promotion
	FlagBasePriFrozen                      // base priority may not drop
	FlagEagerPreempt                       // preempt eagerly in favour of others
	FlagNoSMT                              // needs an exclusive core
	FlagSystemCritical                     // exempt from the fail-safe
	FlagKernel                             // kernel thread
	FlagWaitingForStack                    // parked on the stack queue
)

const (
	// DemotedMask covers every demotion reason.
	DemotedMask = FlagFailsafe | FlagThrottled | FlagRTDisallowed

	// PromotedMask covers every promotion reason.
	PromotedMask = FlagRWPromoted | FlagWaitQPromoted | FlagExecPromoted | FlagFloorPromoted

	// DepressedMask covers both depressions.
	DepressedMask = FlagDepress | FlagPollDepress
)

// ───────────────────────────── Wait Results ────────────────────────────────

// WaitResult is delivered to a thread when it resumes from a wait.
type WaitResult int8

const (
	WaitAwakened WaitResult = iota
	WaitTimedOut
	WaitInterrupted
	WaitRestart
	WaitNotWaiting WaitResult = -1
)

// ───────────────────────────── Continuations ───────────────────────────────

// Continuation is a resume point that discards the blocked stack.
type Continuation func(param any, wr WaitResult)

// ───────────────────────────── AST Bits ────────────────────────────────────

// AST is an asynchronous system trap reason bitset.
type AST uint32

const (
	ASTNone      AST = 0
	ASTPreempt   AST = 0x01
	ASTQuantum   AST = 0x02
	ASTUrgent    AST = 0x04
	ASTHandoff   AST = 0x08
	ASTYield     AST = 0x10
	ASTRebalance AST = 0x20
	ASTLedger    AST = 0x40

	// ASTScheduling is the subset that asks for a reschedule.
	ASTScheduling = ASTPreempt | ASTQuantum | ASTUrgent
)

// ───────────────────────────── Enqueue Options ─────────────────────────────

// Options tune run queue insertion and preemption.
type Options uint32

const (
	OptNone      Options = 0x0
	OptTailQ     Options = 0x1 // insert at the tail of its priority
	OptHeadQ     Options = 0x2 // insert at the head of its priority
	OptPreempt   Options = 0x4 // the caller wants a preemption check
	OptRebalance Options = 0x8 // inserted by a rebalance
)
