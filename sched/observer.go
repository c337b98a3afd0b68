package sched

import (
	"schedcore/machine"
	"schedcore/thread"
)

// Observer receives scheduler events for metrics. Calls happen on hot
// paths, sometimes with locks held; implementations must not block.
type Observer interface {
	ContextSwitch(cpu int)
	Preemption(cpu int)
	QuantumExpired(cpu int)
	IPI(cpu int, kind machine.IPIType, event string)
	Steal(cpu int, realtime bool)
	FailsafeDemotion(mode thread.Mode)
	RecommendedCores(n int)
	RecommendFailsafe(active bool)
	RunnableThreads(b thread.Bucket, n int64)
}

type nopObserver struct{}

func (nopObserver) ContextSwitch(int) {}
func (nopObserver) Preemption(int) {}
func (nopObserver) QuantumExpired(int) {}
func (nopObserver) IPI(int, machine.IPIType, string) {}
func (nopObserver) Steal(int, bool) {}
func (nopObserver) FailsafeDemotion(thread.Mode) {}
func (nopObserver) RecommendedCores(int) {}
func (nopObserver) RecommendFailsafe(bool) {}
func (nopObserver) RunnableThreads(thread.Bucket, int64) {}

type nopLedger struct{}

func (nopLedger) Bill(*thread.Thread, int64) {}
