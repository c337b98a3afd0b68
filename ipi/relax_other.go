// relax_other.go - spin-wait hint fallback

//go:build !amd64 || !cgo

package ipi

import "runtime"

// cpuRelax yields the goroutine when no PAUSE instruction is reachable.
func cpuRelax() { runtime.Gosched() }
