// affinity_other.go - no-op pinning where sched_setaffinity(2) is unavailable

//go:build !linux

package ipi

import "runtime"

// setAffinity is a no-op; runners still lock their OS thread.
func setAffinity(int) error { return nil }

// HostCPUs reports every logical CPU.
func HostCPUs() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}
