// affinity_linux.go - pin the calling OS thread via sched_setaffinity(2)

//go:build linux

package ipi

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// setAffinity pins the current OS thread to cpu.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "pin to host cpu %d", cpu)
	}
	return nil
}

// HostCPUs returns the host CPUs the process may run on.
func HostCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "read process affinity")
	}
	cpus := make([]int, 0, set.Count())
	for i := 0; i < len(set)*64 && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
