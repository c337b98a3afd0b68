// relax_amd64.go - spin-wait hint for x86-64

//go:build amd64 && cgo

package ipi

/*
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// cpuRelax issues PAUSE to ease the sibling hyperthread during spin waits.
func cpuRelax() {
	C.cpu_pause()
}
