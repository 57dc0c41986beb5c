// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU affinity for the calling OS thread. Callers must hold the thread with
// runtime.LockOSThread, otherwise the Go scheduler may move the goroutine
// off the pinned thread.

package affinity

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without thread affinity.
var ErrUnsupported = errors.New("affinity: not supported on this platform")

// MaxCPU bounds the CPU ids accepted by SetAffinity.
const MaxCPU = 1024

// SetAffinity pins the calling OS thread to the logical CPU cpuID.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= MaxCPU {
		return fmt.Errorf("affinity: cpu %d out of range [0,%d)", cpuID, MaxCPU)
	}
	return setAffinityPlatform(cpuID)
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	return currentPlatform()
}
