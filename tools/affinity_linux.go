//go:build linux

package tools

import (
	"fmt"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"
)

// startPinned starts cmd with its CPU affinity restricted to core. The
// child inherits the affinity of the thread that forks it, so the calling
// thread is pinned for the duration of Start and restored afterwards.
func startPinned(cmd *exec.Cmd, core int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var previous unix.CPUSet
	if err := unix.SchedGetaffinity(0, &previous); err != nil {
		return fmt.Errorf("failed to read CPU affinity: %w", err)
	}

	var set unix.CPUSet
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed to pin to CPU %d: %w", core, err)
	}
	defer func() { _ = unix.SchedSetaffinity(0, &previous) }()

	return cmd.Start()
}
