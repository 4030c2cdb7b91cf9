//go:build linux

package rtcore

import "golang.org/x/sys/unix"

// LinuxHostHooks is a HostHooks implementation for hosting this module as a
// real set of OS threads rather than a purely simulated domain: IRQ
// installation and propagation still run through the in-process pipeline
// (spec.md never asks a hosted simulation to touch a real interrupt
// controller, see doc.go), but SetRootAffinity pins the calling OS thread
// for real, the same way a co-kernel would pin its root domain away from
// the host's scheduler.
type LinuxHostHooks struct {
	NoopHostHooks
}

// SetRootAffinity pins the calling OS thread to the CPUs set in mask (bit i
// selects CPU i). Callers that need this to stick must have already called
// runtime.LockOSThread, since Go may otherwise migrate the goroutine to an
// unaffined thread before the syscall takes effect.
func (LinuxHostHooks) SetRootAffinity(mask uint64) error {
	var set unix.CPUSet
	for cpu := 0; cpu < 64; cpu++ {
		if mask&(1<<uint(cpu)) != 0 {
			set.Set(cpu)
		}
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logf(LevelWarn, "hostos", 0, "SetRootAffinity failed", map[string]any{"mask": mask, "error": err})
		return err
	}
	return nil
}
