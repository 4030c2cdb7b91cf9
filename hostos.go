package rtcore

// HostHooks is the four-function contract spec.md §6 requires of the host
// OS: install the real-time domain ahead of the host's own, hand IRQs back
// to the host, allocate/free software-only IRQ numbers, and pin the host
// to a CPU subset during init/teardown.
//
// A real co-kernel implements these against a kernel's actual interrupt
// controller and scheduler. This module never touches hardware directly —
// it is a hosted simulation (see doc.go) — so HostHooks is the seam a host
// integration plugs into; NoopHostHooks below is a usable default for
// tests and for hosting scenarios where the "host OS" is simply another
// set of goroutines.
type HostHooks interface {
	// InstallDomain registers the real-time domain ahead of the host's
	// own handler for irq, at the given pipeline priority. stageFlag is
	// the per-CPU stage-disable flag address the host's own cli/sti must
	// be redirected to (spec.md §4.B "Why this shape").
	InstallDomain(priority int, handler func(irq int), stageFlag *StageFlag) error
	// PropagateIRQ hands irq to the host domain's own ISR.
	PropagateIRQ(irq int)
	// AllocVIRQ allocates a software-only IRQ number for cross-domain
	// wake-ups.
	AllocVIRQ() (int, error)
	// FreeVIRQ releases a number returned by AllocVIRQ.
	FreeVIRQ(v int)
	// SetRootAffinity pins the host task to the CPUs set in mask.
	SetRootAffinity(mask uint64) error
}

// NoopHostHooks is a HostHooks implementation that performs no real
// installation, for use when the module drives its own simulated host
// domain end-to-end (the default in tests and in Scheduler.NewScheduler
// when no HostHooks is supplied).
type NoopHostHooks struct{}

func (NoopHostHooks) InstallDomain(int, func(int), *StageFlag) error { return nil }
func (NoopHostHooks) PropagateIRQ(int)                               {}
func (NoopHostHooks) AllocVIRQ() (int, error)                        { return 0, nil }
func (NoopHostHooks) FreeVIRQ(int)                                   {}
func (NoopHostHooks) SetRootAffinity(uint64) error                   { return nil }
