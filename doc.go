// Package rtcore implements the dual subsystem at the heart of a hard
// real-time co-kernel: a priority-ordered interrupt pipeline and a
// preemptive, priority-driven task scheduler that runs alongside a host
// operating system's own scheduler.
//
// # Architecture
//
// Five components cooperate, built leaves-first:
//
//   - [Clock] (timebase.go): converts between wall-clock nanoseconds and CPU
//     timestamp-counter ticks, and arms the next timer shot. It has no
//     conversion to or from programmable-timer counts; the calibrated timer
//     frequency appears only in the calibration report.
//   - [Pipeline] (pipeline.go): a priority-ordered chain of [Domain] values
//     that every simulated hardware IRQ flows through, synchronously, before
//     a host domain ever sees it.
//   - [Task] and the ready/timed queues (task.go, queues.go): the task
//     record and the two intrusive, arena-indexed lists that hold it.
//   - [Scheduler] (scheduler.go): picks the highest-priority runnable task,
//     arms the next timer shot, and multiplexes periodic ticks, task
//     wake-ups, and host-OS tick recovery through a single programmable
//     timer.
//   - The synchronization primitives (sync_*.go): counting/binary/resource
//     semaphores, a barrier, a condition variable, a reader-writer lock, and
//     a recursive spinlock, all built on the task model and scheduler.
//
// # Hosted simulation
//
// This module cannot reach real hardware from portable Go: there is no
// APIC, no IDT, no CR0/TS register. It implements the same data model and
// algorithms as a library a host program drives through [HostHooks] — the
// four integration points spec.md's external-interfaces section names
// (install a domain, propagate an IRQ, allocate/free a virtual IRQ, pin the
// host's CPU affinity). A real integration replaces a hardware interrupt
// line with a call into [Pipeline.Dispatch]; everything downstream —
// dispatch ordering, priority inheritance, timer multiplexing — is exactly
// what spec.md describes.
//
// # Concurrency model
//
// Each CPU the scheduler manages has its own ready and timed queues and a
// goroutine for its permanent host task; tasks are represented by
// goroutines parked on channels the scheduler releases in priority order.
// Scheduling decisions run synchronously under Scheduler.mu, on whichever
// goroutine made the call or fired the timer that triggered them. This
// reproduces the
// single-active-task-per-CPU semantics of the original design without
// requiring kernel-level preemption.
package rtcore
