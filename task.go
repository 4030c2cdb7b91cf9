package rtcore

import (
	"context"
	"sync/atomic"
)

// Policy selects how peers of equal priority are scheduled.
type Policy int

const (
	// PolicyFIFO runs a task until it blocks, yields, or is preempted by a
	// higher-priority task; no automatic rotation among equal peers.
	PolicyFIFO Policy = iota
	// PolicyRR additionally rotates among equal-priority peers every
	// RRQuantum of uninterrupted running time.
	PolicyRR
)

// StateBit is one bit of Task.state (spec.md §3 "state bits").
type StateBit uint32

const (
	StateSuspended StateBit = 1 << iota
	StateDelayed
	StateBlocked
	StateUsesFPU
	StatePeriodic
	StateDormant
	StateDeleted
)

// link is an intrusive doubly-linked-list node expressed as stable arena
// indices rather than pointers (spec.md §9 "Pointer graphs").
type link struct {
	prev, next Index
}

// blockKind discriminates which arena a Task's blockedOn index refers to.
// Arena indices are per-arena, so a raw Index alone cannot tell a counting
// semaphore's slot 3 from a barrier's slot 3 — code that needs to dereference
// blockedOn (priority-inheritance chain walks) must check this first.
type blockKind int8

const (
	blockKindNone blockKind = iota
	blockKindCountingSem
	blockKindResourceSem
	blockKindBarrier
	blockKindCondVar
	blockKindRWLock
)

// HostPriority is the priority value reserved for the permanent host-OS
// task on every CPU: the numeric maximum, so it always sorts last
// (spec.md glossary "Priority value").
const HostPriority = 1<<31 - 1

// Task is one schedulable entity: a real-time task or, at HostPriority, the
// permanent per-CPU host-OS stand-in. Fields mirror spec.md §3 exactly;
// the three intrusive list links (ready, timed, blocked) are {prev, next}
// index pairs into the owning Scheduler's task arena rather than pointers,
// per spec.md §9.
//
// Grounded on the teacher's task record (eventloop/internal/alternatetwo),
// adapted from a pooled/ephemeral goroutine closure into a persistent,
// explicitly-lifecycled record addressed by arena Handle.
type Task struct {
	self       Index
	selfHandle Handle
	name       string

	basePriority int
	effPriority  int
	policy       Policy
	rrQuantumNs  int64
	rrDeadline   int64 // tick at which the current RR slice expires

	state atomic.Uint32

	resumeTime int64 // absolute ticks
	period     int64 // ticks; 0 = aperiodic

	suspendDepth int32 // negative == pending delete (deferredDeleteDepth == deferred-delete flag)
	affinity     uint64
	cpu          int

	readyLink   link
	timedLink   link
	blockedLink link

	// blockedOn identifies the resource-family object (semaphore, mutex,
	// barrier, condvar, rwlock) this task is currently blocked on, for
	// DESTROYED/INTERRUPTED routing and priority-inheritance chain walks.
	// Zero (invalidIndex) when not blocked. blockedOnKind discriminates
	// which arena blockedOn indexes, since arena indices are not unique
	// across object families.
	blockedOn     Index
	blockedOnKind blockKind

	// waitQueue is the specific primitive's waiter list t.blockedLink is
	// currently threaded into, if any. Kept generically on Task (rather
	// than only inside whichever semaphore/barrier/condvar/rwlock object
	// owns the queue) so the scheduler's own timed-queue-driven timeout
	// path can detach a timed-out waiter without needing to know which
	// concrete primitive type it is blocked on.
	waitQueue *taskQueue

	// owns lists resource-kind semaphores this task currently holds
	// (spec.md §3 "a list of resources it currently owns").
	owns []Index

	// priorityDonor is the resource (if any) currently responsible for
	// this task's priority boost above basePriority — the spec's "back-
	// pointer to whichever resource propagated priority to it". Consulted
	// when that specific resource is unlocked, so the owner's priority is
	// only recomputed when the boost's actual source goes away.
	priorityDonor Index

	overrunCount atomic.Uint64
	execTime     *latencyTracker

	trapHandler    func(err error)
	signalHandlers map[int]func()

	entry   func(ctx context.Context, arg any)
	arg     any
	wake    chan wakeResult
	started bool
}

// wakeResult is delivered to a blocked task's goroutine to resume it with
// either success or one of the spec's distinguished blocking-wait error
// kinds (KindTimeout, KindInterrupted, KindDestroyed).
type wakeResult struct {
	err error
}

func newTask(h Handle, name string, priority int, policy Policy, affinity uint64) *Task {
	t := &Task{
		self:         h.Index(),
		selfHandle:   h,
		name:         name,
		basePriority: priority,
		effPriority:  priority,
		policy:       policy,
		affinity:     affinity,
		priorityDonor: invalidIndex,
		blockedOn:    invalidIndex,
		execTime:     newLatencyTracker(),
		wake:         make(chan wakeResult, 1),
	}
	t.state.Store(uint32(StateDormant))
	t.readyLink = link{prev: invalidIndex, next: invalidIndex}
	t.timedLink = link{prev: invalidIndex, next: invalidIndex}
	t.blockedLink = link{prev: invalidIndex, next: invalidIndex}
	return t
}

func (t *Task) hasState(bit StateBit) bool {
	return t.state.Load()&uint32(bit) != 0
}

func (t *Task) setState(bit StateBit) {
	for {
		old := t.state.Load()
		if !t.state.CompareAndSwap(old, old|uint32(bit)) {
			continue
		}
		return
	}
}

func (t *Task) clearState(bit StateBit) {
	for {
		old := t.state.Load()
		if !t.state.CompareAndSwap(old, old&^uint32(bit)) {
			continue
		}
		return
	}
}

// isRunnable reports whether t belongs on its CPU's ready queue: no
// blocking bit set and not suspended (spec.md §8 invariant 1).
func (t *Task) isRunnable() bool {
	const blockingMask = uint32(StateSuspended | StateDelayed | StateBlocked | StateDormant | StateDeleted)
	return t.state.Load()&blockingMask == 0 && t.suspendDepth <= 0
}

// OverrunCount returns the number of missed periodic release points
// observed so far (SPEC_FULL.md supplemented feature: overrun accounting
// detail). Safe to call without the scheduler lock.
func (t *Task) OverrunCount() uint64 { return t.overrunCount.Load() }

// removeIndex returns slice with the first occurrence of v removed.
func removeIndex(slice []Index, v Index) []Index {
	for i, x := range slice {
		if x == v {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}

// recomputeEffectivePriority applies spec.md §3's invariant 4: effective
// priority is the minimum of base priority and the effective priorities of
// every task blocked on a resource this task owns. minWaiterPriority and
// hasWaiter are supplied by the caller (Scheduler), which alone knows every
// resource's waiter set.
func (t *Task) recomputeEffectivePriority(minWaiterPriority int, hasWaiter bool) int {
	if !hasWaiter || minWaiterPriority >= t.basePriority {
		return t.basePriority
	}
	return minWaiterPriority
}
