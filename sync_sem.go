package rtcore

import "time"

// QueueType selects how a blocked-task queue orders its waiters (spec.md
// §3 "Resource semaphore": "queue type (FIFO or priority)"). The counting
// and resource semaphores in this file accept one; the barrier, condition
// variable and reader-writer lock queue waiters without one.
type QueueType int

const (
	// QueueFIFO wakes waiters in arrival order.
	QueueFIFO QueueType = iota
	// QueuePriority wakes the highest-effective-priority waiter first.
	QueuePriority
)

// CountingSem is a counting or binary semaphore (spec.md §4.E). Binary
// semaphores are counting semaphores whose count is clamped to {0, 1}.
type CountingSem struct {
	count     int
	maxCount  int
	binary    bool
	queueType QueueType
	waiters   *taskQueue
}

func (sem *CountingSem) effectiveMax() int {
	if sem.binary {
		return 1
	}
	return sem.maxCount
}

func (sem *CountingSem) insert(q *taskQueue, idx Index, s *Scheduler) {
	if sem.queueType == QueuePriority {
		q.InsertOrdered(idx, func(i Index) int64 { return int64(s.tasks.byIndex(i).effPriority) })
	} else {
		q.InsertTail(idx)
	}
}

// CreateSemaphore allocates a counting or binary semaphore.
func (s *Scheduler) CreateSemaphore(name string, initial, maxCount int, binary bool, queueType QueueType) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.counting.Alloc()
	if !ok {
		return Handle{}, newErr("create_semaphore", KindNoResource)
	}
	sem := s.counting.byIndex(h.Index())
	sem.count = initial
	sem.maxCount = maxCount
	sem.binary = binary
	if binary && initial > 1 {
		sem.count = 1
	}
	sem.queueType = queueType
	sem.waiters = newTaskQueue(s.tasks, blockedLinkOf)
	if name != "" {
		if err := s.registry.Bind(name, "counting_sem", h.Index()); err != nil {
			s.counting.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// SemSignal increments the semaphore, or wakes the highest-priority (or
// longest-waiting, per queue type) blocked waiter if any (spec.md §4.E
// "signal").
func (s *Scheduler) SemSignal(semH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.counting.Get(semH)
	if !ok {
		return newErr("sem_signal", KindInvalidArg)
	}
	if head := sem.waiters.Head(); head != invalidIndex {
		s.wakeLocked(s.tasks.byIndex(head), nil)
		return nil
	}
	if max := sem.effectiveMax(); max > 0 && sem.count >= max {
		return nil
	}
	sem.count++
	return nil
}

// SemWait blocks taskH until the semaphore is signaled, or returns
// immediately if it is already positive (spec.md §4.E "wait").
func (s *Scheduler) SemWait(taskH, semH Handle) error {
	return s.semWait(taskH, semH, false, 0)
}

// SemTimedWait is SemWait with a relative timeout.
func (s *Scheduler) SemTimedWait(taskH, semH Handle, d time.Duration) error {
	s.mu.Lock()
	deadline := s.clock.Now() + s.clock.NsToTicksLocked(int64(d))
	s.mu.Unlock()
	return s.semWait(taskH, semH, true, deadline)
}

// SemWaitUntil is SemWait with an absolute tick deadline.
func (s *Scheduler) SemWaitUntil(taskH, semH Handle, absTicks int64) error {
	return s.semWait(taskH, semH, true, absTicks)
}

func (s *Scheduler) semWait(taskH, semH Handle, hasDeadline bool, deadlineTicks int64) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("sem_wait", KindInvalidArg)
	}
	sem, ok := s.counting.Get(semH)
	if !ok {
		s.mu.Unlock()
		return newErr("sem_wait", KindInvalidArg)
	}
	if sem.count > 0 {
		sem.count--
		s.mu.Unlock()
		return nil
	}
	s.blockSelfLocked(t, sem.waiters, func(q *taskQueue, idx Index) { sem.insert(q, idx, s) }, semH.Index(), blockKindCountingSem, deadlineTicks, hasDeadline)
	s.mu.Unlock()

	res := <-t.wake
	return res.err
}

// SemTryWait is the non-blocking form: ErrWouldBlock if the semaphore has
// no count available (spec.md §7 KindWouldBlock).
func (s *Scheduler) SemTryWait(taskH, semH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.counting.Get(semH)
	if !ok {
		return newErr("sem_try_wait", KindInvalidArg)
	}
	if sem.count > 0 {
		sem.count--
		return nil
	}
	return ErrWouldBlock
}

// SemDelete destroys the semaphore, waking every blocked waiter with
// ErrDestroyed before returning (spec.md §4.C "Lifecycle").
func (s *Scheduler) SemDelete(semH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.counting.Get(semH)
	if !ok {
		return newErr("sem_delete", KindInvalidArg)
	}
	for {
		head := sem.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	s.registry.UnbindIdx("counting_sem", semH.Index())
	s.counting.Free(semH)
	return nil
}

// ResourceSem is a binary semaphore with single ownership, recursive
// locking, and priority inheritance (spec.md §3 "Resource semaphore",
// §4.C "Priority inheritance").
type ResourceSem struct {
	owner          Index // invalidIndex when unowned
	recursionDepth int
	queueType      QueueType
	waiters        *taskQueue
}

func (r *ResourceSem) insert(q *taskQueue, idx Index, s *Scheduler) {
	if r.queueType == QueuePriority {
		q.InsertOrdered(idx, func(i Index) int64 { return int64(s.tasks.byIndex(i).effPriority) })
	} else {
		q.InsertTail(idx)
	}
}

// highestWaiterPriority returns the minimum (i.e. most urgent) effective
// priority among r's waiters, for Scheduler.recomputeEffectivePriorityLocked
// (spec.md §3 invariant 4).
func (r *ResourceSem) highestWaiterPriority(s *Scheduler) (int, bool) {
	if r.waiters == nil || r.waiters.Empty() {
		return 0, false
	}
	best := 0
	first := true
	r.waiters.Each(func(idx Index) {
		p := s.tasks.byIndex(idx).effPriority
		if first || p < best {
			best = p
			first = false
		}
	})
	return best, true
}

// CreateResourceSem allocates a resource semaphore (mutex with priority
// inheritance).
func (s *Scheduler) CreateResourceSem(name string, queueType QueueType) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.resSems.Alloc()
	if !ok {
		return Handle{}, newErr("create_resource_sem", KindNoResource)
	}
	r := s.resSems.byIndex(h.Index())
	r.owner = invalidIndex
	r.queueType = queueType
	r.waiters = newTaskQueue(s.tasks, blockedLinkOf)
	if name != "" {
		if err := s.registry.Bind(name, "resource_sem", h.Index()); err != nil {
			s.resSems.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// ResLock acquires resH for taskH, blocking indefinitely if it is held by
// another task.
func (s *Scheduler) ResLock(taskH, resH Handle) error {
	return s.resLock(taskH, resH, false, 0)
}

// ResTimedLock is ResLock with a relative timeout.
func (s *Scheduler) ResTimedLock(taskH, resH Handle, d time.Duration) error {
	s.mu.Lock()
	deadline := s.clock.Now() + s.clock.NsToTicksLocked(int64(d))
	s.mu.Unlock()
	return s.resLock(taskH, resH, true, deadline)
}

// ResLockUntil is ResLock with an absolute tick deadline.
func (s *Scheduler) ResLockUntil(taskH, resH Handle, absTicks int64) error {
	return s.resLock(taskH, resH, true, absTicks)
}

func (s *Scheduler) resLock(taskH, resH Handle, hasDeadline bool, deadlineTicks int64) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("res_lock", KindInvalidArg)
	}
	r, ok := s.resSems.Get(resH)
	if !ok {
		s.mu.Unlock()
		return newErr("res_lock", KindInvalidArg)
	}
	if r.owner == invalidIndex {
		r.owner = t.self
		r.recursionDepth = 1
		t.owns = append(t.owns, resH.Index())
		s.mu.Unlock()
		return nil
	}
	if r.owner == t.self {
		// spec.md §8 boundary: "Resource sem wait by current owner
		// succeeds with incremented recursion depth, never blocks."
		r.recursionDepth++
		s.mu.Unlock()
		return nil
	}
	owner := s.tasks.byIndex(r.owner)
	s.blockSelfLocked(t, r.waiters, func(q *taskQueue, idx Index) { r.insert(q, idx, s) }, resH.Index(), blockKindResourceSem, deadlineTicks, hasDeadline)
	s.propagatePriorityLocked(owner, resH.Index())
	s.mu.Unlock()

	res := <-t.wake
	return res.err
}

// ResTryLock is the non-blocking form.
func (s *Scheduler) ResTryLock(taskH, resH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		return newErr("res_try_lock", KindInvalidArg)
	}
	r, ok := s.resSems.Get(resH)
	if !ok {
		return newErr("res_try_lock", KindInvalidArg)
	}
	if r.owner == invalidIndex {
		r.owner = t.self
		r.recursionDepth = 1
		t.owns = append(t.owns, resH.Index())
		return nil
	}
	if r.owner == t.self {
		r.recursionDepth++
		return nil
	}
	return ErrWouldBlock
}

// ResUnlock releases one recursion level of resH; at depth zero, ownership
// transfers directly to the head waiter (if any: the highest-priority one
// for QueuePriority, the longest-waiting one for QueueFIFO) and the
// releasing task's effective priority is recomputed — restoring it to its
// pre-lock value once no resource it still owns has a waiter (spec.md §8
// round-trip law).
func (s *Scheduler) ResUnlock(taskH, resH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		return newErr("res_unlock", KindInvalidArg)
	}
	r, ok := s.resSems.Get(resH)
	if !ok {
		return newErr("res_unlock", KindInvalidArg)
	}
	if r.owner != t.self {
		return newErr("res_unlock", KindBusy)
	}
	r.recursionDepth--
	if r.recursionDepth > 0 {
		return nil
	}

	t.owns = removeIndex(t.owns, resH.Index())
	if t.priorityDonor == resH.Index() {
		t.priorityDonor = invalidIndex
	}
	s.recomputeEffectivePriorityLocked(t)
	if t.isRunnable() {
		cpu := s.cpuOf(t)
		cpu.ready.Remove(t.self)
		cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	}

	if head := r.waiters.Head(); head != invalidIndex {
		nt := s.tasks.byIndex(head)
		s.detachWaiterLocked(nt)
		if nt.hasState(StateDelayed) {
			s.cpuOf(nt).timed.Remove(nt.self)
			nt.clearState(StateDelayed)
		}
		r.owner = nt.self
		r.recursionDepth = 1
		nt.owns = append(nt.owns, resH.Index())
		cpu2 := s.cpuOf(nt)
		if nt.suspendDepth <= 0 && !nt.hasState(StateDeleted) {
			cpu2.ready.InsertOrdered(nt.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		}
		s.scheduleDecisionLocked(cpu2)
		select {
		case nt.wake <- wakeResult{}:
		default:
		}
	} else {
		r.owner = invalidIndex
		r.recursionDepth = 0
	}

	s.releaseResourceLocked(t)
	s.scheduleDecisionLocked(s.cpuOf(t))
	return nil
}

// ResDelete destroys the resource semaphore, waking every blocked waiter
// with ErrDestroyed (spec.md §4.C "Lifecycle").
func (s *Scheduler) ResDelete(resH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resSems.Get(resH)
	if !ok {
		return newErr("res_delete", KindInvalidArg)
	}
	for {
		head := r.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	if r.owner != invalidIndex {
		ot := s.tasks.byIndex(r.owner)
		ot.owns = removeIndex(ot.owns, resH.Index())
		if ot.priorityDonor == resH.Index() {
			ot.priorityDonor = invalidIndex
		}
		s.recomputeEffectivePriorityLocked(ot)
		s.releaseResourceLocked(ot)
	}
	s.registry.UnbindIdx("resource_sem", resH.Index())
	s.resSems.Free(resH)
	return nil
}

// propagatePriorityLocked applies spec.md §4.C's priority-inheritance
// propagation: if blocking on viaResource raises its owner's effective
// priority, the owner's priorityDonor is updated and, if the owner is
// itself blocked on a further resource, the boost is walked transitively
// up the ownership chain (spec.md §9's "cyclic graph" of owners/waiters,
// resolved as stable arena indices rather than pointers).
func (s *Scheduler) propagatePriorityLocked(owner *Task, viaResource Index) {
	before := owner.effPriority
	s.recomputeEffectivePriorityLocked(owner)
	if owner.effPriority == before {
		return
	}
	owner.priorityDonor = viaResource
	if owner.isRunnable() {
		cpu := s.cpuOf(owner)
		cpu.ready.Remove(owner.self)
		cpu.ready.InsertOrdered(owner.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		s.scheduleDecisionLocked(cpu)
		return
	}
	if owner.hasState(StateBlocked) && owner.waitQueue != nil && owner.blockedOn != invalidIndex {
		owner.waitQueue.Remove(owner.self)
		owner.waitQueue.InsertOrdered(owner.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		// owner.blockedOn is only a resource-sem arena index when
		// blockedOnKind says so: owner may instead be blocked on a
		// counting sem, barrier, condvar, or rwlock, whose arenas are
		// indexed independently and must not be dereferenced here.
		if owner.blockedOnKind == blockKindResourceSem {
			next := s.resSems.byIndex(owner.blockedOn)
			if next.owner != invalidIndex {
				s.propagatePriorityLocked(s.tasks.byIndex(next.owner), owner.blockedOn)
			}
		}
	}
}
