package rtcore

import "time"

// CondVar is a condition variable used together with a ResourceSem mutex
// (spec.md §4.E "wait(cv, mtx)"): CondWait atomically releases mtx and
// blocks, restoring the caller's original recursion depth on reacquire.
type CondVar struct {
	waiters *taskQueue
}

// CreateCondVar allocates a condition variable.
func (s *Scheduler) CreateCondVar(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.condvars.Alloc()
	if !ok {
		return Handle{}, newErr("create_condvar", KindNoResource)
	}
	cv := s.condvars.byIndex(h.Index())
	cv.waiters = newTaskQueue(s.tasks, blockedLinkOf)
	if name != "" {
		if err := s.registry.Bind(name, "condvar", h.Index()); err != nil {
			s.condvars.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// condReleaseMutexLocked fully releases mtx on behalf of t (regardless of
// its recursion depth, which the caller has already saved), transferring
// ownership directly to the head waiter if any — the same direct-handoff
// rule ResUnlock uses.
func (s *Scheduler) condReleaseMutexLocked(t *Task, mtxH Handle, mtx *ResourceSem) {
	t.owns = removeIndex(t.owns, mtxH.Index())
	if t.priorityDonor == mtxH.Index() {
		t.priorityDonor = invalidIndex
	}
	s.recomputeEffectivePriorityLocked(t)
	if t.isRunnable() {
		cpu := s.cpuOf(t)
		cpu.ready.Remove(t.self)
		cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	}

	if head := mtx.waiters.Head(); head != invalidIndex {
		nt := s.tasks.byIndex(head)
		s.detachWaiterLocked(nt)
		if nt.hasState(StateDelayed) {
			s.cpuOf(nt).timed.Remove(nt.self)
			nt.clearState(StateDelayed)
		}
		mtx.owner = nt.self
		mtx.recursionDepth = 1
		nt.owns = append(nt.owns, mtxH.Index())
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
		mtx.owner = invalidIndex
		mtx.recursionDepth = 0
	}
	s.releaseResourceLocked(t)
}

// CondWait atomically releases mtxH (which taskH must currently hold) and
// blocks taskH on cvH, reacquiring mtxH at its prior recursion depth before
// returning — including when the wait ends via CondVar destruction or an
// explicit Unblock (spec.md §4.E).
func (s *Scheduler) CondWait(taskH, cvH, mtxH Handle) error {
	return s.condWait(taskH, cvH, mtxH, false, 0)
}

// CondTimedWait is CondWait with a relative timeout.
func (s *Scheduler) CondTimedWait(taskH, cvH, mtxH Handle, d time.Duration) error {
	s.mu.Lock()
	deadline := s.clock.Now() + s.clock.NsToTicksLocked(int64(d))
	s.mu.Unlock()
	return s.condWait(taskH, cvH, mtxH, true, deadline)
}

// CondWaitUntil is CondWait with an absolute tick deadline.
func (s *Scheduler) CondWaitUntil(taskH, cvH, mtxH Handle, absTicks int64) error {
	return s.condWait(taskH, cvH, mtxH, true, absTicks)
}

func (s *Scheduler) condWait(taskH, cvH, mtxH Handle, hasDeadline bool, deadlineTicks int64) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("cond_wait", KindInvalidArg)
	}
	cv, ok := s.condvars.Get(cvH)
	if !ok {
		s.mu.Unlock()
		return newErr("cond_wait", KindInvalidArg)
	}
	mtx, ok := s.resSems.Get(mtxH)
	if !ok {
		s.mu.Unlock()
		return newErr("cond_wait", KindInvalidArg)
	}
	if mtx.owner != t.self {
		s.mu.Unlock()
		return newErr("cond_wait", KindBusy)
	}
	savedDepth := mtx.recursionDepth
	s.condReleaseMutexLocked(t, mtxH, mtx)
	s.blockSelfLocked(t, cv.waiters, (*taskQueue).InsertTail, cvH.Index(), blockKindCondVar, deadlineTicks, hasDeadline)
	s.mu.Unlock()

	res := <-t.wake

	if lockErr := s.resLock(taskH, mtxH, false, 0); lockErr == nil {
		s.mu.Lock()
		if mtx2, ok := s.resSems.Get(mtxH); ok && mtx2.owner == t.self {
			mtx2.recursionDepth = savedDepth
		}
		s.mu.Unlock()
	}
	return res.err
}

// CondSignal wakes one blocked waiter, if any (spec.md §4.E "signal").
func (s *Scheduler) CondSignal(cvH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.condvars.Get(cvH)
	if !ok {
		return newErr("cond_signal", KindInvalidArg)
	}
	if head := cv.waiters.Head(); head != invalidIndex {
		s.wakeLocked(s.tasks.byIndex(head), nil)
	}
	return nil
}

// CondBroadcast wakes every blocked waiter (spec.md §4.E "broadcast").
func (s *Scheduler) CondBroadcast(cvH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.condvars.Get(cvH)
	if !ok {
		return newErr("cond_broadcast", KindInvalidArg)
	}
	for {
		head := cv.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), nil)
	}
	return nil
}

// CondDelete destroys cvH, waking every blocked waiter with ErrDestroyed.
// Each waiter still attempts to reacquire its mutex before CondWait
// returns, per the normal CondWait contract.
func (s *Scheduler) CondDelete(cvH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.condvars.Get(cvH)
	if !ok {
		return newErr("cond_delete", KindInvalidArg)
	}
	for {
		head := cv.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	s.registry.UnbindIdx("condvar", cvH.Index())
	s.condvars.Free(cvH)
	return nil
}
