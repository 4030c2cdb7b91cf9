package rtcore

// RWLock is a reader/writer lock with writer preference: once a writer is
// waiting, new readers queue behind it rather than joining active readers,
// so a steady stream of readers cannot starve a writer (spec.md §4.E
// "rwlock"). Recursive writer re-entry by the current owner is an error —
// unlike ResourceSem, an rwlock is not reentrant.
//
// Simplification: spec.md §4.E qualifies writer preference to waiters "of
// at least the blocked reader's priority" — a low-priority writer should
// not hold off a higher-priority reader. This module blocks a new reader
// whenever ANY writer is waiting, regardless of relative priority (see
// DESIGN.md).
type RWLock struct {
	writerOwner   Index // invalidIndex when no writer holds it
	readerCount   int
	readerWaiters *taskQueue
	writerWaiters *taskQueue
}

// CreateRWLock allocates a reader/writer lock.
func (s *Scheduler) CreateRWLock(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rwlocks.Alloc()
	if !ok {
		return Handle{}, newErr("create_rwlock", KindNoResource)
	}
	rw := s.rwlocks.byIndex(h.Index())
	rw.writerOwner = invalidIndex
	rw.readerCount = 0
	rw.readerWaiters = newTaskQueue(s.tasks, blockedLinkOf)
	rw.writerWaiters = newTaskQueue(s.tasks, blockedLinkOf)
	if name != "" {
		if err := s.registry.Bind(name, "rwlock", h.Index()); err != nil {
			s.rwlocks.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// RLock acquires rwH for reading, blocking if a writer currently holds it
// or any writer is already waiting (writer preference).
func (s *Scheduler) RLock(taskH, rwH Handle) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("rlock", KindInvalidArg)
	}
	rw, ok := s.rwlocks.Get(rwH)
	if !ok {
		s.mu.Unlock()
		return newErr("rlock", KindInvalidArg)
	}
	if rw.writerOwner == invalidIndex && rw.writerWaiters.Empty() {
		rw.readerCount++
		s.mu.Unlock()
		return nil
	}
	s.blockSelfLocked(t, rw.readerWaiters, (*taskQueue).InsertTail, rwH.Index(), blockKindRWLock, 0, false)
	s.mu.Unlock()
	res := <-t.wake
	if res.err == nil {
		s.mu.Lock()
		rw2, ok := s.rwlocks.Get(rwH)
		if ok {
			rw2.readerCount++
		}
		s.mu.Unlock()
	}
	return res.err
}

// RUnlock releases one reader's hold on rwH. When the last reader leaves
// and a writer is waiting, that writer is granted ownership.
func (s *Scheduler) RUnlock(taskH, rwH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rw, ok := s.rwlocks.Get(rwH)
	if !ok {
		return newErr("runlock", KindInvalidArg)
	}
	if rw.readerCount == 0 {
		return newErr("runlock", KindBusy)
	}
	rw.readerCount--
	if rw.readerCount == 0 {
		if head := rw.writerWaiters.Head(); head != invalidIndex {
			rw.writerOwner = head
			s.wakeLocked(s.tasks.byIndex(head), nil)
		}
	}
	return nil
}

// WLock acquires rwH exclusively, blocking if any reader holds it, a
// writer holds it, or other writers are already waiting. Recursive
// re-entry by the current writer returns ErrBusy rather than blocking
// forever (spec.md §4.E "recursive writer re-entry is an error").
func (s *Scheduler) WLock(taskH, rwH Handle) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("wlock", KindInvalidArg)
	}
	rw, ok := s.rwlocks.Get(rwH)
	if !ok {
		s.mu.Unlock()
		return newErr("wlock", KindInvalidArg)
	}
	if rw.writerOwner == t.self {
		s.mu.Unlock()
		return ErrBusy
	}
	if rw.writerOwner == invalidIndex && rw.readerCount == 0 {
		rw.writerOwner = t.self
		s.mu.Unlock()
		return nil
	}
	s.blockSelfLocked(t, rw.writerWaiters, (*taskQueue).InsertTail, rwH.Index(), blockKindRWLock, 0, false)
	s.mu.Unlock()
	res := <-t.wake
	return res.err
}

// WUnlock releases exclusive ownership of rwH. A waiting writer (if any)
// takes over first; otherwise every waiting reader is released at once.
func (s *Scheduler) WUnlock(taskH, rwH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		return newErr("wunlock", KindInvalidArg)
	}
	rw, ok := s.rwlocks.Get(rwH)
	if !ok {
		return newErr("wunlock", KindInvalidArg)
	}
	if rw.writerOwner != t.self {
		return newErr("wunlock", KindBusy)
	}
	rw.writerOwner = invalidIndex
	if head := rw.writerWaiters.Head(); head != invalidIndex {
		rw.writerOwner = head
		s.wakeLocked(s.tasks.byIndex(head), nil)
		return nil
	}
	for {
		head := rw.readerWaiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), nil)
	}
	return nil
}

// RWLockDelete destroys rwH, waking every blocked reader and writer with
// ErrDestroyed.
func (s *Scheduler) RWLockDelete(rwH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rw, ok := s.rwlocks.Get(rwH)
	if !ok {
		return newErr("rwlock_delete", KindInvalidArg)
	}
	for {
		head := rw.writerWaiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	for {
		head := rw.readerWaiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	s.registry.UnbindIdx("rwlock", rwH.Index())
	s.rwlocks.Free(rwH)
	return nil
}
