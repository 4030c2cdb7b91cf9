package rtcore

// Barrier holds count_target peers until they have all arrived, then
// releases everyone at once and resets for the next cycle (spec.md §4.E
// "wait_barrier"). The first count_target-1 arrivals block; the last
// arrival wakes them all and returns without blocking.
type Barrier struct {
	total   int
	arrived int
	waiters *taskQueue
}

// CreateBarrier allocates a cyclic barrier for n participants.
func (s *Scheduler) CreateBarrier(name string, n int) (Handle, error) {
	if n <= 0 {
		return Handle{}, newErr("create_barrier", KindInvalidArg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.barriers.Alloc()
	if !ok {
		return Handle{}, newErr("create_barrier", KindNoResource)
	}
	b := s.barriers.byIndex(h.Index())
	b.total = n
	b.arrived = 0
	b.waiters = newTaskQueue(s.tasks, blockedLinkOf)
	if name != "" {
		if err := s.registry.Bind(name, "barrier", h.Index()); err != nil {
			s.barriers.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// BarrierWait blocks taskH until total peers have called BarrierWait on
// barH. The peer whose arrival completes the set wakes every other waiter
// and returns immediately itself (spec.md §4.E).
func (s *Scheduler) BarrierWait(taskH, barH Handle) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(taskH)
	if !ok {
		s.mu.Unlock()
		return newErr("wait_barrier", KindInvalidArg)
	}
	b, ok := s.barriers.Get(barH)
	if !ok {
		s.mu.Unlock()
		return newErr("wait_barrier", KindInvalidArg)
	}
	b.arrived++
	if b.arrived < b.total {
		s.blockSelfLocked(t, b.waiters, (*taskQueue).InsertTail, barH.Index(), blockKindBarrier, 0, false)
		s.mu.Unlock()
		res := <-t.wake
		return res.err
	}
	b.arrived = 0
	for {
		head := b.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), nil)
	}
	s.mu.Unlock()
	return nil
}

// BarrierDelete destroys barH, waking every blocked waiter with
// ErrDestroyed (spec.md §4.C "Lifecycle").
func (s *Scheduler) BarrierDelete(barH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.barriers.Get(barH)
	if !ok {
		return newErr("barrier_delete", KindInvalidArg)
	}
	for {
		head := b.waiters.Head()
		if head == invalidIndex {
			break
		}
		s.wakeLocked(s.tasks.byIndex(head), ErrDestroyed)
	}
	s.registry.UnbindIdx("barrier", barH.Index())
	s.barriers.Free(barH)
	return nil
}
