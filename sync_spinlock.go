package rtcore

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a recursive spinlock acquired via atomic compare-and-swap on
// an owner field rather than the scheduler's blocking-queue machinery
// (spec.md §4.E "spinlock": "implemented via atomic compare-exchange on the
// owner pointer; callers busy-wait rather than block, since a spinlock's
// whole purpose is to guard a critical section too short to justify a
// context switch"). Lock/Unlock take Scheduler.mu only briefly to validate
// their handles; the spin itself never holds it.
type SpinLock struct {
	owner atomic.Uint32 // holds a Task Index + 1; 0 means unlocked
	depth int32         // recursion depth, mutated only while held
}

// CreateSpinLock allocates a spinlock.
func (s *Scheduler) CreateSpinLock(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.spinlocks.Alloc()
	if !ok {
		return Handle{}, newErr("create_spinlock", KindNoResource)
	}
	if name != "" {
		if err := s.registry.Bind(name, "spinlock", h.Index()); err != nil {
			s.spinlocks.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

// SpinLockLock spins until taskH owns sl, incrementing the recursion depth
// if taskH already owns it.
func (s *Scheduler) SpinLockLock(taskH, slH Handle) error {
	s.mu.Lock()
	_, ok := s.tasks.Get(taskH)
	sl, slOK := s.spinlocks.Get(slH)
	s.mu.Unlock()
	if !ok || !slOK {
		return newErr("spinlock_lock", KindInvalidArg)
	}
	want := uint32(taskH.Index()) + 1
	for {
		if sl.owner.CompareAndSwap(0, want) {
			sl.depth = 1
			return nil
		}
		if sl.owner.Load() == want {
			sl.depth++
			return nil
		}
		runtime.Gosched()
	}
}

// SpinLockTryLock is the non-blocking form: ErrWouldBlock if another task
// holds sl.
func (s *Scheduler) SpinLockTryLock(taskH, slH Handle) error {
	s.mu.Lock()
	_, ok := s.tasks.Get(taskH)
	sl, slOK := s.spinlocks.Get(slH)
	s.mu.Unlock()
	if !ok || !slOK {
		return newErr("spinlock_try_lock", KindInvalidArg)
	}
	want := uint32(taskH.Index()) + 1
	if sl.owner.CompareAndSwap(0, want) {
		sl.depth = 1
		return nil
	}
	if sl.owner.Load() == want {
		sl.depth++
		return nil
	}
	return ErrWouldBlock
}

// SpinLockUnlock releases one recursion level of sl. At depth zero the
// owner field clears, making sl available to the next spinner.
func (s *Scheduler) SpinLockUnlock(taskH, slH Handle) error {
	s.mu.Lock()
	sl, slOK := s.spinlocks.Get(slH)
	s.mu.Unlock()
	if !slOK {
		return newErr("spinlock_unlock", KindInvalidArg)
	}
	want := uint32(taskH.Index()) + 1
	if sl.owner.Load() != want {
		return newErr("spinlock_unlock", KindBusy)
	}
	sl.depth--
	if sl.depth == 0 {
		sl.owner.Store(0)
	}
	return nil
}

// SpinLockDelete frees slH. Deleting a held spinlock is the caller's
// responsibility to avoid; any spinner still spinning on it will spin
// forever against a freed slot, so SpinLockDelete refuses while held.
func (s *Scheduler) SpinLockDelete(slH Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.spinlocks.Get(slH)
	if !ok {
		return newErr("spinlock_delete", KindInvalidArg)
	}
	if sl.owner.Load() != 0 {
		return newErr("spinlock_delete", KindBusy)
	}
	s.registry.UnbindIdx("spinlock", slH.Index())
	s.spinlocks.Free(slH)
	return nil
}
