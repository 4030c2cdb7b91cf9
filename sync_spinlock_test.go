package rtcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinLockLockUnlockExcludesOtherOwner(t *testing.T) {
	s := newTestScheduler(t)
	slH, err := s.CreateSpinLock("SL1")
	require.NoError(t, err)
	taskA, _ := s.CreateTask(CreateTaskOptions{Name: "A", Priority: 5, Entry: func(context.Context, any) {}})
	taskB, _ := s.CreateTask(CreateTaskOptions{Name: "B", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.SpinLockLock(taskA, slH))
	assert.ErrorIs(t, s.SpinLockTryLock(taskB, slH), ErrWouldBlock)
	require.NoError(t, s.SpinLockUnlock(taskA, slH))
	require.NoError(t, s.SpinLockTryLock(taskB, slH))
	require.NoError(t, s.SpinLockUnlock(taskB, slH))
}

func TestSpinLockRecursiveLockByOwner(t *testing.T) {
	s := newTestScheduler(t)
	slH, err := s.CreateSpinLock("SL2")
	require.NoError(t, err)
	taskH, _ := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.SpinLockLock(taskH, slH))
	require.NoError(t, s.SpinLockLock(taskH, slH)) // same owner: recurses, never spins
	require.NoError(t, s.SpinLockUnlock(taskH, slH))
	// still held at depth 1: another owner must not acquire yet.
	assert.ErrorIs(t, s.SpinLockTryLock(mustTask(t, s, "OTHER"), slH), ErrWouldBlock)
	require.NoError(t, s.SpinLockUnlock(taskH, slH))
}

func mustTask(t *testing.T, s *Scheduler, name string) Handle {
	t.Helper()
	h, err := s.CreateTask(CreateTaskOptions{Name: name, Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, err)
	return h
}

func TestSpinLockLockBlocksGoroutineUntilUnlock(t *testing.T) {
	s := newTestScheduler(t)
	slH, err := s.CreateSpinLock("SL3")
	require.NoError(t, err)
	owner, _ := s.CreateTask(CreateTaskOptions{Name: "OWNER", Priority: 5, Entry: func(context.Context, any) {}})
	waiter, _ := s.CreateTask(CreateTaskOptions{Name: "WAITER", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.SpinLockLock(owner, slH))

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, s.SpinLockLock(waiter, slH))
		close(acquired)
		require.NoError(t, s.SpinLockUnlock(waiter, slH))
	}()

	select {
	case <-acquired:
		t.Fatal("spinner must not acquire while owner holds the lock")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, s.SpinLockUnlock(owner, slH))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("spinner never acquired after release")
	}
	wg.Wait()
}

func TestSpinLockDeleteRefusesWhileHeld(t *testing.T) {
	s := newTestScheduler(t)
	slH, err := s.CreateSpinLock("SL4")
	require.NoError(t, err)
	taskH, _ := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.SpinLockLock(taskH, slH))
	assert.Error(t, s.SpinLockDelete(slH))
	require.NoError(t, s.SpinLockUnlock(taskH, slH))
	assert.NoError(t, s.SpinLockDelete(slH))
}
