package rtcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingSemSignalWait(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("SEM1", 0, 4, false, QueueFIFO)
	require.NoError(t, err)

	taskH, err := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SemTryWait(taskH, semH), ErrWouldBlock)

	require.NoError(t, s.SemSignal(semH))
	require.NoError(t, s.SemTryWait(taskH, semH))
}

func TestCountingSemBinaryClampsToOne(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("BIN1", 0, 10, true, QueueFIFO)
	require.NoError(t, err)

	require.NoError(t, s.SemSignal(semH))
	require.NoError(t, s.SemSignal(semH))

	taskH, _ := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, s.SemTryWait(taskH, semH))
	assert.ErrorIs(t, s.SemTryWait(taskH, semH), ErrWouldBlock, "binary semaphore count must clamp to 1")
}

func TestSemWaitBlocksUntilSignal(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("SEM2", 0, 1, false, QueueFIFO)
	require.NoError(t, err)

	done := make(chan error, 1)
	var h Handle
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "WAITER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			done <- s.SemWait(h, semH)
		},
	})
	require.NoError(t, s.Start(h, nil))

	select {
	case <-done:
		t.Fatal("SemWait returned before signal")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.SemSignal(semH))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SemWait never unblocked")
	}
}

func TestSemTimedWaitTimesOut(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("SEM3", 0, 1, false, QueueFIFO)
	require.NoError(t, err)

	done := make(chan error, 1)
	var h Handle
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "WAITER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			done <- s.SemTimedWait(h, semH, 20*time.Millisecond)
		},
	})
	require.NoError(t, s.Start(h, nil))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("SemTimedWait never timed out")
	}
}

func TestSemDeleteWakesWaitersWithDestroyed(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("SEM4", 0, 1, false, QueueFIFO)
	require.NoError(t, err)

	done := make(chan error, 1)
	var h Handle
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "WAITER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			done <- s.SemWait(h, semH)
		},
	})
	require.NoError(t, s.Start(h, nil))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.SemDelete(semH))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke on delete")
	}
}

func TestResLockRecursiveNeverBlocks(t *testing.T) {
	s := newTestScheduler(t)
	resH, err := s.CreateResourceSem("MTX", QueueFIFO)
	require.NoError(t, err)
	taskH, _ := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.ResLock(taskH, resH))
	require.NoError(t, s.ResLock(taskH, resH)) // recursion, same owner: must not block
	require.NoError(t, s.ResUnlock(taskH, resH))
	require.NoError(t, s.ResUnlock(taskH, resH))
	assert.ErrorIs(t, s.ResUnlock(taskH, resH), ErrBusy)
}

func TestResLockPriorityInheritance(t *testing.T) {
	s := newTestScheduler(t)
	resH, err := s.CreateResourceSem("MTX2", QueuePriority)
	require.NoError(t, err)

	lowAcquired := make(chan struct{})
	release := make(chan struct{})
	var low Handle
	lowExit := make(chan struct{})
	defer close(lowExit)
	low, _ = s.CreateTask(CreateTaskOptions{
		Name:     "LOW",
		Priority: 20,
		Entry: func(ctx context.Context, arg any) {
			require.NoError(t, s.ResLock(low, resH))
			close(lowAcquired)
			<-release
			require.NoError(t, s.ResUnlock(low, resH))
			// stay alive: the run trampoline deletes a task whose entry has
			// returned, and LOW's record is read below.
			<-lowExit
		},
	})
	require.NoError(t, s.Start(low, nil))
	<-lowAcquired

	highBlocked := make(chan error, 1)
	var high Handle
	high, _ = s.CreateTask(CreateTaskOptions{
		Name:     "HIGH",
		Priority: 1,
		Entry: func(ctx context.Context, arg any) {
			highBlocked <- s.ResLock(high, resH)
		},
	})
	require.NoError(t, s.Start(high, nil))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		lowTask, _ := s.tasks.Get(low)
		return lowTask.effPriority == 1
	}, time.Second, time.Millisecond, "low-priority owner must inherit high's priority")

	close(release)
	select {
	case err := <-highBlocked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("high-priority waiter never acquired resource")
	}

	s.mu.Lock()
	lowTask, _ := s.tasks.Get(low)
	assert.Equal(t, 20, lowTask.effPriority, "priority must restore once the boost source is released")
	s.mu.Unlock()
}
