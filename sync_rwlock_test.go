package rtcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRWLockMultipleReadersConcurrent(t *testing.T) {
	s := newTestScheduler(t)
	rwH, err := s.CreateRWLock("RW1")
	require.NoError(t, err)

	taskA, _ := s.CreateTask(CreateTaskOptions{Name: "A", Priority: 5, Entry: func(context.Context, any) {}})
	taskB, _ := s.CreateTask(CreateTaskOptions{Name: "B", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.RLock(taskA, rwH))
	require.NoError(t, s.RLock(taskB, rwH))

	s.mu.Lock()
	rw, ok := s.rwlocks.Get(rwH)
	require.True(t, ok)
	assert.Equal(t, 2, rw.readerCount)
	s.mu.Unlock()

	require.NoError(t, s.RUnlock(taskA, rwH))
	require.NoError(t, s.RUnlock(taskB, rwH))
}

func TestRWLockWriterExcludesReaders(t *testing.T) {
	s := newTestScheduler(t)
	rwH, err := s.CreateRWLock("RW2")
	require.NoError(t, err)

	writerH, _ := s.CreateTask(CreateTaskOptions{Name: "W", Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, s.WLock(writerH, rwH))

	readDone := make(chan error, 1)
	var readerH Handle
	readerH, _ = s.CreateTask(CreateTaskOptions{
		Name:     "R",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { readDone <- s.RLock(readerH, rwH) },
	})
	require.NoError(t, s.Start(readerH, nil))

	select {
	case <-readDone:
		t.Fatal("reader must not acquire while writer holds rwlock")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, s.WUnlock(writerH, rwH))
	select {
	case err := <-readDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader never acquired after writer released")
	}
}

func TestRWLockWriterPreferenceBlocksNewReaders(t *testing.T) {
	s := newTestScheduler(t)
	rwH, err := s.CreateRWLock("RW3")
	require.NoError(t, err)

	firstReader, _ := s.CreateTask(CreateTaskOptions{Name: "R1", Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, s.RLock(firstReader, rwH))

	writeDone := make(chan error, 1)
	var writerH Handle
	writerH, _ = s.CreateTask(CreateTaskOptions{
		Name:     "W",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { writeDone <- s.WLock(writerH, rwH) },
	})
	require.NoError(t, s.Start(writerH, nil))
	time.Sleep(20 * time.Millisecond) // let the writer queue up behind the active reader

	secondReadDone := make(chan error, 1)
	var secondReader Handle
	secondReader, _ = s.CreateTask(CreateTaskOptions{
		Name:     "R2",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { secondReadDone <- s.RLock(secondReader, rwH) },
	})
	require.NoError(t, s.Start(secondReader, nil))

	select {
	case <-secondReadDone:
		t.Fatal("a new reader must queue behind a waiting writer")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, s.RUnlock(firstReader, rwH))
	select {
	case err := <-writeDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer never acquired once the active reader released")
	}

	require.NoError(t, s.WUnlock(writerH, rwH))
	select {
	case err := <-secondReadDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second reader never acquired after writer released")
	}
}

func TestWLockRecursiveReentryReturnsBusy(t *testing.T) {
	s := newTestScheduler(t)
	rwH, err := s.CreateRWLock("RW4")
	require.NoError(t, err)
	taskH, _ := s.CreateTask(CreateTaskOptions{Name: "T", Priority: 5, Entry: func(context.Context, any) {}})

	require.NoError(t, s.WLock(taskH, rwH))
	assert.ErrorIs(t, s.WLock(taskH, rwH), ErrBusy)
	require.NoError(t, s.WUnlock(taskH, rwH))
}

func TestRWLockDeleteWakesWaitersWithDestroyed(t *testing.T) {
	s := newTestScheduler(t)
	rwH, err := s.CreateRWLock("RW5")
	require.NoError(t, err)

	writerH, _ := s.CreateTask(CreateTaskOptions{Name: "W", Priority: 5, Entry: func(context.Context, any) {}})
	require.NoError(t, s.WLock(writerH, rwH))

	blocked := make(chan error, 1)
	var waiterH Handle
	waiterH, _ = s.CreateTask(CreateTaskOptions{
		Name:     "WAITER",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { blocked <- s.WLock(waiterH, rwH) },
	})
	require.NoError(t, s.Start(waiterH, nil))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.RWLockDelete(rwH))
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke on delete")
	}
}
