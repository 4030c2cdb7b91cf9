package rtcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityCal makes ticks equal nanoseconds, so tests can reason in
// wall-clock time without worrying about the scaled conversion.
var identityCal = Calibration{CPUFreqHz: 1_000_000_000, TimerFreqHz: 1_000_000_000}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(identityCal, NoopHostHooks{}, opts...)
	require.NoError(t, err)
	return s
}

func TestSchedulerTaskLifecycleRunsAndSelfDeletes(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	var h Handle
	var err error
	h, err = s.CreateTask(CreateTaskOptions{
		Name:     "WORKER",
		Priority: 5,
		Policy:   PolicyFIFO,
		Entry: func(ctx context.Context, arg any) {
			close(done)
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(h, nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task entry never ran")
	}

	// the run-to-completion trampoline deletes the task after entry returns.
	require.Eventually(t, func() bool {
		_, ok := s.tasks.Get(h)
		return !ok
	}, time.Second, time.Millisecond)

	info, ok := s.registry.Lookup("WORKER")
	assert.False(t, ok, "name must be unbound on self-delete")
	_ = info
}

func TestSchedulerSleepBlocksForApproximatelyRequestedDuration(t *testing.T) {
	s := newTestScheduler(t)
	var gotErr error
	var h Handle
	done := make(chan struct{})
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "SLEEPER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			gotErr = s.Sleep(h, 30*time.Millisecond)
			close(done)
		},
	})
	start := time.Now()
	require.NoError(t, s.Start(h, nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never woke")
	}
	assert.NoError(t, gotErr)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestSchedulerDeleteIsDeferredWhileTaskOwnsResource(t *testing.T) {
	s := newTestScheduler(t)
	resH, err := s.CreateResourceSem("MTX1", QueueFIFO)
	require.NoError(t, err)

	unblock := make(chan struct{})
	acquired := make(chan struct{})
	var h Handle
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "OWNER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			require.NoError(t, s.ResLock(h, resH))
			close(acquired)
			<-unblock
			require.NoError(t, s.ResUnlock(h, resH))
		},
	})
	require.NoError(t, s.Start(h, nil))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner never acquired resource")
	}

	require.NoError(t, s.Delete(h))
	// still alive: deletion deferred until resource released.
	_, ok := s.tasks.Get(h)
	assert.True(t, ok)

	close(unblock)
	require.Eventually(t, func() bool {
		_, ok := s.tasks.Get(h)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestSchedulerWaitPeriodOverrun(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "PERIODIC",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) {},
	})
	require.NoError(t, err)

	s.mu.Lock()
	task, ok := s.tasks.Get(h)
	require.True(t, ok)
	task.clearState(StateDormant)
	task.period = int64(time.Millisecond)
	task.resumeTime = s.clock.Now() - int64(50*time.Millisecond)
	s.mu.Unlock()

	err = s.WaitPeriod(h)
	assert.ErrorIs(t, err, ErrOverrun)

	overruns := task.OverrunCount()
	assert.Greater(t, overruns, uint64(0))
}

func TestSchedulerSuspendResumePreventsRunningAgain(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "SUSPENDABLE",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	require.NoError(t, s.Suspend(h))
	s.mu.Lock()
	task, _ := s.tasks.Get(h)
	assert.True(t, task.hasState(StateSuspended))
	assert.False(t, task.isRunnable())
	s.mu.Unlock()

	require.NoError(t, s.Resume(h))
	s.mu.Lock()
	assert.False(t, task.hasState(StateSuspended))
	s.mu.Unlock()
}

func TestSchedulerSetPriorityUpdatesEffectivePriority(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "PRIO",
		Priority: 10,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	require.NoError(t, s.SetPriority(h, 3))
	s.mu.Lock()
	task, _ := s.tasks.Get(h)
	assert.Equal(t, 3, task.basePriority)
	assert.Equal(t, 3, task.effPriority)
	s.mu.Unlock()
}

func TestSchedulerSetResumeTimeQuirkReturnsTimeoutWithoutResort(t *testing.T) {
	s := newTestScheduler(t)
	h1, _ := s.CreateTask(CreateTaskOptions{Name: "A", Priority: 1, Entry: func(context.Context, any) {}})
	h2, _ := s.CreateTask(CreateTaskOptions{Name: "B", Priority: 1, Entry: func(context.Context, any) {}})

	s.mu.Lock()
	t1, _ := s.tasks.Get(h1)
	t2, _ := s.tasks.Get(h2)
	t1.clearState(StateDormant)
	t2.clearState(StateDormant)
	cpu := s.cpuOf(t1)
	t1.resumeTime = s.clock.Now() + int64(10*time.Millisecond)
	t1.setState(StateDelayed)
	cpu.timed.InsertOrdered(t1.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	t2.resumeTime = s.clock.Now() + int64(20*time.Millisecond)
	t2.setState(StateDelayed)
	cpu.timed.InsertOrdered(t2.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	s.mu.Unlock()

	s.mu.Lock()
	originalResume := t1.resumeTime
	s.mu.Unlock()

	// new time for t1 does not extend past t2's resume_time: quirk applies.
	err := s.SetResumeTime(h1, s.clock.Now()+int64(15*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)

	s.mu.Lock()
	assert.Equal(t, originalResume, t1.resumeTime, "resume_time must be left untouched")
	s.mu.Unlock()
}

func TestSchedulerSetPolicyArmsRRQuantum(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "RRTASK",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	s.mu.Lock()
	task, _ := s.tasks.Get(h)
	assert.Equal(t, PolicyFIFO, task.policy)
	assert.Zero(t, task.rrQuantumNs)
	s.mu.Unlock()

	require.NoError(t, s.SetPolicy(h, PolicyRR, 10*time.Millisecond))
	s.mu.Lock()
	assert.Equal(t, PolicyRR, task.policy)
	assert.Equal(t, int64(10*time.Millisecond), task.rrQuantumNs)
	assert.NotZero(t, task.rrDeadline)
	s.mu.Unlock()

	assert.ErrorIs(t, s.SetPolicy(h, PolicyRR, 0), ErrInvalidArg)
}

func TestSchedulerUseFPUTogglesStateBit(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "FPUTASK",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	require.NoError(t, s.UseFPU(h, true))
	s.mu.Lock()
	task, _ := s.tasks.Get(h)
	assert.True(t, task.hasState(StateUsesFPU))
	s.mu.Unlock()

	require.NoError(t, s.UseFPU(h, false))
	s.mu.Lock()
	assert.False(t, task.hasState(StateUsesFPU))
	s.mu.Unlock()
}

func TestSchedulerSignalInvokesRegisteredHandler(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "SIGNALED",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	fired := make(chan struct{}, 1)
	require.NoError(t, s.SetSignalHandler(h, 7, func() { fired <- struct{}{} }))
	require.NoError(t, s.Signal(h, 7))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("signal handler never ran")
	}

	assert.ErrorIs(t, s.Signal(h, 8), ErrInvalidArg)
}

func TestSchedulerTrapInvokesRegisteredHandler(t *testing.T) {
	s := newTestScheduler(t)
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "TRAPPED",
		Priority: 5,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	var gotErr error
	fired := make(chan struct{}, 1)
	require.NoError(t, s.SetTrapHandler(h, func(err error) { gotErr = err; fired <- struct{}{} }))
	sentinel := newErr("boom", KindInvalidArg)
	require.NoError(t, s.Trap(h, sentinel))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("trap handler never ran")
	}
	assert.Equal(t, sentinel, gotErr)
}

func TestSchedulerUnblockInterruptsBlockedSemWait(t *testing.T) {
	s := newTestScheduler(t)
	semH, err := s.CreateSemaphore("S1", 0, 1, false, QueueFIFO)
	require.NoError(t, err)

	var waitErr error
	blocked := make(chan struct{})
	done := make(chan struct{})
	var h Handle
	h, _ = s.CreateTask(CreateTaskOptions{
		Name:     "BLOCKER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			close(blocked)
			waitErr = s.SemWait(h, semH)
			close(done)
		},
	})
	require.NoError(t, s.Start(h, nil))
	<-blocked
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		task, _ := s.tasks.Get(h)
		return task.hasState(StateBlocked)
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Unblock(h))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked task never woke")
	}
	assert.ErrorIs(t, waitErr, ErrInterrupted)
}

func TestSchedulerSetAffinityMigratesRunningTask(t *testing.T) {
	s := newTestScheduler(t, WithCPUCount(2))
	h, err := s.CreateTask(CreateTaskOptions{
		Name:     "MIGRATED",
		Priority: 5,
		CPU:      0,
		Affinity: 0b11,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(h, nil))

	require.NoError(t, s.SetAffinity(h, 0b10))
	s.mu.Lock()
	task, _ := s.tasks.Get(h)
	assert.Equal(t, 1, task.cpu)
	s.mu.Unlock()

	assert.ErrorIs(t, s.SetAffinity(h, 0), ErrInvalidArg)
}

func TestSchedulerWatchdogTripForceDeletesOffenderAndBoostsWatchdog(t *testing.T) {
	s := newTestScheduler(t)
	p := NewPipeline(1, time.Millisecond)
	rt := p.InstallDomain("rt", 0)

	offenderDeleted := make(chan struct{})
	var offender Handle
	offender, _ = s.CreateTask(CreateTaskOptions{
		Name:     "OFFENDER",
		Priority: 5,
		Entry: func(ctx context.Context, arg any) {
			<-offenderDeleted
		},
	})
	require.NoError(t, s.Start(offender, nil))

	watchdog, err := s.CreateTask(CreateTaskOptions{
		Name:     "WATCHDOG",
		Priority: 20,
		Entry:    func(ctx context.Context, arg any) { <-make(chan struct{}) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(watchdog, nil))

	s.RegisterWatchdogTask(p, watchdog)
	require.NoError(t, p.VirtualizeIRQFrom(rt, 1, func(ctx *DispatchContext) {
		s.mu.Lock()
		cpu := s.cpuOf(func() *Task { tk, _ := s.tasks.Get(offender); return tk }())
		cpu.current = offender.Index()
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}, nil, ModeDiscard, nil))

	p.Dispatch(0, 1)

	require.Eventually(t, func() bool {
		_, ok := s.tasks.Get(offender)
		return !ok
	}, time.Second, time.Millisecond)
	close(offenderDeleted)

	s.mu.Lock()
	wt, _ := s.tasks.Get(watchdog)
	assert.Equal(t, 0, wt.basePriority)
	s.mu.Unlock()
}
