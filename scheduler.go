package rtcore

import (
	"context"
	"sync"
	"time"
)

// cpuState holds the per-CPU globals spec.md §9 describes: current task,
// local tick/linux time, and that CPU's ready and timed queues.
type cpuState struct {
	id int

	ready *taskQueue
	timed *taskQueue

	current  Index
	hostTask Index

	tickTime  int64 // last observed tick
	intrTime  int64 // last programmed absolute deadline
	linuxTime int64 // next-due host-OS tick

	hostTickPeriod int64
	inRealTime     bool
	shotFired      bool
}

// Scheduler is Component D: the priority-preemptive scheduling core built
// on the Component C task/queue model. One Scheduler owns every CPU's
// state; cross-CPU operations serialize on the same mutex rather than a
// real IPI, which is the hosted-simulation stand-in for spec.md §5's
// "cross-CPU operations take a scheduler IPI" (see doc.go).
//
// Concurrency model: since this module cannot preempt arbitrary running
// Go code the way a real co-kernel preempts machine instructions, each
// task's user code runs in its own goroutine and the priority ordering
// this type enforces applies exactly at spec.md §5's enumerated
// suspension points (sleep, wait, suspend, wait_period, yield, blocking
// sync primitives, delete(self)). Between those points a task's goroutine
// simply runs as a normal concurrent Go goroutine; the scheduler's queue
// bookkeeping, priority inheritance, and timing invariants (spec.md §8)
// are all enforced precisely regardless, since they are evaluated at
// every suspension point, not continuously.
type Scheduler struct {
	mu sync.Mutex

	cfg      config
	clock    *Clock
	tasks     *arena[Task]
	resSems   *arena[ResourceSem]
	counting  *arena[CountingSem]
	barriers  *arena[Barrier]
	condvars  *arena[CondVar]
	rwlocks   *arena[RWLock]
	spinlocks *arena[SpinLock]
	registry  *Registry
	hooks    HostHooks
	cpus     []*cpuState

	fatal func(reason string, err error)
}

// NewScheduler constructs a Scheduler and its permanent per-CPU host
// tasks, per spec.md §3 "The host-OS task exists exactly once per CPU and
// is never destroyed."
func NewScheduler(cal Calibration, hooks HostHooks, opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if hooks == nil {
		hooks = NoopHostHooks{}
	}
	dev := NewTimerDevice()
	clock := NewClock(cal, dev)
	if cfg.oneShot {
		clock.SetMode(ModeOneShot, 0)
	} else {
		clock.SetMode(ModePeriodic, clock.NsToTicks(cfg.periodicTickNs))
	}

	s := &Scheduler{
		cfg:       cfg,
		clock:     clock,
		tasks:     newArena[Task](cfg.maxTasks),
		resSems:   newArena[ResourceSem](cfg.maxSemaphores),
		counting:  newArena[CountingSem](cfg.maxSemaphores),
		barriers:  newArena[Barrier](cfg.maxSemaphores),
		condvars:  newArena[CondVar](cfg.maxSemaphores),
		rwlocks:   newArena[RWLock](cfg.maxSemaphores),
		spinlocks: newArena[SpinLock](cfg.maxSemaphores),
		registry:  NewRegistry(cfg.maxNames),
		hooks:     hooks,
	}

	for id := 0; id < cfg.cpuCount; id++ {
		cpu := &cpuState{
			id:             id,
			hostTickPeriod: clock.NsToTicks(cfg.periodicTickNs),
		}
		cpu.ready = newTaskQueue(s.tasks, readyLinkOf)
		cpu.timed = newTaskQueue(s.tasks, timedLinkOf)

		h, ok := s.tasks.Alloc()
		if !ok {
			return nil, newErr("new_scheduler", KindNoResource)
		}
		host := newTask(h, "HOST", HostPriority, PolicyFIFO, 1<<uint(id))
		*s.tasks.byIndex(h.Index()) = *host
		hostTask := s.tasks.byIndex(h.Index())
		hostTask.cpu = id
		hostTask.clearState(StateDormant)
		cpu.hostTask = h.Index()
		cpu.current = h.Index()
		s.cpus = append(s.cpus, cpu)

		go s.runHost(cpu)
	}
	return s, nil
}

// SetFatalHandler installs the callback invoked when the scheduler
// detects one of the two conditions spec.md §7 treats as fatal: ready-
// queue corruption caught by the anticipation check, or a trap inside the
// scheduler itself. Either escalates to "freeze real-time, drop the CPU
// back to the host" — represented here as invoking fn and halting further
// scheduling decisions on the affected CPU.
func (s *Scheduler) SetFatalHandler(fn func(reason string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = fn
}

// RegisterWatchdogTask wires p's watchdog trips (SPEC_FULL.md supplemented
// feature: watchdog force-kill/boost) to this scheduler: a tripped domain
// handler's CPU is used to identify "the offending task" — whatever task
// is current on that CPU when the trip is reported, other than the host
// task — which is force-deleted under the usual deletion rules, while
// watchdogH (if valid) is boosted to priority 0 so it runs next and can
// take recovery action.
func (s *Scheduler) RegisterWatchdogTask(p *Pipeline, watchdogH Handle) {
	p.RegisterWatchdog(func(cpu int, domainName string, irq int, elapsed time.Duration) {
		s.onWatchdogTrip(cpu, domainName, irq, elapsed, watchdogH)
	})
}

func (s *Scheduler) onWatchdogTrip(cpu int, domainName string, irq int, elapsed time.Duration, watchdogH Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= len(s.cpus) {
		return
	}
	offender := s.cpus[cpu].current
	if offender != invalidIndex && offender != s.cpus[cpu].hostTask {
		ot := s.tasks.byIndex(offender)
		logf(LevelError, "watchdog", cpu, "force-deleting offending task", map[string]any{"task": ot.name, "domain": domainName, "irq": irq, "elapsed_ns": elapsed.Nanoseconds()})
		_ = s.deleteLocked(ot)
	}
	if t, ok := s.tasks.Get(watchdogH); ok {
		t.basePriority = 0
		s.recomputeEffectivePriorityLocked(t)
		wcpu := s.cpuOf(t)
		if t.isRunnable() {
			wcpu.ready.Remove(t.self)
			wcpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		}
		s.scheduleDecisionLocked(wcpu)
	}
}

func (s *Scheduler) raiseFatal(reason string, err error) {
	logf(LevelError, "sched", 0, "fatal scheduler condition: "+reason, map[string]any{"err": err})
	if s.fatal != nil {
		s.fatal(reason, err)
	}
}

func (s *Scheduler) runHost(cpu *cpuState) {
	t := s.tasks.byIndex(cpu.hostTask)
	<-t.wake
	for {
		time.Sleep(time.Millisecond)
	}
}

// CreateTaskOptions configures CreateTask.
type CreateTaskOptions struct {
	Name     string
	Priority int
	Policy   Policy
	// RRQuantum is the round-robin slice duration used when Policy is
	// PolicyRR (spec.md §4.C "set_policy(policy, rr_quantum)"). Ignored
	// for PolicyFIFO. May also be set later via SetPolicy.
	RRQuantum time.Duration
	Affinity  uint64
	CPU       int
	Entry     func(ctx context.Context, arg any)
}

// CreateTask allocates a dormant task (spec.md §3 "Lifecycle": "Tasks are
// created dormant+ready-suppressed").
func (s *Scheduler) CreateTask(o CreateTaskOptions) (Handle, error) {
	if o.Entry == nil {
		return Handle{}, newErr("create_task", KindInvalidArg)
	}
	if o.Affinity == 0 {
		o.Affinity = ^uint64(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.tasks.Alloc()
	if !ok {
		return Handle{}, newErr("create_task", KindNoResource)
	}
	t := newTask(h, o.Name, o.Priority, o.Policy, o.Affinity)
	t.cpu = o.CPU
	t.entry = o.Entry
	if o.Policy == PolicyRR && o.RRQuantum > 0 {
		t.rrQuantumNs = int64(o.RRQuantum)
	}
	*s.tasks.byIndex(h.Index()) = *t

	if o.Name != "" {
		if err := s.registry.Bind(o.Name, "task", h.Index()); err != nil {
			s.tasks.Free(h)
			return Handle{}, err
		}
	}
	return h, nil
}

func (s *Scheduler) cpuOf(t *Task) *cpuState { return s.cpus[t.cpu] }

// Start transitions a dormant task to ready and begins running its entry
// function in a dedicated goroutine (spec.md §4.C "start(entry, arg)").
func (s *Scheduler) Start(h Handle, arg any) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("start", KindInvalidArg)
	}
	if !t.hasState(StateDormant) {
		s.mu.Unlock()
		return newErr("start", KindBusy)
	}
	t.arg = arg
	t.started = true
	t.clearState(StateDormant)
	t.effPriority = t.basePriority
	cpu := s.cpuOf(t)
	cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	s.scheduleDecisionLocked(cpu)
	s.mu.Unlock()

	go s.runTask(t)
	return nil
}

func (s *Scheduler) runTask(t *Task) {
	<-t.wake
	t.entry(context.Background(), t.arg)
	_ = s.Delete(t.selfHandle)
}

// Delete removes a task (spec.md §4.C "Deletion while owning resources").
// Immediate if the task owns no resources; otherwise deferred until the
// last resource it holds is released.
func (s *Scheduler) Delete(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("delete", KindInvalidArg)
	}
	return s.deleteLocked(t)
}

func (s *Scheduler) deleteLocked(t *Task) error {
	if t.self == s.cpuOf(t).hostTask {
		return newErr("delete", KindInvalidArg) // spec.md §3: host task is never destroyed
	}
	if len(t.owns) > 0 {
		t.suspendDepth = deferredDeleteDepth
		return nil
	}
	s.destroyTaskLocked(t)
	return nil
}

// deferredDeleteDepth flags a task pending deletion once its last owned
// resource is released (spec.md §4.C "flag suspdepth = -∞").
const deferredDeleteDepth = -1 << 30

func (s *Scheduler) destroyTaskLocked(t *Task) {
	cpu := s.cpuOf(t)
	wasBlocked := t.hasState(StateBlocked)
	if wasBlocked {
		// blocked-queue membership is owned by whichever primitive the
		// task is waiting on; detach it here and deliver DESTROYED so
		// the blocked caller observes it (spec.md §4.C).
		s.detachWaiterLocked(t)
	}
	if t.hasState(StateDelayed) {
		cpu.timed.Remove(t.self)
		t.clearState(StateDelayed)
	}
	if t.isRunnable() {
		cpu.ready.Remove(t.self)
	}
	t.setState(StateDeleted)
	if wasBlocked {
		select {
		case t.wake <- wakeResult{err: ErrDestroyed}:
		default:
		}
	}
	if t.name != "" {
		s.registry.UnbindIdx("task", t.self)
	}
	s.scheduleDecisionLocked(cpu)
	s.tasks.Free(t.selfHandle)
}

// releaseResourceLocked is called by sync primitives (sync_sem.go etc.)
// when a task's ownership list shrinks to empty, to run a deferred delete
// if one is pending.
func (s *Scheduler) releaseResourceLocked(t *Task) {
	if len(t.owns) == 0 && t.suspendDepth == deferredDeleteDepth {
		s.destroyTaskLocked(t)
	}
}

// SetPriority changes a task's base priority (spec.md §4.C "set_priority";
// same-value re-set moves it to the tail of its priority class, the
// implicit manual round-robin).
func (s *Scheduler) SetPriority(h Handle, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_priority", KindInvalidArg)
	}
	cpu := s.cpuOf(t)
	samePriority := priority == t.basePriority
	t.basePriority = priority
	s.recomputeEffectivePriorityLocked(t)
	if t.isRunnable() {
		if samePriority {
			cpu.ready.MoveToTailOfClass(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		} else {
			cpu.ready.Remove(t.self)
			cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		}
	}
	s.scheduleDecisionLocked(cpu)
	return nil
}

// SetPolicy changes a task's scheduling policy and, for PolicyRR, its
// round-robin quantum (spec.md §4.C "set_policy(policy, rr_quantum)").
// rrQuantum is ignored for PolicyFIFO. Switching to PolicyFIFO disarms
// any pending RR slice.
func (s *Scheduler) SetPolicy(h Handle, policy Policy, rrQuantum time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_policy", KindInvalidArg)
	}
	if policy == PolicyRR && rrQuantum <= 0 {
		return newErr("set_policy", KindInvalidArg)
	}
	t.policy = policy
	if policy == PolicyRR {
		t.rrQuantumNs = int64(rrQuantum)
		t.rrDeadline = s.clock.Now() + s.clock.NsToTicksLocked(t.rrQuantumNs)
	} else {
		t.rrQuantumNs = 0
		t.rrDeadline = 0
	}
	return nil
}

// UseFPU sets or clears the task's FPU-context-save requirement (spec.md
// §4.C "use_fpu(flag)"). Since this module hosts tasks as goroutines
// rather than switching real FPU register state, the bit is bookkeeping
// only: callers that need to know whether a context switch must save FPU
// state can consult it via the StateUsesFPU bit.
func (s *Scheduler) UseFPU(h Handle, flag bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("use_fpu", KindInvalidArg)
	}
	if flag {
		t.setState(StateUsesFPU)
	} else {
		t.clearState(StateUsesFPU)
	}
	return nil
}

// SetSignalHandler installs the handler invoked when Signal(h, sig) is
// called against this task (spec.md §4.C "set_signal_handler"). A nil
// handler removes any previously installed handler for sig.
func (s *Scheduler) SetSignalHandler(h Handle, sig int, handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_signal_handler", KindInvalidArg)
	}
	if handler == nil {
		delete(t.signalHandlers, sig)
		return nil
	}
	if t.signalHandlers == nil {
		t.signalHandlers = make(map[int]func())
	}
	t.signalHandlers[sig] = handler
	return nil
}

// Signal invokes the handler t registered for sig via SetSignalHandler.
// Returns KindInvalidArg if no handler is registered for sig. The handler
// runs synchronously on the caller, matching how a real signal is
// delivered at the next suspension point rather than preempting
// mid-instruction (see doc.go).
func (s *Scheduler) Signal(h Handle, sig int) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("signal", KindInvalidArg)
	}
	handler := t.signalHandlers[sig]
	s.mu.Unlock()
	if handler == nil {
		return newErr("signal", KindInvalidArg)
	}
	handler()
	return nil
}

// SetTrapHandler installs the handler invoked by Trap for this task
// (spec.md §4.C trap/exception delivery). A nil handler removes it.
func (s *Scheduler) SetTrapHandler(h Handle, handler func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_trap_handler", KindInvalidArg)
	}
	t.trapHandler = handler
	return nil
}

// Trap invokes t's registered trap handler with err, if any. Returns
// KindInvalidArg if none is registered.
func (s *Scheduler) Trap(h Handle, err error) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("trap", KindInvalidArg)
	}
	handler := t.trapHandler
	s.mu.Unlock()
	if handler == nil {
		return newErr("trap", KindInvalidArg)
	}
	handler(err)
	return nil
}

// Unblock forcibly wakes a blocked task with ErrInterrupted (spec.md §5
// "Cancellation/timeouts": "unblock(task) ... returns INTERRUPTED to the
// blocked caller"). A no-op if t is not currently blocked.
func (s *Scheduler) Unblock(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("unblock", KindInvalidArg)
	}
	if !t.hasState(StateBlocked) {
		return nil
	}
	s.wakeLocked(t, ErrInterrupted)
	return nil
}

// SetAffinity changes the set of CPUs t is eligible to run on (SPEC_FULL.md
// supplemented feature: explicit affinity mutation alongside the implicit
// one CreateTask accepts). Migrates t off its current CPU immediately if
// that CPU is no longer in mask.
func (s *Scheduler) SetAffinity(h Handle, mask uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mask == 0 {
		return newErr("set_affinity", KindInvalidArg)
	}
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_affinity", KindInvalidArg)
	}
	t.affinity = mask
	if mask&(1<<uint(t.cpu)) != 0 {
		return nil
	}
	// current CPU is no longer permitted; migrate to the lowest-numbered
	// permitted CPU.
	target := -1
	for cpuID := 0; cpuID < len(s.cpus); cpuID++ {
		if mask&(1<<uint(cpuID)) != 0 {
			target = cpuID
			break
		}
	}
	if target < 0 {
		return newErr("set_affinity", KindInvalidArg)
	}
	oldCPU := s.cpuOf(t)
	runnable := t.isRunnable()
	if runnable {
		oldCPU.ready.Remove(t.self)
	}
	t.cpu = target
	newCPU := s.cpus[target]
	if runnable {
		newCPU.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	}
	s.scheduleDecisionLocked(oldCPU)
	s.scheduleDecisionLocked(newCPU)
	return nil
}

// recomputeEffectivePriorityLocked applies spec.md §3 invariant 4 using
// the resource-waiter information each sync primitive keeps.
func (s *Scheduler) recomputeEffectivePriorityLocked(t *Task) {
	best := t.basePriority
	has := false
	for _, rIdx := range t.owns {
		r := s.resSems.byIndex(rIdx)
		if p, ok := r.highestWaiterPriority(s); ok {
			has = true
			if p < best {
				best = p
			}
		}
	}
	t.effPriority = t.recomputeEffectivePriority(best, has)
}

// Suspend increments suspend-depth (spec.md §4.D "Suspend/resume").
func (s *Scheduler) Suspend(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("suspend", KindInvalidArg)
	}
	wasRunnable := t.isRunnable()
	t.suspendDepth++
	t.setState(StateSuspended)
	if wasRunnable && t.suspendDepth == 1 {
		cpu := s.cpuOf(t)
		cpu.ready.Remove(t.self)
		s.scheduleDecisionLocked(cpu)
	}
	return nil
}

// Resume decrements suspend-depth and re-enqueues at zero.
func (s *Scheduler) Resume(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("resume", KindInvalidArg)
	}
	if t.suspendDepth <= 0 {
		return nil
	}
	t.suspendDepth--
	if t.suspendDepth == 0 {
		t.clearState(StateSuspended)
		if t.isRunnable() {
			cpu := s.cpuOf(t)
			cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
			s.scheduleDecisionLocked(cpu)
		}
	}
	return nil
}

// Yield moves the caller behind peers of equal priority and reschedules
// (spec.md §4.C).
func (s *Scheduler) Yield(h Handle) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("yield", KindInvalidArg)
	}
	cpu := s.cpuOf(t)
	cpu.ready.MoveToTailOfClass(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	s.scheduleDecisionLocked(cpu)
	needWait := cpu.current != t.self
	s.mu.Unlock()
	if needWait {
		<-t.wake
	}
	return nil
}

// Sleep blocks the caller for d, relative to now.
func (s *Scheduler) Sleep(h Handle, d time.Duration) error {
	return s.SleepUntilTicks(h, s.clock.Now()+s.clock.NsToTicks(int64(d)))
}

// SleepUntilTicks blocks the caller until the clock reaches absTicks.
func (s *Scheduler) SleepUntilTicks(h Handle, absTicks int64) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("sleep", KindInvalidArg)
	}
	cpu := s.cpuOf(t)
	cpu.ready.Remove(t.self)
	t.resumeTime = absTicks
	t.setState(StateDelayed)
	cpu.timed.InsertOrdered(t.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	s.scheduleDecisionLocked(cpu)
	s.mu.Unlock()

	res := <-t.wake
	return res.err
}

// MakePeriodic places t on the timed queue with the given absolute start
// tick and period (spec.md §4.D "make_periodic").
func (s *Scheduler) MakePeriodic(h Handle, startTicks, periodTicks int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("make_periodic", KindInvalidArg)
	}
	if startTicks == 0 {
		startTicks = s.clock.Now() + periodTicks
	}
	cpu := s.cpuOf(t)
	if t.isRunnable() {
		cpu.ready.Remove(t.self)
	}
	t.period = periodTicks
	t.resumeTime = startTicks
	t.setState(StatePeriodic)
	t.setState(StateDelayed)
	cpu.timed.InsertOrdered(t.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	s.scheduleDecisionLocked(cpu)
	return nil
}

// MakePeriodicRelative is MakePeriodic expressed in nanoseconds relative
// to now (spec.md §4.C "make_periodic_relative").
func (s *Scheduler) MakePeriodicRelative(h Handle, startDelayNs, periodNs int64) error {
	startTicks := int64(0)
	if startDelayNs != 0 {
		startTicks = s.clock.Now() + s.clock.NsToTicks(startDelayNs)
	}
	return s.MakePeriodic(h, startTicks, s.clock.NsToTicks(periodNs))
}

// WaitPeriod blocks the caller until its next resume_time, advancing it
// by one period each release (spec.md §4.D "Periodic tasks"). If the
// caller is already past its next resume_time, resume_time advances by
// whole periods until it lies in the future, the overrun counter
// increments once per release point skipped that way, and WaitPeriod
// returns ErrOverrun without blocking.
func (s *Scheduler) WaitPeriod(h Handle) error {
	s.mu.Lock()
	t, ok := s.tasks.Get(h)
	if !ok {
		s.mu.Unlock()
		return newErr("wait_period", KindInvalidArg)
	}
	if t.period == 0 {
		s.mu.Unlock()
		return newErr("wait_period", KindInvalidArg)
	}
	cpu := s.cpuOf(t)
	now := s.clock.Now()
	t.resumeTime += t.period
	if t.resumeTime <= now {
		for t.resumeTime <= now {
			t.overrunCount.Add(1)
			t.resumeTime += t.period
		}
		s.mu.Unlock()
		return ErrOverrun
	}
	cpu.ready.Remove(t.self)
	t.setState(StateDelayed)
	cpu.timed.InsertOrdered(t.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	s.scheduleDecisionLocked(cpu)
	s.mu.Unlock()

	res := <-t.wake
	return res.err
}

// SetResumeTime overrides a delayed task's resume_time. Preserves the
// spec's documented quirk (spec.md §9 "Open questions"): if the new time
// would not extend past the next queued task's resume_time, it returns
// ErrTimeout WITHOUT re-sorting the timed queue, rather than always
// re-sorting — a deliberate deviation from the intuitive behavior that the
// original implementation relies on and this module preserves rather than
// "fixes".
func (s *Scheduler) SetResumeTime(h Handle, newResumeTicks int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_resume_time", KindInvalidArg)
	}
	if !t.hasState(StateDelayed) {
		return newErr("set_resume_time", KindInvalidArg)
	}
	cpu := s.cpuOf(t)
	next := cpu.timed.linkAt(cpu.timed.node(t.self)).next
	if next != invalidIndex {
		nextResume := s.tasks.byIndex(next).resumeTime
		if newResumeTicks <= nextResume {
			return ErrTimeout
		}
	}
	cpu.timed.Remove(t.self)
	t.resumeTime = newResumeTicks
	cpu.timed.InsertOrdered(t.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	return nil
}

// SetRunnableOnCPU migrates t to a different CPU (spec.md §5 "migration is
// explicit via set_runnable_on_cpu" — a supplemented, fully-specified
// operation; spec.md's prose only names it in passing).
func (s *Scheduler) SetRunnableOnCPU(h Handle, cpuID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return newErr("set_runnable_on_cpu", KindInvalidArg)
	}
	t, ok := s.tasks.Get(h)
	if !ok {
		return newErr("set_runnable_on_cpu", KindInvalidArg)
	}
	if t.affinity&(1<<uint(cpuID)) == 0 {
		return newErr("set_runnable_on_cpu", KindInvalidArg)
	}
	oldCPU := s.cpuOf(t)
	runnable := t.isRunnable()
	if runnable {
		oldCPU.ready.Remove(t.self)
	}
	t.cpu = cpuID
	newCPU := s.cpus[cpuID]
	if runnable {
		newCPU.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	}
	s.scheduleDecisionLocked(oldCPU)
	s.scheduleDecisionLocked(newCPU)
	return nil
}

// blockSelfLocked detaches t from the ready queue, links it into waiters
// (via insert, so callers can choose FIFO or priority ordering), and
// optionally also onto the timed queue for a bounded wait, then triggers a
// scheduling decision. Caller holds s.mu and must unlock and receive from
// t.wake afterward.
func (s *Scheduler) blockSelfLocked(t *Task, waiters *taskQueue, insert func(*taskQueue, Index), blockedOn Index, blockedOnKind blockKind, deadlineTicks int64, hasDeadline bool) {
	cpu := s.cpuOf(t)
	cpu.ready.Remove(t.self)
	t.setState(StateBlocked)
	t.blockedOn = blockedOn
	t.blockedOnKind = blockedOnKind
	t.waitQueue = waiters
	insert(waiters, t.self)
	if hasDeadline {
		t.resumeTime = deadlineTicks
		t.setState(StateDelayed)
		cpu.timed.InsertOrdered(t.self, func(idx Index) int64 { return s.tasks.byIndex(idx).resumeTime })
	}
	s.scheduleDecisionLocked(cpu)
}

// detachWaiterLocked removes t from its current waiter queue (if any) and
// clears the blocked bit and back-pointer — used both by explicit wake
// (signal/unlock) and by the timed-queue-driven timeout path.
func (s *Scheduler) detachWaiterLocked(t *Task) {
	if t.hasState(StateBlocked) {
		if t.waitQueue != nil {
			t.waitQueue.Remove(t.self)
			t.waitQueue = nil
		}
		t.clearState(StateBlocked)
		t.blockedOn = invalidIndex
		t.blockedOnKind = blockKindNone
	}
}

// wakeLocked removes t from whatever it is blocked on, makes it runnable
// again (unless pending deletion), and delivers err to its parked
// goroutine.
func (s *Scheduler) wakeLocked(t *Task, err error) {
	cpu := s.cpuOf(t)
	if t.hasState(StateDelayed) {
		cpu.timed.Remove(t.self)
		t.clearState(StateDelayed)
	}
	s.detachWaiterLocked(t)
	if t.suspendDepth <= 0 && !t.hasState(StateDeleted) {
		cpu.ready.InsertOrdered(t.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
	}
	s.scheduleDecisionLocked(cpu)
	select {
	case t.wake <- wakeResult{err: err}:
	default:
	}
}

// halfTick is the tolerance spec.md §4.D step 1 uses when draining the
// timed queue ("resume_time <= now + half_tick").
func (s *Scheduler) halfTick() int64 {
	return s.clock.NsToTicksLocked(s.cfg.periodicTickNs) / 2
}

// scheduleDecisionLocked implements spec.md §4.D's five-step scheduling
// decision. Caller must hold s.mu.
func (s *Scheduler) scheduleDecisionLocked(cpu *cpuState) {
	// Step 0: anticipation — recompute now before draining (spec.md §4.D
	// "Anticipation").
	now := s.clock.Now()
	half := s.halfTick()

	// Step 1: wake every timed-queue entry whose resume_time <= now+half.
	for {
		head := cpu.timed.Head()
		if head == invalidIndex {
			break
		}
		ht := s.tasks.byIndex(head)
		if ht.resumeTime > now+half {
			break
		}
		cpu.timed.Remove(head)
		ht.clearState(StateDelayed)
		wasBlocked := ht.hasState(StateBlocked)
		if wasBlocked {
			s.detachWaiterLocked(ht)
		}
		if ht.suspendDepth <= 0 && !ht.hasState(StateDeleted) {
			cpu.ready.InsertOrdered(head, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
		}
		var result wakeResult
		if wasBlocked {
			// a timed sem/mutex/condvar/etc. wait that reached its
			// deadline unblocked, rather than a plain sleep: the
			// distinguished spec.md §7 timeout code.
			result.err = ErrTimeout
		}
		select {
		case ht.wake <- result:
		default:
		}
	}

	// Step 2: round-robin accounting.
	if cpu.current != invalidIndex {
		cur := s.tasks.byIndex(cpu.current)
		if cur.policy == PolicyRR && cur.rrQuantumNs > 0 && now >= cur.rrDeadline && cur.isRunnable() {
			cpu.ready.MoveToTailOfClass(cur.self, func(idx Index) int64 { return int64(s.tasks.byIndex(idx).effPriority) })
			cur.rrDeadline = now + s.clock.NsToTicksLocked(cur.rrQuantumNs)
		}
	}

	// Step 3: pick next.
	next := cpu.ready.Head()
	if next == invalidIndex {
		next = cpu.hostTask
	}
	if next == cpu.current {
		return
	}

	// Step 4: arm the next timer deadline.
	var deadline int64 = -1
	if h := cpu.timed.Head(); h != invalidIndex {
		deadline = s.tasks.byIndex(h).resumeTime
	}
	if nt := s.tasks.byIndex(next); nt.policy == PolicyRR && nt.rrQuantumNs > 0 {
		rrDeadline := now + s.clock.NsToTicksLocked(nt.rrQuantumNs)
		if deadline < 0 || rrDeadline < deadline {
			deadline = rrDeadline
		}
	}
	if cpu.linuxTime > 0 && (deadline < 0 || cpu.linuxTime < deadline) {
		deadline = cpu.linuxTime
	}
	if deadline >= 0 {
		delay := deadline - now
		if delay < 0 {
			delay = 0
		}
		s.clock.Arm(delay, func(actual int64) { s.onTimerFire(cpu) })
		cpu.shotFired = true
	}

	// Step 5: "context switch" bookkeeping. Real hardware-register context
	// switching has no analogue here; this module tracks only the
	// host/real-time transition flag and the current task.
	if cpu.current == cpu.hostTask && next != cpu.hostTask {
		cpu.inRealTime = true
	} else if next == cpu.hostTask {
		cpu.inRealTime = false
	}
	cpu.current = next
	nt := s.tasks.byIndex(next)
	if nt.policy == PolicyRR && nt.rrQuantumNs > 0 {
		nt.rrDeadline = now + s.clock.NsToTicksLocked(nt.rrQuantumNs)
	}
	select {
	case nt.wake <- wakeResult{}:
	default:
	}
}

// onTimerFire is the timer-ISR path (spec.md §4.D "Timer ISR path").
func (s *Scheduler) onTimerFire(cpu *cpuState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpu.tickTime = s.clock.Now()
	cpu.shotFired = false

	// Host-tick recovery (spec.md §4.D).
	if cpu.hostTickPeriod > 0 {
		for cpu.linuxTime == 0 || cpu.tickTime >= cpu.linuxTime {
			if cpu.linuxTime == 0 {
				cpu.linuxTime = cpu.tickTime + cpu.hostTickPeriod
			}
			if cpu.current == cpu.hostTask {
				// host is already running; no virq needed this instant.
				break
			}
			cpu.linuxTime += cpu.hostTickPeriod
		}
	}

	s.scheduleDecisionLocked(cpu)
}

// rescheduleAll triggers a scheduling decision on every CPU, in ascending
// CPU-ID order (spec.md §9 "Open questions" resolution: "IPI targets are
// notified in ascending CPU id, and each recipient re-reads its own ready
// queue" — the policy this module adopts for the unspecified SMP
// simultaneous-priority-raise ordering).
func (s *Scheduler) rescheduleAll() {
	for _, cpu := range s.cpus {
		s.scheduleDecisionLocked(cpu)
	}
}

// Now returns the scheduler clock's current tick count.
func (s *Scheduler) Now() int64 { return s.clock.Now() }

// Clock exposes the underlying Clock for timebase conversions.
func (s *Scheduler) Clock() *Clock { return s.clock }

// Registry exposes the shared name registry for introspection.
func (s *Scheduler) Registry() *Registry { return s.registry }
