package rtcore

import "time"

// config holds every knob spec.md §6 names. Built from functional Options,
// following the teacher's LoopOption pattern (eventloop/options.go).
type config struct {
	oneShot             bool
	periodicTickNs      int64
	latencyNs           int64
	setupTimeNs         int64
	stackDefaultSize    int
	heapPageSize        int
	heapMinAlloc        int
	heapMinAlign        int
	maxTasks            int
	maxSemaphores       int
	maxNames            int
	linuxUsesFPU        bool
	watchdogThresholdNs int64
	cpuCount            int
}

func defaultConfig() config {
	return config{
		oneShot:             true,
		periodicTickNs:      int64(time.Millisecond),
		latencyNs:           0,
		setupTimeNs:         0,
		stackDefaultSize:    64 * 1024,
		heapPageSize:        4096,
		heapMinAlloc:        32,
		heapMinAlign:        16,
		maxTasks:            512,
		maxSemaphores:       512,
		maxNames:            1024,
		linuxUsesFPU:        false,
		watchdogThresholdNs: int64(5 * time.Millisecond),
		cpuCount:            1,
	}
}

// Option configures a Scheduler at construction time.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(c *config) error { return f(c) }

// WithOneShot selects one-shot timer programming (true, the default) or
// fixed-period polling (false). See spec.md §4.A/§4.D.
func WithOneShot(enabled bool) Option {
	return optionFunc(func(c *config) error {
		c.oneShot = enabled
		return nil
	})
}

// WithPeriodicTick sets the hardware reload period used when not one-shot.
func WithPeriodicTick(d time.Duration) Option {
	return optionFunc(func(c *config) error {
		if d <= 0 {
			return newErr("with_periodic_tick", KindInvalidArg)
		}
		c.periodicTickNs = int64(d)
		return nil
	})
}

// WithCalibrationOverride overrides the measured latency/setup-time
// calibration constants (spec.md §6 latency_ns, setup_time_ns).
func WithCalibrationOverride(latency, setupTime time.Duration) Option {
	return optionFunc(func(c *config) error {
		if latency < 0 || setupTime < 0 {
			return newErr("with_calibration_override", KindInvalidArg)
		}
		c.latencyNs = int64(latency)
		c.setupTimeNs = int64(setupTime)
		return nil
	})
}

// WithStackDefaultSize sets the fallback task stack size, in bytes.
func WithStackDefaultSize(bytes int) Option {
	return optionFunc(func(c *config) error {
		if bytes <= 0 {
			return newErr("with_stack_default_size", KindInvalidArg)
		}
		c.stackDefaultSize = bytes
		return nil
	})
}

// WithHeapGeometry sets the dynamic allocator's page size, minimum
// allocation size, and minimum alignment. All three must be powers of two;
// pageSize and minAlloc in [8, 32768], minAlign >= 16 (FPU save areas).
func WithHeapGeometry(pageSize, minAlloc, minAlign int) Option {
	return optionFunc(func(c *config) error {
		if !isPow2InRange(pageSize, 8, 32768) || !isPow2InRange(minAlloc, 8, 32768) || !isPow2(minAlign) || minAlign < 16 {
			return newErr("with_heap_geometry", KindInvalidArg)
		}
		c.heapPageSize = pageSize
		c.heapMinAlloc = minAlloc
		c.heapMinAlign = minAlign
		return nil
	})
}

// WithRegistryCaps sets the maximum number of live tasks, semaphore-family
// objects, and registry names.
func WithRegistryCaps(maxTasks, maxSemaphores, maxNames int) Option {
	return optionFunc(func(c *config) error {
		if maxTasks <= 0 || maxSemaphores <= 0 || maxNames <= 0 {
			return newErr("with_registry_caps", KindInvalidArg)
		}
		c.maxTasks = maxTasks
		c.maxSemaphores = maxSemaphores
		c.maxNames = maxNames
		return nil
	})
}

// WithLinuxUsesFPU records whether the host task has an FPU context,
// affecting context-switch overhead accounting (spec.md §6).
func WithLinuxUsesFPU(enabled bool) Option {
	return optionFunc(func(c *config) error {
		c.linuxUsesFPU = enabled
		return nil
	})
}

// WithWatchdogThreshold sets the per-IRQ latency ceiling that activates the
// watchdog (spec.md §4.B, §6).
func WithWatchdogThreshold(d time.Duration) Option {
	return optionFunc(func(c *config) error {
		if d <= 0 {
			return newErr("with_watchdog_threshold", KindInvalidArg)
		}
		c.watchdogThresholdNs = int64(d)
		return nil
	})
}

// WithCPUCount sets the number of simulated CPUs the scheduler manages, each
// with its own ready/timed queue and permanent host task (spec.md §5).
func WithCPUCount(n int) Option {
	return optionFunc(func(c *config) error {
		if n <= 0 {
			return newErr("with_cpu_count", KindInvalidArg)
		}
		c.cpuCount = n
		return nil
	})
}

func resolveOptions(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

func isPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func isPow2InRange(v, lo, hi int) bool {
	return isPow2(v) && v >= lo && v <= hi
}
