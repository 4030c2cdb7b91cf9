package rtcore

import (
	"math/big"
	"math/bits"
	"sync"
	"time"

	"github.com/joeycumines/floater"
)

// TimerMode selects how the single programmable timer is driven.
type TimerMode int

const (
	// ModeOneShot programs the timer for each next deadline individually
	// (spec.md glossary: "One-shot mode").
	ModeOneShot TimerMode = iota
	// ModePeriodic fires the hardware timer at a fixed period; the
	// scheduler checks all deadlines on each tick (spec.md glossary:
	// "Periodic mode").
	ModePeriodic
)

// Calibration holds the constants measured once at boot and never changed
// at runtime (spec.md §4.A "Rationale", §9 "Timer calibration"):
// CPU frequency, timer frequency, measured programming latency, and
// measured setup time.
type Calibration struct {
	// CPUFreqHz is the calibrated CPU timestamp-counter frequency.
	CPUFreqHz uint64
	// TimerFreqHz is the calibrated programmable-timer frequency.
	TimerFreqHz uint64
	// LatencyNs is the measured interrupt-assertion-to-handler-entry
	// latency, in nanoseconds.
	LatencyNs int64
	// SetupTimeNs is the measured write-to-first-fire latency, in
	// nanoseconds; the minimum programmable delay.
	SetupTimeNs int64
}

// Ratio returns the exact CPU-frequency-to-timer-frequency ratio as a
// rational number, for human-readable introspection output (never the
// source of truth for the hot conversion path — see NsToTicks).
func (c Calibration) Ratio() *big.Rat {
	if c.TimerFreqHz == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac64(int64(c.CPUFreqHz), int64(c.TimerFreqHz))
}

// String renders the calibration as a compact, exact decimal report using
// floater's big.Rat-backed formatting — a display-only path; the scheduler
// never parses this string back.
func (c Calibration) String() string {
	ratio := c.Ratio()
	units, nanos, ok := floater.RatToUnitsNanos(ratio)
	ratioStr := "n/a"
	if ok {
		ratioStr = floater.FormatUnitsNanosTrimmed(units, nanos)
	}
	return "cpu_freq_hz=" + itoa64(int64(c.CPUFreqHz)) +
		" timer_freq_hz=" + itoa64(int64(c.TimerFreqHz)) +
		" ratio=" + ratioStr +
		" latency_ns=" + itoa64(c.LatencyNs) +
		" setup_time_ns=" + itoa64(c.SetupTimeNs)
}

func itoa64(v int64) string {
	return big.NewInt(v).String()
}

// CalibrationSamples is the number of back-to-back timer programmings
// averaged to produce LatencyNs/SetupTimeNs at boot (spec.md §9).
const CalibrationSamples = 10_000

// Calibrate measures setup_time and latency by programming dev to fire at
// now+0, CalibrationSamples times, and averaging how long the handler
// actually took to run. cpuFreqHz/timerFreqHz are supplied by the host
// integration (derived from platform-specific discovery this module does
// not perform).
func Calibrate(dev TimerDevice, cpuFreqHz, timerFreqHz uint64) Calibration {
	var totalSetup, totalLatency int64
	for i := 0; i < CalibrationSamples; i++ {
		start := time.Now()
		fired := make(chan time.Time, 1)
		dev.ProgramOneShot(0, func(t time.Time) { fired <- t })
		actual := <-fired
		setup := actual.Sub(start)
		totalSetup += int64(setup)
		totalLatency += int64(time.Since(actual))
	}
	return Calibration{
		CPUFreqHz:   cpuFreqHz,
		TimerFreqHz: timerFreqHz,
		LatencyNs:   totalLatency / CalibrationSamples,
		SetupTimeNs: totalSetup / CalibrationSamples,
	}
}

// TimerDevice abstracts the single free-running, programmable hardware
// timer spec.md §6 describes: a monotonic counter with a writable compare
// register and an edge-triggered expiry interrupt. A host integration
// implements this over real hardware; defaultTimerDevice below implements
// it in terms of the Go runtime's timers, for hosted use and testing.
type TimerDevice interface {
	// ProgramOneShot arms the timer to fire once after d, invoking fn with
	// the actual fire time. A duration of 0 fires as soon as possible.
	ProgramOneShot(d time.Duration, fn func(time.Time)) (cancel func())
	// ProgramPeriodic arms the timer to fire every d, invoking fn with the
	// actual fire time on each tick, until cancel is called.
	ProgramPeriodic(d time.Duration, fn func(time.Time)) (cancel func())
}

type defaultTimerDevice struct{}

// NewTimerDevice returns the default TimerDevice, backed by the Go
// runtime's timers. Suitable for hosted use and for tests; a production
// integration driving real hardware supplies its own TimerDevice.
func NewTimerDevice() TimerDevice { return defaultTimerDevice{} }

func (defaultTimerDevice) ProgramOneShot(d time.Duration, fn func(time.Time)) func() {
	if d < 0 {
		d = 0
	}
	t := time.AfterFunc(d, func() { fn(time.Now()) })
	return func() { t.Stop() }
}

func (defaultTimerDevice) ProgramPeriodic(d time.Duration, fn func(time.Time)) func() {
	if d <= 0 {
		d = time.Nanosecond
	}
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case t := <-ticker.C:
				fn(t)
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// Clock converts between wall-clock nanoseconds and the tick domain, and
// arms the next timer expiry. It hides the dual unit system (CPU
// timestamp-counter ticks in one-shot mode; accumulated reload-period ticks
// in periodic mode) behind one API, so the scheduler reasons purely in
// ticks while callers and tracing reason in nanoseconds (spec.md §4.A
// "Rationale").
type Clock struct {
	mu    sync.RWMutex
	cal   Calibration
	mode  TimerMode
	anchor time.Time // monotonic reference point, set once

	dev          TimerDevice
	cancelArmed  func()
	armed        bool
	periodTicks  int64
	periodSet    bool
	accumulated  int64 // accumulated tick count in periodic mode
}

// NewClock constructs a Clock calibrated with cal, driving dev.
func NewClock(cal Calibration, dev TimerDevice) *Clock {
	if dev == nil {
		dev = NewTimerDevice()
	}
	return &Clock{
		cal:    cal,
		dev:    dev,
		anchor: time.Now(),
		mode:   ModeOneShot,
	}
}

// Calibration returns the clock's calibration constants.
func (c *Clock) Calibration() Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cal
}

// mulDiv64 computes floor(a*mul/div) for non-negative a, mul, div using a
// 64x64->128 multiply followed by a 128/64 divide (spec.md §4.A: "64×32→96→64
// scaled integer multiply-divide to avoid overflow across the entire RTIME
// range"). Saturates to the maximum uint64 on overflow or a zero divisor
// rather than panicking —
// an out-of-range conversion in this domain indicates a calibration or
// caller bug, not a recoverable condition, and saturating keeps the hot
// path panic-free per spec.md §7.
func mulDiv64(a, mul, div uint64) uint64 {
	if div == 0 {
		return ^uint64(0)
	}
	hi, lo := bits.Mul64(a, mul)
	if hi >= div {
		return ^uint64(0) // saturate: overflow
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}

// NsToTicks converts a nanosecond duration to ticks in the clock's current
// unit system, using scaled integer arithmetic only (spec.md §4.A).
func (c *Clock) NsToTicks(ns int64) int64 {
	c.mu.RLock()
	freq := c.cal.CPUFreqHz
	c.mu.RUnlock()
	if freq == 0 {
		return ns
	}
	neg := ns < 0
	u := uint64(ns)
	if neg {
		u = uint64(-ns)
	}
	res := mulDiv64(u, freq, 1_000_000_000)
	v := int64(res)
	if neg {
		v = -v
	}
	return v
}

// TicksToNs converts a tick count back to nanoseconds (spec.md §4.A).
func (c *Clock) TicksToNs(t int64) int64 {
	c.mu.RLock()
	freq := c.cal.CPUFreqHz
	c.mu.RUnlock()
	if freq == 0 {
		return t
	}
	neg := t < 0
	u := uint64(t)
	if neg {
		u = uint64(-t)
	}
	res := mulDiv64(u, 1_000_000_000, freq)
	v := int64(res)
	if neg {
		v = -v
	}
	return v
}

// Now returns the current monotonic tick count: the timestamp-counter
// reading in one-shot mode, or the accumulated tick count in periodic mode
// (spec.md §4.A).
//
// The monotonic reference point is established once, at construction
// (mirroring the teacher's tickAnchor pattern in eventloop/loop.go: a fixed
// anchor plus time.Since, which uses the runtime's monotonic clock reading
// even across wall-clock adjustments).
func (c *Clock) Now() int64 {
	c.mu.RLock()
	mode := c.mode
	acc := c.accumulated
	anchor := c.anchor
	c.mu.RUnlock()
	if mode == ModePeriodic {
		return acc
	}
	return c.NsToTicks(int64(time.Since(anchor)))
}

// SetMode reconfigures the timer. In periodic mode, Arm is a no-op after
// the first call (spec.md §4.A).
func (c *Clock) SetMode(mode TimerMode, periodTicks int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.periodTicks = periodTicks
	c.periodSet = false
	if c.cancelArmed != nil {
		c.cancelArmed()
		c.cancelArmed = nil
		c.armed = false
	}
}

// ArmResult describes the outcome of Arm.
type ArmResult struct {
	// FireAtTicks is the tick count at which the timer is expected to fire.
	FireAtTicks int64
	// SubstitutedMinimum is true iff delayTicks was below the calibrated
	// setup time and the minimum programmable delay was substituted.
	SubstitutedMinimum bool
}

// Arm programs the hardware timer to fire in delayTicks (spec.md §4.A). If
// delayTicks is less than the calibrated setup time, the minimum
// programmable delay is substituted and the expected fire time is recorded
// as now + setup_time. on fires once the timer actually expires.
func (c *Clock) Arm(delayTicks int64, on func(actualTicks int64)) ArmResult {
	c.mu.Lock()
	setupTicks := c.NsToTicksLocked(c.cal.SetupTimeNs)
	substituted := false
	if delayTicks < setupTicks {
		delayTicks = setupTicks
		substituted = true
	}
	if delayTicks < 0 {
		delayTicks = 0
	}
	now := c.nowLocked()
	fireAt := now + delayTicks

	if c.mode == ModePeriodic {
		if !c.periodSet {
			c.periodSet = true
			period := c.ticksToNsLocked(c.periodTicks)
			cancel := c.dev.ProgramPeriodic(time.Duration(period), func(time.Time) {
				c.mu.Lock()
				c.accumulated += c.periodTicks
				acc := c.accumulated
				c.mu.Unlock()
				on(acc)
			})
			c.cancelArmed = cancel
			c.armed = true
		}
		c.mu.Unlock()
		return ArmResult{FireAtTicks: fireAt, SubstitutedMinimum: substituted}
	}

	if c.cancelArmed != nil {
		c.cancelArmed()
	}
	delayNs := c.ticksToNsLocked(delayTicks)
	cancel := c.dev.ProgramOneShot(time.Duration(delayNs), func(time.Time) {
		on(c.Now())
	})
	c.cancelArmed = cancel
	c.armed = true
	c.mu.Unlock()
	return ArmResult{FireAtTicks: fireAt, SubstitutedMinimum: substituted}
}

// NsToTicksLocked is NsToTicks for callers already holding c.mu.
func (c *Clock) NsToTicksLocked(ns int64) int64 {
	freq := c.cal.CPUFreqHz
	if freq == 0 {
		return ns
	}
	neg := ns < 0
	u := uint64(ns)
	if neg {
		u = uint64(-ns)
	}
	res := mulDiv64(u, freq, 1_000_000_000)
	v := int64(res)
	if neg {
		v = -v
	}
	return v
}

func (c *Clock) ticksToNsLocked(t int64) int64 {
	freq := c.cal.CPUFreqHz
	if freq == 0 {
		return t
	}
	neg := t < 0
	u := uint64(t)
	if neg {
		u = uint64(-t)
	}
	res := mulDiv64(u, 1_000_000_000, freq)
	v := int64(res)
	if neg {
		v = -v
	}
	return v
}

func (c *Clock) nowLocked() int64 {
	if c.mode == ModePeriodic {
		return c.accumulated
	}
	return c.NsToTicksLocked(int64(time.Since(c.anchor)))
}

// Stop cancels any armed timer.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelArmed != nil {
		c.cancelArmed()
		c.cancelArmed = nil
	}
	c.armed = false
}
