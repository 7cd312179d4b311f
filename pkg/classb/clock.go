// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import (
	"math"
	"time"
)

// DefaultClockTolerancePct is the permitted deviation from nominal
const DefaultClockTolerancePct = 5.0

// ClockSource measures the frequency of the clock under test. ok is false
// while no measurement is available.
type ClockSource interface {
	MeasureHz() (hz float64, ok bool)
}

// Sampler is a ClockSource that can also take a measurement on demand. The
// startup test uses it before the loop has run a single cycle.
type Sampler interface {
	SampleHz() (hz float64, ok bool)
}

// Burst sampling runs a ticker at cycle/burstDivisor for burstTicks ticks
const (
	burstDivisor = 4
	burstTicks   = 4
)

// CycleClock measures the control loop tick rate against an independent
// monotonic time base. The loop calls Observe once per cycle.
type CycleClock struct {
	window int
	times  []time.Time
	cycle  time.Duration
}

// NewCycleClock measures over the last window ticks
func NewCycleClock(window int) *CycleClock {
	if window < 2 {
		window = 2
	}
	return &CycleClock{window: window}
}

// Observe records one tick at now
func (c *CycleClock) Observe(now time.Time) {
	c.times = append(c.times, now)
	if len(c.times) > c.window {
		c.times = c.times[len(c.times)-c.window:]
	}
}

// Reset drops all samples
func (c *CycleClock) Reset() {
	c.times = c.times[:0]
}

// Calibrate enables SampleHz for a loop scheduled every cycle
func (c *CycleClock) Calibrate(cycle time.Duration) {
	c.cycle = cycle
}

// SampleHz times a short burst of the loop's timer against the monotonic
// clock and returns the rate the loop would run at. It blocks for about
// 1.25 cycles.
func (c *CycleClock) SampleHz() (float64, bool) {
	period := c.cycle / burstDivisor
	if period <= 0 {
		return 0, false
	}
	t := time.NewTicker(period)
	defer t.Stop()

	// Tick values carry the scheduled fire time, so a late receiver does
	// not skew the measurement.
	first := <-t.C
	last := first
	for i := 0; i < burstTicks; i++ {
		last = <-t.C
	}
	elapsed := last.Sub(first)
	if elapsed <= 0 {
		return 0, false
	}
	ratio := float64(burstTicks) * period.Seconds() / elapsed.Seconds()
	return ratio / c.cycle.Seconds(), true
}

// MeasureHz returns the tick rate once the window is full
func (c *CycleClock) MeasureHz() (float64, bool) {
	if len(c.times) < c.window {
		return 0, false
	}
	elapsed := c.times[len(c.times)-1].Sub(c.times[0])
	if elapsed <= 0 {
		return 0, false
	}
	return float64(len(c.times)-1) / elapsed.Seconds(), true
}

// FixedClock reports a constant frequency
type FixedClock float64

// MeasureHz returns the fixed value
func (f FixedClock) MeasureHz() (float64, bool) {
	return float64(f), true
}

// sampledClock prefers the windowed measurement and falls back to an on
// demand sample
type sampledClock struct {
	ClockSource
}

func (s sampledClock) MeasureHz() (float64, bool) {
	if hz, ok := s.ClockSource.MeasureHz(); ok {
		return hz, true
	}
	if sm, ok := s.ClockSource.(Sampler); ok {
		return sm.SampleHz()
	}
	return 0, false
}

// clockTest compares a measurement against nominal. Deviation beyond the
// tolerance fails; beyond half of it warns. Value is the deviation in
// hundredths of a percent.
func clockTest(src ClockSource, nominal, tolerancePct float64) Report {
	if src == nil || nominal <= 0 {
		return Report{Test: TestClock, Result: Skip, Message: "no clock source"}
	}
	hz, ok := src.MeasureHz()
	if !ok {
		return Report{Test: TestClock, Result: Skip, Message: "no measurement yet"}
	}
	dev := 100 * (hz - nominal) / nominal
	value := int32(math.Round(dev * 100))

	switch {
	case math.Abs(dev) > tolerancePct || math.IsNaN(dev):
		return fail(TestClock, value, "%.3f Hz is %+.2f%% from %.3f Hz", hz, dev, nominal)
	case math.Abs(dev) > tolerancePct/2:
		return Report{Test: TestClock, Result: Warn, Value: value, Message: "deviation above half tolerance"}
	}
	return Report{Test: TestClock, Result: Pass, Value: value}
}
