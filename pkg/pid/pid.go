// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pid implements the per-boiler temperature controller.
//
// A Controller is a plain value owned by the boiler it regulates. It is not
// safe for concurrent use.
package pid

import (
	"math"
	"time"
)

// Output range (percent duty)
const (
	OutputMin = 0.0
	OutputMax = 100.0
)

// Defaults
const (
	DefaultKp        = 2.0
	DefaultKi        = 0.1
	DefaultKd        = 1.0
	DefaultFilterTau = 500 * time.Millisecond
	DefaultRampRate  = 1.0 // units per second
)

// minKi is the smallest integral gain that accumulates; below it the
// integrator is held at zero.
const minKi = 0.001

// Gains holds the controller gains
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// DefaultGains returns the boot-time gains
func DefaultGains() Gains {
	return Gains{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd}
}

// Controller is one PID loop with setpoint ramping, derivative-on-measurement
// with a single-pole low-pass filter, and integral anti-windup.
type Controller struct {
	gains     Gains
	filterTau time.Duration

	setpoint   float64 // active setpoint
	rampTarget float64
	rampRate   float64
	ramping    bool
	rampOn     bool

	integral           float64
	lastError          float64
	lastMeasurement    float64
	filteredDerivative float64
	output             float64
	firstRun           bool

	// last computed terms, for diagnostics
	pTerm, iTerm, dTerm float64
}

// New creates a controller at the given setpoint with default tuning
func New(setpoint float64) *Controller {
	c := &Controller{
		gains:     DefaultGains(),
		filterTau: DefaultFilterTau,
		rampRate:  DefaultRampRate,
	}
	c.setpoint = setpoint
	c.rampTarget = setpoint
	c.Reset()
	return c
}

// Reset clears the dynamic state. The next Update suppresses the derivative.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastMeasurement = 0
	c.filteredDerivative = 0
	c.output = 0
	c.pTerm, c.iTerm, c.dTerm = 0, 0, 0
	c.firstRun = true
}

// SetGains replaces the gains. The integrator is rescaled into the new
// anti-windup bound.
func (c *Controller) SetGains(g Gains) {
	c.gains = g
	c.clampIntegral()
}

// Gains returns the current gains
func (c *Controller) Gains() Gains {
	return c.gains
}

// SetFilterTau sets the derivative filter time constant
func (c *Controller) SetFilterTau(tau time.Duration) {
	if tau < 0 {
		tau = 0
	}
	c.filterTau = tau
}

// EnableRamp turns setpoint ramping on at rate units per second.
// A non-positive rate disables ramping.
func (c *Controller) EnableRamp(rate float64) {
	if rate <= 0 {
		c.DisableRamp()
		return
	}
	c.rampOn = true
	c.rampRate = rate
}

// DisableRamp turns ramping off and jumps to the pending target
func (c *Controller) DisableRamp() {
	c.rampOn = false
	c.ramping = false
	c.setpoint = c.rampTarget
}

// SetSetpoint sets the target setpoint. With ramping enabled the active
// setpoint moves toward it on subsequent updates; otherwise it applies now.
func (c *Controller) SetSetpoint(sp float64) {
	c.rampTarget = sp
	if c.rampOn && sp != c.setpoint {
		c.ramping = true
		return
	}
	c.setpoint = sp
	c.ramping = false
}

// Setpoint returns the active (possibly ramping) setpoint
func (c *Controller) Setpoint() float64 {
	return c.setpoint
}

// Target returns the setpoint the controller is ramping toward
func (c *Controller) Target() float64 {
	return c.rampTarget
}

// Ramping reports whether the active setpoint is still moving
func (c *Controller) Ramping() bool {
	return c.ramping
}

// Output returns the last computed output
func (c *Controller) Output() float64 {
	return c.output
}

// Integral returns the integrator state
func (c *Controller) Integral() float64 {
	return c.integral
}

// Terms returns the proportional, integral and derivative contributions of
// the last update
func (c *Controller) Terms() (p, i, d float64) {
	return c.pTerm, c.iTerm, c.dTerm
}

// Update runs one control step and returns the duty request in [0, 100].
// A non-positive dt or a non-finite measurement leaves the state untouched
// and returns the last output.
func (c *Controller) Update(measurement float64, dt time.Duration) float64 {
	if dt <= 0 || math.IsNaN(measurement) || math.IsInf(measurement, 0) {
		return c.output
	}
	sec := dt.Seconds()

	if c.ramping {
		c.stepRamp(sec)
	}

	err := c.setpoint - measurement
	c.pTerm = c.gains.Kp * err

	c.iTerm = 0
	if c.gains.Ki > minKi {
		c.integral += err * sec
		c.clampIntegral()
		c.iTerm = c.gains.Ki * c.integral
	} else {
		c.integral = 0
	}

	c.dTerm = 0
	if c.firstRun {
		c.lastMeasurement = measurement
		c.filteredDerivative = 0
		c.firstRun = false
	} else {
		raw := (measurement - c.lastMeasurement) / sec
		alpha := sec / (c.filterTau.Seconds() + sec)
		c.filteredDerivative = alpha*raw + (1-alpha)*c.filteredDerivative
		// rising measurement reduces output
		c.dTerm = -c.gains.Kd * c.filteredDerivative
		c.lastMeasurement = measurement
	}
	c.lastError = err

	c.output = clamp(c.pTerm+c.iTerm+c.dTerm, OutputMin, OutputMax)
	return c.output
}

func (c *Controller) stepRamp(sec float64) {
	diff := c.rampTarget - c.setpoint
	step := c.rampRate * sec
	if math.Abs(diff) <= step {
		c.setpoint = c.rampTarget
		c.ramping = false
		return
	}
	if diff > 0 {
		c.setpoint += step
	} else {
		c.setpoint -= step
	}
}

func (c *Controller) clampIntegral() {
	if c.gains.Ki <= minKi {
		c.integral = 0
		return
	}
	limit := OutputMax / c.gains.Ki
	c.integral = clamp(c.integral, -limit, limit)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
