// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heating

import (
	"fmt"
	"math"

	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/golang/glog"
)

// Latch is the self-test failure flag. While it is set no heater is driven.
type Latch interface {
	Latched() bool
}

// Config holds the coordinator tuning
type Config struct {
	Strategy               Strategy
	SequentialThresholdPct float64 // brew progress at which steam may heat
	MinDutyPct             float64 // floor for zero-crossing SSRs
}

// DefaultConfig returns the boot defaults
func DefaultConfig() Config {
	return Config{
		Strategy:               Sequential,
		SequentialThresholdPct: machine.DefaultSequentialThresholdPct,
		MinDutyPct:             machine.DefaultMinDutyPct,
	}
}

// Request is one cycle's input: the PID duty requests and the brew boiler
// reading used by Sequential
type Request struct {
	Brew         float64 // percent
	Steam        float64 // percent
	BrewTemp     float64 // °C
	BrewSetpoint float64 // °C
}

// Duty is the pair of duty cycles applied to the heaters (percent)
type Duty struct {
	Brew  float64
	Steam float64
}

// Coordinator derives applied heater duty from PID requests
type Coordinator struct {
	registry  *machine.Registry
	latch     Latch
	strategy  Strategy
	threshold float64
	minDuty   float64
	last      Duty
}

// NewCoordinator creates a coordinator for the registry's profile. Non-dual
// profiles are pinned to BrewOnly.
func NewCoordinator(reg *machine.Registry, latch Latch, cfg Config) *Coordinator {
	c := &Coordinator{
		registry:  reg,
		latch:     latch,
		strategy:  cfg.Strategy,
		threshold: cfg.SequentialThresholdPct,
		minDuty:   cfg.MinDutyPct,
	}
	if c.threshold <= 0 || c.threshold > 100 {
		c.threshold = machine.DefaultSequentialThresholdPct
	}
	if c.minDuty < 0 {
		c.minDuty = 0
	}
	if !reg.Profile().Dual() || !c.strategy.Valid() {
		c.strategy = BrewOnly
	}
	return c
}

// Strategy returns the active strategy
func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

// SequentialThreshold returns the brew progress percentage gating steam
func (c *Coordinator) SequentialThreshold() float64 {
	return c.threshold
}

// SetSequentialThreshold sets the Sequential gate, in (0, 100]
func (c *Coordinator) SetSequentialThreshold(pct float64) error {
	if pct <= 0 || pct > 100 || math.IsNaN(pct) {
		return fmt.Errorf("sequential threshold %.1f outside (0, 100]", pct)
	}
	c.threshold = pct
	return nil
}

// MinDuty returns the floor applied on zero-crossing hardware, or 0 if the
// profile has none
func (c *Coordinator) MinDuty() float64 {
	if !c.registry.Profile().Features.ZeroCrossSSR {
		return 0
	}
	return c.minDuty
}

// Last returns the duty computed by the most recent Apply
func (c *Coordinator) Last() Duty {
	return c.last
}

// Allowed reports whether s may be selected under the current profile and
// installation
func (c *Coordinator) Allowed(s Strategy) bool {
	if !s.Valid() {
		return false
	}
	if !c.registry.Profile().Dual() {
		return s == BrewOnly
	}
	elec, err := c.registry.Electrical()
	if err != nil || !elec.Configured() {
		return false
	}

	var worst float64
	switch s {
	case BrewOnly:
		worst = elec.BrewCurrent
	case Sequential:
		worst = math.Max(elec.BrewCurrent, elec.SteamCurrent)
	case Parallel:
		worst = elec.BrewCurrent + elec.SteamCurrent
	case SmartStagger:
		// caps itself to the combined limit
		return true
	}
	return worst <= elec.MaxCombinedCurrent
}

// AllowedStrategies lists the strategies Allowed accepts, in code order
func (c *Coordinator) AllowedStrategies() []Strategy {
	var out []Strategy
	for s := BrewOnly; s <= SmartStagger; s++ {
		if c.Allowed(s) {
			out = append(out, s)
		}
	}
	return out
}

// SetStrategy selects a strategy
func (c *Coordinator) SetStrategy(s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, uint8(s))
	}
	if !c.Allowed(s) {
		return fmt.Errorf("%w: %s on %s", ErrStrategyNotAllowed, s, c.registry)
	}
	if s != c.strategy {
		glog.Infof("heating: strategy %s -> %s", c.strategy, s)
	}
	c.strategy = s
	return nil
}

// Revalidate falls back to a permitted strategy after the installation
// changed. Dual profiles fall back to SmartStagger, others to BrewOnly.
func (c *Coordinator) Revalidate() {
	if c.registry.SetupRequired() || c.Allowed(c.strategy) {
		return
	}
	fallback := BrewOnly
	if c.registry.Profile().Dual() {
		fallback = SmartStagger
	}
	glog.Warningf("heating: strategy %s no longer fits %s, using %s", c.strategy, c.registry, fallback)
	c.strategy = fallback
}

// Apply computes the applied duty for one cycle. The result is zero while the
// latch is set or the installation is not configured.
func (c *Coordinator) Apply(req Request) Duty {
	c.last = c.apply(req)
	return c.last
}

func (c *Coordinator) apply(req Request) Duty {
	if c.latch != nil && c.latch.Latched() {
		return Duty{}
	}
	if c.registry.SetupRequired() {
		return Duty{}
	}

	brew := clampDuty(req.Brew)
	steam := clampDuty(req.Steam)
	floor := c.MinDuty()

	p := c.registry.Profile()
	if !p.Dual() {
		// one heater, one stream
		if p.Type == machine.TypeHeatExchanger {
			return Duty{Steam: applyFloor(steam, floor)}
		}
		return Duty{Brew: applyFloor(brew, floor)}
	}

	switch c.strategy {
	case BrewOnly:
		steam = 0
	case Sequential:
		if SequentialProgress(req.BrewTemp, req.BrewSetpoint) < c.threshold {
			steam = 0
		}
	case Parallel:
	case SmartStagger:
		elec, err := c.registry.Electrical()
		if err != nil {
			return Duty{}
		}
		return stagger(brew, steam, floor, elec)
	default:
		steam = 0
	}
	return Duty{Brew: applyFloor(brew, floor), Steam: applyFloor(steam, floor)}
}

// currentEpsilon absorbs float rounding when a stream is capped exactly at
// the remaining budget
const currentEpsilon = 1e-9

// stagger caps combined current with brew priority: brew keeps its request up
// to the cap and steam receives the remaining budget
func stagger(brew, steam, floor float64, elec machine.ElectricalState) Duty {
	limit := elec.MaxCombinedCurrent

	if elec.BrewCurrent > 0 {
		brew = math.Min(brew, 100*limit/elec.BrewCurrent)
	}
	brew = applyFloor(brew, floor)
	if elec.Current(brew, 0) > limit+currentEpsilon {
		brew = 0
	}

	if elec.SteamCurrent > 0 {
		remaining := limit - elec.Current(brew, 0)
		steam = math.Min(steam, math.Max(0, 100*remaining/elec.SteamCurrent))
	}
	steam = applyFloor(steam, floor)
	if elec.Current(brew, steam) > limit+currentEpsilon {
		steam = 0
	}
	return Duty{Brew: brew, Steam: steam}
}

// SequentialProgress is the brew boiler progress used by Sequential, in
// percent of setpoint. A non-positive setpoint counts as reached.
func SequentialProgress(temp, setpoint float64) float64 {
	if setpoint <= 0 {
		return 100
	}
	return 100 * temp / setpoint
}

// PowerWatts estimates the heater draw for a duty pair
func (c *Coordinator) PowerWatts(d Duty) uint16 {
	return c.registry.EstimatePowerWatts(d.Brew, d.Steam)
}

func applyFloor(duty, floor float64) float64 {
	if duty > 0 && duty < floor {
		return floor
	}
	return duty
}

func clampDuty(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
