// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package state

import (
	"fmt"
	"time"

	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/golang/glog"
)

// Defaults
const (
	DefaultReadyTolerance   = 1.0 // °C below setpoint counted as reached
	DefaultColdThreshold    = 5.0 // °C below setpoint that sends READY back to HEATING
	DefaultMaxBrew          = 60 * time.Second
	DefaultPostBrewHold     = 2 * time.Second
	DefaultCleaningCycle    = 10 * time.Second
	DefaultPreinfusionOn    = 3000 * time.Millisecond
	DefaultPreinfusionPause = 5000 * time.Millisecond
	DefaultEcoSetpoint      = 80.0
	DefaultEcoTimeout       = 30 * time.Minute

	MaxPreinfusionStep = 10 * time.Second
	MaxEcoTimeout      = 8 * time.Hour
)

// Latch is the self-test failure flag
type Latch interface {
	Latched() bool
}

// Preinfusion configures the pre-infusion phase of a brew
type Preinfusion struct {
	Enabled bool
	On      time.Duration // pump on
	Pause   time.Duration // pump off, solenoid open
}

// EcoConfig configures eco mode
type EcoConfig struct {
	Enabled  bool
	Setpoint float64       // brew setpoint while in eco (°C)
	Timeout  time.Duration // inactivity before eco is entered
}

// Config holds the state machine tuning
type Config struct {
	MaxBrew       time.Duration
	PostBrewHold  time.Duration
	CleaningCycle time.Duration
	Preinfusion   Preinfusion
	Eco           EcoConfig

	// SingleBoiler is set for profiles that switch one boiler between brew
	// and steam setpoints
	SingleBoiler *machine.SingleBoilerConfig
}

// DefaultConfig returns the boot defaults
func DefaultConfig() Config {
	return Config{
		MaxBrew:       DefaultMaxBrew,
		PostBrewHold:  DefaultPostBrewHold,
		CleaningCycle: DefaultCleaningCycle,
		Preinfusion: Preinfusion{
			On:    DefaultPreinfusionOn,
			Pause: DefaultPreinfusionPause,
		},
		Eco: EcoConfig{
			Enabled:  true,
			Setpoint: DefaultEcoSetpoint,
			Timeout:  DefaultEcoTimeout,
		},
	}
}

// Inputs are the conditions sampled by the control cycle
type Inputs struct {
	Now           time.Time
	StartupPassed bool    // startup self-test completed without failure
	Progress      float64 // combined heating progress, percent
	Cold          bool    // a required boiler fell below setpoint - cold threshold
	Fault         bool    // sensor failure or over-temperature
	SetupRequired bool    // no installation profile
	WaterLow      bool    // reservoir below the dry-fire limit
}

// Outputs is the actuation permitted by the current state
type Outputs struct {
	State      State
	Mode       Mode
	Phase      Phase
	Heaters    bool    // heaters may be driven
	Pump       float64 // percent
	Solenoid   bool
	SteamPhase bool // single boiler is regulating to its steam setpoint

	// CompletedBrew is the duration of a brew that ended since the last
	// Evaluate, or zero. Cleaning cycles are reported separately.
	CompletedBrew     time.Duration
	CompletedCleaning bool
}

// Machine is the operating state machine. It is not safe for concurrent use;
// the control loop owns it.
type Machine struct {
	cfg   Config
	latch Latch

	state    State
	previous State
	mode     Mode

	brewing   bool
	cleaning  bool
	phase     Phase
	brewStart time.Time
	brewStop  time.Time
	postStart time.Time

	lastActivity time.Time
	modeSince    time.Time
	faultActive  bool
	setup        bool
	waterLow     bool

	completedBrew     time.Duration
	completedCleaning bool

	out Outputs
}

// New creates a machine in INIT
func New(cfg Config, latch Latch, now time.Time) *Machine {
	m := &Machine{
		cfg:          cfg,
		latch:        latch,
		state:        Init,
		previous:     Init,
		mode:         ModeIdle,
		lastActivity: now,
		modeSince:    now,
	}
	m.out = m.outputs(now)
	return m
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Previous returns the state before the last transition
func (m *Machine) Previous() State {
	return m.previous
}

// Mode returns the selected mode
func (m *Machine) Mode() Mode {
	return m.mode
}

// Phase returns the brew phase
func (m *Machine) Phase() Phase {
	return m.phase
}

// Brewing reports whether a brew (or cleaning cycle) is running
func (m *Machine) Brewing() bool {
	return m.brewing
}

// Cleaning reports whether the running brew is a cleaning cycle
func (m *Machine) Cleaning() bool {
	return m.cleaning && m.brewing
}

// BrewStart returns the start of the running brew
func (m *Machine) BrewStart() (time.Time, bool) {
	if !m.brewing {
		return time.Time{}, false
	}
	return m.brewStart, true
}

// Outputs returns the result of the last Evaluate
func (m *Machine) Outputs() Outputs {
	return m.out
}

// Preinfusion returns the pre-infusion configuration
func (m *Machine) Preinfusion() Preinfusion {
	return m.cfg.Preinfusion
}

// SetPreinfusion replaces the pre-infusion configuration. It applies from the
// next brew.
func (m *Machine) SetPreinfusion(p Preinfusion) error {
	if p.Enabled && (p.On <= 0 || p.On > MaxPreinfusionStep || p.Pause < 0 || p.Pause > MaxPreinfusionStep) {
		return fmt.Errorf("%w: pre-infusion on %s pause %s", ErrInvalid, p.On, p.Pause)
	}
	m.cfg.Preinfusion = p
	return nil
}

// EcoConfig returns the eco configuration
func (m *Machine) EcoConfig() EcoConfig {
	return m.cfg.Eco
}

// SetEcoConfig replaces the eco configuration. Disabling eco while in ECO
// leaves it.
func (m *Machine) SetEcoConfig(c EcoConfig, now time.Time) error {
	if c.Setpoint < 0 || c.Setpoint > 165 || c.Timeout < 0 || c.Timeout > MaxEcoTimeout {
		return fmt.Errorf("%w: eco setpoint %.1f timeout %s", ErrInvalid, c.Setpoint, c.Timeout)
	}
	m.cfg.Eco = c
	if !c.Enabled && m.state == Eco {
		m.exitEco(now)
	}
	return nil
}

// Evaluate runs one state machine step and returns the permitted actuation
func (m *Machine) Evaluate(in Inputs) Outputs {
	now := in.Now
	m.faultActive = in.Fault
	m.setup = in.SetupRequired
	if in.WaterLow && !m.waterLow {
		glog.Warningf("state: water low, heaters and pump disabled")
	}
	m.waterLow = in.WaterLow

	if m.latched() {
		if m.state != Safe {
			m.transition(Safe, now)
		}
		m.out = m.outputs(now)
		return m.out
	}

	switch m.state {
	case Init:
		if in.StartupPassed {
			m.transition(Idle, now)
		}
	case Fault, Safe:
		// left only through AckFault and Recover
	default:
		m.evaluateRunning(in)
	}

	if m.phase == PhasePostBrew && now.Sub(m.postStart) >= m.cfg.PostBrewHold {
		m.phase = PhaseNone
	}

	m.out = m.outputs(now)
	return m.out
}

func (m *Machine) evaluateRunning(in Inputs) {
	now := in.Now

	if in.Fault {
		glog.Errorf("state: fault condition in %s", m.state)
		m.transition(Fault, now)
		return
	}
	if in.SetupRequired && m.mode != ModeIdle {
		glog.Warningf("state: installation not configured, forcing idle")
		m.setMode(ModeIdle, now)
	}
	m.autoReturn(now)

	ready := in.Progress >= 100

	switch m.state {
	case Idle:
		if m.mode != ModeIdle {
			if ready {
				m.transition(Ready, now)
			} else {
				m.transition(Heating, now)
			}
			return
		}
		m.checkEcoTimeout(now)

	case Heating:
		if m.mode == ModeIdle {
			m.transition(Idle, now)
		} else if ready {
			m.transition(Ready, now)
		}

	case Ready:
		switch {
		case m.mode == ModeIdle:
			m.transition(Idle, now)
		case in.Cold:
			m.transition(Heating, now)
		default:
			m.checkEcoTimeout(now)
		}

	case Brewing:
		if in.WaterLow {
			glog.Warningf("state: water low, stopping brew")
			m.brewStop = now
			m.brewing = false
		}
		m.stepBrew(now)

	case Eco:
		if !m.cfg.Eco.Enabled {
			m.exitEco(now)
		}
	}
}

func (m *Machine) stepBrew(now time.Time) {
	elapsed := now.Sub(m.brewStart)

	limit := m.cfg.MaxBrew
	if m.cleaning {
		limit = m.cfg.CleaningCycle
	}
	if limit > 0 && elapsed >= limit {
		glog.Infof("state: brew auto-stop after %s", elapsed.Truncate(time.Millisecond))
		m.brewStop = m.brewStart.Add(limit)
		m.brewing = false
	}
	if !m.brewing {
		m.transition(Ready, now)
		return
	}

	p := m.cfg.Preinfusion
	switch m.phase {
	case PhasePreinfusion:
		if elapsed >= p.On {
			m.phase = PhasePreinfusionPause
			glog.V(1).Infof("state: pre-infusion pause")
		}
		fallthrough
	case PhasePreinfusionPause:
		if m.phase == PhasePreinfusionPause && elapsed >= p.On+p.Pause {
			m.phase = PhaseExtraction
			glog.V(1).Infof("state: full pressure")
		}
	}
}

func (m *Machine) checkEcoTimeout(now time.Time) {
	e := m.cfg.Eco
	if !e.Enabled || e.Timeout <= 0 || m.brewing {
		return
	}
	if now.Sub(m.lastActivity) >= e.Timeout {
		glog.Infof("state: idle for %s, entering eco", e.Timeout)
		m.transition(Eco, now)
	}
}

// autoReturn switches a single boiler back to brew mode once the steam
// timeout has run out
func (m *Machine) autoReturn(now time.Time) {
	sb := m.cfg.SingleBoiler
	if sb == nil || !sb.AutoReturnToBrew || sb.SteamTimeout <= 0 || m.mode != ModeSteam || m.brewing {
		return
	}
	if now.Sub(m.modeSince) >= sb.ModeSwitchDelay+sb.SteamTimeout {
		glog.Infof("state: steam timeout, returning to brew mode")
		m.setMode(ModeBrew, now)
	}
}

func (m *Machine) transition(to State, now time.Time) {
	from := m.state
	if from == to {
		return
	}

	// exit
	switch from {
	case Brewing:
		if m.brewStop.IsZero() {
			m.brewStop = now
		}
		d := m.brewStop.Sub(m.brewStart)
		if m.cleaning {
			m.completedCleaning = true
		} else {
			m.completedBrew = d
		}
		m.brewing = false
		m.cleaning = false
		m.phase = PhasePostBrew
		m.postStart = now
		glog.Infof("state: brew stopped, shot time %s", d.Truncate(time.Millisecond))
	case Eco:
		m.lastActivity = now
	}

	m.previous = from
	m.state = to

	// entry
	switch to {
	case Brewing:
		m.brewStart = now
		m.brewStop = time.Time{}
		m.phase = PhaseExtraction
		if m.cfg.Preinfusion.Enabled && !m.cleaning {
			m.phase = PhasePreinfusion
		}
	case Safe, Fault:
		m.phase = PhaseNone
	}

	glog.Infof("state: %s -> %s (mode=%s)", from, to, m.mode)
}

func (m *Machine) outputs(now time.Time) Outputs {
	out := Outputs{
		State:             m.state,
		Mode:              m.mode,
		Phase:             m.phase,
		CompletedBrew:     m.completedBrew,
		CompletedCleaning: m.completedCleaning,
	}
	m.completedBrew = 0
	m.completedCleaning = false

	if m.state == Safe || m.state == Fault || m.latched() {
		out.Phase = PhaseNone
		return out
	}

	switch m.state {
	case Heating, Ready, Brewing:
		out.Heaters = !m.setup
	case Eco:
		out.Heaters = !m.setup && m.mode != ModeIdle
	}

	if m.state == Brewing {
		switch m.phase {
		case PhasePreinfusion, PhaseExtraction:
			out.Pump = 100
		}
		out.Solenoid = true
	}
	if m.phase == PhasePostBrew {
		out.Solenoid = true
	}

	// Dry-fire interlock
	if m.waterLow {
		out.Heaters = false
		out.Pump = 0
	}

	if sb := m.cfg.SingleBoiler; sb != nil && m.mode == ModeSteam {
		out.SteamPhase = now.Sub(m.modeSince) >= sb.ModeSwitchDelay
	}
	return out
}

func (m *Machine) latched() bool {
	return m.latch != nil && m.latch.Latched()
}

func (m *Machine) setMode(mode Mode, now time.Time) {
	if mode == m.mode {
		return
	}
	glog.Infof("state: mode %s -> %s", m.mode, mode)
	m.mode = mode
	m.modeSince = now
}

func (m *Machine) exitEco(now time.Time) {
	if m.mode == ModeIdle {
		m.transition(Idle, now)
	} else {
		m.transition(Heating, now)
	}
}
