// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package controller runs the control cycle of the espresso machine.
//
// One goroutine owns every piece of control and safety state. Each cycle it
// reads the sensors, runs the boiler PID loops, allocates heater duty, steps
// the operating state machine, drives the outputs, services the link and runs
// the periodic self-tests, in that order. Inbound packets are fed on the same
// goroutine, so command handlers never race the cycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/persist"
	"github.com/Thermoquad/crema/pkg/pid"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
	"github.com/golang/glog"
)

// Firmware version reported in the boot announcement
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// BoardHost identifies a controller running on a general purpose host
const BoardHost = 0x10

// Config holds the loop timing and limits
type Config struct {
	Cycle          time.Duration
	StatusInterval time.Duration
	BootInterval   time.Duration
	CommTimeout    time.Duration

	ReadyTolerance float64 // °C
	ColdThreshold  float64 // °C
	OverTemp       float64 // °C

	// CleaningMinBrew is the shortest brew counted toward the cleaning reminder
	CleaningMinBrew time.Duration

	SequentialThresholdPct float64
	MinDutyPct             float64

	RAMWords    int // words in the self-test RAM region
	BoardType   uint8
	ResetReason uint32
	Safety      classb.Config
}

// DefaultConfig returns the standard timing
func DefaultConfig() Config {
	return Config{
		Cycle:                  100 * time.Millisecond,
		StatusInterval:         250 * time.Millisecond,
		BootInterval:           5 * time.Minute,
		CommTimeout:            5 * time.Second,
		ReadyTolerance:         state.DefaultReadyTolerance,
		ColdThreshold:          state.DefaultColdThreshold,
		OverTemp:               165,
		CleaningMinBrew:        15 * time.Second,
		SequentialThresholdPct: machine.DefaultSequentialThresholdPct,
		MinDutyPct:             machine.DefaultMinDutyPct,
		RAMWords:               256,
		BoardType:              BoardHost,
		Safety:                 classb.DefaultConfig(),
	}
}

// Deps are the collaborators of a Controller
type Deps struct {
	Registry *machine.Registry
	Sensors  hal.Sensors
	Outputs  hal.Outputs
	Link     io.Writer

	// Store holds the configuration record. Nil keeps it in memory.
	Store    persist.Store
	Watchdog hal.Watchdog

	// Image is the program image checked by the flash self-test
	Image     io.ReaderAt
	ImageSize int64

	Now func() time.Time
}

// pressure mode gains for heat-exchanger boilers, per bar
var hxPressureGains = pid.Gains{Kp: 60, Ki: 2, Kd: 5}

// hxColdMargin is how far below the pressure setpoint a heat-exchanger boiler
// counts as cold (bar)
const hxColdMargin = 0.3

// clockWindow is the number of cycles the clock self-test measures over
const clockWindow = 50

type targets struct {
	brew  float64 // °C
	steam float64 // °C
}

// Controller is the control loop. Construct it with New, call Boot once and
// then Step every cycle, or let Run do both.
type Controller struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	reg  *machine.Registry

	link     *protocol.Engine
	latch    *classb.Latch
	safety   *classb.Engine
	flow     *classb.FlowMonitor
	clock    *classb.CycleClock
	shadow   *classb.Shadow
	work     *classb.Workspace
	canaries *classb.Canaries
	out      *hal.Tracked

	machine     *state.Machine
	heat        *heating.Coordinator
	brewPID     *pid.Controller
	steamPID    *pid.Controller
	pressurePID *pid.Controller
	logs        *logfwd.Forwarder

	store   persist.Store
	rec     persist.Config
	history brewHistory

	booted        bool
	startupPassed bool
	start         time.Time
	lastStep      time.Time
	lastStatus    time.Time
	lastBoot      time.Time

	readings    hal.Readings
	sensorErr   error
	outputErr   error
	target      targets
	duty        heating.Duty
	pump        float64
	solenoid    bool
	progress    float64
	commAlarm   bool
	alarms      map[uint8]bool
	outputFails uint64

	resetCh chan struct{}

	mu   sync.Mutex
	snap Snapshot
}

// New creates a controller. The configuration record is loaded from the
// store; a missing or damaged record is replaced by defaults.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Registry == nil || deps.Sensors == nil || deps.Outputs == nil || deps.Link == nil {
		return nil, errors.New("controller: registry, sensors, outputs and link are required")
	}
	if cfg.Cycle <= 0 {
		return nil, fmt.Errorf("controller: invalid cycle %s", cfg.Cycle)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = persist.NewMemoryStore()
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		now:      deps.Now,
		reg:      deps.Registry,
		store:    deps.Store,
		latch:    &classb.Latch{},
		flow:     classb.NewFlowMonitor(),
		clock:    classb.NewCycleClock(clockWindow),
		shadow:   &classb.Shadow{},
		work:     classb.NewWorkspace(cfg.RAMWords),
		canaries: classb.NewCanaries(),
		alarms:   map[uint8]bool{},
		resetCh:  make(chan struct{}, 1),
	}
	c.out = hal.NewTracked(deps.Outputs, c.shadow)
	c.clock.Calibrate(cfg.Cycle)

	c.link = protocol.NewEngine(deps.Link, protocol.Options{Now: c.now})
	c.link.SetHandler(c.handle)

	c.logs = logfwd.New(logfwd.SinkFunc(func(e logfwd.Entry) error {
		_, err := c.link.Send(protocol.MsgLog, protocol.LogMessage{Level: uint8(e.Level), Text: e.Text}.Encode())
		return err
	}))

	safetyCfg := cfg.Safety
	safetyCfg.ClockNominalHz = float64(time.Second) / float64(cfg.Cycle)
	c.safety = classb.NewEngine(safetyCfg, classb.Deps{
		Memory:    c.work,
		Image:     deps.Image,
		ImageSize: deps.ImageSize,
		Shadow:    c.shadow,
		ReadBack:  deps.Outputs,
		Clock:     c.clock,
		Guards:    []classb.Guard{c.work, c.canaries},
		Flow:      c.flow,
	}, c.latch)
	c.safety.SetNow(c.now)

	rec, err := persist.Load(c.store)
	switch {
	case err == nil:
		glog.Infof("controller: loaded configuration (device %s)", rec.DeviceID)
	case errors.Is(err, persist.ErrNotFound):
		glog.Infof("controller: no saved configuration, using defaults (device %s)", rec.DeviceID)
	default:
		glog.Warningf("controller: saved configuration unusable, using defaults: %v", err)
	}
	c.apply(rec, err != nil)
	return c, nil
}

// apply installs a configuration record into the control components
func (c *Controller) apply(rec persist.Config, fresh bool) {
	profile := c.reg.Profile()

	if fresh {
		if sb, ok := profile.SingleBoiler(); ok {
			rec.BrewSetpoint = pid.ToDeci(sb.BrewSetpoint)
			rec.SteamSetpoint = pid.ToDeci(sb.SteamSetpoint)
		}
		if hx, ok := profile.HeatExchanger(); ok {
			rec.SteamSetpoint = pid.ToDeci(hx.SteamSetpoint)
		}
	}

	// the saved installation wins over the one given at startup
	if rec.Installation != nil {
		if err := c.reg.SetInstallation(*rec.Installation); err != nil {
			glog.Errorf("controller: saved installation rejected: %v", err)
			rec.Installation = nil
		}
	}
	if rec.Installation == nil {
		if inst, ok := c.reg.Installation(); ok {
			rec.Installation = &inst
		}
	}

	c.heat = heating.NewCoordinator(c.reg, c.latch, heating.Config{
		Strategy:               heating.Strategy(rec.Strategy),
		SequentialThresholdPct: c.cfg.SequentialThresholdPct,
		MinDutyPct:             c.cfg.MinDutyPct,
	})
	c.heat.Revalidate()
	rec.Strategy = uint8(c.heat.Strategy())

	sc := state.DefaultConfig()
	sc.Preinfusion = preinfusionFrom(rec.Preinfusion)
	sc.Eco = ecoFrom(rec.Eco)
	if sb, ok := profile.SingleBoiler(); ok {
		sc.SingleBoiler = &sb
	}
	c.machine = state.New(sc, c.latch, c.now())

	c.brewPID = pid.New(pid.FromDeci(rec.BrewSetpoint))
	c.brewPID.SetGains(gainsFrom(rec.BrewGains))
	c.brewPID.EnableRamp(pid.DefaultRampRate)
	c.steamPID = pid.New(pid.FromDeci(rec.SteamSetpoint))
	c.steamPID.SetGains(gainsFrom(rec.SteamGains))
	c.steamPID.EnableRamp(pid.DefaultRampRate)
	hx, _ := profile.HeatExchanger()
	c.pressurePID = pid.New(hx.PressureSetpoint)
	c.pressurePID.SetGains(hxPressureGains)

	c.logs.Configure(rec.LogForward.Enabled, logfwd.Level(rec.LogForward.MinLevel))
	c.rec = rec
	if fresh {
		c.save()
	}
}

func preinfusionFrom(p persist.Preinfusion) state.Preinfusion {
	return state.Preinfusion{
		Enabled: p.Enabled,
		On:      time.Duration(p.OnMs) * time.Millisecond,
		Pause:   time.Duration(p.PauseMs) * time.Millisecond,
	}
}

func ecoFrom(e persist.Eco) state.EcoConfig {
	return state.EcoConfig{
		Enabled:  e.Enabled,
		Setpoint: pid.FromDeci(e.Setpoint),
		Timeout:  time.Duration(e.TimeoutMinutes) * time.Minute,
	}
}

func gainsFrom(g persist.Gains) pid.Gains {
	return pid.Gains{Kp: float64(g.Kp) / 100, Ki: float64(g.Ki) / 100, Kd: float64(g.Kd) / 100}
}

// save writes the configuration record. A failed write is logged; the
// running configuration stays in effect.
func (c *Controller) save() {
	if err := persist.Save(c.store, c.rec); err != nil {
		c.logf(logfwd.LevelError, "controller: failed to save configuration: %v", err)
	}
}

// Link returns the protocol engine
func (c *Controller) Link() *protocol.Engine {
	return c.link
}

// Logs returns the log forwarder
func (c *Controller) Logs() *logfwd.Forwarder {
	return c.logs
}

// Boot drives every output off, runs the startup self-test and announces the
// controller on the link. The state machine is evaluated before the
// announcement, so it has left INIT once the peer sees the handshake if the
// self-test passed.
func (c *Controller) Boot() {
	now := c.now()
	c.start = now
	c.lastStep = now
	c.lastStatus = now
	c.booted = true

	if err := hal.AllOff(c.out); err != nil {
		c.logf(logfwd.LevelError, "controller: failed to clear outputs: %v", err)
	}
	c.runStartup(c.safety.RunStartup())
	c.sample()
	c.evaluate(now)

	glog.Infof("controller: %s, strategy %s, device %s", c.reg, c.heat.Strategy(), c.rec.DeviceID)
	if err := c.link.SendHandshake(); err != nil {
		glog.Warningf("controller: handshake: %v", err)
	}
	c.sendBoot(now)
	c.publish(now)
}

func (c *Controller) runStartup(reports []classb.Report) {
	c.startupPassed = c.safety.Status().StartupPassed
	for _, r := range reports {
		if r.Result == classb.Fail {
			c.logf(logfwd.LevelError, "self-test %s failed: %s", r.Test, r.Message)
		}
	}
	if r, ok := c.safety.TakeFailure(); ok {
		c.reportFailure(r)
	}
}

// RequestReset asks the loop started by Run to perform the physical reset.
// It is safe to call from any goroutine.
func (c *Controller) RequestReset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// Reset is the physical reset path: it clears the self-test latch, reruns the
// startup battery and, if everything passes, lets the state machine leave
// SAFE. It must run on the control goroutine and is never reachable from a
// link command.
func (c *Controller) Reset() error {
	now := c.now()
	c.clock.Reset()
	c.runStartup(c.safety.Reset())
	if c.latch.Latched() {
		return fmt.Errorf("self-test %s still failing", c.latch.Cause())
	}
	if c.machine.State() == state.Safe {
		if err := c.machine.Recover(now); err != nil {
			return err
		}
	}
	c.logf(logfwd.LevelWarning, "controller: reset complete, self-test passed")
	return nil
}

// Feed passes link bytes to the protocol engine. It must run on the control
// goroutine.
func (c *Controller) Feed(data []byte) {
	c.link.Feed(data)
}

// Run boots the controller if needed and runs the loop until ctx ends: bytes
// from r are fed as they arrive, Step runs every cycle and the log forwarder
// drains in the background. A failing reader is logged and the loop keeps
// controlling; r may be nil. Every output is switched off on return.
func (c *Controller) Run(ctx context.Context, r io.Reader) error {
	if !c.booted {
		c.Boot()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := c.logs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			glog.Warningf("controller: log forwarder: %v", err)
		}
	}()

	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)
	if r != nil {
		go func() {
			buf := make([]byte, 256)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					chunk := append([]byte(nil), buf[:n]...)
					select {
					case chunks <- chunk:
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					errc <- err
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(c.cfg.Cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := hal.AllOff(c.out); err != nil {
				glog.Errorf("controller: failed to clear outputs on exit: %v", err)
			}
			glog.Infof("controller: stopped")
			return ctx.Err()
		case err := <-errc:
			c.logf(logfwd.LevelError, "controller: link read failed: %v", err)
			errc = nil
		case chunk := <-chunks:
			c.link.Feed(chunk)
		case <-ticker.C:
			c.Step()
		case <-c.resetCh:
			if err := c.Reset(); err != nil {
				glog.Errorf("controller: reset: %v", err)
			}
		}
	}
}

// logf logs through glog and queues the line for forwarding
func (c *Controller) logf(level logfwd.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case logfwd.LevelError:
		glog.ErrorDepth(1, msg)
	case logfwd.LevelWarning:
		glog.WarningDepth(1, msg)
	case logfwd.LevelInfo:
		glog.InfoDepth(1, msg)
	default:
		if glog.V(1) {
			glog.InfoDepth(1, msg)
		}
	}
	c.logs.Logf(level, "%s", msg)
}
