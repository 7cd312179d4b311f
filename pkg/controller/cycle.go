// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"errors"
	"math"
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/pid"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
	"github.com/golang/glog"
)

// Step runs one control cycle. It boots the controller on first use.
func (c *Controller) Step() {
	if !c.booted {
		c.Boot()
	}
	now := c.now()
	dt := now.Sub(c.lastStep)
	if dt <= 0 {
		dt = c.cfg.Cycle
	}
	c.lastStep = now

	if c.deps.Watchdog != nil {
		c.deps.Watchdog.Kick()
	}
	c.clock.Observe(now)

	c.flow.Enter(classb.CheckSensor)
	c.sample()

	c.flow.Enter(classb.CheckPID)
	brewReq, steamReq := c.regulate(c.machine.Outputs(), dt)

	c.flow.Enter(classb.CheckStrategy)
	duty := c.heat.Apply(heating.Request{
		Brew:         brewReq,
		Steam:        steamReq,
		BrewTemp:     c.readings.BrewTemp,
		BrewSetpoint: c.target.brew,
	})

	c.flow.Enter(classb.CheckState)
	out := c.evaluate(now)
	c.drive(out, duty)
	c.account(out, now)

	c.flow.Enter(classb.CheckProtocol)
	c.link.Service()
	c.checkComm(now)
	c.announce(now)

	r := c.safety.Tick()
	if r.Result == classb.Fail {
		if err := hal.AllOff(c.out); err != nil {
			glog.Errorf("controller: failed to clear outputs: %v", err)
		}
		c.duty, c.pump, c.solenoid = heating.Duty{}, 0, false
	}
	if f, ok := c.safety.TakeFailure(); ok {
		c.reportFailure(f)
	}

	c.publish(now)
}

// sample reads the sensors. A failed read keeps the previous readings and
// raises the fault condition.
func (c *Controller) sample() {
	r, err := c.deps.Sensors.Read()
	if err != nil {
		if c.sensorErr == nil {
			c.logf(logfwd.LevelError, "controller: sensor read failed: %v", err)
		}
		c.sensorErr = err
		return
	}
	if c.sensorErr != nil {
		c.logf(logfwd.LevelInfo, "controller: sensors recovered")
	}
	c.sensorErr = nil
	c.readings = r
}

// regulate runs the boiler loops against the actuation permitted last cycle
// and returns the brew and steam duty requests
func (c *Controller) regulate(permit state.Outputs, dt time.Duration) (brew, steam float64) {
	profile := c.reg.Profile()
	c.target = c.targets(permit)

	if !permit.Heaters || c.latch.Latched() {
		resetLoop(c.brewPID, c.target.brew)
		resetLoop(c.steamPID, c.target.steam)
		c.pressurePID.Reset()
		return 0, 0
	}

	if hx, ok := profile.HeatExchanger(); ok {
		// the only element is in the steam boiler
		switch hx.ControlMode {
		case machine.HXControlPressure:
			return 0, c.pressurePID.Update(c.readings.SteamPressure, dt)
		case machine.HXControlPressurestat:
			// the external pressurestat switches the element
			return 0, 0
		default:
			c.brewPID.SetSetpoint(c.target.brew)
			return 0, c.brewPID.Update(c.readings.SteamTemp, dt)
		}
	}

	if _, ok := profile.SingleBoiler(); ok {
		c.brewPID.SetSetpoint(c.target.brew)
		return c.brewPID.Update(c.readings.BrewTemp, dt), 0
	}

	c.brewPID.SetSetpoint(c.target.brew)
	brew = c.brewPID.Update(c.readings.BrewTemp, dt)
	if permit.Mode == state.ModeSteam {
		c.steamPID.SetSetpoint(c.target.steam)
		steam = c.steamPID.Update(c.readings.SteamTemp, dt)
	} else {
		resetLoop(c.steamPID, c.target.steam)
	}
	return brew, steam
}

// targets returns the setpoints the loops regulate to this cycle. Single
// boilers and heat exchangers drive everything through the brew loop.
func (c *Controller) targets(permit state.Outputs) targets {
	t := targets{brew: pid.FromDeci(c.rec.BrewSetpoint), steam: pid.FromDeci(c.rec.SteamSetpoint)}
	profile := c.reg.Profile()

	switch {
	case profile.Dual():
	case isHX(profile):
		t.brew = t.steam
	default:
		if permit.SteamPhase {
			t.brew = t.steam
		}
	}
	if permit.State == state.Eco {
		if eco := c.machine.EcoConfig().Setpoint; eco < t.brew {
			t.brew = eco
		}
	}
	return t
}

func isHX(p machine.Profile) bool {
	_, ok := p.HeatExchanger()
	return ok
}

// resetLoop clears a loop that is not driving its heater and jumps it to sp
// without ramping
func resetLoop(l *pid.Controller, sp float64) {
	l.Reset()
	l.DisableRamp()
	l.SetSetpoint(sp)
	l.EnableRamp(pid.DefaultRampRate)
}

// evaluate steps the state machine
func (c *Controller) evaluate(now time.Time) state.Outputs {
	progress, cold := c.heatingProgress()
	c.progress = progress

	fault := c.sensorErr != nil || c.outputErr != nil
	over := c.overTemp()
	if over {
		fault = true
	}
	c.setAlarm(protocol.AlarmSensorFail, protocol.SeverityCritical, c.sensorErr != nil, 0)
	c.setAlarm(protocol.AlarmOverTemp, protocol.SeverityCritical, over, uint16(pid.ToDeci(c.hottest())))
	c.setAlarm(protocol.AlarmWaterLow, protocol.SeverityWarning, c.readings.WaterLow, uint16(c.readings.WaterLevel))

	return c.machine.Evaluate(state.Inputs{
		Now:           now,
		StartupPassed: c.startupPassed,
		Progress:      progress,
		Cold:          cold,
		Fault:         fault,
		SetupRequired: c.reg.SetupRequired(),
		WaterLow:      c.readings.WaterLow,
	})
}

// heatingProgress combines the boilers the selected mode needs
func (c *Controller) heatingProgress() (progress float64, cold bool) {
	profile := c.reg.Profile()
	e := profile.Electrical
	r := c.readings
	tol := c.cfg.ReadyTolerance

	var boilers []heating.Boiler
	switch {
	case isHX(profile):
		hx, _ := profile.HeatExchanger()
		if hx.ControlMode == machine.HXControlPressure || hx.ControlMode == machine.HXControlPressurestat {
			sp := hx.PressureSetpoint
			p := heating.Progress(hx.PressureHysteresis, heating.Boiler{Temp: r.SteamPressure, Setpoint: sp})
			return p, r.SteamPressure < sp-hx.PressureHysteresis-hxColdMargin
		}
		boilers = append(boilers, heating.Boiler{Temp: r.SteamTemp, Setpoint: c.target.brew, Watts: float64(e.SteamHeaterWatts)})
	case profile.Dual():
		boilers = append(boilers, heating.Boiler{Temp: r.BrewTemp, Setpoint: c.target.brew, Watts: float64(e.BrewHeaterWatts)})
		if c.machine.Mode() == state.ModeSteam {
			boilers = append(boilers, heating.Boiler{Temp: r.SteamTemp, Setpoint: c.target.steam, Watts: float64(e.SteamHeaterWatts)})
		}
	default:
		boilers = append(boilers, heating.Boiler{Temp: r.BrewTemp, Setpoint: c.target.brew, Watts: float64(e.BrewHeaterWatts)})
	}

	for _, b := range boilers {
		if b.Temp < b.Setpoint-c.cfg.ColdThreshold {
			cold = true
		}
	}
	return heating.Progress(tol, boilers...), cold
}

func (c *Controller) hottest() float64 {
	f := c.reg.Profile().Features
	t := math.Inf(-1)
	if f.HasBrewNTC {
		t = math.Max(t, c.readings.BrewTemp)
	}
	if f.HasSteamNTC {
		t = math.Max(t, c.readings.SteamTemp)
	}
	if math.IsInf(t, -1) {
		return 0
	}
	return t
}

func (c *Controller) overTemp() bool {
	return c.sensorErr == nil && c.cfg.OverTemp > 0 && c.hottest() >= c.cfg.OverTemp
}

// drive writes the permitted actuation. Heater duty needs both the state's
// permission and a clear latch; the coordinator enforces the latch again.
func (c *Controller) drive(out state.Outputs, duty heating.Duty) {
	if !out.Heaters || c.latch.Latched() {
		duty = heating.Duty{}
	}
	pump, solenoid := out.Pump, out.Solenoid
	if c.latch.Latched() {
		pump, solenoid = 0, false
	}

	err := errors.Join(
		c.out.SetHeaters(duty.Brew, duty.Steam),
		c.out.SetPump(pump),
		c.out.SetSolenoid(solenoid),
	)
	c.duty, c.pump, c.solenoid = duty, pump, solenoid

	if err != nil {
		c.outputFails++
		if c.outputErr == nil {
			c.logf(logfwd.LevelError, "controller: output write failed: %v", err)
			if aerr := hal.AllOff(c.out); aerr != nil {
				glog.Errorf("controller: failed to clear outputs: %v", aerr)
			}
		}
	}
	c.outputErr = err
	c.setAlarm(protocol.AlarmHeaterFail, protocol.SeverityCritical, err != nil, uint16(min(c.outputFails, math.MaxUint16)))
}

// account records completed brews and cleaning cycles
func (c *Controller) account(out state.Outputs, now time.Time) {
	if d := out.CompletedBrew; d > 0 {
		c.history.add(now, d, c.uptime(now))
		c.rec.Brews.Count++
		c.rec.Brews.TotalMs += uint64(d / time.Millisecond)
		if d >= c.cfg.CleaningMinBrew && c.rec.Cleaning.Count < math.MaxUint16 {
			c.rec.Cleaning.Count++
			if c.rec.Cleaning.Count == c.rec.Cleaning.Threshold {
				c.logf(logfwd.LevelWarning, "cleaning due after %d brews", c.rec.Cleaning.Count)
			}
		}
		c.logf(logfwd.LevelInfo, "brew %d complete: %.1f s", c.rec.Brews.Count, d.Seconds())
		c.save()
	}
	if out.CompletedCleaning {
		c.rec.Cleaning.Count = 0
		c.logf(logfwd.LevelInfo, "cleaning cycle complete")
		c.save()
	}
}

// checkComm raises the link alarm when nothing was received for the timeout
func (c *Controller) checkComm(now time.Time) {
	if c.cfg.CommTimeout <= 0 {
		return
	}
	last := c.link.Stats().LastReceived
	if last.IsZero() || last.Before(c.start) {
		last = c.start
	}
	silent := now.Sub(last) >= c.cfg.CommTimeout
	if silent == c.commAlarm {
		return
	}
	c.commAlarm = silent
	if silent {
		c.logf(logfwd.LevelWarning, "controller: no traffic from the connectivity unit for %s", c.cfg.CommTimeout)
	}
	c.setAlarm(protocol.AlarmCommTimeout, protocol.SeverityWarning, silent, uint16(min(now.Sub(last)/time.Second, math.MaxUint16)))
}

// announce sends the periodic status and boot frames
func (c *Controller) announce(now time.Time) {
	if now.Sub(c.lastStatus) >= c.cfg.StatusInterval {
		c.lastStatus = now
		if _, err := c.link.Send(protocol.MsgStatus, c.status(now).Encode()); err != nil {
			glog.V(1).Infof("controller: status: %v", err)
		}
	}
	if c.cfg.BootInterval > 0 && now.Sub(c.lastBoot) >= c.cfg.BootInterval {
		c.sendBoot(now)
	}
}

func (c *Controller) sendBoot(now time.Time) {
	c.lastBoot = now
	if _, err := c.link.Send(protocol.MsgBoot, c.bootInfo().Encode()); err != nil {
		glog.V(1).Infof("controller: boot: %v", err)
	}
}

func (c *Controller) bootInfo() protocol.Boot {
	b := protocol.Boot{
		Major:       VersionMajor,
		Minor:       VersionMinor,
		Patch:       VersionPatch,
		MachineType: uint8(c.reg.Profile().Type),
		BoardType:   c.cfg.BoardType,
		BoardMajor:  1,
		ResetReason: c.cfg.ResetReason,
	}
	copy(b.DeviceID[:], c.rec.DeviceID[:])
	return b
}

// setAlarm sends MSG_ALARM on the rising edge of a condition and logs when it
// clears
func (c *Controller) setAlarm(code, severity uint8, active bool, value uint16) {
	if c.alarms[code] == active {
		return
	}
	c.alarms[code] = active
	name := protocol.FormatAlarm(code)
	if !active {
		c.logf(logfwd.LevelInfo, "alarm %s cleared", name)
		return
	}
	c.logf(logfwd.LevelWarning, "alarm %s (value %d)", name, value)
	a := protocol.Alarm{Code: code, Severity: severity, Value: value}
	if _, err := c.link.Send(protocol.MsgAlarm, a.Encode()); err != nil {
		glog.Warningf("controller: alarm: %v", err)
	}
}

func (c *Controller) alarmActive() bool {
	for _, on := range c.alarms {
		if on {
			return true
		}
	}
	return c.latch.Latched()
}

// reportFailure announces the self-test failure that set the latch
func (c *Controller) reportFailure(r classb.Report) {
	c.logf(logfwd.LevelError, "SAFE: self-test %s failed: %s", r.Test, r.Message)
	if _, err := c.link.Send(protocol.MsgDiagnostics, diagResult(r).Encode()); err != nil {
		glog.Warningf("controller: diagnostics: %v", err)
	}
}

func diagResult(r classb.Report) protocol.DiagResult {
	return protocol.DiagResult{
		Test:    uint8(r.Test),
		Result:  uint8(r.Result),
		Value:   int16(max(min(r.Value, math.MaxInt16), math.MinInt16)),
		Message: r.Message,
	}
}

func (c *Controller) uptime(now time.Time) time.Duration {
	return now.Sub(c.start)
}

// status builds the periodic status payload
func (c *Controller) status(now time.Time) protocol.Status {
	r := c.readings
	out := c.machine.Outputs()

	var flags uint8
	if c.machine.Brewing() {
		flags |= protocol.FlagBrewing
	}
	if c.duty.Brew > 0 || c.duty.Steam > 0 {
		flags |= protocol.FlagHeating
	}
	if c.pump > 0 {
		flags |= protocol.FlagPumpOn
	}
	if r.WaterLow {
		flags |= protocol.FlagWaterLow
	}
	if c.alarmActive() {
		flags |= protocol.FlagAlarm
	}

	var shot uint32
	if start, ok := c.machine.BrewStart(); ok {
		shot = clampMs(start.Sub(c.start))
	}

	return protocol.Status{
		BrewTemp:         pid.ToDeci(r.BrewTemp),
		SteamTemp:        pid.ToDeci(r.SteamTemp),
		GroupTemp:        pid.ToDeci(r.GroupTemp),
		Pressure:         uint16(math.Round(math.Max(0, math.Min(r.Pressure*100, math.MaxUint16)))),
		BrewSetpoint:     c.rec.BrewSetpoint,
		SteamSetpoint:    c.rec.SteamSetpoint,
		BrewOutput:       percent(c.duty.Brew),
		SteamOutput:      percent(c.duty.Steam),
		PumpOutput:       percent(c.pump),
		State:            uint8(out.State),
		Flags:            flags,
		WaterLevel:       r.WaterLevel,
		PowerWatts:       c.heat.PowerWatts(c.duty),
		UptimeMs:         clampMs(c.uptime(now)),
		ShotStartMs:      shot,
		Strategy:         uint8(c.heat.Strategy()),
		CleaningReminder: c.rec.Cleaning.Count >= c.rec.Cleaning.Threshold,
		BrewCount:        c.rec.Cleaning.Count,
	}
}

func percent(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(v, 100))))
}

func clampMs(d time.Duration) uint32 {
	ms := d / time.Millisecond
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}
