// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"errors"
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/persist"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
	"github.com/golang/glog"
)

// handle receives every inbound packet from the link. Replies go out before
// the ACK that completes the command.
func (c *Controller) handle(p *protocol.Packet) {
	switch {
	case p.Type() == protocol.MsgPing:
		c.respond(p, nil)
	case p.IsCommand():
		c.respond(p, c.command(p))
	}
}

func (c *Controller) respond(p *protocol.Packet, err error) {
	if err := c.link.Respond(p, refusal(err)); err != nil {
		glog.Warningf("controller: reply to %s: %v", protocol.FormatMessageType(p.Type()), err)
	}
}

// refusal attaches the NACK result to errors returned by the control
// components
func refusal(err error) error {
	if err == nil {
		return nil
	}
	var cmdErr *protocol.CommandError
	if errors.As(err, &cmdErr) {
		return err
	}
	switch {
	case errors.Is(err, state.ErrInvalidMode),
		errors.Is(err, state.ErrInvalid),
		errors.Is(err, heating.ErrUnknownStrategy),
		errors.Is(err, machine.ErrInvalidInstallation),
		errors.Is(err, persist.ErrInvalid),
		errors.Is(err, classb.ErrUnknownTest):
		return protocol.Refuse(protocol.ResultInvalid, err)
	case errors.Is(err, state.ErrNotReady), errors.Is(err, machine.ErrNotConfigured):
		return protocol.Refuse(protocol.ResultNotReady, err)
	case errors.Is(err, state.ErrRejected), errors.Is(err, heating.ErrStrategyNotAllowed):
		return protocol.Refuse(protocol.ResultRejected, err)
	case errors.Is(err, classb.ErrBusy):
		return protocol.Refuse(protocol.ResultBusy, err)
	}
	return err
}

func (c *Controller) command(p *protocol.Packet) error {
	now := c.now()
	payload := p.Payload()

	switch p.Type() {
	case protocol.MsgCmdSetTemp:
		cmd, err := protocol.DecodeSetTemp(payload)
		if err != nil {
			return err
		}
		return c.setTemp(cmd.Target, cmd.Temp, now)

	case protocol.MsgCmdSetPID:
		cmd, err := protocol.DecodeSetPID(payload)
		if err != nil {
			return err
		}
		return c.setPID(cmd)

	case protocol.MsgCmdBrew:
		if len(payload) < 1 {
			return protocol.Refusef(protocol.ResultInvalid, "brew action missing")
		}
		switch payload[0] {
		case protocol.BrewStart:
			return c.machine.StartBrew(now)
		case protocol.BrewStop:
			return c.machine.StopBrew(now)
		}
		return protocol.Refusef(protocol.ResultInvalid, "brew action %d", payload[0])

	case protocol.MsgCmdMode:
		if len(payload) < 1 {
			return protocol.Refusef(protocol.ResultInvalid, "mode missing")
		}
		return c.machine.SetMode(state.Mode(payload[0]), now)

	case protocol.MsgCmdConfig:
		cmd, err := protocol.DecodeConfigCommand(payload)
		if err != nil {
			return err
		}
		return c.configure(cmd, now)

	case protocol.MsgCmdGetConfig:
		return c.reply(protocol.MsgConfig, c.configDump().Encode())

	case protocol.MsgCmdGetEnvConfig:
		return c.reply(protocol.MsgEnvConfig, c.envConfig().Encode())

	case protocol.MsgCmdGetStatistics:
		return c.reply(protocol.MsgStatistics, c.history.stats(now, c.rec.Brews).Encode())

	case protocol.MsgCmdGetBoot:
		return c.reply(protocol.MsgBoot, c.bootInfo().Encode())

	case protocol.MsgCmdCleaningStart:
		return c.machine.StartCleaning(now)

	case protocol.MsgCmdCleaningStop:
		return c.machine.StopCleaning(now)

	case protocol.MsgCmdCleaningReset:
		c.rec.Cleaning.Count = 0
		c.logf(logfwd.LevelInfo, "cleaning reminder reset")
		c.save()
		return nil

	case protocol.MsgCmdCleaningThreshold:
		n, err := protocol.DecodeCleaningThreshold(payload)
		if err != nil {
			return err
		}
		if n < persist.MinCleaningThreshold || n > persist.MaxCleaningThreshold {
			return protocol.Refusef(protocol.ResultInvalid, "cleaning threshold %d outside %d-%d",
				n, persist.MinCleaningThreshold, persist.MaxCleaningThreshold)
		}
		c.rec.Cleaning.Threshold = n
		c.save()
		return nil

	case protocol.MsgCmdDebug:
		return c.reply(protocol.MsgDebugResp, payload)

	case protocol.MsgCmdSetEco:
		cmd, err := protocol.DecodeEcoCommand(payload)
		if err != nil {
			return err
		}
		return c.eco(cmd, now)

	case protocol.MsgCmdBootloader:
		return protocol.Refusef(protocol.ResultFailed, "no bootloader on this host")

	case protocol.MsgCmdDiagnostics:
		return c.diagnostics(classb.TestID(protocol.DecodeDiagnosticsCommand(payload)))

	case protocol.MsgCmdPowerMeterConfig, protocol.MsgCmdPowerMeterDiscover:
		return protocol.Refusef(protocol.ResultNotReady, "no power meter")

	case protocol.MsgCmdLogConfig:
		cmd, err := protocol.DecodeLogConfig(payload)
		if err != nil {
			return err
		}
		if cmd.MinLevel > uint8(logfwd.LevelError) {
			return protocol.Refusef(protocol.ResultInvalid, "log level %d", cmd.MinLevel)
		}
		c.logs.Configure(cmd.Enabled, logfwd.Level(cmd.MinLevel))
		c.rec.LogForward = persist.LogForward{Enabled: cmd.Enabled, MinLevel: cmd.MinLevel}
		c.save()
		return nil
	}
	return protocol.Refusef(protocol.ResultInvalid, "unsupported command 0x%02X", p.Type())
}

func (c *Controller) reply(msgType uint8, payload []byte) error {
	if _, err := c.link.Send(msgType, payload); err != nil {
		return protocol.Refuse(protocol.ResultFailed, err)
	}
	return nil
}

func validSetpoint(v int16) error {
	if v < 0 || v > persist.MaxSetpoint {
		return protocol.Refusef(protocol.ResultInvalid, "setpoint %s outside 0-%s",
			protocol.FormatTemp(v), protocol.FormatTemp(persist.MaxSetpoint))
	}
	return nil
}

func (c *Controller) setTemp(target uint8, temp int16, now time.Time) error {
	if err := validSetpoint(temp); err != nil {
		return err
	}
	switch target {
	case protocol.TargetBrew:
		c.rec.BrewSetpoint = temp
	case protocol.TargetSteam:
		c.rec.SteamSetpoint = temp
	default:
		return protocol.Refusef(protocol.ResultInvalid, "target %d", target)
	}
	c.machine.Activity(now)
	c.logf(logfwd.LevelInfo, "setpoint %d set to %s", target, protocol.FormatTemp(temp))
	c.save()
	return nil
}

func (c *Controller) setPID(cmd protocol.SetPID) error {
	g := persist.Gains{Kp: cmd.Kp, Ki: cmd.Ki, Kd: cmd.Kd}
	if g == (persist.Gains{}) {
		return protocol.Refusef(protocol.ResultInvalid, "all gains zero")
	}
	switch cmd.Target {
	case protocol.TargetBrew:
		c.rec.BrewGains = g
		c.brewPID.SetGains(gainsFrom(g))
	case protocol.TargetSteam:
		c.rec.SteamGains = g
		c.steamPID.SetGains(gainsFrom(g))
	default:
		return protocol.Refusef(protocol.ResultInvalid, "target %d", cmd.Target)
	}
	c.save()
	return nil
}

func (c *Controller) configure(cmd protocol.ConfigCommand, now time.Time) error {
	switch cmd.Kind {
	case protocol.ConfigHeatingStrategy:
		if err := c.heat.SetStrategy(heating.Strategy(cmd.Strategy)); err != nil {
			return err
		}
		c.rec.Strategy = cmd.Strategy

	case protocol.ConfigPreinfusion:
		p := persist.Preinfusion{Enabled: cmd.Preinfusion.Enabled, OnMs: cmd.Preinfusion.OnMs, PauseMs: cmd.Preinfusion.PauseMs}
		if p.OnMs > persist.MaxPreinfusionMs || p.PauseMs > persist.MaxPreinfusionMs {
			return protocol.Refusef(protocol.ResultInvalid, "pre-infusion %d/%d ms", p.OnMs, p.PauseMs)
		}
		if err := c.machine.SetPreinfusion(preinfusionFrom(p)); err != nil {
			return err
		}
		c.rec.Preinfusion = p

	case protocol.ConfigTemps:
		if err := errors.Join(validSetpoint(cmd.Temps.Brew), validSetpoint(cmd.Temps.Steam)); err != nil {
			return protocol.Refuse(protocol.ResultInvalid, err)
		}
		c.rec.BrewSetpoint, c.rec.SteamSetpoint = cmd.Temps.Brew, cmd.Temps.Steam
		c.machine.Activity(now)

	case protocol.ConfigEnvironmental:
		inst := machine.Installation{
			Voltage:    cmd.Environmental.Voltage,
			MaxCurrent: float64(cmd.Environmental.MaxCurrent),
		}
		if err := c.reg.SetInstallation(inst); err != nil {
			return err
		}
		c.heat.Revalidate()
		c.rec.Installation = &inst
		c.rec.Strategy = uint8(c.heat.Strategy())
		c.logf(logfwd.LevelInfo, "installation set: %s", c.reg)

	case protocol.ConfigEco:
		e, err := c.ecoConfig(cmd.Eco, now)
		if err != nil {
			return err
		}
		c.rec.Eco = e

	default:
		return protocol.Refusef(protocol.ResultInvalid, "config category 0x%02X", cmd.Kind)
	}
	c.save()
	return nil
}

func (c *Controller) ecoConfig(d protocol.EcoData, now time.Time) (persist.Eco, error) {
	e := persist.Eco{Enabled: d.Enabled, Setpoint: d.Temp, TimeoutMinutes: d.TimeoutMinutes}
	if err := validSetpoint(e.Setpoint); err != nil {
		return e, err
	}
	if e.TimeoutMinutes > persist.MaxEcoTimeoutMinutes {
		return e, protocol.Refusef(protocol.ResultInvalid, "eco timeout %d min", e.TimeoutMinutes)
	}
	return e, c.machine.SetEcoConfig(ecoFrom(e), now)
}

func (c *Controller) eco(cmd protocol.EcoCommand, now time.Time) error {
	if cmd.Configure {
		e, err := c.ecoConfig(cmd.Config, now)
		if err != nil {
			return err
		}
		c.rec.Eco = e
		c.save()
		return nil
	}
	switch cmd.Action {
	case protocol.EcoEnter:
		return c.machine.EnterEco(now)
	case protocol.EcoExit:
		return c.machine.ExitEco(now)
	}
	return protocol.Refusef(protocol.ResultInvalid, "eco action %d", cmd.Action)
}

// diagnostics runs self-tests on demand and streams the header, the results
// and the closing header
func (c *Controller) diagnostics(id classb.TestID) error {
	start := time.Now()
	reports, err := c.safety.RunDiagnostic(id)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	h := protocol.DiagHeader{Count: uint8(len(reports))}
	for _, r := range reports {
		switch r.Result {
		case classb.Pass:
			h.Pass++
		case classb.Fail:
			h.Fail++
		case classb.Warn:
			h.Warn++
		case classb.Skip:
			h.Skip++
		}
	}
	if err := c.reply(protocol.MsgDiagnostics, h.Encode()); err != nil {
		return err
	}
	for _, r := range reports {
		if err := c.reply(protocol.MsgDiagnostics, diagResult(r).Encode()); err != nil {
			return err
		}
	}
	h.Complete = true
	h.DurationMs = uint16(min(elapsed/time.Millisecond, 0xFFFF))
	c.logf(logfwd.LevelInfo, "diagnostics %s: %d pass, %d fail, %d warn, %d skip", id, h.Pass, h.Fail, h.Warn, h.Skip)
	return c.reply(protocol.MsgDiagnostics, h.Encode())
}

func (c *Controller) configDump() protocol.Config {
	return protocol.Config{
		BrewSetpoint:  c.rec.BrewSetpoint,
		SteamSetpoint: c.rec.SteamSetpoint,
		Kp:            c.rec.BrewGains.Kp,
		Ki:            c.rec.BrewGains.Ki,
		Kd:            c.rec.BrewGains.Kd,
		Strategy:      uint8(c.heat.Strategy()),
		MachineType:   uint8(c.reg.Profile().Type),
	}
}

// envConfig reports the derived electrical state. All fields are zero in
// setup mode.
func (c *Controller) envConfig() protocol.EnvConfig {
	e, err := c.reg.Electrical()
	if err != nil {
		return protocol.EnvConfig{}
	}
	return protocol.EnvConfig{
		Voltage:            e.Voltage,
		MaxCurrent:         float32(e.MaxCurrent),
		BrewCurrent:        float32(e.BrewCurrent),
		SteamCurrent:       float32(e.SteamCurrent),
		MaxCombinedCurrent: float32(e.MaxCombinedCurrent),
	}
}
