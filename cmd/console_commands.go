// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
)

// errUsage is returned when a console argument does not parse
var errUsage = errors.New("usage")

// consoleAction is one entry of the console command list
type consoleAction struct {
	name  string
	help  string
	arg   string // placeholder, empty when the action takes no argument
	build func(arg string) (uint8, []byte, error)
}

// Implement list.Item interface
func (a consoleAction) Title() string       { return a.name }
func (a consoleAction) Description() string { return a.help }
func (a consoleAction) FilterValue() string { return a.name }

func fixed(msgType uint8, payload ...byte) func(string) (uint8, []byte, error) {
	return func(string) (uint8, []byte, error) {
		return msgType, payload, nil
	}
}

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// consoleActions lists the commands the console can send
var consoleActions = []consoleAction{
	{name: "Mode: brew", help: "heat the brew boiler", build: fixed(protocol.MsgCmdMode, byte(state.ModeBrew))},
	{name: "Mode: steam", help: "heat both boilers for steaming", build: fixed(protocol.MsgCmdMode, byte(state.ModeSteam))},
	{name: "Mode: idle", help: "stop heating", build: fixed(protocol.MsgCmdMode, byte(state.ModeIdle))},
	{name: "Brew: start", help: "start a shot (machine must be ready)", build: fixed(protocol.MsgCmdBrew, protocol.BrewStart)},
	{name: "Brew: stop", help: "stop the shot", build: fixed(protocol.MsgCmdBrew, protocol.BrewStop)},
	{name: "Set brew temp", help: "brew setpoint in °C", arg: "93.0", build: buildSetTemp(protocol.TargetBrew)},
	{name: "Set steam temp", help: "steam setpoint in °C", arg: "135.0", build: buildSetTemp(protocol.TargetSteam)},
	{name: "Set PID gains", help: "brew|steam kp ki kd", arg: "brew 2.0 0.1 1.0", build: buildSetPID},
	{name: "Heating strategy", help: "brew-only, sequential, parallel, smart-stagger", arg: "sequential", build: buildStrategy},
	{name: "Pre-infusion", help: "off, or on <pump ms> <pause ms>", arg: "on 1000 2000", build: buildPreinfusion},
	{name: "Installation", help: "mains volts and breaker amps", arg: "230 16", build: buildInstallation},
	{name: "Eco: enter", help: "drop to the eco setpoint now", build: fixed(protocol.MsgCmdSetEco, protocol.EcoEnter)},
	{name: "Eco: exit", help: "leave eco mode", build: fixed(protocol.MsgCmdSetEco, protocol.EcoExit)},
	{name: "Eco: configure", help: "on|off <°C> <idle minutes>", arg: "on 80 30", build: buildEco},
	{name: "Cleaning: start", help: "run a backflush cycle", build: fixed(protocol.MsgCmdCleaningStart)},
	{name: "Cleaning: stop", help: "abort the backflush cycle", build: fixed(protocol.MsgCmdCleaningStop)},
	{name: "Cleaning: reset", help: "clear the cleaning reminder", build: fixed(protocol.MsgCmdCleaningReset)},
	{name: "Cleaning: threshold", help: "brews between reminders", arg: "200", build: buildCleaningThreshold},
	{name: "Get config", help: "request MSG_CONFIG", build: fixed(protocol.MsgCmdGetConfig)},
	{name: "Get env config", help: "request MSG_ENV_CONFIG", build: fixed(protocol.MsgCmdGetEnvConfig)},
	{name: "Get statistics", help: "request brew statistics", build: fixed(protocol.MsgCmdGetStatistics)},
	{name: "Get boot info", help: "request MSG_BOOT", build: fixed(protocol.MsgCmdGetBoot)},
	{name: "Diagnostics", help: "all, ram, flash, cpu, io, clock, stack, pc", arg: "all", build: buildDiagnostics},
	{name: "Log forwarding", help: "off, or on <debug|info|warn|error>", arg: "on info", build: buildLogConfig},
	{name: "Debug echo", help: "hex bytes echoed back", arg: "de ad be ef", build: buildDebug},
	{name: "Ping", help: "MSG_PING, answered with ACK", build: fixed(protocol.MsgPing)},
}

func parseTemp(v string) (int16, error) {
	t, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(t) {
		return 0, usage("temperature %q", v)
	}
	deci := math.Round(t * 10)
	if deci < math.MinInt16 || deci > math.MaxInt16 {
		return 0, usage("temperature %q out of range", v)
	}
	return int16(deci), nil
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, usage("expected on or off, got %q", v)
}

func parseUint16(v, what string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, usage("%s %q", what, v)
	}
	return uint16(n), nil
}

func buildSetTemp(target uint8) func(string) (uint8, []byte, error) {
	return func(arg string) (uint8, []byte, error) {
		t, err := parseTemp(arg)
		if err != nil {
			return 0, nil, err
		}
		return protocol.MsgCmdSetTemp, protocol.SetTemp{Target: target, Temp: t}.Encode(), nil
	}
}

func parseTarget(v string) (uint8, error) {
	switch strings.ToLower(v) {
	case "brew":
		return protocol.TargetBrew, nil
	case "steam":
		return protocol.TargetSteam, nil
	}
	return 0, usage("boiler %q (brew or steam)", v)
}

// scaleGain converts a gain to the wire's hundredths
func scaleGain(v string) (uint16, error) {
	g, err := strconv.ParseFloat(v, 64)
	if err != nil || g < 0 || g*100 > math.MaxUint16 {
		return 0, usage("gain %q", v)
	}
	return uint16(math.Round(g * 100)), nil
}

func buildSetPID(arg string) (uint8, []byte, error) {
	f := strings.Fields(arg)
	if len(f) != 4 {
		return 0, nil, usage("brew|steam kp ki kd")
	}
	target, err := parseTarget(f[0])
	if err != nil {
		return 0, nil, err
	}
	var gains [3]uint16
	for i := range gains {
		if gains[i], err = scaleGain(f[i+1]); err != nil {
			return 0, nil, err
		}
	}
	return protocol.MsgCmdSetPID, protocol.SetPID{Target: target, Kp: gains[0], Ki: gains[1], Kd: gains[2]}.Encode(), nil
}

func buildStrategy(arg string) (uint8, []byte, error) {
	s, err := heating.ParseStrategy(arg)
	if err != nil {
		return 0, nil, usage("%v", err)
	}
	return protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(s)), nil
}

func buildPreinfusion(arg string) (uint8, []byte, error) {
	f := strings.Fields(arg)
	if len(f) == 0 {
		return 0, nil, usage("off, or on <pump ms> <pause ms>")
	}
	on, err := parseOnOff(f[0])
	if err != nil {
		return 0, nil, err
	}
	c := protocol.ConfigPreinfusionData{Enabled: on}
	if on {
		if len(f) != 3 {
			return 0, nil, usage("on <pump ms> <pause ms>")
		}
		if c.OnMs, err = parseUint16(f[1], "pump time"); err != nil {
			return 0, nil, err
		}
		if c.PauseMs, err = parseUint16(f[2], "pause time"); err != nil {
			return 0, nil, err
		}
	}
	return protocol.MsgCmdConfig, protocol.EncodeConfigPreinfusion(c), nil
}

func buildInstallation(arg string) (uint8, []byte, error) {
	f := strings.Fields(arg)
	if len(f) != 2 {
		return 0, nil, usage("<volts> <amps>")
	}
	volts, err := parseUint16(f[0], "voltage")
	if err != nil {
		return 0, nil, err
	}
	amps, err := strconv.ParseFloat(f[1], 32)
	if err != nil || amps <= 0 {
		return 0, nil, usage("current %q", f[1])
	}
	return protocol.MsgCmdConfig, protocol.EncodeConfigEnvironmental(protocol.ConfigEnvironmentalData{
		Voltage:    volts,
		MaxCurrent: float32(amps),
	}), nil
}

func buildEco(arg string) (uint8, []byte, error) {
	f := strings.Fields(arg)
	if len(f) != 3 {
		return 0, nil, usage("on|off <°C> <idle minutes>")
	}
	on, err := parseOnOff(f[0])
	if err != nil {
		return 0, nil, err
	}
	t, err := parseTemp(f[1])
	if err != nil {
		return 0, nil, err
	}
	minutes, err := parseUint16(f[2], "timeout")
	if err != nil {
		return 0, nil, err
	}
	return protocol.MsgCmdSetEco, protocol.EcoData{Enabled: on, Temp: t, TimeoutMinutes: minutes}.Encode(), nil
}

func buildCleaningThreshold(arg string) (uint8, []byte, error) {
	n, err := parseUint16(strings.TrimSpace(arg), "threshold")
	if err != nil {
		return 0, nil, err
	}
	return protocol.MsgCmdCleaningThreshold, protocol.EncodeCleaningThreshold(n), nil
}

func buildDiagnostics(arg string) (uint8, []byte, error) {
	name := strings.ToLower(strings.TrimSpace(arg))
	if name == "" || name == "all" {
		return protocol.MsgCmdDiagnostics, []byte{protocol.DiagAll}, nil
	}
	if name == "pc" {
		name = classb.TestPC.String()
	}
	for _, id := range classb.Tests {
		if id.String() == name {
			return protocol.MsgCmdDiagnostics, []byte{byte(id)}, nil
		}
	}
	return 0, nil, usage("self-test %q", arg)
}

func buildLogConfig(arg string) (uint8, []byte, error) {
	f := strings.Fields(arg)
	if len(f) == 0 {
		return 0, nil, usage("off, or on <level>")
	}
	on, err := parseOnOff(f[0])
	if err != nil {
		return 0, nil, err
	}
	c := protocol.LogConfig{Enabled: on, MinLevel: uint8(logfwd.LevelInfo)}
	if on && len(f) > 1 {
		found := false
		for l := logfwd.LevelDebug; l <= logfwd.LevelError; l++ {
			if strings.EqualFold(l.String(), f[1]) || (f[1] == "warning" && l == logfwd.LevelWarning) {
				c.MinLevel, found = uint8(l), true
			}
		}
		if !found {
			return 0, nil, usage("log level %q", f[1])
		}
	}
	return protocol.MsgCmdLogConfig, c.Encode(), nil
}

func buildDebug(arg string) (uint8, []byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(arg, " ", ""))
	if err != nil {
		return 0, nil, usage("hex bytes: %v", err)
	}
	if len(b) > protocol.MaxPayloadSize {
		return 0, nil, usage("at most %d bytes", protocol.MaxPayloadSize)
	}
	return protocol.MsgCmdDebug, b, nil
}
