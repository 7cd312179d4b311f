// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"strings"
	"testing"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleActions_DefaultsBuild(t *testing.T) {
	for _, a := range consoleActions {
		msgType, payload, err := a.build(a.arg)
		require.NoError(t, err, a.name)
		assert.LessOrEqual(t, len(payload), protocol.MaxPayloadSize, a.name)
		if msgType != protocol.MsgPing {
			assert.GreaterOrEqual(t, msgType, uint8(protocol.MsgCmdSetTemp), a.name)
		}
	}
}

func TestBuildSetTemp(t *testing.T) {
	msgType, payload, err := buildSetTemp(protocol.TargetSteam)("135.25")
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MsgCmdSetTemp), msgType)

	cmd, err := protocol.DecodeSetTemp(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TargetSteam), cmd.Target)
	assert.Equal(t, int16(1353), cmd.Temp, "rounded to tenths")

	for _, bad := range []string{"", "hot", "NaN", "99999"} {
		_, _, err := buildSetTemp(protocol.TargetBrew)(bad)
		assert.ErrorIs(t, err, errUsage, "%q", bad)
	}
}

func TestBuildSetPID(t *testing.T) {
	_, payload, err := buildSetPID("steam 2.5 0.05 12")
	require.NoError(t, err)
	cmd, err := protocol.DecodeSetPID(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.SetPID{Target: protocol.TargetSteam, Kp: 250, Ki: 5, Kd: 1200}, cmd)

	for _, bad := range []string{"brew 1 2", "group 1 2 3", "brew -1 0 0", "brew 1 x 0", "brew 700 0 0"} {
		_, _, err := buildSetPID(bad)
		assert.ErrorIs(t, err, errUsage, "%q", bad)
	}
}

func TestBuildStrategy(t *testing.T) {
	msgType, payload, err := buildStrategy("smart-stagger")
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MsgCmdConfig), msgType)

	cmd, err := protocol.DecodeConfigCommand(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.ConfigHeatingStrategy), cmd.Kind)
	assert.Equal(t, uint8(heating.SmartStagger), cmd.Strategy)

	_, _, err = buildStrategy("turbo")
	assert.ErrorIs(t, err, errUsage)
}

func TestBuildPreinfusion(t *testing.T) {
	_, payload, err := buildPreinfusion("on 1500 2500")
	require.NoError(t, err)
	cmd, err := protocol.DecodeConfigCommand(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.ConfigPreinfusion), cmd.Kind)
	assert.Equal(t, protocol.ConfigPreinfusionData{Enabled: true, OnMs: 1500, PauseMs: 2500}, cmd.Preinfusion)

	_, payload, err = buildPreinfusion("off")
	require.NoError(t, err)
	cmd, err = protocol.DecodeConfigCommand(payload)
	require.NoError(t, err)
	assert.False(t, cmd.Preinfusion.Enabled)

	for _, bad := range []string{"", "on", "on 1000", "maybe 1 2", "on 70000 1"} {
		_, _, err := buildPreinfusion(bad)
		assert.ErrorIs(t, err, errUsage, "%q", bad)
	}
}

func TestBuildInstallation(t *testing.T) {
	_, payload, err := buildInstallation("230 16")
	require.NoError(t, err)
	cmd, err := protocol.DecodeConfigCommand(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.ConfigEnvironmental), cmd.Kind)
	assert.Equal(t, uint16(230), cmd.Environmental.Voltage)
	assert.InDelta(t, 16.0, cmd.Environmental.MaxCurrent, 1e-6)

	for _, bad := range []string{"230", "230 0", "mains 16", "230 -3"} {
		_, _, err := buildInstallation(bad)
		assert.ErrorIs(t, err, errUsage, "%q", bad)
	}
}

func TestBuildEco(t *testing.T) {
	msgType, payload, err := buildEco("on 80 30")
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MsgCmdSetEco), msgType)

	cmd, err := protocol.DecodeEcoCommand(payload)
	require.NoError(t, err)
	assert.True(t, cmd.Configure)
	assert.Equal(t, protocol.EcoData{Enabled: true, Temp: 800, TimeoutMinutes: 30}, cmd.Config)

	_, _, err = buildEco("on 80")
	assert.ErrorIs(t, err, errUsage)
}

func TestBuildCleaningThreshold(t *testing.T) {
	_, payload, err := buildCleaningThreshold(" 250 ")
	require.NoError(t, err)
	n, err := protocol.DecodeCleaningThreshold(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(250), n)

	_, _, err = buildCleaningThreshold("-1")
	assert.ErrorIs(t, err, errUsage)
}

func TestBuildDiagnostics(t *testing.T) {
	tests := map[string]byte{
		"":                protocol.DiagAll,
		"all":             protocol.DiagAll,
		"RAM":             byte(classb.TestRAM),
		"clock":           byte(classb.TestClock),
		"pc":              byte(classb.TestPC),
		"program-counter": byte(classb.TestPC),
	}
	for arg, want := range tests {
		msgType, payload, err := buildDiagnostics(arg)
		require.NoError(t, err, arg)
		assert.Equal(t, uint8(protocol.MsgCmdDiagnostics), msgType)
		assert.Equal(t, []byte{want}, payload, arg)
	}

	_, _, err := buildDiagnostics("gpu")
	assert.ErrorIs(t, err, errUsage)
}

func TestBuildLogConfig(t *testing.T) {
	tests := []struct {
		arg  string
		want protocol.LogConfig
	}{
		{"on", protocol.LogConfig{Enabled: true, MinLevel: uint8(logfwd.LevelInfo)}},
		{"on debug", protocol.LogConfig{Enabled: true, MinLevel: uint8(logfwd.LevelDebug)}},
		{"on warning", protocol.LogConfig{Enabled: true, MinLevel: uint8(logfwd.LevelWarning)}},
		{"on ERROR", protocol.LogConfig{Enabled: true, MinLevel: uint8(logfwd.LevelError)}},
		{"off", protocol.LogConfig{Enabled: false, MinLevel: uint8(logfwd.LevelInfo)}},
	}
	for _, tt := range tests {
		_, payload, err := buildLogConfig(tt.arg)
		require.NoError(t, err, tt.arg)
		got, err := protocol.DecodeLogConfig(payload)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.arg)
	}

	_, _, err := buildLogConfig("on chatty")
	assert.ErrorIs(t, err, errUsage)
}

func TestBuildDebug(t *testing.T) {
	msgType, payload, err := buildDebug("de ad be ef")
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MsgCmdDebug), msgType)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, payload)

	_, _, err = buildDebug("zz")
	assert.ErrorIs(t, err, errUsage)
	_, _, err = buildDebug(strings.Repeat("00", protocol.MaxPayloadSize+1))
	assert.ErrorIs(t, err, errUsage)
}

func TestFormatBoot(t *testing.T) {
	b := protocol.Boot{Major: 1, Minor: 2, Patch: 3, MachineType: uint8(machine.TypeDualBoiler)}
	out := formatBoot(b)
	p, err := machine.LookupType(machine.TypeDualBoiler)
	require.NoError(t, err)
	assert.Contains(t, out, "v1.2.3")
	assert.Contains(t, out, p.Title)
	assert.Contains(t, out, "not reported")

	b.DeviceID[0] = 0x42
	assert.NotContains(t, formatBoot(b), "not reported")
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0 seconds", formatUptime(0))
	assert.Equal(t, "1 second", formatUptime(1500))
	assert.Equal(t, "1 day, 2 hours, 1 minute, and 5 seconds", formatUptime((26*3600+65)*1000))
}
