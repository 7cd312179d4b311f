// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strings"
)

var messageNames = map[uint8]string{
	MsgPing:                  "PING",
	MsgStatus:                "STATUS",
	MsgAlarm:                 "ALARM",
	MsgBoot:                  "BOOT",
	MsgAck:                   "ACK",
	MsgConfig:                "CONFIG",
	MsgDebug:                 "DEBUG",
	MsgDebugResp:             "DEBUG_RESP",
	MsgEnvConfig:             "ENV_CONFIG",
	MsgStatistics:            "STATISTICS",
	MsgDiagnostics:           "DIAGNOSTICS",
	MsgPowerMeter:            "POWER_METER",
	MsgHandshake:             "HANDSHAKE",
	MsgNack:                  "NACK",
	MsgCmdSetTemp:            "CMD_SET_TEMP",
	MsgCmdSetPID:             "CMD_SET_PID",
	MsgCmdBrew:               "CMD_BREW",
	MsgCmdMode:               "CMD_MODE",
	MsgCmdConfig:             "CMD_CONFIG",
	MsgCmdGetConfig:          "CMD_GET_CONFIG",
	MsgCmdGetEnvConfig:       "CMD_GET_ENV_CONFIG",
	MsgCmdCleaningStart:      "CMD_CLEANING_START",
	MsgCmdCleaningStop:       "CMD_CLEANING_STOP",
	MsgCmdCleaningReset:      "CMD_CLEANING_RESET",
	MsgCmdCleaningThreshold:  "CMD_CLEANING_SET_THRESHOLD",
	MsgCmdGetStatistics:      "CMD_GET_STATISTICS",
	MsgCmdDebug:              "CMD_DEBUG",
	MsgCmdSetEco:             "CMD_SET_ECO",
	MsgCmdBootloader:         "CMD_BOOTLOADER",
	MsgCmdDiagnostics:        "CMD_DIAGNOSTICS",
	MsgCmdPowerMeterConfig:   "CMD_POWER_METER_CONFIG",
	MsgCmdPowerMeterDiscover: "CMD_POWER_METER_DISCOVER",
	MsgCmdGetBoot:            "CMD_GET_BOOT",
	MsgCmdLogConfig:          "CMD_LOG_CONFIG",
	MsgLog:                   "LOG",
}

var stateNames = []string{"INIT", "IDLE", "HEATING", "READY", "BREWING", "FAULT", "SAFE", "ECO"}

var strategyNames = []string{"BREW_ONLY", "SEQUENTIAL", "PARALLEL", "SMART_STAGGER"}

var alarmNames = []string{"NONE", "OVER_TEMP", "WATER_LOW", "SENSOR_FAIL", "HEATER_FAIL", "WATCHDOG", "COMM_TIMEOUT"}

var diagResultNames = []string{"PASS", "FAIL", "WARN", "SKIP", "RUNNING"}

func lookup(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "UNKNOWN"
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	if name, ok := messageNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", msgType)
}

// FormatState returns the name of a wire state code
func FormatState(state uint8) string {
	return lookup(stateNames, state)
}

// FormatStrategy returns the name of a wire heating strategy code
func FormatStrategy(strategy uint8) string {
	return lookup(strategyNames, strategy)
}

// FormatAlarm returns the name of an alarm code
func FormatAlarm(code uint8) string {
	return lookup(alarmNames, code)
}

// FormatFlags renders status flags
func FormatFlags(flags uint8) string {
	var parts []string
	for _, f := range []struct {
		bit  uint8
		name string
	}{
		{FlagBrewing, "BREWING"},
		{FlagHeating, "HEATING"},
		{FlagPumpOn, "PUMP"},
		{FlagWaterLow, "WATER_LOW"},
		{FlagAlarm, "ALARM"},
	} {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// FormatTemp renders tenths of a degree
func FormatTemp(deci int16) string {
	return fmt.Sprintf("%.1f°C", float64(deci)/10)
}

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) seq=%d len=%d\n", timestamp, FormatMessageType(p.msgType), p.msgType, p.seq, len(p.payload))
	if len(p.payload) > 0 {
		result += FormatPayload(p.msgType, p.payload)
	}
	return result
}

// FormatPayload formats the payload based on message type
func FormatPayload(msgType uint8, payload []byte) string {
	s, err := formatPayload(msgType, payload)
	if err != nil {
		return fmt.Sprintf("  (malformed: %v) % X\n", err, payload)
	}
	if s == "" {
		return fmt.Sprintf("  Raw: % X\n", payload)
	}
	return s
}

func formatPayload(msgType uint8, payload []byte) (string, error) {
	switch msgType {
	case MsgStatus:
		s, err := DecodeStatus(payload)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "  State: %s, Flags: %s, Strategy: %s\n", FormatState(s.State), FormatFlags(s.Flags), FormatStrategy(s.Strategy))
		fmt.Fprintf(&b, "  Brew: %s → %s (%d%%)  Steam: %s → %s (%d%%)\n",
			FormatTemp(s.BrewTemp), FormatTemp(s.BrewSetpoint), s.BrewOutput,
			FormatTemp(s.SteamTemp), FormatTemp(s.SteamSetpoint), s.SteamOutput)
		fmt.Fprintf(&b, "  Pressure: %.2f bar, Pump: %d%%, Water: %d%%, Power: %d W\n",
			float64(s.Pressure)/100, s.PumpOutput, s.WaterLevel, s.PowerWatts)
		fmt.Fprintf(&b, "  Uptime: %s, Shot start: %d ms, Brews since cleaning: %d", formatDuration(uint64(s.UptimeMs)), s.ShotStartMs, s.BrewCount)
		if s.CleaningReminder {
			b.WriteString(" (cleaning due)")
		}
		b.WriteString("\n")
		return b.String(), nil

	case MsgAlarm:
		a, err := DecodeAlarm(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Alarm: %s (0x%02X), Severity: %d, Value: %d\n", FormatAlarm(a.Code), a.Code, a.Severity, a.Value), nil

	case MsgBoot:
		m, err := DecodeBoot(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Version: %d.%d.%d, Machine: %d, Board: %d v%d.%d, Reset: 0x%08X, Device: %X\n",
			m.Major, m.Minor, m.Patch, m.MachineType, m.BoardType, m.BoardMajor, m.BoardMinor, m.ResetReason, m.DeviceID), nil

	case MsgAck, MsgNack:
		a, err := DecodeAck(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  For: %s seq=%d, Result: %s\n", FormatMessageType(a.CmdType), a.CmdSeq, a.Result), nil

	case MsgConfig:
		c, err := DecodeConfig(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Brew: %s, Steam: %s, Offset: %s, PID: %.2f/%.2f/%.2f, Strategy: %s, Machine: %d\n",
			FormatTemp(c.BrewSetpoint), FormatTemp(c.SteamSetpoint), FormatTemp(c.TempOffset),
			float64(c.Kp)/100, float64(c.Ki)/100, float64(c.Kd)/100, FormatStrategy(c.Strategy), c.MachineType), nil

	case MsgEnvConfig:
		e, err := DecodeEnvConfig(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Supply: %d V / %.1f A, Brew heater: %.2f A, Steam heater: %.2f A, Combined limit: %.2f A\n",
			e.Voltage, e.MaxCurrent, e.BrewCurrent, e.SteamCurrent, e.MaxCombinedCurrent), nil

	case MsgStatistics:
		s, err := DecodeBrewStats(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Brews: %d (avg %d ms, min %d, max %d), Day: %d, Week: %d, Month: %d\n",
			s.TotalBrews, s.AvgBrewMs, s.MinBrewMs, s.MaxBrewMs, s.DailyCount, s.WeeklyCount, s.MonthlyCount), nil

	case MsgDiagnostics:
		if len(payload) == DiagHeaderSize {
			h, err := DecodeDiagHeader(payload)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("  Tests: %d (pass %d, fail %d, warn %d, skip %d), complete=%t, %d ms\n",
				h.Count, h.Pass, h.Fail, h.Warn, h.Skip, h.Complete, h.DurationMs), nil
		}
		d, err := DecodeDiagResult(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Test 0x%02X: %s, Value: %d [%d..%d] %s\n",
			d.Test, lookup(diagResultNames, d.Result), d.Value, d.Min, d.Max, d.Message), nil

	case MsgHandshake:
		h, err := DecodeHandshake(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Version: %d.%d, Capabilities: 0x%02X, Retries: %d, ACK timeout: %d ms\n",
			h.Major, h.Minor, h.Capabilities, h.MaxRetries, h.AckTimeoutMs), nil

	case MsgLog:
		l, err := DecodeLogMessage(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  [%d] %s\n", l.Level, l.Text), nil

	case MsgDebug, MsgDebugResp, MsgCmdDebug:
		return fmt.Sprintf("  %q\n", string(payload)), nil

	case MsgCmdSetTemp:
		c, err := DecodeSetTemp(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Target: %s, Setpoint: %s\n", formatTarget(c.Target), FormatTemp(c.Temp)), nil

	case MsgCmdSetPID:
		c, err := DecodeSetPID(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Target: %s, Kp: %.2f, Ki: %.2f, Kd: %.2f\n",
			formatTarget(c.Target), float64(c.Kp)/100, float64(c.Ki)/100, float64(c.Kd)/100), nil

	case MsgCmdBrew:
		if err := need("brew", payload, 1); err != nil {
			return "", err
		}
		action := "STOP"
		if payload[0] == BrewStart {
			action = "START"
		}
		return fmt.Sprintf("  Action: %s\n", action), nil

	case MsgCmdMode:
		if err := need("mode", payload, 1); err != nil {
			return "", err
		}
		return fmt.Sprintf("  Mode: %s\n", lookup([]string{"IDLE", "BREW", "STEAM"}, payload[0])), nil

	case MsgCmdConfig:
		c, err := DecodeConfigCommand(payload)
		if err != nil {
			return "", err
		}
		switch c.Kind {
		case ConfigHeatingStrategy:
			return fmt.Sprintf("  Heating strategy: %s\n", FormatStrategy(c.Strategy)), nil
		case ConfigPreinfusion:
			return fmt.Sprintf("  Pre-infusion: enabled=%t on=%d ms pause=%d ms\n", c.Preinfusion.Enabled, c.Preinfusion.OnMs, c.Preinfusion.PauseMs), nil
		case ConfigEnvironmental:
			return fmt.Sprintf("  Environmental: %d V, %.1f A\n", c.Environmental.Voltage, c.Environmental.MaxCurrent), nil
		case ConfigTemps:
			return fmt.Sprintf("  Temps: brew %s, steam %s\n", FormatTemp(c.Temps.Brew), FormatTemp(c.Temps.Steam)), nil
		case ConfigEco:
			return fmt.Sprintf("  Eco: enabled=%t %s after %d min\n", c.Eco.Enabled, FormatTemp(c.Eco.Temp), c.Eco.TimeoutMinutes), nil
		}
		return fmt.Sprintf("  Config 0x%02X: % X\n", c.Kind, c.Raw), nil

	case MsgCmdCleaningThreshold:
		n, err := DecodeCleaningThreshold(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Threshold: %d brews\n", n), nil

	case MsgCmdSetEco:
		c, err := DecodeEcoCommand(payload)
		if err != nil {
			return "", err
		}
		if c.Configure {
			return fmt.Sprintf("  Eco: enabled=%t %s after %d min\n", c.Config.Enabled, FormatTemp(c.Config.Temp), c.Config.TimeoutMinutes), nil
		}
		return fmt.Sprintf("  Action: %s\n", lookup([]string{"EXIT", "ENTER"}, c.Action)), nil

	case MsgCmdDiagnostics:
		return fmt.Sprintf("  Test: 0x%02X\n", DecodeDiagnosticsCommand(payload)), nil

	case MsgCmdLogConfig:
		c, err := DecodeLogConfig(payload)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("  Forwarding: %t, Min level: %d\n", c.Enabled, c.MinLevel), nil
	}
	return "", nil
}

func formatTarget(target uint8) string {
	return lookup([]string{"BREW", "STEAM"}, target)
}

// formatDuration renders milliseconds as h:mm:ss.mmm
func formatDuration(ms uint64) string {
	h := ms / 3600000
	m := (ms / 60000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms%1000)
}
