// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

var le = binary.LittleEndian

func need(name string, payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, name, n, len(payload))
	}
	return nil
}

func putFloat32(b []byte, v float32) {
	le.PutUint32(b, math.Float32bits(v))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(le.Uint32(b))
}

// putString writes s into b truncated to len(b)-1 bytes and zero padded
func putString(b []byte, s string) {
	n := copy(b[:len(b)-1], s)
	clear(b[n:])
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// ============================================================================
// Status / response payloads
// ============================================================================

// StatusSize is the encoded size of Status
const StatusSize = 32

// Status is the periodic machine status snapshot (MSG_STATUS).
// Temperatures are tenths of a degree, pressure hundredths of a bar.
type Status struct {
	BrewTemp         int16
	SteamTemp        int16
	GroupTemp        int16
	Pressure         uint16
	BrewSetpoint     int16
	SteamSetpoint    int16
	BrewOutput       uint8
	SteamOutput      uint8
	PumpOutput       uint8
	State            uint8
	Flags            uint8
	WaterLevel       uint8
	PowerWatts       uint16
	UptimeMs         uint32
	ShotStartMs      uint32
	Strategy         uint8
	CleaningReminder bool
	BrewCount        uint16
}

// Encode returns the wire payload
func (s Status) Encode() []byte {
	b := make([]byte, StatusSize)
	le.PutUint16(b[0:], uint16(s.BrewTemp))
	le.PutUint16(b[2:], uint16(s.SteamTemp))
	le.PutUint16(b[4:], uint16(s.GroupTemp))
	le.PutUint16(b[6:], s.Pressure)
	le.PutUint16(b[8:], uint16(s.BrewSetpoint))
	le.PutUint16(b[10:], uint16(s.SteamSetpoint))
	b[12] = s.BrewOutput
	b[13] = s.SteamOutput
	b[14] = s.PumpOutput
	b[15] = s.State
	b[16] = s.Flags
	b[17] = s.WaterLevel
	le.PutUint16(b[18:], s.PowerWatts)
	le.PutUint32(b[20:], s.UptimeMs)
	le.PutUint32(b[24:], s.ShotStartMs)
	b[28] = s.Strategy
	b[29] = boolByte(s.CleaningReminder)
	le.PutUint16(b[30:], s.BrewCount)
	return b
}

// DecodeStatus parses a MSG_STATUS payload
func DecodeStatus(p []byte) (Status, error) {
	if err := need("status", p, StatusSize); err != nil {
		return Status{}, err
	}
	return Status{
		BrewTemp:         int16(le.Uint16(p[0:])),
		SteamTemp:        int16(le.Uint16(p[2:])),
		GroupTemp:        int16(le.Uint16(p[4:])),
		Pressure:         le.Uint16(p[6:]),
		BrewSetpoint:     int16(le.Uint16(p[8:])),
		SteamSetpoint:    int16(le.Uint16(p[10:])),
		BrewOutput:       p[12],
		SteamOutput:      p[13],
		PumpOutput:       p[14],
		State:            p[15],
		Flags:            p[16],
		WaterLevel:       p[17],
		PowerWatts:       le.Uint16(p[18:]),
		UptimeMs:         le.Uint32(p[20:]),
		ShotStartMs:      le.Uint32(p[24:]),
		Strategy:         p[28],
		CleaningReminder: p[29] != 0,
		BrewCount:        le.Uint16(p[30:]),
	}, nil
}

// Alarm is an alarm notification (MSG_ALARM)
type Alarm struct {
	Code     uint8
	Severity uint8
	Value    uint16
}

// Encode returns the wire payload
func (a Alarm) Encode() []byte {
	b := make([]byte, 4)
	b[0], b[1] = a.Code, a.Severity
	le.PutUint16(b[2:], a.Value)
	return b
}

// DecodeAlarm parses a MSG_ALARM payload
func DecodeAlarm(p []byte) (Alarm, error) {
	if err := need("alarm", p, 4); err != nil {
		return Alarm{}, err
	}
	return Alarm{Code: p[0], Severity: p[1], Value: le.Uint16(p[2:])}, nil
}

// BootSize is the encoded size of Boot
const BootSize = 27

// Boot is the boot announcement (MSG_BOOT)
type Boot struct {
	Major       uint8
	Minor       uint8
	Patch       uint8
	MachineType uint8
	BoardType   uint8
	BoardMajor  uint8
	BoardMinor  uint8
	ResetReason uint32
	DeviceID    [16]byte
}

// Encode returns the wire payload
func (m Boot) Encode() []byte {
	b := make([]byte, BootSize)
	b[0], b[1], b[2] = m.Major, m.Minor, m.Patch
	b[3], b[4], b[5], b[6] = m.MachineType, m.BoardType, m.BoardMajor, m.BoardMinor
	le.PutUint32(b[7:], m.ResetReason)
	copy(b[11:], m.DeviceID[:])
	return b
}

// DecodeBoot parses a MSG_BOOT payload. The device id is optional.
func DecodeBoot(p []byte) (Boot, error) {
	if err := need("boot", p, 11); err != nil {
		return Boot{}, err
	}
	m := Boot{
		Major: p[0], Minor: p[1], Patch: p[2],
		MachineType: p[3], BoardType: p[4], BoardMajor: p[5], BoardMinor: p[6],
		ResetReason: le.Uint32(p[7:]),
	}
	if len(p) >= BootSize {
		copy(m.DeviceID[:], p[11:BootSize])
	}
	return m, nil
}

// Ack acknowledges a command (MSG_ACK and MSG_NACK)
type Ack struct {
	CmdType uint8
	CmdSeq  uint8
	Result  Result
}

// Encode returns the wire payload
func (a Ack) Encode() []byte {
	return []byte{a.CmdType, a.CmdSeq, byte(a.Result), 0}
}

// DecodeAck parses a MSG_ACK or MSG_NACK payload
func DecodeAck(p []byte) (Ack, error) {
	if err := need("ack", p, 3); err != nil {
		return Ack{}, err
	}
	return Ack{CmdType: p[0], CmdSeq: p[1], Result: Result(p[2])}, nil
}

// ConfigSize is the encoded size of Config
const ConfigSize = 14

// Config is the configuration dump (MSG_CONFIG). Gains are scaled by 100.
type Config struct {
	BrewSetpoint  int16
	SteamSetpoint int16
	TempOffset    int16
	Kp            uint16
	Ki            uint16
	Kd            uint16
	Strategy      uint8
	MachineType   uint8
}

// Encode returns the wire payload
func (c Config) Encode() []byte {
	b := make([]byte, ConfigSize)
	le.PutUint16(b[0:], uint16(c.BrewSetpoint))
	le.PutUint16(b[2:], uint16(c.SteamSetpoint))
	le.PutUint16(b[4:], uint16(c.TempOffset))
	le.PutUint16(b[6:], c.Kp)
	le.PutUint16(b[8:], c.Ki)
	le.PutUint16(b[10:], c.Kd)
	b[12], b[13] = c.Strategy, c.MachineType
	return b
}

// DecodeConfig parses a MSG_CONFIG payload
func DecodeConfig(p []byte) (Config, error) {
	if err := need("config", p, ConfigSize); err != nil {
		return Config{}, err
	}
	return Config{
		BrewSetpoint:  int16(le.Uint16(p[0:])),
		SteamSetpoint: int16(le.Uint16(p[2:])),
		TempOffset:    int16(le.Uint16(p[4:])),
		Kp:            le.Uint16(p[6:]),
		Ki:            le.Uint16(p[8:]),
		Kd:            le.Uint16(p[10:]),
		Strategy:      p[12],
		MachineType:   p[13],
	}, nil
}

// EnvConfigSize is the encoded size of EnvConfig
const EnvConfigSize = 18

// EnvConfig is the environmental electrical configuration (MSG_ENV_CONFIG)
type EnvConfig struct {
	Voltage            uint16
	MaxCurrent         float32
	BrewCurrent        float32
	SteamCurrent       float32
	MaxCombinedCurrent float32
}

// Encode returns the wire payload
func (e EnvConfig) Encode() []byte {
	b := make([]byte, EnvConfigSize)
	le.PutUint16(b[0:], e.Voltage)
	putFloat32(b[2:], e.MaxCurrent)
	putFloat32(b[6:], e.BrewCurrent)
	putFloat32(b[10:], e.SteamCurrent)
	putFloat32(b[14:], e.MaxCombinedCurrent)
	return b
}

// DecodeEnvConfig parses a MSG_ENV_CONFIG payload
func DecodeEnvConfig(p []byte) (EnvConfig, error) {
	if err := need("env config", p, EnvConfigSize); err != nil {
		return EnvConfig{}, err
	}
	return EnvConfig{
		Voltage:            le.Uint16(p[0:]),
		MaxCurrent:         getFloat32(p[2:]),
		BrewCurrent:        getFloat32(p[6:]),
		SteamCurrent:       getFloat32(p[10:]),
		MaxCombinedCurrent: getFloat32(p[14:]),
	}, nil
}

// BrewStatsSize is the encoded size of BrewStats
const BrewStatsSize = 30

// BrewStats is the brew statistics response (MSG_STATISTICS). Times are
// milliseconds.
type BrewStats struct {
	TotalBrews     uint32
	TotalBrewMs    uint32
	AvgBrewMs      uint16
	MinBrewMs      uint16
	MaxBrewMs      uint16
	DailyCount     uint16
	DailyAvgMs     uint16
	WeeklyCount    uint16
	WeeklyAvgMs    uint16
	MonthlyCount   uint16
	MonthlyAvgMs   uint16
	LastBrewUptime uint32
}

// Encode returns the wire payload
func (s BrewStats) Encode() []byte {
	b := make([]byte, BrewStatsSize)
	le.PutUint32(b[0:], s.TotalBrews)
	le.PutUint32(b[4:], s.TotalBrewMs)
	le.PutUint16(b[8:], s.AvgBrewMs)
	le.PutUint16(b[10:], s.MinBrewMs)
	le.PutUint16(b[12:], s.MaxBrewMs)
	le.PutUint16(b[14:], s.DailyCount)
	le.PutUint16(b[16:], s.DailyAvgMs)
	le.PutUint16(b[18:], s.WeeklyCount)
	le.PutUint16(b[20:], s.WeeklyAvgMs)
	le.PutUint16(b[22:], s.MonthlyCount)
	le.PutUint16(b[24:], s.MonthlyAvgMs)
	le.PutUint32(b[26:], s.LastBrewUptime)
	return b
}

// DecodeBrewStats parses a MSG_STATISTICS payload
func DecodeBrewStats(p []byte) (BrewStats, error) {
	if err := need("statistics", p, BrewStatsSize); err != nil {
		return BrewStats{}, err
	}
	return BrewStats{
		TotalBrews:     le.Uint32(p[0:]),
		TotalBrewMs:    le.Uint32(p[4:]),
		AvgBrewMs:      le.Uint16(p[8:]),
		MinBrewMs:      le.Uint16(p[10:]),
		MaxBrewMs:      le.Uint16(p[12:]),
		DailyCount:     le.Uint16(p[14:]),
		DailyAvgMs:     le.Uint16(p[16:]),
		WeeklyCount:    le.Uint16(p[18:]),
		WeeklyAvgMs:    le.Uint16(p[20:]),
		MonthlyCount:   le.Uint16(p[22:]),
		MonthlyAvgMs:   le.Uint16(p[24:]),
		LastBrewUptime: le.Uint32(p[26:]),
	}, nil
}

// Handshake negotiates the protocol version (MSG_HANDSHAKE)
type Handshake struct {
	Major        uint8
	Minor        uint8
	Capabilities uint8
	MaxRetries   uint8
	AckTimeoutMs uint16
}

// Encode returns the wire payload
func (h Handshake) Encode() []byte {
	b := []byte{h.Major, h.Minor, h.Capabilities, h.MaxRetries, 0, 0}
	le.PutUint16(b[4:], h.AckTimeoutMs)
	return b
}

// DecodeHandshake parses a MSG_HANDSHAKE payload
func DecodeHandshake(p []byte) (Handshake, error) {
	if err := need("handshake", p, 6); err != nil {
		return Handshake{}, err
	}
	return Handshake{
		Major: p[0], Minor: p[1], Capabilities: p[2], MaxRetries: p[3],
		AckTimeoutMs: le.Uint16(p[4:]),
	}, nil
}

// DiagResultSize is the encoded size of DiagResult
const DiagResultSize = 32

// DiagResult is one self-test result (MSG_DIAGNOSTICS, 32 bytes)
type DiagResult struct {
	Test    uint8
	Result  uint8
	Value   int16
	Min     int16
	Max     int16
	Message string // up to 23 bytes
}

// Encode returns the wire payload
func (d DiagResult) Encode() []byte {
	b := make([]byte, DiagResultSize)
	b[0], b[1] = d.Test, d.Result
	le.PutUint16(b[2:], uint16(d.Value))
	le.PutUint16(b[4:], uint16(d.Min))
	le.PutUint16(b[6:], uint16(d.Max))
	putString(b[8:], d.Message)
	return b
}

// DecodeDiagResult parses a 32 byte MSG_DIAGNOSTICS payload
func DecodeDiagResult(p []byte) (DiagResult, error) {
	if err := need("diagnostics result", p, DiagResultSize); err != nil {
		return DiagResult{}, err
	}
	return DiagResult{
		Test:    p[0],
		Result:  p[1],
		Value:   int16(le.Uint16(p[2:])),
		Min:     int16(le.Uint16(p[4:])),
		Max:     int16(le.Uint16(p[6:])),
		Message: getString(p[8:DiagResultSize]),
	}, nil
}

// DiagHeaderSize is the encoded size of DiagHeader
const DiagHeaderSize = 8

// DiagHeader frames a diagnostics run (MSG_DIAGNOSTICS, 8 bytes). It is sent
// before the results and again with Complete set after them.
type DiagHeader struct {
	Count      uint8
	Pass       uint8
	Fail       uint8
	Warn       uint8
	Skip       uint8
	Complete   bool
	DurationMs uint16
}

// Encode returns the wire payload
func (h DiagHeader) Encode() []byte {
	b := []byte{h.Count, h.Pass, h.Fail, h.Warn, h.Skip, boolByte(h.Complete), 0, 0}
	le.PutUint16(b[6:], h.DurationMs)
	return b
}

// DecodeDiagHeader parses an 8 byte MSG_DIAGNOSTICS payload
func DecodeDiagHeader(p []byte) (DiagHeader, error) {
	if err := need("diagnostics header", p, DiagHeaderSize); err != nil {
		return DiagHeader{}, err
	}
	return DiagHeader{
		Count: p[0], Pass: p[1], Fail: p[2], Warn: p[3], Skip: p[4],
		Complete:   p[5] != 0,
		DurationMs: le.Uint16(p[6:]),
	}, nil
}

// MaxLogText is the longest text a log message carries
const MaxLogText = MaxPayloadSize - 1

// LogMessage is a forwarded log line (MSG_LOG)
type LogMessage struct {
	Level uint8
	Text  string
}

// Encode returns the wire payload, truncating the text
func (l LogMessage) Encode() []byte {
	text := l.Text
	if len(text) > MaxLogText {
		text = text[:MaxLogText]
	}
	b := make([]byte, 1+len(text))
	b[0] = l.Level
	copy(b[1:], text)
	return b
}

// DecodeLogMessage parses a MSG_LOG payload
func DecodeLogMessage(p []byte) (LogMessage, error) {
	if err := need("log", p, 1); err != nil {
		return LogMessage{}, err
	}
	return LogMessage{Level: p[0], Text: getString(p[1:])}, nil
}

// ============================================================================
// Command payloads
// ============================================================================

// SetTemp sets a boiler setpoint (MSG_CMD_SET_TEMP)
type SetTemp struct {
	Target uint8
	Temp   int16 // tenths of a degree
}

// Encode returns the wire payload
func (c SetTemp) Encode() []byte {
	b := []byte{c.Target, 0, 0}
	le.PutUint16(b[1:], uint16(c.Temp))
	return b
}

// DecodeSetTemp parses a MSG_CMD_SET_TEMP payload
func DecodeSetTemp(p []byte) (SetTemp, error) {
	if err := need("set temp", p, 3); err != nil {
		return SetTemp{}, err
	}
	return SetTemp{Target: p[0], Temp: int16(le.Uint16(p[1:]))}, nil
}

// SetPID sets a boiler's gains, scaled by 100 (MSG_CMD_SET_PID)
type SetPID struct {
	Target uint8
	Kp     uint16
	Ki     uint16
	Kd     uint16
}

// Encode returns the wire payload
func (c SetPID) Encode() []byte {
	b := make([]byte, 7)
	b[0] = c.Target
	le.PutUint16(b[1:], c.Kp)
	le.PutUint16(b[3:], c.Ki)
	le.PutUint16(b[5:], c.Kd)
	return b
}

// DecodeSetPID parses a MSG_CMD_SET_PID payload
func DecodeSetPID(p []byte) (SetPID, error) {
	if err := need("set pid", p, 7); err != nil {
		return SetPID{}, err
	}
	return SetPID{Target: p[0], Kp: le.Uint16(p[1:]), Ki: le.Uint16(p[3:]), Kd: le.Uint16(p[5:])}, nil
}

// ConfigPreinfusionData is the CONFIG_PREINFUSION body
type ConfigPreinfusionData struct {
	Enabled bool
	OnMs    uint16
	PauseMs uint16
}

// ConfigEnvironmentalData is the CONFIG_ENVIRONMENTAL body
type ConfigEnvironmentalData struct {
	Voltage    uint16
	MaxCurrent float32
}

// ConfigTempsData is the CONFIG_TEMPS body
type ConfigTempsData struct {
	Brew  int16
	Steam int16
}

// EcoData configures eco mode. Temp is tenths of a degree.
type EcoData struct {
	Enabled        bool
	Temp           int16
	TimeoutMinutes uint16
}

// ConfigCommand is a decoded MSG_CMD_CONFIG. Exactly one body matching Kind
// is set.
type ConfigCommand struct {
	Kind          uint8
	Strategy      uint8
	Preinfusion   ConfigPreinfusionData
	Environmental ConfigEnvironmentalData
	Temps         ConfigTempsData
	Eco           EcoData
	Raw           []byte
}

// EncodeConfigStrategy builds a CONFIG_HEATING_STRATEGY payload
func EncodeConfigStrategy(strategy uint8) []byte {
	return []byte{ConfigHeatingStrategy, strategy}
}

// EncodeConfigPreinfusion builds a CONFIG_PREINFUSION payload
func EncodeConfigPreinfusion(c ConfigPreinfusionData) []byte {
	b := []byte{ConfigPreinfusion, boolByte(c.Enabled), 0, 0, 0, 0}
	le.PutUint16(b[2:], c.OnMs)
	le.PutUint16(b[4:], c.PauseMs)
	return b
}

// EncodeConfigEnvironmental builds a CONFIG_ENVIRONMENTAL payload
func EncodeConfigEnvironmental(c ConfigEnvironmentalData) []byte {
	b := make([]byte, 7)
	b[0] = ConfigEnvironmental
	le.PutUint16(b[1:], c.Voltage)
	putFloat32(b[3:], c.MaxCurrent)
	return b
}

// EncodeConfigTemps builds a CONFIG_TEMPS payload
func EncodeConfigTemps(c ConfigTempsData) []byte {
	b := make([]byte, 5)
	b[0] = ConfigTemps
	le.PutUint16(b[1:], uint16(c.Brew))
	le.PutUint16(b[3:], uint16(c.Steam))
	return b
}

// EncodeConfigEco builds a CONFIG_ECO payload
func EncodeConfigEco(c EcoData) []byte {
	return append([]byte{ConfigEco}, c.Encode()...)
}

// DecodeConfigCommand parses a MSG_CMD_CONFIG payload
func DecodeConfigCommand(p []byte) (ConfigCommand, error) {
	if err := need("config command", p, 1); err != nil {
		return ConfigCommand{}, err
	}
	c := ConfigCommand{Kind: p[0], Raw: p[1:]}
	body := p[1:]
	switch c.Kind {
	case ConfigHeatingStrategy:
		if err := need("heating strategy", body, 1); err != nil {
			return c, err
		}
		c.Strategy = body[0]
	case ConfigPreinfusion:
		if err := need("preinfusion", body, 5); err != nil {
			return c, err
		}
		c.Preinfusion = ConfigPreinfusionData{Enabled: body[0] != 0, OnMs: le.Uint16(body[1:]), PauseMs: le.Uint16(body[3:])}
	case ConfigEnvironmental:
		if err := need("environmental", body, 6); err != nil {
			return c, err
		}
		c.Environmental = ConfigEnvironmentalData{Voltage: le.Uint16(body[0:]), MaxCurrent: getFloat32(body[2:])}
	case ConfigTemps:
		if err := need("temps", body, 4); err != nil {
			return c, err
		}
		c.Temps = ConfigTempsData{Brew: int16(le.Uint16(body[0:])), Steam: int16(le.Uint16(body[2:]))}
	case ConfigEco:
		eco, err := decodeEco(body)
		if err != nil {
			return c, err
		}
		c.Eco = eco
	}
	return c, nil
}

// Encode returns the long form MSG_CMD_SET_ECO payload
func (e EcoData) Encode() []byte {
	b := []byte{boolByte(e.Enabled), 0, 0, 0, 0}
	le.PutUint16(b[1:], uint16(e.Temp))
	le.PutUint16(b[3:], e.TimeoutMinutes)
	return b
}

func decodeEco(p []byte) (EcoData, error) {
	if err := need("eco", p, 5); err != nil {
		return EcoData{}, err
	}
	return EcoData{Enabled: p[0] != 0, Temp: int16(le.Uint16(p[1:])), TimeoutMinutes: le.Uint16(p[3:])}, nil
}

// EcoCommand is a decoded MSG_CMD_SET_ECO. A single byte payload is an enter
// or exit request; five bytes configure.
type EcoCommand struct {
	Configure bool
	Action    uint8
	Config    EcoData
}

// DecodeEcoCommand parses a MSG_CMD_SET_ECO payload
func DecodeEcoCommand(p []byte) (EcoCommand, error) {
	switch {
	case len(p) >= 5:
		cfg, err := decodeEco(p)
		return EcoCommand{Configure: true, Config: cfg}, err
	case len(p) >= 1:
		return EcoCommand{Action: p[0]}, nil
	}
	return EcoCommand{}, fmt.Errorf("%w: eco command is empty", ErrShortPayload)
}

// EncodeCleaningThreshold builds a MSG_CMD_CLEANING_SET_THRESHOLD payload
func EncodeCleaningThreshold(threshold uint16) []byte {
	b := make([]byte, 2)
	le.PutUint16(b, threshold)
	return b
}

// DecodeCleaningThreshold parses a MSG_CMD_CLEANING_SET_THRESHOLD payload
func DecodeCleaningThreshold(p []byte) (uint16, error) {
	if err := need("cleaning threshold", p, 2); err != nil {
		return 0, err
	}
	return le.Uint16(p), nil
}

// DecodeDiagnosticsCommand returns the requested test. An empty payload
// requests every test.
func DecodeDiagnosticsCommand(p []byte) uint8 {
	if len(p) == 0 {
		return DiagAll
	}
	return p[0]
}

// LogConfig controls log forwarding (MSG_CMD_LOG_CONFIG)
type LogConfig struct {
	Enabled  bool
	MinLevel uint8
}

// Encode returns the wire payload
func (c LogConfig) Encode() []byte {
	return []byte{boolByte(c.Enabled), c.MinLevel}
}

// DecodeLogConfig parses a MSG_CMD_LOG_CONFIG payload. The level is optional.
func DecodeLogConfig(p []byte) (LogConfig, error) {
	if err := need("log config", p, 1); err != nil {
		return LogConfig{}, err
	}
	c := LogConfig{Enabled: p[0] != 0}
	if len(p) >= 2 {
		c.MinLevel = p[1]
	}
	return c, nil
}
