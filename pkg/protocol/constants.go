// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package protocol implements the framed serial protocol between the control
// unit and the connectivity unit.
//
// A frame is SYNC | TYPE | LENGTH | SEQ | PAYLOAD | CRC16 with the CRC over
// TYPE through PAYLOAD, sent low byte first. All multi-byte payload fields are
// little-endian.
package protocol

import "time"

// Framing
const (
	SyncByte       = 0xAA
	HeaderSize     = 4 // sync + type + length + seq
	CRCSize        = 2
	MaxPayloadSize = 32
	MaxPacketSize  = HeaderSize + MaxPayloadSize + CRCSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Link parameters
const (
	BaudRate              = 921600
	VersionMajor          = 1
	VersionMinor          = 1
	AckTimeout            = 500 * time.Millisecond
	MaxRetries            = 3
	MaxPending            = 4
	ParserTimeout         = 100 * time.Millisecond
	BackpressureThreshold = 3
)

// Message types - Status/Response (0x00-0x0F)
const (
	MsgPing        = 0x00
	MsgStatus      = 0x01
	MsgAlarm       = 0x02
	MsgBoot        = 0x03
	MsgAck         = 0x04
	MsgConfig      = 0x05
	MsgDebug       = 0x06
	MsgDebugResp   = 0x07
	MsgEnvConfig   = 0x08
	MsgStatistics  = 0x09
	MsgDiagnostics = 0x0A
	MsgPowerMeter  = 0x0B
	MsgHandshake   = 0x0C
	MsgNack        = 0x0D
)

// Message types - Commands (0x10-0x2F)
const (
	MsgCmdSetTemp            = 0x10
	MsgCmdSetPID             = 0x11
	MsgCmdBrew               = 0x13
	MsgCmdMode               = 0x14
	MsgCmdConfig             = 0x15
	MsgCmdGetConfig          = 0x16
	MsgCmdGetEnvConfig       = 0x17
	MsgCmdCleaningStart      = 0x18
	MsgCmdCleaningStop       = 0x19
	MsgCmdCleaningReset      = 0x1A
	MsgCmdCleaningThreshold  = 0x1B
	MsgCmdGetStatistics      = 0x1C
	MsgCmdDebug              = 0x1D
	MsgCmdSetEco             = 0x1E
	MsgCmdBootloader         = 0x1F
	MsgCmdDiagnostics        = 0x20
	MsgCmdPowerMeterConfig   = 0x21
	MsgCmdPowerMeterDiscover = 0x22
	MsgCmdGetBoot            = 0x23
	MsgCmdLogConfig          = 0x24
	MsgLog                   = 0x25
)

// IsCommand reports whether msgType is in the command range
func IsCommand(msgType uint8) bool {
	return msgType >= MsgCmdSetTemp && msgType <= 0x2F
}

// Result is an ACK/NACK result code
type Result uint8

// Result codes
const (
	ResultSuccess  Result = 0x00
	ResultInvalid  Result = 0x01
	ResultRejected Result = 0x02
	ResultFailed   Result = 0x03
	ResultTimeout  Result = 0x04
	ResultBusy     Result = 0x05
	ResultNotReady Result = 0x06
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultInvalid:
		return "INVALID"
	case ResultRejected:
		return "REJECTED"
	case ResultFailed:
		return "FAILED"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultBusy:
		return "BUSY"
	case ResultNotReady:
		return "NOT_READY"
	default:
		return "UNKNOWN"
	}
}

// Alarm codes
const (
	AlarmNone        = 0x00
	AlarmOverTemp    = 0x01
	AlarmWaterLow    = 0x02
	AlarmSensorFail  = 0x03
	AlarmHeaterFail  = 0x04
	AlarmWatchdog    = 0x05
	AlarmCommTimeout = 0x06
)

// Alarm severities
const (
	SeverityWarning  = 0
	SeverityError    = 1
	SeverityCritical = 2
)

// Machine state codes carried in MSG_STATUS
const (
	StateInit    = 0
	StateIdle    = 1
	StateHeating = 2
	StateReady   = 3
	StateBrewing = 4
	StateFault   = 5
	StateSafe    = 6
	StateEco     = 7
)

// Status flags
const (
	FlagBrewing  = 1 << 0
	FlagHeating  = 1 << 1
	FlagPumpOn   = 1 << 2
	FlagWaterLow = 1 << 3
	FlagAlarm    = 1 << 4
)

// Configuration categories for MSG_CMD_CONFIG
const (
	ConfigHeatingStrategy = 0x01
	ConfigPreinfusion     = 0x02
	ConfigStandby         = 0x03
	ConfigTemps           = 0x04
	ConfigEnvironmental   = 0x05
	ConfigEco             = 0x06
	ConfigMachineInfo     = 0x07
)

// Boiler targets for set temp / set PID
const (
	TargetBrew  = 0
	TargetSteam = 1
)

// Brew actions
const (
	BrewStop  = 0
	BrewStart = 1
)

// Eco actions for the short form of MSG_CMD_SET_ECO
const (
	EcoExit  = 0
	EcoEnter = 1
)

// Diagnostic test code meaning every safety self-test
const DiagAll = 0x30
