// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import "fmt"

// Plausible ranges for status values
const (
	MinPlausibleTemp     = -200  // tenths of a degree
	MaxPlausibleTemp     = 2000  // tenths of a degree
	MaxPlausiblePressure = 1600  // hundredths of a bar
	maxStateCode         = StateEco
)

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyInvalidTemp
	AnomalyInvalidDuty
	AnomalyInvalidState
	AnomalyInvalidPressure
	AnomalyInvalidValue
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// expectedSizes lists fixed payload sizes
var expectedSizes = map[uint8]int{
	MsgStatus:     StatusSize,
	MsgAlarm:      4,
	MsgAck:        4,
	MsgNack:       4,
	MsgConfig:     ConfigSize,
	MsgEnvConfig:  EnvConfigSize,
	MsgStatistics: BrewStatsSize,
	MsgHandshake:  6,
	MsgCmdSetTemp: 3,
	MsgCmdSetPID:  7,
	MsgCmdBrew:    1,
	MsgCmdMode:    1,
}

// ValidatePacket validates packet structure and detects anomalies
// Returns a slice of validation errors (empty if packet is valid)
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if want, ok := expectedSizes[p.msgType]; ok && len(p.payload) != want {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("%s payload length %d (expected %d)", FormatMessageType(p.msgType), len(p.payload), want),
			Details: map[string]interface{}{"length": len(p.payload), "expected": want},
		}}
	}

	switch p.msgType {
	case MsgStatus:
		errors = append(errors, validateStatus(p)...)
	case MsgDiagnostics:
		if n := len(p.payload); n != DiagHeaderSize && n != DiagResultSize {
			errors = append(errors, ValidationError{
				Type:    AnomalyLengthMismatch,
				Message: fmt.Sprintf("DIAGNOSTICS payload length %d (expected %d or %d)", n, DiagHeaderSize, DiagResultSize),
				Details: map[string]interface{}{"length": n},
			})
		}
	case MsgCmdSetTemp:
		errors = append(errors, validateSetTemp(p)...)
	case MsgCmdMode:
		if p.payload[0] > 2 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("Invalid mode=%d (max 2)", p.payload[0]),
				Details: map[string]interface{}{"mode": p.payload[0], "max": 2},
			})
		}
	}

	return errors
}

func tempError(name string, v int16) *ValidationError {
	if v >= MinPlausibleTemp && v <= MaxPlausibleTemp {
		return nil
	}
	return &ValidationError{
		Type:    AnomalyInvalidTemp,
		Message: fmt.Sprintf("%s out of range (%.1f°C, valid: %.0f to %.0f°C)", name, float64(v)/10, float64(MinPlausibleTemp)/10, float64(MaxPlausibleTemp)/10),
		Details: map[string]interface{}{"field": name, "value": v, "min": MinPlausibleTemp, "max": MaxPlausibleTemp},
	}
}

// validateStatus validates a MSG_STATUS packet
func validateStatus(p *Packet) []ValidationError {
	errors := []ValidationError{}
	s, err := DecodeStatus(p.payload)
	if err != nil {
		return errors
	}

	temps := []struct {
		name  string
		value int16
	}{
		{"Brew temperature", s.BrewTemp},
		{"Steam temperature", s.SteamTemp},
		{"Brew setpoint", s.BrewSetpoint},
		{"Steam setpoint", s.SteamSetpoint},
	}
	for _, t := range temps {
		if verr := tempError(t.name, t.value); verr != nil {
			errors = append(errors, *verr)
		}
	}

	duties := []struct {
		name  string
		value uint8
	}{
		{"Brew output", s.BrewOutput},
		{"Steam output", s.SteamOutput},
		{"Pump output", s.PumpOutput},
		{"Water level", s.WaterLevel},
	}
	for _, d := range duties {
		if d.value > 100 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidDuty,
				Message: fmt.Sprintf("%s %d%% exceeds 100%%", d.name, d.value),
				Details: map[string]interface{}{"field": d.name, "value": d.value, "max": 100},
			})
		}
	}

	if s.State > maxStateCode {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidState,
			Message: fmt.Sprintf("Invalid state=%d (max %d)", s.State, maxStateCode),
			Details: map[string]interface{}{"state": s.State, "max": maxStateCode},
		})
	}

	if s.Pressure > MaxPlausiblePressure {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidPressure,
			Message: fmt.Sprintf("Pressure %.2f bar exceeds %.0f bar", float64(s.Pressure)/100, float64(MaxPlausiblePressure)/100),
			Details: map[string]interface{}{"value": s.Pressure, "max": MaxPlausiblePressure},
		})
	}

	return errors
}

// validateSetTemp validates a MSG_CMD_SET_TEMP packet
func validateSetTemp(p *Packet) []ValidationError {
	errors := []ValidationError{}
	c, err := DecodeSetTemp(p.payload)
	if err != nil {
		return errors
	}
	if c.Target > TargetSteam {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid target=%d", c.Target),
			Details: map[string]interface{}{"target": c.Target},
		})
	}
	if verr := tempError("Setpoint", c.Temp); verr != nil {
		errors = append(errors, *verr)
	}
	return errors
}
