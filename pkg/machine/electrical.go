// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"errors"
	"fmt"
)

// SafetyMargin is the fraction of the circuit limit the heaters may draw
const SafetyMargin = 0.95

// Installation limits accepted by Validate
const (
	MinVoltage    = 100
	MaxVoltage    = 250
	MaxCurrentCap = 50.0
)

// ErrInvalidInstallation is returned for out-of-range installation values
var ErrInvalidInstallation = errors.New("invalid installation profile")

// Installation is the site-specific electrical profile
type Installation struct {
	Voltage    uint16  `yaml:"voltage"`     // nominal supply voltage (V)
	MaxCurrent float64 `yaml:"max_current"` // circuit current limit (A)
}

// Validate checks the installation values
func (i Installation) Validate() error {
	if i.Voltage < MinVoltage || i.Voltage > MaxVoltage {
		return fmt.Errorf("%w: voltage %d V outside %d-%d V", ErrInvalidInstallation, i.Voltage, MinVoltage, MaxVoltage)
	}
	if i.MaxCurrent <= 0 || i.MaxCurrent > MaxCurrentCap {
		return fmt.Errorf("%w: current limit %.1f A outside (0, %.0f] A", ErrInvalidInstallation, i.MaxCurrent, MaxCurrentCap)
	}
	return nil
}

// ElectricalState is derived at boot from a profile and an installation
type ElectricalState struct {
	Voltage            uint16
	MaxCurrent         float64
	BrewCurrent        float64 // brew heater draw at 100% duty
	SteamCurrent       float64 // steam heater draw at 100% duty
	MaxCombinedCurrent float64 // MaxCurrent * SafetyMargin
}

// Derive combines heater ratings with an installation profile
func Derive(e Electrical, inst Installation) (ElectricalState, error) {
	if err := inst.Validate(); err != nil {
		return ElectricalState{}, err
	}
	v := float64(inst.Voltage)
	return ElectricalState{
		Voltage:            inst.Voltage,
		MaxCurrent:         inst.MaxCurrent,
		BrewCurrent:        float64(e.BrewHeaterWatts) / v,
		SteamCurrent:       float64(e.SteamHeaterWatts) / v,
		MaxCombinedCurrent: inst.MaxCurrent * SafetyMargin,
	}, nil
}

// Current returns the combined draw for the given duty percentages
func (s ElectricalState) Current(brewDuty, steamDuty float64) float64 {
	return s.BrewCurrent*brewDuty/100 + s.SteamCurrent*steamDuty/100
}

// Configured reports whether the state was derived from a valid installation
func (s ElectricalState) Configured() bool {
	return s.Voltage != 0 && s.MaxCurrent > 0
}
