// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package machine provides the machine profile registry.
//
// A profile describes the boiler topology, sensor and actuator presence and
// heater ratings of one class of espresso machine. Profiles are selected once
// at boot from a fixed table. The installation profile (supply voltage and
// circuit limit) is kept separately and combined with the profile into a
// derived electrical state.
package machine

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownProfile is returned when a profile name or type is not in the table
var ErrUnknownProfile = errors.New("unknown machine profile")

// Type identifies the machine topology. Values match the wire encoding used in
// boot and config payloads.
type Type uint8

// Machine types
const (
	TypeUnknown       Type = 0x00
	TypeDualBoiler    Type = 0x01
	TypeSingleBoiler  Type = 0x02
	TypeHeatExchanger Type = 0x03
	TypeThermoblock   Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeDualBoiler:
		return "DUAL_BOILER"
	case TypeSingleBoiler:
		return "SINGLE_BOILER"
	case TypeHeatExchanger:
		return "HEAT_EXCHANGER"
	case TypeThermoblock:
		return "THERMOBLOCK"
	default:
		return "UNKNOWN"
	}
}

// Features declares boiler, sensor and actuator presence
type Features struct {
	Boilers             int
	HasBrewBoiler       bool
	HasSteamBoiler      bool
	HasBrewNTC          bool
	HasSteamNTC         bool
	HasGroupNTC         bool
	HasPressure         bool
	HasSteamLevelSensor bool
	HasAutoFill         bool
	HasBrewSolenoid     bool
	SSRCount            int
	ZeroCrossSSR        bool // zero-crossing SSRs drop sub-threshold pulses
}

// Electrical holds the heater ratings of a profile
type Electrical struct {
	BrewHeaterWatts  uint16
	SteamHeaterWatts uint16
}

// ModeConfig is the machine-type specific configuration. A profile carries at
// most one variant: *SingleBoilerConfig or *HeatExchangerConfig.
type ModeConfig interface {
	modeConfig()
}

// SingleBoilerConfig applies to machines that switch one boiler between brew
// and steam setpoints.
type SingleBoilerConfig struct {
	BrewSetpoint     float64 // °C
	SteamSetpoint    float64 // °C
	ModeSwitchDelay  time.Duration
	AutoReturnToBrew bool
	SteamTimeout     time.Duration // 0 disables auto-return
}

func (*SingleBoilerConfig) modeConfig() {}

// HXControlMode selects how a heat-exchanger steam boiler is regulated
type HXControlMode uint8

// Heat exchanger control modes
const (
	HXControlTemperature  HXControlMode = 0 // PID on steam NTC
	HXControlPressure     HXControlMode = 1 // PID on pressure transducer
	HXControlPressurestat HXControlMode = 2 // external pressurestat, monitor only
)

func (m HXControlMode) String() string {
	switch m {
	case HXControlTemperature:
		return "temperature"
	case HXControlPressure:
		return "pressure"
	case HXControlPressurestat:
		return "pressurestat"
	default:
		return fmt.Sprintf("hx-mode(%d)", uint8(m))
	}
}

// HeatExchangerConfig applies to machines whose brew water is heated by a
// passive exchanger inside the steam boiler.
type HeatExchangerConfig struct {
	ControlMode          HXControlMode
	SteamSetpoint        float64 // °C
	PressureSetpoint     float64 // bar
	PressureHysteresis   float64 // bar
	PressurestatFeedback bool
}

func (*HeatExchangerConfig) modeConfig() {}

// Profile is one entry of the machine table
type Profile struct {
	Name        string // lookup key, e.g. "dual-boiler"
	Title       string
	Description string
	Type        Type
	Features    Features
	Electrical  Electrical
	Mode        ModeConfig
}

// Dual reports whether the profile has two independently heated boilers
func (p Profile) Dual() bool {
	return p.Type == TypeDualBoiler
}

// SingleBoiler returns the single-boiler variant, if the profile carries one
func (p Profile) SingleBoiler() (SingleBoilerConfig, bool) {
	if c, ok := p.Mode.(*SingleBoilerConfig); ok && c != nil {
		return *c, true
	}
	return SingleBoilerConfig{}, false
}

// HeatExchanger returns the heat-exchanger variant, if the profile carries one
func (p Profile) HeatExchanger() (HeatExchangerConfig, bool) {
	if c, ok := p.Mode.(*HeatExchangerConfig); ok && c != nil {
		return *c, true
	}
	return HeatExchangerConfig{}, false
}

var profiles = []Profile{
	{
		Name:        "dual-boiler",
		Title:       "Dual Boiler",
		Description: "Two independent boilers (brew + steam)",
		Type:        TypeDualBoiler,
		Features: Features{
			Boilers:             2,
			HasBrewBoiler:       true,
			HasSteamBoiler:      true,
			HasBrewNTC:          true,
			HasSteamNTC:         true,
			HasPressure:         true,
			HasSteamLevelSensor: true,
			HasBrewSolenoid:     true,
			SSRCount:            2,
			ZeroCrossSSR:        true,
		},
		Electrical: Electrical{BrewHeaterWatts: 1500, SteamHeaterWatts: 1000},
	},
	{
		Name:        "single-boiler",
		Title:       "Single Boiler",
		Description: "One boiler, switches between brew/steam mode",
		Type:        TypeSingleBoiler,
		Features: Features{
			Boilers:         1,
			HasBrewBoiler:   true,
			HasBrewNTC:      true,
			HasPressure:     true,
			HasBrewSolenoid: true,
			SSRCount:        1,
			ZeroCrossSSR:    true,
		},
		Electrical: Electrical{BrewHeaterWatts: 1200},
		Mode: &SingleBoilerConfig{
			BrewSetpoint:     93.0,
			SteamSetpoint:    140.0,
			ModeSwitchDelay:  5 * time.Second,
			AutoReturnToBrew: true,
			SteamTimeout:     120 * time.Second,
		},
	},
	{
		Name:        "heat-exchanger",
		Title:       "Heat Exchanger",
		Description: "Steam boiler with passive heat exchanger for brew",
		Type:        TypeHeatExchanger,
		Features: Features{
			Boilers:             1,
			HasSteamBoiler:      true,
			HasSteamNTC:         true,
			HasGroupNTC:         true,
			HasPressure:         true,
			HasSteamLevelSensor: true,
			HasAutoFill:         true,
			HasBrewSolenoid:     true,
			SSRCount:            1,
			ZeroCrossSSR:        true,
		},
		Electrical: Electrical{SteamHeaterWatts: 1400},
		Mode: &HeatExchangerConfig{
			ControlMode:        HXControlTemperature,
			SteamSetpoint:      125.0,
			PressureSetpoint:   1.2,
			PressureHysteresis: 0.1,
		},
	},
	{
		Name:        "heat-exchanger-pressurestat",
		Title:       "Heat Exchanger (pressurestat)",
		Description: "HX machine regulated by its own pressurestat, monitored only",
		Type:        TypeHeatExchanger,
		Features: Features{
			Boilers:        1,
			HasSteamBoiler: true,
			HasSteamNTC:    true,
			HasGroupNTC:    true,
			HasPressure:    true,
			SSRCount:       1,
		},
		Electrical: Electrical{SteamHeaterWatts: 1400},
		Mode: &HeatExchangerConfig{
			ControlMode:   HXControlPressurestat,
			SteamSetpoint: 125.0,
		},
	},
}

// Profiles returns a copy of the profile table
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// Lookup finds a profile by name
func Lookup(name string) (Profile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// LookupType returns the first profile of the given type
func LookupType(t Type) (Profile, error) {
	for _, p := range profiles {
		if p.Type == t {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: type 0x%02X", ErrUnknownProfile, uint8(t))
}
