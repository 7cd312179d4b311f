// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hal is the boundary between the control loop and the hardware:
// sensors, heater and pump outputs, and the watchdog.
package hal

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/crema/pkg/classb"
)

// Digital output pins
const (
	PinBrewSSR  uint8 = 0
	PinSteamSSR uint8 = 1
	PinPump     uint8 = 2
	PinSolenoid uint8 = 3
)

// ErrSensorFault is returned by Sensors.Read when a sensor is open or shorted
var ErrSensorFault = errors.New("sensor fault")

// Readings is one sample of every sensor
type Readings struct {
	BrewTemp      float64 // °C
	SteamTemp     float64 // °C
	GroupTemp     float64 // °C
	Pressure      float64 // bar, brew circuit
	SteamPressure float64 // bar, steam boiler (gauge)
	WaterLevel    uint8   // percent
	WaterLow      bool
}

// Sensors samples the machine
type Sensors interface {
	Read() (Readings, error)
}

// Outputs drives the actuators. Duty values are percent.
type Outputs interface {
	SetHeaters(brew, steam float64) error
	SetPump(duty float64) error
	SetSolenoid(open bool) error

	// ReadPin returns the measured level of a digital output
	ReadPin(pin uint8) (bool, error)
}

// Watchdog is petted once per control cycle
type Watchdog interface {
	Kick()
}

// Tracked records every write in a self-test shadow before passing it on
type Tracked struct {
	out    Outputs
	shadow *classb.Shadow
}

// NewTracked wraps out. The shadow is owned by the control loop.
func NewTracked(out Outputs, shadow *classb.Shadow) *Tracked {
	return &Tracked{out: out, shadow: shadow}
}

// SetHeaters implements Outputs
func (t *Tracked) SetHeaters(brew, steam float64) error {
	t.shadow.Set(PinBrewSSR, brew > 0)
	t.shadow.Set(PinSteamSSR, steam > 0)
	if err := t.out.SetHeaters(brew, steam); err != nil {
		return fmt.Errorf("failed to set heaters: %w", err)
	}
	return nil
}

// SetPump implements Outputs
func (t *Tracked) SetPump(duty float64) error {
	t.shadow.Set(PinPump, duty > 0)
	if err := t.out.SetPump(duty); err != nil {
		return fmt.Errorf("failed to set pump: %w", err)
	}
	return nil
}

// SetSolenoid implements Outputs
func (t *Tracked) SetSolenoid(open bool) error {
	t.shadow.Set(PinSolenoid, open)
	if err := t.out.SetSolenoid(open); err != nil {
		return fmt.Errorf("failed to set solenoid: %w", err)
	}
	return nil
}

// ReadPin implements Outputs
func (t *Tracked) ReadPin(pin uint8) (bool, error) {
	return t.out.ReadPin(pin)
}

// AllOff drives every output to its safe level. All writes are attempted; the
// first error is returned.
func AllOff(out Outputs) error {
	return errors.Join(out.SetHeaters(0, 0), out.SetPump(0), out.SetSolenoid(false))
}
