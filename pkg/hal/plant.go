// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hal

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/crema/pkg/machine"
)

// PlantConfig describes the simulated machine. Capacities are J/°C, losses
// W/°C.
type PlantConfig struct {
	Ambient       float64
	BrewWatts     float64
	SteamWatts    float64
	BrewCapacity  float64
	SteamCapacity float64
	BrewLoss      float64
	SteamLoss     float64
	FlowRate      float64 // g/s through the group while the pump runs
	PumpPressure  float64 // bar at full pump duty
}

// PlantFor returns a plant matching a profile's heater ratings
func PlantFor(p machine.Profile) PlantConfig {
	return PlantConfig{
		Ambient:       20,
		BrewWatts:     float64(p.Electrical.BrewHeaterWatts),
		SteamWatts:    float64(p.Electrical.SteamHeaterWatts),
		BrewCapacity:  4000,
		SteamCapacity: 6000,
		BrewLoss:      2.5,
		SteamLoss:     4,
		FlowRate:      2,
		PumpPressure:  9,
	}
}

// specific heat of water, J/(g·°C)
const waterHeat = 4.186

// Plant is a lumped thermal model of the boilers, pump and group. It
// implements Sensors and Outputs and is safe for concurrent use.
type Plant struct {
	mu  sync.Mutex
	cfg PlantConfig

	brewTemp  float64
	steamTemp float64
	groupTemp float64
	pressure  float64
	water     uint8

	brewDuty  float64
	steamDuty float64
	pumpDuty  float64
	solenoid  bool

	stuck       map[uint8]bool
	sensorFault string
}

// NewPlant creates a plant with everything at ambient
func NewPlant(cfg PlantConfig) *Plant {
	return &Plant{
		cfg:       cfg,
		brewTemp:  cfg.Ambient,
		steamTemp: cfg.Ambient,
		groupTemp: cfg.Ambient,
		water:     80,
		stuck:     map[uint8]bool{},
	}
}

// Step advances the model by dt
func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sec := dt.Seconds()
	if sec <= 0 {
		return
	}
	brew, steam, pump, solenoid := p.effectiveLocked()
	amb := p.cfg.Ambient

	brewIn := brew / 100 * p.cfg.BrewWatts
	brewOut := p.cfg.BrewLoss * (p.brewTemp - amb)
	if pump > 0 && solenoid {
		brewOut += pump / 100 * p.cfg.FlowRate * waterHeat * (p.brewTemp - amb)
	}
	if p.cfg.BrewCapacity > 0 {
		p.brewTemp += (brewIn - brewOut) / p.cfg.BrewCapacity * sec
	}

	steamIn := steam / 100 * p.cfg.SteamWatts
	steamOut := p.cfg.SteamLoss * (p.steamTemp - amb)
	if p.cfg.SteamCapacity > 0 {
		p.steamTemp += (steamIn - steamOut) / p.cfg.SteamCapacity * sec
	}

	// the group follows whichever boiler feeds it
	source := p.brewTemp
	if p.cfg.BrewWatts == 0 {
		source = amb + 0.75*(p.steamTemp-amb)
	}
	p.groupTemp += (source - 3 - p.groupTemp) * math.Min(1, sec/60)

	target := 0.0
	if pump > 0 {
		target = pump / 100 * p.cfg.PumpPressure
	}
	tau := 0.5
	if target > p.pressure {
		tau = 1
	}
	p.pressure += (target - p.pressure) * math.Min(1, sec/tau)
}

func (p *Plant) effectiveLocked() (brew, steam, pump float64, solenoid bool) {
	brew, steam, pump, solenoid = p.brewDuty, p.steamDuty, p.pumpDuty, p.solenoid
	if on, ok := p.stuck[PinBrewSSR]; ok {
		brew = onOff(on)
	}
	if on, ok := p.stuck[PinSteamSSR]; ok {
		steam = onOff(on)
	}
	if on, ok := p.stuck[PinPump]; ok {
		pump = onOff(on)
	}
	if on, ok := p.stuck[PinSolenoid]; ok {
		solenoid = on
	}
	return
}

func onOff(on bool) float64 {
	if on {
		return 100
	}
	return 0
}

// Read implements Sensors
func (p *Plant) Read() (Readings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sensorFault != "" {
		return Readings{}, fmt.Errorf("%w: %s", ErrSensorFault, p.sensorFault)
	}
	return Readings{
		BrewTemp:      p.brewTemp,
		SteamTemp:     p.steamTemp,
		GroupTemp:     p.groupTemp,
		Pressure:      p.pressure,
		SteamPressure: SaturationPressure(p.steamTemp),
		WaterLevel:    p.water,
		WaterLow:      p.water < 10,
	}, nil
}

// SetHeaters implements Outputs
func (p *Plant) SetHeaters(brew, steam float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brewDuty, p.steamDuty = brew, steam
	return nil
}

// SetPump implements Outputs
func (p *Plant) SetPump(duty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pumpDuty = duty
	return nil
}

// SetSolenoid implements Outputs
func (p *Plant) SetSolenoid(open bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.solenoid = open
	return nil
}

// ReadPin implements Outputs. A stuck pin reads its stuck level.
func (p *Plant) ReadPin(pin uint8) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on, ok := p.stuck[pin]; ok {
		return on, nil
	}
	switch pin {
	case PinBrewSSR:
		return p.brewDuty > 0, nil
	case PinSteamSSR:
		return p.steamDuty > 0, nil
	case PinPump:
		return p.pumpDuty > 0, nil
	case PinSolenoid:
		return p.solenoid, nil
	}
	return false, fmt.Errorf("no output on pin %d", pin)
}

// Duty returns the heater duty last written
func (p *Plant) Duty() (brew, steam float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brewDuty, p.steamDuty
}

// StickPin forces a pin to a level regardless of what is written
func (p *Plant) StickPin(pin uint8, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuck[pin] = on
}

// ReleasePin undoes StickPin
func (p *Plant) ReleasePin(pin uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stuck, pin)
}

// FailSensor makes Read fail with reason. An empty reason clears the fault.
func (p *Plant) FailSensor(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensorFault = reason
}

// SetTemps places both boilers, and the group, at the given temperatures
func (p *Plant) SetTemps(brew, steam float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brewTemp, p.steamTemp, p.groupTemp = brew, steam, brew-3
}

// SetWaterLevel sets the reservoir level in percent
func (p *Plant) SetWaterLevel(pct uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.water = pct
}

// SaturationPressure approximates the gauge pressure (bar) of water vapour
// at temp °C
func SaturationPressure(temp float64) float64 {
	kpa := 0.61078 * math.Exp(17.27*temp/(temp+237.3))
	gauge := kpa/100 - 1.01325
	if gauge < 0 {
		return 0
	}
	return gauge
}
