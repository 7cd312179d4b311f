// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package persist

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Record envelope
const (
	Magic     uint32 = 0x45434D43 // "ECMC"
	Version   uint8  = 1
	ConfigKey        = "config"
)

// Defaults
const (
	DefaultBrewSetpoint      int16  = 930
	DefaultSteamSetpoint     int16  = 1400
	DefaultStrategy          uint8  = 1 // Sequential
	DefaultCleaningThreshold uint16 = 100
	DefaultEcoSetpoint       int16  = 800
	DefaultEcoTimeoutMinutes uint16 = 30
	DefaultPreinfusionOnMs   uint16 = 3000
	DefaultPreinfusionOffMs  uint16 = 5000
)

// Limits enforced by Validate
const (
	MaxSetpoint          int16  = 1650
	MinCleaningThreshold uint16 = 10
	MaxCleaningThreshold uint16 = 1000
	MaxPreinfusionMs     uint16 = 10000
	MaxEcoTimeoutMinutes uint16 = 480
)

// ErrInvalid is returned by Validate
var ErrInvalid = errors.New("invalid configuration")

// Gains are PID gains scaled by 100
type Gains struct {
	Kp uint16 `cbor:"1,keyasint"`
	Ki uint16 `cbor:"2,keyasint"`
	Kd uint16 `cbor:"3,keyasint"`
}

// Preinfusion is the persisted pre-infusion setting
type Preinfusion struct {
	Enabled bool   `cbor:"1,keyasint"`
	OnMs    uint16 `cbor:"2,keyasint"`
	PauseMs uint16 `cbor:"3,keyasint"`
}

// Eco is the persisted eco setting
type Eco struct {
	Enabled        bool   `cbor:"1,keyasint"`
	Setpoint       int16  `cbor:"2,keyasint"` // tenths of a degree
	TimeoutMinutes uint16 `cbor:"3,keyasint"`
}

// Cleaning tracks brews since the last backflush
type Cleaning struct {
	Threshold uint16 `cbor:"1,keyasint"`
	Count     uint16 `cbor:"2,keyasint"`
}

// LogForward is the persisted log forwarding switch
type LogForward struct {
	Enabled  bool  `cbor:"1,keyasint"`
	MinLevel uint8 `cbor:"2,keyasint"`
}

// BrewTotals are the lifetime brew counters
type BrewTotals struct {
	Count   uint32 `cbor:"1,keyasint"`
	TotalMs uint64 `cbor:"2,keyasint"`
}

// Config is the persisted configuration. Temperatures are tenths of a degree.
type Config struct {
	DeviceID      uuid.UUID             `cbor:"1,keyasint"`
	Installation  *machine.Installation `cbor:"2,keyasint,omitempty"`
	BrewSetpoint  int16                 `cbor:"3,keyasint"`
	SteamSetpoint int16                 `cbor:"4,keyasint"`
	BrewGains     Gains                 `cbor:"5,keyasint"`
	SteamGains    Gains                 `cbor:"6,keyasint"`
	Strategy      uint8                 `cbor:"7,keyasint"`
	Preinfusion   Preinfusion           `cbor:"8,keyasint"`
	Eco           Eco                   `cbor:"9,keyasint"`
	Cleaning      Cleaning              `cbor:"10,keyasint"`
	LogForward    LogForward            `cbor:"11,keyasint"`
	Brews         BrewTotals            `cbor:"12,keyasint"`
}

// Defaults returns the factory configuration with a fresh device id. No
// installation is set, which keeps the machine in setup mode.
func Defaults() Config {
	gains := Gains{Kp: 200, Ki: 10, Kd: 100}
	return Config{
		DeviceID:      uuid.New(),
		BrewSetpoint:  DefaultBrewSetpoint,
		SteamSetpoint: DefaultSteamSetpoint,
		BrewGains:     gains,
		SteamGains:    gains,
		Strategy:      DefaultStrategy,
		Preinfusion: Preinfusion{
			OnMs:    DefaultPreinfusionOnMs,
			PauseMs: DefaultPreinfusionOffMs,
		},
		Eco: Eco{
			Enabled:        true,
			Setpoint:       DefaultEcoSetpoint,
			TimeoutMinutes: DefaultEcoTimeoutMinutes,
		},
		Cleaning: Cleaning{Threshold: DefaultCleaningThreshold},
	}
}

// Validate range checks every field
func (c Config) Validate() error {
	if c.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: missing device id", ErrInvalid)
	}
	if c.Installation != nil {
		if err := c.Installation.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	for _, sp := range []int16{c.BrewSetpoint, c.SteamSetpoint} {
		if sp < 0 || sp > MaxSetpoint {
			return fmt.Errorf("%w: setpoint %d", ErrInvalid, sp)
		}
	}
	if c.Strategy > 3 {
		return fmt.Errorf("%w: strategy %d", ErrInvalid, c.Strategy)
	}
	if c.Preinfusion.OnMs > MaxPreinfusionMs || c.Preinfusion.PauseMs > MaxPreinfusionMs {
		return fmt.Errorf("%w: pre-infusion %d/%d ms", ErrInvalid, c.Preinfusion.OnMs, c.Preinfusion.PauseMs)
	}
	if c.Eco.Setpoint < 0 || c.Eco.Setpoint > MaxSetpoint || c.Eco.TimeoutMinutes > MaxEcoTimeoutMinutes {
		return fmt.Errorf("%w: eco %d after %d min", ErrInvalid, c.Eco.Setpoint, c.Eco.TimeoutMinutes)
	}
	if c.Cleaning.Threshold < MinCleaningThreshold || c.Cleaning.Threshold > MaxCleaningThreshold {
		return fmt.Errorf("%w: cleaning threshold %d", ErrInvalid, c.Cleaning.Threshold)
	}
	return nil
}

// envelope wraps the encoded body. The checksum is CRC-32 (IEEE) over Body.
type envelope struct {
	Magic    uint32 `cbor:"1,keyasint"`
	Version  uint8  `cbor:"2,keyasint"`
	Body     []byte `cbor:"3,keyasint"`
	Checksum uint32 `cbor:"4,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode serializes c into a record
func Encode(c Config) ([]byte, error) {
	body, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return encMode.Marshal(envelope{
		Magic:    Magic,
		Version:  Version,
		Body:     body,
		Checksum: crc32.ChecksumIEEE(body),
	})
}

// Decode parses and verifies a record
func Decode(data []byte) (Config, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Magic != Magic {
		return Config{}, fmt.Errorf("%w: 0x%08X", ErrBadMagic, env.Magic)
	}
	if env.Version != Version {
		return Config{}, fmt.Errorf("%w: %d (want %d)", ErrVersion, env.Version, Version)
	}
	if sum := crc32.ChecksumIEEE(env.Body); sum != env.Checksum {
		return Config{}, fmt.Errorf("%w: stored 0x%08X computed 0x%08X", ErrChecksum, env.Checksum, sum)
	}
	var c Config
	if err := cbor.Unmarshal(env.Body, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads the configuration record. When the record is missing or cannot
// be trusted it returns Defaults together with an error naming the reason.
func Load(s Store) (Config, error) {
	data, err := s.Load(ConfigKey)
	if err != nil {
		return Defaults(), err
	}
	c, err := Decode(data)
	if err != nil {
		glog.Warningf("persist: %v, substituting defaults", err)
		return Defaults(), err
	}
	return c, nil
}

// Save validates and writes the configuration record
func Save(s Store, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := s.Save(ConfigKey, data); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	glog.V(1).Infof("persist: saved config (%d bytes)", len(data))
	return nil
}
