// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults used when a file omits the coordinator tuning fields
const (
	DefaultSequentialThresholdPct = 99.0
	DefaultMinDutyPct             = 5.0
)

// File is the on-disk machine description
type File struct {
	Profile                string        `yaml:"profile"`
	Installation           *Installation `yaml:"installation,omitempty"`
	SequentialThresholdPct float64       `yaml:"sequential_threshold_pct,omitempty"`
	MinDutyPct             float64       `yaml:"min_duty_pct,omitempty"`
}

// DefaultFile returns the description used when no file is given
func DefaultFile() File {
	return File{
		Profile:                "dual-boiler",
		SequentialThresholdPct: DefaultSequentialThresholdPct,
		MinDutyPct:             DefaultMinDutyPct,
	}
}

// ParseFile decodes a YAML machine description and fills defaults
func ParseFile(data []byte) (File, error) {
	f := DefaultFile()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse machine file: %w", err)
	}
	if _, err := Lookup(f.Profile); err != nil {
		return File{}, err
	}
	if f.Installation != nil {
		if err := f.Installation.Validate(); err != nil {
			return File{}, err
		}
	}
	if f.SequentialThresholdPct <= 0 || f.SequentialThresholdPct > 100 {
		return File{}, fmt.Errorf("sequential_threshold_pct %.1f outside (0, 100]", f.SequentialThresholdPct)
	}
	if f.MinDutyPct < 0 || f.MinDutyPct >= 50 {
		return File{}, fmt.Errorf("min_duty_pct %.1f outside [0, 50)", f.MinDutyPct)
	}
	return f, nil
}

// LoadFile reads and parses a YAML machine description
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read machine file: %w", err)
	}
	return ParseFile(data)
}

// Marshal encodes the description back to YAML
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
