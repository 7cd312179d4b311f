// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package heating combines per-boiler duty requests into the duty cycles
// actually applied to the heaters.
//
// The Coordinator honors the installation current limit, the machine topology,
// the setup gate and the self-test latch. It never returns a duty below the
// zero-crossing floor except exactly zero.
package heating

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how heater duty is shared between two boilers. Values match
// the wire encoding.
type Strategy uint8

// Heating strategies
const (
	BrewOnly     Strategy = 0 // steam boiler never heats
	Sequential   Strategy = 1 // steam heats once brew reaches the threshold
	Parallel     Strategy = 2 // both heat, unconstrained
	SmartStagger Strategy = 3 // both heat, combined current capped
)

// Errors
var (
	ErrUnknownStrategy    = errors.New("unknown heating strategy")
	ErrStrategyNotAllowed = errors.New("heating strategy not allowed")
)

var strategyNames = map[Strategy]string{
	BrewOnly:     "BREW_ONLY",
	Sequential:   "SEQUENTIAL",
	Parallel:     "PARALLEL",
	SmartStagger: "SMART_STAGGER",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STRATEGY(%d)", uint8(s))
}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	return s <= SmartStagger
}

// ParseStrategy accepts a strategy name ("sequential", "SMART_STAGGER",
// "smart-stagger") or its numeric code
func ParseStrategy(v string) (Strategy, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", "_"))
	for s, name := range strategyNames {
		if name == norm || fmt.Sprint(uint8(s)) == norm {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, v)
}
