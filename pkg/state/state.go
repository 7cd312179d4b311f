// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package state implements the operating state machine.
//
// The Machine owns the externally visible state and decides whether heaters,
// pump and brew solenoid may be driven. Transitions happen in Evaluate, once
// per control cycle, and in the command methods. SAFE is entered whenever the
// self-test latch is set and is left only through Recover.
package state

import (
	"errors"
	"fmt"
)

// State is the operating state. Values match the wire encoding.
type State uint8

// Operating states
const (
	Init    State = 0
	Idle    State = 1
	Heating State = 2
	Ready   State = 3
	Brewing State = 4
	Fault   State = 5
	Safe    State = 6
	Eco     State = 7
)

var stateNames = [...]string{"INIT", "IDLE", "HEATING", "READY", "BREWING", "FAULT", "SAFE", "ECO"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Valid reports whether s is a known state code
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// Mode is the user-selected operating mode. Values match the wire encoding.
type Mode uint8

// Modes
const (
	ModeIdle  Mode = 0
	ModeBrew  Mode = 1
	ModeSteam Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeBrew:
		return "brew"
	case ModeSteam:
		return "steam"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m <= ModeSteam
}

// Phase is the brew cycle phase
type Phase uint8

// Brew phases
const (
	PhaseNone Phase = iota
	PhasePreinfusion
	PhasePreinfusionPause
	PhaseExtraction
	PhasePostBrew
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhasePreinfusion:
		return "preinfusion"
	case PhasePreinfusionPause:
		return "preinfusion-pause"
	case PhaseExtraction:
		return "extraction"
	case PhasePostBrew:
		return "post-brew"
	default:
		return "unknown"
	}
}

// Command errors. The controller maps them to NACK reasons.
var (
	ErrRejected    = errors.New("rejected in current state")
	ErrNotReady    = errors.New("not ready")
	ErrInvalidMode = errors.New("invalid mode")
	ErrInvalid     = errors.New("invalid parameter")
)
