// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
)

// Snapshot is a copy of the controller state taken at the end of a cycle.
// It is what observers outside the control goroutine read.
type Snapshot struct {
	Time          time.Time
	State         state.State
	Mode          state.Mode
	Phase         state.Phase
	Readings      hal.Readings
	SensorError   string
	BrewTarget    float64
	SteamTarget   float64
	Duty          heating.Duty
	Pump          float64
	Solenoid      bool
	Progress      float64
	SetupRequired bool
	Status        protocol.Status
	Safety        classb.Status
	Link          protocol.LinkStats
	Logs          logfwd.Stats
}

func (c *Controller) publish(now time.Time) {
	s := Snapshot{
		Time:          now,
		State:         c.machine.State(),
		Mode:          c.machine.Mode(),
		Phase:         c.machine.Phase(),
		Readings:      c.readings,
		BrewTarget:    c.target.brew,
		SteamTarget:   c.target.steam,
		Duty:          c.duty,
		Pump:          c.pump,
		Solenoid:      c.solenoid,
		Progress:      c.progress,
		SetupRequired: c.reg.SetupRequired(),
		Status:        c.status(now),
		Safety:        c.safety.Status(),
		Link:          c.link.Stats(),
		Logs:          c.logs.Stats(),
	}
	if c.sensorErr != nil {
		s.SensorError = c.sensorErr.Error()
	}

	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}

// Snapshot returns the state published by the last cycle. It is safe to call
// from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
