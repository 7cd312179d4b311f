// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package state

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Activity records user activity: it restarts the eco timer and leaves ECO
func (m *Machine) Activity(now time.Time) {
	m.lastActivity = now
	if m.state == Eco {
		glog.Infof("state: activity, leaving eco")
		m.exitEco(now)
	}
}

// SetMode selects idle, brew or steam. In FAULT with the condition cleared a
// mode command acknowledges the fault.
func (m *Machine) SetMode(mode Mode, now time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, uint8(mode))
	}
	switch m.state {
	case Safe:
		return fmt.Errorf("%w: %s", ErrRejected, m.state)
	case Init:
		return fmt.Errorf("%w: %s", ErrNotReady, m.state)
	case Fault:
		if err := m.AckFault(now); err != nil {
			return err
		}
	}
	if m.brewing {
		return fmt.Errorf("%w: brewing", ErrRejected)
	}
	if m.setup && mode != ModeIdle {
		return fmt.Errorf("%w: installation not configured", ErrNotReady)
	}

	m.Activity(now)
	m.setMode(mode, now)
	return nil
}

// StartBrew starts a brew from READY
func (m *Machine) StartBrew(now time.Time) error {
	if err := m.brewAllowed(now); err != nil {
		return err
	}
	m.brewing = true
	m.cleaning = false
	m.transition(Brewing, now)
	return nil
}

// StopBrew stops the running brew or cleaning cycle
func (m *Machine) StopBrew(now time.Time) error {
	if !m.brewing {
		return fmt.Errorf("%w: not brewing", ErrRejected)
	}
	m.brewStop = now
	m.brewing = false
	m.transition(Ready, now)
	return nil
}

// StartCleaning starts a backflush cycle from READY. It runs for the cleaning
// cycle duration and is not counted as a brew.
func (m *Machine) StartCleaning(now time.Time) error {
	if err := m.brewAllowed(now); err != nil {
		return err
	}
	m.brewing = true
	m.cleaning = true
	m.transition(Brewing, now)
	return nil
}

// StopCleaning stops a running cleaning cycle
func (m *Machine) StopCleaning(now time.Time) error {
	if !m.Cleaning() {
		return fmt.Errorf("%w: no cleaning cycle", ErrRejected)
	}
	return m.StopBrew(now)
}

func (m *Machine) brewAllowed(now time.Time) error {
	if m.latched() || m.state == Safe || m.state == Fault {
		return fmt.Errorf("%w: %s", ErrRejected, m.state)
	}
	if m.setup {
		return fmt.Errorf("%w: installation not configured", ErrNotReady)
	}
	if m.brewing {
		return fmt.Errorf("%w: already brewing", ErrRejected)
	}
	if m.waterLow {
		return fmt.Errorf("%w: water low", ErrNotReady)
	}
	m.Activity(now)
	if m.state != Ready {
		return fmt.Errorf("%w: %s", ErrRejected, m.state)
	}
	return nil
}

// EnterEco enters eco mode from IDLE or READY
func (m *Machine) EnterEco(now time.Time) error {
	if (m.state != Idle && m.state != Ready) || m.brewing {
		return fmt.Errorf("%w: eco from %s", ErrRejected, m.state)
	}
	m.transition(Eco, now)
	return nil
}

// ExitEco leaves eco mode
func (m *Machine) ExitEco(now time.Time) error {
	if m.state != Eco {
		return fmt.Errorf("%w: not in eco", ErrRejected)
	}
	m.Activity(now)
	return nil
}

// AckFault acknowledges a FAULT whose condition has cleared
func (m *Machine) AckFault(now time.Time) error {
	if m.state != Fault {
		return fmt.Errorf("%w: no fault", ErrRejected)
	}
	if m.faultActive {
		return fmt.Errorf("%w: fault condition present", ErrRejected)
	}
	glog.Infof("state: fault acknowledged")
	m.transition(Idle, now)
	return nil
}

// Recover leaves SAFE after the self-test latch has been cleared by the
// physical reset path. It is never reachable from a protocol command.
func (m *Machine) Recover(now time.Time) error {
	if m.state != Safe {
		return fmt.Errorf("%w: not in safe state", ErrRejected)
	}
	if m.latched() {
		return fmt.Errorf("%w: self-test latch set", ErrRejected)
	}
	glog.Infof("state: recovered from safe state")
	m.mode = ModeIdle
	m.transition(Idle, now)
	return nil
}
