// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package machine

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// ErrNotConfigured is returned while no installation profile has been set
var ErrNotConfigured = errors.New("installation profile not configured")

// Registry holds the selected profile and the installation profile.
// The profile is fixed for the lifetime of a Registry.
type Registry struct {
	profile      Profile
	installation *Installation
	electrical   ElectricalState
}

// NewRegistry selects a profile by name
func NewRegistry(name string) (*Registry, error) {
	p, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	glog.Infof("machine: profile %s (%s)", p.Name, p.Type)
	return &Registry{profile: p}, nil
}

// Profile returns the selected profile
func (r *Registry) Profile() Profile {
	return r.profile
}

// SetInstallation validates and applies an installation profile, rederiving
// the electrical state
func (r *Registry) SetInstallation(inst Installation) error {
	state, err := Derive(r.profile.Electrical, inst)
	if err != nil {
		return err
	}
	r.installation = &inst
	r.electrical = state
	glog.Infof("machine: installation %d V / %.1f A (combined limit %.2f A, brew %.2f A, steam %.2f A)",
		inst.Voltage, inst.MaxCurrent, state.MaxCombinedCurrent, state.BrewCurrent, state.SteamCurrent)
	return nil
}

// Installation returns the installation profile, if set
func (r *Registry) Installation() (Installation, bool) {
	if r.installation == nil {
		return Installation{}, false
	}
	return *r.installation, true
}

// Electrical returns the derived electrical state, or ErrNotConfigured
func (r *Registry) Electrical() (ElectricalState, error) {
	if r.installation == nil {
		return ElectricalState{}, ErrNotConfigured
	}
	return r.electrical, nil
}

// SetupRequired reports whether the system must stay in restricted setup mode.
// No heater may be driven while this is true.
func (r *Registry) SetupRequired() bool {
	return r.installation == nil
}

// EstimatePowerWatts estimates heater power for the given duty percentages
func (r *Registry) EstimatePowerWatts(brewDuty, steamDuty float64) uint16 {
	e := r.profile.Electrical
	w := brewDuty*float64(e.BrewHeaterWatts)/100 + steamDuty*float64(e.SteamHeaterWatts)/100
	if w < 0 {
		return 0
	}
	return uint16(w)
}

// String returns a one-line summary for logs and boot output
func (r *Registry) String() string {
	if r.installation == nil {
		return fmt.Sprintf("%s (setup required)", r.profile.Title)
	}
	return fmt.Sprintf("%s @ %d V / %.1f A", r.profile.Title, r.installation.Voltage, r.installation.MaxCurrent)
}
