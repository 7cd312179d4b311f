// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/crema/pkg/controller"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/persist"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

// Controller hosting flags shared by run and simulate
var (
	machineFile string
	stateDir    string
	profileName string
	imagePath   string
	cycleTime   time.Duration
)

func addBenchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&machineFile, "config", "", "YAML machine file (profile and installation)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for the persisted configuration record (memory only if empty)")
	cmd.Flags().StringVar(&profileName, "profile", "", "Machine profile, overrides the machine file")
	cmd.Flags().StringVar(&imagePath, "image", "", "Program image checked by the flash self-test (default: this executable)")
	cmd.Flags().DurationVar(&cycleTime, "cycle", 100*time.Millisecond, "Control cycle period")
}

// bench is a controller wired to the simulated plant
type bench struct {
	ctrl     *controller.Controller
	plant    *hal.Plant
	registry *machine.Registry
	cfg      controller.Config
	image    *os.File
}

// Close releases the program image
func (b *bench) Close() error {
	return b.image.Close()
}

// loadMachineFile reads the machine file named by the flags, or the defaults
func loadMachineFile() (machine.File, error) {
	f := machine.DefaultFile()
	if machineFile != "" {
		var err error
		if f, err = machine.LoadFile(machineFile); err != nil {
			return f, err
		}
	}
	if profileName != "" {
		if _, err := machine.Lookup(profileName); err != nil {
			return f, err
		}
		f.Profile = profileName
	}
	return f, nil
}

// openImage opens the program image and returns its size
func openImage() (*os.File, int64, error) {
	path := imagePath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to locate program image: %w", err)
		}
		path = exe
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open program image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat program image: %w", err)
	}
	return f, info.Size(), nil
}

// newBench builds a controller for the machine file, talking on link
func newBench(link io.Writer, watchdog hal.Watchdog) (*bench, error) {
	file, err := loadMachineFile()
	if err != nil {
		return nil, err
	}
	reg, err := machine.NewRegistry(file.Profile)
	if err != nil {
		return nil, err
	}
	if file.Installation != nil {
		if err := reg.SetInstallation(*file.Installation); err != nil {
			return nil, err
		}
	}

	var store persist.Store
	if stateDir != "" {
		fs, err := persist.NewFileStore(stateDir)
		if err != nil {
			return nil, err
		}
		store = fs
		glog.Infof("configuration record in %s", fs.Dir())
	}

	image, size, err := openImage()
	if err != nil {
		return nil, err
	}

	cfg := controller.DefaultConfig()
	cfg.Cycle = cycleTime
	cfg.SequentialThresholdPct = file.SequentialThresholdPct
	cfg.MinDutyPct = file.MinDutyPct

	plant := hal.NewPlant(hal.PlantFor(reg.Profile()))
	ctrl, err := controller.New(cfg, controller.Deps{
		Registry:  reg,
		Sensors:   plant,
		Outputs:   plant,
		Link:      link,
		Store:     store,
		Watchdog:  watchdog,
		Image:     image,
		ImageSize: size,
	})
	if err != nil {
		image.Close()
		return nil, err
	}
	return &bench{ctrl: ctrl, plant: plant, registry: reg, cfg: cfg, image: image}, nil
}

// stepPlant advances the plant in real time until done closes
func stepPlant(plant *hal.Plant, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			plant.Step(now.Sub(last))
			last = now
		}
	}
}
