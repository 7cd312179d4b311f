// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var watchdogTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller on a serial or WebSocket link",
	Long: `Run the espresso machine control loop and serve the link protocol on the
connection given by --port or --url.

Sensors and actuators are served by the simulated boiler plant, so the
connectivity side (or the console command on another host) can be exercised
against realistic heating behavior.

The configuration record is kept in --state-dir and survives restarts. The
machine profile and installation come from the YAML file given by --config:

  profile: dual-boiler
  installation:
    voltage: 230
    max_current: 16

Signals:
  SIGINT, SIGTERM - switch every output off and exit
  SIGHUP          - physical reset: clear a latched self-test failure and
                    rerun the startup self-test`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addBenchFlags(runCmd)
	runCmd.Flags().DurationVar(&watchdogTimeout, "watchdog", 5*time.Second, "Software watchdog timeout")
}

func runController(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var b *bench
	watchdog := hal.NewSoftWatchdog(watchdogTimeout, func() {
		// A stalled loop is handled like a hardware watchdog reset
		if b != nil {
			if err := hal.AllOff(b.plant); err != nil {
				glog.Errorf("failed to clear outputs: %v", err)
			}
		}
		glog.Fatalf("control loop stalled for %s", watchdogTimeout)
	})
	defer watchdog.Stop()

	b, err = newBench(conn, watchdog)
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Printf("Crema - Controller\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Machine: %s\n", b.registry)
	fmt.Printf("Press Ctrl+C to exit, send SIGHUP to reset\n\n")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				glog.Infof("SIGHUP: physical reset requested")
				b.ctrl.RequestReset()
			}
		}
	}()

	go stepPlant(b.plant, b.cfg.Cycle/2, ctx.Done())

	err = b.ctrl.Run(ctx, conn)
	snap := b.ctrl.Snapshot()
	glog.Infof("stopped in %s after %d packets received, %d link errors",
		snap.State, snap.Link.PacketsReceived, snap.Link.Errors())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
