// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the controller against the simulated machine with a TUI",
	Long: `Run the controller, the simulated boiler plant and a host-side protocol
engine in one process, connected by in-memory pipes.

Every command goes over the link protocol exactly as it would on the serial
line, so ACK/NACK behavior, alarms and forwarded log lines can be observed
without hardware. The reset key is the physical reset path and never travels
over the link.

Keys:
  b / s / i   mode brew / steam / idle
  space       start or stop a shot
  + / -       brew setpoint up / down by 0.5°C
  e           enter or leave eco mode
  c           start a cleaning cycle
  h           jump both boilers to their setpoints
  f           toggle a brew sensor fault
  w           toggle low water
  p           toggle a stuck pump output
  r           physical reset (clears a latched self-test failure)
  q           quit`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addBenchFlags(simulateCmd)
}

// pipeConn joins the two halves of an in-memory link
type pipeConn struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeConn) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

// newPipeLink returns two connected ends of an in-memory link
func newPipeLink() (Connection, Connection) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return pipeConn{PipeReader: ar, PipeWriter: bw}, pipeConn{PipeReader: br, PipeWriter: aw}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	device, host := newPipeLink()

	b, err := newBench(device, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s := startSession(ctx, host, "in-process")
	m := initialSimulateModel(b, s)
	p := tea.NewProgram(m, tea.WithAltScreen())

	s.engine.SetCompletionHandler(func(c protocol.Completion) {
		p.Send(commandResultMsg(c))
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pkt := <-s.packets:
				p.Send(simPacketMsg{pkt})
			}
		}
	}()

	ctrlDone := make(chan error, 1)
	go func() {
		ctrlDone <- b.ctrl.Run(ctx, device)
	}()
	go stepPlant(b.plant, b.cfg.Cycle/2, ctx.Done())

	_, err = p.Run()
	cancel()
	device.Close()
	s.Close()
	if cerr := <-ctrlDone; cerr != nil && !errors.Is(cerr, context.Canceled) {
		glog.Errorf("controller: %v", cerr)
	}
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// simulateTick is the display refresh period
const simulateTick = 200 * time.Millisecond
