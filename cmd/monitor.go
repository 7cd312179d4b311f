// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch link health and detect malformed packets",
	Long: `Track packet errors, malformed data, and anomalous values with statistics.

This command validates each packet and detects:
  - Malformed packets (payload length mismatches)
  - CRC errors and decode failures
  - Anomalous status values (implausible temperatures, duty over 100%,
    unknown states, pressure out of range)
  - Statistics and trends (packet rate, error rate, success rate)

Alarms, boot announcements and forwarded log lines are always shown. By
default, other valid packets are not; use --show-all to display them too.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runMonitorTUI(conn, connInfo)
	}
	return runMonitorText(conn, connInfo)
}

// linkEvent is one decoder outcome
type linkEvent struct {
	packet           *protocol.Packet
	decodeErr        error
	validationErrors []protocol.ValidationError
	sync             bool
	skipped          int
}

// watchLink decodes conn until it fails. Decode errors before the first valid
// packet only count as skipped bytes.
func watchLink(conn Connection, emit func(linkEvent)) error {
	decoder := protocol.NewDecoder()
	synchronized := false
	invalidBytesBeforeSync := 0

	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return err
			}
			glog.Warningf("Read error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := 0; i < n; i++ {
			packet, decodeErr := decoder.DecodeByte(buf[i])
			switch {
			case decodeErr != nil:
				if synchronized {
					emit(linkEvent{decodeErr: decodeErr})
				} else {
					invalidBytesBeforeSync++
				}
			case packet != nil:
				if !synchronized {
					synchronized = true
					emit(linkEvent{sync: true, skipped: invalidBytesBeforeSync})
				}
				emit(linkEvent{packet: packet, validationErrors: protocol.ValidatePacket(packet)})
			}
		}
	}
}

// runMonitorTUI runs the monitor in TUI mode
func runMonitorTUI(conn Connection, connInfo string) error {
	m := initialMonitorModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		err := watchLink(conn, func(ev linkEvent) {
			if ev.sync {
				p.Send(syncMsg{invalidBytes: ev.skipped})
				return
			}
			p.Send(serialDataMsg(ev))
		})
		p.Send(linkClosedMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runMonitorText runs the monitor in text mode
func runMonitorText(conn Connection, connInfo string) error {
	fmt.Printf("Crema - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := protocol.NewStatistics()
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	events := make(chan linkEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- watchLink(conn, func(ev linkEvent) { events <- ev })
	}()

	for {
		select {
		case ev := <-events:
			switch {
			case ev.sync:
				if ev.skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", ev.skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			case ev.decodeErr != nil:
				stats.Update(nil, ev.decodeErr, nil)
				printDecodeError(ev.decodeErr)
			default:
				stats.Update(ev.packet, nil, ev.validationErrors)
				switch {
				case len(ev.validationErrors) > 0:
					printValidationErrors(ev.packet, ev.validationErrors)
				case alwaysShown(ev.packet.Type()):
					fmt.Print(protocol.FormatPacket(ev.packet))
				case showAll:
					fmt.Print(protocol.FormatPacket(ev.packet))
				}
			}

		case err := <-done:
			fmt.Println()
			fmt.Print(stats.String())
			glog.Infof("Connection closed: %v", err)
			return nil

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// alwaysShown reports whether a message type is printed without --show-all
func alwaysShown(msgType uint8) bool {
	switch msgType {
	case protocol.MsgAlarm, protocol.MsgBoot, protocol.MsgLog, protocol.MsgNack, protocol.MsgHandshake:
		return true
	}
	return false
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a packet
func printValidationErrors(packet *protocol.Packet, errs []protocol.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	msgType := protocol.FormatMessageType(packet.Type())

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, msgType, packet.Type())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case protocol.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
		case protocol.AnomalyInvalidTemp, protocol.AnomalyInvalidPressure:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if field, ok := err.Details["field"].(string); ok {
				fmt.Printf("    field=%s\n", field)
			}
		case protocol.AnomalyInvalidDuty, protocol.AnomalyInvalidState:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	// Print the status header for context
	if packet.Type() == protocol.MsgStatus {
		if s, err := protocol.DecodeStatus(packet.Payload()); err == nil {
			fmt.Printf("  State: %s (0x%02X), Flags: %s\n", protocol.FormatState(s.State), s.State, protocol.FormatFlags(s.Flags))
		}
	}

	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}
