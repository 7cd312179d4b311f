// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for operating the machine over the link",
	Long: `Operate the espresso machine controller via an interactive terminal UI.

This command connects to the controller via UART (direct connection) or a
WebSocket bridge and provides:
  - Real-time status display (temperatures, pressure, duty, state)
  - Every link command: modes, brewing, setpoints, gains, heating strategy,
    pre-infusion, installation, eco, cleaning, diagnostics, log forwarding
  - ACK/NACK reporting for each command
  - Alarms, forwarded log lines and replies in an event log
  - Automatic reconnection on connection loss

Tab switches between the command list, the argument field and the send
button. Enter sends the selected command.

Supports both serial and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

var errNoConnection = errors.New("connection lost")

// connectionManager handles connection lifecycle and reconnection
type connectionManager struct {
	sess     *session
	connInfo string
	mu       sync.RWMutex
	p        *tea.Program
	done     chan struct{}
}

func (cm *connectionManager) current() *session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.sess
}

// attach starts a session on conn and routes its command outcomes to the TUI
func (cm *connectionManager) attach(conn Connection, connInfo string) {
	s := startSession(context.Background(), conn, connInfo)
	s.engine.SetCompletionHandler(func(c protocol.Completion) {
		cm.p.Send(commandResultMsg(c))
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sess = s
	cm.connInfo = connInfo
}

// send transmits a tracked command on the current session
func (cm *connectionManager) send(msgType uint8, payload []byte) (uint8, error) {
	s := cm.current()
	if s == nil {
		return 0, errNoConnection
	}
	return s.engine.SendCommand(msgType, payload)
}

func runConsole(cmd *cobra.Command, args []string) error {
	// Open initial connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	cm := &connectionManager{done: make(chan struct{})}
	m := initialConsoleModel(cm, connInfo)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p
	cm.attach(conn, connInfo)

	go cm.readerLoop()

	_, err = p.Run()
	close(cm.done) // Signal goroutines to stop
	if s := cm.current(); s != nil {
		s.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// readerLoop forwards packets to the TUI and reconnects when the link drops
func (cm *connectionManager) readerLoop() {
	for {
		s := cm.current()
		if !cm.forward(s) {
			return
		}

		cm.p.Send(connectionLostMsg{err: s.Err()})
		if !cm.reconnect() {
			return // Shutdown requested during reconnect
		}
	}
}

// forward batches packets from s to the TUI at a fixed rate until the
// session ends. Returns true if the connection was lost, false on shutdown.
func (cm *connectionManager) forward(s *session) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var batch consoleBatchMsg
	for {
		select {
		case <-cm.done:
			return false

		case p := <-s.packets:
			batch.packets = append(batch.packets, p)

		case <-ticker.C:
			batch.link = s.engine.Stats()
			cm.p.Send(batch)
			batch = consoleBatchMsg{}

		case <-s.Done():
			if len(batch.packets) > 0 {
				batch.link = s.engine.Stats()
				cm.p.Send(batch)
			}
			return true
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	if s := cm.current(); s != nil {
		s.Close()
	}

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, connInfo, err := OpenConnection()
		if err == nil {
			cm.attach(conn, connInfo)
			cm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
