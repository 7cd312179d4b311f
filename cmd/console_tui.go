// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

// keepaliveInterval keeps the controller's link timeout from firing
const keepaliveInterval = 2 * time.Second

// Focus states
const (
	focusActionList = iota
	focusArgInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string

	// Commands
	actions      list.Model
	selected     int
	argInput     textinput.Model
	focusedField int
	inflight     map[uint8]string // sequence -> command description

	// Monitoring
	stats         *protocol.Statistics
	link          protocol.LinkStats
	errorLog      []errorLogEntry
	maxLogEntries int
	status        *protocol.Status
	boot          *protocol.Boot

	// UI state
	width          int
	height         int
	synchronized   bool
	quitting       bool
	connectionLost bool
	lastKeepalive  time.Time
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type consoleBatchMsg struct {
	packets []*protocol.Packet
	link    protocol.LinkStats
}

type commandResultMsg protocol.Completion

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string) consoleModel {
	ti := textinput.New()
	ti.CharLimit = 48
	ti.Width = 24

	items := make([]list.Item, len(consoleActions))
	for i, a := range consoleActions {
		items[i] = a
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	actions := list.New(items, delegate, 34, 14)
	actions.Title = "Commands"
	actions.SetShowStatusBar(false)
	actions.SetShowHelp(false)
	actions.SetFilteringEnabled(false)

	m := consoleModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		actions:       actions,
		argInput:      ti,
		focusedField:  focusActionList,
		inflight:      make(map[uint8]string),
		stats:         protocol.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
	m.selectAction(0)
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.actions, _ = m.actions.Update(msg)
			m.syncSelection()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		m.stats.CalculateRates()
		if !m.connectionLost && time.Since(m.lastKeepalive) >= keepaliveInterval {
			m.lastKeepalive = time.Now()
			// Failures show up as connection loss or link errors
			m.connMgr.send(protocol.MsgPing, nil)
		}
		return m, consoleTickCmd()

	case consoleBatchMsg:
		m.link = msg.link
		for _, p := range msg.packets {
			m.processPacket(p)
		}

	case commandResultMsg:
		m.handleResult(protocol.Completion(msg))

	case connectionLostMsg:
		m.connectionLost = true
		m.inflight = make(map[uint8]string)
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)
		} else {
			m.addLogEntry("Connection lost - reconnecting...", true)
		}

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.synchronized = false
		m.addLogEntry("Reconnected", false)
	}

	return m, nil
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusArgInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab":
		m.cycleFocus(1)
		return m, nil

	case "shift+tab":
		m.cycleFocus(-1)
		return m, nil

	case "esc":
		m.setFocus(focusActionList)
		return m, nil

	case "enter":
		action := consoleActions[m.selected]
		if m.focusedField == focusActionList && action.arg != "" {
			m.setFocus(focusArgInput)
			return m, nil
		}
		m.sendSelected()
		return m, nil
	}

	var cmd tea.Cmd
	switch m.focusedField {
	case focusActionList:
		m.actions, cmd = m.actions.Update(msg)
		m.syncSelection()
	case focusArgInput:
		m.argInput, cmd = m.argInput.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) setFocus(field int) {
	if field == focusArgInput && consoleActions[m.selected].arg == "" {
		field = focusButton
	}
	m.focusedField = field
	if field == focusArgInput {
		m.argInput.Focus()
	} else {
		m.argInput.Blur()
	}
}

func (m *consoleModel) cycleFocus(delta int) {
	const n = focusButton + 1
	next := (m.focusedField + delta + n) % n
	// Skip the argument field for commands without one
	if next == focusArgInput && consoleActions[m.selected].arg == "" {
		next = (next + delta + n) % n
	}
	m.setFocus(next)
}

// syncSelection resets the argument field when the list selection moves
func (m *consoleModel) syncSelection() {
	if idx := m.actions.Index(); idx != m.selected {
		m.selectAction(idx)
	}
}

func (m *consoleModel) selectAction(idx int) {
	if idx < 0 || idx >= len(consoleActions) {
		return
	}
	m.selected = idx
	m.argInput.SetValue("")
	m.argInput.Placeholder = consoleActions[idx].arg
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m *consoleModel) sendSelected() {
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return
	}

	action := consoleActions[m.selected]
	arg := strings.TrimSpace(m.argInput.Value())
	if arg == "" {
		arg = action.arg
	}

	msgType, payload, err := action.build(arg)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", action.name, err), true)
		return
	}

	seq, err := m.connMgr.send(msgType, payload)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", action.name, err), true)
		return
	}

	desc := action.name
	if action.arg != "" {
		desc = fmt.Sprintf("%s (%s)", action.name, arg)
	}
	m.inflight[seq] = desc
	m.addLogEntry(fmt.Sprintf("Sent %s seq=%d", desc, seq), false)
}

func (m *consoleModel) handleResult(c protocol.Completion) {
	desc, mine := m.inflight[c.Seq]
	delete(m.inflight, c.Seq)
	if !mine {
		// Keepalive pings only matter when they fail
		if c.Err == nil {
			return
		}
		desc = protocol.FormatMessageType(c.Type)
	}

	var nack *protocol.NackError
	switch {
	case c.Err == nil:
		m.addLogEntry(fmt.Sprintf("ACK %s", desc), false)
	case errors.As(c.Err, &nack):
		m.addLogEntry(fmt.Sprintf("NACK %s: %s", desc, nack.Result), true)
	default:
		m.addLogEntry(fmt.Sprintf("%s: %v", desc, c.Err), true)
	}
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *consoleModel) processPacket(p *protocol.Packet) {
	if !m.synchronized {
		m.synchronized = true
		m.addLogEntry("Synchronized", false)
	}

	validationErrors := protocol.ValidatePacket(p)
	m.stats.Update(p, nil, validationErrors)
	if len(validationErrors) > 0 {
		for _, err := range validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", protocol.FormatMessageType(p.Type()), err.Message), true)
		}
		return
	}

	payload := p.Payload()
	switch p.Type() {
	case protocol.MsgStatus:
		s, err := protocol.DecodeStatus(payload)
		if err != nil {
			return
		}
		if m.status != nil && m.status.State != s.State {
			m.addLogEntry(fmt.Sprintf("State: %s -> %s", protocol.FormatState(m.status.State), protocol.FormatState(s.State)), false)
		}
		m.status = &s

	case protocol.MsgBoot:
		if b, err := protocol.DecodeBoot(payload); err == nil {
			m.boot = &b
		}
		m.logPayload(p, false)

	case protocol.MsgAlarm:
		a, err := protocol.DecodeAlarm(payload)
		m.logPayload(p, err != nil || a.Severity >= protocol.SeverityError)

	case protocol.MsgLog:
		l, err := protocol.DecodeLogMessage(payload)
		if err != nil {
			return
		}
		level := "LOG"
		if l.Level <= 3 {
			level = []string{"DEBUG", "INFO", "WARN", "ERROR"}[l.Level]
		}
		m.addLogEntry(fmt.Sprintf("[%s] %s", level, l.Text), l.Level >= 3)

	case protocol.MsgPing:
		// The controller does not ping, but a bridge might
		return

	default:
		m.logPayload(p, false)
	}
}

// logPayload adds the decoded payload lines of p to the event log
func (m *consoleModel) logPayload(p *protocol.Packet, isError bool) {
	name := protocol.FormatMessageType(p.Type())
	body := strings.TrimRight(protocol.FormatPayload(p.Type(), p.Payload()), "\n")
	if len(p.Payload()) == 0 || body == "" {
		m.addLogEntry(name, isError)
		return
	}
	lines := strings.Split(body, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	m.addLogEntry(fmt.Sprintf("%s: %s", name, strings.Join(lines, ", ")), isError)
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("CREMA CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch Enter=send", connStatus)))
	s.WriteString("\n\n")

	// Layout: left panel (commands) | right panel (status and argument)
	leftWidth := 36
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusActionList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	commandPanel := listStyle.Render(m.actions.View())
	controlPanel := boxStyle.Width(rightWidth).Render(m.renderControlPanel())

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, commandPanel, " ", controlPanel))
	s.WriteString("\n")

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n")

	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m consoleModel) renderControlPanel() string {
	var s strings.Builder

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Machine status
	if m.status == nil {
		s.WriteString(headerStyle.Render("Waiting for status..."))
		s.WriteString("\n\n")
	} else {
		st := m.status
		s.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("State:"), valueStyle.Render(protocol.FormatState(st.State)),
			labelStyle.Render("Flags:"), valueStyle.Render(protocol.FormatFlags(st.Flags))))
		s.WriteString(fmt.Sprintf("%s %s / %s\n",
			labelStyle.Render("Brew: "), valueStyle.Render(protocol.FormatTemp(st.BrewTemp)), protocol.FormatTemp(st.BrewSetpoint)))
		s.WriteString(fmt.Sprintf("%s %s / %s\n",
			labelStyle.Render("Steam:"), valueStyle.Render(protocol.FormatTemp(st.SteamTemp)), protocol.FormatTemp(st.SteamSetpoint)))
		s.WriteString(fmt.Sprintf("%s %s   %s %d%%/%d%%   %s %d%%\n",
			labelStyle.Render("Pressure:"), valueStyle.Render(fmt.Sprintf("%.2f bar", float64(st.Pressure)/100)),
			labelStyle.Render("Heaters:"), st.BrewOutput, st.SteamOutput,
			labelStyle.Render("Pump:"), st.PumpOutput))
		reminder := ""
		if st.CleaningReminder {
			reminder = warningStyle.Render("  cleaning due")
		}
		s.WriteString(fmt.Sprintf("%s %s   %s %d W   %s %d%s\n",
			labelStyle.Render("Strategy:"), valueStyle.Render(protocol.FormatStrategy(st.Strategy)),
			labelStyle.Render("Power:"), st.PowerWatts,
			labelStyle.Render("Brews:"), st.BrewCount, reminder))
		s.WriteString(fmt.Sprintf("%s %s\n\n",
			labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(uint64(st.UptimeMs)))))
	}

	// Selected command
	action := consoleActions[m.selected]
	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Command:"), action.name))
	s.WriteString(headerStyle.Render(action.help))
	s.WriteString("\n")
	if action.arg != "" {
		s.WriteString(labelStyle.Render("Argument: "))
		if m.focusedField == focusArgInput {
			s.WriteString(m.argInput.View())
		} else {
			val := m.argInput.Value()
			if val == "" {
				val = m.argInput.Placeholder
			}
			s.WriteString(fmt.Sprintf("[%s]", val))
		}
		s.WriteString("\n")
	}
	s.WriteString("\n")

	btnText := "[ Send ]"
	if m.focusedField == focusButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}

	return s.String()
}

func (m consoleModel) renderStatisticsBar() string {
	m.stats.CalculateRates()
	handshake := warningStyle.Render("pending")
	if m.link.Handshake {
		handshake = valueStyle.Render("ok")
	}
	errs := valueStyle.Render("0")
	if n := m.link.Errors(); n > 0 {
		errs = errorStyle.Render(fmt.Sprintf("%d", n))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %d  %s %d  %s %s",
		labelStyle.Render("Rx:"), valueStyle.Render(fmt.Sprintf("%d", m.link.PacketsReceived)),
		labelStyle.Render("Tx:"), valueStyle.Render(fmt.Sprintf("%d", m.link.PacketsSent)),
		labelStyle.Render("Errors:"), errs,
		labelStyle.Render("Retries:"), m.link.Retries,
		labelStyle.Render("Pending:"), m.link.Pending,
		labelStyle.Render("Handshake:"), handshake,
	)
	content += fmt.Sprintf("  %s %s", labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f pkt/s", m.stats.PacketRate)))

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := m.height - 30
	if logHeight < 6 {
		logHeight = 6
	}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *consoleModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m *consoleModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 8 {
		listHeight = 8
	}
	m.actions.SetSize(34, listHeight)
}
