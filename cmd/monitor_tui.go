// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/crema/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// TUI model
type monitorModel struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *protocol.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	closed        error
	width         int
	height        int
	quitting      bool
	lastStatus    *protocol.Status
	lastStatusAt  time.Time
	lastBoot      *protocol.Boot
}

// Messages
type tickMsg time.Time
type serialDataMsg linkEvent
type syncMsg struct {
	invalidBytes int
}
type linkClosedMsg struct {
	err error
}

// Shared styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n uint64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialMonitorModel(connInfo string, statsInterval int, showAll bool) monitorModel {
	return monitorModel{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         protocol.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case linkClosedMsg:
		m.closed = msg.err
		m.addLogEntry(fmt.Sprintf("Connection closed: %v", msg.err), true)

	case serialDataMsg:
		if msg.decodeErr != nil {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
			return m, nil
		}
		if msg.packet == nil {
			return m, nil
		}
		m.stats.Update(msg.packet, nil, msg.validationErrors)
		msgType := protocol.FormatMessageType(msg.packet.Type())

		if len(msg.validationErrors) > 0 {
			for _, err := range msg.validationErrors {
				m.addLogEntry(fmt.Sprintf("%s: %s", msgType, err.Message), true)
			}
			return m, nil
		}
		m.track(msg.packet)
	}

	return m, nil
}

// track updates the decoded view and logs the packets worth showing
func (m *monitorModel) track(p *protocol.Packet) {
	msgType := protocol.FormatMessageType(p.Type())
	payload := p.Payload()

	switch p.Type() {
	case protocol.MsgStatus:
		if s, err := protocol.DecodeStatus(payload); err == nil {
			m.lastStatus = &s
			m.lastStatusAt = p.Timestamp()
		}
	case protocol.MsgBoot:
		if b, err := protocol.DecodeBoot(payload); err == nil {
			m.lastBoot = &b
			m.addLogEntry(fmt.Sprintf("BOOT v%d.%d.%d, reset reason 0x%08X", b.Major, b.Minor, b.Patch, b.ResetReason), false)
		}
		return
	case protocol.MsgAlarm:
		if a, err := protocol.DecodeAlarm(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("ALARM %s (value %d)", protocol.FormatAlarm(a.Code), a.Value), a.Severity >= protocol.SeverityError)
		}
		return
	case protocol.MsgLog:
		if l, err := protocol.DecodeLogMessage(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("LOG %s", l.Text), l.Level >= 3)
		}
		return
	case protocol.MsgNack:
		if a, err := protocol.DecodeAck(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("NACK %s seq=%d: %s", protocol.FormatMessageType(a.CmdType), a.CmdSeq, a.Result), true)
		}
		return
	}

	if m.showAll {
		m.addLogEntry(fmt.Sprintf("%s (valid)", msgType), false)
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("CREMA - LINK MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All packets"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset stats | 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.closed != nil:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(valueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.renderStats()))
	s.WriteString("\n\n")

	if m.lastStatus != nil {
		s.WriteString(labelStyle.Render("Latest Status:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(m.renderStatus()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 22
	if m.lastStatus == nil {
		logHeight = m.height - 15
	}
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

func (m monitorModel) renderStats() string {
	st := m.stats
	st.CalculateRates()
	totalErrors := st.CRCErrors + st.DecodeErrors + st.MalformedPackets + st.AnomalousValues
	var validPercent, errorPercent float64
	if st.TotalPackets > 0 {
		validPercent = float64(st.ValidPackets) * 100.0 / float64(st.TotalPackets)
		errorPercent = float64(totalErrors) * 100.0 / float64(st.TotalPackets)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidPackets, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
	))

	if st.CRCErrors > 0 || st.DecodeErrors > 0 {
		b.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.CRCErrors)),
			labelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeErrors)),
		))
	}

	if st.MalformedPackets > 0 {
		b.WriteString(fmt.Sprintf("%s %s (%s: %d)\n",
			labelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", st.MalformedPackets)),
			headerStyle.Render("length mismatches"), st.LengthMismatches,
		))
	}

	if st.AnomalousValues > 0 {
		b.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			labelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", st.AnomalousValues)),
			headerStyle.Render("temp"), st.InvalidTemp,
			headerStyle.Render("duty"), st.InvalidDuty,
			headerStyle.Render("state"), st.InvalidState,
			headerStyle.Render("pressure"), st.InvalidPressure,
		))
	}

	rate := valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		rate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Packet Rate:"), valueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		labelStyle.Render("Error Rate:"), rate,
	))
	return b.String()
}

func (m monitorModel) renderStatus() string {
	st := m.lastStatus
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("State:"), valueStyle.Render(protocol.FormatState(st.State)),
		labelStyle.Render("Strategy:"), valueStyle.Render(protocol.FormatStrategy(st.Strategy)),
		labelStyle.Render("Flags:"), valueStyle.Render(protocol.FormatFlags(st.Flags)),
	))
	b.WriteString(fmt.Sprintf("%s %s / %s   %s %s / %s   %s %s\n",
		labelStyle.Render("Brew:"), valueStyle.Render(protocol.FormatTemp(st.BrewTemp)), protocol.FormatTemp(st.BrewSetpoint),
		labelStyle.Render("Steam:"), valueStyle.Render(protocol.FormatTemp(st.SteamTemp)), protocol.FormatTemp(st.SteamSetpoint),
		labelStyle.Render("Group:"), valueStyle.Render(protocol.FormatTemp(st.GroupTemp)),
	))
	b.WriteString(fmt.Sprintf("%s %s   %s %d%%/%d%%   %s %d%%   %s %d W\n",
		labelStyle.Render("Pressure:"), valueStyle.Render(fmt.Sprintf("%.2f bar", float64(st.Pressure)/100)),
		labelStyle.Render("Heaters:"), st.BrewOutput, st.SteamOutput,
		labelStyle.Render("Pump:"), st.PumpOutput,
		labelStyle.Render("Power:"), st.PowerWatts,
	))
	reminder := valueStyle.Render("no")
	if st.CleaningReminder {
		reminder = warningStyle.Render("due")
	}
	b.WriteString(fmt.Sprintf("%s %d%%   %s %d   %s %s   %s %s",
		labelStyle.Render("Water:"), st.WaterLevel,
		labelStyle.Render("Brews:"), st.BrewCount,
		labelStyle.Render("Cleaning:"), reminder,
		labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(uint64(st.UptimeMs))),
	))
	if m.lastBoot != nil {
		b.WriteString(fmt.Sprintf("\n%s v%d.%d.%d", labelStyle.Render("Firmware:"), m.lastBoot.Major, m.lastBoot.Minor, m.lastBoot.Patch))
	}
	return b.String()
}
