// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/crema/pkg/controller"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/logfwd"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// simulateModel shows the controller snapshot and turns keys into link
// commands
type simulateModel struct {
	bench *bench
	sess  *session
	snap  controller.Snapshot

	inflight      map[uint8]string
	errorLog      []errorLogEntry
	maxLogEntries int

	sensorFault bool
	waterLow    bool
	pumpStuck   bool

	width    int
	height   int
	quitting bool
}

type simTickMsg time.Time

type simPacketMsg struct {
	packet *protocol.Packet
}

func initialSimulateModel(b *bench, s *session) simulateModel {
	return simulateModel{
		bench:         b,
		sess:          s,
		inflight:      make(map[uint8]string),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m simulateModel) Init() tea.Cmd {
	return simTickCmd()
}

func simTickCmd() tea.Cmd {
	return tea.Tick(simulateTick, func(t time.Time) tea.Msg {
		return simTickMsg(t)
	})
}

func (m simulateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case simTickMsg:
		m.snap = m.bench.ctrl.Snapshot()
		return m, simTickCmd()

	case simPacketMsg:
		m.processPacket(msg.packet)

	case commandResultMsg:
		m.handleResult(protocol.Completion(msg))
	}
	return m, nil
}

func (m simulateModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	plant := m.bench.plant
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "b":
		m.send("mode brew", protocol.MsgCmdMode, byte(state.ModeBrew))
	case "s":
		m.send("mode steam", protocol.MsgCmdMode, byte(state.ModeSteam))
	case "i":
		m.send("mode idle", protocol.MsgCmdMode, byte(state.ModeIdle))

	case " ":
		if m.snap.State == state.Brewing {
			m.send("stop brew", protocol.MsgCmdBrew, protocol.BrewStop)
		} else {
			m.send("start brew", protocol.MsgCmdBrew, protocol.BrewStart)
		}

	case "+", "=":
		m.nudgeBrew(0.5)
	case "-":
		m.nudgeBrew(-0.5)

	case "e":
		if m.snap.State == state.Eco {
			m.send("leave eco", protocol.MsgCmdSetEco, protocol.EcoExit)
		} else {
			m.send("enter eco", protocol.MsgCmdSetEco, protocol.EcoEnter)
		}

	case "c":
		m.send("start cleaning", protocol.MsgCmdCleaningStart)

	case "h":
		plant.SetTemps(m.snap.BrewTarget, m.snap.SteamTarget)
		m.addLogEntry(fmt.Sprintf("Plant: boilers at %.1f°C / %.1f°C", m.snap.BrewTarget, m.snap.SteamTarget), false)

	case "f":
		m.sensorFault = !m.sensorFault
		if m.sensorFault {
			plant.FailSensor("brew sensor open")
			m.addLogEntry("Plant: brew sensor open", true)
		} else {
			plant.FailSensor("")
			m.addLogEntry("Plant: brew sensor restored", false)
		}

	case "w":
		m.waterLow = !m.waterLow
		if m.waterLow {
			plant.SetWaterLevel(5)
			m.addLogEntry("Plant: reservoir at 5%", true)
		} else {
			plant.SetWaterLevel(80)
			m.addLogEntry("Plant: reservoir refilled", false)
		}

	case "p":
		m.pumpStuck = !m.pumpStuck
		if m.pumpStuck {
			plant.StickPin(hal.PinPump, true)
			m.addLogEntry("Plant: pump output stuck on", true)
		} else {
			plant.ReleasePin(hal.PinPump)
			m.addLogEntry("Plant: pump output released", false)
		}

	case "r":
		m.bench.ctrl.RequestReset()
		m.addLogEntry("Physical reset requested", false)
	}
	return m, nil
}

func (m *simulateModel) nudgeBrew(delta float64) {
	target := m.snap.BrewTarget + delta
	payload := protocol.SetTemp{Target: protocol.TargetBrew, Temp: int16(target*10 + 0.5)}.Encode()
	m.send(fmt.Sprintf("brew setpoint %.1f°C", target), protocol.MsgCmdSetTemp, payload...)
}

func (m *simulateModel) send(desc string, msgType uint8, payload ...byte) {
	seq, err := m.sess.engine.SendCommand(msgType, payload)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", desc, err), true)
		return
	}
	m.inflight[seq] = desc
}

func (m *simulateModel) handleResult(c protocol.Completion) {
	desc, ok := m.inflight[c.Seq]
	delete(m.inflight, c.Seq)
	if !ok {
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

func (m *simulateModel) processPacket(p *protocol.Packet) {
	payload := p.Payload()
	switch p.Type() {
	case protocol.MsgAlarm:
		if a, err := protocol.DecodeAlarm(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("ALARM %s value=%d", protocol.FormatAlarm(a.Code), a.Value), a.Severity >= protocol.SeverityError)
		}
	case protocol.MsgLog:
		if l, err := protocol.DecodeLogMessage(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("LOG %s %s", logfwd.Level(l.Level), l.Text), logfwd.Level(l.Level) >= logfwd.LevelError)
		}
	case protocol.MsgBoot:
		if b, err := protocol.DecodeBoot(payload); err == nil {
			m.addLogEntry(fmt.Sprintf("BOOT v%d.%d.%d", b.Major, b.Minor, b.Patch), false)
		}
	}
}

func (m *simulateModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m simulateModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}
	snap := m.snap

	var s strings.Builder
	s.WriteString(titleStyle.Render("CREMA SIMULATOR"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | b/s/i mode  space brew  +/- setpoint  e eco  c clean  h heat  f/w/p faults  r reset  q quit",
		m.bench.registry.Profile().Title)))
	s.WriteString("\n\n")

	stateStyle := valueStyle
	switch snap.State {
	case state.Fault, state.Safe:
		stateStyle = errorStyle
	case state.Heating, state.Eco:
		stateStyle = warningStyle
	}

	var machine strings.Builder
	machine.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("State:"), stateStyle.Render(snap.State.String()),
		labelStyle.Render("Mode:"), valueStyle.Render(snap.Mode.String()),
		labelStyle.Render("Phase:"), valueStyle.Render(snap.Phase.String())))
	machine.WriteString(fmt.Sprintf("%s %6.1f°C → %5.1f°C   %s %5.1f%%\n",
		labelStyle.Render("Brew: "), snap.Readings.BrewTemp, snap.BrewTarget,
		labelStyle.Render("heater"), snap.Duty.Brew))
	machine.WriteString(fmt.Sprintf("%s %6.1f°C → %5.1f°C   %s %5.1f%%\n",
		labelStyle.Render("Steam:"), snap.Readings.SteamTemp, snap.SteamTarget,
		labelStyle.Render("heater"), snap.Duty.Steam))
	machine.WriteString(fmt.Sprintf("%s %6.1f°C   %s %.2f bar   %s %.2f bar\n",
		labelStyle.Render("Group:"), snap.Readings.GroupTemp,
		labelStyle.Render("Pressure:"), snap.Readings.Pressure,
		labelStyle.Render("Steam:"), snap.Readings.SteamPressure))
	machine.WriteString(fmt.Sprintf("%s %3.0f%%   %s %v   %s %d%%   %s %d W\n",
		labelStyle.Render("Pump:"), snap.Pump,
		labelStyle.Render("Solenoid:"), snap.Solenoid,
		labelStyle.Render("Water:"), snap.Readings.WaterLevel,
		labelStyle.Render("Power:"), snap.Status.PowerWatts))
	machine.WriteString(fmt.Sprintf("%s %s   %s %3.0f%%   %s %d",
		labelStyle.Render("Strategy:"), protocol.FormatStrategy(snap.Status.Strategy),
		labelStyle.Render("Progress:"), snap.Progress,
		labelStyle.Render("Brews:"), snap.Status.BrewCount))
	if snap.SetupRequired {
		machine.WriteString("\n" + warningStyle.Render("Setup required: send the installation (voltage, current) before heating"))
	}
	if snap.SensorError != "" {
		machine.WriteString("\n" + errorStyle.Render("Sensor: "+snap.SensorError))
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(machine.String()))
	s.WriteString("\n")

	safety := snap.Safety
	selfTest := valueStyle.Render("passed")
	switch {
	case safety.Latched:
		selfTest = errorStyle.Render("LATCHED " + safety.LastFailure.String())
	case !safety.StartupPassed:
		selfTest = warningStyle.Render("not passed")
	}
	link := snap.Link
	s.WriteString(boxStyle.Width(m.width - 4).Render(fmt.Sprintf(
		"%s %s   %s %.0f%%   %s %d\n%s %d/%d   %s %d   %s %d   %s %d sent, %d dropped",
		labelStyle.Render("Self-test:"), selfTest,
		labelStyle.Render("Flash pass:"), safety.FlashProgress*100,
		labelStyle.Render("Failures:"), safety.FailCount,
		labelStyle.Render("Link rx/tx:"), link.PacketsReceived, link.PacketsSent,
		labelStyle.Render("Errors:"), link.Errors(),
		labelStyle.Render("Retries:"), link.Retries,
		labelStyle.Render("Logs:"), snap.Logs.Sent, snap.Logs.Dropped,
	)))
	s.WriteString("\n")

	// Event log
	logHeight := m.height - 16
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}
	var events strings.Builder
	if len(m.errorLog) == 0 {
		events.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.errorLog[startIdx:] {
		style := warningStyle
		if entry.isError {
			style = errorStyle
		}
		events.WriteString(fmt.Sprintf("%s %s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(entry.message)))
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(events.String()))

	return lipgloss.NewStyle().MaxWidth(m.width).Render(s.String())
}
