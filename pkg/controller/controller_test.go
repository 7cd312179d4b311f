// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/crema/pkg/classb"
	"github.com/Thermoquad/crema/pkg/hal"
	"github.com/Thermoquad/crema/pkg/heating"
	"github.com/Thermoquad/crema/pkg/machine"
	"github.com/Thermoquad/crema/pkg/persist"
	"github.com/Thermoquad/crema/pkg/protocol"
	"github.com/Thermoquad/crema/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test Helpers
// ============================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// wire captures every frame the controller writes
type wire struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wire) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// packets decodes and drains everything written so far
func (w *wire) packets(t *testing.T) []*protocol.Packet {
	t.Helper()
	w.mu.Lock()
	data := append([]byte(nil), w.buf.Bytes()...)
	w.buf.Reset()
	w.mu.Unlock()

	packets, errs := protocol.Decode(data)
	require.Empty(t, errs, "controller wrote undecodable frames")
	return packets
}

type rigOptions struct {
	profile    string
	configured bool
	store      *persist.MemoryStore
	tune       func(*Config)
	realTime   bool
}

type rig struct {
	t     *testing.T
	c     *Controller
	cfg   Config
	clock *fakeClock
	wire  *wire
	plant *hal.Plant
	reg   *machine.Registry
	store *persist.MemoryStore
	image []byte
	seq   uint8
}

func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()
	if opts.profile == "" {
		opts.profile = "dual-boiler"
	}
	if opts.store == nil {
		opts.store = persist.NewMemoryStore()
	}

	reg, err := machine.NewRegistry(opts.profile)
	require.NoError(t, err)
	if opts.configured {
		require.NoError(t, reg.SetInstallation(machine.Installation{Voltage: 230, MaxCurrent: 16}))
	}

	image := make([]byte, 8192)
	for i := range image {
		image[i] = byte(i*7 + i>>8)
	}

	cfg := DefaultConfig()
	cfg.Safety.ChunkSize = 1024
	if opts.tune != nil {
		opts.tune(&cfg)
	}

	r := &rig{
		t:     t,
		cfg:   cfg,
		clock: &fakeClock{t: time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)},
		wire:  &wire{},
		plant: hal.NewPlant(hal.PlantFor(reg.Profile())),
		reg:   reg,
		store: opts.store,
		image: image,
	}
	now := r.clock.Now
	if opts.realTime {
		now = time.Now
	}
	r.c, err = New(cfg, Deps{
		Registry:  reg,
		Sensors:   r.plant,
		Outputs:   r.plant,
		Link:      r.wire,
		Store:     r.store,
		Image:     bytes.NewReader(image),
		ImageSize: int64(len(image)),
		Now:       now,
	})
	require.NoError(t, err)
	return r
}

// boot boots the controller, runs one cycle and discards the frames so far
func (r *rig) boot() {
	r.c.Boot()
	r.step(1)
	r.wire.packets(r.t)
}

// step runs n cycles without advancing the plant
func (r *rig) step(n int) {
	for i := 0; i < n; i++ {
		r.clock.Advance(r.cfg.Cycle)
		r.c.Step()
	}
}

// simulate runs n cycles with the plant advancing alongside
func (r *rig) simulate(n int) {
	for i := 0; i < n; i++ {
		r.plant.Step(r.cfg.Cycle)
		r.clock.Advance(r.cfg.Cycle)
		r.c.Step()
	}
}

func (r *rig) send(msgType uint8, payload []byte) {
	frame, err := protocol.EncodeFrame(msgType, r.seq, payload)
	require.NoError(r.t, err)
	r.seq++
	r.c.Feed(frame)
}

// command sends a command and returns its acknowledgment together with the
// frames written before it
func (r *rig) command(msgType uint8, payload []byte) (protocol.Ack, []*protocol.Packet) {
	r.t.Helper()
	r.wire.packets(r.t)
	r.send(msgType, payload)

	var replies []*protocol.Packet
	for _, p := range r.wire.packets(r.t) {
		if p.Type() == protocol.MsgAck || p.Type() == protocol.MsgNack {
			ack, err := protocol.DecodeAck(p.Payload())
			require.NoError(r.t, err)
			if ack.CmdType == msgType {
				if ack.Result == protocol.ResultSuccess {
					assert.Equal(r.t, uint8(protocol.MsgAck), p.Type())
				} else {
					assert.Equal(r.t, uint8(protocol.MsgNack), p.Type())
				}
				return ack, replies
			}
		}
		replies = append(replies, p)
	}
	r.t.Fatalf("no acknowledgment for %s", protocol.FormatMessageType(msgType))
	return protocol.Ack{}, nil
}

func (r *rig) mustAck(msgType uint8, payload []byte) []*protocol.Packet {
	r.t.Helper()
	ack, replies := r.command(msgType, payload)
	require.Equal(r.t, protocol.ResultSuccess, ack.Result, "%s refused", protocol.FormatMessageType(msgType))
	return replies
}

func (r *rig) state() state.State {
	return r.c.Snapshot().State
}

// ready brings a configured dual boiler to READY in brew mode
func (r *rig) ready() {
	r.t.Helper()
	r.plant.SetTemps(93, 20)
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(1)
	require.Equal(r.t, state.Ready, r.state())
}

func ofType(ps []*protocol.Packet, msgType uint8) []*protocol.Packet {
	var out []*protocol.Packet
	for _, p := range ps {
		if p.Type() == msgType {
			out = append(out, p)
		}
	}
	return out
}

func lastStatus(t *testing.T, ps []*protocol.Packet) (protocol.Status, bool) {
	t.Helper()
	frames := ofType(ps, protocol.MsgStatus)
	if len(frames) == 0 {
		return protocol.Status{}, false
	}
	s, err := protocol.DecodeStatus(frames[len(frames)-1].Payload())
	require.NoError(t, err)
	return s, true
}

func alarms(t *testing.T, ps []*protocol.Packet) []protocol.Alarm {
	t.Helper()
	var out []protocol.Alarm
	for _, p := range ofType(ps, protocol.MsgAlarm) {
		a, err := protocol.DecodeAlarm(p.Payload())
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

// ============================================================
// Boot Tests
// ============================================================

func TestBootPassesSelfTestAndEntersIdle(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.c.Boot()

	ps := r.wire.packets(t)
	require.Len(t, ofType(ps, protocol.MsgHandshake), 1)
	boots := ofType(ps, protocol.MsgBoot)
	require.Len(t, boots, 1)
	b, err := protocol.DecodeBoot(boots[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, uint8(machine.TypeDualBoiler), b.MachineType)
	assert.Equal(t, uint8(VersionMajor), b.Major)
	assert.Equal(t, [16]byte(r.c.rec.DeviceID), b.DeviceID)
	assert.Empty(t, ofType(ps, protocol.MsgDiagnostics), "no failure to report")

	assert.Equal(t, state.Idle, r.state(), "INIT left before the handshake")

	s := r.c.Snapshot().Safety
	assert.True(t, s.StartupPassed)
	assert.False(t, s.Latched)
	assert.NotZero(t, s.ReferenceCRC)
	for _, id := range classb.Tests {
		assert.Equal(t, uint32(1), s.Count(id), "%s passed once at startup", id)
	}
}

func TestStepBootsOnFirstUse(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.step(2)
	assert.Equal(t, state.Idle, r.state())
	assert.NotEmpty(t, ofType(r.wire.packets(t), protocol.MsgBoot))
}

func TestFreshRecordIsSaved(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	rec, err := persist.Load(r.store)
	require.NoError(t, err)
	assert.Equal(t, r.c.rec.DeviceID, rec.DeviceID)
	require.NotNil(t, rec.Installation)
	assert.Equal(t, uint16(230), rec.Installation.Voltage)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

// ============================================================
// Setup Gate Tests
// ============================================================

func TestSetupModeRefusesHeating(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.boot()
	require.Equal(t, state.Idle, r.state())
	assert.True(t, r.c.Snapshot().SetupRequired)

	ack, _ := r.command(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	assert.Equal(t, protocol.ResultNotReady, ack.Result)

	ack, _ = r.command(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	assert.Equal(t, protocol.ResultRejected, ack.Result)

	r.simulate(50)
	brew, steam := r.plant.Duty()
	assert.Zero(t, brew)
	assert.Zero(t, steam)

	env := r.mustAck(protocol.MsgCmdGetEnvConfig, nil)
	require.Len(t, env, 1)
	e, err := protocol.DecodeEnvConfig(env[0].Payload())
	require.NoError(t, err)
	assert.Zero(t, e.Voltage)
}

func TestEnvironmentalConfigLeavesSetupMode(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.boot()

	ack, _ := r.command(protocol.MsgCmdConfig, protocol.EncodeConfigEnvironmental(protocol.ConfigEnvironmentalData{Voltage: 50, MaxCurrent: 16}))
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigEnvironmental(protocol.ConfigEnvironmentalData{Voltage: 230, MaxCurrent: 16}))
	assert.False(t, r.reg.SetupRequired())
	r.step(1)
	assert.False(t, r.c.Snapshot().SetupRequired)

	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(2)
	assert.Equal(t, state.Heating, r.state())
	brew, _ := r.plant.Duty()
	assert.Greater(t, brew, 0.0)

	rec, err := persist.Load(r.store)
	require.NoError(t, err)
	require.NotNil(t, rec.Installation)
	assert.Equal(t, 16.0, rec.Installation.MaxCurrent)
}

// ============================================================
// Heating Tests
// ============================================================

func TestModeBrewHeatsToReady(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})

	r.simulate(10)
	assert.Equal(t, state.Heating, r.state())
	brew, steam := r.plant.Duty()
	assert.Greater(t, brew, 0.0)
	assert.Zero(t, steam, "steam boiler idles in brew mode")

	s, ok := lastStatus(t, r.wire.packets(t))
	require.True(t, ok)
	assert.Equal(t, uint8(protocol.StateHeating), s.State)
	assert.NotZero(t, s.Flags&protocol.FlagHeating)
	assert.Equal(t, int16(930), s.BrewSetpoint)
	assert.Greater(t, s.PowerWatts, uint16(0))

	for i := 0; i < 30000 && r.state() != state.Ready; i++ {
		r.simulate(1)
	}
	assert.Equal(t, state.Ready, r.state())
}

func TestSetTempZeroDrivesDutyToZero(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.plant.SetTemps(90, 20)
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(20)

	s, ok := lastStatus(t, r.wire.packets(t))
	require.True(t, ok)
	require.Greater(t, s.BrewOutput, uint8(0))

	r.mustAck(protocol.MsgCmdSetTemp, protocol.SetTemp{Target: protocol.TargetBrew, Temp: 0}.Encode())

	reached := false
	for i := 0; i < 300 && !reached; i++ {
		r.step(1)
		if s, ok := lastStatus(t, r.wire.packets(t)); ok && s.BrewOutput == 0 {
			reached = true
			assert.Equal(t, int16(0), s.BrewSetpoint)
		}
	}
	assert.True(t, reached, "brew duty never reached zero")
}

func TestSetTempValidation(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	ack, _ := r.command(protocol.MsgCmdSetTemp, protocol.SetTemp{Target: 2, Temp: 900}.Encode())
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
	ack, _ = r.command(protocol.MsgCmdSetTemp, protocol.SetTemp{Target: protocol.TargetBrew, Temp: 1700}.Encode())
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
	ack, _ = r.command(protocol.MsgCmdSetTemp, []byte{protocol.TargetBrew})
	assert.Equal(t, protocol.ResultInvalid, ack.Result, "short payload")

	r.mustAck(protocol.MsgCmdSetTemp, protocol.SetTemp{Target: protocol.TargetSteam, Temp: 1250}.Encode())
	assert.Equal(t, int16(1250), r.c.rec.SteamSetpoint)
}

func TestSteamModeHeatsBothBoilers(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.plant.SetTemps(93, 40)
	r.boot()
	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeSteam)})
	r.step(3)

	assert.Equal(t, state.Heating, r.state(), "steam boiler is far from setpoint")
	_, steam := r.plant.Duty()
	assert.Greater(t, steam, 0.0)
}

func TestSingleBoilerSwitchesToSteamSetpoint(t *testing.T) {
	r := newRig(t, rigOptions{profile: "single-boiler", configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeSteam)})
	r.step(1)
	assert.Equal(t, 93.0, r.c.Snapshot().BrewTarget)

	r.step(55)
	assert.Equal(t, 140.0, r.c.Snapshot().BrewTarget)
	_, steam := r.plant.Duty()
	assert.Zero(t, steam)
}

func TestHeatExchangerDrivesSteamElement(t *testing.T) {
	r := newRig(t, rigOptions{profile: "heat-exchanger", configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(3)

	assert.Equal(t, 125.0, r.c.Snapshot().BrewTarget)
	brew, steam := r.plant.Duty()
	assert.Zero(t, brew)
	assert.Greater(t, steam, 0.0)

	ack, _ := r.command(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	assert.Equal(t, protocol.ResultRejected, ack.Result)
}

// ============================================================
// Safety Tests
// ============================================================

func TestCorruptImageForcesSafe(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.simulate(5)
	require.Equal(t, state.Heating, r.state())

	r.image[4000] ^= 0xFF
	var frames []*protocol.Packet
	for i := 0; i < 400 && r.state() != state.Safe; i++ {
		r.simulate(1)
		frames = append(frames, r.wire.packets(t)...)
	}
	require.Equal(t, state.Safe, r.state())

	diags := ofType(frames, protocol.MsgDiagnostics)
	require.Len(t, diags, 1, "failure reported once")
	d, err := protocol.DecodeDiagResult(diags[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, uint8(classb.TestFlash), d.Test)
	assert.Equal(t, uint8(classb.Fail), d.Result)

	for i := 0; i < 200; i++ {
		r.simulate(1)
		require.Equal(t, state.Safe, r.state())
		brew, steam := r.plant.Duty()
		require.Zero(t, brew)
		require.Zero(t, steam)
	}
	s, ok := lastStatus(t, r.wire.packets(t))
	require.True(t, ok)
	assert.Equal(t, uint8(protocol.StateSafe), s.State)
	assert.NotZero(t, s.Flags&protocol.FlagAlarm)

	ack, _ := r.command(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	assert.Equal(t, protocol.ResultRejected, ack.Result)
	ack, _ = r.command(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	assert.Equal(t, protocol.ResultRejected, ack.Result)

	assert.Error(t, r.c.Reset(), "image still corrupt")
	r.step(1)
	assert.Equal(t, state.Safe, r.state())

	r.image[4000] ^= 0xFF
	require.NoError(t, r.c.Reset())
	r.step(1)
	assert.Equal(t, state.Idle, r.state())
	assert.Equal(t, state.ModeIdle, r.c.Snapshot().Mode)
}

func TestStuckPumpPinForcesSafe(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.ready()
	r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	r.step(2)
	require.Equal(t, state.Brewing, r.state())
	assert.Equal(t, 100.0, r.c.Snapshot().Pump)

	r.plant.StickPin(hal.PinPump, false)
	for i := 0; i < 30 && r.state() != state.Safe; i++ {
		r.step(1)
	}
	require.Equal(t, state.Safe, r.state())
	assert.Equal(t, classb.TestIO, r.c.latch.Cause())
	assert.Zero(t, r.c.Snapshot().Pump)
}

func TestSensorFaultNeedsAcknowledgment(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(2)

	r.plant.FailSensor("brew NTC open")
	r.step(1)
	assert.Equal(t, state.Fault, r.state())
	brew, steam := r.plant.Duty()
	assert.Zero(t, brew)
	assert.Zero(t, steam)

	as := alarms(t, r.wire.packets(t))
	require.Len(t, as, 1)
	assert.Equal(t, uint8(protocol.AlarmSensorFail), as[0].Code)
	assert.Equal(t, uint8(protocol.SeverityCritical), as[0].Severity)
	assert.NotEmpty(t, r.c.Snapshot().SensorError)

	ack, _ := r.command(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	assert.Equal(t, protocol.ResultRejected, ack.Result, "condition still present")

	r.plant.FailSensor("")
	r.step(3)
	assert.Equal(t, state.Fault, r.state(), "fault is not cleared automatically")

	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.step(1)
	assert.Equal(t, state.Heating, r.state())
}

func TestOverTemperatureFaults(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.plant.SetTemps(93, 170)
	r.step(1)
	assert.Equal(t, state.Fault, r.state())

	as := alarms(t, r.wire.packets(t))
	require.NotEmpty(t, as)
	assert.Equal(t, uint8(protocol.AlarmOverTemp), as[0].Code)
	assert.Equal(t, uint16(1700), as[0].Value)
}

func TestDiagnosticsCommand(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.step(60)

	replies := r.mustAck(protocol.MsgCmdDiagnostics, []byte{protocol.DiagAll})
	diags := ofType(replies, protocol.MsgDiagnostics)
	require.Len(t, diags, len(classb.Tests)+2)

	first, err := protocol.DecodeDiagHeader(diags[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, uint8(len(classb.Tests)), first.Count)
	assert.False(t, first.Complete)
	assert.Zero(t, first.Fail)

	last, err := protocol.DecodeDiagHeader(diags[len(diags)-1].Payload())
	require.NoError(t, err)
	assert.True(t, last.Complete)
	assert.Equal(t, first.Count, last.Pass+last.Fail+last.Warn+last.Skip)

	for _, p := range diags[1 : len(diags)-1] {
		d, err := protocol.DecodeDiagResult(p.Payload())
		require.NoError(t, err)
		assert.NotEqual(t, uint8(classb.Fail), d.Result, "test 0x%02X", d.Test)
	}

	replies = r.mustAck(protocol.MsgCmdDiagnostics, []byte{uint8(classb.TestRAM)})
	require.Len(t, ofType(replies, protocol.MsgDiagnostics), 3)

	ack, _ := r.command(protocol.MsgCmdDiagnostics, []byte{0x40})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
	assert.Equal(t, state.Idle, r.state())
}

// ============================================================
// Command Tests
// ============================================================

func TestPingAndUnknownCommand(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	ack, _ := r.command(protocol.MsgPing, nil)
	assert.Equal(t, protocol.ResultSuccess, ack.Result)

	ack, _ = r.command(0x2F, nil)
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	ack, _ = r.command(protocol.MsgCmdBootloader, nil)
	assert.Equal(t, protocol.ResultFailed, ack.Result)

	ack, _ = r.command(protocol.MsgCmdPowerMeterDiscover, nil)
	assert.Equal(t, protocol.ResultNotReady, ack.Result)

	replies := r.mustAck(protocol.MsgCmdDebug, []byte("echo"))
	require.Len(t, replies, 1)
	assert.Equal(t, uint8(protocol.MsgDebugResp), replies[0].Type())
	assert.Equal(t, []byte("echo"), replies[0].Payload())
}

func TestGetConfigDumps(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	replies := r.mustAck(protocol.MsgCmdGetConfig, nil)
	require.Len(t, replies, 1)
	cfg, err := protocol.DecodeConfig(replies[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, int16(930), cfg.BrewSetpoint)
	assert.Equal(t, int16(1400), cfg.SteamSetpoint)
	assert.Equal(t, uint16(200), cfg.Kp)
	assert.Equal(t, uint8(heating.Sequential), cfg.Strategy)
	assert.Equal(t, uint8(machine.TypeDualBoiler), cfg.MachineType)

	replies = r.mustAck(protocol.MsgCmdGetEnvConfig, nil)
	require.Len(t, replies, 1)
	env, err := protocol.DecodeEnvConfig(replies[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, uint16(230), env.Voltage)
	assert.InDelta(t, 16.0, env.MaxCurrent, 1e-6)
	assert.InDelta(t, 15.2, env.MaxCombinedCurrent, 1e-4)
	assert.InDelta(t, 1500.0/230, env.BrewCurrent, 1e-4)

	replies = r.mustAck(protocol.MsgCmdGetBoot, nil)
	require.Len(t, replies, 1)
	assert.Equal(t, uint8(protocol.MsgBoot), replies[0].Type())
}

func TestConfigCommands(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	r.mustAck(protocol.MsgCmdSetPID, protocol.SetPID{Target: protocol.TargetSteam, Kp: 350, Ki: 20, Kd: 50}.Encode())
	assert.Equal(t, 3.5, r.c.steamPID.Gains().Kp)
	ack, _ := r.command(protocol.MsgCmdSetPID, protocol.SetPID{Target: protocol.TargetBrew}.Encode())
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigPreinfusion(protocol.ConfigPreinfusionData{Enabled: true, OnMs: 2000, PauseMs: 3000}))
	assert.Equal(t, 2*time.Second, r.c.machine.Preinfusion().On)
	ack, _ = r.command(protocol.MsgCmdConfig, protocol.EncodeConfigPreinfusion(protocol.ConfigPreinfusionData{Enabled: true, OnMs: 20000}))
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigTemps(protocol.ConfigTempsData{Brew: 940, Steam: 1300}))
	assert.Equal(t, int16(940), r.c.rec.BrewSetpoint)
	assert.Equal(t, int16(1300), r.c.rec.SteamSetpoint)

	ack, _ = r.command(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(9))
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	ack, _ = r.command(protocol.MsgCmdConfig, []byte{protocol.ConfigMachineInfo})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	// 8 A cannot carry both heaters at once
	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigEnvironmental(protocol.ConfigEnvironmentalData{Voltage: 230, MaxCurrent: 8}))
	assert.Equal(t, heating.SmartStagger, r.c.heat.Strategy())
	ack, _ = r.command(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	assert.Equal(t, protocol.ResultRejected, ack.Result)

	rec, err := persist.Load(r.store)
	require.NoError(t, err)
	assert.Equal(t, uint8(heating.SmartStagger), rec.Strategy)
	assert.Equal(t, uint16(350), rec.SteamGains.Kp)
	assert.True(t, rec.Preinfusion.Enabled)
}

func TestSettingsSurviveRestart(t *testing.T) {
	store := persist.NewMemoryStore()
	r := newRig(t, rigOptions{configured: true, store: store})
	r.boot()
	r.mustAck(protocol.MsgCmdSetTemp, protocol.SetTemp{Target: protocol.TargetBrew, Temp: 950}.Encode())
	r.mustAck(protocol.MsgCmdConfig, protocol.EncodeConfigStrategy(uint8(heating.Parallel)))
	r.mustAck(protocol.MsgCmdCleaningThreshold, protocol.EncodeCleaningThreshold(20))
	id := r.c.rec.DeviceID

	// the saved installation configures a registry that has none
	again := newRig(t, rigOptions{store: store})
	assert.False(t, again.reg.SetupRequired())
	assert.Equal(t, id, again.c.rec.DeviceID)
	assert.Equal(t, int16(950), again.c.rec.BrewSetpoint)
	assert.Equal(t, uint16(20), again.c.rec.Cleaning.Threshold)
	assert.Equal(t, heating.Parallel, again.c.heat.Strategy())
}

func TestDamagedRecordFallsBackToDefaults(t *testing.T) {
	store := persist.NewMemoryStore()
	require.NoError(t, store.Save(persist.ConfigKey, []byte("garbage")))

	r := newRig(t, rigOptions{configured: true, store: store})
	assert.Equal(t, persist.DefaultBrewSetpoint, r.c.rec.BrewSetpoint)

	rec, err := persist.Load(store)
	require.NoError(t, err, "defaults are written back")
	assert.Equal(t, r.c.rec.DeviceID, rec.DeviceID)
}

// ============================================================
// Brew and Cleaning Tests
// ============================================================

func TestBrewCountsAndCleaningReminder(t *testing.T) {
	r := newRig(t, rigOptions{configured: true, tune: func(c *Config) {
		c.CleaningMinBrew = time.Second
	}})
	r.ready()

	ack, _ := r.command(protocol.MsgCmdCleaningThreshold, protocol.EncodeCleaningThreshold(5))
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
	r.mustAck(protocol.MsgCmdCleaningThreshold, protocol.EncodeCleaningThreshold(10))

	for i := 0; i < 10; i++ {
		r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
		r.step(20)
		s := r.c.Snapshot().Status
		assert.NotZero(t, s.Flags&protocol.FlagBrewing)
		assert.NotZero(t, s.Flags&protocol.FlagPumpOn)
		assert.Equal(t, uint32(0), s.ShotStartMs%100)
		r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStop})
		r.step(1)
		require.Equal(t, state.Ready, r.state())
	}

	// a short shot is counted but does not need cleaning
	r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	r.step(5)
	r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStop})
	r.step(1)

	s := r.c.Snapshot().Status
	assert.True(t, s.CleaningReminder)
	assert.Equal(t, uint16(10), s.BrewCount)

	replies := r.mustAck(protocol.MsgCmdGetStatistics, nil)
	require.Len(t, replies, 1)
	stats, err := protocol.DecodeBrewStats(replies[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, uint32(11), stats.TotalBrews)
	assert.Equal(t, uint32(10*2000+500), stats.TotalBrewMs)
	assert.Equal(t, uint16(500), stats.MinBrewMs)
	assert.Equal(t, uint16(2000), stats.MaxBrewMs)
	assert.Equal(t, uint16(11), stats.DailyCount)
	assert.Equal(t, uint16(11), stats.MonthlyCount)
	assert.NotZero(t, stats.LastBrewUptime)

	ack, _ = r.command(protocol.MsgCmdCleaningStop, nil)
	assert.Equal(t, protocol.ResultRejected, ack.Result)

	r.mustAck(protocol.MsgCmdCleaningStart, nil)
	r.step(1)
	assert.Equal(t, state.Brewing, r.state())
	r.step(110)
	assert.Equal(t, state.Ready, r.state())
	assert.False(t, r.c.Snapshot().Status.CleaningReminder)
	assert.Equal(t, uint32(11), r.c.rec.Brews.Count, "cleaning is not a brew")
}

func TestCleaningReset(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.c.rec.Cleaning.Count = 150
	r.step(1)
	assert.True(t, r.c.Snapshot().Status.CleaningReminder)

	r.mustAck(protocol.MsgCmdCleaningReset, nil)
	r.step(1)
	assert.False(t, r.c.Snapshot().Status.CleaningReminder)
}

func TestBrewRefusedUnlessReady(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	ack, _ := r.command(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	assert.Equal(t, protocol.ResultRejected, ack.Result)
	ack, _ = r.command(protocol.MsgCmdBrew, []byte{7})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
	ack, _ = r.command(protocol.MsgCmdMode, []byte{9})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)
}

// ============================================================
// Eco Tests
// ============================================================

func TestEcoTimeoutAndCommands(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	r.mustAck(protocol.MsgCmdSetEco, protocol.EcoData{Enabled: true, Temp: 800, TimeoutMinutes: 1}.Encode())
	r.step(610)
	assert.Equal(t, state.Eco, r.state())

	ack, _ := r.command(protocol.MsgCmdSetEco, []byte{protocol.EcoEnter})
	assert.Equal(t, protocol.ResultRejected, ack.Result)

	r.mustAck(protocol.MsgCmdSetEco, []byte{protocol.EcoExit})
	assert.Equal(t, state.Idle, r.c.machine.State())

	r.mustAck(protocol.MsgCmdSetEco, []byte{protocol.EcoEnter})
	assert.Equal(t, state.Eco, r.c.machine.State())

	ack, _ = r.command(protocol.MsgCmdSetEco, []byte{5})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	rec, err := persist.Load(r.store)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), rec.Eco.TimeoutMinutes)
}

func TestEcoLowersBrewTarget(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.ready()
	r.mustAck(protocol.MsgCmdSetEco, []byte{protocol.EcoEnter})
	r.step(2)
	assert.Equal(t, state.Eco, r.state())
	assert.Equal(t, 80.0, r.c.Snapshot().BrewTarget)
}

// ============================================================
// Link Tests
// ============================================================

func TestCommTimeoutAlarm(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	r.step(45)
	assert.Empty(t, alarms(t, r.wire.packets(t)))

	r.step(10)
	as := alarms(t, r.wire.packets(t))
	require.Len(t, as, 1)
	assert.Equal(t, uint8(protocol.AlarmCommTimeout), as[0].Code)
	assert.NotZero(t, r.c.Snapshot().Status.Flags&protocol.FlagAlarm)

	r.step(20)
	assert.Empty(t, alarms(t, r.wire.packets(t)), "raised once")

	r.mustAck(protocol.MsgPing, nil)
	r.step(1)
	assert.Zero(t, r.c.Snapshot().Status.Flags&protocol.FlagAlarm)
}

func TestWaterLowAlarm(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.plant.SetWaterLevel(4)
	r.step(3)

	ps := r.wire.packets(t)
	as := alarms(t, ps)
	require.Len(t, as, 1)
	assert.Equal(t, uint8(protocol.AlarmWaterLow), as[0].Code)
	assert.Equal(t, uint8(protocol.SeverityWarning), as[0].Severity)

	s, ok := lastStatus(t, ps)
	require.True(t, ok)
	assert.NotZero(t, s.Flags&protocol.FlagWaterLow)
	assert.Equal(t, uint8(4), s.WaterLevel)
}

func TestWaterLowInterlocksHeatersAndPump(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.mustAck(protocol.MsgCmdMode, []byte{uint8(state.ModeBrew)})
	r.simulate(10)
	require.Equal(t, state.Heating, r.state())
	brew, _ := r.plant.Duty()
	require.Greater(t, brew, 0.0)

	r.plant.SetWaterLevel(0)
	r.simulate(10)
	snap := r.c.Snapshot()
	assert.Zero(t, snap.Duty.Brew)
	assert.Zero(t, snap.Duty.Steam)
	brew, steam := r.plant.Duty()
	assert.Zero(t, brew, "dry-fire interlock")
	assert.Zero(t, steam)

	r.plant.SetWaterLevel(80)
	r.simulate(3)
	brew, _ = r.plant.Duty()
	assert.Greater(t, brew, 0.0, "heating resumes once refilled")
}

func TestWaterLowStopsShot(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.ready()
	r.mustAck(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	r.step(2)
	require.Equal(t, state.Brewing, r.state())
	require.Equal(t, 100.0, r.c.Snapshot().Pump)

	r.plant.SetWaterLevel(0)
	r.step(1)
	assert.Equal(t, state.Ready, r.state())
	assert.Zero(t, r.c.Snapshot().Pump)

	ack, _ := r.command(protocol.MsgCmdBrew, []byte{protocol.BrewStart})
	assert.Equal(t, protocol.ResultNotReady, ack.Result)
}

func TestStatusCadence(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()
	r.step(10)
	n := len(ofType(r.wire.packets(t), protocol.MsgStatus))
	assert.InDelta(t, 4, n, 1, "one status every 250 ms")
}

func TestLogForwarding(t *testing.T) {
	r := newRig(t, rigOptions{configured: true})
	r.boot()

	ack, _ := r.command(protocol.MsgCmdLogConfig, []byte{1, 7})
	assert.Equal(t, protocol.ResultInvalid, ack.Result)

	r.c.logf(1, "dropped while disabled")
	r.c.Logs().Drain()
	assert.Empty(t, ofType(r.wire.packets(t), protocol.MsgLog))

	r.mustAck(protocol.MsgCmdLogConfig, protocol.LogConfig{Enabled: true, MinLevel: 1}.Encode())
	r.c.logf(1, "hello %d", 42)
	r.c.logf(0, "too quiet")
	r.c.Logs().Drain()

	var texts []string
	for _, p := range ofType(r.wire.packets(t), protocol.MsgLog) {
		m, err := protocol.DecodeLogMessage(p.Payload())
		require.NoError(t, err)
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, "hello 42")
	assert.NotContains(t, texts, "too quiet")
}

func TestRefusalMapping(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.Result
	}{
		{nil, protocol.ResultSuccess},
		{fmt.Errorf("x: %w", state.ErrRejected), protocol.ResultRejected},
		{fmt.Errorf("x: %w", state.ErrNotReady), protocol.ResultNotReady},
		{state.ErrInvalidMode, protocol.ResultInvalid},
		{state.ErrInvalid, protocol.ResultInvalid},
		{heating.ErrUnknownStrategy, protocol.ResultInvalid},
		{heating.ErrStrategyNotAllowed, protocol.ResultRejected},
		{machine.ErrInvalidInstallation, protocol.ResultInvalid},
		{machine.ErrNotConfigured, protocol.ResultNotReady},
		{classb.ErrBusy, protocol.ResultBusy},
		{classb.ErrUnknownTest, protocol.ResultInvalid},
		{protocol.ErrShortPayload, protocol.ResultInvalid},
		{protocol.Refusef(protocol.ResultTimeout, "x"), protocol.ResultTimeout},
		{errors.New("disk on fire"), protocol.ResultFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, protocol.ResultFor(refusal(tc.err)), "%v", tc.err)
	}
}

// ============================================================
// Run Tests
// ============================================================

func TestRunServesLinkUntilCancelled(t *testing.T) {
	r := newRig(t, rigOptions{configured: true, realTime: true, tune: func(c *Config) {
		c.Cycle = 10 * time.Millisecond
	}})
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.c.Run(ctx, pr) }()

	frame, err := protocol.EncodeFrame(protocol.MsgCmdMode, 0, []byte{uint8(state.ModeBrew)})
	require.NoError(t, err)
	_, err = pw.Write(frame)
	require.NoError(t, err)

	var seen []*protocol.Packet
	assert.Eventually(t, func() bool {
		seen = append(seen, r.wire.packets(t)...)
		for _, p := range ofType(seen, protocol.MsgAck) {
			if a, err := protocol.DecodeAck(p.Payload()); err == nil && a.CmdType == protocol.MsgCmdMode {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.c.Snapshot().State == state.Heating }, 2*time.Second, 5*time.Millisecond)

	r.c.RequestReset()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_ = pw.Close()

	brew, steam := r.plant.Duty()
	assert.Zero(t, brew)
	assert.Zero(t, steam)
}

func TestRunSurvivesReadError(t *testing.T) {
	r := newRig(t, rigOptions{configured: true, realTime: true, tune: func(c *Config) {
		c.Cycle = 10 * time.Millisecond
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.c.Run(ctx, strings.NewReader("")) }()

	assert.Eventually(t, func() bool { return r.c.Snapshot().State == state.Idle }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
