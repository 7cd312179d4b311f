// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

// stuckMemory forces one bit of one word to a fixed level once armed
type stuckMemory struct {
	*Workspace
	word  int
	bit   uint32
	high  bool
	armed bool
}

func (m *stuckMemory) Load(i int) uint32 {
	v := m.Workspace.Load(i)
	if m.armed && i == m.word {
		if m.high {
			return v | m.bit
		}
		return v &^ m.bit
	}
	return v
}

// pinBank reads back whatever was last driven unless a pin is forced
type pinBank struct {
	shadow *Shadow
	forced map[uint8]bool
	err    error
}

func (p *pinBank) ReadPin(pin uint8) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	if v, ok := p.forced[pin]; ok {
		return v, nil
	}
	v, _ := p.shadow.Expected(pin)
	return v, nil
}

type harness struct {
	engine *Engine
	latch  *Latch
	deps   Deps
	image  []byte
	work   *Workspace
	bank   *pinBank
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()

	image := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(image)

	work := NewWorkspace(64)
	shadow := &Shadow{}
	shadow.Set(0, false)
	shadow.Set(1, true)
	bank := &pinBank{shadow: shadow, forced: map[uint8]bool{}}

	cfg := DefaultConfig()
	cfg.ChunkSize = 64
	deps := Deps{
		Memory:    work,
		Image:     bytes.NewReader(image),
		ImageSize: int64(len(image)),
		Shadow:    shadow,
		ReadBack:  bank,
		Clock:     FixedClock(10),
		Guards:    []Guard{work, NewCanaries()},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	latch := &Latch{}
	return &harness{
		engine: NewEngine(cfg, deps, latch),
		latch:  latch,
		deps:   deps,
		image:  image,
		work:   work,
		bank:   bank,
	}
}

func (h *harness) tick(n int) Report {
	var r Report
	for i := 0; i < n; i++ {
		r = h.engine.Tick()
		if r.Result == Fail {
			return r
		}
	}
	return r
}

func failed(reports []Report) []TestID {
	var ids []TestID
	for _, r := range reports {
		if r.Result == Fail {
			ids = append(ids, r.Test)
		}
	}
	return ids
}

// ============================================================================
// Individual tests
// ============================================================================

func TestMarchCHealthyRegion(t *testing.T) {
	w := NewWorkspace(128)
	assert.Equal(t, -1, MarchC(w, 0, w.Len()))
	assert.True(t, w.Intact())
}

func TestMarchCDetectsStuckBits(t *testing.T) {
	for _, high := range []bool{false, true} {
		for _, bit := range []uint32{1 << 0, 1 << 13, 1 << 31} {
			mem := &stuckMemory{Workspace: NewWorkspace(32), word: 17, bit: bit, high: high, armed: true}
			assert.Equal(t, 17, MarchC(mem, 0, mem.Len()), "bit %08X high=%t", bit, high)
		}
	}
}

func TestMarchBlockRestoresContents(t *testing.T) {
	w := NewWorkspace(32)
	for i := 0; i < w.Len(); i++ {
		w.Store(i, uint32(i)*0x01010101)
	}
	require.Equal(t, -1, marchBlock(w, 8, 24))
	for i := 0; i < w.Len(); i++ {
		assert.Equal(t, uint32(i)*0x01010101, w.Load(i), "word %d", i)
	}
}

func TestCPUTestPasses(t *testing.T) {
	assert.Equal(t, Pass, cpuTest().Result)
}

func TestPCTestPasses(t *testing.T) {
	assert.Equal(t, Pass, pcTest().Result)
}

func TestStackCanaries(t *testing.T) {
	w := NewWorkspace(8)
	c := NewCanaries()
	assert.Equal(t, Pass, stackTest([]Guard{w, c}).Result)

	c.Bottom = 0
	r := stackTest([]Guard{w, c})
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, int32(1), r.Value)

	w.words[len(w.words)-1]++
	r = stackTest([]Guard{w})
	assert.Equal(t, Fail, r.Result)
}

func TestClockTolerance(t *testing.T) {
	tests := []struct {
		hz   float64
		want Result
	}{
		{10.0, Pass},
		{10.2, Pass},
		{9.8, Pass},
		{10.3, Warn},
		{9.7, Warn},
		{10.6, Fail},
		{9.4, Fail},
	}
	for _, tt := range tests {
		r := clockTest(FixedClock(tt.hz), 10, 5)
		assert.Equal(t, tt.want, r.Result, "%.1f Hz", tt.hz)
	}

	assert.Equal(t, Skip, clockTest(nil, 10, 5).Result)
	assert.Equal(t, int32(300), clockTest(FixedClock(10.3), 10, 5).Value)
}

func TestCycleClock(t *testing.T) {
	c := NewCycleClock(11)
	_, ok := c.MeasureHz()
	assert.False(t, ok)

	base := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		c.Observe(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	hz, ok := c.MeasureHz()
	require.True(t, ok)
	assert.InDelta(t, 10.0, hz, 1e-9)

	c.Reset()
	_, ok = c.MeasureHz()
	assert.False(t, ok)
}

func TestCycleClockSamplesBeforeWindowFills(t *testing.T) {
	c := NewCycleClock(11)
	_, ok := c.SampleHz()
	assert.False(t, ok, "not calibrated")

	c.Calibrate(40 * time.Millisecond)
	_, ok = c.MeasureHz()
	require.False(t, ok)
	hz, ok := c.SampleHz()
	require.True(t, ok)
	assert.InEpsilon(t, 25.0, hz, 0.05)
}

func TestStartupMeasuresClockImmediately(t *testing.T) {
	clock := NewCycleClock(11)
	clock.Calibrate(40 * time.Millisecond)
	h := newHarness(t, func(c *Config, d *Deps) {
		c.ClockNominalHz = 25
		d.Clock = clock
	})

	for _, r := range h.engine.RunStartup() {
		assert.NotEqual(t, Skip, r.Result, "%s", r.Test)
	}
	assert.Equal(t, uint32(1), h.engine.Status().Count(TestClock))
	assert.True(t, h.engine.Status().StartupPassed)
}

func TestIOReadBack(t *testing.T) {
	shadow := &Shadow{}
	bank := &pinBank{shadow: shadow, forced: map[uint8]bool{}}
	assert.Equal(t, Skip, ioTest(shadow, bank).Result)

	shadow.Set(4, true)
	shadow.Set(7, false)
	assert.Equal(t, Pass, ioTest(shadow, bank).Result)

	bank.forced[7] = true
	r := ioTest(shadow, bank)
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, int32(7), r.Value)

	delete(bank.forced, 7)
	bank.err = errors.New("bus error")
	assert.Equal(t, Fail, ioTest(shadow, bank).Result)
}

func TestFlowMonitor(t *testing.T) {
	f := NewFlowMonitor()
	all := []Checkpoint{CheckSensor, CheckPID, CheckStrategy, CheckState, CheckProtocol}

	for _, c := range all {
		f.Enter(c)
	}
	assert.Equal(t, Pass, f.EndCycle().Result)

	// skipped stage
	f.Enter(CheckSensor)
	f.Enter(CheckStrategy)
	f.Enter(CheckState)
	f.Enter(CheckProtocol)
	r := f.EndCycle()
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestPC, r.Test)

	// incomplete cycle
	f.Enter(CheckSensor)
	f.Enter(CheckPID)
	assert.Equal(t, Fail, f.EndCycle().Result)

	// the window restarts after every cycle
	for _, c := range all {
		f.Enter(c)
	}
	assert.Equal(t, Pass, f.EndCycle().Result)
}

// ============================================================================
// Engine
// ============================================================================

func TestStartupPasses(t *testing.T) {
	h := newHarness(t, nil)
	reports := h.engine.RunStartup()

	require.Len(t, reports, len(Tests))
	assert.Empty(t, failed(reports))
	assert.False(t, h.latch.Latched())

	s := h.engine.Status()
	assert.True(t, s.Initialized)
	assert.True(t, s.StartupPassed)
	assert.NotZero(t, s.ReferenceCRC)
	for _, id := range Tests {
		assert.Equal(t, uint32(1), s.Count(id), "%s", id)
	}
}

func TestStartupFailsOnStuckRAM(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Memory = &stuckMemory{Workspace: NewWorkspace(32), word: 3, bit: 1 << 5, high: true, armed: true}
	})
	reports := h.engine.RunStartup()

	assert.Equal(t, []TestID{TestRAM}, failed(reports))
	assert.True(t, h.latch.Latched())
	assert.Equal(t, TestRAM, h.latch.Cause())
	assert.False(t, h.engine.Status().StartupPassed)
}

func TestTickBeforeStartupSkips(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, Skip, h.engine.Tick().Result)
}

func TestPeriodicSchedule(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	r := h.tick(100)
	require.NotEqual(t, Fail, r.Result)

	s := h.engine.Status()
	assert.Equal(t, uint64(100), s.Cycle)
	assert.Equal(t, uint32(11), s.Count(TestRAM))
	assert.Equal(t, uint32(11), s.Count(TestCPU))
	assert.Equal(t, uint32(11), s.Count(TestIO))
	assert.Equal(t, uint32(11), s.Count(TestStack))
	assert.Equal(t, uint32(2), s.Count(TestClock))
	assert.Equal(t, uint32(1), s.Count(TestPC))
	assert.Zero(t, s.FailCount)
}

func TestPeriodicRAMBlockFailure(t *testing.T) {
	mem := &stuckMemory{Workspace: NewWorkspace(64), word: 40, bit: 1}
	h := newHarness(t, func(c *Config, d *Deps) {
		c.BlockWords = 16
		d.Memory = mem
	})
	h.engine.RunStartup()
	require.False(t, h.latch.Latched())

	mem.armed = true
	r := h.tick(100)
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestRAM, r.Test)
	assert.Equal(t, int32(40), r.Value)

	// blocks 0, 1 and 2 cover words 32..47 on cycle 30
	assert.Equal(t, uint64(30), h.engine.Status().Cycle)
}

func TestFlashCorruptionLatches(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()
	ref := h.engine.Status().ReferenceCRC

	// a clean pass first
	h.tick(200)
	require.False(t, h.latch.Latched())
	assert.Equal(t, ref, h.engine.Status().LastCRC)
	assert.NotZero(t, h.engine.Status().Count(TestFlash)-1)

	h.image[500] ^= 0x01
	r := h.tick(400)
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestFlash, r.Test)
	assert.True(t, h.latch.Latched())
	assert.Equal(t, TestFlash, h.latch.Cause())
	assert.NotEqual(t, ref, h.engine.Status().LastCRC)
}

func TestCanaryCorruptionLatches(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	h.work.words[0] = 0
	r := h.tick(10)
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestStack, r.Test)
	assert.Equal(t, uint64(7), h.engine.Status().Cycle)
}

func TestClockDriftLatches(t *testing.T) {
	clock := FixedClock(10)
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Clock = &clock
	})
	h.engine.RunStartup()

	clock = 11
	r := h.tick(100)
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestClock, r.Test)
	assert.Equal(t, int32(1000), r.Value)
}

func TestFlowViolationLatches(t *testing.T) {
	flow := NewFlowMonitor()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Flow = flow
	})
	h.engine.RunStartup()

	for _, c := range []Checkpoint{CheckSensor, CheckPID, CheckStrategy, CheckState, CheckProtocol} {
		flow.Enter(c)
	}
	require.Equal(t, Pass, h.engine.Tick().Result)

	flow.Enter(CheckSensor)
	flow.Enter(CheckState)
	r := h.engine.Tick()
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestPC, r.Test)
	assert.True(t, h.latch.Latched())
}

func TestLatchPersistsUntilReset(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	h.bank.forced[1] = false
	r := h.tick(10)
	require.Equal(t, Fail, r.Result)
	require.Equal(t, TestIO, r.Test)

	// clearing the fault alone does not release the latch
	delete(h.bank.forced, 1)
	for i := 0; i < 50; i++ {
		assert.Equal(t, Fail, h.engine.Tick().Result)
	}
	assert.True(t, h.latch.Latched())

	// diagnostics pass but still leave the latch set
	reports, err := h.engine.RunDiagnostic(TestIO)
	require.NoError(t, err)
	assert.Equal(t, Pass, reports[0].Result)
	assert.True(t, h.latch.Latched())

	reports = h.engine.Reset()
	assert.Empty(t, failed(reports))
	assert.False(t, h.latch.Latched())
	assert.Equal(t, Pass, h.tick(20).Result)
}

func TestResetRelatchesWhenFaultRemains(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	h.image[0] ^= 0xFF
	h.tick(300)
	require.True(t, h.latch.Latched())

	reports := h.engine.Reset()
	assert.Equal(t, []TestID{TestFlash}, failed(reports))
	assert.True(t, h.latch.Latched())
	assert.False(t, h.engine.Status().StartupPassed)
}

func TestTakeFailureOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	_, ok := h.engine.TakeFailure()
	assert.False(t, ok)

	h.work.words[0] = 0
	h.tick(10)

	r, ok := h.engine.TakeFailure()
	require.True(t, ok)
	assert.Equal(t, TestStack, r.Test)
	assert.Equal(t, Fail, r.Result)

	_, ok = h.engine.TakeFailure()
	assert.False(t, ok)
}

func TestRunDiagnostic(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	reports, err := h.engine.RunDiagnostic(TestAll)
	require.NoError(t, err)
	assert.Len(t, reports, len(Tests))
	assert.Empty(t, failed(reports))

	reports, err = h.engine.RunDiagnostic(TestClock)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, TestClock, reports[0].Test)

	_, err = h.engine.RunDiagnostic(TestID(0x42))
	assert.ErrorIs(t, err, ErrUnknownTest)
}

func TestRunDiagnosticBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.RunStartup()

	h.engine.mu.Lock()
	_, err := h.engine.RunDiagnostic(TestRAM)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Running, h.engine.Tick().Result)
	h.engine.mu.Unlock()

	_, err = h.engine.RunDiagnostic(TestRAM)
	assert.NoError(t, err)
}

func TestMissingDepsSkip(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		*d = Deps{}
	})
	reports := h.engine.RunStartup()
	assert.Empty(t, failed(reports))
	assert.True(t, h.engine.Status().StartupPassed)

	results := map[TestID]Result{}
	for _, r := range reports {
		results[r.Test] = r.Result
	}
	assert.Equal(t, Skip, results[TestRAM])
	assert.Equal(t, Skip, results[TestFlash])
	assert.Equal(t, Skip, results[TestIO])
	assert.Equal(t, Skip, results[TestClock])
	assert.Equal(t, Pass, results[TestCPU])
}

func TestFlowWindowClosesWhileLatched(t *testing.T) {
	flow := NewFlowMonitor()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Flow = flow
	})
	h.engine.RunStartup()
	cycle := func() Report {
		for _, c := range []Checkpoint{CheckSensor, CheckPID, CheckStrategy, CheckState, CheckProtocol} {
			flow.Enter(c)
		}
		return h.engine.Tick()
	}

	h.bank.forced[1] = false
	for i := 0; i < 10; i++ {
		cycle()
	}
	require.True(t, h.latch.Latched())
	require.Equal(t, TestIO, h.latch.Cause())

	for i := 0; i < 5; i++ {
		cycle()
	}
	delete(h.bank.forced, 1)
	h.engine.Reset()
	require.False(t, h.latch.Latched())

	for i := 0; i < 20; i++ {
		require.NotEqual(t, Fail, cycle().Result)
	}
	assert.False(t, h.latch.Latched())
}

func TestFlowViolationLatchesWhileBusy(t *testing.T) {
	flow := NewFlowMonitor()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Flow = flow
	})
	h.engine.RunStartup()

	flow.Enter(CheckPID)

	done := make(chan Report)
	h.engine.mu.Lock()
	go func() { done <- h.engine.Tick() }()
	time.Sleep(10 * time.Millisecond)
	h.engine.mu.Unlock()

	r := <-done
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, TestPC, r.Test)
	assert.True(t, h.latch.Latched())
}
