// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Errors
var (
	ErrBusy        = errors.New("self-test already running")
	ErrUnknownTest = errors.New("unknown self-test")
)

// Config holds the periodic schedule, in control cycles, and test parameters
type Config struct {
	RAMInterval   int
	FlashInterval int
	CPUInterval   int
	IOInterval    int
	StackInterval int
	ClockInterval int

	BlockWords        int // words per periodic RAM block
	ChunkSize         int // image bytes per periodic flash step
	ClockNominalHz    float64
	ClockTolerancePct float64
}

// DefaultConfig returns the standard schedule for a 100 ms control cycle
func DefaultConfig() Config {
	return Config{
		RAMInterval:       10,
		FlashInterval:     10,
		CPUInterval:       10,
		IOInterval:        10,
		StackInterval:     10,
		ClockInterval:     100,
		BlockWords:        16,
		ChunkSize:         DefaultChunkSize,
		ClockNominalHz:    10,
		ClockTolerancePct: DefaultClockTolerancePct,
	}
}

// Deps are the regions and hooks the tests exercise. Nil members make their
// test report Skip.
type Deps struct {
	Memory    Memory
	Image     io.ReaderAt
	ImageSize int64
	Shadow    *Shadow
	ReadBack  ReadBack
	Clock     ClockSource
	Guards    []Guard
	Flow      *FlowMonitor

	// CPU replaces the built-in processor test
	CPU func() Report
}

// Status is a snapshot of the engine state
type Status struct {
	Initialized   bool
	StartupPassed bool
	Latched       bool
	LastResult    Result
	LastFailure   Report
	FailCount     uint32
	LastTest      time.Time
	ReferenceCRC  uint32
	LastCRC       uint32
	FlashProgress float64
	Cycle         uint64

	counts [7]uint32
}

// Count returns how many times test t completed without failing
func (s Status) Count(t TestID) uint32 {
	if t < TestRAM || t > TestPC {
		return 0
	}
	return s.counts[t.index()]
}

// Engine runs the self-tests. All methods are safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	deps  Deps
	latch *Latch
	flash *programCheck
	now   func() time.Time

	status     Status
	block      int
	unreported *Report
}

// NewEngine creates an engine writing failures to latch
func NewEngine(cfg Config, deps Deps, latch *Latch) *Engine {
	e := &Engine{
		cfg:   cfg,
		deps:  deps,
		latch: latch,
		now:   time.Now,
	}
	if deps.Image != nil {
		e.flash = newProgramCheck(deps.Image, deps.ImageSize, cfg.ChunkSize)
	}
	e.status.LastResult = Pass
	return e
}

// SetNow replaces the time source used for LastTest
func (e *Engine) SetNow(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Latch returns the failure latch
func (e *Engine) Latch() *Latch {
	return e.latch
}

// RunStartup captures the program image reference and runs the full variant
// of every test. It returns the individual reports.
func (e *Engine) RunStartup() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startup()
}

func (e *Engine) startup() []Report {
	glog.Infof("classb: running startup self-test")
	reports := make([]Report, 0, len(Tests))
	passed := true
	for _, t := range Tests {
		r := e.runFull(t)
		e.record(r)
		reports = append(reports, r)
		if r.Result == Fail {
			passed = false
		} else {
			glog.V(1).Infof("classb: startup %s", r)
		}
	}
	e.status.Initialized = true
	e.status.StartupPassed = passed && !e.latch.Latched()
	if e.status.StartupPassed {
		glog.Infof("classb: startup self-test passed (image crc 0x%08X)", e.status.ReferenceCRC)
	}
	return reports
}

// Tick runs the periodic tests due this cycle and returns the first failure,
// or a Pass report. It never blocks: if a diagnostic holds the engine the
// cycle is skipped and Running is returned.
func (e *Engine) Tick() Report {
	// The flow window closes every cycle, whether or not the tests run.
	flow := Report{Test: TestPC, Result: Skip}
	if e.deps.Flow != nil {
		flow = e.deps.Flow.EndCycle()
	}
	if !e.mu.TryLock() {
		if flow.Result != Fail {
			return Report{Test: TestAll, Result: Running}
		}
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if !e.status.Initialized {
		return Report{Test: TestAll, Result: Skip, Message: "startup not run"}
	}
	if e.latch.Latched() {
		return e.status.LastFailure
	}

	e.status.Cycle++
	c := e.status.Cycle

	if flow.Result == Fail {
		return e.record(flow)
	}
	if flow.Result == Pass {
		e.record(flow)
	}
	if due(c, e.cfg.RAMInterval, 0) {
		if r := e.record(e.ramBlock()); r.Result == Fail {
			return r
		}
	}
	if due(c, e.cfg.FlashInterval, 1) {
		if r, done := e.flashStep(); done {
			if e.record(r).Result == Fail {
				return r
			}
		}
	}
	if due(c, e.cfg.IOInterval, 3) {
		if r := e.record(ioTest(e.deps.Shadow, e.deps.ReadBack)); r.Result == Fail {
			return r
		}
	}
	if due(c, e.cfg.CPUInterval, 5) {
		if r := e.record(e.cpu()); r.Result == Fail {
			return r
		}
	}
	if due(c, e.cfg.StackInterval, 7) {
		if r := e.record(stackTest(e.deps.Guards)); r.Result == Fail {
			return r
		}
	}
	if due(c, e.cfg.ClockInterval, 0) {
		if r := e.record(clockTest(e.deps.Clock, e.cfg.ClockNominalHz, e.cfg.ClockTolerancePct)); r.Result == Fail {
			return r
		}
	}
	return Report{Test: TestAll, Result: Pass}
}

func due(cycle uint64, interval, offset int) bool {
	if interval <= 0 {
		return false
	}
	return cycle%uint64(interval) == uint64(offset%interval)
}

// RunDiagnostic runs one test, or all of them, on demand
func (e *Engine) RunDiagnostic(id TestID) ([]Report, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownTest, uint8(id))
	}
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()

	ids := []TestID{id}
	if id == TestAll {
		ids = Tests
	}
	reports := make([]Report, 0, len(ids))
	for _, t := range ids {
		reports = append(reports, e.record(e.runFull(t)))
	}
	return reports, nil
}

// Reset clears the latch and reruns the startup battery. It is the physical
// reset path and must not be reachable from a protocol command. The latch is
// set again if any test still fails.
func (e *Engine) Reset() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	glog.Warningf("classb: reset requested (last failure: %s)", e.status.LastFailure)
	e.latch.clear()
	e.status.LastResult = Pass
	e.status.LastFailure = Report{}
	e.unreported = nil
	e.block = 0
	if e.flash != nil {
		e.flash.restart()
	}
	return e.startup()
}

// TakeFailure returns the failure that set the latch, once
func (e *Engine) TakeFailure() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unreported == nil {
		return Report{}, false
	}
	r := *e.unreported
	e.unreported = nil
	return r, true
}

// Status returns a snapshot
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.Latched = e.latch.Latched()
	if e.flash != nil {
		s.FlashProgress = e.flash.progress()
	}
	return s
}

func (e *Engine) record(r Report) Report {
	e.status.LastTest = e.now()
	switch r.Result {
	case Pass, Warn:
		if r.Test >= TestRAM && r.Test <= TestPC {
			e.status.counts[r.Test.index()]++
		}
		if r.Result == Warn {
			glog.Warningf("classb: %s", r)
		}
	case Fail:
		e.status.FailCount++
		e.status.LastResult = Fail
		e.status.LastFailure = r
		if e.latch.trip(r.Test) {
			glog.Errorf("classb: self-test failed, latching safe state: %s", r)
			e.unreported = &r
		}
	}
	return r
}

func (e *Engine) cpu() Report {
	if e.deps.CPU != nil {
		return e.deps.CPU()
	}
	return cpuTest()
}

func (e *Engine) runFull(t TestID) Report {
	switch t {
	case TestRAM:
		if e.deps.Memory == nil {
			return Report{Test: TestRAM, Result: Skip, Message: "no test region"}
		}
		if bad := MarchC(e.deps.Memory, 0, e.deps.Memory.Len()); bad >= 0 {
			return fail(TestRAM, int32(bad), "word %d", bad)
		}
		return pass(TestRAM)
	case TestFlash:
		return e.flashFull()
	case TestCPU:
		return e.cpu()
	case TestIO:
		return ioTest(e.deps.Shadow, e.deps.ReadBack)
	case TestClock:
		if e.deps.Clock == nil {
			return clockTest(nil, e.cfg.ClockNominalHz, e.cfg.ClockTolerancePct)
		}
		return clockTest(sampledClock{e.deps.Clock}, e.cfg.ClockNominalHz, e.cfg.ClockTolerancePct)
	case TestStack:
		return stackTest(e.deps.Guards)
	case TestPC:
		return pcTest()
	}
	return Report{Test: t, Result: Skip}
}

func (e *Engine) ramBlock() Report {
	mem := e.deps.Memory
	if mem == nil || mem.Len() == 0 {
		return Report{Test: TestRAM, Result: Skip}
	}
	words := e.cfg.BlockWords
	if words <= 0 {
		words = 16
	}
	lo := e.block * words
	if lo >= mem.Len() {
		lo, e.block = 0, 0
	}
	hi := min(lo+words, mem.Len())
	e.block++

	if bad := marchBlock(mem, lo, hi); bad >= 0 {
		return fail(TestRAM, int32(bad), "word %d", bad)
	}
	return pass(TestRAM)
}

func (e *Engine) flashFull() Report {
	if e.flash == nil {
		return Report{Test: TestFlash, Result: Skip, Message: "no program image"}
	}
	if !e.flash.captured {
		if err := e.flash.capture(); err != nil {
			return fail(TestFlash, 0, "%v", err)
		}
		e.status.ReferenceCRC = e.flash.reference
		e.status.LastCRC = e.flash.reference
		glog.Infof("classb: image reference crc 0x%08X (%d bytes)", e.flash.reference, e.flash.size)
		return pass(TestFlash)
	}
	crc, err := e.flash.full()
	if err != nil {
		return fail(TestFlash, 0, "%v", err)
	}
	e.status.LastCRC = crc
	return e.compareCRC(crc)
}

// flashStep hashes one chunk. done is false until a pass completes.
func (e *Engine) flashStep() (Report, bool) {
	if e.flash == nil || !e.flash.captured {
		return Report{}, false
	}
	done, err := e.flash.step()
	if err != nil {
		return fail(TestFlash, 0, "%v", err), true
	}
	if !done {
		return Report{}, false
	}
	e.status.LastCRC = e.flash.last
	return e.compareCRC(e.flash.last), true
}

func (e *Engine) compareCRC(crc uint32) Report {
	if crc != e.flash.reference {
		return fail(TestFlash, int32(crc), "crc 0x%08X, reference 0x%08X", crc, e.flash.reference)
	}
	return pass(TestFlash)
}
