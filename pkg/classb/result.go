// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package classb implements the periodic self-test regime.
//
// Startup runs the full variant of every test before the state machine may
// leave INIT. During operation Tick runs time-sliced variants on their own
// intervals. Any failure sets the Latch, which only Engine.Reset clears.
package classb

import "fmt"

// Result is a test outcome. Values match the diagnostics wire encoding.
type Result uint8

// Results
const (
	Pass    Result = 0x00
	Fail    Result = 0x01
	Warn    Result = 0x02
	Skip    Result = 0x03
	Running Result = 0x04
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	case Warn:
		return "WARN"
	case Skip:
		return "SKIP"
	case Running:
		return "RUNNING"
	default:
		return fmt.Sprintf("RESULT(%d)", uint8(r))
	}
}

// TestID identifies a self-test. Values match the diagnostics test codes.
type TestID uint8

// Test identifiers
const (
	TestAll   TestID = 0x30
	TestRAM   TestID = 0x31
	TestFlash TestID = 0x32
	TestCPU   TestID = 0x33
	TestIO    TestID = 0x34
	TestClock TestID = 0x35
	TestStack TestID = 0x36
	TestPC    TestID = 0x37
)

// Tests lists the individual tests in the order startup runs them
var Tests = []TestID{TestCPU, TestRAM, TestClock, TestStack, TestPC, TestFlash, TestIO}

func (t TestID) String() string {
	switch t {
	case TestAll:
		return "all"
	case TestRAM:
		return "ram"
	case TestFlash:
		return "flash"
	case TestCPU:
		return "cpu"
	case TestIO:
		return "io"
	case TestClock:
		return "clock"
	case TestStack:
		return "stack"
	case TestPC:
		return "program-counter"
	default:
		return fmt.Sprintf("test(0x%02X)", uint8(t))
	}
}

// Valid reports whether t names a test (or TestAll)
func (t TestID) Valid() bool {
	return t >= TestAll && t <= TestPC
}

func (t TestID) index() int {
	return int(t - TestRAM)
}

// Report is the outcome of one test run
type Report struct {
	Test    TestID
	Result  Result
	Value   int32 // test specific measurement (clock deviation, bad word, ...)
	Message string
}

func (r Report) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%s: %s", r.Test, r.Result)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Test, r.Result, r.Message)
}

func pass(t TestID) Report {
	return Report{Test: t, Result: Pass}
}

func fail(t TestID, value int32, format string, args ...any) Report {
	return Report{Test: t, Result: Fail, Value: value, Message: fmt.Sprintf(format, args...)}
}
