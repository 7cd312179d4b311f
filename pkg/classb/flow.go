// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import "fmt"

// Checkpoint is one stage of the control cycle
type Checkpoint uint8

// Control cycle checkpoints, in the order they must be recorded
const (
	CheckSensor Checkpoint = iota + 1
	CheckPID
	CheckStrategy
	CheckState
	CheckProtocol
)

func (c Checkpoint) String() string {
	switch c {
	case CheckSensor:
		return "sensor"
	case CheckPID:
		return "pid"
	case CheckStrategy:
		return "strategy"
	case CheckState:
		return "state"
	case CheckProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("checkpoint(%d)", uint8(c))
	}
}

// FlowMonitor checks that every control cycle passes the checkpoints in order
type FlowMonitor struct {
	next     Checkpoint
	violated bool
	got      Checkpoint
	want     Checkpoint
}

// NewFlowMonitor returns a monitor expecting CheckSensor
func NewFlowMonitor() *FlowMonitor {
	return &FlowMonitor{next: CheckSensor}
}

// Enter records a checkpoint
func (f *FlowMonitor) Enter(c Checkpoint) {
	if f.violated {
		return
	}
	if c != f.next {
		f.violated = true
		f.got, f.want = c, f.next
		return
	}
	f.next++
}

// EndCycle checks the cycle that just finished and starts the next window
func (f *FlowMonitor) EndCycle() Report {
	defer func() {
		f.next = CheckSensor
		f.violated = false
	}()
	if f.violated {
		return fail(TestPC, int32(f.got), "entered %s, expected %s", f.got, f.want)
	}
	if f.next != CheckProtocol+1 {
		return fail(TestPC, int32(f.next), "cycle ended before %s", f.next)
	}
	return pass(TestPC)
}

// Program counter markers
const (
	pcMarker1 uint32 = 0x12345678
	pcMarker2 uint32 = 0x87654321
	pcMarker3 uint32 = 0xABCDEF01
)

var pcMarker uint32

func pcStep1() { pcMarker = pcMarker1 }

func pcStep2() {
	if pcMarker == pcMarker1 {
		pcMarker = pcMarker2
	}
}

func pcStep3() {
	if pcMarker == pcMarker2 {
		pcMarker = pcMarker3
	}
}

var pcSteps = [...]func(){pcStep1, pcStep2, pcStep3}

// pcTest calls the marker functions in sequence and checks they all ran
func pcTest() Report {
	pcMarker = 0
	for _, step := range pcSteps {
		step()
	}
	if pcMarker != pcMarker3 {
		return fail(TestPC, int32(pcMarker), "marker 0x%08X", pcMarker)
	}
	return pass(TestPC)
}
