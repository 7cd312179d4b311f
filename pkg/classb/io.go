// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

// MaxPins is the number of digital outputs a Shadow can track
const MaxPins = 32

// ReadBack reads the actual level of a digital output
type ReadBack interface {
	ReadPin(pin uint8) (bool, error)
}

// Shadow records the intended state of every digital output. The output layer
// updates it on each write; the I/O test compares it with the hardware.
type Shadow struct {
	mask     uint32
	expected uint32
}

// Set records the intended level of pin
func (s *Shadow) Set(pin uint8, on bool) {
	if pin >= MaxPins {
		return
	}
	bit := uint32(1) << pin
	s.mask |= bit
	if on {
		s.expected |= bit
	} else {
		s.expected &^= bit
	}
}

// Expected returns the intended level of pin and whether it is tracked
func (s *Shadow) Expected(pin uint8) (on, tracked bool) {
	if pin >= MaxPins {
		return false, false
	}
	bit := uint32(1) << pin
	return s.expected&bit != 0, s.mask&bit != 0
}

// Valid reports whether any output has been recorded
func (s *Shadow) Valid() bool {
	return s.mask != 0
}

func ioTest(s *Shadow, rb ReadBack) Report {
	if s == nil || rb == nil || !s.Valid() {
		return Report{Test: TestIO, Result: Skip, Message: "no outputs recorded"}
	}
	for pin := uint8(0); pin < MaxPins; pin++ {
		want, tracked := s.Expected(pin)
		if !tracked {
			continue
		}
		got, err := rb.ReadPin(pin)
		if err != nil {
			return fail(TestIO, int32(pin), "pin %d read-back: %v", pin, err)
		}
		if got != want {
			return fail(TestIO, int32(pin), "pin %d expected %t got %t", pin, want, got)
		}
	}
	return pass(TestIO)
}
