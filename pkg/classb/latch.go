// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import "sync/atomic"

// Latch is the latched self-test failure flag. It is written by the Engine and
// read by every component that drives an output. Reads are safe from any
// goroutine.
type Latch struct {
	set   atomic.Bool
	cause atomic.Uint32
}

// Latched reports whether a self-test has failed since the last reset
func (l *Latch) Latched() bool {
	return l.set.Load()
}

// Cause returns the test that set the latch
func (l *Latch) Cause() TestID {
	return TestID(l.cause.Load())
}

// trip sets the latch and reports whether this call set it
func (l *Latch) trip(t TestID) bool {
	if l.set.CompareAndSwap(false, true) {
		l.cause.Store(uint32(t))
		return true
	}
	return false
}

func (l *Latch) clear() {
	l.cause.Store(0)
	l.set.Store(false)
}
