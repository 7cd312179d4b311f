// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logfwd forwards selected log lines over the link without ever
// blocking the control loop.
//
// The control loop is the only producer and a single forwarding goroutine the
// only consumer. When the ring is full the newest entry is dropped and
// counted.
package logfwd

import "sync/atomic"

// DefaultCapacity is the ring size used by New
const DefaultCapacity = 64

// Ring is a bounded single-producer/single-consumer queue. Push must only be
// called from one goroutine and Pop from one other goroutine.
type Ring struct {
	buf     []Entry
	mask    uint64
	head    atomic.Uint64 // next slot to read
	tail    atomic.Uint64 // next slot to write
	dropped atomic.Uint64
}

// NewRing returns a ring holding capacity entries, rounded up to a power of two
func NewRing(capacity int) *Ring {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring{buf: make([]Entry, n), mask: uint64(n - 1)}
}

// Cap returns the number of entries the ring holds
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of queued entries
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Push queues e. It reports false, and counts a drop, when the ring is full.
func (r *Ring) Push(e Entry) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[tail&r.mask] = e
	r.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest entry
func (r *Ring) Pop() (Entry, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return Entry{}, false
	}
	e := r.buf[head&r.mask]
	r.buf[head&r.mask] = Entry{}
	r.head.Store(head + 1)
	return e, true
}

// Dropped returns how many entries Push rejected
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
