// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logfwd

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

// Level is a forwarded log level. Values match the wire encoding.
type Level uint8

// Levels
const (
	LevelDebug   Level = 0
	LevelInfo    Level = 1
	LevelWarning Level = 2
	LevelError   Level = 3
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// Entry is one queued log line
type Entry struct {
	Level Level
	Text  string
}

// Sink delivers entries, typically as link frames
type Sink interface {
	Forward(e Entry) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(e Entry) error

// Forward implements Sink
func (f SinkFunc) Forward(e Entry) error {
	return f(e)
}

// Stats are the forwarder counters
type Stats struct {
	Queued  int
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Forwarder queues log lines from the control loop and hands them to a sink
// from its own goroutine
type Forwarder struct {
	ring     *Ring
	sink     Sink
	enabled  atomic.Bool
	minLevel atomic.Uint32
	wake     chan struct{}

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates a disabled forwarder with a DefaultCapacity ring
func New(sink Sink) *Forwarder {
	return &Forwarder{
		ring: NewRing(DefaultCapacity),
		sink: sink,
		wake: make(chan struct{}, 1),
	}
}

// Configure switches forwarding and sets the lowest level forwarded
func (f *Forwarder) Configure(enabled bool, minLevel Level) {
	f.minLevel.Store(uint32(minLevel))
	f.enabled.Store(enabled)
}

// Enabled reports whether forwarding is on
func (f *Forwarder) Enabled() bool {
	return f.enabled.Load()
}

// MinLevel returns the lowest level forwarded
func (f *Forwarder) MinLevel() Level {
	return Level(f.minLevel.Load())
}

// Logf queues a line. It never blocks and reports whether the line was
// queued. Only the control loop may call it.
func (f *Forwarder) Logf(level Level, format string, args ...any) bool {
	if !f.enabled.Load() || uint32(level) < f.minLevel.Load() {
		return false
	}
	if !f.ring.Push(Entry{Level: level, Text: fmt.Sprintf(format, args...)}) {
		return false
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Drain hands every queued entry to the sink and returns how many were
// delivered. It runs on the consumer side.
func (f *Forwarder) Drain() int {
	n := 0
	for {
		e, ok := f.ring.Pop()
		if !ok {
			return n
		}
		if err := f.sink.Forward(e); err != nil {
			if f.failed.Add(1) == 1 {
				glog.Warningf("logfwd: %v", err)
			}
			continue
		}
		f.sent.Add(1)
		n++
	}
}

// Run drains the ring whenever Logf queues a line, until ctx ends
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
			f.Drain()
		}
	}
}

// Dropped returns how many lines were lost to a full ring
func (f *Forwarder) Dropped() uint64 {
	return f.ring.Dropped()
}

// Stats returns the counters
func (f *Forwarder) Stats() Stats {
	return Stats{
		Queued:  f.ring.Len(),
		Sent:    f.sent.Load(),
		Failed:  f.failed.Load(),
		Dropped: f.ring.Dropped(),
	}
}
