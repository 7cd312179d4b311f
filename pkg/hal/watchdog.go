// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// DefaultWatchdogTimeout is the longest gap allowed between kicks
const DefaultWatchdogTimeout = 2 * time.Second

// SoftWatchdog calls an expiry function when it is not kicked in time. It
// stands in for the hardware watchdog on hosts that have none.
type SoftWatchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	expire  func()
	expired atomic.Uint64
}

// NewSoftWatchdog arms a watchdog. expire runs on its own goroutine.
func NewSoftWatchdog(timeout time.Duration, expire func()) *SoftWatchdog {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	w := &SoftWatchdog{timeout: timeout, expire: expire}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

func (w *SoftWatchdog) fire() {
	n := w.expired.Add(1)
	glog.Errorf("watchdog: not kicked within %s (expiry %d)", w.timeout, n)
	if w.expire != nil {
		w.expire()
	}
}

// Kick restarts the timeout
func (w *SoftWatchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

// Expired returns how many times the watchdog fired
func (w *SoftWatchdog) Expired() uint64 {
	return w.expired.Load()
}

// Stop disarms the watchdog
func (w *SoftWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
