// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"math"
	"time"

	"github.com/Thermoquad/crema/pkg/persist"
	"github.com/Thermoquad/crema/pkg/protocol"
)

// Statistics windows
const (
	day          = 24 * time.Hour
	week         = 7 * day
	month        = 30 * day
	historyLimit = 1024
)

type brewRecord struct {
	at       time.Time
	duration time.Duration
}

// brewHistory keeps the brews of the last month for the windowed statistics.
// Lifetime totals live in the configuration record.
type brewHistory struct {
	records    []brewRecord
	min, max   time.Duration
	lastUptime time.Duration
}

func (h *brewHistory) add(at time.Time, d, uptime time.Duration) {
	h.records = append(h.records, brewRecord{at: at, duration: d})
	h.prune(at)
	if h.min == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.lastUptime = uptime
}

func (h *brewHistory) prune(now time.Time) {
	i := 0
	for i < len(h.records) && now.Sub(h.records[i].at) > month {
		i++
	}
	if n := len(h.records) - i; n > historyLimit {
		i = len(h.records) - historyLimit
	}
	if i > 0 {
		h.records = append(h.records[:0], h.records[i:]...)
	}
}

// window returns the count and mean duration of brews within d of now
func (h *brewHistory) window(now time.Time, d time.Duration) (uint16, uint16) {
	var n int
	var total time.Duration
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if now.Sub(r.at) > d {
			break
		}
		n++
		total += r.duration
	}
	if n == 0 {
		return 0, 0
	}
	return clamp16(int64(n)), msClamp16(total / time.Duration(n))
}

func (h *brewHistory) stats(now time.Time, totals persist.BrewTotals) protocol.BrewStats {
	h.prune(now)
	s := protocol.BrewStats{
		TotalBrews:     totals.Count,
		TotalBrewMs:    uint32(min(totals.TotalMs, math.MaxUint32)),
		MinBrewMs:      msClamp16(h.min),
		MaxBrewMs:      msClamp16(h.max),
		LastBrewUptime: clampMs(h.lastUptime),
	}
	if totals.Count > 0 {
		s.AvgBrewMs = clamp16(int64(totals.TotalMs / uint64(totals.Count)))
	}
	s.DailyCount, s.DailyAvgMs = h.window(now, day)
	s.WeeklyCount, s.WeeklyAvgMs = h.window(now, week)
	s.MonthlyCount, s.MonthlyAvgMs = h.window(now, month)
	return s
}

func clamp16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func msClamp16(d time.Duration) uint16 {
	return clamp16(int64(d / time.Millisecond))
}
