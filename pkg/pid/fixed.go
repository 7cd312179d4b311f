// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pid

import "math"

// FromDeci converts a tenths-of-a-degree wire value to degrees (930 -> 93.0)
func FromDeci(v int16) float64 {
	return float64(v) / 10
}

// ToDeci converts degrees to tenths-of-a-degree, rounding to nearest and
// saturating at the int16 range
func ToDeci(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	d := math.Round(v * 10)
	if d > math.MaxInt16 {
		return math.MaxInt16
	}
	if d < math.MinInt16 {
		return math.MinInt16
	}
	return int16(d)
}
