// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heating

// Boiler is one boiler's contribution to the combined heating progress
type Boiler struct {
	Temp     float64 // °C
	Setpoint float64 // °C
	Watts    float64 // heater rating, used as weight
}

// Progress returns the combined heating progress in percent. Each boiler
// reaches 100 at (setpoint - tolerance); boilers are averaged weighted by
// heater wattage. With no boilers, or no weight, progress is 100.
func Progress(tolerance float64, boilers ...Boiler) float64 {
	var sum, weight float64
	for _, b := range boilers {
		w := b.Watts
		if w <= 0 {
			w = 1
		}
		sum += w * boilerProgress(b.Temp, b.Setpoint-tolerance)
		weight += w
	}
	if weight == 0 {
		return 100
	}
	return sum / weight
}

func boilerProgress(temp, target float64) float64 {
	if target <= 0 {
		return 100
	}
	p := 100 * temp / target
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
