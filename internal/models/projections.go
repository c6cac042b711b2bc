package models

import (
	"fmt"
	"math"
)

// BatteryState classifies the instantaneous battery activity of a reading.
type BatteryState string

const (
	BatteryCharging    BatteryState = "charging"
	BatteryDischarging BatteryState = "discharging"
	BatteryIdle        BatteryState = "idle"
)

// batteryIdleThreshold is the absolute power in watts below which the
// battery counts as idle. Inverters report a few tenths of a watt of noise
// when the battery is resting.
const batteryIdleThreshold = 0.1

// BatteryStateOf classifies a reading's battery power. Positive power is
// discharge, negative is charge.
func BatteryStateOf(r LiveReading) BatteryState {
	switch {
	case math.Abs(r.BatteryPower) < batteryIdleThreshold:
		return BatteryIdle
	case r.BatteryPower > 0:
		return BatteryDischarging
	default:
		return BatteryCharging
	}
}

// Flow is the decomposition of a reading into directed source-to-sink power
// terms, in watts. All terms are non-negative; the split is deterministic
// for a given reading.
type Flow struct {
	SolarToHome    float64 `json:"solar_to_home"`
	SolarToBattery float64 `json:"solar_to_battery"`
	SolarToGrid    float64 `json:"solar_to_grid"`
	BatteryToHome  float64 `json:"battery_to_home"`
	GridToHome     float64 `json:"grid_to_home"`
}

// FlowOf splits a reading into directed flows. Solar serves the home first;
// any surplus goes to the battery when it is charging and to the grid
// otherwise. Any home deficit is served by the battery when it is
// discharging and by the grid otherwise.
func FlowOf(r LiveReading) Flow {
	var f Flow

	solar := math.Max(r.SolarPower, 0)
	load := math.Max(r.LoadPower, 0)

	f.SolarToHome = math.Min(solar, load)
	surplus := solar - f.SolarToHome
	deficit := load - f.SolarToHome

	if surplus > 0 {
		if r.BatteryPower < -batteryIdleThreshold {
			f.SolarToBattery = math.Min(surplus, -r.BatteryPower)
			surplus -= f.SolarToBattery
		}
		f.SolarToGrid = surplus
	}

	if deficit > 0 {
		if r.BatteryPower > batteryIdleThreshold {
			f.BatteryToHome = math.Min(deficit, r.BatteryPower)
			deficit -= f.BatteryToHome
		}
		f.GridToHome = deficit
	}

	return f
}

// FormatPower renders a wattage for compact display: watts below 1 kW,
// kilowatts with one decimal above.
func FormatPower(watts float64) string {
	abs := math.Abs(watts)
	if abs < 1000 {
		return fmt.Sprintf("%.0f W", watts)
	}
	return fmt.Sprintf("%.1f kW", watts/1000)
}
