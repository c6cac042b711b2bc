package models

import "time"

// LiveReading is one polled snapshot of a site's power flows. All power
// values are watts. GridPower is signed (positive = import, negative =
// export) and BatteryPower is signed (positive = discharge, negative =
// charge). A reading is immutable once produced.
type LiveReading struct {
	SolarPower        float64   `json:"solar_power"`
	LoadPower         float64   `json:"load_power"`
	GridPower         float64   `json:"grid_power"`
	BatteryPower      float64   `json:"battery_power"`
	PercentageCharged float64   `json:"percentage_charged"`
	Timestamp         time.Time `json:"timestamp"`
}

// SamplePoint is the persisted projection of a LiveReading used for charts.
// ID is assigned on append and stable for the lifetime of the point.
type SamplePoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Solar     float64   `json:"solar"`
	Home      float64   `json:"home"`
	Grid      float64   `json:"grid"`
	Battery   float64   `json:"battery"`
	SOC       float64   `json:"soc"`
}

// EnergySite is one monitored installation from the provider's product
// listing. Read-only; the full set is replaced wholesale on each fetch.
type EnergySite struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	HasBattery   bool   `json:"has_battery"`
	HasSolar     bool   `json:"has_solar"`
}

// BatteryCapable reports whether the site can serve battery telemetry and
// control calls.
func (s EnergySite) BatteryCapable() bool {
	return s.ResourceType == "battery"
}

// Identity describes the authenticated account. A zero Subject/Email with a
// non-empty Name is a placeholder identity: authentication succeeded but the
// identity endpoint gave nothing usable.
type Identity struct {
	Subject string `json:"subject,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// DisplayName returns the best human-readable label for the identity.
func (id Identity) DisplayName() string {
	switch {
	case id.Name != "":
		return id.Name
	case id.Email != "":
		return id.Email
	default:
		return id.Subject
	}
}
