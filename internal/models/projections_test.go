package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatteryStateOf(t *testing.T) {
	tests := []struct {
		name     string
		power    float64
		expected BatteryState
	}{
		{
			name:     "discharging",
			power:    1500,
			expected: BatteryDischarging,
		},
		{
			name:     "charging",
			power:    -2200,
			expected: BatteryCharging,
		},
		{
			name:     "exactly zero is idle",
			power:    0,
			expected: BatteryIdle,
		},
		{
			name:     "noise below threshold is idle",
			power:    0.05,
			expected: BatteryIdle,
		},
		{
			name:     "negative noise below threshold is idle",
			power:    -0.09,
			expected: BatteryIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BatteryStateOf(LiveReading{BatteryPower: tt.power})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFlowOf(t *testing.T) {
	tests := []struct {
		name     string
		reading  LiveReading
		expected Flow
	}{
		{
			name: "surplus charges battery then exports",
			reading: LiveReading{
				SolarPower:   2500,
				LoadPower:    1200,
				BatteryPower: -800,
				GridPower:    -500,
			},
			expected: Flow{
				SolarToHome:    1200,
				SolarToBattery: 800,
				SolarToGrid:    500,
			},
		},
		{
			name: "deficit served by battery then grid",
			reading: LiveReading{
				SolarPower:   500,
				LoadPower:    3000,
				BatteryPower: 1500,
				GridPower:    1000,
			},
			expected: Flow{
				SolarToHome:   500,
				BatteryToHome: 1500,
				GridToHome:    1000,
			},
		},
		{
			name: "no solar at night on grid only",
			reading: LiveReading{
				SolarPower:   0,
				LoadPower:    900,
				BatteryPower: 0,
				GridPower:    900,
			},
			expected: Flow{
				GridToHome: 900,
			},
		},
		{
			name: "idle battery exports all surplus",
			reading: LiveReading{
				SolarPower:   4000,
				LoadPower:    1000,
				BatteryPower: 0,
				GridPower:    -3000,
			},
			expected: Flow{
				SolarToHome: 1000,
				SolarToGrid: 3000,
			},
		},
		{
			name: "battery charging faster than surplus",
			reading: LiveReading{
				SolarPower:   1000,
				LoadPower:    500,
				BatteryPower: -2000,
				GridPower:    1500,
			},
			expected: Flow{
				SolarToHome:    500,
				SolarToBattery: 500,
			},
		},
		{
			name: "negative sensor values clamp to zero",
			reading: LiveReading{
				SolarPower:   -5,
				LoadPower:    -10,
				BatteryPower: 0,
			},
			expected: Flow{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlowOf(tt.reading)
			assert.InDelta(t, tt.expected.SolarToHome, got.SolarToHome, 0.001)
			assert.InDelta(t, tt.expected.SolarToBattery, got.SolarToBattery, 0.001)
			assert.InDelta(t, tt.expected.SolarToGrid, got.SolarToGrid, 0.001)
			assert.InDelta(t, tt.expected.BatteryToHome, got.BatteryToHome, 0.001)
			assert.InDelta(t, tt.expected.GridToHome, got.GridToHome, 0.001)
		})
	}
}

func TestFormatPower(t *testing.T) {
	tests := []struct {
		name     string
		watts    float64
		expected string
	}{
		{name: "small load stays in watts", watts: 450, expected: "450 W"},
		{name: "kilowatt range", watts: 2500, expected: "2.5 kW"},
		{name: "negative export", watts: -3200, expected: "-3.2 kW"},
		{name: "zero", watts: 0, expected: "0 W"},
		{name: "just under a kilowatt", watts: 999.4, expected: "999 W"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPower(tt.watts))
		})
	}
}

func TestEnergySiteBatteryCapable(t *testing.T) {
	assert.True(t, EnergySite{ResourceType: "battery"}.BatteryCapable())
	assert.False(t, EnergySite{ResourceType: "solar"}.BatteryCapable())
	assert.False(t, EnergySite{}.BatteryCapable())
}

func TestIdentityDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Identity{Name: "Ada Lovelace", Email: "ada@example.com"}.DisplayName())
	assert.Equal(t, "ada@example.com", Identity{Email: "ada@example.com", Subject: "user-1"}.DisplayName())
	assert.Equal(t, "user-1", Identity{Subject: "user-1"}.DisplayName())
}
