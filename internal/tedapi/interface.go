package tedapi

import (
	"context"
	"time"
)

// Provider yields one structured snapshot per poll. Implementations talk to a
// single network leader on behalf of the whole unit group; additional
// telemetry sources only need to satisfy this interface.
type Provider interface {
	SystemSnapshot(ctx context.Context) (*RawSnapshot, error)
}

// RawSnapshot is one reading of the whole system. It lives for a single poll
// cycle and is never persisted.
type RawSnapshot struct {
	Taken  time.Time
	System *SystemTotals // nil when the leader reported no aggregates
	Units  []UnitReading
}

// SystemTotals carries the leader's own system-wide figures. Optional fields
// are pointers; nil means the leader did not report that meter this cycle.
// Wattage is signed: negative battery power is discharge, negative grid
// power is export.
type SystemTotals struct {
	SolarW   *float64
	BatteryW *float64
	GridW    *float64
	LoadW    *float64

	CapacityWh  float64
	RemainingWh float64
}

// UnitReading is one battery unit's contribution to a snapshot. A unit whose
// vitals could not be read this cycle is simply absent from the snapshot.
type UnitReading struct {
	UnitID      string // DIN of the unit
	Strings     []PVString
	BatteryW    float64
	PercentRaw  float64
	CapacityWh  float64
	RemainingWh float64

	// HasEnergy is false when the unit reported no pack energy figures,
	// which makes the reading unusable for percentage math.
	HasEnergy bool
}

// PVString is a single PV string's instantaneous power.
type PVString struct {
	ID    string
	Watts float64
}
