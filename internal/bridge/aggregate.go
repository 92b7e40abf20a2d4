package bridge

import (
	"math"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

// Normalize turns a raw snapshot into a NormalizedState using the configured
// backup reserve as the zero-point for displayed percentages. An explicit
// system-wide figure from the leader always wins over a sum derived from
// per-unit readings.
func Normalize(raw *tedapi.RawSnapshot, reservePercent float64) (*NormalizedState, error) {
	errFactory := errors.New()

	if raw == nil || (len(raw.Units) == 0 && raw.System == nil) {
		return nil, errFactory.New(ErrIncompleteSnapshot)
	}

	state := &NormalizedState{
		Taken: raw.Taken,
		Units: make(map[string]UnitState, len(raw.Units)),
	}

	var (
		unitSolarW    float64
		unitBatteryW  float64
		unitCapacity  float64
		unitRemaining float64
	)

	for i := range raw.Units {
		unit := &raw.Units[i]
		if !unit.HasEnergy {
			return nil, errFactory.WithData(ErrInconsistentUnit, struct {
				Unit  string
				Field string
			}{unit.UnitID, "pack_energy"})
		}

		var pvW float64
		strings := make([]tedapi.PVString, 0, len(unit.Strings))
		for _, s := range unit.Strings {
			pvW += s.Watts
			strings = append(strings, tedapi.PVString{ID: s.ID, Watts: round2(s.Watts)})
		}

		state.Units[unit.UnitID] = UnitState{
			BatteryPercent: round1(reserveAdjusted(unit.PercentRaw, reservePercent)),
			ReservePercent: round1(reservePercent),
			BatteryW:       round2(unit.BatteryW),
			SolarW:         round2(pvW),
			CapacityWh:     math.Round(unit.CapacityWh),
			Strings:        strings,
		}

		unitSolarW += pvW
		unitBatteryW += unit.BatteryW
		unitCapacity += unit.CapacityWh
		unitRemaining += unit.RemainingWh
	}

	state.System = normalizeSystem(raw.System, reservePercent,
		unitSolarW, unitBatteryW, unitCapacity, unitRemaining)

	return state, nil
}

func normalizeSystem(totals *tedapi.SystemTotals, reservePercent float64,
	unitSolarW, unitBatteryW, unitCapacity, unitRemaining float64,
) SystemState {
	sys := SystemState{
		SolarW:      round2(unitSolarW),
		BatteryW:    round2(unitBatteryW),
		CapacityWh:  math.Round(unitCapacity),
		RemainingWh: math.Round(unitRemaining),
	}

	if totals != nil {
		if totals.SolarW != nil {
			sys.SolarW = round2(*totals.SolarW)
		}
		if totals.BatteryW != nil {
			sys.BatteryW = round2(*totals.BatteryW)
		}
		if totals.GridW != nil {
			sys.GridW = round2(*totals.GridW)
			sys.GridKnown = true
		}
		if totals.LoadW != nil {
			sys.LoadW = round2(*totals.LoadW)
			sys.LoadKnown = true
		}
		if totals.CapacityWh > 0 {
			sys.CapacityWh = math.Round(totals.CapacityWh)
			sys.RemainingWh = math.Round(totals.RemainingWh)
		}
	}

	if sys.CapacityWh > 0 {
		rawPercent := sys.RemainingWh / sys.CapacityWh * 100
		sys.BatteryPercent = round1(reserveAdjusted(rawPercent, reservePercent))
	}

	return sys
}

// reserveAdjusted maps a raw state-of-charge onto the user-facing scale
// where 0 is the backup reserve floor and 100 is a full pack, matching what
// the Tesla app shows: (raw - reserve) / (100 - reserve) * 100, clamped to
// [0, 100]. A unit legitimately sits below its reserve during discharge, so
// values below the floor clamp to 0 rather than erroring.
func reserveAdjusted(rawPercent, reservePercent float64) float64 {
	remaining := (rawPercent - reservePercent) / (100 - reservePercent) * 100
	return math.Min(math.Max(remaining, 0), 100)
}

// Rounding is defined here and nowhere else; payload fixtures assert on
// exact bytes.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
