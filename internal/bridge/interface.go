package bridge

import (
	"context"
	"time"

	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

// NormalizedState is the poll-cycle-scoped result of aggregation. All
// figures are rounded exactly once, during Normalize, so publishing the same
// state twice produces byte-identical payloads.
type NormalizedState struct {
	Taken  time.Time
	System SystemState
	Units  map[string]UnitState
}

// SystemState holds the aggregate figures. Wattage is signed: negative
// battery power is discharge, negative grid power is export. GridKnown and
// LoadKnown are false when the leader reported no such meter; grid and load
// cannot be derived from per-unit data.
type SystemState struct {
	SolarW   float64
	BatteryW float64
	GridW    float64
	LoadW    float64

	GridKnown bool
	LoadKnown bool

	BatteryPercent float64 // reserve-adjusted
	CapacityWh     float64
	RemainingWh    float64
}

// UnitState holds one unit's normalized figures.
type UnitState struct {
	BatteryPercent float64 // reserve-adjusted
	ReservePercent float64
	BatteryW       float64
	SolarW         float64
	CapacityWh     float64
	Strings        []tedapi.PVString
}

// TopicSet is a full topic→payload mapping for one publish batch. The cache
// replaces its copy wholesale after a successful batch, never partially.
type TopicSet map[string]string

// HistoryRecorder persists the outcome of one poll cycle.
type HistoryRecorder interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
}

// Observer receives cycle outcomes for instrumentation.
type Observer interface {
	ObserveCycle(result CycleResult, state *NormalizedState, published int)
}

// CycleResult classifies how a poll cycle ended.
type CycleResult string

const (
	CycleOK             CycleResult = "ok"
	CycleBusError       CycleResult = "bus_error"
	CycleTelemetryError CycleResult = "telemetry_error"
	CycleAggregateError CycleResult = "aggregate_error"
	CyclePublishError   CycleResult = "publish_error"
)

// CycleRecord is the persisted summary of one poll cycle.
type CycleRecord struct {
	Taken     time.Time
	Result    CycleResult
	Published int

	SolarW         float64
	BatteryW       float64
	GridW          float64
	LoadW          float64
	BatteryPercent float64
	Units          int
}
