package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

// fakeProvider replays a fixed sequence of snapshots and errors; the last
// entry repeats once the sequence is exhausted.
type fakeProvider struct {
	snapshots []*tedapi.RawSnapshot
	errs      []error
	calls     int
}

func (p *fakeProvider) SystemSnapshot(_ context.Context) (*tedapi.RawSnapshot, error) {
	i := p.calls
	if i >= len(p.snapshots) {
		i = len(p.snapshots) - 1
	}
	p.calls++
	return p.snapshots[i], p.errs[i]
}

type fakeObserver struct {
	results   []CycleResult
	published []int
}

func (o *fakeObserver) ObserveCycle(result CycleResult, _ *NormalizedState, published int) {
	o.results = append(o.results, result)
	o.published = append(o.published, published)
}

type fakeHistory struct {
	records []CycleRecord
}

func (h *fakeHistory) RecordCycle(_ context.Context, rec CycleRecord) error {
	h.records = append(h.records, rec)
	return nil
}

func oneUnitSnapshot() *tedapi.RawSnapshot {
	return &tedapi.RawSnapshot{
		Taken: time.Now(),
		Units: []tedapi.UnitReading{unitReading("PW3--001", 40, 13500)},
	}
}

func testLoop(provider tedapi.Provider, bus *fakeBus, observer Observer, history HistoryRecorder) *Loop {
	l := NewLoop(LoopConfig{
		Interval:       time.Hour,
		ReservePercent: 20,
		TopicPrefix:    "powerwall",
		DegradedCycles: 3,
	}, provider, bus, NewCache(), history, observer)
	l.pub.baseDelay = time.Millisecond
	l.pub.maxDelay = time.Millisecond
	l.pub.maxAttempts = 2
	return l
}

func TestCycleFirstPublishRetained(t *testing.T) {
	bus := &fakeBus{}
	obs := &fakeObserver{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, obs, nil)

	l.cycle(context.Background())
	l.cycle(context.Background())

	require.Equal(t, []CycleResult{CycleOK, CycleOK}, obs.results)
	assert.Equal(t, 1, bus.connects)

	msgs := bus.messages()
	require.NotEmpty(t, msgs)
	perCycle := len(msgs) / 2

	// First batch retained, second not: the broker replays retained state
	// to late subscribers, live updates it does not need to
	for i, m := range msgs {
		assert.Equal(t, i < perCycle, m.retain, m.topic)
	}
}

func TestCycleReconnectForcesRetainedRepublish(t *testing.T) {
	bus := &fakeBus{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, nil, nil)

	l.cycle(context.Background())
	l.cycle(context.Background())

	// Session drop between cycles: the whole unchanged set goes out
	// retained again so the broker's retained values are restored
	bus.Disconnect()
	l.cycle(context.Background())

	msgs := bus.messages()
	perCycle := len(msgs) / 3
	third := msgs[2*perCycle:]
	require.NotEmpty(t, third)
	for _, m := range third {
		assert.True(t, m.retain, m.topic)
	}
	assert.Equal(t, 2, bus.connects)
}

func TestCycleBusConnectFailureSkips(t *testing.T) {
	bus := &fakeBus{failConnects: 1}
	obs := &fakeObserver{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, obs, nil)

	l.cycle(context.Background())

	assert.Equal(t, []CycleResult{CycleBusError}, obs.results)
	assert.Empty(t, bus.messages())
	assert.Equal(t, 0, provider.calls)
}

func TestCycleTelemetryFailureSkipsPublish(t *testing.T) {
	bus := &fakeBus{}
	obs := &fakeObserver{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{nil, oneUnitSnapshot()},
		errs: []error{
			errors.New().New(tedapi.ErrUnreachable),
			nil,
		},
	}
	l := testLoop(provider, bus, obs, nil)

	l.cycle(context.Background())
	assert.Empty(t, bus.messages())

	l.cycle(context.Background())
	assert.NotEmpty(t, bus.messages())

	assert.Equal(t, []CycleResult{CycleTelemetryError, CycleOK}, obs.results)
	assert.Equal(t, 0, l.consecutiveFailures)
}

func TestCycleRateLimitWidensInterval(t *testing.T) {
	bus := &fakeBus{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{nil},
		errs:      []error{errors.New().New(tedapi.ErrRateLimited)},
	}
	l := testLoop(provider, bus, nil, nil)

	before := l.interval
	l.cycle(context.Background())
	l.cycle(context.Background())

	assert.Equal(t, before+2*time.Second, l.interval)
}

func TestCycleDegradedThreshold(t *testing.T) {
	bus := &fakeBus{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{nil},
		errs:      []error{errors.New().New(tedapi.ErrUnreachable)},
	}
	l := testLoop(provider, bus, nil, nil)

	l.cycle(context.Background())
	l.cycle(context.Background())
	assert.False(t, l.degraded)

	l.cycle(context.Background())
	assert.True(t, l.degraded)
	assert.Equal(t, 3, l.consecutiveFailures)
}

func TestCyclePublishFailureUnprimesCache(t *testing.T) {
	bus := &fakeBus{}
	obs := &fakeObserver{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, obs, nil)

	l.cycle(context.Background())
	require.Equal(t, []CycleResult{CycleOK}, obs.results)
	assert.False(t, l.cache.NeedsRetainedPublish())

	// Every attempt fails: the cycle ends in publish_error and the next
	// successful batch must go out retained
	bus.mu.Lock()
	bus.failPublish = 1000
	bus.mu.Unlock()
	l.cycle(context.Background())

	assert.Equal(t, CyclePublishError, obs.results[len(obs.results)-1])
	assert.True(t, l.cache.NeedsRetainedPublish())
}

func TestCycleAggregateErrorSkipsPublish(t *testing.T) {
	bus := &fakeBus{}
	obs := &fakeObserver{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{{}},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, obs, nil)

	l.cycle(context.Background())

	assert.Equal(t, []CycleResult{CycleAggregateError}, obs.results)
	assert.Empty(t, bus.messages())
}

func TestCycleAbsentUnitTopicsUntouched(t *testing.T) {
	bus := &fakeBus{}
	twoUnits := &tedapi.RawSnapshot{
		Units: []tedapi.UnitReading{
			unitReading("PW3--001", 40, 13500),
			unitReading("PW3--002", 60, 13500),
		},
	}
	oneUnit := &tedapi.RawSnapshot{
		Units: []tedapi.UnitReading{unitReading("PW3--001", 40, 13500)},
	}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{twoUnits, oneUnit},
		errs:      []error{nil, nil},
	}
	l := testLoop(provider, bus, nil, nil)

	l.cycle(context.Background())
	firstCount := len(bus.messages())

	// Second unit stops answering: its retained topics on the broker must
	// stand, so the second batch neither republishes nor clears them
	l.cycle(context.Background())

	for _, m := range bus.messages()[firstCount:] {
		assert.NotContains(t, m.topic, "PW3--002")
		assert.NotEmpty(t, m.payload)
	}
}

func TestCycleRecordsHistory(t *testing.T) {
	bus := &fakeBus{}
	hist := &fakeHistory{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, nil, hist)

	l.cycle(context.Background())

	require.Len(t, hist.records, 1)
	rec := hist.records[0]
	assert.Equal(t, CycleOK, rec.Result)
	assert.Equal(t, 1, rec.Units)
	assert.Equal(t, 25.0, rec.BatteryPercent)
	assert.Positive(t, rec.Published)
}

func TestRunRejectsNonPositiveInterval(t *testing.T) {
	l := NewLoop(LoopConfig{Interval: 0}, &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{nil},
		errs:      []error{nil},
	}, &fakeBus{}, NewCache(), nil, nil)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestRunStopsOnCancel(t *testing.T) {
	bus := &fakeBus{}
	provider := &fakeProvider{
		snapshots: []*tedapi.RawSnapshot{oneUnitSnapshot()},
		errs:      []error{nil},
	}
	l := testLoop(provider, bus, nil, nil)
	l.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}

	// Immediate first cycle plus at least one ticked cycle
	assert.GreaterOrEqual(t, provider.calls, 2)
}
