package bridge

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/mqttbus"
	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

type fakeMsg struct {
	topic   string
	payload string
	retain  bool
}

// fakeBus records everything published through it and can be told to fail
// the next N publishes or connects.
type fakeBus struct {
	mu sync.Mutex

	connected    bool
	failConnects int
	failPublish  int
	connects     int
	published    []fakeMsg
}

func (b *fakeBus) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	if b.failConnects > 0 {
		b.failConnects--
		return errors.New().New(mqttbus.ErrConnectFailed)
	}
	b.connected = true
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPublish > 0 {
		b.failPublish--
		return errors.New().New(mqttbus.ErrPublishFailed)
	}
	b.published = append(b.published, fakeMsg{topic, string(payload), retain})
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBus) messages() []fakeMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fakeMsg, len(b.published))
	copy(out, b.published)
	return out
}

func testPublisher(bus *fakeBus) *Publisher {
	p := NewPublisher(bus, "powerwall")
	p.baseDelay = time.Millisecond
	p.maxDelay = 4 * time.Millisecond
	return p
}

func TestTopicsForStableUnderPermutation(t *testing.T) {
	units := []tedapi.UnitReading{
		unitReading("PW3--001", 40, 13500, tedapi.PVString{ID: "a", Watts: 100}),
		unitReading("PW3--002", 60, 13500, tedapi.PVString{ID: "a", Watts: 150}),
	}
	reversed := []tedapi.UnitReading{units[1], units[0]}

	first, err := Normalize(&tedapi.RawSnapshot{Units: units}, 20)
	require.NoError(t, err)
	second, err := Normalize(&tedapi.RawSnapshot{Units: reversed}, 20)
	require.NoError(t, err)

	// Topic identity is keyed by unit ID, never by snapshot order
	assert.Equal(t, TopicsFor("powerwall", first), TopicsFor("powerwall", second))
}

func TestTopicsForPayloadFixtures(t *testing.T) {
	state, err := Normalize(&tedapi.RawSnapshot{
		Units: []tedapi.UnitReading{
			unitReading("PW3--001", 40, 13500,
				tedapi.PVString{ID: "a", Watts: 100},
				tedapi.PVString{ID: "b", Watts: 150}),
		},
	}, 20)
	require.NoError(t, err)

	set := TopicsFor("powerwall", state)

	assert.Equal(t, "25.0", set["powerwall/unit/PW3--001/battery_percent"])
	assert.Equal(t, "20.0", set["powerwall/unit/PW3--001/backup_reserve"])
	assert.Equal(t, "250.00", set["powerwall/unit/PW3--001/solar_power"])
	assert.Equal(t, "100.00", set["powerwall/unit/PW3--001/string_a_power"])
	assert.Equal(t, "150.00", set["powerwall/unit/PW3--001/string_b_power"])
	assert.Equal(t, "13500", set["powerwall/unit/PW3--001/capacity_wh"])
	assert.Equal(t, "250.00", set["powerwall/system/solar_power"])

	// No grid meter in the snapshot: the topic must be absent, not zero
	_, ok := set["powerwall/system/grid_power"]
	assert.False(t, ok)
}

func TestPublishWritesSortedBatch(t *testing.T) {
	bus := &fakeBus{connected: true}
	p := testPublisher(bus)

	set := TopicSet{
		"powerwall/system/solar_power":     "250.00",
		"powerwall/system/battery_power":   "-1200.00",
		"powerwall/system/battery_percent": "25.0",
	}

	published, err := p.Publish(context.Background(), set, false)
	require.NoError(t, err)
	assert.Equal(t, len(set), published)

	msgs := bus.messages()
	require.Len(t, msgs, len(set))
	assert.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].topic < msgs[j].topic
	}))
}

func TestPublishRetainFlagPassesThrough(t *testing.T) {
	bus := &fakeBus{connected: true}
	p := testPublisher(bus)

	_, err := p.Publish(context.Background(), TopicSet{"t": "1"}, true)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), TopicSet{"t": "2"}, false)
	require.NoError(t, err)

	msgs := bus.messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].retain)
	assert.False(t, msgs[1].retain)
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	bus := &fakeBus{connected: true, failPublish: 2}
	p := testPublisher(bus)

	published, err := p.Publish(context.Background(), TopicSet{"t": "1"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Len(t, bus.messages(), 1)
}

func TestPublishGivesUpAfterMaxAttempts(t *testing.T) {
	bus := &fakeBus{connected: true, failPublish: 100}
	p := testPublisher(bus)
	p.maxAttempts = 3

	_, err := p.Publish(context.Background(), TopicSet{"t": "1"}, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrPublishFailed))
	assert.Empty(t, bus.messages())
}

func TestPublishHonorsContextDuringBackoff(t *testing.T) {
	bus := &fakeBus{connected: true, failPublish: 100}
	p := testPublisher(bus)
	p.baseDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := p.Publish(ctx, TopicSet{"t": "1"}, false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrPublishFailed))
	assert.Less(t, time.Since(start), time.Second)
}
