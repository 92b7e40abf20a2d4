package bridge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
	"github.com/slyglif/tedapi2mqtt/internal/mqttbus"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
	maxAttempts    = 5
)

// Publisher maps normalized state onto the stable topic scheme and writes it
// through the bus. Topic identity is keyed by unit ID and field name, never
// by snapshot ordering, so restarts and unit permutations cannot move data
// between topics.
//
// A batch is not atomic across topics: a subscriber may observe a mix of old
// and new values while a batch is in flight. That window is accepted; the
// batch is retried as a whole on failure.
type Publisher struct {
	bus    mqttbus.Bus
	prefix string

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

func NewPublisher(bus mqttbus.Bus, prefix string) *Publisher {
	return &Publisher{
		bus:         bus,
		prefix:      prefix,
		baseDelay:   retryBaseDelay,
		maxDelay:    retryMaxDelay,
		maxAttempts: maxAttempts,
	}
}

// TopicsFor builds the full topic set for one state. The mapping is
// deterministic: same state, same bytes.
func TopicsFor(prefix string, state *NormalizedState) TopicSet {
	set := TopicSet{}

	sysTopic := func(field string) string {
		return fmt.Sprintf("%s/system/%s", prefix, field)
	}

	set[sysTopic("solar_power")] = watts(state.System.SolarW)
	set[sysTopic("battery_power")] = watts(state.System.BatteryW)
	if state.System.GridKnown {
		set[sysTopic("grid_power")] = watts(state.System.GridW)
	}
	if state.System.LoadKnown {
		set[sysTopic("load_power")] = watts(state.System.LoadW)
	}
	set[sysTopic("battery_percent")] = percent(state.System.BatteryPercent)
	set[sysTopic("battery_capacity_wh")] = wattHours(state.System.CapacityWh)
	set[sysTopic("battery_remaining_wh")] = wattHours(state.System.RemainingWh)

	for unitID, unit := range state.Units {
		unitTopic := func(field string) string {
			return fmt.Sprintf("%s/unit/%s/%s", prefix, unitID, field)
		}

		set[unitTopic("battery_percent")] = percent(unit.BatteryPercent)
		set[unitTopic("backup_reserve")] = percent(unit.ReservePercent)
		set[unitTopic("battery_power")] = watts(unit.BatteryW)
		set[unitTopic("solar_power")] = watts(unit.SolarW)
		set[unitTopic("capacity_wh")] = wattHours(unit.CapacityWh)
		for _, s := range unit.Strings {
			set[unitTopic("string_"+s.ID+"_power")] = watts(s.Watts)
		}
	}

	return set
}

// Publish writes the full batch, retrying the whole batch with bounded
// exponential backoff on transient bus failures. The backoff sleep honors
// ctx so shutdown is never delayed by the full ceiling. retain is decided by
// the cache for the batch as a whole. Returns the number of topics written
// on success.
func (p *Publisher) Publish(ctx context.Context, set TopicSet, retain bool) (int, error) {
	errFactory := errors.New()

	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		err := p.writeBatch(set, retain)
		if err == nil {
			return len(set), nil
		}

		if attempt >= p.maxAttempts {
			return 0, errFactory.Wrap(ErrPublishFailed, err)
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Publish batch failed, retrying")

		select {
		case <-time.After(delay):
			delay = min(delay*2, p.maxDelay)
		case <-ctx.Done():
			return 0, errFactory.Wrap(ErrPublishFailed, ctx.Err())
		}
	}
}

func (p *Publisher) writeBatch(set TopicSet, retain bool) error {
	// Stable write order keeps the wire trace reproducible
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		if err := p.bus.Publish(topic, []byte(set[topic]), retain); err != nil {
			return err
		}
	}
	return nil
}

// Payload formats match the Tesla app's display precision: percentages to
// one decimal, wattage to two, watt-hours whole.
func percent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func watts(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func wattHours(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}
