package bridge

import (
	"context"
	"time"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
	"github.com/slyglif/tedapi2mqtt/internal/mqttbus"
	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

// Loop drives the pipeline: on a fixed interval it fetches a snapshot,
// normalizes it, diffs against the cache and publishes. One cycle runs to
// completion before the next begins; there is no overlap. The loop owns
// reconnect policy for the bus; the telemetry source gets no separate
// backoff since it runs on a trusted local network and transient misses are
// expected.
type Loop struct {
	provider tedapi.Provider
	bus      mqttbus.Bus
	cache    *Cache
	pub      *Publisher
	history  HistoryRecorder
	observer Observer

	interval       time.Duration
	reservePercent float64
	degradedCycles int

	consecutiveFailures int
	degraded            bool
}

// LoopConfig is the subset of runtime configuration the loop needs.
type LoopConfig struct {
	Interval       time.Duration
	ReservePercent float64
	TopicPrefix    string

	// DegradedCycles is how many consecutive fully-failed polls raise the
	// degraded-source warning. Zero disables the signal.
	DegradedCycles int
}

// NewLoop wires the pipeline. history and observer may be nil.
func NewLoop(cfg LoopConfig, provider tedapi.Provider, bus mqttbus.Bus,
	cache *Cache, history HistoryRecorder, observer Observer,
) *Loop {
	return &Loop{
		provider:       provider,
		bus:            bus,
		cache:          cache,
		pub:            NewPublisher(bus, cfg.TopicPrefix),
		history:        history,
		observer:       observer,
		interval:       cfg.Interval,
		reservePercent: cfg.ReservePercent,
		degradedCycles: cfg.DegradedCycles,
	}
}

// Run polls until ctx is cancelled. The first cycle runs immediately so
// subscribers see state without waiting a full interval.
func (l *Loop) Run(ctx context.Context) error {
	if l.interval <= 0 {
		return errors.New().WithData(errors.ErrInvalidInterval, l.interval)
	}

	current := l.interval
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.cycle(ctx)
			if l.interval != current {
				current = l.interval
				ticker.Reset(current)
				logger.Warn().
					Dur("interval", current).
					Msg("Poll interval increased after gateway rate limiting")
			}
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	taken := time.Now().UTC()

	// A failed publish last cycle (or a dropped session) leaves the bus
	// disconnected; reconnect before the next publish attempt.
	if !l.bus.IsConnected() {
		l.cache.MarkDisconnected()
		if err := l.bus.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Bus reconnect failed, skipping cycle")
			l.finish(ctx, taken, CycleBusError, nil, 0)
			return
		}
		logger.Info().Msg("Bus connected")
	}

	raw, err := l.provider.SystemSnapshot(ctx)
	if err != nil {
		l.telemetryFailure(err)
		l.finish(ctx, taken, CycleTelemetryError, nil, 0)
		return
	}
	l.telemetryRecovered()

	state, err := Normalize(raw, l.reservePercent)
	if err != nil {
		logger.Warn().
			Str("error_code", string(errors.CodeOf(err))).
			Err(err).
			Msg("Snapshot rejected, skipping cycle")
		l.finish(ctx, taken, CycleAggregateError, nil, 0)
		return
	}

	set := TopicsFor(l.pub.prefix, state)
	retain := l.cache.NeedsRetainedPublish()

	published, err := l.pub.Publish(ctx, set, retain)
	if err != nil {
		logger.Error().Err(err).Msg("Publish retries exhausted, cycle failed")
		// Force a retained republish once the bus is healthy again
		l.cache.MarkDisconnected()
		l.finish(ctx, taken, CyclePublishError, state, 0)
		return
	}

	l.cache.Commit(set)
	logger.Debug().
		Int("topics", published).
		Bool("retained", retain).
		Int("units", len(state.Units)).
		Msg("Cycle published")
	l.finish(ctx, taken, CycleOK, state, published)
}

func (l *Loop) telemetryFailure(err error) {
	l.consecutiveFailures++

	// The gateway asks for a slower poll cadence; widen the interval by a
	// second rather than hammering it.
	if errors.HasCode(err, tedapi.ErrRateLimited) {
		l.interval += time.Second
	}

	logger.Warn().
		Str("error_code", string(errors.CodeOf(err))).
		Err(err).
		Int("consecutive_failures", l.consecutiveFailures).
		Msg("Telemetry poll failed, skipping cycle")

	if l.degradedCycles > 0 && l.consecutiveFailures == l.degradedCycles && !l.degraded {
		l.degraded = true
		logger.Error().
			Int("cycles", l.consecutiveFailures).
			Msg("Telemetry source degraded: all units unreachable")
	}
}

func (l *Loop) telemetryRecovered() {
	if l.degraded {
		logger.Info().Msg("Telemetry source recovered")
	}
	l.degraded = false
	l.consecutiveFailures = 0
}

func (l *Loop) finish(ctx context.Context, taken time.Time, result CycleResult, state *NormalizedState, published int) {
	if l.observer != nil {
		l.observer.ObserveCycle(result, state, published)
	}

	if l.history == nil {
		return
	}

	rec := CycleRecord{
		Taken:     taken,
		Result:    result,
		Published: published,
	}
	if state != nil {
		rec.SolarW = state.System.SolarW
		rec.BatteryW = state.System.BatteryW
		rec.GridW = state.System.GridW
		rec.LoadW = state.System.LoadW
		rec.BatteryPercent = state.System.BatteryPercent
		rec.Units = len(state.Units)
	}
	if err := l.history.RecordCycle(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cycle history")
	}
}
