package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slyglif/tedapi2mqtt/internal/bridge"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Recorder exposes bridge activity as prometheus metrics. Implements
// bridge.Observer.
type Recorder struct {
	cycles          *prometheus.CounterVec
	publishedTopics prometheus.Counter

	solarW         prometheus.Gauge
	batteryW       prometheus.Gauge
	gridW          prometheus.Gauge
	loadW          prometheus.Gauge
	batteryPercent prometheus.Gauge
	units          prometheus.Gauge
}

var _ bridge.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tedapi2mqtt",
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}),
		publishedTopics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tedapi2mqtt",
			Name:      "published_topics_total",
			Help:      "Topics written to the broker",
		}),
		solarW: newGauge("solar_power_watts", "Last published system solar power (W)"),
		batteryW: newGauge("battery_power_watts",
			"Last published system battery power (W, negative while discharging)"),
		gridW: newGauge("grid_power_watts",
			"Last published grid power (W, negative while exporting)"),
		loadW:          newGauge("load_power_watts", "Last published load power (W)"),
		batteryPercent: newGauge("battery_percent", "Last published reserve-adjusted state of charge"),
		units:          newGauge("units_reporting", "Units present in the last snapshot"),
	}

	prometheus.MustRegister(
		r.cycles, r.publishedTopics,
		r.solarW, r.batteryW, r.gridW, r.loadW,
		r.batteryPercent, r.units,
	)
	return r
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tedapi2mqtt",
		Name:      name,
		Help:      help,
	})
}

func (r *Recorder) ObserveCycle(result bridge.CycleResult, state *bridge.NormalizedState, published int) {
	r.cycles.WithLabelValues(string(result)).Inc()
	r.publishedTopics.Add(float64(published))

	if state == nil {
		return
	}
	r.solarW.Set(state.System.SolarW)
	r.batteryW.Set(state.System.BatteryW)
	if state.System.GridKnown {
		r.gridW.Set(state.System.GridW)
	}
	if state.System.LoadKnown {
		r.loadW.Set(state.System.LoadW)
	}
	r.batteryPercent.Set(state.System.BatteryPercent)
	r.units.Set(float64(len(state.Units)))
}

// Serve runs the /metrics listener until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Metrics listener failed")
	}
}
