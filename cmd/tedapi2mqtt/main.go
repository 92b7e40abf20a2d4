package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slyglif/tedapi2mqtt/internal/bridge"
	"github.com/slyglif/tedapi2mqtt/internal/config"
	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/history"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
	"github.com/slyglif/tedapi2mqtt/internal/metrics"
	"github.com/slyglif/tedapi2mqtt/internal/mqttbus"
	"github.com/slyglif/tedapi2mqtt/internal/tedapi"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Bridge failed")
		} else {
			logger.Fatal().Err(err).Msg("Bridge failed")
		}
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	provider := tedapi.NewClient(cfg.GatewayHost, cfg.GatewayPassword, cfg.ReportVitals)

	// Leader identity up front; a wrong password or missing route fails
	// here instead of one cycle in.
	if din, err := provider.DIN(ctx); err != nil {
		logger.Warn().Err(err).Msg("Leader not answering yet, continuing")
	} else {
		logger.Info().Str("leader", din).Msg("Connected to gateway")
	}

	cache := bridge.NewCache()

	bus, err := mqttbus.NewPahoBus(cfg, func(error) {
		cache.MarkDisconnected()
	})
	if err != nil {
		return err
	}
	defer bus.Disconnect()

	var recorder bridge.HistoryRecorder
	if cfg.History {
		repo, err := history.NewRepository(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close history repository")
			}
		}()
		recorder = repo
	}

	var observer bridge.Observer
	if cfg.Metrics {
		rec := metrics.NewRecorder()
		go metrics.Serve(ctx, cfg.MetricsListen)
		observer = rec
	}

	loop := bridge.NewLoop(bridge.LoopConfig{
		Interval:       time.Duration(cfg.PollInterval) * time.Second,
		ReservePercent: cfg.BackupReserve,
		TopicPrefix:    cfg.TopicPrefix,
		DegradedCycles: cfg.DegradedCycles,
	}, provider, bus, cache, recorder, observer)

	return loop.Run(ctx)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
