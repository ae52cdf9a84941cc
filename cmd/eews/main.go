package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/eews-aggregator/internal/adapter/geocache"
	httpadapter "github.com/couchcryptid/eews-aggregator/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/eews-aggregator/internal/adapter/kafka"
	"github.com/couchcryptid/eews-aggregator/internal/adapter/mapbox"
	mqttadapter "github.com/couchcryptid/eews-aggregator/internal/adapter/mqtt"
	"github.com/couchcryptid/eews-aggregator/internal/adapter/nominatim"
	"github.com/couchcryptid/eews-aggregator/internal/adapter/ws"
	"github.com/couchcryptid/eews-aggregator/internal/auth"
	"github.com/couchcryptid/eews-aggregator/internal/config"
	"github.com/couchcryptid/eews-aggregator/internal/detector"
	"github.com/couchcryptid/eews-aggregator/internal/directory"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/eews"
	"github.com/couchcryptid/eews-aggregator/internal/monitor"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/couchcryptid/eews-aggregator/internal/registry"
	"github.com/couchcryptid/eews-aggregator/internal/store"
	"github.com/couchcryptid/eews-aggregator/internal/sweeper"
	"github.com/jonboulle/clockwork"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, closeRegistry, err := openRegistry(ctx, cfg, clock)
	if err != nil {
		logger.Error("failed to open device registry", "backend", cfg.RegistryBackend, "error", err)
		os.Exit(1)
	}
	defer closeRegistry()

	authn, err := auth.New(cfg.UsersPath, cfg.JWTSecret, cfg.TokenTTL, clock, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		os.Exit(1)
	}

	readings := store.New(clock)
	svc := eews.New(
		readings,
		directory.New(reg, logger, metrics),
		detector.New(cfg.GForceThreshold, cfg.WarningQuorum),
		newGeocoder(cfg, logger, metrics),
		cfg.ReadingTTL,
		logger,
		metrics,
	)

	// Alert fan-out (Kafka optional, websocket always).
	hub := ws.NewHub(logger, metrics)
	var publisher monitor.AlertPublisher
	var alertWriter *kafkaadapter.AlertWriter
	if cfg.KafkaEnabled {
		alertWriter = kafkaadapter.NewAlertWriter(cfg, logger)
		publisher = alertWriter
		logger.Info("kafka alert publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaAlertTopic)
	}
	mon := monitor.New(svc, publisher, hub, clock, cfg.MonitorInterval, logger, metrics)
	sw := sweeper.New(readings, clock, cfg.SweepInterval, cfg.ReadingTTL, logger, metrics)

	var subscriber *mqttadapter.Subscriber
	if cfg.MQTTEnabled {
		subscriber = mqttadapter.NewSubscriber(cfg, svc, logger, metrics)
		if err := subscriber.Start(ctx); err != nil {
			logger.Error("failed to start mqtt subscriber", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, cfg.APIPrefix, httpadapter.Deps{
		Service: svc,
		Auth:    authn,
		Stream:  hub,
		Ready:   mon,
	}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start background loops.
	go func() {
		if err := sw.Run(ctx); err != nil {
			logger.Error("sweeper error", "error", err)
		}
	}()
	go func() {
		if err := mon.Run(ctx); err != nil {
			logger.Error("monitor error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if subscriber != nil {
		subscriber.Close()
	}
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if alertWriter != nil {
		if err := alertWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func openRegistry(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (directory.Registry, func(), error) {
	if cfg.RegistryBackend == config.RegistrySQLite {
		db, err := registry.OpenSQLite(ctx, cfg.RegistryDBPath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	}
	return registry.NewFile(cfg.RegistryPath, clock), func() {}, nil
}

// newGeocoder builds the configured reverse geocoder wrapped in the LRU
// cache. It returns nil when geocoding is disabled.
func newGeocoder(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) domain.Geocoder {
	var client domain.Geocoder
	switch cfg.Geocoder {
	case config.GeocoderNominatim:
		client = nominatim.NewClient(cfg.NominatimURL, cfg.GeocodeTimeout, metrics, logger)
	case config.GeocoderMapbox:
		client = mapbox.NewClient(cfg.MapboxToken, cfg.GeocodeTimeout, metrics, logger)
	default:
		logger.Info("reverse geocoding disabled")
		return nil
	}
	logger.Info("reverse geocoding enabled",
		"provider", cfg.Geocoder,
		"cache_size", cfg.GeocodeCacheSize,
		"timeout", cfg.GeocodeTimeout,
	)
	return geocache.New(client, cfg.GeocodeCacheSize, metrics)
}
