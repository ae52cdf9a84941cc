// Package eews is the entry point every transport calls: it ingests
// readings, registers devices, and runs detection against live state.
package eews

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/detector"
	"github.com/couchcryptid/eews-aggregator/internal/directory"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/couchcryptid/eews-aggregator/internal/store"
)

// Ingest sources, used as the metrics label.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Service ties the reading store, device directory, and detector together.
// All methods are safe for concurrent use.
type Service struct {
	store     *store.Store
	directory *directory.Directory
	detector  *detector.Detector
	geocoder  domain.Geocoder
	ttl       time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Service. geocoder may be nil, in which case every
// registration resolves to the unknown location.
func New(
	st *store.Store,
	dir *directory.Directory,
	det *detector.Detector,
	geocoder domain.Geocoder,
	ttl time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		store:     st,
		directory: dir,
		detector:  det,
		geocoder:  geocoder,
		ttl:       ttl,
		logger:    logger,
		metrics:   metrics,
	}
}

// IngestFields parses request fields into a reading and stores it.
func (s *Service) IngestFields(ctx context.Context, source string, f domain.Fields) (domain.Reading, error) {
	r, err := domain.ParseReading(f)
	if err != nil {
		s.metrics.IngestRejected.WithLabelValues(source).Inc()
		return domain.Reading{}, err
	}
	return s.Ingest(ctx, source, r)
}

// Ingest stores r as the latest reading of its device and returns the
// stored copy with its server timestamp.
func (s *Service) Ingest(_ context.Context, source string, r domain.Reading) (domain.Reading, error) {
	stored, err := s.store.Upsert(r.DeviceID, r)
	if err != nil {
		s.metrics.IngestRejected.WithLabelValues(source).Inc()
		return domain.Reading{}, &domain.ValidationError{Field: "device_id", Msg: "missing"}
	}
	s.metrics.ReadingsIngested.WithLabelValues(source).Inc()
	return stored, nil
}

// Devices returns every live reading keyed by device id.
func (s *Service) Devices(_ context.Context) map[string]domain.Reading {
	s.evictExpired()
	return s.store.Snapshot()
}

// Detect reloads the device registry, drops stale readings, and runs one
// detection pass over what remains.
func (s *Service) Detect(ctx context.Context) domain.Verdict {
	start := time.Now()

	// The registry is read before the store is touched so no I/O happens
	// while the store lock is held.
	locations := s.directory.Load(ctx)
	s.evictExpired()
	verdict := s.detector.Detect(s.store.Snapshot(), locations)

	s.metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	outcome := "clear"
	if verdict.Warning {
		outcome = "warning"
	}
	s.metrics.Detections.WithLabelValues(outcome).Inc()
	return verdict
}

// Register resolves the device's location and upserts its registration.
// Geocoding failures leave the location unknown but still record the
// coordinates.
func (s *Service) Register(ctx context.Context, reg domain.Registration) (domain.Registration, error) {
	reg.Location = domain.ResolveLocation(ctx, reg, s.geocoder, s.logger)
	reg.RegisteredAt = s.store.Now().UTC()

	if err := s.directory.Save(ctx, reg); err != nil {
		return domain.Registration{}, fmt.Errorf("save registration %s: %w", reg.DeviceID, err)
	}
	s.logger.Info("device registered", "device_id", reg.DeviceID, "location", reg.Location)
	return reg, nil
}

// DevicesList returns every registered device.
func (s *Service) DevicesList(ctx context.Context) ([]domain.Registration, error) {
	regs, err := s.directory.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return regs, nil
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.store.Now()
}

func (s *Service) evictExpired() {
	if n := len(s.store.EvictExpired(s.store.Now(), s.ttl)); n > 0 {
		s.metrics.ReadingsEvicted.Add(float64(n))
	}
}
