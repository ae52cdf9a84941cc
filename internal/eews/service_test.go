package eews

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/detector"
	"github.com/couchcryptid/eews-aggregator/internal/directory"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/couchcryptid/eews-aggregator/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type memRegistry struct {
	mu      sync.Mutex
	regs    map[string]domain.Registration
	listErr error
	saveErr error
}

func newMemRegistry(regs ...domain.Registration) *memRegistry {
	m := &memRegistry{regs: make(map[string]domain.Registration)}
	for _, r := range regs {
		m.regs[r.DeviceID] = r
	}
	return m
}

func (m *memRegistry) List(_ context.Context) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.Registration, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRegistry) Upsert(_ context.Context, reg domain.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.regs[reg.DeviceID] = reg
	return nil
}

type stubGeocoder struct {
	place string
	err   error
}

func (s stubGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (domain.GeocodingResult, error) {
	return domain.GeocodingResult{PlaceName: s.place}, s.err
}

type fixture struct {
	svc      *Service
	clock    *clockwork.FakeClock
	registry *memRegistry
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, geocoder domain.Geocoder, regs ...domain.Registration) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	registry := newMemRegistry(regs...)

	svc := New(
		store.New(clock),
		directory.New(registry, logger, metrics),
		detector.New(detector.DefaultThreshold, detector.DefaultQuorum),
		geocoder,
		10*time.Second,
		logger,
		metrics,
	)
	return fixture{svc: svc, clock: clock, registry: registry, metrics: metrics}
}

func ptr(f float64) *float64 { return &f }

func registeredIn(location string, ids ...string) []domain.Registration {
	regs := make([]domain.Registration, len(ids))
	for i, id := range ids {
		regs[i] = domain.Registration{DeviceID: id, AuthSeed: "seed", Location: location}
	}
	return regs
}

func shake(t *testing.T, svc *Service, g float64, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := svc.Ingest(context.Background(), SourceHTTP, domain.Reading{DeviceID: id, GForce: ptr(g)})
		require.NoError(t, err)
	}
}

// --- tests ---

func TestService_IngestThenDevicesRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ts := "2024-06-01T08:00:00"

	stored, err := f.svc.IngestFields(context.Background(), SourceHTTP, domain.Fields{
		"device_id":        "dev-1",
		"x_axis":           "0.1",
		"g_force":          "1.02",
		"device_timestamp": ts,
	})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), stored.ServerTimestamp)

	want := domain.Reading{
		DeviceID:        "dev-1",
		XAxis:           ptr(0.1),
		GForce:          ptr(1.02),
		DeviceTimestamp: &ts,
		ServerTimestamp: f.clock.Now(),
	}
	devices := f.svc.Devices(context.Background())
	require.Len(t, devices, 1)
	if diff := cmp.Diff(want, devices["dev-1"]); diff != "" {
		t.Errorf("stored reading mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadingsIngested.WithLabelValues(SourceHTTP)))
}

func TestService_IngestMissingDeviceID(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.IngestFields(context.Background(), SourceMQTT, domain.Fields{"g_force": "2.0"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Ingest(context.Background(), SourceMQTT, domain.Reading{})
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, f.svc.Devices(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IngestRejected.WithLabelValues(SourceMQTT)))
}

func TestService_ConcurrentIngestLosesNothing(t *testing.T) {
	f := newFixture(t, nil)
	const n = 250

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ingest(context.Background(), SourceHTTP, domain.Reading{
				DeviceID: fmt.Sprintf("dev-%03d", i),
				GForce:   ptr(1.0),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.svc.Devices(context.Background()), n)
}

func TestService_DevicesEvictsStaleReadings(t *testing.T) {
	f := newFixture(t, nil)
	shake(t, f.svc, 1.0, "old")
	f.clock.Advance(6 * time.Second)
	shake(t, f.svc, 1.0, "new")
	f.clock.Advance(5 * time.Second)

	devices := f.svc.Devices(context.Background())
	assert.Contains(t, devices, "new")
	assert.NotContains(t, devices, "old")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadingsEvicted))
}

func TestService_DetectQuorum(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	f := newFixture(t, nil, registeredIn("Town", ids...)...)
	shake(t, f.svc, 2.0, ids...)

	v := f.svc.Detect(context.Background())
	assert.True(t, v.Warning)
	assert.Equal(t, "Town", v.Location)
	assert.Equal(t, 5, v.DeviceCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Detections.WithLabelValues("warning")))
}

func TestService_DetectIgnoresExpiredReadings(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	f := newFixture(t, nil, registeredIn("Town", ids...)...)
	shake(t, f.svc, 2.0, ids[:1]...)
	f.clock.Advance(11 * time.Second)
	shake(t, f.svc, 2.0, ids[1:]...)

	v := f.svc.Detect(context.Background())
	assert.False(t, v.Warning)
	assert.Equal(t, detector.NoEarthquakeMessage, v.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Detections.WithLabelValues("clear")))
}

func TestService_DetectSeesNewRegistrationsImmediately(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	f := newFixture(t, nil, registeredIn("Town", ids[:4]...)...)
	shake(t, f.svc, 2.0, ids...)

	assert.False(t, f.svc.Detect(context.Background()).Warning)

	require.NoError(t, f.registry.Upsert(context.Background(), registeredIn("Town", "d5")[0]))
	assert.True(t, f.svc.Detect(context.Background()).Warning)
}

func TestService_DetectRegistryFailureTreatsAllUnknown(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	f := newFixture(t, nil, registeredIn("Town", ids...)...)
	f.registry.listErr = errors.New("disk gone")
	shake(t, f.svc, 2.0, ids...)

	v := f.svc.Detect(context.Background())
	assert.False(t, v.Warning)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RegistryErrors))
}

func TestService_Register(t *testing.T) {
	f := newFixture(t, stubGeocoder{place: "Manila"})

	reg, err := f.svc.Register(context.Background(), domain.Registration{
		DeviceID:  "dev-1",
		AuthSeed:  "s3cret",
		Latitude:  ptr(14.5995),
		Longitude: ptr(120.9842),
	})
	require.NoError(t, err)
	assert.Equal(t, "Manila", reg.Location)
	assert.Equal(t, f.clock.Now(), reg.RegisteredAt)

	list, err := f.svc.DevicesList(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	if diff := cmp.Diff(reg, list[0]); diff != "" {
		t.Errorf("registry mismatch (-want +got):\n%s", diff)
	}
}

func TestService_RegisterGeocoderFailureKeepsCoordinates(t *testing.T) {
	f := newFixture(t, stubGeocoder{err: errors.New("unreachable")})

	reg, err := f.svc.Register(context.Background(), domain.Registration{
		DeviceID:  "dev-1",
		AuthSeed:  "s3cret",
		Latitude:  ptr(14.5995),
		Longitude: ptr(120.9842),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownLocation, reg.Location)
	require.NotNil(t, reg.Latitude)
	assert.Equal(t, 14.5995, *reg.Latitude)
}

func TestService_ReRegisterReplaces(t *testing.T) {
	f := newFixture(t, stubGeocoder{place: "Cebu City"})
	reg := domain.Registration{DeviceID: "dev-1", AuthSeed: "a"}
	_, err := f.svc.Register(context.Background(), reg)
	require.NoError(t, err)

	reg.AuthSeed = "b"
	_, err = f.svc.Register(context.Background(), reg)
	require.NoError(t, err)

	list, err := f.svc.DevicesList(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].AuthSeed)
}

func TestService_RegisterSaveError(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.saveErr = errors.New("read-only")

	_, err := f.svc.Register(context.Background(), domain.Registration{DeviceID: "dev-1", AuthSeed: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev-1")
}
