// Package directory resolves device ids to location labels from the
// device registry.
package directory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
)

// Registry persists device registrations.
type Registry interface {
	List(ctx context.Context) ([]domain.Registration, error)
	Upsert(ctx context.Context, reg domain.Registration) error
}

// Locations is an immutable id→location table built from one registry load.
type Locations map[string]string

// Resolve returns the device's location, or UnknownLocation when the device
// is unregistered or its location is blank.
func (l Locations) Resolve(deviceID string) string {
	loc := strings.TrimSpace(l[deviceID])
	if loc == "" {
		return domain.UnknownLocation
	}
	return loc
}

// Directory reads the registry on demand. It deliberately keeps no cache:
// every Load reflects the registry as it is now.
type Directory struct {
	registry Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Directory over the given registry.
func New(registry Registry, logger *slog.Logger, metrics *observability.Metrics) *Directory {
	return &Directory{registry: registry, logger: logger, metrics: metrics}
}

// Load performs a full registry reload. A failed reload yields an empty
// table, so every device resolves to UnknownLocation for this cycle.
func (d *Directory) Load(ctx context.Context) Locations {
	regs, err := d.registry.List(ctx)
	if err != nil {
		d.logger.Warn("registry reload failed, treating all devices as unknown", "error", err)
		d.metrics.RegistryErrors.Inc()
		return Locations{}
	}

	locs := make(Locations, len(regs))
	for _, r := range regs {
		locs[r.DeviceID] = r.Location
	}
	return locs
}

// List returns every registration.
func (d *Directory) List(ctx context.Context) ([]domain.Registration, error) {
	return d.registry.List(ctx)
}

// Save inserts or replaces a registration.
func (d *Directory) Save(ctx context.Context, reg domain.Registration) error {
	return d.registry.Upsert(ctx, reg)
}
