// Package sweeper evicts stale readings on a fixed schedule.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/couchcryptid/eews-aggregator/internal/store"
	"github.com/jonboulle/clockwork"
)

// Evictor is the subset of the reading store the sweeper needs.
type Evictor interface {
	Snapshot() map[string]domain.Reading
	Evict(deviceID string, receivedAt time.Time) bool
	Len() int
}

// Sweeper periodically removes readings older than ttl. It runs on its own
// ticker, independent of ingest volume.
type Sweeper struct {
	store    Evictor
	clock    clockwork.Clock
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Sweeper. A nil clock uses real time.
func New(store Evictor, clock clockwork.Clock, interval, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		clock:    domain.ClockOrReal(clock),
		interval: interval,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "ttl", s.ttl)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep performs one eviction pass and returns the number of evicted
// readings. Readings refreshed between the snapshot and their eviction are
// kept.
func (s *Sweeper) Sweep() int {
	now := s.clock.Now()
	var evicted []string
	for id, r := range s.store.Snapshot() {
		if store.Expired(r, now, s.ttl) && s.store.Evict(id, r.ServerTimestamp) {
			evicted = append(evicted, id)
		}
	}
	if n := len(evicted); n > 0 {
		s.metrics.ReadingsEvicted.Add(float64(n))
		s.logger.Debug("evicted stale readings", "count", n, "device_ids", evicted)
	}
	s.metrics.LiveDevices.Set(float64(s.store.Len()))
	return len(evicted)
}
