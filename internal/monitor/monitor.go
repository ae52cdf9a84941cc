// Package monitor runs detection on a fixed cadence and fans warning
// transitions out to alert subscribers and live dashboards.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	"github.com/jonboulle/clockwork"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second

	// maxPending bounds the alerts kept while the publisher is failing.
	maxPending = 100
)

// Detector produces the current verdict.
type Detector interface {
	Detect(ctx context.Context) domain.Verdict
}

// AlertPublisher delivers warning transitions to downstream consumers.
type AlertPublisher interface {
	Publish(ctx context.Context, alert domain.Alert) error
}

// Broadcaster pushes verdict changes to connected dashboards.
type Broadcaster interface {
	Broadcast(v domain.Verdict)
}

// Monitor polls the detector and reacts to warning state changes.
type Monitor struct {
	detector    Detector
	publisher   AlertPublisher
	broadcaster Broadcaster
	clock       clockwork.Clock
	interval    time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	ready       atomic.Bool

	mu          sync.Mutex
	last        domain.Verdict
	hasLast     bool
	pending     []domain.Alert
	flushing    bool
	backoff     time.Duration
	nextAttempt time.Time
}

// New creates a Monitor. publisher and broadcaster may be nil.
func New(
	detector Detector,
	publisher AlertPublisher,
	broadcaster Broadcaster,
	clock clockwork.Clock,
	interval time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Monitor {
	return &Monitor{
		detector:    detector,
		publisher:   publisher,
		broadcaster: broadcaster,
		clock:       domain.ClockOrReal(clock),
		interval:    interval,
		logger:      logger,
		metrics:     metrics,
		backoff:     initialBackoff,
	}
}

// CheckReadiness returns nil once the monitor has completed a detection
// cycle.
func (m *Monitor) CheckReadiness(_ context.Context) error {
	if !m.ready.Load() {
		return errors.New("monitor has not completed a detection cycle yet")
	}
	return nil
}

// Run checks the detector every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval)
	m.metrics.MonitorRunning.Set(1)
	defer m.metrics.MonitorRunning.Set(0)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}

// Check runs one detection cycle: it records any state transition, then
// attempts to flush queued alerts unless a backoff is in effect. Broadcasts
// and publishes happen outside the state lock.
func (m *Monitor) Check(ctx context.Context) {
	verdict := m.detector.Detect(ctx)
	m.ready.Store(true)

	m.mu.Lock()
	changed := m.transition(verdict)
	m.mu.Unlock()

	if changed && m.broadcaster != nil {
		m.broadcaster.Broadcast(verdict)
	}
	m.flush(ctx)
}

// transition compares verdict with the previous one and queues alerts for
// any change. The initial state is treated as clear.
func (m *Monitor) transition(verdict domain.Verdict) bool {
	prev, hadPrev := m.last, m.hasLast
	m.last, m.hasLast = verdict, true

	if hadPrev && prev.SameAs(verdict) {
		return false
	}
	if !hadPrev && !verdict.Warning {
		return true
	}

	now := m.clock.Now().UTC()
	if hadPrev && prev.Warning {
		m.enqueue(domain.Alert{State: domain.AlertCleared, Verdict: verdict, Location: prev.Location, RaisedAt: now})
		m.logger.Info("earthquake warning cleared", "location", prev.Location)
	}
	if verdict.Warning {
		m.enqueue(domain.Alert{State: domain.AlertRaised, Verdict: verdict, Location: verdict.Location, RaisedAt: now})
		m.logger.Warn("earthquake warning raised",
			"location", verdict.Location,
			"device_count", verdict.DeviceCount,
		)
	}
	return true
}

func (m *Monitor) enqueue(a domain.Alert) {
	if m.publisher == nil {
		return
	}
	if len(m.pending) >= maxPending {
		m.logger.Error("alert queue full, dropping oldest alert",
			"state", m.pending[0].State,
			"location", m.pending[0].Location,
		)
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, a)
}

// flush publishes queued alerts in order. On failure the undelivered alerts
// go back to the front of the queue and the next attempt is delayed with
// exponential backoff. Only one flush runs at a time.
func (m *Monitor) flush(ctx context.Context) {
	m.mu.Lock()
	if m.flushing || len(m.pending) == 0 || m.clock.Now().Before(m.nextAttempt) {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = nil
	m.flushing = true
	m.mu.Unlock()

	delivered := 0
	var pubErr error
	for _, a := range batch {
		if pubErr = m.publisher.Publish(ctx, a); pubErr != nil {
			break
		}
		m.metrics.AlertsPublished.WithLabelValues(a.State).Inc()
		delivered++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushing = false

	if pubErr == nil {
		m.backoff = initialBackoff
		m.nextAttempt = time.Time{}
		return
	}

	failed := batch[delivered]
	m.metrics.AlertPublishErrors.Inc()
	m.logger.Error("publish alert failed",
		"error", pubErr,
		"state", failed.State,
		"location", failed.Location,
		"retry_in", m.backoff,
	)
	m.nextAttempt = m.clock.Now().Add(m.backoff)
	m.backoff = nextBackoff(m.backoff)

	requeued := append(append([]domain.Alert(nil), batch[delivered:]...), m.pending...)
	if over := len(requeued) - maxPending; over > 0 {
		m.logger.Error("alert queue full, dropping oldest alerts", "dropped", over)
		requeued = requeued[over:]
	}
	m.pending = requeued
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
