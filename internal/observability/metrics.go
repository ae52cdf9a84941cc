package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the warning service.
type Metrics struct {
	ReadingsIngested *prometheus.CounterVec // labels: source={http,mqtt}
	IngestRejected   *prometheus.CounterVec // labels: source={http,mqtt}
	ReadingsEvicted  prometheus.Counter
	LiveDevices      prometheus.Gauge

	// Detection metrics.
	Detections        *prometheus.CounterVec // labels: outcome={warning,clear}
	DetectionDuration prometheus.Histogram
	RegistryErrors    prometheus.Counter

	// Alert fan-out metrics.
	AlertsPublished    *prometheus.CounterVec // labels: state={raised,cleared}
	AlertPublishErrors prometheus.Counter
	MonitorRunning     prometheus.Gauge
	StreamClients      prometheus.Gauge

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: provider, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: provider
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ReadingsIngested,
		m.IngestRejected,
		m.ReadingsEvicted,
		m.LiveDevices,
		m.Detections,
		m.DetectionDuration,
		m.RegistryErrors,
		m.AlertsPublished,
		m.AlertPublishErrors,
		m.MonitorRunning,
		m.StreamClients,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "readings_ingested_total",
			Help:      "Readings accepted into the store, by ingest source.",
		}, []string{"source"}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "ingest_rejected_total",
			Help:      "Readings rejected for missing or malformed fields, by ingest source.",
		}, []string{"source"}),
		ReadingsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "readings_evicted_total",
			Help:      "Readings removed after exceeding the freshness window.",
		}),
		LiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eews",
			Name:      "live_devices",
			Help:      "Devices with a reading inside the freshness window.",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "detections_total",
			Help:      "Detection passes by outcome.",
		}, []string{"outcome"}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eews",
			Name:      "detection_duration_seconds",
			Help:      "Duration of a detection pass including the registry reload.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		RegistryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "registry_errors_total",
			Help:      "Registry reload failures during detection.",
		}),
		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "alerts_published_total",
			Help:      "Warning transitions published, by state.",
		}, []string{"state"}),
		AlertPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "alert_publish_errors_total",
			Help:      "Failed attempts to publish a warning transition.",
		}),
		MonitorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eews",
			Name:      "monitor_running",
			Help:      "1 when the warning monitor is active, 0 when shut down.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eews",
			Name:      "stream_clients",
			Help:      "Connected websocket dashboard clients.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eews",
			Name:      "geocode_cache_total",
			Help:      "Reverse geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eews",
			Name:      "geocode_api_duration_seconds",
			Help:      "Reverse geocoding API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
	}
}
