package monitoring

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the signaling core. A nil
// *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsFailed      prometheus.Counter
	negotiationFailures prometheus.Counter
	negotiationSeconds  prometheus.Histogram
	connectedHosts      prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "camera_backend",
			Name:      "active_sessions",
			Help:      "Number of live preview sessions.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "camera_backend",
			Name:      "sessions_created_total",
			Help:      "Preview sessions created since start.",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "camera_backend",
			Name:      "sessions_failed_total",
			Help:      "Sessions that reached the failed state.",
		}),
		negotiationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "camera_backend",
			Name:      "negotiation_failures_total",
			Help:      "Offers the media bridge could not answer.",
		}),
		negotiationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "camera_backend",
			Name:      "negotiation_duration_seconds",
			Help:      "Time from offer submission to SDP answer.",
			Buckets:   prometheus.DefBuckets,
		}),
		connectedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "camera_backend",
			Name:      "connected_hosts",
			Help:      "Capture hosts currently connected.",
		}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsFailed,
		m.negotiationFailures,
		m.negotiationSeconds,
		m.connectedHosts,
	)

	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.sessionsFailed.Inc()
}

func (m *Metrics) NegotiationFailed() {
	if m == nil {
		return
	}
	m.negotiationFailures.Inc()
}

func (m *Metrics) NegotiationCompleted(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.negotiationSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) HostConnected() {
	if m == nil {
		return
	}
	m.connectedHosts.Inc()
}

func (m *Metrics) HostDisconnected() {
	if m == nil {
		return
	}
	m.connectedHosts.Dec()
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
