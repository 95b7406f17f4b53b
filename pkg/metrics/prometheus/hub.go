package prometheus

import (
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type hubMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	connections     prometheus.Gauge
}

// NewHubMetrics creates a Prometheus-backed HubMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewHubMetrics() metrics.HubMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopHubMetrics()
	}
	reg := metrics.GetRegistry()

	return &hubMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_hub_requests_total",
				Help: "Total number of hub requests by method, transport and status",
			},
			[]string{"method", "transport", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notevfs_hub_request_duration_seconds",
				Help:    "Duration of hub requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "transport"},
		),
		rateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_hub_rate_limited_total",
				Help: "Total number of requests rejected by the per-device rate limiter",
			},
			[]string{"device"},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "notevfs_hub_websocket_connections",
				Help: "Current number of websocket connections",
			},
		),
	}
}

func (m *hubMetrics) RecordRequest(method, transport string, duration time.Duration, err error) {
	m.requestsTotal.WithLabelValues(method, transport, metrics.Outcome(err)).Inc()
	m.requestDuration.WithLabelValues(method, transport).Observe(duration.Seconds())
}

func (m *hubMetrics) RecordRateLimited(device string) {
	m.rateLimited.WithLabelValues(device).Inc()
}

func (m *hubMetrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}
