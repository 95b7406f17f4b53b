package prometheus

import (
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type syncMetrics struct {
	passesTotal   *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	changesTotal  *prometheus.CounterVec
	conflicts     prometheus.Counter
	pendingChange prometheus.Gauge
}

// NewSyncMetrics creates a Prometheus-backed SyncMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewSyncMetrics() metrics.SyncMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopSyncMetrics()
	}
	reg := metrics.GetRegistry()

	return &syncMetrics{
		passesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_sync_passes_total",
				Help: "Total number of sync passes by kind and status",
			},
			[]string{"kind", "status"},
		),
		passDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notevfs_sync_pass_duration_seconds",
				Help:    "Duration of sync passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		changesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_sync_changes_total",
				Help: "Total number of changes pushed or pulled",
			},
			[]string{"direction"},
		),
		conflicts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "notevfs_sync_conflicts_total",
				Help: "Total number of detected sync conflicts",
			},
		),
		pendingChange: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "notevfs_sync_pending_changes",
				Help: "Number of local changes waiting to be pushed",
			},
		),
	}
}

func (m *syncMetrics) RecordPass(kind string, duration time.Duration, err error) {
	m.passesTotal.WithLabelValues(kind, metrics.Outcome(err)).Inc()
	m.passDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *syncMetrics) RecordChanges(direction string, n int) {
	m.changesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *syncMetrics) RecordConflicts(n int) {
	m.conflicts.Add(float64(n))
}

func (m *syncMetrics) SetPending(n int) {
	m.pendingChange.Set(float64(n))
}
