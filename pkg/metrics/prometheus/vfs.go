// Package prometheus holds the Prometheus implementations of the pkg/metrics
// interfaces.
package prometheus

import (
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type vfsMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	eventsTotal       *prometheus.CounterVec
	bytesWritten      prometheus.Counter
}

// NewVFSMetrics creates a Prometheus-backed VFSMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewVFSMetrics() metrics.VFSMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopVFSMetrics()
	}
	reg := metrics.GetRegistry()

	return &vfsMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_vfs_operations_total",
				Help: "Total number of VFS operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "notevfs_vfs_operation_duration_milliseconds",
				Help: "Duration of VFS operations in milliseconds",
				Buckets: []float64{
					0.1, // 100us
					1,   // 1ms
					10,  // 10ms
					100, // 100ms
					1000,
				},
			},
			[]string{"operation"},
		),
		eventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "notevfs_events_published_total",
				Help: "Total number of events published on the VFS bus",
			},
			[]string{"type"},
		),
		bytesWritten: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "notevfs_content_bytes_written_total",
				Help: "Total content bytes persisted",
			},
		),
	}
}

func (m *vfsMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(operation, metrics.Outcome(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *vfsMetrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *vfsMetrics) RecordBytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}
