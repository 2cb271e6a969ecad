// Package metrics provides Prometheus metrics for the uploads service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UploadMetrics holds the service's Prometheus instruments. A nil
// *UploadMetrics is valid and records nothing, so tests can run without
// a registry.
type UploadMetrics struct {
	registry *prometheus.Registry

	UploadsInitiated prometheus.Counter
	UploadsCompleted prometheus.Counter
	UploadsFailed    prometheus.Counter
	ChunksCompleted  prometheus.Counter
	WriteConflicts   prometheus.Counter
}

// InitMetrics builds a fresh registry with process collectors and the
// upload counters.
func InitMetrics(service string) *UploadMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"service": service}

	return &UploadMetrics{
		registry: registry,
		UploadsInitiated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "uploads_initiated_total",
			Help:        "Total upload sessions initiated",
			ConstLabels: constLabels,
		}),
		UploadsCompleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "uploads_completed_total",
			Help:        "Total uploads finalized successfully",
			ConstLabels: constLabels,
		}),
		UploadsFailed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "uploads_failed_total",
			Help:        "Total uploads that ended in the failed state",
			ConstLabels: constLabels,
		}),
		ChunksCompleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "upload_chunks_completed_total",
			Help:        "Total chunk completions recorded",
			ConstLabels: constLabels,
		}),
		WriteConflicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name:        "upload_write_conflicts_total",
			Help:        "Total conditional-write conflicts on the upload record",
			ConstLabels: constLabels,
		}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *UploadMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *UploadMetrics) IncInitiated() {
	if m != nil {
		m.UploadsInitiated.Inc()
	}
}

func (m *UploadMetrics) IncCompleted() {
	if m != nil {
		m.UploadsCompleted.Inc()
	}
}

func (m *UploadMetrics) IncFailed() {
	if m != nil {
		m.UploadsFailed.Inc()
	}
}

func (m *UploadMetrics) IncChunkCompleted() {
	if m != nil {
		m.ChunksCompleted.Inc()
	}
}

func (m *UploadMetrics) IncWriteConflict() {
	if m != nil {
		m.WriteConflicts.Inc()
	}
}
