// Package metrics содержит Prometheus-метрики сервиса загрузки.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты слияния для метки result.
const (
	MergeOK           = "ok"
	MergeVerifyFailed = "verify_failed"
	MergeIOFailed     = "io_failed"
	MergeRejected     = "rejected"
)

// Metrics собирает метрики сервиса. На nil-указателе все методы ничего не делают.
type Metrics struct {
	ChunksReceived  *prometheus.CounterVec // chunkd_chunks_received_total{result}
	BytesReceived   prometheus.Counter     // chunkd_bytes_received_total
	Merges          *prometheus.CounterVec // chunkd_merges_total{result}
	MergeDuration   prometheus.Histogram   // chunkd_merge_duration_seconds
	ActiveMerges    prometheus.Gauge       // chunkd_active_merges
	SessionsPurged  prometheus.Counter     // chunkd_sessions_purged_total
	OrphanChunksGCd prometheus.Counter     // chunkd_orphan_chunks_deleted_total
}

// New регистрирует метрики в registry; nil означает prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ChunksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkd_chunks_received_total",
			Help: "Chunks received by result",
		}, []string{"result"}),

		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkd_bytes_received_total",
			Help: "Total bytes stored as chunks",
		}),

		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkd_merges_total",
			Help: "Finalize attempts by result",
		}, []string{"result"}),

		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkd_merge_duration_seconds",
			Help:    "Time spent concatenating and verifying an artifact",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		ActiveMerges: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkd_active_merges",
			Help: "Merges currently running",
		}),

		SessionsPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkd_sessions_purged_total",
			Help: "Idle sessions removed by the sweeper",
		}),

		OrphanChunksGCd: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkd_orphan_chunks_deleted_total",
			Help: "Chunks without a session removed by the sweeper",
		}),
	}
}

// RecordChunk учитывает принятый (или отклонённый) чанк.
func (m *Metrics) RecordChunk(result string, size int64) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(result).Inc()
	if size > 0 {
		m.BytesReceived.Add(float64(size))
	}
}

// MergeStarted увеличивает gauge и возвращает функцию завершения.
func (m *Metrics) MergeStarted() func(result string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveMerges.Inc()
	return func(result string) {
		m.ActiveMerges.Dec()
		m.MergeDuration.Observe(time.Since(start).Seconds())
		m.Merges.WithLabelValues(result).Inc()
	}
}

// RecordMergeRejected учитывает finalize, отклонённый до начала слияния.
func (m *Metrics) RecordMergeRejected() {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(MergeRejected).Inc()
}

func (m *Metrics) RecordPurged(sessions, orphans int) {
	if m == nil {
		return
	}
	m.SessionsPurged.Add(float64(sessions))
	m.OrphanChunksGCd.Add(float64(orphans))
}
