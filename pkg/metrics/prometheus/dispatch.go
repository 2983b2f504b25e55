// Package prometheus provides the Prometheus-backed implementation of the
// dispatcher metrics interface.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchMetrics implements dispatch.Metrics on a Prometheus registry.
type DispatchMetrics struct {
	enqueued    *prometheus.CounterVec
	dequeued    *prometheus.CounterVec
	queueWait   *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	outstanding prometheus.Gauge
	authRejects *prometheus.CounterVec
	decodeErrs  prometheus.Counter
	transports  *prometheus.GaugeVec
}

// NewDispatchMetrics registers the dispatcher metric family with reg. A
// nil registerer uses the default registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &DispatchMetrics{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "requests_enqueued_total",
			Help:      "Requests enqueued, by queue class.",
		}, []string{"class"}),
		dequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "requests_dequeued_total",
			Help:      "Requests dequeued by workers, by queue class.",
		}, []string{"class"}),
		queueWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "queue_wait_seconds",
			Help:      "Time requests spend queued before a worker picks them up.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"class"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Approximate per-class queue depth.",
		}, []string{"class"}),
		outstanding: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "outstanding_requests",
			Help:      "Cached estimate of queued requests across all classes.",
		}),
		authRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "auth_rejects_total",
			Help:      "Authentication rejections, by auth-stat.",
		}, []string{"stat"}),
		decodeErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "decode_errors_total",
			Help:      "Argument decode and checksum failures.",
		}),
		transports: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nfsgate",
			Subsystem: "dispatch",
			Name:      "transports",
			Help:      "Live transports, by kind.",
		}, []string{"kind"}),
	}
}

func (m *DispatchMetrics) RecordEnqueue(class string) {
	m.enqueued.WithLabelValues(class).Inc()
}

func (m *DispatchMetrics) RecordDequeue(class string, wait time.Duration) {
	m.dequeued.WithLabelValues(class).Inc()
	m.queueWait.WithLabelValues(class).Observe(wait.Seconds())
}

func (m *DispatchMetrics) SetQueueDepth(class string, depth int) {
	m.queueDepth.WithLabelValues(class).Set(float64(depth))
}

func (m *DispatchMetrics) SetOutstandingRequests(n uint32) {
	m.outstanding.Set(float64(n))
}

func (m *DispatchMetrics) RecordAuthReject(stat string) {
	m.authRejects.WithLabelValues(stat).Inc()
}

func (m *DispatchMetrics) RecordDecodeError() {
	m.decodeErrs.Inc()
}

func (m *DispatchMetrics) RecordTransportOpen(kind string) {
	m.transports.WithLabelValues(kind).Inc()
}

func (m *DispatchMetrics) RecordTransportClose(kind string) {
	m.transports.WithLabelValues(kind).Dec()
}
