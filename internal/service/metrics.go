package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	PendingApprovals prometheus.Gauge
	ExecutionsTotal  *prometheus.CounterVec
	AuditDropsTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "requests_total",
				Help:      "Total number of tool requests processed",
			},
			[]string{"tool", "decision"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatekeeper",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"tool"},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatekeeper",
				Name:      "pending_approvals",
				Help:      "Number of approvals awaiting a human decision",
			},
		),
		ExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "executions_total",
				Help:      "Total tool executions by outcome",
			},
			[]string{"tool", "outcome"}, // outcome=success/failure
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to write failures",
			},
		),
	}
}
