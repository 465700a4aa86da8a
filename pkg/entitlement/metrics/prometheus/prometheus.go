// Package prommetrics provides a Prometheus implementation of the
// entitlement.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	consumptionTotal        *prometheus.CounterVec
	policyResolutionSeconds *prometheus.HistogramVec
	resetsTotal             *prometheus.CounterVec
	storageOpsDuration      *prometheus.HistogramVec
	storageOpsErrors        *prometheus.CounterVec
	compensationFailures    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumption_total",
			Help:      "Total number of consumption attempts by outcome.",
		}, []string{"kind", "tier", "outcome"}),

		policyResolutionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_resolution_duration_seconds",
			Help:      "Latency of quota policy resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_resets_total",
			Help:      "Total number of usage counter resets.",
		}, []string{"kind", "cycle"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of profile store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of failed profile store operations.",
		}, []string{"operation"}),

		compensationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Failed debit reverts; the user was charged for a failed attempt.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordConsumption(kind, tier, outcome string) {
	if tier == "" {
		tier = "free"
	}
	m.consumptionTotal.WithLabelValues(kind, tier, outcome).Inc()
}

func (m *Metrics) RecordPolicyResolution(kind string, duration time.Duration) {
	m.policyResolutionSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordReset(kind, cycle string) {
	m.resetsTotal.WithLabelValues(kind, cycle).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCompensationFailure(kind string) {
	m.compensationFailures.WithLabelValues(kind).Inc()
}
