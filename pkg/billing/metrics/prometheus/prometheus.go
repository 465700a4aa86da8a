// Package billingprom provides a Prometheus implementation of the
// billing.Metrics interface.
package billingprom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	validationsTotal  *prometheus.CounterVec
	validationSeconds *prometheus.HistogramVec
	acknowledgments   *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
	tierChanges       *prometheus.CounterVec
	apiCallsTotal     *prometheus.CounterVec
	apiCallSeconds    *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_validations_total",
			Help:      "Total number of receipt validations by outcome.",
		}, []string{"provider", "status"}),

		validationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "purchase_validation_duration_seconds",
			Help:      "End to end latency of receipt validation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		acknowledgments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_acknowledgments_total",
			Help:      "Total number of acknowledgment outcomes by attempt count.",
		}, []string{"provider", "status", "attempts"}),

		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_reconciliations_total",
			Help:      "Total number of entitlement reconciliations by outcome.",
		}, []string{"provider", "status"}),

		tierChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of tier transitions applied by reconciliation.",
		}, []string{"provider", "from_tier", "to_tier"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_api_calls_total",
			Help:      "Total number of upstream billing API calls.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_api_call_duration_seconds",
			Help:      "Latency of upstream billing API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordValidation(provider, status string) {
	m.validationsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordValidationDuration(provider string, duration time.Duration) {
	m.validationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordAcknowledgment(provider, status string, attempts int) {
	m.acknowledgments.WithLabelValues(provider, status, strconv.Itoa(attempts)).Inc()
}

func (m *Metrics) RecordReconciliation(provider, status string) {
	m.reconciliations.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	if fromTier == "" {
		fromTier = "free"
	}
	if toTier == "" {
		toTier = "free"
	}
	m.tierChanges.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallSeconds.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
