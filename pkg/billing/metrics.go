package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - callers should pass NoopMetrics when unused.
type Metrics interface {
	// RecordValidation records a receipt validation.
	// status: "valid", "invalid", "expired" or "error".
	RecordValidation(provider, status string)

	// RecordValidationDuration records how long a validation took end to end.
	RecordValidationDuration(provider string, duration time.Duration)

	// RecordAcknowledgment records an acknowledgment outcome.
	// status: "acknowledged", "already_acked", "unverified" or "failed".
	RecordAcknowledgment(provider, status string, attempts int)

	// RecordReconciliation records an entitlement reconciliation outcome.
	// status: "success", "partial" or "error".
	RecordReconciliation(provider, status string)

	// RecordTierChange records when a reconciliation changes a user's tier.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an upstream API call.
	// endpoint: "token", "get" or "acknowledge"; status: HTTP status as string.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an upstream API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordValidation(_, _ string)                          {}
func (n *NoopMetrics) RecordValidationDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordAcknowledgment(_, _ string, _ int)               {}
func (n *NoopMetrics) RecordReconciliation(_, _ string)                      {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                          {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)    {}
