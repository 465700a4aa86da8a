package entitlement

import "time"

// Metrics defines the interface for tracking accounting operations.
type Metrics interface {
	// RecordConsumption records a consumption attempt.
	// outcome: "granted", "denied", "reverted" or "error".
	RecordConsumption(kind, tier, outcome string)

	// RecordPolicyResolution records the duration of a policy resolution.
	RecordPolicyResolution(kind string, duration time.Duration)

	// RecordReset records a usage reset. cycle: "daily" or "monthly".
	RecordReset(kind, cycle string)

	// RecordStorageOperation records the duration and status of a profile
	// store operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCompensationFailure records a failed debit revert. The user was
	// charged for a failed attempt; operators watch this closely.
	RecordCompensationFailure(kind string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsumption(kind, tier, outcome string)                               {}
func (n *NoopMetrics) RecordPolicyResolution(kind string, duration time.Duration)                 {}
func (n *NoopMetrics) RecordReset(kind, cycle string)                                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCompensationFailure(kind string)                                      {}
