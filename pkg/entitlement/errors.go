package entitlement

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrProfileNotFound is returned when no profile row exists for a user.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrLimitReached is returned when a consumption would exceed the active limit.
	ErrLimitReached = errors.New("usage limit reached")

	// ErrInvalidKind is returned for an unknown resource kind.
	ErrInvalidKind = errors.New("invalid resource kind")

	// ErrStorageUnavailable is returned when the profile store is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// StoreErrorClass buckets profile-store failures for retry decisions.
type StoreErrorClass string

const (
	// StoreErrorRetryable covers timeout and connection-class failures.
	StoreErrorRetryable StoreErrorClass = "retryable"
	// StoreErrorConstraint covers constraint violations; retrying cannot help.
	StoreErrorConstraint StoreErrorClass = "constraint"
	// StoreErrorUnknown is the conservative default; treated as retryable
	// with moderate backoff.
	StoreErrorUnknown StoreErrorClass = "unknown"
)

// Retryable reports whether a failure of this class is worth retrying.
func (c StoreErrorClass) Retryable() bool {
	return c != StoreErrorConstraint
}

// ClassifyStoreError buckets a profile-store error by signature. The store is
// a black box here, so classification is by message, as a last resort after
// the typed checks.
func ClassifyStoreError(err error) StoreErrorClass {
	if err == nil {
		return StoreErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StoreErrorRetryable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "reset by peer"):
		return StoreErrorRetryable
	case strings.Contains(msg, "constraint"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "violates"):
		return StoreErrorConstraint
	default:
		return StoreErrorUnknown
	}
}
