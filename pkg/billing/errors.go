package billing

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingProductID is returned when a receipt carries no product id.
	ErrMissingProductID = errors.New("product id is required")

	// ErrMissingPurchaseToken is returned when a receipt carries no purchase token.
	ErrMissingPurchaseToken = errors.New("purchase token is required")

	// ErrUpstreamAuth is returned when the service account cannot authenticate
	// with the upstream store.
	ErrUpstreamAuth = errors.New("failed to authenticate with upstream store")
)

// ErrorKind is the machine-readable classification attached to every
// externally visible billing failure. Callers decide whether to retry from
// the kind and the Retryable flag, never from free-text messages.
type ErrorKind string

const (
	// KindInvalidInput covers malformed or incomplete receipts.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindUpstreamAuth covers OAuth token exchange failures.
	KindUpstreamAuth ErrorKind = "upstream_auth"
	// KindInvalidPurchase covers purchases the upstream store rejects outright.
	KindInvalidPurchase ErrorKind = "invalid_purchase"
	// KindExpiredPurchase covers purchases past expiry plus grace.
	KindExpiredPurchase ErrorKind = "expired_purchase"
	// KindUpstreamUnavailable covers retryable upstream failures.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// KindRateLimited covers upstream 429s.
	KindRateLimited ErrorKind = "rate_limited"
	// KindPersistence covers profile persistence failures.
	KindPersistence ErrorKind = "persistence"
)

// Classification pairs an error kind with retry guidance.
type Classification struct {
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration // suggested delay, zero when not applicable
}

// ClassifyUpstreamStatus buckets a non-2xx status from the upstream billing
// API. 401/403 usually mean a stale access token, so they are retryable with
// moderate backoff; timeout-class and 5xx are retryable; 429 is retryable
// with a long backoff; anything else is a genuinely invalid purchase.
func ClassifyUpstreamStatus(code int) Classification {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Classification{Kind: KindUpstreamAuth, Retryable: true, RetryAfter: 5 * time.Second}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Classification{Kind: KindUpstreamUnavailable, Retryable: true, RetryAfter: 2 * time.Second}
	case code == http.StatusTooManyRequests:
		return Classification{Kind: KindRateLimited, Retryable: true, RetryAfter: 30 * time.Second}
	case code >= 500:
		return Classification{Kind: KindUpstreamUnavailable, Retryable: true, RetryAfter: 5 * time.Second}
	default:
		return Classification{Kind: KindInvalidPurchase, Retryable: false}
	}
}

// ValidationError is a classified validation failure. It lets callers
// distinguish retryable infrastructure failure from a genuinely invalid
// purchase without parsing messages.
type ValidationError struct {
	Classification Classification
	StatusCode     int // upstream HTTP status, 0 for transport errors
	Detail         string
}

func (e *ValidationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("purchase validation failed: %s (status %d)", e.Classification.Kind, e.StatusCode)
	}
	return fmt.Sprintf("purchase validation failed: %s: %s", e.Classification.Kind, e.Detail)
}

// Retryable reports whether the caller should retry the validation.
func (e *ValidationError) Retryable() bool {
	return e.Classification.Retryable
}
