package api

import (
	"encoding/json"
)

// ErrorBody is the machine-readable error envelope carried on every failure
// response. Clients decide whether to retry from Kind and Retryable, never
// from the message text.
type ErrorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// ErrorResponse wraps ErrorBody for the wire.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ConsumeRequest is the consume-unit request body. Payload is passed through
// opaquely to the image provider.
type ConsumeRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// UsageInfo reports a usage standing after an operation. Limit is -1 for
// uncapped tiers.
type UsageInfo struct {
	Limit          int    `json:"limit"`
	UsedThisPeriod int    `json:"used_this_period"`
	ResetsAtUTC    string `json:"resets_at_utc_iso"`
}

// ConsumeResponse is the consume-unit success body: the provider result plus
// the post-debit usage standing.
type ConsumeResponse struct {
	Result json.RawMessage `json:"result"`
	Usage  UsageInfo       `json:"usage"`
}

// LimitDetails mirrors the limit metadata clients render on a 429.
type LimitDetails struct {
	CurrentLimit       int    `json:"current_limit"`
	UsedThisPeriod     int    `json:"used_this_period"`
	ActiveSubscription string `json:"active_subscription,omitempty"`
}

// DeniedResponse is the 429 body for an exhausted quota.
type DeniedResponse struct {
	Error        ErrorBody    `json:"error"`
	ResetsAtUTC  string       `json:"resets_at_utc_iso"`
	TimezoneUsed string       `json:"timezone_used"`
	LimitDetails LimitDetails `json:"limit_details"`
}

// ValidatePurchaseRequest is the validate-purchase request body.
type ValidatePurchaseRequest struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	Source        string `json:"source"`
}

// ValidatePurchaseResponse is the validate-purchase success body. On the
// partial-success path ManualReviewRequired is true and the status code is
// 202 instead of 200.
type ValidatePurchaseResponse struct {
	Tier                 string `json:"tier,omitempty"`
	Active               bool   `json:"active"`
	ExpiresAt            string `json:"expires_at"`
	ManualReviewRequired bool   `json:"manual_review_required,omitempty"`
	Message              string `json:"message,omitempty"`
}

// UsageStatusResponse is the usage-status body for one resource kind.
type UsageStatusResponse struct {
	Limit                  int    `json:"limit"`
	UsedThisPeriod         int    `json:"used_this_period"`
	Remaining              int    `json:"remaining"`
	ResetsAtUTC            string `json:"resets_at_utc_iso"`
	ActiveSubscriptionType string `json:"active_subscription_type,omitempty"`
}
