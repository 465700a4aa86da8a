package billing

import (
	"context"
	"time"
)

// AckState mirrors the upstream acknowledgment state of a purchase record.
type AckState int

const (
	// AckStatePending means the purchase has not been acknowledged yet.
	AckStatePending AckState = 0
	// AckStateAcknowledged means the upstream store recorded the acknowledgment.
	AckStateAcknowledged AckState = 1
)

// Receipt is one purchase validation request. Created per request, consumed
// synchronously, never persisted.
type Receipt struct {
	ProductID     string
	PurchaseToken string
	Source        string // client channel tag, e.g. "android"
}

// Validate checks the receipt for completeness.
func (r Receipt) Validate() error {
	if r.ProductID == "" {
		return ErrMissingProductID
	}
	if r.PurchaseToken == "" {
		return ErrMissingPurchaseToken
	}
	return nil
}

// PurchaseRecord is the upstream subscription purchase record, reduced to the
// fields this service reads.
type PurchaseRecord struct {
	ExpiresAt    time.Time
	StartAt      *time.Time // cycle start when the store reports one
	AckState     AckState
	AutoRenewing bool
	PaymentState int
}

// ValidationResult is the outcome of one receipt validation.
type ValidationResult struct {
	Valid  bool
	Record *PurchaseRecord

	// Failure carries the classification when Valid is false. A purchase past
	// expiry plus grace yields Valid=false with the record still attached.
	Failure *ValidationError
}

// AckResult reports how an acknowledgment attempt ended.
type AckResult struct {
	// Acknowledged is true when the record needed no acknowledgment or the
	// acknowledge call returned success.
	Acknowledged bool

	// Verified is true when a post-hoc read confirmed the upstream state
	// actually flipped. False with Acknowledged=true means the primary call
	// succeeded but verification was inconclusive.
	Verified bool

	// AlreadyAcked is true when the record was acknowledged before this
	// request; no acknowledge call was made.
	AlreadyAcked bool

	Attempts int
}

// Provider is the contract a store-specific backend must implement. It keeps
// the reconciler independent of the upstream billing protocol.
type Provider interface {
	// Name returns the provider name (e.g. "playstore").
	Name() string

	// ValidatePurchase fetches and validates the purchase record for a
	// receipt. Infrastructure failures come back as a *ValidationError so the
	// caller can tell them apart from an invalid purchase.
	ValidatePurchase(ctx context.Context, receipt Receipt) (*ValidationResult, error)

	// Acknowledge confirms the purchase with the upstream store. Safe to call
	// on already-acknowledged records; it becomes a no-op.
	Acknowledge(ctx context.Context, receipt Receipt, record *PurchaseRecord) (*AckResult, error)
}
