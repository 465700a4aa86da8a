package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/visionspark/backend/pkg/billing/internal"
	"github.com/visionspark/backend/pkg/entitlement"
)

const (
	persistMaxAttempts = 5
	persistBackoffBase = time.Second
	persistBackoffCap  = 10 * time.Second
)

// OutcomeStatus distinguishes a fully applied purchase from one whose account
// update needs manual follow-up.
type OutcomeStatus string

const (
	// OutcomeActivated means the purchase was validated, acknowledged and the
	// profile updated.
	OutcomeActivated OutcomeStatus = "activated"
	// OutcomePartial means the purchase was validated and acknowledged but
	// the profile update exhausted retries; a failure record was written.
	OutcomePartial OutcomeStatus = "partial"
)

// Outcome is the result of processing one purchase receipt.
type Outcome struct {
	Status    OutcomeStatus
	Tier      string // empty for validated-but-unmapped products
	Active    bool
	ExpiresAt time.Time
	Ack       *AckResult

	// ManualReviewRequired is set on the partial path; the client message is
	// "your purchase succeeded, activation may take up to 24h".
	ManualReviewRequired bool
}

// OperatorEvent is a structured notification for the operator channel.
type OperatorEvent struct {
	Severity string // "warning" or "critical"
	Title    string
	Body     string
	UserID   string
	Fields   map[string]string
}

// OperatorNotifier delivers operator events. Best-effort, fire-and-forget;
// implementations swallow and log their own errors.
type OperatorNotifier interface {
	Notify(ctx context.Context, event OperatorEvent)
}

// Reconciler turns a validated purchase into persisted subscription state:
// validate, acknowledge, map the product to a tier, and write the profile
// with bounded retries. When persistence permanently fails after a real
// purchase, the purchase is preserved in a durable failure record instead of
// being lost.
type Reconciler struct {
	provider Provider
	store    entitlement.ProfileStore
	failures entitlement.FailureSink
	notifier OperatorNotifier

	tierMapping map[string]string
	logger      entitlement.Logger
	metrics     Metrics
	now         func() time.Time
}

// NewReconciler wires a reconciler. failures and notifier may be nil, which
// degrades the partial-success path to logging only.
func NewReconciler(provider Provider, store entitlement.ProfileStore, failures entitlement.FailureSink, notifier OperatorNotifier, cfg Config) (*Reconciler, error) {
	if provider == nil || store == nil {
		return nil, ErrProviderNotConfigured
	}
	return &Reconciler{
		provider:    provider,
		store:       store,
		failures:    failures,
		notifier:    notifier,
		tierMapping: cfg.TierMapping,
		logger:      cfg.logger(),
		metrics:     cfg.metrics(),
		now:         time.Now,
	}, nil
}

// Process runs the full validate-purchase flow for one receipt. A nil error
// with OutcomePartial is a successful-but-incomplete result, not a failure;
// validation errors come back as *ValidationError.
func (r *Reconciler) Process(ctx context.Context, userID string, receipt Receipt) (*Outcome, error) {
	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	profile, err := r.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := r.provider.ValidatePurchase(ctx, receipt)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		r.metrics.RecordReconciliation(r.provider.Name(), "error")
		return nil, result.Failure
	}

	// Acknowledgment never gates the grant: validation already proved the
	// purchase is real. A permanent acknowledgment failure risks an upstream
	// auto-refund, which is an operator problem, not a user-facing error.
	ack, ackErr := r.provider.Acknowledge(ctx, receipt, result.Record)
	if ackErr != nil {
		r.logger.Error("purchase acknowledgment failed, auto-refund possible",
			entitlement.F("user_id", userID),
			entitlement.F("product_id", receipt.ProductID),
			entitlement.F("purchase_token", receipt.PurchaseToken),
			entitlement.F("error", ackErr.Error()))
		r.notify(ctx, OperatorEvent{
			Severity: "critical",
			Title:    "Purchase acknowledgment failed",
			Body:     "Validated purchase could not be acknowledged; upstream may auto-refund it.",
			UserID:   userID,
			Fields: map[string]string{
				"product_id":     receipt.ProductID,
				"purchase_token": receipt.PurchaseToken,
				"error":          ackErr.Error(),
			},
		})
	}

	now := r.now().UTC()
	record := result.Record

	tier, mapped := r.tierMapping[receipt.ProductID]
	if !mapped {
		// The store validated the purchase, so the user paid for something
		// real; grant active status without a tier rather than rejecting.
		r.logger.Warn("validated purchase for unmapped product id",
			entitlement.F("user_id", userID),
			entitlement.F("product_id", receipt.ProductID))
	}

	// Same grace formula as the quota resolver and the validator, so every
	// part of the system agrees on what "active" means.
	isActive := record.ExpiresAt.Add(entitlement.GracePeriod).After(now)

	updates := map[entitlement.ProfileField]any{
		entitlement.FieldSubscriptionActive:    isActive,
		entitlement.FieldSubscriptionExpiresAt: record.ExpiresAt,
	}
	if tier != "" {
		updates[entitlement.FieldSubscriptionTier] = tier
	} else {
		updates[entitlement.FieldSubscriptionTier] = nil
	}
	if isActive {
		cycleStart := now
		if record.StartAt != nil {
			cycleStart = record.StartAt.UTC()
		}
		updates[entitlement.FieldSubscriptionCycleStart] = cycleStart
	}

	outcome := &Outcome{
		Tier:      tier,
		Active:    isActive,
		ExpiresAt: record.ExpiresAt,
		Ack:       ack,
	}

	if err := r.persist(ctx, userID, updates); err != nil {
		r.recordFailure(ctx, userID, receipt, updates, err)
		r.metrics.RecordReconciliation(r.provider.Name(), "partial")
		outcome.Status = OutcomePartial
		outcome.ManualReviewRequired = true
		return outcome, nil
	}

	if profile.SubscriptionTier != tier {
		r.metrics.RecordTierChange(r.provider.Name(), profile.SubscriptionTier, tier)
	}
	r.metrics.RecordReconciliation(r.provider.Name(), "success")
	outcome.Status = OutcomeActivated
	return outcome, nil
}

// persist writes the subscription fields with bounded retries. Constraint
// violations are permanent and stop the loop; everything else backs off and
// retries up to the attempt cap.
func (r *Reconciler) persist(ctx context.Context, userID string, updates map[entitlement.ProfileField]any) error {
	var lastErr error
	for attempt := 1; attempt <= persistMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := internal.Sleep(ctx, internal.Backoff(persistBackoffBase, persistBackoffCap, attempt-2)); err != nil {
				return err
			}
		}
		err := r.store.Update(ctx, userID, updates)
		if err == nil {
			return nil
		}
		lastErr = err
		class := entitlement.ClassifyStoreError(err)
		r.logger.Warn("entitlement persistence attempt failed",
			entitlement.F("user_id", userID),
			entitlement.F("attempt", attempt),
			entitlement.F("class", class),
			entitlement.F("error", err.Error()))
		if !class.Retryable() {
			break
		}
	}
	return fmt.Errorf("entitlement persistence exhausted retries: %w", lastErr)
}

// recordFailure preserves a purchase whose account update permanently failed:
// durable failure record plus a critical operator alert. Both are best-effort
// and never fail the request further.
func (r *Reconciler) recordFailure(ctx context.Context, userID string, receipt Receipt, updates map[entitlement.ProfileField]any, cause error) {
	r.logger.Error("entitlement persistence failed after validated purchase, manual reconciliation required",
		entitlement.F("user_id", userID),
		entitlement.F("product_id", receipt.ProductID),
		entitlement.F("purchase_token", receipt.PurchaseToken),
		entitlement.F("error", cause.Error()))

	if r.failures != nil {
		rec := &entitlement.FailureRecord{
			ID:            uuid.NewString(),
			UserID:        userID,
			ProductID:     receipt.ProductID,
			PurchaseToken: receipt.PurchaseToken,
			Updates:       updates,
			ErrorKind:     string(entitlement.ClassifyStoreError(cause)),
			ErrorDetail:   cause.Error(),
			CreatedAt:     r.now().UTC(),
		}
		if err := r.failures.Append(ctx, rec); err != nil {
			r.logger.Error("failed to append failure record",
				entitlement.F("user_id", userID), entitlement.F("error", err.Error()))
		}
	}

	r.notify(ctx, OperatorEvent{
		Severity: "critical",
		Title:    "Subscription activation requires manual reconciliation",
		Body:     "Purchase validated and acknowledged but the profile update exhausted retries.",
		UserID:   userID,
		Fields: map[string]string{
			"product_id":     receipt.ProductID,
			"purchase_token": receipt.PurchaseToken,
			"error":          cause.Error(),
		},
	})
}

func (r *Reconciler) notify(ctx context.Context, event OperatorEvent) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, event)
}
