package playstore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/billing/internal"
	"github.com/visionspark/backend/pkg/entitlement"
)

// Acknowledge confirms the purchase with the store so it isn't auto-refunded.
// Already-acknowledged records are a no-op. Otherwise the acknowledge call is
// retried with exponential backoff on retryable failures, and a success is
// followed by a verification re-fetch to confirm the upstream state actually
// flipped. An inconclusive verification still counts as acknowledged (the
// primary call succeeded) but is flagged unverified for observability.
//
// Callers must not block entitlement grant on the returned error: validation
// already proved the purchase is real, and the residual risk of a missed
// acknowledgment is an upstream auto-refund, an operator concern.
func (p *Provider) Acknowledge(ctx context.Context, receipt billing.Receipt, record *billing.PurchaseRecord) (*billing.AckResult, error) {
	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	if record != nil && record.AckState == billing.AckStateAcknowledged {
		p.metrics.RecordAcknowledgment(providerName, "already_acked", 0)
		return &billing.AckResult{Acknowledged: true, Verified: true, AlreadyAcked: true}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.ackAttempts; attempt++ {
		if attempt > 1 {
			if err := internal.Sleep(ctx, internal.Backoff(ackBackoffBase, ackBackoffCap, attempt-2)); err != nil {
				return &billing.AckResult{Attempts: attempt - 1}, err
			}
		}

		retryable, err := p.acknowledgeOnce(ctx, receipt)
		if err == nil {
			verified := p.verifyAcknowledged(ctx, receipt)
			status := "acknowledged"
			if !verified {
				status = "unverified"
			}
			p.metrics.RecordAcknowledgment(providerName, status, attempt)
			return &billing.AckResult{Acknowledged: true, Verified: verified, Attempts: attempt}, nil
		}

		lastErr = err
		p.logger.Warn("acknowledge attempt failed",
			entitlement.F("product_id", receipt.ProductID),
			entitlement.F("attempt", attempt),
			entitlement.F("retryable", retryable),
			entitlement.F("error", err.Error()))
		if !retryable {
			break
		}
	}

	p.metrics.RecordAcknowledgment(providerName, "failed", p.ackAttempts)
	return &billing.AckResult{Attempts: p.ackAttempts},
		fmt.Errorf("acknowledgment failed after retries: %w", lastErr)
}

// acknowledgeOnce issues one acknowledge call under its own deadline.
// Returns whether a failure is worth retrying.
func (p *Provider) acknowledgeOnce(ctx context.Context, receipt billing.Receipt) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, ackAttemptTimeout)
	defer cancel()

	accessToken, err := p.tokens.Token(attemptCtx)
	if err != nil {
		return true, err
	}

	url := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
		p.baseURL, p.packageName, receipt.ProductID, receipt.PurchaseToken)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, "acknowledge", time.Since(started))
	if err != nil {
		// Network and timeout failures are retryable by definition.
		return true, err
	}
	defer res.Body.Close()

	p.metrics.RecordAPICall(providerName, "acknowledge", fmt.Sprintf("%d", res.StatusCode))

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return false, nil
	}
	class := billing.ClassifyUpstreamStatus(res.StatusCode)
	return class.Retryable, fmt.Errorf("acknowledge returned status %d", res.StatusCode)
}

// verifyAcknowledged re-fetches the purchase record after a successful
// acknowledge call. Returns false when the re-fetch fails or the state still
// reads unacknowledged; the caller treats that as success-but-unverified.
func (p *Provider) verifyAcknowledged(ctx context.Context, receipt billing.Receipt) bool {
	record, verr := p.fetchPurchase(ctx, receipt)
	if verr != nil {
		p.logger.Warn("acknowledgment verification read failed",
			entitlement.F("product_id", receipt.ProductID),
			entitlement.F("error", verr.Error()))
		return false
	}
	return record.AckState == billing.AckStateAcknowledged
}
