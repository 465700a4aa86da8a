package playstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

// ValidatePurchase fetches the subscription purchase record for a receipt and
// judges validity. A record is valid iff its expiry plus the grace window is
// still ahead of now - the same grace arithmetic the quota resolver applies,
// so a purchase inside the billing grace window still grants access.
func (p *Provider) ValidatePurchase(ctx context.Context, receipt billing.Receipt) (*billing.ValidationResult, error) {
	if err := receipt.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() {
		p.metrics.RecordValidationDuration(providerName, time.Since(started))
	}()

	record, verr := p.fetchPurchase(ctx, receipt)
	if verr != nil {
		status := "error"
		if !verr.Retryable() {
			status = "invalid"
		}
		p.metrics.RecordValidation(providerName, status)
		return &billing.ValidationResult{Valid: false, Failure: verr}, nil
	}

	if !record.ExpiresAt.Add(entitlement.GracePeriod).After(p.now()) {
		p.metrics.RecordValidation(providerName, "expired")
		p.logger.Info("purchase past expiry plus grace",
			entitlement.F("product_id", receipt.ProductID),
			entitlement.F("expires_at", record.ExpiresAt))
		return &billing.ValidationResult{
			Valid:  false,
			Record: record,
			Failure: &billing.ValidationError{
				Classification: billing.Classification{Kind: billing.KindExpiredPurchase},
				Detail:         fmt.Sprintf("subscription expired at %s", record.ExpiresAt.Format(time.RFC3339)),
			},
		}, nil
	}

	p.metrics.RecordValidation(providerName, "valid")
	return &billing.ValidationResult{Valid: true, Record: record}, nil
}

// fetchPurchase performs the purchases.subscriptions.get call, classifying
// every failure mode so callers never see an opaque error.
func (p *Provider) fetchPurchase(ctx context.Context, receipt billing.Receipt) (*billing.PurchaseRecord, *billing.ValidationError) {
	accessToken, err := p.tokens.Token(ctx)
	if err != nil {
		retryable := !errors.Is(err, context.Canceled)
		return nil, &billing.ValidationError{
			Classification: billing.Classification{Kind: billing.KindUpstreamAuth, Retryable: retryable, RetryAfter: 5 * time.Second},
			Detail:         err.Error(),
		}
	}

	url := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		p.baseURL, p.packageName, receipt.ProductID, receipt.PurchaseToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &billing.ValidationError{
			Classification: billing.Classification{Kind: billing.KindInvalidInput},
			Detail:         err.Error(),
		}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, "get", time.Since(started))
	if err != nil {
		return nil, &billing.ValidationError{
			Classification: billing.Classification{Kind: billing.KindUpstreamUnavailable, Retryable: true, RetryAfter: 2 * time.Second},
			Detail:         err.Error(),
		}
	}
	defer res.Body.Close()

	p.metrics.RecordAPICall(providerName, "get", fmt.Sprintf("%d", res.StatusCode))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &billing.ValidationError{
			Classification: billing.Classification{Kind: billing.KindUpstreamUnavailable, Retryable: true},
			Detail:         err.Error(),
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		class := billing.ClassifyUpstreamStatus(res.StatusCode)
		p.logger.Warn("purchase fetch returned non-2xx",
			entitlement.F("product_id", receipt.ProductID),
			entitlement.F("status", res.StatusCode),
			entitlement.F("kind", class.Kind))
		return nil, &billing.ValidationError{
			Classification: class,
			StatusCode:     res.StatusCode,
			Detail:         string(body),
		}
	}

	var purchase subscriptionPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, &billing.ValidationError{
			Classification: billing.Classification{Kind: billing.KindUpstreamUnavailable, Retryable: true},
			Detail:         fmt.Sprintf("malformed purchase record: %v", err),
		}
	}
	return purchase.record(), nil
}
