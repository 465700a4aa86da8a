package playstore

import (
	"strconv"
	"time"

	"github.com/visionspark/backend/pkg/billing"
)

// subscriptionPurchase is the androidpublisher v3 subscription purchase
// resource, reduced to the fields this service reads. Millisecond timestamps
// come over the wire as decimal strings.
type subscriptionPurchase struct {
	StartTimeMillis      string `json:"startTimeMillis"`
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	AutoRenewing         bool   `json:"autoRenewing"`
	PaymentState         int    `json:"paymentState"`
	AcknowledgementState int    `json:"acknowledgementState"`
}

// record converts the wire shape into the provider-neutral purchase record.
func (s *subscriptionPurchase) record() *billing.PurchaseRecord {
	rec := &billing.PurchaseRecord{
		ExpiresAt:    parseMillis(s.ExpiryTimeMillis),
		AckState:     billing.AckState(s.AcknowledgementState),
		AutoRenewing: s.AutoRenewing,
		PaymentState: s.PaymentState,
	}
	if start := parseMillis(s.StartTimeMillis); !start.IsZero() {
		rec.StartAt = &start
	}
	return rec
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
