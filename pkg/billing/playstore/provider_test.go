package playstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func fakeTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("assertion") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","expires_in":3600,"token_type":"Bearer"}`)
	}))
}

func newTestProvider(t *testing.T, publisherURL, tokenURL string) *Provider {
	t.Helper()
	p, err := New(Config{
		PackageName:         "app.visionspark.app",
		ServiceAccountEmail: "svc@test.iam.gserviceaccount.com",
		PrivateKeyPEM:       testKeyPEM(t),
		BaseURL:             publisherURL,
		TokenURL:            tokenURL,
		MaxAckAttempts:      3,
		Now:                 func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func purchaseJSON(expiry time.Time, ackState int) string {
	start := expiry.Add(-30 * 24 * time.Hour)
	return fmt.Sprintf(`{"startTimeMillis":"%d","expiryTimeMillis":"%d","autoRenewing":true,"paymentState":1,"acknowledgementState":%d}`,
		start.UnixMilli(), expiry.UnixMilli(), ackState)
}

func testReceipt() billing.Receipt {
	return billing.Receipt{ProductID: "monthly_30_generations", PurchaseToken: "tok-123", Source: "android"}
}

func TestProvider_Name(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	p := newTestProvider(t, "http://unused", tokens.URL)
	if p.Name() != providerName {
		t.Errorf("Name = %q, want %q", p.Name(), providerName)
	}
}

func TestNew_RequiresConfiguration(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}

	_, err = New(Config{PackageName: "app.visionspark.app"})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured for missing credentials, got %v", err)
	}
}

func TestValidatePurchase_Valid(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	expiry := fixedNow.Add(20 * 24 * time.Hour)
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer test token", got)
		}
		if !strings.Contains(r.URL.Path, "/purchases/subscriptions/monthly_30_generations/tokens/tok-123") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, purchaseJSON(expiry, 0))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	result, err := p.ValidatePurchase(context.Background(), testReceipt())
	if err != nil {
		t.Fatalf("ValidatePurchase failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid result, got failure %v", result.Failure)
	}
	if !result.Record.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", result.Record.ExpiresAt, expiry)
	}
	if result.Record.StartAt == nil {
		t.Error("expected StartAt parsed from startTimeMillis")
	}
	if result.Record.AckState != billing.AckStatePending {
		t.Errorf("AckState = %d, want pending", result.Record.AckState)
	}
}

func TestValidatePurchase_ExpiredWithinGraceIsValid(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	expiry := fixedNow.Add(-24 * time.Hour)
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, purchaseJSON(expiry, 1))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	result, err := p.ValidatePurchase(context.Background(), testReceipt())
	if err != nil {
		t.Fatalf("ValidatePurchase failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("purchase inside the grace window must be valid, got %v", result.Failure)
	}
}

func TestValidatePurchase_ExpiredPastGrace(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	expiry := fixedNow.Add(-100 * time.Hour)
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, purchaseJSON(expiry, 1))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	result, err := p.ValidatePurchase(context.Background(), testReceipt())
	if err != nil {
		t.Fatalf("ValidatePurchase failed: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result past expiry plus grace")
	}
	if result.Failure == nil || result.Failure.Classification.Kind != billing.KindExpiredPurchase {
		t.Errorf("Failure = %v, want expired_purchase", result.Failure)
	}
	if result.Record == nil {
		t.Error("expected the record attached to the expired result")
	}
}

func TestValidatePurchase_UpstreamStatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantKind      billing.ErrorKind
		wantRetryable bool
	}{
		{http.StatusUnauthorized, billing.KindUpstreamAuth, true},
		{http.StatusForbidden, billing.KindUpstreamAuth, true},
		{http.StatusNotFound, billing.KindInvalidPurchase, false},
		{http.StatusBadRequest, billing.KindInvalidPurchase, false},
		{http.StatusTooManyRequests, billing.KindRateLimited, true},
		{http.StatusInternalServerError, billing.KindUpstreamUnavailable, true},
		{http.StatusGatewayTimeout, billing.KindUpstreamUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			tokens := fakeTokenServer(t)
			defer tokens.Close()

			publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer publisher.Close()

			p := newTestProvider(t, publisher.URL, tokens.URL)
			result, err := p.ValidatePurchase(context.Background(), testReceipt())
			if err != nil {
				t.Fatalf("ValidatePurchase failed: %v", err)
			}
			if result.Valid {
				t.Fatal("expected invalid result")
			}
			if result.Failure.Classification.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", result.Failure.Classification.Kind, tt.wantKind)
			}
			if result.Failure.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", result.Failure.Retryable(), tt.wantRetryable)
			}
			if result.Failure.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", result.Failure.StatusCode, tt.status)
			}
		})
	}
}

func TestValidatePurchase_MissingReceiptFields(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	p := newTestProvider(t, "http://unused", tokens.URL)

	_, err := p.ValidatePurchase(context.Background(), billing.Receipt{PurchaseToken: "tok"})
	if !errors.Is(err, billing.ErrMissingProductID) {
		t.Errorf("expected ErrMissingProductID, got %v", err)
	}

	_, err = p.ValidatePurchase(context.Background(), billing.Receipt{ProductID: "p"})
	if !errors.Is(err, billing.ErrMissingPurchaseToken) {
		t.Errorf("expected ErrMissingPurchaseToken, got %v", err)
	}
}

func TestAcknowledge_SkipsAlreadyAcknowledged(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	var calls atomic.Int64
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	record := &billing.PurchaseRecord{AckState: billing.AckStateAcknowledged}

	ack, err := p.Acknowledge(context.Background(), testReceipt(), record)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !ack.Acknowledged || !ack.AlreadyAcked || !ack.Verified {
		t.Errorf("AckResult = %+v, want acknowledged/already-acked/verified", ack)
	}
	if ack.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", ack.Attempts)
	}
	if calls.Load() != 0 {
		t.Errorf("publisher called %d times, want 0", calls.Load())
	}
}

func TestAcknowledge_SuccessWithVerification(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	acked := atomic.Bool{}
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":acknowledge") {
			acked.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		// Verification re-fetch observes the flipped state.
		state := 0
		if acked.Load() {
			state = 1
		}
		fmt.Fprint(w, purchaseJSON(fixedNow.Add(20*24*time.Hour), state))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	record := &billing.PurchaseRecord{AckState: billing.AckStatePending}

	ack, err := p.Acknowledge(context.Background(), testReceipt(), record)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !ack.Acknowledged || !ack.Verified {
		t.Errorf("AckResult = %+v, want acknowledged and verified", ack)
	}
	if ack.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", ack.Attempts)
	}
}

func TestAcknowledge_RetriesRetryableFailures(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	var ackCalls atomic.Int64
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":acknowledge") {
			if ackCalls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, purchaseJSON(fixedNow.Add(20*24*time.Hour), 1))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	ack, err := p.Acknowledge(context.Background(), testReceipt(), &billing.PurchaseRecord{})
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if ack.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ack.Attempts)
	}
	if !ack.Acknowledged || !ack.Verified {
		t.Errorf("AckResult = %+v, want acknowledged and verified", ack)
	}
}

func TestAcknowledge_NonRetryableStopsEarly(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	var ackCalls atomic.Int64
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ackCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	ack, err := p.Acknowledge(context.Background(), testReceipt(), &billing.PurchaseRecord{})
	if err == nil {
		t.Fatal("expected error for non-retryable failure")
	}
	if ackCalls.Load() != 1 {
		t.Errorf("acknowledge called %d times, want 1", ackCalls.Load())
	}
	if ack == nil || ack.Acknowledged {
		t.Errorf("AckResult = %+v, want not acknowledged", ack)
	}
}

func TestAcknowledge_ExhaustsRetries(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()

	var ackCalls atomic.Int64
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ackCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	ack, err := p.Acknowledge(context.Background(), testReceipt(), &billing.PurchaseRecord{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if ackCalls.Load() != 3 {
		t.Errorf("acknowledge called %d times, want 3", ackCalls.Load())
	}
	if ack.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ack.Attempts)
	}
}

func TestTokenSource_CachesToken(t *testing.T) {
	var exchanges atomic.Int64
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cached-token","expires_in":3600}`)
	}))
	defer tokens.Close()

	expiry := fixedNow.Add(20 * 24 * time.Hour)
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, purchaseJSON(expiry, 1))
	}))
	defer publisher.Close()

	p := newTestProvider(t, publisher.URL, tokens.URL)
	for i := 0; i < 3; i++ {
		if _, err := p.ValidatePurchase(context.Background(), testReceipt()); err != nil {
			t.Fatalf("ValidatePurchase %d failed: %v", i, err)
		}
	}
	if exchanges.Load() != 1 {
		t.Errorf("token exchanged %d times, want 1 (cached)", exchanges.Load())
	}
}

func TestTokenSource_FailureClassifiedAsAuth(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer tokens.Close()

	p := newTestProvider(t, "http://unused", tokens.URL)
	result, err := p.ValidatePurchase(context.Background(), testReceipt())
	if err != nil {
		t.Fatalf("ValidatePurchase failed: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if result.Failure.Classification.Kind != billing.KindUpstreamAuth {
		t.Errorf("Kind = %q, want upstream_auth", result.Failure.Classification.Kind)
	}
	if !result.Failure.Retryable() {
		t.Error("auth failures should be retryable")
	}
}

func TestParseMillis(t *testing.T) {
	want := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := parseMillis(strconv.FormatInt(want.UnixMilli(), 10)); !got.Equal(want) {
		t.Errorf("parseMillis = %v, want %v", got, want)
	}
	if got := parseMillis(""); !got.IsZero() {
		t.Errorf("parseMillis(\"\") = %v, want zero", got)
	}
	if got := parseMillis("not-a-number"); !got.IsZero() {
		t.Errorf("parseMillis garbage = %v, want zero", got)
	}
}

func TestSubscriptionPurchase_Record(t *testing.T) {
	raw := purchaseJSON(fixedNow.Add(time.Hour), 1)
	var p subscriptionPurchase
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec := p.record()
	if rec.AckState != billing.AckStateAcknowledged {
		t.Errorf("AckState = %d, want acknowledged", rec.AckState)
	}
	if !rec.AutoRenewing {
		t.Error("expected AutoRenewing")
	}
	if rec.PaymentState != 1 {
		t.Errorf("PaymentState = %d, want 1", rec.PaymentState)
	}
	if rec.StartAt == nil {
		t.Fatal("expected StartAt set")
	}
	if !rec.ExpiresAt.Add(entitlement.GracePeriod).After(fixedNow) {
		t.Error("record should still sit inside the grace window")
	}
}
