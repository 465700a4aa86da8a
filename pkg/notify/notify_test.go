package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/visionspark/backend/pkg/billing"
)

func testEvent() billing.OperatorEvent {
	return billing.OperatorEvent{
		Severity: "critical",
		Title:    "Subscription activation requires manual reconciliation",
		Body:     "Purchase validated and acknowledged but the profile update exhausted retries.",
		UserID:   "u1",
		Fields: map[string]string{
			"product_id":     "monthly_30_generations",
			"purchase_token": "tok-123",
		},
	}
}

func TestWebhook_Notify(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewWebhook failed: %v", err)
	}
	w.Notify(context.Background(), testEvent())

	content := payload["content"]
	if content == "" {
		t.Fatal("expected content in webhook payload")
	}
	for _, want := range []string{"[CRITICAL]", "user: u1", "product_id: monthly_30_generations", "purchase_token: tok-123"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
}

func TestWebhook_SwallowsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewWebhook failed: %v", err)
	}
	// Must not panic or propagate anything.
	w.Notify(context.Background(), testEvent())
}

func TestWebhook_SwallowsUnreachableEndpoint(t *testing.T) {
	w, err := NewWebhook("http://127.0.0.1:1", nil, nil, nil)
	if err != nil {
		t.Fatalf("NewWebhook failed: %v", err)
	}
	w.Notify(context.Background(), testEvent())
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	if _, err := NewWebhook("", nil, nil, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestFormatEvent_StableFieldOrder(t *testing.T) {
	event := billing.OperatorEvent{
		Severity: "warning",
		Title:    "Something odd",
		Fields: map[string]string{
			"zebra": "z",
			"alpha": "a",
			"mango": "m",
		},
	}

	got := formatEvent(event)
	if !strings.HasPrefix(got, "**[WARNING] Something odd**\n") {
		t.Errorf("unexpected header: %q", got)
	}
	alpha := strings.Index(got, "alpha:")
	mango := strings.Index(got, "mango:")
	zebra := strings.Index(got, "zebra:")
	if !(alpha < mango && mango < zebra) {
		t.Errorf("fields not sorted: %q", got)
	}
}

func TestNoop(t *testing.T) {
	Noop{}.Notify(context.Background(), testEvent())
}
