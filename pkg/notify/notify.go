// Package notify delivers operator notifications to a chat webhook. Dispatch
// is best-effort and rate-limited through a durable last-send record, not a
// process-local queue: serving instances are not guaranteed to be warm or
// singleton, so in-memory dispatch state would silently reset.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

const defaultTimeout = 10 * time.Second

// Noop discards all events.
type Noop struct{}

func (Noop) Notify(ctx context.Context, event billing.OperatorEvent) {}

// Webhook posts operator events to a chat webhook URL. Implements
// billing.OperatorNotifier. Its own failures are swallowed and logged; a
// notification must never fail the operation that raised it.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     entitlement.Logger
	limiter    *SendLimiter // optional
}

// NewWebhook creates a webhook notifier. limiter may be nil to disable
// rate limiting.
func NewWebhook(url string, httpClient *http.Client, logger entitlement.Logger, limiter *SendLimiter) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Webhook{url: url, httpClient: httpClient, logger: logger, limiter: limiter}, nil
}

// Notify implements billing.OperatorNotifier.
func (w *Webhook) Notify(ctx context.Context, event billing.OperatorEvent) {
	if w.limiter != nil && !w.limiter.Allow(ctx, event.Severity, event.Title) {
		w.logger.Info("operator notification suppressed by rate limit",
			entitlement.F("title", event.Title), entitlement.F("severity", event.Severity))
		return
	}

	payload, err := json.Marshal(map[string]string{"content": formatEvent(event)})
	if err != nil {
		w.logger.Error("failed to encode operator notification", entitlement.F("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("failed to build operator notification request", entitlement.F("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Error("failed to deliver operator notification",
			entitlement.F("title", event.Title), entitlement.F("error", err.Error()))
		return
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		w.logger.Error("operator notification rejected by webhook",
			entitlement.F("title", event.Title), entitlement.F("status", res.StatusCode))
	}
}

// formatEvent renders the event as a chat message with stable field order.
func formatEvent(event billing.OperatorEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**[%s] %s**\n", strings.ToUpper(event.Severity), event.Title)
	if event.Body != "" {
		b.WriteString(event.Body)
		b.WriteString("\n")
	}
	if event.UserID != "" {
		fmt.Fprintf(&b, "user: %s\n", event.UserID)
	}

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, event.Fields[k])
	}
	return b.String()
}
