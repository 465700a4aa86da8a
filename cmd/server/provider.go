package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visionspark/backend/pkg/entitlement"
)

// imageProvider forwards consume payloads to the upstream image service and
// returns its response body verbatim. The accounting layer treats it as an
// opaque collaborator: any non-2xx or transport failure counts as a failed
// unit of work and triggers compensation.
type imageProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     entitlement.Logger
}

func newImageProvider(baseURL, apiKey string, timeout time.Duration, logger entitlement.Logger) *imageProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &imageProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (p *imageProvider) Submit(ctx context.Context, kind entitlement.Kind, payload json.RawMessage) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s", p.baseURL, kind)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image provider unreachable: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	p.logger.Debug("image provider call finished",
		entitlement.F("kind", kind),
		entitlement.F("status", res.StatusCode),
		entitlement.F("duration_ms", time.Since(start).Milliseconds()))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("image provider returned status %d", res.StatusCode)
	}
	return body, nil
}
