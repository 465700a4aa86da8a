package playstore

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/billing/internal"
	"github.com/visionspark/backend/pkg/entitlement"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	publisherScope  = "https://www.googleapis.com/auth/androidpublisher"
	grantType       = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	tokenRefreshSlack = 5 * time.Minute
	tokenMaxAttempts  = 3
	tokenBackoffBase  = time.Second
	tokenBackoffCap   = 10 * time.Second
)

// tokenSource exchanges a signed service-account assertion for a bearer
// token, caching it until shortly before expiry.
type tokenSource struct {
	email      string
	key        *rsa.PrivateKey
	tokenURL   string
	httpClient *http.Client
	logger     entitlement.Logger
	metrics    billing.Metrics
	now        func() time.Time

	mu     sync.Mutex
	cached string
	expiry time.Time
}

func newTokenSource(email, pemKey, tokenURL string, httpClient *http.Client, logger entitlement.Logger, metrics billing.Metrics, now func() time.Time) (*tokenSource, error) {
	if email == "" || pemKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	// Private keys delivered through env vars often carry literal \n sequences.
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.ReplaceAll(pemKey, `\n`, "\n")))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &tokenSource{
		email:      email,
		key:        key,
		tokenURL:   tokenURL,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		now:        now,
	}, nil
}

// Token returns a valid access token, minting one when the cache is empty or
// close to expiry. Exchange failures are retried a bounded number of times
// before surfacing as an authentication-class error.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.cached != "" && now.Add(tokenRefreshSlack).Before(ts.expiry) {
		return ts.cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < tokenMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := internal.Sleep(ctx, internal.Backoff(tokenBackoffBase, tokenBackoffCap, attempt-1)); err != nil {
				return "", err
			}
		}
		token, expiresIn, err := ts.exchange(ctx, now)
		if err == nil {
			ts.cached = token
			ts.expiry = now.Add(time.Duration(expiresIn) * time.Second)
			return token, nil
		}
		lastErr = err
		ts.logger.Warn("token exchange attempt failed",
			entitlement.F("attempt", attempt+1), entitlement.F("error", err.Error()))
	}
	return "", fmt.Errorf("%w: %v", billing.ErrUpstreamAuth, lastErr)
}

// exchange signs a fresh assertion and posts it to the OAuth token endpoint.
func (ts *tokenSource) exchange(ctx context.Context, now time.Time) (string, int, error) {
	assertion, err := ts.signAssertion(now)
	if err != nil {
		return "", 0, err
	}

	form := url.Values{
		"grant_type": {grantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	res, err := ts.httpClient.Do(req)
	ts.metrics.RecordAPICallDuration(providerName, "token", time.Since(started))
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer res.Body.Close()

	ts.metrics.RecordAPICall(providerName, "token", fmt.Sprintf("%d", res.StatusCode))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", 0, fmt.Errorf("token endpoint returned status %d: %s", res.StatusCode, string(body))
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("token response carried no access token")
	}
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int(assertionLifetime / time.Second)
	}
	return payload.AccessToken, expiresIn, nil
}

// signAssertion builds the RS256 service-account assertion: issuer is the
// service account, audience is the token endpoint, lifetime one hour.
func (ts *tokenSource) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   ts.email,
		"scope": publisherScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
