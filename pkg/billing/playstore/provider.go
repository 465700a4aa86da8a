// Package playstore implements receipt validation and acknowledgment against
// the Google Play androidpublisher API.
package playstore

import (
	"net/http"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

const (
	providerName   = "playstore"
	defaultBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

	defaultHTTPTimeout = 30 * time.Second

	defaultAckAttempts = 4
	ackBackoffBase     = 500 * time.Millisecond
	ackBackoffCap      = 10 * time.Second
	ackAttemptTimeout  = 30 * time.Second
)

// Config holds the Play-store provider configuration.
type Config struct {
	// PackageName is the application package, e.g. "app.visionspark.app".
	PackageName string

	// ServiceAccountEmail and PrivateKeyPEM identify the service account used
	// for the OAuth assertion. The key is PKCS#8 PEM; literal \n sequences
	// from env delivery are tolerated.
	ServiceAccountEmail string
	PrivateKeyPEM       string

	// BaseURL and TokenURL override the upstream endpoints, for tests.
	BaseURL  string
	TokenURL string

	// HTTPClient is optional; defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// MaxAckAttempts bounds the acknowledgment retry loop. Defaults to 4.
	MaxAckAttempts int

	// Logger and Metrics are optional; nil means no-op.
	Logger  entitlement.Logger
	Metrics billing.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Provider implements billing.Provider against the Play Developer API.
type Provider struct {
	packageName string
	baseURL     string
	httpClient  *http.Client
	tokens      *tokenSource
	ackAttempts int
	logger      entitlement.Logger
	metrics     billing.Metrics
	now         func() time.Time
}

// New creates a Play-store billing provider.
func New(cfg Config) (*Provider, error) {
	if cfg.PackageName == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	ackAttempts := cfg.MaxAckAttempts
	if ackAttempts <= 0 {
		ackAttempts = defaultAckAttempts
	}

	tokens, err := newTokenSource(cfg.ServiceAccountEmail, cfg.PrivateKeyPEM, cfg.TokenURL, httpClient, logger, metrics, now)
	if err != nil {
		return nil, err
	}

	return &Provider{
		packageName: cfg.PackageName,
		baseURL:     baseURL,
		httpClient:  httpClient,
		tokens:      tokens,
		ackAttempts: ackAttempts,
		logger:      logger,
		metrics:     metrics,
		now:         now,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}
