package billing

import (
	"net/http"

	"github.com/visionspark/backend/pkg/entitlement"
)

// Config defines the standard configuration billing components accept.
type Config struct {
	// TierMapping maps upstream product ids to entitlement tier names, e.g.
	// {"monthly_30_generations": "monthly_30"}. A validated product id with
	// no mapping still grants active status with an empty tier; the purchase
	// was real even if this deployment doesn't know the product.
	TierMapping map[string]string

	// HTTPClient is an optional client for upstream API calls. If nil, a
	// default client with a 30s timeout is used. Allows custom timeouts,
	// proxies or instrumentation.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector. Nil means no-op.
	Metrics Metrics

	// Logger is an optional structured logger. Nil means no-op.
	Logger entitlement.Logger
}

func (c *Config) metrics() Metrics {
	if c.Metrics == nil {
		return &NoopMetrics{}
	}
	return c.Metrics
}

func (c *Config) logger() entitlement.Logger {
	if c.Logger == nil {
		return &entitlement.NoopLogger{}
	}
	return c.Logger
}
