package entitlement

import (
	"time"
)

// Kind identifies a billable resource kind.
type Kind string

const (
	// KindGeneration is one image generation.
	KindGeneration Kind = "generation"
	// KindEnhancement is one image enhancement.
	KindEnhancement Kind = "enhancement"
)

// Valid reports whether k is a known resource kind.
func (k Kind) Valid() bool {
	return k == KindGeneration || k == KindEnhancement
}

const (
	// Unlimited is the sentinel limit for tiers and overrides without a cap.
	Unlimited = -1

	// GracePeriod is how long past expiry a subscription is still treated as
	// active. Upstream billing renewal can lag; downgrading a paying user the
	// instant the record expires would be wrong mid-renewal.
	GracePeriod = 72 * time.Hour

	// DefaultGenerationLimit is the free daily generation quota.
	DefaultGenerationLimit = 3
	// DefaultEnhancementLimit is the free daily enhancement quota.
	DefaultEnhancementLimit = 4
)

// Profile is the per-user system of record read and written by the accounting
// engine and the billing reconciler.
type Profile struct {
	UserID   string
	Timezone string // IANA zone name, empty means unset

	GenerationsUsed  int
	EnhancementsUsed int

	LastGenerationAt  *time.Time
	LastEnhancementAt *time.Time

	// Per-user overrides; nil means the free default, Unlimited (-1) means no cap.
	GenerationLimit  *int
	EnhancementLimit *int

	SubscriptionTier       string // empty when none
	SubscriptionActive     bool
	SubscriptionExpiresAt  *time.Time
	SubscriptionCycleStart *time.Time
}

// TierKind describes how a tier's quota is accounted.
type TierKind string

const (
	// TierUnlimited grants uncapped usage while the subscription is active.
	TierUnlimited TierKind = "unlimited"
	// TierMonthly grants a fixed quota per anniversary billing cycle.
	TierMonthly TierKind = "monthly"
)

// TierConfig defines the quota shape of one subscription tier.
type TierConfig struct {
	Name string
	Kind TierKind

	// MonthlyQuotas maps resource kinds to per-cycle limits. Only read for
	// TierMonthly tiers.
	MonthlyQuotas map[Kind]int
}

// Policy is the resolved quota decision for one profile, kind and instant.
type Policy struct {
	Kind        Kind
	Limit       int // Unlimited (-1) when uncapped
	UsageBefore int
	Tier        string // active tier, empty for free/lapsed users

	// NextReset is the instant presented to clients as the reset horizon.
	// Daily quotas always phrase it as the next UTC midnight even though the
	// reset decision itself is made on the user's local calendar day.
	NextReset time.Time

	// Updates holds the staged profile mutation for any reset decided during
	// resolution. Persisted best-effort before the limit check is evaluated.
	Updates map[ProfileField]any

	// Timezone is the zone the daily-reset decision was made in.
	Timezone string
}

// RemainingAfter returns the remaining quota after n more units.
func (p *Policy) RemainingAfter(n int) int {
	if p.Limit == Unlimited {
		return Unlimited
	}
	r := p.Limit - p.UsageBefore - n
	if r < 0 {
		r = 0
	}
	return r
}

// Denial describes a refused consumption, mirrored on the wire as a 429.
type Denial struct {
	Kind     Kind
	Limit    int
	Used     int
	ResetsAt time.Time
	Tier     string
	Timezone string
}

// ConsumeResult is the outcome of a permitted, successful consumption.
type ConsumeResult struct {
	Kind       Kind
	UsageAfter int
	Limit      int
	NextReset  time.Time
}

// Status is the usage-status view of a profile for one resource kind.
type Status struct {
	Kind      Kind
	Limit     int
	Used      int
	Remaining int
	ResetsAt  time.Time
	Tier      string // empty for free/lapsed users
}

// FailureRecord is the durable, append-only record written when entitlement
// persistence exhausts retries after a validated and acknowledged purchase.
// Never deleted by this service; exists for manual operator remediation.
type FailureRecord struct {
	ID            string
	UserID        string
	ProductID     string
	PurchaseToken string
	Updates       map[ProfileField]any
	ErrorKind     string
	ErrorDetail   string
	CreatedAt     time.Time
}

// Config holds the tunables for the resolver and engine.
type Config struct {
	// Tiers maps tier names to their quota shape.
	Tiers map[string]TierConfig

	// GenerationLimit and EnhancementLimit are the free daily defaults used
	// when the profile carries no override.
	GenerationLimit  int
	EnhancementLimit int

	// Logger defaults to NoopLogger.
	Logger Logger

	// Metrics defaults to NoopMetrics.
	Metrics Metrics

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// DefaultTiers returns the production tier table: a counted monthly tier and
// an uncapped tier.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"monthly_30": {
			Name: "monthly_30",
			Kind: TierMonthly,
			MonthlyQuotas: map[Kind]int{
				KindGeneration:  30,
				KindEnhancement: 30,
			},
		},
		"monthly_unlimited": {
			Name: "monthly_unlimited",
			Kind: TierUnlimited,
		},
	}
}
