package entitlement

import (
	"time"
)

// Resolver derives the active quota policy for a profile snapshot: the limit,
// the usage baseline after any due reset, and the reset horizon to report.
type Resolver struct {
	cfg     Config
	logger  Logger
	metrics Metrics
}

// NewResolver creates a policy resolver from the given configuration,
// filling in defaults for anything unset.
func NewResolver(cfg Config) *Resolver {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.GenerationLimit == 0 {
		cfg.GenerationLimit = DefaultGenerationLimit
	}
	if cfg.EnhancementLimit == 0 {
		cfg.EnhancementLimit = DefaultEnhancementLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Now returns the resolver's current instant in UTC.
func (r *Resolver) Now() time.Time {
	return r.cfg.Now().UTC()
}

// EffectivelyActive reports whether the profile's subscription should still
// grant benefits at the given instant, including the post-expiry grace window.
func EffectivelyActive(p *Profile, now time.Time) bool {
	return p.SubscriptionActive &&
		p.SubscriptionExpiresAt != nil &&
		p.SubscriptionExpiresAt.Add(GracePeriod).After(now)
}

// Resolve computes the quota policy for one resource kind. metadataTZ is the
// zone from the caller's auth metadata, used as a fallback behind the
// profile-stored zone. Any reset decided here is staged in Policy.Updates;
// the caller persists it best-effort before evaluating the limit.
func (r *Resolver) Resolve(p *Profile, metadataTZ string, now time.Time, kind Kind) (*Policy, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	started := time.Now()
	defer func() {
		r.metrics.RecordPolicyResolution(string(kind), time.Since(started))
	}()

	loc := ResolveTimezone(p.Timezone, metadataTZ)
	pol := &Policy{
		Kind:     kind,
		Timezone: loc.String(),
		Updates:  map[ProfileField]any{},
	}

	if EffectivelyActive(p, now) {
		if tier, ok := r.cfg.Tiers[p.SubscriptionTier]; ok {
			pol.Tier = tier.Name
			switch tier.Kind {
			case TierUnlimited:
				r.resolveUnlimited(p, pol)
				return pol, nil
			case TierMonthly:
				r.resolveMonthly(p, pol, tier, now)
				return pol, nil
			}
		}
		// Validated purchase for a product this deployment doesn't map to a
		// tier table entry: benefits fall back to the daily policy, but the
		// stored tier is still reported.
		pol.Tier = p.SubscriptionTier
	}

	r.resolveDaily(p, pol, loc, now)
	return pol, nil
}

// resolveUnlimited handles uncapped tiers: usage is not tracked and the reset
// horizon is the subscription expiry.
func (r *Resolver) resolveUnlimited(p *Profile, pol *Policy) {
	pol.Limit = Unlimited
	pol.UsageBefore = 0
	pol.NextReset = p.SubscriptionExpiresAt.UTC()
}

// resolveMonthly handles counted tiers on an anniversary billing cycle.
func (r *Resolver) resolveMonthly(p *Profile, pol *Policy, tier TierConfig, now time.Time) {
	pol.Limit = tier.MonthlyQuotas[pol.Kind]
	pol.UsageBefore = p.usedFor(pol.Kind)

	cycleStart := p.SubscriptionCycleStart
	if cycleStart == nil {
		// One-time lazy migration for profiles that predate cycle tracking.
		start := now.UTC()
		cycleStart = &start
		pol.UsageBefore = 0
		pol.Updates[FieldSubscriptionCycleStart] = start
		pol.Updates[pol.Kind.UsedField()] = 0
		r.logger.Info("initialized subscription cycle start",
			F("user_id", p.UserID), F("cycle_start", start))
	}

	boundary := NextCycleBoundary(*cycleStart, *cycleStart)
	if !boundary.After(now) {
		// The cycle rolled over; usage restarts and the cycle re-anchors at now.
		newStart := now.UTC()
		pol.UsageBefore = 0
		pol.Updates[FieldSubscriptionCycleStart] = newStart
		pol.Updates[pol.Kind.UsedField()] = 0
		boundary = NextCycleBoundary(newStart, newStart)
		r.metrics.RecordReset(string(pol.Kind), "monthly")
		r.logger.Info("monthly cycle rollover",
			F("user_id", p.UserID), F("kind", pol.Kind), F("new_cycle_start", newStart))
	}
	pol.NextReset = boundary
}

// resolveDaily handles the free/lapsed path: a per-day quota evaluated on the
// user's local calendar, with the client-facing reset always at UTC midnight.
func (r *Resolver) resolveDaily(p *Profile, pol *Policy, loc *time.Location, now time.Time) {
	pol.Limit = r.defaultLimitFor(p, pol.Kind)
	pol.UsageBefore = p.usedFor(pol.Kind)
	pol.NextReset = NextUTCMidnight(now)

	lastAt := p.lastAtFor(pol.Kind)
	reset := lastAt == nil
	if lastAt != nil && CalendarDay(now, loc) > CalendarDay(*lastAt, loc) {
		reset = true
	}
	if reset && pol.UsageBefore != 0 {
		pol.UsageBefore = 0
		pol.Updates[pol.Kind.UsedField()] = 0
		r.metrics.RecordReset(string(pol.Kind), "daily")
		r.logger.Info("daily usage reset",
			F("user_id", p.UserID), F("kind", pol.Kind), F("timezone", loc.String()))
	}
}

// defaultLimitFor returns the profile override or the configured free default.
func (r *Resolver) defaultLimitFor(p *Profile, kind Kind) int {
	if kind == KindEnhancement {
		if p.EnhancementLimit != nil {
			return *p.EnhancementLimit
		}
		return r.cfg.EnhancementLimit
	}
	if p.GenerationLimit != nil {
		return *p.GenerationLimit
	}
	return r.cfg.GenerationLimit
}

func (p *Profile) usedFor(kind Kind) int {
	if kind == KindEnhancement {
		return p.EnhancementsUsed
	}
	return p.GenerationsUsed
}

func (p *Profile) lastAtFor(kind Kind) *time.Time {
	if kind == KindEnhancement {
		return p.LastEnhancementAt
	}
	return p.LastGenerationAt
}
