package entitlement

import (
	"context"
)

// ProfileField names a mutable profile column. Updates are keyed by
// ProfileField so partial writes never clobber unspecified columns.
type ProfileField string

const (
	FieldTimezone ProfileField = "timezone"

	FieldGenerationsUsed   ProfileField = "generations_used_in_period"
	FieldEnhancementsUsed  ProfileField = "enhancements_used_in_period"
	FieldLastGenerationAt  ProfileField = "last_generation_at"
	FieldLastEnhancementAt ProfileField = "last_enhancement_at"

	FieldSubscriptionTier       ProfileField = "subscription_tier"
	FieldSubscriptionActive     ProfileField = "subscription_active"
	FieldSubscriptionExpiresAt  ProfileField = "subscription_expires_at"
	FieldSubscriptionCycleStart ProfileField = "subscription_cycle_start_at"
)

// UsedField returns the usage-counter field for a resource kind.
func (k Kind) UsedField() ProfileField {
	if k == KindEnhancement {
		return FieldEnhancementsUsed
	}
	return FieldGenerationsUsed
}

// LastAtField returns the last-usage-timestamp field for a resource kind.
func (k Kind) LastAtField() ProfileField {
	if k == KindEnhancement {
		return FieldLastEnhancementAt
	}
	return FieldLastGenerationAt
}

// ProfileStore is the persistence contract for user profiles. Implementations
// live under storage/.
type ProfileStore interface {
	// Get retrieves a profile. Returns ErrProfileNotFound when no row exists.
	Get(ctx context.Context, userID string) (*Profile, error)

	// Update applies a partial update. Fields absent from the map must be
	// left untouched; a nil value clears the column.
	Update(ctx context.Context, userID string, fields map[ProfileField]any) error
}

// FailureSink is the durable, append-only record of reconciliation failures.
type FailureSink interface {
	// Append stores a failure record. Best-effort from the caller's point of
	// view; callers swallow and log the error.
	Append(ctx context.Context, rec *FailureRecord) error
}
