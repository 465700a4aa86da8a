// Package memory provides an in-memory implementation of the profile store
// and failure sink. Primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/visionspark/backend/pkg/entitlement"
)

// Store implements entitlement.ProfileStore and entitlement.FailureSink
// using in-memory maps.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*entitlement.Profile
	failures []*entitlement.FailureRecord
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		profiles: make(map[string]*entitlement.Profile),
	}
}

// Seed inserts or replaces a profile. Test helper.
func (s *Store) Seed(p *entitlement.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UserID] = &cp
}

// Get implements entitlement.ProfileStore.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, entitlement.ErrProfileNotFound
	}

	// Return a copy to prevent external mutations.
	cp := *p
	return &cp, nil
}

// Update implements entitlement.ProfileStore.
func (s *Store) Update(ctx context.Context, userID string, fields map[entitlement.ProfileField]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return entitlement.ErrProfileNotFound
	}
	for field, value := range fields {
		if err := applyField(p, field, value); err != nil {
			return err
		}
	}
	return nil
}

// Append implements entitlement.FailureSink.
func (s *Store) Append(ctx context.Context, rec *entitlement.FailureRecord) error {
	if rec == nil {
		return fmt.Errorf("invalid failure record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.failures = append(s.failures, &cp)
	return nil
}

// Failures returns a snapshot of appended failure records. Test helper.
func (s *Store) Failures() []*entitlement.FailureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entitlement.FailureRecord, len(s.failures))
	copy(out, s.failures)
	return out
}

func applyField(p *entitlement.Profile, field entitlement.ProfileField, value any) error {
	switch field {
	case entitlement.FieldTimezone:
		p.Timezone, _ = value.(string)
	case entitlement.FieldGenerationsUsed:
		n, ok := asInt(value)
		if !ok {
			return fmt.Errorf("field %s: expected int, got %T", field, value)
		}
		p.GenerationsUsed = n
	case entitlement.FieldEnhancementsUsed:
		n, ok := asInt(value)
		if !ok {
			return fmt.Errorf("field %s: expected int, got %T", field, value)
		}
		p.EnhancementsUsed = n
	case entitlement.FieldLastGenerationAt:
		p.LastGenerationAt = asTimePtr(value)
	case entitlement.FieldLastEnhancementAt:
		p.LastEnhancementAt = asTimePtr(value)
	case entitlement.FieldSubscriptionTier:
		if value == nil {
			p.SubscriptionTier = ""
		} else {
			p.SubscriptionTier, _ = value.(string)
		}
	case entitlement.FieldSubscriptionActive:
		p.SubscriptionActive, _ = value.(bool)
	case entitlement.FieldSubscriptionExpiresAt:
		p.SubscriptionExpiresAt = asTimePtr(value)
	case entitlement.FieldSubscriptionCycleStart:
		p.SubscriptionCycleStart = asTimePtr(value)
	default:
		return fmt.Errorf("unknown profile field %q", field)
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func asTimePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		tt := t
		return &tt
	case *time.Time:
		return t
	default:
		return nil
	}
}
