// Package firestore provides a Firestore implementation of the profile store
// and failure sink.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/visionspark/backend/pkg/entitlement"
)

// Store implements entitlement.ProfileStore and entitlement.FailureSink
// using Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	profilesCollection string
	failuresCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// ProfilesCollection is the collection for user profiles.
	// Default: "profiles".
	ProfilesCollection string

	// FailuresCollection is the append-only collection for reconciliation
	// failure records. Default: "subscription_update_failures".
	FailuresCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}
	if config.FailuresCollection == "" {
		config.FailuresCollection = "subscription_update_failures"
	}
	return &Store{
		client:             client,
		profilesCollection: config.ProfilesCollection,
		failuresCollection: config.FailuresCollection,
	}, nil
}

// Get implements entitlement.ProfileStore.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Profile, error) {
	snap, err := s.client.Collection(s.profilesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrProfileNotFound
	}

	data := snap.Data()
	p := &entitlement.Profile{
		UserID:             userID,
		Timezone:           getString(data, string(entitlement.FieldTimezone)),
		GenerationsUsed:    getInt(data, string(entitlement.FieldGenerationsUsed)),
		EnhancementsUsed:   getInt(data, string(entitlement.FieldEnhancementsUsed)),
		SubscriptionTier:   getString(data, string(entitlement.FieldSubscriptionTier)),
		SubscriptionActive: getBool(data, string(entitlement.FieldSubscriptionActive)),
	}
	p.LastGenerationAt = getTimePtr(data, string(entitlement.FieldLastGenerationAt))
	p.LastEnhancementAt = getTimePtr(data, string(entitlement.FieldLastEnhancementAt))
	p.SubscriptionExpiresAt = getTimePtr(data, string(entitlement.FieldSubscriptionExpiresAt))
	p.SubscriptionCycleStart = getTimePtr(data, string(entitlement.FieldSubscriptionCycleStart))
	p.GenerationLimit = getIntPtr(data, "generation_limit")
	p.EnhancementLimit = getIntPtr(data, "enhancement_limit")
	return p, nil
}

// Update implements entitlement.ProfileStore. Only the named fields are
// touched; a nil value clears the column.
func (s *Store) Update(ctx context.Context, userID string, fields map[entitlement.ProfileField]any) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make([]firestore.Update, 0, len(fields))
	for field, value := range fields {
		updates = append(updates, firestore.Update{Path: string(field), Value: value})
	}
	_, err := s.client.Collection(s.profilesCollection).Doc(userID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return entitlement.ErrProfileNotFound
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// Append implements entitlement.FailureSink. Records are append-only; nothing
// in this service ever deletes them.
func (s *Store) Append(ctx context.Context, rec *entitlement.FailureRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid failure record")
	}

	updates := make(map[string]any, len(rec.Updates))
	for field, value := range rec.Updates {
		updates[string(field)] = value
	}

	_, err := s.client.Collection(s.failuresCollection).Doc(rec.ID).Create(ctx, map[string]any{
		"user_id":        rec.UserID,
		"product_id":     rec.ProductID,
		"purchase_token": rec.PurchaseToken,
		"updates":        updates,
		"error_kind":     rec.ErrorKind,
		"error_detail":   rec.ErrorDetail,
		"created_at":     rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to append failure record: %w", err)
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getIntPtr(data map[string]interface{}, key string) *int {
	if _, ok := data[key]; !ok {
		return nil
	}
	if data[key] == nil {
		return nil
	}
	n := getInt(data, key)
	return &n
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}
