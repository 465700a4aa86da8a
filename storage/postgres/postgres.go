// Package postgres provides a PostgreSQL implementation of the profile store
// and failure sink using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visionspark/backend/pkg/entitlement"
)

// Store implements entitlement.ProfileStore and entitlement.FailureSink
// using PostgreSQL. Partial updates build a SET list from the requested
// fields only, so unspecified columns are never clobbered.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// allowedColumns guards the dynamic SET list; only profile columns the
// accounting and reconciliation code writes are accepted.
var allowedColumns = map[entitlement.ProfileField]bool{
	entitlement.FieldTimezone:               true,
	entitlement.FieldGenerationsUsed:        true,
	entitlement.FieldEnhancementsUsed:       true,
	entitlement.FieldLastGenerationAt:       true,
	entitlement.FieldLastEnhancementAt:      true,
	entitlement.FieldSubscriptionTier:       true,
	entitlement.FieldSubscriptionActive:     true,
	entitlement.FieldSubscriptionExpiresAt:  true,
	entitlement.FieldSubscriptionCycleStart: true,
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements entitlement.ProfileStore.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Profile, error) {
	p := &entitlement.Profile{UserID: userID}
	var timezone, tier *string
	err := s.pool.QueryRow(ctx, `
		SELECT timezone,
		       generations_used_in_period, enhancements_used_in_period,
		       last_generation_at, last_enhancement_at,
		       generation_limit, enhancement_limit,
		       subscription_tier, subscription_active,
		       subscription_expires_at, subscription_cycle_start_at
		FROM profiles WHERE user_id = $1`, userID).Scan(
		&timezone,
		&p.GenerationsUsed, &p.EnhancementsUsed,
		&p.LastGenerationAt, &p.LastEnhancementAt,
		&p.GenerationLimit, &p.EnhancementLimit,
		&tier, &p.SubscriptionActive,
		&p.SubscriptionExpiresAt, &p.SubscriptionCycleStart,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlement.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if timezone != nil {
		p.Timezone = *timezone
	}
	if tier != nil {
		p.SubscriptionTier = *tier
	}
	return p, nil
}

// Update implements entitlement.ProfileStore.
func (s *Store) Update(ctx context.Context, userID string, fields map[entitlement.ProfileField]any) error {
	if len(fields) == 0 {
		return nil
	}

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	args = append(args, userID)
	for field, value := range fields {
		if !allowedColumns[field] {
			return fmt.Errorf("unknown profile field %q", field)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", field, len(args)))
	}

	query := fmt.Sprintf("UPDATE profiles SET %s WHERE user_id = $1", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrProfileNotFound
	}
	return nil
}

// Append implements entitlement.FailureSink.
func (s *Store) Append(ctx context.Context, rec *entitlement.FailureRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid failure record")
	}

	payload := make(map[string]any, len(rec.Updates))
	for field, value := range rec.Updates {
		payload[string(field)] = value
	}
	updates, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode failure payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscription_update_failures
			(id, user_id, product_id, purchase_token, updates, error_kind, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.ProductID, rec.PurchaseToken,
		updates, rec.ErrorKind, rec.ErrorDetail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append failure record: %w", err)
	}
	return nil
}
