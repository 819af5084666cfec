// Package entitlement tracks which users hold the paid "pro" entitlement.
// The billing provider is the source of truth; this package mirrors its
// webhook events into the subscriptions table and answers lookups from it.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProEntitlement is the identifier the billing provider uses for the paid tier.
const ProEntitlement = "pro"

// Checker answers whether a user currently holds the pro entitlement.
type Checker interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// Store reads and mirrors subscription state in the relational database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("entitlement: db required")
	}
	return &Store{db: db}
}

// IsEntitled reports whether the user has an active pro subscription that
// has not expired.
func (s *Store) IsEntitled(ctx context.Context, userID string) (bool, error) {
	query := `
		SELECT 1 FROM subscriptions
		WHERE user_id = $1
		  AND entitlement = $2
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	var exists int
	err := s.db.QueryRowContext(ctx, query, userID, ProEntitlement).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("entitlement: lookup failed: %w", err)
	}
	return true, nil
}

// Activate records a purchase or renewal. Upserts keyed on (user_id,
// entitlement) so replayed webhooks converge on the same row.
func (s *Store) Activate(ctx context.Context, userID string, expiresAt *time.Time) error {
	query := `
		INSERT INTO subscriptions (user_id, entitlement, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, 'active', $3, NOW(), NOW())
		ON CONFLICT (user_id, entitlement) DO UPDATE SET
			status = 'active',
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, userID, ProEntitlement, expiresAt); err != nil {
		return fmt.Errorf("entitlement: activate failed: %w", err)
	}
	return nil
}

// Deactivate marks the user's pro subscription expired.
func (s *Store) Deactivate(ctx context.Context, userID string) error {
	query := `
		UPDATE subscriptions SET status = 'expired', updated_at = NOW()
		WHERE user_id = $1 AND entitlement = $2
	`
	if _, err := s.db.ExecContext(ctx, query, userID, ProEntitlement); err != nil {
		return fmt.Errorf("entitlement: deactivate failed: %w", err)
	}
	return nil
}
