package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

// PostgresRevocationRegistry stores revocations in the relational store.
type PostgresRevocationRegistry struct {
	db        *sqlx.DB
	retention time.Duration
	skew      time.Duration
}

// NewPostgresRevocationRegistry constructs the registry. Point revocations are
// purged only once their token is past exp plus skew.
func NewPostgresRevocationRegistry(db *sqlx.DB, retention, skew time.Duration) *PostgresRevocationRegistry {
	return &PostgresRevocationRegistry{db: db, retention: retention, skew: skew}
}

// IsRevoked reports whether jti was revoked individually.
func (r *PostgresRevocationRegistry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM revoked_access_tokens WHERE jti = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, jti); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// RevokedBefore returns the revoked-before mark for a user.
func (r *PostgresRevocationRegistry) RevokedBefore(ctx context.Context, userID string) (time.Time, bool, error) {
	const query = `SELECT revoked_before FROM user_revocations WHERE user_id = $1`
	var before time.Time
	if err := r.db.GetContext(ctx, &before, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get revoked before: %w", err)
	}
	return before, true, nil
}

// Revoke records a point revocation.
func (r *PostgresRevocationRegistry) Revoke(ctx context.Context, entry models.RevokedAccessToken) error {
	const query = `INSERT INTO revoked_access_tokens (jti, user_id, revoked_at, expires_at, reason) VALUES (:jti, :user_id, :revoked_at, :expires_at, :reason) ON CONFLICT (jti) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// RevokeAll advances the user's revoked-before mark. GREATEST keeps it monotonic
// under concurrent callers.
func (r *PostgresRevocationRegistry) RevokeAll(ctx context.Context, userID string, before time.Time, reason string) error {
	const query = `INSERT INTO user_revocations (user_id, revoked_before, reason, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET revoked_before = GREATEST(user_revocations.revoked_before, EXCLUDED.revoked_before), reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, userID, before, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke all access tokens: %w", err)
	}
	return nil
}

// Purge deletes entries that can no longer match an unexpired token.
func (r *PostgresRevocationRegistry) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expires_at < $1`, now.Add(-r.skew))
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	tokens, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens rows: %w", err)
	}

	res, err = r.db.ExecContext(ctx, `DELETE FROM user_revocations WHERE revoked_before < $1`, now.Add(-r.retention))
	if err != nil {
		return tokens, fmt.Errorf("purge user revocations: %w", err)
	}
	users, err := res.RowsAffected()
	if err != nil {
		return tokens, fmt.Errorf("purge user revocations rows: %w", err)
	}
	return tokens + users, nil
}
