package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

const refreshColumns = `id, user_id, token_hash, issued_at, expires_at, last_used_at, revoked, revoked_at, revoked_reason, rotated_from_id, ip_address, user_agent`

const insertRefreshQuery = `INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at, last_used_at, revoked, revoked_at, revoked_reason, rotated_from_id, ip_address, user_agent) VALUES (:id, :user_id, :token_hash, :issued_at, :expires_at, :last_used_at, :revoked, :revoked_at, :revoked_reason, :rotated_from_id, :ip_address, :user_agent)`

// RefreshTokenRepository persists hashed refresh credentials.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs the repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create inserts a new refresh record.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if _, err := r.db.NamedExecContext(ctx, insertRefreshQuery, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the record keyed by the credential hash.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Rotate revokes consumedID and inserts next in the same transaction. The
// revoke is a compare-and-swap on revoked = FALSE, so of two concurrent
// rotations of one record exactly one commits; the other gets
// models.ErrRefreshTokenRevoked. A record that expired in the meantime is
// treated the same way.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, consumedID string, next *models.RefreshToken, at time.Time) (err error) {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.RotatedFromID = &consumedID

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const revokeQuery = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, revoked_reason = $3, last_used_at = $2 WHERE id = $1 AND revoked = FALSE AND expires_at > $2`
	res, err := tx.ExecContext(ctx, revokeQuery, consumedID, at, models.RevokeReasonRotated)
	if err != nil {
		return fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rotated refresh token rows: %w", err)
	}
	if affected == 0 {
		err = models.ErrRefreshTokenRevoked
		return err
	}

	if _, err = tx.NamedExecContext(ctx, insertRefreshQuery, next); err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}

// Touch records a use of a still-active record.
func (r *RefreshTokenRepository) Touch(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET last_used_at = $2 WHERE id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("touch refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch refresh token rows: %w", err)
	}
	if affected == 0 {
		return models.ErrRefreshTokenRevoked
	}
	return nil
}

// Revoke marks a single record revoked. It reports false when the record was
// already revoked or does not exist.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForUser revokes every active record of a user.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, revoked_reason = $3 WHERE user_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens rows: %w", err)
	}
	return affected, nil
}

// DeleteExpired removes records whose expiry is before cutoff.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens rows: %w", err)
	}
	return affected, nil
}
