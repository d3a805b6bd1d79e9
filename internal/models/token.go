package models

import "time"

// Revocation reasons recorded on refresh rows and registry entries.
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonRotated       = "rotated"
	RevokeReasonAdmin         = "admin_revoke"
	RevokeReasonDeactivated   = "deactivated"
	RevokeReasonReuseDetected = "reuse_detected"
	RevokeReasonRoleRevoked   = "role_revoked"
)

// RefreshToken represents a persisted refresh credential. Only the hash of the
// credential is ever stored.
type RefreshToken struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	TokenHash     string     `db:"token_hash" json:"-"`
	IssuedAt      time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	LastUsedAt    *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	Revoked       bool       `db:"revoked" json:"revoked"`
	RevokedAt     *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedReason *string    `db:"revoked_reason" json:"revoked_reason,omitempty"`
	RotatedFromID *string    `db:"rotated_from_id" json:"rotated_from_id,omitempty"`
	IPAddress     string     `db:"ip_address" json:"ip_address"`
	UserAgent     string     `db:"user_agent" json:"user_agent"`
}

// Expired reports whether the record is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Reason returns the revocation reason or an empty string.
func (t *RefreshToken) Reason() string {
	if t.RevokedReason == nil {
		return ""
	}
	return *t.RevokedReason
}

// RevokedAccessToken is a point revocation of a single access token id.
type RevokedAccessToken struct {
	JTI       string    `db:"jti" json:"jti"`
	UserID    string    `db:"user_id" json:"user_id"`
	RevokedAt time.Time `db:"revoked_at" json:"revoked_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Reason    string    `db:"reason" json:"reason"`
}

// UserRevocation records the revoked-before instant for a user. Every access
// token issued at or before RevokedBefore is considered revoked.
type UserRevocation struct {
	UserID        string    `db:"user_id" json:"user_id"`
	RevokedBefore time.Time `db:"revoked_before" json:"revoked_before"`
	Reason        string    `db:"reason" json:"reason"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
