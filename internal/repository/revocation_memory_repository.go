package repository

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

// MemoryRevocationRegistry keeps revocations in process. It suits single
// instance deployments and tests; entries are dropped by Purge once they can
// no longer match a live token.
type MemoryRevocationRegistry struct {
	tokens    sync.Map // jti -> models.RevokedAccessToken
	users     sync.Map // user id -> models.UserRevocation
	retention time.Duration
	skew      time.Duration
	now       func() time.Time
}

// NewMemoryRevocationRegistry constructs the registry. retention bounds how long
// a revoked-before mark is kept and should cover the access token lifetime.
// Point revocations outlive the token's exp by skew, the leeway verification
// still grants an expired token.
func NewMemoryRevocationRegistry(retention, skew time.Duration) *MemoryRevocationRegistry {
	return &MemoryRevocationRegistry{retention: retention, skew: skew, now: time.Now}
}

// IsRevoked reports whether jti was revoked individually.
func (r *MemoryRevocationRegistry) IsRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := r.tokens.Load(jti)
	return ok, nil
}

// RevokedBefore returns the revoked-before mark for a user.
func (r *MemoryRevocationRegistry) RevokedBefore(_ context.Context, userID string) (time.Time, bool, error) {
	v, ok := r.users.Load(userID)
	if !ok {
		return time.Time{}, false, nil
	}
	return v.(models.UserRevocation).RevokedBefore, true, nil
}

// Revoke records a point revocation.
func (r *MemoryRevocationRegistry) Revoke(_ context.Context, entry models.RevokedAccessToken) error {
	r.tokens.LoadOrStore(entry.JTI, entry)
	return nil
}

// RevokeAll advances the user's revoked-before mark. The mark never moves backwards.
func (r *MemoryRevocationRegistry) RevokeAll(_ context.Context, userID string, before time.Time, reason string) error {
	next := models.UserRevocation{UserID: userID, RevokedBefore: before, Reason: reason, UpdatedAt: r.now().UTC()}
	for {
		current, loaded := r.users.LoadOrStore(userID, next)
		if !loaded {
			return nil
		}
		if !before.After(current.(models.UserRevocation).RevokedBefore) {
			return nil
		}
		if r.users.CompareAndSwap(userID, current, next) {
			return nil
		}
	}
}

// Purge drops entries that can no longer match an unexpired token.
func (r *MemoryRevocationRegistry) Purge(_ context.Context, now time.Time) (int64, error) {
	var removed int64
	r.tokens.Range(func(key, value any) bool {
		if value.(models.RevokedAccessToken).ExpiresAt.Add(r.skew).Before(now) {
			if r.tokens.CompareAndDelete(key, value) {
				removed++
			}
		}
		return true
	})
	r.users.Range(func(key, value any) bool {
		if value.(models.UserRevocation).RevokedBefore.Add(r.retention).Before(now) {
			if r.users.CompareAndDelete(key, value) {
				removed++
			}
		}
		return true
	})
	return removed, nil
}
