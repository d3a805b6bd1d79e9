package service

import (
	"context"
	"time"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

// RevocationRegistry answers whether an access token has been revoked, either
// individually by jti or in bulk through a per-user revoked-before mark.
// Implementations live in the repository package (memory, redis, postgres).
type RevocationRegistry interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	RevokedBefore(ctx context.Context, userID string) (time.Time, bool, error)
	Revoke(ctx context.Context, entry models.RevokedAccessToken) error
	RevokeAll(ctx context.Context, userID string, before time.Time, reason string) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// RevokedByMark reports whether a token issued at issuedAt falls under a
// revoked-before mark. Comparison is at whole seconds since iat carries no
// finer precision, so a token minted in the same second as the mark is revoked.
func RevokedByMark(issuedAt, mark time.Time) bool {
	return !issuedAt.Truncate(time.Second).After(mark.Truncate(time.Second))
}

func storeUnavailable(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, message)
}

func internalError(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func utcNow(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}
