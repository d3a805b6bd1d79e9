package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

type accessTokenVerifier interface {
	Verify(signed string) (*models.AccessClaims, error)
}

// revocationStatusReader is implemented by registries that answer the jti and
// revoked-before checks in a single round trip.
type revocationStatusReader interface {
	Status(ctx context.Context, jti, userID string) (revoked bool, before time.Time, hasMark bool, err error)
}

// AuthenticatorService admits requests bearing a valid, unrevoked access token.
// It only reads from the registry and never touches refresh records.
type AuthenticatorService struct {
	codec    accessTokenVerifier
	registry RevocationRegistry
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewAuthenticatorService constructs the service.
func NewAuthenticatorService(codec accessTokenVerifier, registry RevocationRegistry, metrics *MetricsService, logger *zap.Logger) *AuthenticatorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthenticatorService{codec: codec, registry: registry, metrics: metrics, logger: logger}
}

// Authenticate verifies signed and checks it against the revocation registry.
// Errors keep their kind (malformed, signature, expired, revoked, store) for
// logging and metrics; the HTTP layer collapses them into one response.
func (s *AuthenticatorService) Authenticate(ctx context.Context, signed string) (*models.Principal, error) {
	principal, err := s.authenticate(ctx, signed)
	outcome := authenticateOutcome(err)
	s.metrics.AuthenticateOutcome(outcome)
	if outcome == OutcomeStoreError {
		s.logger.Error("revocation registry unavailable", zap.Error(err))
	}
	return principal, err
}

func (s *AuthenticatorService) authenticate(ctx context.Context, signed string) (*models.Principal, error) {
	claims, err := s.codec.Verify(signed)
	if err != nil {
		return nil, err
	}

	revoked, before, hasMark, err := s.status(ctx, claims.ID, claims.Subject)
	if err != nil {
		return nil, storeUnavailable(err, "failed to check token revocation")
	}
	if revoked {
		return nil, appErrors.ErrTokenRevoked
	}
	if hasMark && RevokedByMark(claims.IssuedAt.Time, before) {
		return nil, appErrors.ErrTokenRevoked
	}

	return &models.Principal{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

func (s *AuthenticatorService) status(ctx context.Context, jti, userID string) (bool, time.Time, bool, error) {
	if reader, ok := s.registry.(revocationStatusReader); ok {
		return reader.Status(ctx, jti, userID)
	}
	revoked, err := s.registry.IsRevoked(ctx, jti)
	if err != nil || revoked {
		return revoked, time.Time{}, false, err
	}
	before, hasMark, err := s.registry.RevokedBefore(ctx, userID)
	return false, before, hasMark, err
}

func authenticateOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case appErrors.Is(err, appErrors.ErrTokenExpired):
		return OutcomeExpired
	case appErrors.Is(err, appErrors.ErrTokenRevoked):
		return OutcomeRevoked
	case appErrors.Is(err, appErrors.ErrTokenSignatureInvalid):
		return OutcomeSignature
	case appErrors.Is(err, appErrors.ErrStoreUnavailable):
		return OutcomeStoreError
	default:
		return OutcomeMalformed
	}
}
