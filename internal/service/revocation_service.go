package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

type refreshRevoker interface {
	Lookup(ctx context.Context, raw string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, recordID, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
}

// LogoutRequest names the access token and refresh record to revoke together.
type LogoutRequest struct {
	UserID          string
	TokenID         string
	TokenExpiresAt  time.Time
	RefreshRecordID string
	Meta            models.RequestMeta
}

// RevocationService performs explicit revocations for logout and admin actions.
type RevocationService struct {
	registry RevocationRegistry
	refresh  refreshRevoker
	audit    auditRecorder
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// NewRevocationService constructs the service.
func NewRevocationService(registry RevocationRegistry, refresh refreshRevoker, audit auditRecorder, metrics *MetricsService, logger *zap.Logger, now func() time.Time) *RevocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &RevocationService{registry: registry, refresh: refresh, audit: audit, metrics: metrics, logger: logger, now: now}
}

// Logout revokes the access token and, when given, the refresh record in one call.
func (s *RevocationService) Logout(ctx context.Context, req LogoutRequest) error {
	now := utcNow(s.now)
	if req.TokenID != "" {
		if err := s.registry.Revoke(ctx, models.RevokedAccessToken{
			JTI:       req.TokenID,
			UserID:    req.UserID,
			RevokedAt: now,
			ExpiresAt: req.TokenExpiresAt,
			Reason:    models.RevokeReasonLogout,
		}); err != nil {
			return storeUnavailable(err, "failed to revoke access token")
		}
		s.metrics.Revoked(RevocationKindToken)
	}

	if req.RefreshRecordID != "" {
		if err := s.refresh.Revoke(ctx, req.RefreshRecordID, models.RevokeReasonLogout); err != nil {
			return err
		}
		s.metrics.Revoked(RevocationKindRefresh)
	}

	s.record(ctx, req.UserID, models.AuditActionLogout, map[string]string{"jti": req.TokenID, "refresh_id": req.RefreshRecordID}, req.Meta)
	return nil
}

// LogoutWithCredential resolves a raw refresh credential owned by principal and
// revokes it together with the presented access token. An unknown credential
// still revokes the access token.
func (s *RevocationService) LogoutWithCredential(ctx context.Context, principal *models.Principal, rawRefresh string, meta models.RequestMeta) error {
	req := LogoutRequest{
		UserID:         principal.UserID,
		TokenID:        principal.TokenID,
		TokenExpiresAt: principal.ExpiresAt,
		Meta:           meta,
	}

	if rawRefresh != "" {
		record, err := s.refresh.Lookup(ctx, rawRefresh)
		switch {
		case err == nil:
			if record.UserID != principal.UserID {
				return appErrors.Clone(appErrors.ErrForbidden, "refresh token does not belong to user")
			}
			req.RefreshRecordID = record.ID
		case appErrors.Is(err, appErrors.ErrRefreshNotFound):
			s.logger.Debug("logout with unknown refresh token", zap.String("user_id", principal.UserID))
		default:
			return err
		}
	}

	return s.Logout(ctx, req)
}

// AdminRevokeUser revokes every outstanding access token and refresh record of userID.
func (s *RevocationService) AdminRevokeUser(ctx context.Context, userID, reason string, meta models.RequestMeta) error {
	if reason == "" {
		reason = models.RevokeReasonAdmin
	}
	if err := s.RevokeAccessTokens(ctx, userID, reason); err != nil {
		return err
	}

	n, err := s.refresh.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		return err
	}
	s.metrics.Revoked(RevocationKindRefresh)

	s.logger.Info("user sessions revoked", zap.String("user_id", userID), zap.String("reason", reason), zap.Int64("refresh_tokens", n))
	s.record(ctx, userID, models.AuditActionRevokeAll, map[string]interface{}{"reason": reason, "refresh_tokens": n}, meta)
	return nil
}

// RevokeAccessTokens invalidates every access token of userID issued up to now
// while leaving refresh records usable.
func (s *RevocationService) RevokeAccessTokens(ctx context.Context, userID, reason string) error {
	if err := s.registry.RevokeAll(ctx, userID, utcNow(s.now), reason); err != nil {
		return storeUnavailable(err, "failed to revoke access tokens")
	}
	s.metrics.Revoked(RevocationKindUser)
	return nil
}

func (s *RevocationService) record(ctx context.Context, userID, action string, values interface{}, meta models.RequestMeta) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "session",
		ResourceID: &userID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record revocation audit log", zap.String("action", action), zap.Error(err))
	}
}
