package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

const tokenTypeBearer = "Bearer"

type accessTokenMinter interface {
	Mint(subjectID, email string, roles []models.RoleName, ttl time.Duration) (string, *models.AccessClaims, error)
}

type identityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*models.ExternalIdentity, error)
}

type userResolver interface {
	ResolveUser(ctx context.Context, identity models.ExternalIdentity, meta models.RequestMeta) (*models.User, error)
}

type refreshIssuer interface {
	Issue(ctx context.Context, userID string, ttl time.Duration, meta models.RequestMeta) (string, *models.RefreshToken, error)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// SessionService turns a verified external identity into an access and refresh token pair.
type SessionService struct {
	verifier  identityVerifier
	users     userResolver
	codec     accessTokenMinter
	refresh   refreshIssuer
	audit     auditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       config.SessionConfig
}

// NewSessionService constructs the service. verifier may be nil when sessions
// are only issued through IssueSession.
func NewSessionService(verifier identityVerifier, users userResolver, codec accessTokenMinter, refresh refreshIssuer, audit auditRecorder, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg config.SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SessionService{
		verifier:  verifier,
		users:     users,
		codec:     codec,
		refresh:   refresh,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// CreateSession verifies an IdP ID token and issues a session for its subject.
func (s *SessionService) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if s.verifier == nil {
		return nil, appErrors.Clone(appErrors.ErrIdentityUnverified, "identity provider is not configured")
	}

	identity, err := s.verifier.Verify(ctx, req.IDToken)
	if err != nil {
		return nil, err
	}

	session, err := s.IssueSession(ctx, *identity, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
	if err != nil {
		return nil, err
	}

	return &models.SessionResponse{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		IssuedAt:     session.AccessClaims.IssuedAt.Time.UTC(),
		User: models.UserInfo{
			ID:          session.User.ID,
			Email:       session.User.Email,
			DisplayName: session.User.DisplayName,
			Roles:       session.User.Roles,
		},
	}, nil
}

// IssueSession resolves the user, mints an access token and issues a refresh
// credential. Any failing step aborts the whole operation.
func (s *SessionService) IssueSession(ctx context.Context, identity models.ExternalIdentity, meta models.RequestMeta) (*models.Session, error) {
	user, err := s.users.ResolveUser(ctx, identity, meta)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}

	accessToken, claims, err := s.codec.Mint(user.ID, user.Email, user.Roles, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, internalError(err, "failed to create access token")
	}

	refreshRaw, record, err := s.refresh.Issue(ctx, user.ID, s.cfg.RefreshTokenTTL, meta)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"jti": claims.ID, "refresh_id": record.ID})
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionSessionIssue,
		Resource:   "session",
		ResourceID: &record.ID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record session audit log", zap.Error(err))
	}

	s.metrics.SessionIssued()
	s.logger.Info("session issued", zap.String("user_id", user.ID), zap.String("jti", claims.ID))

	return &models.Session{
		AccessToken:      accessToken,
		AccessClaims:     claims,
		RefreshToken:     refreshRaw,
		RefreshTokenID:   record.ID,
		RefreshExpiresAt: record.ExpiresAt,
		User:             user,
	}, nil
}
