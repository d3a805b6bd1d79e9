package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

type refreshCredentialStore interface {
	Lookup(ctx context.Context, raw string) (*models.RefreshToken, error)
	Validate(record *models.RefreshToken, now time.Time) error
	Consume(ctx context.Context, raw string, mode ConsumeMode, meta models.RequestMeta) (*ConsumeResult, error)
	Revoke(ctx context.Context, recordID, reason string) error
}

type refreshUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ListRoles(ctx context.Context, userID string) ([]models.RoleName, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type userSessionRevoker interface {
	AdminRevokeUser(ctx context.Context, userID, reason string, meta models.RequestMeta) error
}

// refreshPolicy is the strategy selected once at startup from REFRESH_POLICY.
type refreshPolicy interface {
	name() string
	refresh(ctx context.Context, req models.RefreshSessionRequest) (*models.RefreshSessionResponse, error)
}

// RefreshService renews access tokens from refresh credentials.
type RefreshService struct {
	policy    refreshPolicy
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// RefreshDeps groups the collaborators of the refresh flow.
type RefreshDeps struct {
	Store   refreshCredentialStore
	Users   refreshUserRepository
	Codec   accessTokenMinter
	Revoker userSessionRevoker
	Metrics *MetricsService
	Logger  *zap.Logger
	Now     func() time.Time
}

// NewRefreshService builds the service for the configured policy.
func NewRefreshService(deps RefreshDeps, validate *validator.Validate, cfg config.SessionConfig) (*RefreshService, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if validate == nil {
		validate = validator.New()
	}

	var policy refreshPolicy
	switch cfg.RefreshPolicy {
	case config.RefreshPolicyForcedReauth:
		policy = &forcedReauthPolicy{store: deps.Store, now: deps.Now}
	case config.RefreshPolicySilentRefresh, "":
		mode := ConsumeRotate
		if cfg.Rotation == config.RotationReuse {
			mode = ConsumeReuse
		}
		policy = &silentRefreshPolicy{
			deps:        deps,
			mode:        mode,
			accessTTL:   cfg.AccessTokenTTL,
			detectReuse: cfg.DetectReuse,
			reuseGrace:  cfg.ReuseGrace,
		}
	default:
		return nil, fmt.Errorf("unknown refresh policy %q", cfg.RefreshPolicy)
	}

	return &RefreshService{policy: policy, validator: validate, logger: deps.Logger, metrics: deps.Metrics}, nil
}

// Policy returns the active policy name.
func (s *RefreshService) Policy() string {
	return s.policy.name()
}

// Refresh exchanges a refresh credential. It returns RequiresReauth when policy
// forbids silent renewal of a still-valid credential, and a hard error when the
// credential itself is unknown, expired or revoked.
func (s *RefreshService) Refresh(ctx context.Context, req models.RefreshSessionRequest) (*models.RefreshSessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	res, err := s.policy.refresh(ctx, req)
	outcome := refreshOutcome(res, err)
	s.metrics.RefreshOutcome(outcome)

	switch outcome {
	case OutcomeSuccess, OutcomeRequiresReauth:
	case OutcomeRaceLost:
		s.logger.Debug("refresh lost rotation race")
	case OutcomeStoreError:
		s.logger.Error("refresh failed on store", zap.Error(err))
	default:
		s.logger.Info("refresh rejected", zap.String("outcome", outcome))
	}
	return res, err
}

func refreshOutcome(res *models.RefreshSessionResponse, err error) string {
	switch {
	case err == nil && res != nil && res.RequiresReauth:
		return OutcomeRequiresReauth
	case err == nil:
		return OutcomeSuccess
	case appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked):
		return OutcomeRaceLost
	case appErrors.Is(err, appErrors.ErrRefreshRevoked):
		return OutcomeRevoked
	case appErrors.Is(err, appErrors.ErrRefreshExpired):
		return OutcomeExpired
	case appErrors.Is(err, appErrors.ErrRefreshNotFound):
		return OutcomeNotFound
	case appErrors.Is(err, appErrors.ErrInactiveAccount):
		return OutcomeInactive
	case appErrors.Is(err, appErrors.ErrStoreUnavailable):
		return OutcomeStoreError
	default:
		return "error"
	}
}

type forcedReauthPolicy struct {
	store refreshCredentialStore
	now   func() time.Time
}

func (p *forcedReauthPolicy) name() string { return config.RefreshPolicyForcedReauth }

// refresh never renews. A live credential means the session could be extended,
// so the client is sent back to the IdP; a dead one is rejected outright.
func (p *forcedReauthPolicy) refresh(ctx context.Context, req models.RefreshSessionRequest) (*models.RefreshSessionResponse, error) {
	record, err := p.store.Lookup(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := p.store.Validate(record, utcNow(p.now)); err != nil {
		return nil, err
	}
	return &models.RefreshSessionResponse{RequiresReauth: true}, nil
}

type silentRefreshPolicy struct {
	deps        RefreshDeps
	mode        ConsumeMode
	accessTTL   time.Duration
	detectReuse bool
	reuseGrace  time.Duration
}

func (p *silentRefreshPolicy) name() string { return config.RefreshPolicySilentRefresh }

// refresh loads the owner and mints the access token before consuming the
// credential, so a failure on the way leaves the credential usable for a retry.
// Nothing after a successful Consume can fail.
func (p *silentRefreshPolicy) refresh(ctx context.Context, req models.RefreshSessionRequest) (*models.RefreshSessionResponse, error) {
	meta := models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent}

	record, err := p.deps.Store.Lookup(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Store.Validate(record, utcNow(p.deps.Now)); err != nil {
		if appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked) {
			p.checkReuse(ctx, record, meta)
		}
		return nil, err
	}

	user, err := p.deps.Users.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, appErrors.ErrRefreshNotFound
		}
		return nil, storeUnavailable(err, "failed to load user")
	}
	if !user.Active {
		if err := p.deps.Store.Revoke(ctx, record.ID, models.RevokeReasonDeactivated); err != nil {
			p.deps.Logger.Warn("failed to revoke refresh token of inactive user", zap.String("refresh_id", record.ID), zap.Error(err))
		}
		return nil, appErrors.ErrInactiveAccount
	}

	roles, err := p.deps.Users.ListRoles(ctx, user.ID)
	if err != nil {
		return nil, storeUnavailable(err, "failed to load roles")
	}

	accessToken, claims, err := p.deps.Codec.Mint(user.ID, user.Email, roles, p.accessTTL)
	if err != nil {
		return nil, internalError(err, "failed to create access token")
	}

	result, err := p.deps.Store.Consume(ctx, req.RefreshToken, p.mode, meta)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked) && result != nil {
			p.checkReuse(ctx, result.Record, meta)
		}
		return nil, err
	}

	res := &models.RefreshSessionResponse{
		AccessToken: accessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(p.accessTTL.Seconds()),
	}
	issuedAt := claims.IssuedAt.Time.UTC()
	res.IssuedAt = &issuedAt

	values := map[string]string{"jti": claims.ID, "refresh_id": result.Record.ID}
	if result.Next != nil {
		res.RefreshToken = result.NextRaw
		values["rotated_to"] = result.Next.ID
	}
	payload, _ := json.Marshal(values)
	if err := p.deps.Users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionSessionRefresh,
		Resource:   "session",
		ResourceID: &result.Record.ID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		p.deps.Logger.Warn("failed to record refresh audit log", zap.Error(err))
	}

	return res, nil
}

// checkReuse treats a rotated credential presented well after its rotation as
// a replay and revokes every session of the owner. Presentations inside the
// grace window are ordinary duplicate requests.
func (p *silentRefreshPolicy) checkReuse(ctx context.Context, record *models.RefreshToken, meta models.RequestMeta) {
	if !p.detectReuse || p.deps.Revoker == nil || record == nil {
		return
	}
	if record.Reason() != models.RevokeReasonRotated || record.RevokedAt == nil {
		return
	}
	if utcNow(p.deps.Now).Sub(*record.RevokedAt) <= p.reuseGrace {
		return
	}

	p.deps.Metrics.RefreshOutcome(OutcomeReuseDetected)
	p.deps.Logger.Warn("rotated refresh token replayed, revoking user sessions",
		zap.String("user_id", record.UserID),
		zap.String("refresh_id", record.ID),
		zap.String("ip", meta.IP))
	if err := p.deps.Revoker.AdminRevokeUser(ctx, record.UserID, models.RevokeReasonReuseDetected, meta); err != nil {
		p.deps.Logger.Error("failed to revoke sessions after refresh reuse", zap.String("user_id", record.UserID), zap.Error(err))
	}
}
