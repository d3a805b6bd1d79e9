package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

const provisionAttempts = 3

type provisioningRepository interface {
	FindBySubject(ctx context.Context, subject string) (*models.User, error)
	CreateWithRole(ctx context.Context, user *models.User, role models.RoleName) error
	UpdateLogin(ctx context.Context, id, email, displayName string, ts time.Time) error
	TouchLogin(ctx context.Context, id string, ts time.Time) error
	ListRoles(ctx context.Context, userID string) ([]models.RoleName, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ProvisioningService maps external identities onto local users.
type ProvisioningService struct {
	repo        provisioningRepository
	validator   *validator.Validate
	logger      *zap.Logger
	defaultRole models.RoleName
	now         func() time.Time
}

// NewProvisioningService constructs the service.
func NewProvisioningService(repo provisioningRepository, validate *validator.Validate, logger *zap.Logger, defaultRole models.RoleName, now func() time.Time) *ProvisioningService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if defaultRole == "" {
		defaultRole = models.RoleUser
	}
	if now == nil {
		now = time.Now
	}
	return &ProvisioningService{repo: repo, validator: validate, logger: logger, defaultRole: defaultRole, now: now}
}

// ResolveUser returns the user bound to identity.Subject, creating it with the
// default role on first sight. Concurrent first logins for one subject converge
// on a single row: the loser of the insert race re-reads the winner's row.
func (s *ProvisioningService) ResolveUser(ctx context.Context, identity models.ExternalIdentity, meta models.RequestMeta) (*models.User, error) {
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	if err := s.validator.Struct(identity); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid external identity")
	}
	if identity.DisplayName == "" {
		identity.DisplayName = emailLocalPart(identity.Email)
	}

	for attempt := 0; attempt < provisionAttempts; attempt++ {
		user, err := s.repo.FindBySubject(ctx, identity.Subject)
		switch {
		case err == nil:
			return s.refresh(ctx, user, identity)
		case !errors.Is(err, models.ErrUserNotFound):
			return nil, storeUnavailable(err, "failed to load user")
		}

		user, err = s.create(ctx, identity, meta)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, models.ErrUserExists) {
			return nil, err
		}
		s.logger.Debug("concurrent first login, retrying lookup", zap.String("subject", identity.Subject), zap.Int("attempt", attempt+1))
	}

	return nil, appErrors.Clone(appErrors.ErrConflict, "user provisioning did not converge")
}

func (s *ProvisioningService) create(ctx context.Context, identity models.ExternalIdentity, meta models.RequestMeta) (*models.User, error) {
	now := utcNow(s.now)
	user := &models.User{
		Subject:     identity.Subject,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Active:      true,
		LastLogin:   &now,
		CreatedAt:   now,
	}
	if err := s.repo.CreateWithRole(ctx, user, s.defaultRole); err != nil {
		switch {
		case errors.Is(err, models.ErrUserExists):
			return nil, err
		case errors.Is(err, models.ErrEmailTaken):
			return nil, appErrors.Clone(appErrors.ErrConflict, "email is already bound to another identity")
		case errors.Is(err, models.ErrRoleNotFound):
			return nil, internalError(err, "default role is not seeded")
		}
		return nil, storeUnavailable(err, "failed to create user")
	}

	payload, _ := json.Marshal(map[string]interface{}{"subject": user.Subject, "email": user.Email, "role": s.defaultRole})
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionUserCreate,
		Resource:   "user",
		ResourceID: &user.ID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record user create audit log", zap.Error(err))
	}

	s.logger.Info("user provisioned", zap.String("user_id", user.ID), zap.String("subject", user.Subject))
	return user, nil
}

func (s *ProvisioningService) refresh(ctx context.Context, user *models.User, identity models.ExternalIdentity) (*models.User, error) {
	now := utcNow(s.now)
	drift := user.Email != identity.Email || user.DisplayName != identity.DisplayName

	if drift {
		err := s.repo.UpdateLogin(ctx, user.ID, identity.Email, identity.DisplayName, now)
		switch {
		case err == nil:
			user.Email = identity.Email
			user.DisplayName = identity.DisplayName
		case errors.Is(err, models.ErrEmailTaken):
			s.logger.Warn("email drift collides with another user, keeping stored email", zap.String("user_id", user.ID))
			if err := s.repo.TouchLogin(ctx, user.ID, now); err != nil {
				return nil, storeUnavailable(err, "failed to update last login")
			}
		default:
			return nil, storeUnavailable(err, "failed to update user")
		}
	} else if err := s.repo.TouchLogin(ctx, user.ID, now); err != nil {
		return nil, storeUnavailable(err, "failed to update last login")
	}
	user.LastLogin = &now

	roles, err := s.repo.ListRoles(ctx, user.ID)
	if err != nil {
		return nil, storeUnavailable(err, "failed to load roles")
	}
	user.Roles = roles
	return user, nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
