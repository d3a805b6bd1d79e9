package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

type userAdminRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ListRoles(ctx context.Context, userID string) ([]models.RoleName, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	SetActive(ctx context.Context, id string, active bool, ts time.Time) error
	AssignRole(ctx context.Context, userID string, role models.RoleName, grantedBy *string, ts time.Time) (bool, error)
	RemoveRole(ctx context.Context, userID string, role models.RoleName) (bool, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type sessionRevoker interface {
	AdminRevokeUser(ctx context.Context, userID, reason string, meta models.RequestMeta) error
	RevokeAccessTokens(ctx context.Context, userID, reason string) error
}

// UserAdminService handles administrative user lifecycle and role changes.
type UserAdminService struct {
	repo               userAdminRepository
	revoker            sessionRevoker
	validator          *validator.Validate
	logger             *zap.Logger
	revokeOnDeactivate bool
	now                func() time.Time
}

// NewUserAdminService constructs the service.
func NewUserAdminService(repo userAdminRepository, revoker sessionRevoker, validate *validator.Validate, logger *zap.Logger, revokeOnDeactivate bool, now func() time.Time) *UserAdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if now == nil {
		now = time.Now
	}
	return &UserAdminService{repo: repo, revoker: revoker, validator: validate, logger: logger, revokeOnDeactivate: revokeOnDeactivate, now: now}
}

// List returns users with pagination metadata.
func (s *UserAdminService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, storeUnavailable(err, "failed to list users")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return users, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a user with its roles.
func (s *UserAdminService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	roles, err := s.repo.ListRoles(ctx, id)
	if err != nil {
		return nil, storeUnavailable(err, "failed to load roles")
	}
	user.Roles = roles
	return user, nil
}

// Deactivate marks the user inactive and, when configured, revokes all of its sessions.
func (s *UserAdminService) Deactivate(ctx context.Context, actorID, userID string, meta models.RequestMeta) error {
	if actorID == userID {
		return appErrors.Clone(appErrors.ErrValidation, "administrators cannot deactivate themselves")
	}
	if err := s.setActive(ctx, userID, false); err != nil {
		return err
	}
	s.record(ctx, actorID, userID, models.AuditActionUserDeactivate, map[string]bool{"active": false}, meta)

	if s.revokeOnDeactivate {
		if err := s.revoker.AdminRevokeUser(ctx, userID, models.RevokeReasonDeactivated, meta); err != nil {
			return err
		}
	}
	return nil
}

// Activate marks the user active again.
func (s *UserAdminService) Activate(ctx context.Context, actorID, userID string, meta models.RequestMeta) error {
	if err := s.setActive(ctx, userID, true); err != nil {
		return err
	}
	s.record(ctx, actorID, userID, models.AuditActionUserActivate, map[string]bool{"active": true}, meta)
	return nil
}

// GrantRole grants a role. Granting a held role is a no-op.
func (s *UserAdminService) GrantRole(ctx context.Context, actorID, userID string, req models.GrantRoleRequest, meta models.RequestMeta) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role payload")
	}
	if _, err := s.load(ctx, userID); err != nil {
		return err
	}

	var grantedBy *string
	if actorID != "" {
		grantedBy = &actorID
	}
	granted, err := s.repo.AssignRole(ctx, userID, req.Role, grantedBy, utcNow(s.now))
	if err != nil {
		if errors.Is(err, models.ErrRoleNotFound) {
			return appErrors.Clone(appErrors.ErrValidation, "unknown role")
		}
		return storeUnavailable(err, "failed to grant role")
	}
	if granted {
		s.record(ctx, actorID, userID, models.AuditActionRoleGrant, map[string]models.RoleName{"role": req.Role}, meta)
	}
	return nil
}

// RevokeRole removes a role and invalidates access tokens that still carry it.
// Refresh records stay valid so the next refresh mints tokens with the new roles.
func (s *UserAdminService) RevokeRole(ctx context.Context, actorID, userID string, role models.RoleName, meta models.RequestMeta) error {
	if _, err := s.load(ctx, userID); err != nil {
		return err
	}
	removed, err := s.repo.RemoveRole(ctx, userID, role)
	if err != nil {
		return storeUnavailable(err, "failed to revoke role")
	}
	if !removed {
		return appErrors.Clone(appErrors.ErrNotFound, "user does not hold role")
	}
	s.record(ctx, actorID, userID, models.AuditActionRoleRevoke, map[string]models.RoleName{"role": role}, meta)
	return s.revoker.RevokeAccessTokens(ctx, userID, models.RevokeReasonRoleRevoked)
}

func (s *UserAdminService) load(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, storeUnavailable(err, "failed to load user")
	}
	return user, nil
}

func (s *UserAdminService) setActive(ctx context.Context, userID string, active bool) error {
	if err := s.repo.SetActive(ctx, userID, active, utcNow(s.now)); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return storeUnavailable(err, "failed to update user")
	}
	return nil
}

func (s *UserAdminService) record(ctx context.Context, actorID, userID, action string, values interface{}, meta models.RequestMeta) {
	payload, _ := json.Marshal(values)
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     actor,
		Action:     action,
		Resource:   "user",
		ResourceID: &userID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record user audit log", zap.String("action", action), zap.Error(err))
	}
}
