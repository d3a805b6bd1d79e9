package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
	"github.com/noah-isme/sma-adp-session/pkg/response"
)

type userAdministrator interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.User, error)
	Deactivate(ctx context.Context, actorID, userID string, meta models.RequestMeta) error
	Activate(ctx context.Context, actorID, userID string, meta models.RequestMeta) error
	GrantRole(ctx context.Context, actorID, userID string, req models.GrantRoleRequest, meta models.RequestMeta) error
	RevokeRole(ctx context.Context, actorID, userID string, role models.RoleName, meta models.RequestMeta) error
}

type userSessionRevoker interface {
	AdminRevokeUser(ctx context.Context, userID, reason string, meta models.RequestMeta) error
}

// AdminHandler exposes administrative user and session endpoints.
type AdminHandler struct {
	users     userAdministrator
	revoker   userSessionRevoker
	validator *validator.Validate
}

// NewAdminHandler creates a new handler.
func NewAdminHandler(users userAdministrator, revoker userSessionRevoker, validate *validator.Validate) *AdminHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &AdminHandler{users: users, revoker: revoker, validator: validate}
}

// ListUsers godoc
// @Summary List users
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param role query string false "Role filter"
// @Param active query bool false "Active filter"
// @Param search query string false "Search term"
// @Param sort_by query string false "Sort by"
// @Param sort_order query string false "Sort order"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/users [get]
func (h *AdminHandler) ListUsers(c *gin.Context) {
	var filter models.UserFilter

	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil {
		filter.PageSize = size
	}
	if role := c.Query("role"); role != "" {
		r := models.RoleName(strings.ToUpper(role))
		filter.Role = &r
	}
	if active := c.Query("active"); active != "" {
		if val, err := strconv.ParseBool(active); err == nil {
			filter.Active = &val
		}
	}
	filter.Search = c.Query("search")
	filter.SortBy = c.Query("sort_by")
	filter.SortOrder = c.Query("sort_order")

	users, pagination, err := h.users.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, users, pagination)
}

// GetUser godoc
// @Summary Get user
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id} [get]
func (h *AdminHandler) GetUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user, nil)
}

// RevokeSessions godoc
// @Summary Revoke all sessions of a user
// @Description Invalidates every access token and refresh token the user holds
// @Tags Admin
// @Accept json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body models.AdminRevokeRequest false "Reason"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /admin/users/{id}/revoke [post]
func (h *AdminHandler) RevokeSessions(c *gin.Context) {
	var req models.AdminRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}

	if err := h.revoker.AdminRevokeUser(c.Request.Context(), c.Param("id"), req.Reason, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Deactivate godoc
// @Summary Deactivate user
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/deactivate [post]
func (h *AdminHandler) Deactivate(c *gin.Context) {
	if err := h.users.Deactivate(c.Request.Context(), actorID(c), c.Param("id"), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Activate godoc
// @Summary Activate user
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/activate [post]
func (h *AdminHandler) Activate(c *gin.Context) {
	if err := h.users.Activate(c.Request.Context(), actorID(c), c.Param("id"), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// GrantRole godoc
// @Summary Grant role
// @Tags Admin
// @Accept json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body models.GrantRoleRequest true "Role"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/roles [post]
func (h *AdminHandler) GrantRole(c *gin.Context) {
	var req models.GrantRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid role payload"))
		return
	}
	req.Role = models.RoleName(strings.ToUpper(string(req.Role)))

	if err := h.users.GrantRole(c.Request.Context(), actorID(c), c.Param("id"), req, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RevokeRole godoc
// @Summary Revoke role
// @Description Removes the role and invalidates access tokens that still carry it
// @Tags Admin
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param role path string true "Role"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/roles/{role} [delete]
func (h *AdminHandler) RevokeRole(c *gin.Context) {
	role := models.RoleName(strings.ToUpper(c.Param("role")))
	if err := h.users.RevokeRole(c.Request.Context(), actorID(c), c.Param("id"), role, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
