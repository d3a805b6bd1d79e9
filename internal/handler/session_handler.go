package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
	"github.com/noah-isme/sma-adp-session/pkg/response"
)

type sessionCreator interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionResponse, error)
}

type sessionRefresher interface {
	Refresh(ctx context.Context, req models.RefreshSessionRequest) (*models.RefreshSessionResponse, error)
}

type sessionLogout interface {
	LogoutWithCredential(ctx context.Context, principal *models.Principal, rawRefresh string, meta models.RequestMeta) error
}

// SessionHandler exposes session issue, refresh and logout endpoints.
type SessionHandler struct {
	sessions  sessionCreator
	refresher sessionRefresher
	logout    sessionLogout
}

// NewSessionHandler creates a new handler.
func NewSessionHandler(sessions sessionCreator, refresher sessionRefresher, logout sessionLogout) *SessionHandler {
	return &SessionHandler{sessions: sessions, refresher: refresher, logout: logout}
}

// Create godoc
// @Summary Start a session
// @Description Exchange an identity provider ID token for an access token and refresh token
// @Tags Session
// @Accept json
// @Produce json
// @Param payload body models.CreateSessionRequest true "ID token"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /session [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusCreated, res, nil)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange a refresh token for a new access token. Responds with requires_reauth when the client must return to the identity provider.
// @Tags Session
// @Accept json
// @Produce json
// @Param payload body models.RefreshSessionRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /session/refresh [post]
func (h *SessionHandler) Refresh(c *gin.Context) {
	var req models.RefreshSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.refresher.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res, nil)
}

// Revoke godoc
// @Summary Logout
// @Description Revoke the presented access token and, when supplied, its refresh token
// @Tags Session
// @Accept json
// @Security BearerAuth
// @Param payload body models.RevokeSessionRequest false "Refresh token"
// @Success 204
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /session/revoke [post]
func (h *SessionHandler) Revoke(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		response.Unauthorized(c)
		return
	}

	var req models.RevokeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid logout payload"))
		return
	}

	if err := h.logout.LogoutWithCredential(c.Request.Context(), principal, req.RefreshToken, requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// WhoAmI godoc
// @Summary Current principal
// @Description Return the principal carried by the access token
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /session/whoami [get]
func (h *SessionHandler) WhoAmI(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		response.Unauthorized(c)
		return
	}
	response.JSON(c, http.StatusOK, principal, nil)
}
