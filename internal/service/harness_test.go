package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/internal/repository"
	"github.com/noah-isme/sma-adp-session/internal/token"
	"github.com/noah-isme/sma-adp-session/pkg/config"
)

type harness struct {
	clock      *fakeClock
	users      *fakeUserRepo
	refreshDB  *fakeRefreshRepo
	registry   RevocationRegistry
	codec      *token.Codec
	store      *RefreshTokenStore
	provision  *ProvisioningService
	sessions   *SessionService
	refresher  *RefreshService
	auth       *AuthenticatorService
	revocation *RevocationService
	admin      *UserAdminService
	metrics    *MetricsService
}

func defaultSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
		RefreshPolicy:      config.RefreshPolicySilentRefresh,
		Rotation:           config.RotationRotate,
		DefaultRole:        string(models.RoleUser),
		DetectReuse:        true,
		ReuseGrace:         30 * time.Second,
		RevokeOnDeactivate: true,
	}
}

func newHarness(t *testing.T, cfg config.SessionConfig) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		users:     newFakeUserRepo(),
		refreshDB: newFakeRefreshRepo(),
		registry:  repository.NewMemoryRevocationRegistry(cfg.AccessTokenTTL+token.DefaultClockSkew, token.DefaultClockSkew),
		metrics:   NewMetricsService(),
	}
	logger := zap.NewNop()
	validate := validator.New()

	codec, err := token.NewCodec(token.Config{
		Secret:    "test-secret",
		Issuer:    "sma-adp-session",
		Audience:  []string{"sma-adp-api"},
		ClockSkew: token.DefaultClockSkew,
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	h.codec = codec

	h.store = NewRefreshTokenStore(h.refreshDB, logger, RefreshTokenStoreConfig{Pepper: "pepper", Now: h.clock.Now})
	h.provision = NewProvisioningService(h.users, validate, logger, models.RoleName(cfg.DefaultRole), h.clock.Now)
	h.sessions = NewSessionService(nil, h.provision, codec, h.store, h.users, h.metrics, validate, logger, cfg)
	h.auth = NewAuthenticatorService(codec, h.registry, h.metrics, logger)
	h.revocation = NewRevocationService(h.registry, h.store, h.users, h.metrics, logger, h.clock.Now)
	h.admin = NewUserAdminService(h.users, h.revocation, validate, logger, cfg.RevokeOnDeactivate, h.clock.Now)

	h.refresher, err = NewRefreshService(RefreshDeps{
		Store:   h.store,
		Users:   h.users,
		Codec:   codec,
		Revoker: h.revocation,
		Metrics: h.metrics,
		Logger:  logger,
		Now:     h.clock.Now,
	}, validate, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) login(t *testing.T, subject, email string) *models.Session {
	t.Helper()
	session, err := h.sessions.IssueSession(context.Background(), models.ExternalIdentity{Subject: subject, Email: email}, models.RequestMeta{IP: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	return session
}
