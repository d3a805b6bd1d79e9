package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

func refreshReq(raw string) models.RefreshSessionRequest {
	return models.RefreshSessionRequest{RefreshToken: raw, IP: "10.0.0.1", UserAgent: "test"}
}

func TestSessionLifecycleScenario(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	ctx := context.Background()

	s1 := h.login(t, "abc", "a@x.com")
	assert.Equal(t, []models.RoleName{models.RoleUser}, s1.AccessClaims.Roles)

	_, err := h.auth.Authenticate(ctx, s1.AccessToken)
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	_, err = h.auth.Authenticate(ctx, s1.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))

	res, err := h.refresher.Refresh(ctx, refreshReq(s1.RefreshToken))
	require.NoError(t, err)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	assert.False(t, res.RequiresReauth)

	_, err = h.refresher.Refresh(ctx, refreshReq(s1.RefreshToken))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked) || appErrors.Is(err, appErrors.ErrRefreshNotFound))

	p2, err := h.auth.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.NotEqual(t, s1.AccessClaims.ID, p2.TokenID)
	assert.Equal(t, s1.User.ID, p2.UserID)

	require.NoError(t, h.revocation.LogoutWithCredential(ctx, p2, res.RefreshToken, models.RequestMeta{}))

	_, err = h.auth.Authenticate(ctx, res.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))

	_, err = h.refresher.Refresh(ctx, refreshReq(res.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshRevoked))
}

func TestRotationExclusivity(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	s := h.login(t, "abc", "a@x.com")

	for round := 0; round < 20; round++ {
		var wins, lost int32
		var survivor atomic.Value

		g, ctx := errgroup.WithContext(context.Background())
		for i := 0; i < 2; i++ {
			g.Go(func() error {
				res, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
					survivor.Store(res.RefreshToken)
				case appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked):
					atomic.AddInt32(&lost, 1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.EqualValues(t, 1, wins, "round %d", round)
		require.EqualValues(t, 1, lost, "round %d", round)
		require.Equal(t, 1, h.refreshDB.activeFor(s.User.ID))

		s.RefreshToken = survivor.Load().(string)
	}

	res, err := h.refresher.Refresh(context.Background(), refreshReq(s.RefreshToken))
	require.NoError(t, err)
	_, err = h.refresher.Refresh(context.Background(), refreshReq(s.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked))
	assert.NotEmpty(t, res.RefreshToken)
}

func TestRotationKeepsOriginalExpiry(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	s := h.login(t, "abc", "a@x.com")

	h.clock.Advance(24 * time.Hour)
	res, err := h.refresher.Refresh(context.Background(), refreshReq(s.RefreshToken))
	require.NoError(t, err)

	record, err := h.store.Lookup(context.Background(), res.RefreshToken)
	require.NoError(t, err)
	assert.True(t, record.ExpiresAt.Equal(s.RefreshExpiresAt))
	require.NotNil(t, record.RotatedFromID)
	assert.Equal(t, s.RefreshTokenID, *record.RotatedFromID)
}

func TestExpiredRefreshNeverExtendsSession(t *testing.T) {
	for _, policy := range []string{config.RefreshPolicySilentRefresh, config.RefreshPolicyForcedReauth} {
		for _, rotation := range []string{config.RotationRotate, config.RotationReuse} {
			t.Run(policy+"/"+rotation, func(t *testing.T) {
				cfg := defaultSessionConfig()
				cfg.RefreshPolicy = policy
				cfg.Rotation = rotation
				h := newHarness(t, cfg)
				s := h.login(t, "abc", "a@x.com")

				h.clock.Advance(cfg.RefreshTokenTTL + time.Second)
				res, err := h.refresher.Refresh(context.Background(), refreshReq(s.RefreshToken))
				require.Error(t, err)
				assert.Nil(t, res)
				assert.True(t, appErrors.Is(err, appErrors.ErrRefreshExpired))
			})
		}
	}
}

func TestForcedReauthPolicy(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.RefreshPolicy = config.RefreshPolicyForcedReauth
	h := newHarness(t, cfg)
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")
	assert.Equal(t, config.RefreshPolicyForcedReauth, h.refresher.Policy())

	h.clock.Advance(16 * time.Minute)
	res, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	require.NoError(t, err)
	assert.True(t, res.RequiresReauth)
	assert.Empty(t, res.AccessToken)

	record, err := h.store.Lookup(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked, "forced reauth must not consume the credential")

	_, err = h.refresher.Refresh(ctx, refreshReq("unknown"))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshNotFound))

	require.NoError(t, h.revocation.AdminRevokeUser(ctx, s.User.ID, "", models.RequestMeta{}))
	res, err = h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	assert.Nil(t, res)
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshRevoked))
}

func TestReusableRefreshMode(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.Rotation = config.RotationReuse
	h := newHarness(t, cfg)
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		res, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
		require.NoError(t, err)
		assert.Empty(t, res.RefreshToken)
		assert.NotEmpty(t, res.AccessToken)
	}

	record, err := h.store.Lookup(ctx, s.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, record.LastUsedAt)
	assert.True(t, record.LastUsedAt.Equal(h.clock.Now()))
	assert.False(t, record.Revoked)
}

func TestRefreshReuseDetection(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")

	h.clock.Advance(time.Second)
	res, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked))
	assert.Equal(t, 1, h.refreshDB.activeFor(s.User.ID), "duplicate inside grace window is harmless")

	h.clock.Advance(time.Minute)
	_, err = h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshAlreadyRevoked))
	assert.Equal(t, 0, h.refreshDB.activeFor(s.User.ID), "replay revokes every session")

	_, err = h.refresher.Refresh(ctx, refreshReq(res.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrRefreshRevoked))
	_, err = h.auth.Authenticate(ctx, res.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))
	assert.Contains(t, h.users.actions(), models.AuditActionRevokeAll)
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.RevokeOnDeactivate = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")
	admin := h.login(t, "root", "root@x.com")

	require.NoError(t, h.admin.Deactivate(ctx, admin.User.ID, s.User.ID, models.RequestMeta{}))

	_, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount))
	assert.Equal(t, 0, h.refreshDB.activeFor(s.User.ID), "presented credential is revoked")

	_, err = h.sessions.IssueSession(ctx, models.ExternalIdentity{Subject: "abc", Email: "a@x.com"}, models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount))
}

func TestRefreshRetryAfterRoleLookupFailure(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")

	h.users.rolesErr = assert.AnError
	_, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	require.True(t, appErrors.Is(err, appErrors.ErrStoreUnavailable))
	assert.Equal(t, 1, h.refreshDB.activeFor(s.User.ID), "credential is not consumed by a failed refresh")

	h.clock.Advance(time.Minute)
	res, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	require.NoError(t, err, "retry past the reuse grace window succeeds")
	require.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, 1, h.refreshDB.activeFor(s.User.ID))

	_, err = h.auth.Authenticate(ctx, res.AccessToken)
	assert.NoError(t, err)
	assert.NotContains(t, h.users.actions(), models.AuditActionRevokeAll)
}

func TestRefreshRetryAfterUserLookupFailure(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	ctx := context.Background()
	s := h.login(t, "abc", "a@x.com")

	h.users.findErr = assert.AnError
	_, err := h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	require.True(t, appErrors.Is(err, appErrors.ErrStoreUnavailable))

	record, err := h.store.Lookup(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked, "no credential is revoked on a lookup failure")

	h.users.findErr = nil
	_, err = h.refresher.Refresh(ctx, refreshReq(s.RefreshToken))
	assert.NoError(t, err)
}

func TestRefreshValidation(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	_, err := h.refresher.Refresh(context.Background(), refreshReq(""))
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRefreshStoreUnavailable(t *testing.T) {
	h := newHarness(t, defaultSessionConfig())
	s := h.login(t, "abc", "a@x.com")

	h.refreshDB.failAll = assert.AnError
	_, err := h.refresher.Refresh(context.Background(), refreshReq(s.RefreshToken))
	assert.True(t, appErrors.Is(err, appErrors.ErrStoreUnavailable))
}

func TestUnknownRefreshPolicy(t *testing.T) {
	cfg := defaultSessionConfig()
	cfg.RefreshPolicy = "sometimes"
	_, err := NewRefreshService(RefreshDeps{}, nil, cfg)
	assert.Error(t, err)
}
