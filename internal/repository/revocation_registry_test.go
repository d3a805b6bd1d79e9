package repository

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

type registry interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	RevokedBefore(ctx context.Context, userID string) (time.Time, bool, error)
	Revoke(ctx context.Context, entry models.RevokedAccessToken) error
	RevokeAll(ctx context.Context, userID string, before time.Time, reason string) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

func registryBackends(t *testing.T) map[string]registry {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]registry{
		"memory": NewMemoryRevocationRegistry(time.Hour, 5*time.Second),
		"redis":  NewRedisRevocationRegistry(client, "test:", time.Hour, 5*time.Second),
	}
}

func TestRegistryPointRevocation(t *testing.T) {
	for name, reg := range registryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			revoked, err := reg.IsRevoked(ctx, "jti-1")
			require.NoError(t, err)
			assert.False(t, revoked)

			require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{
				JTI:       "jti-1",
				UserID:    "u1",
				RevokedAt: time.Now(),
				ExpiresAt: time.Now().Add(10 * time.Minute),
				Reason:    models.RevokeReasonLogout,
			}))

			revoked, err = reg.IsRevoked(ctx, "jti-1")
			require.NoError(t, err)
			assert.True(t, revoked)

			revoked, err = reg.IsRevoked(ctx, "jti-2")
			require.NoError(t, err)
			assert.False(t, revoked)
		})
	}
}

func TestRegistryRevokedBeforeIsMonotonic(t *testing.T) {
	for name, reg := range registryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			_, ok, err := reg.RevokedBefore(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, reg.RevokeAll(ctx, "u1", base.Add(time.Minute), models.RevokeReasonAdmin))
			require.NoError(t, reg.RevokeAll(ctx, "u1", base, models.RevokeReasonAdmin))

			got, ok, err := reg.RevokedBefore(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(base.Add(time.Minute)), "got %s", got)

			require.NoError(t, reg.RevokeAll(ctx, "u1", base.Add(2*time.Minute), models.RevokeReasonAdmin))
			got, _, err = reg.RevokedBefore(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, got.Equal(base.Add(2*time.Minute)))
		})
	}
}

func TestRegistryConcurrentRevokeAllKeepsMaximum(t *testing.T) {
	for name, reg := range registryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_ = reg.RevokeAll(ctx, "u1", base.Add(time.Duration(i)*time.Second), models.RevokeReasonAdmin)
				}(i)
			}
			wg.Wait()

			got, ok, err := reg.RevokedBefore(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(base.Add(49*time.Second)), "got %s", got)
		})
	}
}

func TestMemoryRegistryPurge(t *testing.T) {
	reg := NewMemoryRevocationRegistry(15*time.Minute, 0)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "live", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, reg.RevokeAll(ctx, "stale", now.Add(-time.Hour), "x"))
	require.NoError(t, reg.RevokeAll(ctx, "fresh", now.Add(-time.Minute), "x"))

	removed, err := reg.Purge(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	revoked, _ := reg.IsRevoked(ctx, "old")
	assert.False(t, revoked)
	revoked, _ = reg.IsRevoked(ctx, "live")
	assert.True(t, revoked)
	_, ok, _ := reg.RevokedBefore(ctx, "stale")
	assert.False(t, ok)
	_, ok, _ = reg.RevokedBefore(ctx, "fresh")
	assert.True(t, ok)
}

func TestRedisRegistryKeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRedisRevocationRegistry(client, "session:revocation:", 15*time.Minute, 0)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "j1", UserID: "u1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "gone", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, reg.RevokeAll(ctx, "u1", now, models.RevokeReasonAdmin))

	assert.True(t, mr.Exists("session:revocation:jti:j1"))
	assert.False(t, mr.Exists("session:revocation:jti:gone"))
	assert.Equal(t, time.Minute, mr.TTL("session:revocation:jti:j1"))
	assert.Equal(t, 15*time.Minute, mr.TTL("session:revocation:user:u1"))

	mr.FastForward(2 * time.Minute)
	revoked, err := reg.IsRevoked(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, revoked)

	mr.FastForward(15 * time.Minute)
	_, ok, err := reg.RevokedBefore(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistryStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	reg := NewRedisRevocationRegistry(client, "p:", time.Minute, 0)

	mr.Close()
	_, err := reg.IsRevoked(context.Background(), "j1")
	assert.Error(t, err)
}

func TestPostgresRegistry(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	reg := NewPostgresRevocationRegistry(db, 15*time.Minute, 0)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO revoked_access_tokens .* ON CONFLICT \\(jti\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM revoked_access_tokens WHERE jti = $1)")).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("GREATEST\\(user_revocations.revoked_before, EXCLUDED.revoked_before\\)").
		WithArgs("u1", now, models.RevokeReasonAdmin, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked_before FROM user_revocations WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_before"}).AddRow(now))
	mock.ExpectQuery("FROM user_revocations").
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_before"}))

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "j1", UserID: "u1", RevokedAt: now, ExpiresAt: now.Add(time.Minute)}))

	revoked, err := reg.IsRevoked(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, reg.RevokeAll(ctx, "u1", now, models.RevokeReasonAdmin))

	before, ok, err := reg.RevokedBefore(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, before.Equal(now))

	_, ok, err = reg.RevokedBefore(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistryPurge(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	reg := NewPostgresRevocationRegistry(db, 15*time.Minute, 5*time.Second)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM revoked_access_tokens WHERE expires_at < $1")).
		WithArgs(now.Add(-5 * time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_revocations WHERE revoked_before < $1")).
		WithArgs(now.Add(-15 * time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := reg.Purge(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 5, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistryStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	reg := NewRedisRevocationRegistry(client, "p:", time.Hour, 0)
	ctx := context.Background()
	mark := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	revoked, _, hasMark, err := reg.Status(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.False(t, hasMark)

	require.NoError(t, reg.RevokeAll(ctx, "u1", mark, models.RevokeReasonAdmin))
	revoked, before, hasMark, err := reg.Status(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.True(t, hasMark)
	assert.True(t, before.Equal(mark))

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "j1", UserID: "u1", ExpiresAt: time.Now().Add(time.Minute)}))
	revoked, _, _, err = reg.Status(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMemoryRegistryKeepsEntriesThroughLeeway(t *testing.T) {
	reg := NewMemoryRevocationRegistry(15*time.Minute, 5*time.Second)
	ctx := context.Background()
	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "j1", UserID: "u1", ExpiresAt: exp}))

	removed, err := reg.Purge(ctx, exp.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)
	revoked, _ := reg.IsRevoked(ctx, "j1")
	assert.True(t, revoked, "token still verifies inside the leeway")

	removed, err = reg.Purge(ctx, exp.Add(6*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestRedisRegistryRevokeInsideLeeway(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := exp.Add(2 * time.Second)
	reg := NewRedisRevocationRegistry(client, "p:", 15*time.Minute, 5*time.Second)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "late", UserID: "u1", ExpiresAt: exp}))
	require.NoError(t, reg.Revoke(ctx, models.RevokedAccessToken{JTI: "dead", UserID: "u1", ExpiresAt: exp.Add(-time.Minute)}))

	assert.True(t, mr.Exists("p:jti:late"))
	assert.Equal(t, 3*time.Second, mr.TTL("p:jti:late"))
	assert.False(t, mr.Exists("p:jti:dead"))
}
