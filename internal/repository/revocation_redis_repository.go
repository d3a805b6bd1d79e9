package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

// advanceScript stores ARGV[1] under KEYS[1] only when it is larger than the
// current value, and refreshes the key TTL to ARGV[2] milliseconds.
var advanceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or tonumber(current) < tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

// RedisRevocationRegistry shares revocations across instances through Redis.
// Keys expire on their own, so Purge has nothing to do.
type RedisRevocationRegistry struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	skew      time.Duration
	now       func() time.Time
}

// NewRedisRevocationRegistry constructs the registry. Point revocation keys
// live until the token's exp plus skew.
func NewRedisRevocationRegistry(client *redis.Client, prefix string, retention, skew time.Duration) *RedisRevocationRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	if skew < 0 {
		skew = 0
	}
	return &RedisRevocationRegistry{client: client, prefix: prefix, retention: retention, skew: skew, now: time.Now}
}

func (r *RedisRevocationRegistry) tokenKey(jti string) string { return r.prefix + "jti:" + jti }
func (r *RedisRevocationRegistry) userKey(id string) string   { return r.prefix + "user:" + id }

// IsRevoked reports whether jti was revoked individually.
func (r *RedisRevocationRegistry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.tokenKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists revoked token: %w", err)
	}
	return n > 0, nil
}

// RevokedBefore returns the revoked-before mark for a user.
func (r *RedisRevocationRegistry) RevokedBefore(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get revoked before: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revoked before %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Revoke records a point revocation that lives as long as the token can still verify.
func (r *RedisRevocationRegistry) Revoke(ctx context.Context, entry models.RevokedAccessToken) error {
	ttl := entry.ExpiresAt.Add(r.skew).Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.tokenKey(entry.JTI), entry.UserID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set revoked token: %w", err)
	}
	return nil
}

// RevokeAll advances the user's revoked-before mark atomically.
func (r *RedisRevocationRegistry) RevokeAll(ctx context.Context, userID string, before time.Time, _ string) error {
	keys := []string{r.userKey(userID)}
	if err := advanceScript.Run(ctx, r.client, keys, before.UnixMilli(), r.retention.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis advance revoked before: %w", err)
	}
	return nil
}

// Purge is a no-op; Redis expires keys itself.
func (r *RedisRevocationRegistry) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity for readiness probes.
func (r *RedisRevocationRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Status answers both revocation checks in one pipelined round trip.
func (r *RedisRevocationRegistry) Status(ctx context.Context, jti, userID string) (bool, time.Time, bool, error) {
	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, r.tokenKey(jti))
	mark := pipe.Get(ctx, r.userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, time.Time{}, false, fmt.Errorf("redis revocation status: %w", err)
	}
	if exists.Val() > 0 {
		return true, time.Time{}, false, nil
	}
	raw, err := mark.Result()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, false, nil
	}
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("redis get revoked before: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("parse revoked before %q: %w", raw, err)
	}
	return false, time.UnixMilli(ms).UTC(), true, nil
}
