package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

const refreshCredentialBytes = 32

type refreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, consumedID string, next *models.RefreshToken, at time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConsumeMode selects what consuming a refresh credential does to its record.
type ConsumeMode int

const (
	// ConsumeReuse keeps the record valid and only records the use.
	ConsumeReuse ConsumeMode = iota
	// ConsumeRotate revokes the record and issues a replacement atomically.
	ConsumeRotate
)

// ConsumeResult is the outcome of consuming a refresh credential.
type ConsumeResult struct {
	Record  *models.RefreshToken
	Next    *models.RefreshToken
	NextRaw string
}

// RefreshTokenStoreConfig configures credential hashing.
type RefreshTokenStoreConfig struct {
	Pepper string
	Now    func() time.Time
}

// RefreshTokenStore issues opaque refresh credentials and persists only their hash.
type RefreshTokenStore struct {
	repo   refreshTokenRepository
	pepper []byte
	now    func() time.Time
	logger *zap.Logger
}

// NewRefreshTokenStore constructs the store.
func NewRefreshTokenStore(repo refreshTokenRepository, logger *zap.Logger, cfg RefreshTokenStoreConfig) *RefreshTokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RefreshTokenStore{repo: repo, pepper: []byte(cfg.Pepper), now: cfg.Now, logger: logger}
}

// Hash returns the lookup key for a raw credential.
func (s *RefreshTokenStore) Hash(raw string) string {
	if len(s.pepper) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a new refresh credential for userID valid for ttl.
func (s *RefreshTokenStore) Issue(ctx context.Context, userID string, ttl time.Duration, meta models.RequestMeta) (string, *models.RefreshToken, error) {
	if ttl <= 0 {
		return "", nil, internalError(fmt.Errorf("invalid refresh ttl %s", ttl), "failed to issue refresh token")
	}
	now := utcNow(s.now)
	raw, record, err := s.newRecord(userID, now, now.Add(ttl), meta)
	if err != nil {
		return "", nil, err
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return "", nil, storeUnavailable(err, "failed to persist refresh token")
	}
	return raw, record, nil
}

// Lookup returns the record for raw without changing it.
func (s *RefreshTokenStore) Lookup(ctx context.Context, raw string) (*models.RefreshToken, error) {
	if raw == "" {
		return nil, appErrors.ErrRefreshNotFound
	}
	record, err := s.repo.FindByHash(ctx, s.Hash(raw))
	if err != nil {
		if errors.Is(err, models.ErrRefreshTokenNotFound) {
			return nil, appErrors.ErrRefreshNotFound
		}
		return nil, storeUnavailable(err, "failed to load refresh token")
	}
	return record, nil
}

// Validate checks that a looked up record may still be used at now.
func (s *RefreshTokenStore) Validate(record *models.RefreshToken, now time.Time) error {
	if record.Revoked {
		if record.Reason() == models.RevokeReasonRotated {
			return appErrors.ErrRefreshAlreadyRevoked
		}
		return appErrors.ErrRefreshRevoked
	}
	if record.Expired(now) {
		return appErrors.ErrRefreshExpired
	}
	return nil
}

// Consume validates raw and, depending on mode, touches or rotates its record.
// It fails with ErrRefreshNotFound, ErrRefreshExpired, ErrRefreshRevoked or
// ErrRefreshAlreadyRevoked. For the last three the result still carries the
// stored record so callers can inspect it. Losing a concurrent rotation yields
// ErrRefreshAlreadyRevoked.
func (s *RefreshTokenStore) Consume(ctx context.Context, raw string, mode ConsumeMode, meta models.RequestMeta) (*ConsumeResult, error) {
	record, err := s.Lookup(ctx, raw)
	if err != nil {
		return nil, err
	}
	result := &ConsumeResult{Record: record}

	now := utcNow(s.now)
	if err := s.Validate(record, now); err != nil {
		return result, err
	}

	switch mode {
	case ConsumeReuse:
		if err := s.repo.Touch(ctx, record.ID, now); err != nil {
			if errors.Is(err, models.ErrRefreshTokenRevoked) {
				return s.casRejection(ctx, result, now)
			}
			return nil, storeUnavailable(err, "failed to record refresh token use")
		}
		record.LastUsedAt = &now
		return result, nil
	case ConsumeRotate:
		// The replacement keeps the original expiry; rotation never extends a session.
		nextRaw, next, err := s.newRecord(record.UserID, now, record.ExpiresAt, meta)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Rotate(ctx, record.ID, next, now); err != nil {
			if errors.Is(err, models.ErrRefreshTokenRevoked) {
				return s.casRejection(ctx, result, now)
			}
			return nil, storeUnavailable(err, "failed to rotate refresh token")
		}
		reason := models.RevokeReasonRotated
		record.Revoked = true
		record.RevokedAt = &now
		record.RevokedReason = &reason
		result.Next = next
		result.NextRaw = nextRaw
		return result, nil
	default:
		return nil, internalError(fmt.Errorf("unknown consume mode %d", mode), "failed to consume refresh token")
	}
}

// casRejection explains a conditional update that matched no row. The update
// only requires the row to be unrevoked and unexpired, so a reloaded row that is
// still unrevoked crossed its expiry at database precision. Rows are only
// deleted once expired.
func (s *RefreshTokenStore) casRejection(ctx context.Context, result *ConsumeResult, now time.Time) (*ConsumeResult, error) {
	current, err := s.repo.FindByHash(ctx, result.Record.TokenHash)
	if err != nil {
		if errors.Is(err, models.ErrRefreshTokenNotFound) {
			return result, appErrors.ErrRefreshExpired
		}
		return nil, storeUnavailable(err, "failed to reload refresh token")
	}
	result.Record = current
	if current.Revoked {
		return result, s.Validate(current, now)
	}
	return result, appErrors.ErrRefreshExpired
}

// Revoke revokes one record. Revoking an already revoked record is not an error.
func (s *RefreshTokenStore) Revoke(ctx context.Context, recordID, reason string) error {
	changed, err := s.repo.Revoke(ctx, recordID, reason, utcNow(s.now))
	if err != nil {
		return storeUnavailable(err, "failed to revoke refresh token")
	}
	if !changed {
		s.logger.Debug("refresh token already revoked", zap.String("refresh_id", recordID))
	}
	return nil
}

// RevokeAllForUser revokes every active record owned by userID.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, reason, utcNow(s.now))
	if err != nil {
		return 0, storeUnavailable(err, "failed to revoke user refresh tokens")
	}
	return n, nil
}

// DeleteExpired removes records that expired before now.
func (s *RefreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, storeUnavailable(err, "failed to delete expired refresh tokens")
	}
	return n, nil
}

func (s *RefreshTokenStore) newRecord(userID string, issuedAt, expiresAt time.Time, meta models.RequestMeta) (string, *models.RefreshToken, error) {
	raw, err := generateCredential()
	if err != nil {
		return "", nil, internalError(err, "failed to generate refresh token")
	}
	return raw, &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: s.Hash(raw),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}, nil
}

func generateCredential() (string, error) {
	buf := make([]byte, refreshCredentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
