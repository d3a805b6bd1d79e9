// Package token mints and verifies the application's own access tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

// DefaultClockSkew is the leeway applied to exp, nbf and iat checks.
const DefaultClockSkew = 5 * time.Second

// Config configures a Codec.
type Config struct {
	Secret    string
	Issuer    string
	Audience  []string
	ClockSkew time.Duration
	Now       func() time.Time
}

// Codec signs access tokens with HS256. It holds no mutable state and is safe
// for concurrent use.
type Codec struct {
	secret   []byte
	issuer   string
	audience []string
	skew     time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewCodec constructs a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if len(cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(cfg.Audience[0]))
	}

	return &Codec{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
		now:      cfg.Now,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Mint signs a new access token for the subject. Time claims are truncated to
// whole seconds.
func (c *Codec) Mint(subjectID, email string, roles []models.RoleName, ttl time.Duration) (string, *models.AccessClaims, error) {
	if subjectID == "" {
		return "", nil, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("invalid token ttl %s", ttl)
	}

	issuedAt := c.now().UTC().Truncate(time.Second)
	claims := &models.AccessClaims{
		Email: email,
		Roles: append([]models.RoleName(nil), roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    c.issuer,
			Subject:   subjectID,
			Audience:  c.audience,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses signed and validates its signature and time window. Failures
// are reported as ErrTokenMalformed, ErrTokenSignatureInvalid or ErrTokenExpired.
func (c *Codec) Verify(signed string) (*models.AccessClaims, error) {
	if signed == "" {
		return nil, appErrors.ErrTokenMalformed
	}

	claims := &models.AccessClaims{}
	token, err := c.parser.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, appErrors.ErrTokenMalformed
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, appErrors.Clone(appErrors.ErrTokenMalformed, "access token is missing jti or sub")
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, appErrors.ErrTokenExpired.Message)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return appErrors.Wrap(err, appErrors.ErrTokenSignatureInvalid.Code, appErrors.ErrTokenSignatureInvalid.Status, appErrors.ErrTokenSignatureInvalid.Message)
	default:
		// Wrong issuer, audience or not-yet-valid tokens are rejected as malformed.
		return appErrors.Wrap(err, appErrors.ErrTokenMalformed.Code, appErrors.ErrTokenMalformed.Status, appErrors.ErrTokenMalformed.Message)
	}
}
