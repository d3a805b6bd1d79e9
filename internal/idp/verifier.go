// Package idp verifies ID tokens issued by the external identity provider.
package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
)

type idClaims struct {
	Email             string `json:"email"`
	EmailVerified     *bool  `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// Verifier checks signature, issuer, audience and expiry of ID tokens.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewVerifier builds a verifier for cfg. With a JWKS URL the keys are fetched
// from it directly; otherwise the issuer's discovery document is used.
func NewVerifier(ctx context.Context, cfg config.OIDCConfig) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("OIDC_ISSUER and OIDC_CLIENT_ID are required")
	}
	oidcCfg := &oidc.Config{ClientID: cfg.ClientID}

	if cfg.JWKSURL != "" {
		keys := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		return &Verifier{verifier: oidc.NewVerifier(cfg.Issuer, keys, oidcCfg)}, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &Verifier{verifier: provider.Verifier(oidcCfg)}, nil
}

// NewStaticVerifier builds a verifier over a fixed key set.
func NewStaticVerifier(issuer, clientID string, keys oidc.KeySet, now func() time.Time) *Verifier {
	return &Verifier{verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID, Now: now})}
}

// Verify validates rawIDToken and extracts the external identity.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*models.ExternalIdentity, error) {
	token, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, unverified(err, "id token rejected")
	}

	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return nil, unverified(err, "id token claims unreadable")
	}
	if claims.Email == "" {
		return nil, appErrors.Clone(appErrors.ErrIdentityUnverified, "id token carries no email")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, appErrors.Clone(appErrors.ErrIdentityUnverified, "email is not verified by the identity provider")
	}

	return &models.ExternalIdentity{
		Subject:     token.Subject,
		Email:       strings.ToLower(claims.Email),
		DisplayName: displayName(claims),
	}, nil
}

func displayName(c idClaims) string {
	switch {
	case strings.TrimSpace(c.Name) != "":
		return strings.TrimSpace(c.Name)
	case strings.TrimSpace(c.PreferredUsername) != "":
		return strings.TrimSpace(c.PreferredUsername)
	}
	if i := strings.IndexByte(c.Email, '@'); i > 0 {
		return c.Email[:i]
	}
	return c.Email
}

func unverified(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrIdentityUnverified.Code, appErrors.ErrIdentityUnverified.Status, message)
}
