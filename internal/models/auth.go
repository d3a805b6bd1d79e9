package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the payload of an access token. Subject carries the user id
// and ID carries the jti.
type AccessClaims struct {
	Email string     `json:"email"`
	Roles []RoleName `json:"roles"`
	jwt.RegisteredClaims
}

// ExternalIdentity is what a verified IdP ID token asserts about the caller.
type ExternalIdentity struct {
	Subject     string `validate:"required"`
	Email       string `validate:"required,email"`
	DisplayName string
}

// RequestMeta carries caller metadata recorded for audit.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Principal is the authenticated caller admitted by the request authenticator.
type Principal struct {
	UserID    string     `json:"user_id"`
	Email     string     `json:"email"`
	Roles     []RoleName `json:"roles"`
	TokenID   string     `json:"token_id"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// HasRole reports whether the principal holds any of roles.
func (p *Principal) HasRole(roles ...RoleName) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Session is a freshly issued token pair.
type Session struct {
	AccessToken      string
	AccessClaims     *AccessClaims
	RefreshToken     string
	RefreshTokenID   string
	RefreshExpiresAt time.Time
	User             *User
}

// CreateSessionRequest exchanges a verified IdP ID token for a session.
type CreateSessionRequest struct {
	IDToken   string `json:"id_token" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// SessionResponse returns the issued credentials and user summary.
type SessionResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RefreshSessionRequest presents a refresh credential.
type RefreshSessionRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RefreshSessionResponse returns new credentials, or RequiresReauth when policy
// sends the client back to the identity provider.
type RefreshSessionResponse struct {
	AccessToken    string     `json:"access_token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenType      string     `json:"token_type,omitempty"`
	ExpiresIn      int64      `json:"expires_in,omitempty"`
	IssuedAt       *time.Time `json:"issued_at,omitempty"`
	RequiresReauth bool       `json:"requires_reauth,omitempty"`
}

// RevokeSessionRequest optionally names the refresh credential to revoke on logout.
type RevokeSessionRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	Roles       []RoleName `json:"roles"`
}

// AdminRevokeRequest carries an optional reason for an administrative revoke.
type AdminRevokeRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

// GrantRoleRequest grants a role to a user.
type GrantRoleRequest struct {
	Role RoleName `json:"role" validate:"required,oneof=USER ADMIN"`
}
