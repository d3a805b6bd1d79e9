package models

import "errors"

// Storage level sentinels. Services translate them into API errors.
var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrEmailTaken           = errors.New("email already in use")
	ErrRoleNotFound         = errors.New("role not found")
)
