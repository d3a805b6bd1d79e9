package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrTooManyRequests    = New("TOO_MANY_REQUESTS", http.StatusTooManyRequests, "too many requests")
	ErrStoreUnavailable   = New("STORE_UNAVAILABLE", http.StatusServiceUnavailable, "session store unavailable")
	ErrIdentityUnverified = New("IDENTITY_UNVERIFIED", http.StatusUnauthorized, "external identity could not be verified")
)

// Access token failures. They never leave the API boundary as distinct codes.
var (
	ErrTokenMalformed        = New("TOKEN_MALFORMED", http.StatusUnauthorized, "access token is malformed")
	ErrTokenSignatureInvalid = New("TOKEN_SIGNATURE_INVALID", http.StatusUnauthorized, "access token signature is invalid")
	ErrTokenExpired          = New("TOKEN_EXPIRED", http.StatusUnauthorized, "access token expired")
	ErrTokenRevoked          = New("TOKEN_REVOKED", http.StatusUnauthorized, "access token revoked")
)

// Refresh credential failures.
var (
	ErrRefreshNotFound       = New("REFRESH_NOT_FOUND", http.StatusUnauthorized, "refresh token not found")
	ErrRefreshExpired        = New("REFRESH_EXPIRED", http.StatusUnauthorized, "refresh token expired")
	ErrRefreshRevoked        = New("REFRESH_REVOKED", http.StatusUnauthorized, "refresh token revoked")
	ErrRefreshAlreadyRevoked = New("REFRESH_ALREADY_REVOKED", http.StatusUnauthorized, "refresh token already used")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Is reports whether any error in err's chain carries the same code as target.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == target.Code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}
