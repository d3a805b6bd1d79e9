package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesThroughWrapChains(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", Clone(ErrRefreshAlreadyRevoked, "lost race"))
	assert.True(t, Is(wrapped, ErrRefreshAlreadyRevoked))
	assert.False(t, Is(wrapped, ErrRefreshRevoked))

	store := Wrap(errors.New("dial tcp"), ErrStoreUnavailable.Code, ErrStoreUnavailable.Status, "registry down")
	assert.True(t, Is(fmt.Errorf("authenticate: %w", store), ErrStoreUnavailable))
	assert.False(t, Is(nil, ErrStoreUnavailable))
	assert.False(t, Is(errors.New("plain"), ErrStoreUnavailable))
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))
	assert.Equal(t, ErrTokenExpired, FromError(fmt.Errorf("verify: %w", ErrTokenExpired)))

	generic := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, generic.Code)
	assert.Equal(t, http.StatusInternalServerError, generic.Status)
}

func TestCloneKeepsOriginal(t *testing.T) {
	clone := Clone(ErrForbidden, "refresh token does not belong to user")
	assert.Equal(t, ErrForbidden.Code, clone.Code)
	assert.Equal(t, "forbidden", ErrForbidden.Message)
	assert.Equal(t, "forbidden", Clone(ErrForbidden, "").Message)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(errors.New("timeout"), ErrStoreUnavailable.Code, ErrStoreUnavailable.Status, "registry down")
	assert.Equal(t, "registry down: timeout", err.Error())
	assert.ErrorIs(t, err, err.Err)
}

func TestAccessTokenKindsShareStatus(t *testing.T) {
	for _, kind := range []*Error{ErrTokenMalformed, ErrTokenSignatureInvalid, ErrTokenExpired, ErrTokenRevoked} {
		assert.Equal(t, http.StatusUnauthorized, kind.Status, kind.Code)
	}
	assert.Equal(t, http.StatusServiceUnavailable, ErrStoreUnavailable.Status)
}
