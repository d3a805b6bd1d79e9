package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
	"github.com/noah-isme/sma-adp-session/pkg/response"
)

// ContextPrincipalKey is the gin context key storing the authenticated principal.
const ContextPrincipalKey = "currentPrincipal"

type requestAuthenticator interface {
	Authenticate(ctx context.Context, signed string) (*models.Principal, error)
}

// JWT protects routes by requiring a valid, unrevoked access token. Every
// token failure produces the same 401 so callers cannot tell expired, forged
// and revoked tokens apart. An unreachable revocation store yields 503.
func JWT(auth requestAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		signed, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c)
			c.Abort()
			return
		}

		principal, err := auth.Authenticate(c.Request.Context(), signed)
		if err != nil {
			if appErrors.Is(err, appErrors.ErrStoreUnavailable) {
				response.Error(c, err)
			} else {
				response.Unauthorized(c)
			}
			c.Abort()
			return
		}

		c.Set(ContextPrincipalKey, principal)
		c.Next()
	}
}

// PrincipalFromContext returns the principal set by JWT, if any.
func PrincipalFromContext(c *gin.Context) (*models.Principal, bool) {
	value, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*models.Principal)
	return principal, ok && principal != nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
