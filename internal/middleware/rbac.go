package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-session/internal/models"
	appErrors "github.com/noah-isme/sma-adp-session/pkg/errors"
	"github.com/noah-isme/sma-adp-session/pkg/response"
)

// RequireRoles admits principals holding at least one of roles. It must run after JWT.
func RequireRoles(roles ...models.RoleName) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			response.Unauthorized(c)
			c.Abort()
			return
		}
		if !principal.HasRole(roles...) {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
