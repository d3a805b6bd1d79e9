package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-session/internal/middleware"
	"github.com/noah-isme/sma-adp-session/internal/models"
)

func principalFromContext(c *gin.Context) (*models.Principal, bool) {
	return middleware.PrincipalFromContext(c)
}

func actorID(c *gin.Context) string {
	if principal, ok := principalFromContext(c); ok {
		return principal.UserID
	}
	return ""
}

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}
