package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-session/internal/middleware"
	"github.com/noah-isme/sma-adp-session/internal/models"
)

// Routes groups the handlers and guards mounted under the API prefix.
type Routes struct {
	Session          *SessionHandler
	Admin            *AdminHandler
	Authenticate     gin.HandlerFunc
	RefreshRateLimit gin.HandlerFunc
}

// Register mounts the session and admin endpoints on r.
func (rt Routes) Register(r gin.IRouter) {
	session := r.Group("/session")
	session.POST("", rt.Session.Create)
	if rt.RefreshRateLimit != nil {
		session.POST("/refresh", rt.RefreshRateLimit, rt.Session.Refresh)
	} else {
		session.POST("/refresh", rt.Session.Refresh)
	}
	session.POST("/revoke", rt.Authenticate, rt.Session.Revoke)
	session.GET("/whoami", rt.Authenticate, rt.Session.WhoAmI)

	admin := r.Group("/admin", rt.Authenticate, middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/users", rt.Admin.ListUsers)
	admin.GET("/users/:id", rt.Admin.GetUser)
	admin.POST("/users/:id/revoke", rt.Admin.RevokeSessions)
	admin.POST("/users/:id/deactivate", rt.Admin.Deactivate)
	admin.POST("/users/:id/activate", rt.Admin.Activate)
	admin.POST("/users/:id/roles", rt.Admin.GrantRole)
	admin.DELETE("/users/:id/roles/:role", rt.Admin.RevokeRole)
}
