package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the key for storing the resolved principal in gin context
	ContextKeyPrincipal = "principal"
)

// Middleware extracts and resolves the bearer token from the request.
// Sets the principal in context if the token resolves.
func Middleware(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = c.GetHeader("X-API-Key")
		}

		if token != "" {
			p, err := r.Resolve(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeyPrincipal, p)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a resolved principal
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyPrincipal); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"data": nil,
				"error": gin.H{
					"code":    "unauthenticated",
					"message": "bearer token required. Include 'Authorization: Bearer ...' header.",
				},
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware requires auth AND the admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"data": nil,
				"error": gin.H{
					"code":    "unauthenticated",
					"message": "bearer token required.",
				},
			})
			return
		}
		if !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"data": nil,
				"error": gin.H{
					"code":    "unauthorized",
					"message": "admin role required.",
				},
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the resolved principal from context (if authenticated)
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// PrincipalID returns the authenticated principal's ID, or "" if unauthenticated
func PrincipalID(c *gin.Context) string {
	p, ok := GetPrincipal(c)
	if !ok {
		return ""
	}
	return p.ID
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyPrincipal)
	return exists
}
