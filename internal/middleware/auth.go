// auth.go validates bearer tokens and establishes the tenant context every
// downstream handler depends on.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any DB work.
// Auth populates the user identity and organization scope; every repository
// query downstream filters by the organization id set here, which is what makes
// tenant isolation hold without per-handler checks.
package middleware

import (
	"net/http"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/auth"
	"github.com/fieldtrace/fieldtrace/internal/config"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware
const (
	UserIDKey         = "user_id"
	OrganizationIDKey = "organization_id"
)

// AuthMiddleware validates the bearer JWT and resolves the caller's
// organization. With multi-tenancy disabled every caller is scoped to the
// default organization regardless of token claims.
func AuthMiddleware(cfg *config.Config, userRepo *repositories.UserRepository, orgRepo *repositories.OrganizationRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		// Check if it starts with "Bearer "
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		// Extract token
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		// The user must still exist; tokens outlive deprovisioning
		user, err := userRepo.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load user",
			})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "User not found",
			})
			return
		}

		orgID := user.OrganizationID
		if !cfg.MultiTenancy.Enabled {
			org, err := orgRepo.GetDefaultOrganization(c.Request.Context())
			if err != nil || org == nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to resolve default organization",
				})
				return
			}
			orgID = org.ID
		} else if claims.OrganizationID != "" && claims.OrganizationID != user.OrganizationID {
			// A token minted for one tenant must not reach into another
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Token organization does not match user",
			})
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(OrganizationIDKey, orgID)

		c.Next()
	}
}

// OrganizationID returns the tenant scope established by AuthMiddleware
func OrganizationID(c *gin.Context) string {
	if v, ok := c.Get(OrganizationIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// UserID returns the authenticated actor id established by AuthMiddleware
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
