package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/resto_analytics/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionMiddleware validates the bearer token and loads the session
// identity (tenant, user, role) into the request context. Requests without a
// token pass through unauthenticated; handlers that need a tenant reject
// them themselves.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Header("X-Correlation-Id", correlationId)

		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		token := auth[len(bearer):]

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claims, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || claims.TenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetTenantIdInContext(ctx, claims.TenantId)
		ctx = utils.SetUserIdInContext(ctx, claims.UserId)
		ctx = utils.SetUserRoleInContext(ctx, claims.Role)
		if claims.Role == "operator" {
			ctx = utils.SetIsOperatorInContext(ctx, true)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenant guards routes that cannot run without a resolved tenant.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok || tenantId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
