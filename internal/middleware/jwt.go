package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/simplify-ai/campaign-mailer/internal/auth"
	"github.com/simplify-ai/campaign-mailer/pkg/response"
)

// ContextService is the key for the calling service name in gin context.
const ContextService = "service"

// JWT returns a middleware that validates a service token and stores the caller in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			return
		}
		c.Set(ContextService, claims.Service)
		c.Next()
	}
}
