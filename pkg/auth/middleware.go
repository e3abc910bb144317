package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/ctxkeys"
)

// ServiceAuthMiddleware validates service-to-service auth tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		// Validate token
		if err := ValidateServiceToken(parts[1], expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuthMiddleware validates JWT tokens for web sessions and falls back to the
// service token for service-to-service calls.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			// Browser clients typically use httpOnly cookies for auth.
			if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
				auth = "Bearer " + cookieToken
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
				c.Abort()
				return
			}
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		token := parts[1]

		// Try JWT validation
		claims, err := ValidateJWT(token, secret)
		if err == nil {
			c.Set(string(ctxkeys.KeyUserID), claims.UserID)
			c.Set(string(ctxkeys.KeyOrgID), claims.OrgID)
			c.Set(string(ctxkeys.KeyEmail), claims.Email)
			c.Set(string(ctxkeys.KeyRole), claims.Role)
			c.Set(string(ctxkeys.KeyAuthType), "jwt")
			c.Next()
			return
		}

		// If JWT validation fails, try service token validation
		serviceToken := GetServiceToken()
		if serviceToken != "" && ValidateServiceToken(token, serviceToken) == nil {
			c.Set(string(ctxkeys.KeyRole), "service")
			c.Set(string(ctxkeys.KeyAuthType), "service")
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid JWT token"})
		c.Abort()
	}
}
