package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyClaims holds the validated *Claims on the gin context.
const ContextKeyClaims = "auth_claims"

// Middleware requires a bearer token granting scope. A nil manager lets
// every request through.
func Middleware(m *JWTManager, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		tokenString, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			// websocket clients cannot set headers from a browser
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		claims, err := m.Validate(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr)
			return
		}
		if !claims.Has(scope) {
			abort(c, http.StatusForbidden, ErrForbidden)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims returns the caller's claims, or nil when auth is off.
func GetClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(ContextKeyClaims); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func abort(c *gin.Context, status int, err AuthError) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Code,
		"message": err.Message,
	})
}
