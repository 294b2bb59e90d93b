package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"gymtrack/internal/apperr"
	"gymtrack/internal/httpmiddleware"
)

const claimsKey = "claims"

// Bearer enforces HS256 access tokens and stores their claims on the
// context.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			httpmiddleware.Abort(c, apperr.Unauthorized("missing bearer token"))
			return
		}
		claims, err := Parse(strings.TrimSpace(authz[len("bearer "):]), signingKey, issuer)
		if err != nil {
			httpmiddleware.Abort(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Set(httpmiddleware.SubjectKey, claims.Subject)
		c.Next()
	}
}

// RequireRole lets only tokens with one of roles through. It must run
// after Bearer.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			httpmiddleware.Abort(c, apperr.Unauthorized("missing credentials"))
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		httpmiddleware.Abort(c, apperr.Forbidden("role "+claims.Role+" may not access this resource"))
	}
}

// ClaimsFrom returns the claims stored by Bearer.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
