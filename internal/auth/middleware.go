package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is where validated claims land in the gin context.
const ContextKey = "claims"

// RequireRole enforces bearer JWT tokens signed with HS256 and restricts the
// route to the given roles.
func RequireRole(signingKey, issuer string, roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if len(allowed) > 0 && !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
			return
		}
		c.Set(ContextKey, claims)
		c.Next()
	}
}

// FromContext returns the claims set by RequireRole.
func FromContext(c *gin.Context) Claims {
	if v, ok := c.Get(ContextKey); ok {
		if claims, ok := v.(Claims); ok {
			return claims
		}
	}
	return Claims{}
}
