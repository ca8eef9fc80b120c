// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, metrics, and audit logging.
//
// Middleware ordering is enforced in router.go:
//
//	Security → Auth → RateLimit → Audit → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting follows auth so session budgets are keyed by owner.
// Session routes authenticate a JWT whose subject is the owner id; machine
// routes (sweep trigger and worker queue) authenticate a shared secret.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/auth"
)

// Context keys set by the auth middleware.
const (
	OwnerIDKey    = "owner_id"
	AuthMethodKey = "auth_method"
)

// SessionCookie carries the session JWT on browser navigations, such as the
// platform redirect back to the OAuth callback, which cannot set headers.
const SessionCookie = "rp_session"

func bearerToken(c *gin.Context) (string, string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

// AuthMiddleware validates the session JWT and stores the owner id. The
// token comes from the Authorization header, or from SessionCookie when the
// header is absent.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c)
		if c.GetHeader("Authorization") == "" {
			if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
				token, problem = cookie, ""
			}
		}
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		ownerID, err := claims.OwnerID()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		c.Set(OwnerIDKey, ownerID)
		c.Set(AuthMethodKey, "jwt")
		c.Next()
	}
}

// SharedSecretAuth admits requests whose bearer token equals secret. The
// comparison is constant time. An empty secret rejects every request.
func SharedSecretAuth(secret, method string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		token, problem := bearerToken(c)
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.Set(AuthMethodKey, method)
		c.Next()
	}
}

// GetOwnerID returns the authenticated owner id.
func GetOwnerID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(OwnerIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}
