// Package auth handles session JWTs: creation, signing, and verification with
// a shared HMAC secret. The token subject is the owner id every session route
// scopes its data to.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	secretEnv = "RP_JWT_SECRET"
	issuer    = "relaypost"
)

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims is the session token payload. Subject carries the owner id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID parses the subject as an owner id.
func (c *Claims) OwnerID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return id, nil
}

func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	return devMode == "true" || devMode == "1" || os.Getenv("GIN_MODE") == "debug"
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ValidateJWTSecret checks that RP_JWT_SECRET is configured. Outside dev mode
// a missing secret is a startup error; in dev mode a random one is generated.
// Call this at application startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(secretEnv)
		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn("RP_JWT_SECRET not set, using an auto-generated secret; sessions will not survive restarts")
			} else {
				jwtSecretErr = errors.New("RP_JWT_SECRET environment variable is required; generate one with: openssl rand -hex 32")
			}
			return
		}
		if len(secret) < 32 {
			slog.Warn("RP_JWT_SECRET is shorter than the recommended 32 characters")
		}
		jwtSecret = secret
	})
	return jwtSecretErr
}

// GetJWTSecret returns the validated secret. It panics if validation failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT issues a session token for an owner.
func GenerateJWT(ownerID uuid.UUID, email string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   ownerID.String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and verifies a session token.
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
