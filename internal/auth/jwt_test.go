package auth

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// resetJWTSecret resets the package-level sync.Once so tests can set a fresh secret.
func resetJWTSecret() {
	jwtSecret = ""
	jwtSecretOnce = sync.Once{}
	jwtSecretErr = nil
}

func TestMain(m *testing.M) {
	os.Setenv("RP_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")
	os.Exit(m.Run())
}

func TestValidateJWTSecret(t *testing.T) {
	t.Run("valid secret from env", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("RP_JWT_SECRET", "exactly-32-char-secret-for-test!!")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error: %v", err)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("RP_JWT_SECRET", "")
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if err := ValidateJWTSecret(); err == nil {
			t.Error("ValidateJWTSecret() expected error without secret, got nil")
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv("RP_JWT_SECRET", "")
		t.Setenv("DEV_MODE", "true")
		if err := ValidateJWTSecret(); err != nil {
			t.Errorf("ValidateJWTSecret() unexpected error in dev mode: %v", err)
		}
		if GetJWTSecret() == "" {
			t.Error("GetJWTSecret() returned empty string after dev mode init")
		}
	})
}

func TestGenerateAndValidateJWT(t *testing.T) {
	resetJWTSecret()
	t.Setenv("RP_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")

	t.Run("round trip", func(t *testing.T) {
		owner := uuid.New()
		token, err := GenerateJWT(owner, "ops@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}

		claims, err := ValidateJWT(token)
		if err != nil {
			t.Fatalf("ValidateJWT() error: %v", err)
		}
		got, err := claims.OwnerID()
		if err != nil {
			t.Fatalf("OwnerID() error: %v", err)
		}
		if got != owner {
			t.Errorf("OwnerID() = %v, want %v", got, owner)
		}
		if claims.Email != "ops@example.com" {
			t.Errorf("claims.Email = %q", claims.Email)
		}
		if claims.Issuer != "relaypost" {
			t.Errorf("claims.Issuer = %q, want relaypost", claims.Issuer)
		}
	})

	t.Run("default expiry when zero duration", func(t *testing.T) {
		token, err := GenerateJWT(uuid.New(), "", 0)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		claims, err := ValidateJWT(token)
		if err != nil {
			t.Fatalf("ValidateJWT() error: %v", err)
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining < 50*time.Minute || remaining > 70*time.Minute {
			t.Errorf("default expiry remaining = %v, want ~1h", remaining)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := GenerateJWT(uuid.New(), "", -time.Second)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}
		if _, err := ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() expected error for expired token, got nil")
		}
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		if _, err := ValidateJWT("not.a.valid.token"); err == nil {
			t.Error("ValidateJWT() expected error, got nil")
		}
	})

	t.Run("token signed with different secret is rejected", func(t *testing.T) {
		token, err := GenerateJWT(uuid.New(), "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT() error: %v", err)
		}

		resetJWTSecret()
		t.Setenv("RP_JWT_SECRET", "completely-different-secret-32ch!")
		if _, err := ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() expected error for foreign signature, got nil")
		}

		resetJWTSecret()
		t.Setenv("RP_JWT_SECRET", "test-jwt-secret-that-is-32-chars-!")
	})
}

func TestClaimsOwnerID_InvalidSubject(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"}}
	if _, err := c.OwnerID(); err == nil {
		t.Error("OwnerID() expected error for non-uuid subject")
	}
}
