// Package crypto implements the credential vault: AES-256-GCM sealing of
// third-party secrets (automation account passwords) that must be stored at
// rest and only ever handed out in plaintext to an authenticated worker.
//
// A sealed token is the base64url encoding of nonce || tag || ciphertext.
// The nonce (12 bytes) and GCM tag (16 bytes) are fixed length, so a token is
// split unambiguously on decode.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required master key length (AES-256).
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16

	sealInfo = "relaypost credential vault v1"
)

var (
	// ErrConfiguration is returned when no valid 256-bit master key is configured.
	ErrConfiguration = errors.New("crypto: vault key is missing or invalid")
	// ErrDecryption is returned when a token is malformed, tampered with, or sealed under another key.
	ErrDecryption = errors.New("crypto: credential decryption failed")
)

// Vault seals and opens secrets with a process-wide immutable key.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a raw 32-byte master key.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfiguration, KeySize, len(masterKey))
	}

	sealKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(sealInfo)), sealKey); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrConfiguration, err)
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &Vault{aead: aead}, nil
}

// LoadVault decodes an encoded master key (64 hex characters or base64) and
// builds a vault from it. An empty value is a configuration error; there is
// no fallback key.
func LoadVault(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY is not set", ErrConfiguration)
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return NewVault(key)
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: expected %d bytes as hex or base64", ErrConfiguration, KeySize)
}

// Seal encrypts plaintext under a fresh random nonce.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}

	// GCM appends the tag after the ciphertext; the token carries it first.
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a token produced by Seal.
func (v *Vault) Open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token", ErrDecryption)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: token too short", ErrDecryption)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// SealString is Seal for string secrets.
func (v *Vault) SealString(plaintext string) (string, error) {
	return v.Seal([]byte(plaintext))
}

// OpenString is Open for string secrets.
func (v *Vault) OpenString(token string) (string, error) {
	b, err := v.Open(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GenerateKey creates a cryptographically secure random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
