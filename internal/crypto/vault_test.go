package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte("k"), KeySize)
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(testKey())
	if err != nil {
		t.Fatalf("NewVault() error: %v", err)
	}
	return v
}

func TestNewVaultKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := NewVault(make([]byte, n))
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("NewVault(len=%d) error = %v, want ErrConfiguration", n, err)
		}
	}
}

func TestLoadVault(t *testing.T) {
	key := testKey()

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{"hex", hex.EncodeToString(key), false},
		{"base64 std", base64.StdEncoding.EncodeToString(key), false},
		{"base64 url raw", base64.RawURLEncoding.EncodeToString(key), false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"short hex", hex.EncodeToString(key[:16]), true},
		{"passphrase", "correct horse battery staple", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := LoadVault(tt.encoded)
			if tt.wantErr {
				if !errors.Is(err, ErrConfiguration) {
					t.Errorf("LoadVault(%q) error = %v, want ErrConfiguration", tt.encoded, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadVault(%q) error: %v", tt.encoded, err)
			}
			if v == nil {
				t.Fatal("LoadVault() returned nil vault")
			}
		})
	}
}

func TestLoadVaultEncodingsAgree(t *testing.T) {
	key := testKey()
	a, err := LoadVault(hex.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadVault(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}

	token, err := a.SealString("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.OpenString(token)
	if err != nil {
		t.Fatalf("OpenString() error: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("OpenString() = %q, want %q", got, "s3cret")
	}
}

// ---------------------------------------------------------------------------
// Seal / Open
// ---------------------------------------------------------------------------

func TestRoundTripLengths(t *testing.T) {
	v := newTestVault(t)

	for n := 0; n <= 300; n += 7 {
		plaintext := bytes.Repeat([]byte{byte(n)}, n)
		token, err := v.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal(len=%d) error: %v", n, err)
		}
		got, err := v.Open(token)
		if err != nil {
			t.Fatalf("Open(len=%d) error: %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Open(Seal(len=%d)) mismatch", n)
		}
	}
}

func TestSealEmptyProducesToken(t *testing.T) {
	v := newTestVault(t)
	token, err := v.Seal(nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != nonceSize+tagSize {
		t.Errorf("len(raw) = %d, want %d", len(raw), nonceSize+tagSize)
	}
	got, err := v.Open(token)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Open() = %v, want empty non-nil slice", got)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	a, _ := v.SealString("same")
	b, _ := v.SealString("same")
	if a == b {
		t.Error("two seals of the same plaintext produced identical tokens")
	}
}

func TestTokenLayout(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("hunter2")
	token, err := v.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(token)
	if len(raw) != nonceSize+tagSize+len(plaintext) {
		t.Fatalf("len(raw) = %d, want %d", len(raw), nonceSize+tagSize+len(plaintext))
	}

	// Reassemble in GCM's native order and open directly.
	nonce, tag, ct := raw[:nonceSize], raw[nonceSize:nonceSize+tagSize], raw[nonceSize+tagSize:]
	got, err := v.aead.Open(nil, nonce, append(append([]byte{}, ct...), tag...), nil)
	if err != nil {
		t.Fatalf("aead.Open() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("aead.Open() = %q, want %q", got, plaintext)
	}
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	v := newTestVault(t)
	token, err := v.SealString("platform password")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(token)

	for i := 0; i < len(raw)*8; i++ {
		flipped := append([]byte{}, raw...)
		flipped[i/8] ^= 1 << (i % 8)
		got, err := v.Open(base64.RawURLEncoding.EncodeToString(flipped))
		if !errors.Is(err, ErrDecryption) {
			t.Fatalf("bit %d: Open() error = %v, want ErrDecryption", i, err)
		}
		if got != nil {
			t.Fatalf("bit %d: Open() returned data on failure", i)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	v := newTestVault(t)
	other, err := NewVault(bytes.Repeat([]byte("x"), KeySize))
	if err != nil {
		t.Fatal(err)
	}
	token, _ := v.SealString("secret")
	if _, err := other.OpenString(token); !errors.Is(err, ErrDecryption) {
		t.Errorf("OpenString() with wrong key error = %v, want ErrDecryption", err)
	}
}

func TestOpenMalformed(t *testing.T) {
	v := newTestVault(t)
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"too short", base64.RawURLEncoding.EncodeToString(make([]byte, nonceSize+tagSize-1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Open(tt.token); !errors.Is(err, ErrDecryption) {
				t.Errorf("Open(%q) error = %v, want ErrDecryption", tt.token, err)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateKey()
	if len(a) != KeySize {
		t.Errorf("len(GenerateKey()) = %d, want %d", len(a), KeySize)
	}
	if bytes.Equal(a, b) {
		t.Error("GenerateKey() returned identical keys")
	}
	if _, err := NewVault(a); err != nil {
		t.Errorf("NewVault(GenerateKey()) error: %v", err)
	}
}
