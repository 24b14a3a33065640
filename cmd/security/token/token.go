package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// MinHMACKeyBytes is the minimum secret size accepted when HMAC is required.
const MinHMACKeyBytes = 32

// Config is the hashing configuration surface.
type Config struct {
	HMACKey     string `env:"TOKEN_HMAC_KEY"`
	RequireHMAC bool   `env:"REQUIRE_TOKEN_HMAC" envDefault:"false"`
}

// Validate enforces the HMAC policy. It is a no-op unless RequireHMAC is set.
func (c Config) Validate() error {
	if !c.RequireHMAC {
		return nil
	}
	raw := strings.TrimSpace(c.HMACKey)
	if raw == "" {
		return ErrHMACKeyMissing
	}
	// Bytes, not runes: the key is used as raw bytes.
	if len(raw) < MinHMACKeyBytes {
		return ErrHMACKeyTooShort
	}
	return nil
}

// Hasher computes storage digests for session keys.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects SHA-256 mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return Hasher{key: cp}
}

// FromConfig builds a Hasher after enforcing the configured policy.
func FromConfig(c Config) (Hasher, error) {
	if err := c.Validate(); err != nil {
		return Hasher{}, err
	}
	return NewHasher([]byte(strings.TrimSpace(c.HMACKey))), nil
}

// HMAC reports whether the hasher runs in HMAC mode.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Sum returns the 64-char hex digest stored for secret.
func (h Hasher) Sum(secret []byte) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(secret)
	}
	return HashHMACSHA256Hex(secret, h.key)
}

// Match reports whether secret hashes to storedHex, in constant time.
func (h Hasher) Match(storedHex string, secret []byte) bool {
	return EqualHex64(storedHex, h.Sum(secret))
}

// HashSHA256Hex returns a SHA-256 hex digest of b.
func HashSHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of b using key.
func HashHMACSHA256Hex(b []byte, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(b)
	return hex.EncodeToString(m.Sum(nil))
}

// EqualHex64 compares two expected 64-char hex digests in constant time.
// Either side having the wrong length is a mismatch, which keeps timing flat.
func EqualHex64(a, b string) bool {
	if len(a) != 64 || len(b) != 64 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
