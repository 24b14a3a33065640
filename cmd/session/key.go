package session

import (
	"crypto/rand"
	"fmt"
)

// KeyBytes is the size of keys issued on rotation.
const KeyBytes = 32

// MaxKeyBytes bounds caller-supplied keys.
const MaxKeyBytes = 1024

// KeyHasher turns raw keys into stored digests. token.Hasher implements it.
type KeyHasher interface {
	Sum(secret []byte) string
	Match(storedHex string, secret []byte) bool
}

// NewKey returns a fresh random key.
func NewKey() ([]byte, error) {
	k := make([]byte, KeyBytes)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("session: generate key: %w", err)
	}
	return k, nil
}
