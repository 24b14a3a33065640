package session

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"sessiond/cmd/identity"
)

// Rules shared by every Repository implementation and by the stores behind
// them. They never touch storage.

// ValidateCreate checks CreateSession input.
func ValidateCreate(op string, d Device, ip netip.Addr, key []byte) error {
	if err := ValidateDevice(d); err != nil {
		return E(op, ErrInvalidInput, err.Error())
	}
	return ValidateMutation(op, ip, key)
}

// ValidateMutation checks the ip and key presented on any mutation.
func ValidateMutation(op string, ip netip.Addr, key []byte) error {
	if !ip.IsValid() {
		return E(op, ErrInvalidInput, "ip address is required")
	}
	return ValidateKey(op, key)
}

// ValidateKey checks key size.
func ValidateKey(op string, key []byte) error {
	switch {
	case len(key) == 0:
		return E(op, ErrInvalidInput, "session key is required")
	case len(key) > MaxKeyBytes:
		return E(op, ErrInvalidInput, "session key too long")
	}
	return nil
}

// NormalizeIP unmaps IPv4-mapped IPv6 addresses and drops zones so that
// equal origins compare equal.
func NormalizeIP(ip netip.Addr) netip.Addr {
	return ip.Unmap().WithZone("")
}

// CheckKey verifies key against the record's digest in constant time.
func CheckKey(op string, h KeyHasher, rec Record, key []byte) error {
	if !h.Match(rec.KeyHash, key) {
		return E(op, ErrKeyMismatch, "")
	}
	return nil
}

// CheckBinding applies the bind-once rule for userID (canonical form).
// already is true when the session is bound to userID, which makes the bind a
// no-op.
func CheckBinding(op string, rec Record, userID string) (already bool, err error) {
	if rec.UserID == nil {
		return false, nil
	}
	if *rec.UserID == userID {
		return true, nil
	}
	return false, E(op, ErrUserBindingConflict, "")
}

// CheckCredential runs v and maps identity failures to session kinds.
// Unknown users and malformed credentials are ErrAuthenticationFailed.
func CheckCredential(ctx context.Context, op string, v CredentialVerifier, userID string, secret []byte) error {
	err := v.VerifyCredential(ctx, userID, secret)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthenticationFailed),
		identity.IsInvalidCredential(err),
		identity.IsNotFound(err),
		identity.IsInvalidInput(err):
		return Wrap(op, ErrAuthenticationFailed, err)
	case errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return Wrap(op, ErrStorageUnavailable, err)
	}
}

// Bind returns r bound to userID with a new origin and key digest.
func (r Record) Bind(userID string, ip netip.Addr, keyHash string, now time.Time) Record {
	r = r.Clone()
	r.UserID = &userID
	r.IPAddress = ip
	r.KeyHash = keyHash
	r.Revision++
	r.UpdatedAt = now
	return r
}

// Readdress returns r with a new origin and key digest.
func (r Record) Readdress(ip netip.Addr, keyHash string, now time.Time) Record {
	r = r.Clone()
	r.IPAddress = ip
	r.KeyHash = keyHash
	r.Revision++
	r.UpdatedAt = now
	return r
}

// Timestamp normalizes t to UTC microseconds, the precision every backend keeps.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// VerifyFunc adapts a function to CredentialVerifier.
type VerifyFunc func(ctx context.Context, userID string, secret []byte) error

func (f VerifyFunc) VerifyCredential(ctx context.Context, userID string, secret []byte) error {
	return f(ctx, userID, secret)
}

// IdentityCredentials adapts an identity store to CredentialVerifier.
func IdentityCredentials(s identity.Store) CredentialVerifier {
	return identityVerifier{s: s}
}

type identityVerifier struct {
	s identity.Store
}

func (v identityVerifier) VerifyCredential(ctx context.Context, userID string, secret []byte) error {
	_, err := v.s.VerifyCredential(ctx, userID, secret)
	return err
}

// CanonicalUserID normalizes a user id; malformed ids are ErrInvalidInput.
func CanonicalUserID(op, userID string) (string, error) {
	id, ok := identity.NormalizeUserID(userID)
	if !ok {
		return "", E(op, ErrInvalidInput, "user id must be a uuid")
	}
	return id, nil
}
