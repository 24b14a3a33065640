package session

import (
	"context"
	"net/netip"
	"time"
)

// Repository is the session store contract.
//
// Mutations verify the presented key against the stored digest and return a
// Session carrying the new raw key. GetSession never returns a key.
type Repository interface {
	CreateSession(ctx context.Context, device Device, ip netip.Addr, key []byte) (Session, error)
	AddSessionToUser(ctx context.Context, sessionID string, ip netip.Addr, userID string, key, passwordHash []byte) (Session, error)
	UpdateSessionIP(ctx context.Context, sessionID string, ip netip.Addr, key []byte) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)

	// ClearSession revokes the session. Failures are reported out of band
	// (error log + metric); callers get no result.
	ClearSession(ctx context.Context, sessionID string, key []byte)
}

// Expirer is the idle-TTL hook. ExpireIdle clears and retires every session
// not updated since idleSince and returns how many were removed.
type Expirer interface {
	ExpireIdle(ctx context.Context, idleSince time.Time) (int, error)
}

// Pinger is implemented by repositories that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CredentialVerifier checks a user's credential. identity.Store satisfies it
// through an adapter in the repository implementations.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, userID string, secret []byte) error
}
