package identity

import (
	"context"
	"time"
)

// User is an identity node that sessions can be bound to.
type User struct {
	ID        string // canonical uuid string, the caller-facing id
	NodeID    string // graph node id (ULID)
	CreatedAt time.Time
}

// RegisterInput registers a user with its credential material.
// Secret is the client-side password hash; it is stored only as Argon2id.
type RegisterInput struct {
	UserID string
	Secret []byte
	Now    time.Time
}

// Store is the identity persistence boundary.
type Store interface {
	RegisterUser(ctx context.Context, in RegisterInput) (User, error)

	// VerifyCredential checks secret against the stored credential for userID.
	// Returns ErrNotFound for unknown users and ErrInvalidCredential on mismatch.
	VerifyCredential(ctx context.Context, userID string, secret []byte) (User, error)
}
