package identity

import (
	"context"
	"sync"
	"time"

	"sessiond/cmd/security/password"
)

// MemoryStore keeps users in memory. It backs dev mode (no database URL) and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cfg   password.Config
	users map[string]memUser
}

type memUser struct {
	user    User
	encoded string
}

// NewMemoryStore constructs an in-memory identity store using cfg for hashing.
func NewMemoryStore(cfg password.Config) *MemoryStore {
	return &MemoryStore{
		cfg:   cfg,
		users: make(map[string]memUser),
	}
}

// RegisterUser stores the user and its hashed credential.
func (s *MemoryStore) RegisterUser(ctx context.Context, in RegisterInput) (User, error) {
	const op = "identity.RegisterUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID, ok := NormalizeUserID(in.UserID)
	if !ok {
		return User{}, invalid(op, "user_id must be a uuid")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	encoded, err := hashCredential(s.cfg, op, in.Secret)
	if err != nil {
		return User{}, err
	}
	nodeID, err := NewNodeID(now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; exists {
		return User{}, ConflictError{Op: op, Field: "user_id"}
	}
	u := User{ID: userID, NodeID: nodeID, CreatedAt: now}
	s.users[userID] = memUser{user: u, encoded: encoded}
	return u, nil
}

// VerifyCredential checks secret against the stored credential for userID.
func (s *MemoryStore) VerifyCredential(ctx context.Context, userID string, secret []byte) (User, error) {
	const op = "identity.VerifyCredential"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	canonical, ok := NormalizeUserID(userID)
	if !ok {
		return User{}, invalid(op, "user_id must be a uuid")
	}

	s.mu.RLock()
	mu, exists := s.users[canonical]
	s.mu.RUnlock()
	if !exists {
		return User{}, OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}

	if err := checkCredential(s.cfg, op, mu.encoded, secret); err != nil {
		return User{}, err
	}
	return mu.user, nil
}
