package identity

import (
	"context"
	"testing"

	"sessiond/cmd/security/password"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPasswordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestMemoryStore_RegisterAndVerify(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testPasswordConfig())

	id := uuid.NewString()
	u, err := s.RegisterUser(ctx, RegisterInput{UserID: id, Secret: []byte("client-hash-1")})
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Len(t, u.NodeID, 26)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := s.VerifyCredential(ctx, id, []byte("client-hash-1"))
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestMemoryStore_VerifyCredential_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testPasswordConfig())

	id := uuid.NewString()
	_, err := s.RegisterUser(ctx, RegisterInput{UserID: id, Secret: []byte("client-hash-1")})
	require.NoError(t, err)

	_, err = s.VerifyCredential(ctx, id, []byte("client-hash-2"))
	assert.True(t, IsInvalidCredential(err), "got %v", err)

	_, err = s.VerifyCredential(ctx, uuid.NewString(), []byte("client-hash-1"))
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = s.VerifyCredential(ctx, "not-a-uuid", []byte("client-hash-1"))
	assert.True(t, IsInvalidInput(err), "got %v", err)
}

func TestMemoryStore_RegisterUser_Conflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testPasswordConfig())

	id := uuid.New()
	_, err := s.RegisterUser(ctx, RegisterInput{UserID: id.String(), Secret: []byte("client-hash-1")})
	require.NoError(t, err)

	_, err = s.RegisterUser(ctx, RegisterInput{UserID: "{" + id.String() + "}", Secret: []byte("client-hash-1")})
	assert.True(t, IsConflict(err), "got %v", err)
}

func TestMemoryStore_RegisterUser_RejectsShortSecret(t *testing.T) {
	s := NewMemoryStore(testPasswordConfig())

	_, err := s.RegisterUser(context.Background(), RegisterInput{UserID: uuid.NewString(), Secret: []byte("x")})
	assert.True(t, IsInvalidInput(err), "got %v", err)
}

func TestNormalizeUserID(t *testing.T) {
	id := uuid.New()

	got, ok := NormalizeUserID("  " + id.String() + " ")
	assert.True(t, ok)
	assert.Equal(t, id.String(), got)

	_, ok = NormalizeUserID(uuid.Nil.String())
	assert.False(t, ok)

	_, ok = NormalizeUserID("nope")
	assert.False(t, ok)
}
