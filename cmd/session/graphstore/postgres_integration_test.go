package graphstore_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/internal/pgtest"
	"sessiond/cmd/security/password"
	"sessiond/cmd/security/token"
	"sessiond/cmd/session"
	"sessiond/cmd/session/graphstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNewPostgres(t *testing.T, pool *pgxpool.Pool, schema string) (*graphstore.Postgres, token.Hasher) {
	t.Helper()

	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1

	h := token.NewHasher(nil)
	g, err := graphstore.NewPostgres(pool, h, graphstore.WithSchema(schema), graphstore.WithPasswordConfig(cfg))
	require.NoError(t, err)
	return g, h
}

func newRecord(h token.Hasher, d session.Device, key string) session.Record {
	now := session.Timestamp(time.Now())
	return session.Record{
		ID:        uuid.NewString(),
		Device:    d,
		IPAddress: netip.MustParseAddr("10.0.0.5"),
		KeyHash:   h.Sum([]byte(key)),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgres_SessionLifecycle(t *testing.T) {
	t.Parallel()

	pool := pgtest.Open(t)
	schema := pgtest.NewSchema(t, pool)
	g, h := mustNewPostgres(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec := newRecord(h, session.PC{Name: "workstation"}, "k0")
	require.NoError(t, g.InsertSession(ctx, rec))

	got, err := g.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	user := uuid.NewString()
	_, err = g.Users().RegisterUser(ctx, identity.RegisterInput{UserID: user, Secret: []byte("password-hash-h1")})
	require.NoError(t, err)

	in := graphstore.BindInput{
		SessionID:  rec.ID,
		IP:         netip.MustParseAddr("10.0.0.6"),
		UserID:     user,
		Key:        []byte("k0"),
		Secret:     []byte("password-hash-h2"),
		NewKeyHash: h.Sum([]byte("k1")),
		Now:        session.Timestamp(time.Now()),
	}
	_, _, err = g.BindUser(ctx, in)
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)

	in.Secret = []byte("password-hash-h1")
	bound, applied, err := g.BindUser(ctx, in)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), bound.Revision)

	rebind := in
	rebind.Key = []byte("k1")
	rebind.Secret = []byte("password-hash-h2")
	_, _, err = g.BindUser(ctx, rebind)
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)

	got, err = g.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, bound, got)
	require.NotNil(t, got.UserID)
	assert.Equal(t, user, *got.UserID)

	_, err = g.UpdateIP(ctx, graphstore.UpdateIPInput{
		SessionID: rec.ID, IP: netip.MustParseAddr("10.0.0.7"), Key: []byte("k0"),
		NewKeyHash: h.Sum([]byte("k2")), Now: session.Timestamp(time.Now()),
	})
	assert.ErrorIs(t, err, session.ErrKeyMismatch)

	moved, err := g.UpdateIP(ctx, graphstore.UpdateIPInput{
		SessionID: rec.ID, IP: netip.MustParseAddr("10.0.0.7"), Key: []byte("k1"),
		NewKeyHash: h.Sum([]byte("k2")), Now: session.Timestamp(time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), moved.IPAddress)
	assert.Equal(t, uint64(2), moved.Revision)

	got, err = g.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, moved, got)

	require.NoError(t, g.DeleteSession(ctx, rec.ID, []byte("k2")))
	_, err = g.LoadSession(ctx, rec.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// Retired ids cannot come back.
	assert.ErrorIs(t, g.InsertSession(ctx, rec), session.ErrIDInUse)
}

func TestPostgres_DeviceNodesAreShared(t *testing.T) {
	t.Parallel()

	pool := pgtest.Open(t)
	schema := pgtest.NewSchema(t, pool)
	g, h := mustNewPostgres(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dev := session.Mac{OSVersion: "14.4", Name: "studio"}
	for range 3 {
		require.NoError(t, g.InsertSession(ctx, newRecord(h, dev, "k")))
	}

	var n int
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM `+identity.PGIdent(schema, "nodes")+` WHERE label = 'device'`,
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgres_CorruptDeviceIsStorageUnavailable(t *testing.T) {
	t.Parallel()

	pool := pgtest.Open(t)
	schema := pgtest.NewSchema(t, pool)
	g, h := mustNewPostgres(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rec := newRecord(h, session.PC{Name: "workstation"}, "k")
	require.NoError(t, g.InsertSession(ctx, rec))
	_, err := pool.Exec(ctx,
		`UPDATE `+identity.PGIdent(schema, "nodes")+` SET props = '{"kind":"toaster"}' WHERE label = 'device'`,
	)
	require.NoError(t, err)

	_, err = g.LoadSession(ctx, rec.ID)
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, session.ErrInvalidInput)
}

func TestPostgres_ExpireIdle(t *testing.T) {
	t.Parallel()

	pool := pgtest.Open(t)
	schema := pgtest.NewSchema(t, pool)
	g, h := mustNewPostgres(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	old := newRecord(h, session.PC{Name: "a"}, "k")
	old.CreatedAt = old.CreatedAt.Add(-2 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	fresh := newRecord(h, session.PC{Name: "a"}, "k")
	require.NoError(t, g.InsertSession(ctx, old))
	require.NoError(t, g.InsertSession(ctx, fresh))

	ids, err := g.ExpireIdle(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	_, err = g.LoadSession(ctx, old.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.ErrorIs(t, g.InsertSession(ctx, old), session.ErrIDInUse)

	_, err = g.LoadSession(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPostgres_Migrate_IsIdempotent(t *testing.T) {
	t.Parallel()

	pool := pgtest.Open(t)
	schema := pgtest.NewSchema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, graphstore.Migrate(ctx, pool, schema, nil))
	assert.Error(t, graphstore.Migrate(ctx, pool, "bad-schema!", nil))
}
