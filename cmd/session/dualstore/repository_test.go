package dualstore

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/security/password"
	"sessiond/cmd/security/token"
	"sessiond/cmd/session"
	"sessiond/cmd/session/graphstore"
	"sessiond/cmd/session/kvcache"
	"sessiond/cmd/session/sessiontest"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo  *Repository
	graph *spyGraph
	mem   *graphstore.Memory
	cache *faultyCache
	users *identity.MemoryStore
	m     *Metrics
	logs  *bytes.Buffer
	path  string
}

func fastPasswordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := kvcache.Open(path, kvcache.Options{NoSync: true})
	require.NoError(t, err)

	h := token.NewHasher(nil)
	users := identity.NewMemoryStore(fastPasswordConfig())
	mem := graphstore.NewMemory(h, session.IdentityCredentials(users))
	g := newSpyGraph(mem)
	fc := &faultyCache{Cache: c}

	var logs bytes.Buffer
	cfg := Config{
		GraphTimeout:   time.Second,
		CacheTimeout:   time.Second,
		RepairAttempts: 1,
		Hasher:         h,
		Logger:         slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:        NewMetrics(prometheus.NewRegistry()),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	repo, err := New(g, fc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return &fixture{repo: repo, graph: g, mem: mem, cache: fc, users: users, m: cfg.Metrics, logs: &logs, path: path}
}

func (f *fixture) register(t *testing.T, secret []byte) string {
	t.Helper()
	id := uuid.NewString()
	_, err := f.users.RegisterUser(context.Background(), identity.RegisterInput{UserID: id, Secret: secret})
	require.NoError(t, err)
	return id
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestRepository_Suite(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessiontest.Harness {
		f := newFixture(t)
		return sessiontest.Harness{Repo: f.repo, RegisterUser: f.register}
	})
}

func TestRepository_Suite_CacheDown(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessiontest.Harness {
		f := newFixture(t)
		f.cache.failPut.Store(true)
		f.cache.failGet.Store(true)
		f.cache.failDelete.Store(true)
		f.cache.failMarkStale.Store(true)
		return sessiontest.Harness{Repo: f.repo, RegisterUser: f.register}
	})
}

func TestRepository_GetServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "workstation"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	got, err := f.repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Equal(s))
	assert.Equal(t, 0, f.graph.count("load"))
}

func TestRepository_ClockStepBackDoesNotPinOldCacheEntry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var calls int
	f := newFixture(t, func(c *Config) {
		c.Now = func() time.Time {
			calls++
			if calls == 1 {
				return base
			}
			return base.Add(-time.Second)
		}
	})

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "workstation"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)
	moved, err := f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.7"), s.SessionKey)
	require.NoError(t, err)
	require.True(t, moved.UpdatedAt.Before(s.UpdatedAt))

	got, err := f.repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, addr("10.0.0.7"), got.IPAddress)

	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.8"), moved.SessionKey)
	assert.NoError(t, err, "the current key is accepted")
	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.9"), s.SessionKey)
	assert.ErrorIs(t, err, session.ErrKeyMismatch)
}

func TestRepository_CacheWriteFailure_StillSucceedsAndFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	f.cache.failPut.Store(true)
	moved, err := f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.6"), []byte("k0"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.CacheRepairs.WithLabelValues("queued")))

	// The cache still holds the old ip, but the id is stale so reads go to
	// the graph.
	got, err := f.repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, addr("10.0.0.6"), got.IPAddress)
	assert.Equal(t, 1, f.graph.count("load"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.CacheFallbacks.WithLabelValues("stale")))

	// The cached key digest is outdated; the new key must still be accepted.
	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.7"), moved.SessionKey)
	require.NoError(t, err)

	ids, err := f.cache.Stale(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, s.ID)

	f.cache.failPut.Store(false)
	assert.Equal(t, 1, f.repo.Repair(ctx))
	assert.False(t, f.repo.isStale(s.ID))

	e, err := f.cache.Cache.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, addr("10.0.0.7"), e.Record.IPAddress)
	assert.False(t, e.Stale)
	assert.Contains(t, f.logs.String(), "cache.write.fail")
}

func TestRepository_GraphFailure_NoCacheWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.graph.fail.Store(true)
	_, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.OpsTotal.WithLabelValues("create", "unavailable")))

	ids, err := f.cache.Stale(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRepository_GraphTimeout_IsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.GraphTimeout = 50 * time.Millisecond })

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	f.graph.stall.Store(true)
	start := time.Now()
	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.6"), []byte("k0"))
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
	assert.False(t, session.IsNotFound(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRepository_AbandonedCallerDoesNotAbortWrite(t *testing.T) {
	f := newFixture(t)
	f.graph.delay.Store(int64(30 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	got, err := f.mem.LoadSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestRepository_TombstoneRejectsWithoutGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)
	f.repo.ClearSession(ctx, s.ID, []byte("k0"))
	require.Equal(t, 1, f.graph.count("delete"))

	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.6"), []byte("k0"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.repo.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	assert.Equal(t, 0, f.graph.count("update_ip"))
	assert.Equal(t, 0, f.graph.count("load"))
}

func TestRepository_TrustedMismatchRejectsWithoutGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.6"), []byte("wrong"))
	assert.ErrorIs(t, err, session.ErrKeyMismatch)
	assert.Equal(t, 0, f.graph.count("update_ip"))
}

func TestRepository_ClearFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	f.repo.ClearSession(ctx, s.ID, []byte("wrong"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.ClearFailures.WithLabelValues(session.ClearStageVerify)))

	f.graph.fail.Store(true)
	f.cache.failGet.Store(true)
	f.repo.ClearSession(ctx, s.ID, []byte("k0"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.ClearFailures.WithLabelValues(session.ClearStageGraph)))
	f.graph.fail.Store(false)
	f.cache.failGet.Store(false)

	_, err = f.repo.GetSession(ctx, s.ID)
	require.NoError(t, err, "a failed clear must leave the session intact")

	f.cache.failDelete.Store(true)
	f.repo.ClearSession(ctx, s.ID, []byte("k0"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.ClearFailures.WithLabelValues(session.ClearStageCache)))

	// The graph clear went through, the cache copy is stale and ignored.
	_, err = f.repo.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	f.cache.failDelete.Store(false)
	assert.Equal(t, 1, f.repo.Repair(ctx))
	_, err = f.cache.Cache.Get(ctx, s.ID)
	assert.ErrorIs(t, err, kvcache.ErrTombstoned)

	out := f.logs.String()
	assert.Contains(t, out, "session.clear.fail")
	assert.NotContains(t, out, "k0")
}

func TestRepository_EntriesFromPreviousProcessAreUntrusted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	// A second repository over the same backends simulates a restart.
	time.Sleep(2 * time.Millisecond)
	m := NewMetrics(prometheus.NewRegistry())
	next, err := New(f.graph, f.cache, Config{Hasher: token.NewHasher(nil), Metrics: m})
	require.NoError(t, err)

	_, err = next.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheFallbacks.WithLabelValues("untrusted")))

	// The refill is trusted by the new process.
	_, err = next.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.graph.count("load"))
}

func TestRepository_RetriesOnIDInUse(t *testing.T) {
	ctx := context.Background()
	taken := uuid.NewString()
	ids := []string{taken, taken, uuid.NewString()}
	f := newFixture(t, func(c *Config) {
		c.NewID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	first, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)
	require.Equal(t, taken, first.ID)

	second, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)
	assert.NotEqual(t, taken, second.ID)
	assert.Equal(t, 3, f.graph.count("insert"))
	assert.Contains(t, f.logs.String(), "session.id.collision")
}

func TestRepository_ExpireIdleTombstonesCache(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Add(-time.Hour)
	f := newFixture(t, func(c *Config) { c.Now = func() time.Time { return now } })

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	n, err := f.repo.ExpireIdle(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.cache.Cache.Get(ctx, s.ID)
	assert.ErrorIs(t, err, kvcache.ErrTombstoned)
	reason, ok := f.mem.Retired(s.ID)
	assert.True(t, ok)
	assert.Equal(t, graphstore.ReasonExpired, reason)
}

func TestRepository_RunRepairsDrainsQueue(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RepairInterval = time.Hour })
	ctx := context.Background()

	s, err := f.repo.CreateSession(ctx, session.PC{Name: "a"}, addr("10.0.0.5"), []byte("k0"))
	require.NoError(t, err)

	f.cache.failPut.Store(true)
	_, err = f.repo.UpdateSessionIP(ctx, s.ID, addr("10.0.0.6"), []byte("k0"))
	require.NoError(t, err)
	f.cache.failPut.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.repo.RunRepairs(runCtx) }()

	require.Eventually(t, func() bool { return !f.repo.isStale(s.ID) }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	e, err := f.cache.Cache.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, addr("10.0.0.6"), e.Record.IPAddress)
}

func TestRepository_Ping(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Ping(context.Background()))

	f.graph.stall.Store(true)
	f.repo.cfg.GraphTimeout = 20 * time.Millisecond
	assert.Error(t, f.repo.Ping(context.Background()))
}

func TestRepository_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Close())
	require.NoError(t, f.repo.Close())
}
