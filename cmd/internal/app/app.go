// Package app wires the sessiond runtime: config, logging, storage backends,
// the shared repository handle, background workers and the ops HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/internal/usecase"
	"sessiond/cmd/security/token"
	"sessiond/cmd/session"
	"sessiond/cmd/session/dualstore"
	"sessiond/cmd/session/graphstore"
	"sessiond/cmd/session/kvcache"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the sessiond runtime. It owns the storage backends and the shared
// repository handle; Close releases them.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	pool  *pgxpool.Pool // nil for the in-memory graph
	users identity.Store
	cache *kvcache.Cache
	repo  *dualstore.Repository

	handle   *usecase.Handle
	useCases usecase.Set
}

// New constructs a fully wired App. With a database URL it connects (and,
// when AutoMigrate is set, migrates) Postgres; otherwise the graph lives in
// process memory.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(nil, cfg.LogLevel, cfg.LogFormat)
	}
	hasher, err := token.FromConfig(cfg.Token)
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	a := &App{cfg: cfg, log: log, reg: newRegistry()}

	graph, err := a.openGraph(ctx, hasher)
	if err != nil {
		return nil, err
	}

	cache, err := kvcache.Open(cfg.CachePath, kvcache.Options{LockTimeout: cfg.CacheLockTimeout})
	if err != nil {
		a.closePool()
		return nil, err
	}
	a.cache = cache

	repo, err := dualstore.New(graph, cache, dualstore.Config{
		GraphTimeout:   cfg.GraphTimeout,
		CacheTimeout:   cfg.CacheTimeout,
		RepairInterval: cfg.CacheRepairInterval,
		Hasher:         hasher,
		Logger:         log,
		Metrics:        dualstore.NewMetrics(a.reg),
	})
	if err != nil {
		_ = cache.Close()
		a.closePool()
		return nil, err
	}
	a.repo = repo
	a.handle = usecase.NewHandle(repo, cfg.Guard())
	a.useCases = usecase.New(a.handle)

	log.InfoContext(ctx, "app.ready",
		slog.Bool("db_enabled", a.pool != nil),
		slog.Bool("token_hmac", hasher.HMAC()),
		slog.String("cache_path", cache.Path()),
		slog.String("guard_mode", a.handle.Mode().String()),
	)
	return a, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func (a *App) openGraph(ctx context.Context, hasher token.Hasher) (graphstore.Store, error) {
	if a.cfg.InMemory() {
		users := identity.NewMemoryStore(a.cfg.Password)
		a.users = users
		a.log.InfoContext(ctx, "db.disabled.inmemory_graph")
		return graphstore.NewMemory(hasher, session.IdentityCredentials(users)), nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	if a.cfg.AutoMigrate {
		if err := graphstore.Migrate(ctx, pool, a.cfg.GraphSchema, a.log); err != nil {
			a.closePool()
			return nil, err
		}
	}

	pg, err := graphstore.NewPostgres(pool, hasher,
		graphstore.WithSchema(a.cfg.GraphSchema),
		graphstore.WithPasswordConfig(a.cfg.Password),
	)
	if err != nil {
		a.closePool()
		return nil, err
	}
	a.users = pg.Users()
	a.log.InfoContext(ctx, "db.enabled.postgres_graph", slog.String("schema", a.cfg.GraphSchema))
	return pg, nil
}

// UseCases returns the use-case set sharing the app's repository handle.
func (a *App) UseCases() usecase.Set { return a.useCases }

// Handle returns the shared repository handle.
func (a *App) Handle() *usecase.Handle { return a.handle }

// Users returns the identity store backing credential checks.
func (a *App) Users() identity.Store { return a.users }

// Registry returns the app's prometheus registry.
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Run serves the ops HTTP surface and runs the cache repair worker and the
// idle sweeper until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, opsRoutes{
		log:       a.log,
		ready:     a.repo,
		gatherer:  a.reg,
		requireDB: a.cfg.ReadinessRequireDB,
		dbEnabled: a.pool != nil,
		timeout:   a.cfg.GraphTimeout,
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.InfoContext(gctx, "server.start", slog.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", slog.Any("error", err))
			return err
		}
		return nil
	})
	g.Go(func() error { return a.repo.RunRepairs(gctx) })
	g.Go(func() error { return a.runSweeper(gctx) })

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", slog.Any("error", err))
	} else {
		a.log.Info("server.stopped")
	}
	return err
}

// Close releases the app's handle reference (closing the repository and its
// cache once no operation holds it) and the database pool.
func (a *App) Close() error {
	err := a.handle.Release()
	if errors.Is(err, usecase.ErrHandleClosed) {
		err = nil
	}
	a.closePool()
	return err
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
