package dualstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"sessiond/cmd/security/token"
	"sessiond/cmd/session"
	"sessiond/cmd/session/graphstore"
	"sessiond/cmd/session/kvcache"
)

// Cache is the subset of *kvcache.Cache used by the repository.
type Cache interface {
	Put(ctx context.Context, rec session.Record) error
	Get(ctx context.Context, id string) (kvcache.Entry, error)
	MarkStale(ctx context.Context, id string) error
	Stale(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	Evict(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Config tunes the repository. Zero values take the defaults below.
type Config struct {
	GraphTimeout   time.Duration // default 3s
	CacheTimeout   time.Duration // default 500ms
	RepairInterval time.Duration // default 30s
	RepairQueue    int           // default 1024
	RepairAttempts uint          // default 5

	Hasher  session.KeyHasher // default SHA-256
	Logger  *slog.Logger
	Metrics *Metrics

	Now    func() time.Time
	NewID  func() string
	NewKey func() ([]byte, error)
}

func (c *Config) defaults() {
	if c.GraphTimeout <= 0 {
		c.GraphTimeout = 3 * time.Second
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 500 * time.Millisecond
	}
	if c.RepairInterval <= 0 {
		c.RepairInterval = 30 * time.Second
	}
	if c.RepairQueue <= 0 {
		c.RepairQueue = 1024
	}
	if c.RepairAttempts == 0 {
		c.RepairAttempts = 5
	}
	if c.Hasher == nil {
		c.Hasher = token.NewHasher(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = session.NewID
	}
	if c.NewKey == nil {
		c.NewKey = session.NewKey
	}
}

// Repository is the production session.Repository.
// It also implements session.Expirer, session.Pinger and io.Closer.
type Repository struct {
	graph graphstore.Store
	cache Cache
	cfg   Config
	log   *slog.Logger
	m     *Metrics

	// Cache entries written before startedAt may predate a lost write from a
	// previous process and are not trusted.
	startedAt time.Time

	staleMu sync.Mutex
	stale   map[string]struct{}

	repairs   chan string
	closeOnce sync.Once
	closeErr  error
}

// New builds a repository. It takes ownership of cache (closed by Close);
// the graph store's resources stay with the caller.
func New(graph graphstore.Store, cache Cache, cfg Config) (*Repository, error) {
	if graph == nil || cache == nil {
		return nil, fmt.Errorf("dualstore: graph and cache are required")
	}
	cfg.defaults()
	return &Repository{
		graph:     graph,
		cache:     cache,
		cfg:       cfg,
		log:       cfg.Logger,
		m:         cfg.Metrics,
		startedAt: time.Now().UTC(),
		stale:     make(map[string]struct{}),
		repairs:   make(chan string, cfg.RepairQueue),
	}, nil
}

func (r *Repository) CreateSession(ctx context.Context, device session.Device, ip netip.Addr, key []byte) (s session.Session, err error) {
	const op = "session.CreateSession"
	defer r.observe("create", time.Now(), &err)

	if err := session.ValidateCreate(op, device, ip, key); err != nil {
		return session.Session{}, err
	}

	now := session.Timestamp(r.cfg.Now())
	rec := session.Record{
		Device:    device,
		IPAddress: session.NormalizeIP(ip),
		KeyHash:   r.cfg.Hasher.Sum(key),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for range session.MaxIDAttempts {
		id, ok := session.CanonicalID(r.cfg.NewID())
		if !ok {
			continue
		}
		rec.ID = id

		gctx, cancel := r.graphCtx(ctx)
		err := r.graph.InsertSession(gctx, rec)
		cancel()
		if errors.Is(err, session.ErrIDInUse) {
			r.log.WarnContext(ctx, "session.id.collision", slog.String("session_id", id))
			continue
		}
		if err != nil {
			return session.Session{}, err
		}

		r.afterWrite(ctx, rec)
		return rec.WithKey(key), nil
	}
	return session.Session{}, session.E(op, session.ErrStorageUnavailable, "could not allocate a session id")
}

func (r *Repository) AddSessionToUser(ctx context.Context, sessionID string, ip netip.Addr, userID string, key, passwordHash []byte) (s session.Session, err error) {
	const op = "session.AddSessionToUser"
	defer r.observe("bind", time.Now(), &err)

	if err := session.ValidateMutation(op, ip, key); err != nil {
		return session.Session{}, err
	}
	uid, err := session.CanonicalUserID(op, userID)
	if err != nil {
		return session.Session{}, err
	}
	id, ok := session.CanonicalID(sessionID)
	if !ok {
		return session.Session{}, session.E(op, session.ErrSessionNotFound, "")
	}
	if err := r.precheck(ctx, op, id, key); err != nil {
		return session.Session{}, err
	}

	next, err := r.cfg.NewKey()
	if err != nil {
		return session.Session{}, session.Wrap(op, session.ErrStorageUnavailable, err)
	}

	gctx, cancel := r.graphCtx(ctx)
	rec, applied, err := r.graph.BindUser(gctx, graphstore.BindInput{
		SessionID:  id,
		IP:         session.NormalizeIP(ip),
		UserID:     uid,
		Key:        key,
		Secret:     passwordHash,
		NewKeyHash: r.cfg.Hasher.Sum(next),
		Now:        session.Timestamp(r.cfg.Now()),
	})
	cancel()
	if err != nil {
		return session.Session{}, err
	}
	if !applied {
		return rec.WithKey(key), nil
	}

	r.afterWrite(ctx, rec)
	return rec.WithKey(next), nil
}

func (r *Repository) UpdateSessionIP(ctx context.Context, sessionID string, ip netip.Addr, key []byte) (s session.Session, err error) {
	const op = "session.UpdateSessionIP"
	defer r.observe("update_ip", time.Now(), &err)

	if err := session.ValidateMutation(op, ip, key); err != nil {
		return session.Session{}, err
	}
	id, ok := session.CanonicalID(sessionID)
	if !ok {
		return session.Session{}, session.E(op, session.ErrSessionNotFound, "")
	}
	if err := r.precheck(ctx, op, id, key); err != nil {
		return session.Session{}, err
	}

	next, err := r.cfg.NewKey()
	if err != nil {
		return session.Session{}, session.Wrap(op, session.ErrStorageUnavailable, err)
	}

	gctx, cancel := r.graphCtx(ctx)
	rec, err := r.graph.UpdateIP(gctx, graphstore.UpdateIPInput{
		SessionID:  id,
		IP:         session.NormalizeIP(ip),
		Key:        key,
		NewKeyHash: r.cfg.Hasher.Sum(next),
		Now:        session.Timestamp(r.cfg.Now()),
	})
	cancel()
	if err != nil {
		return session.Session{}, err
	}

	r.afterWrite(ctx, rec)
	return rec.WithKey(next), nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (s session.Session, err error) {
	const op = "session.GetSession"
	defer r.observe("get", time.Now(), &err)

	cid, ok := session.CanonicalID(id)
	if !ok {
		return session.Session{}, session.E(op, session.ErrSessionNotFound, "")
	}

	reason := "stale"
	if !r.isStale(cid) {
		e, err := r.cacheGet(ctx, cid)
		switch {
		case err == nil && r.trusted(e):
			return e.Record.Session(), nil
		case err == nil:
			reason = "untrusted"
		case errors.Is(err, kvcache.ErrTombstoned):
			return session.Session{}, session.E(op, session.ErrSessionNotFound, "")
		case errors.Is(err, kvcache.ErrMiss):
			reason = "miss"
		default:
			reason = "error"
			r.log.WarnContext(ctx, "cache.read.fail", slog.String("session_id", cid), slog.Any("error", err))
		}
	}
	r.m.CacheFallbacks.WithLabelValues(reason).Inc()

	gctx, cancel := r.graphCtx(ctx)
	rec, err := r.graph.LoadSession(gctx, cid)
	cancel()
	if err != nil {
		if session.IsNotFound(err) {
			r.cacheEvict(ctx, cid)
		}
		return session.Session{}, err
	}

	r.refill(ctx, rec)
	return rec.Session(), nil
}

func (r *Repository) ClearSession(ctx context.Context, sessionID string, key []byte) {
	const op = "session.ClearSession"
	var err error
	defer r.observe("clear", time.Now(), &err)

	id, ok := session.CanonicalID(sessionID)
	if !ok {
		err = session.E(op, session.ErrSessionNotFound, "")
		r.clearFailed(ctx, session.ClearStageVerify, sessionID, err)
		return
	}
	if err = r.precheck(ctx, op, id, key); err != nil {
		r.clearFailed(ctx, session.ClearStageVerify, id, err)
		return
	}

	gctx, cancel := r.graphCtx(ctx)
	err = r.graph.DeleteSession(gctx, id, key)
	cancel()
	if err != nil {
		stage := session.ClearStageGraph
		if session.IsNotFound(err) || session.IsKeyMismatch(err) {
			stage = session.ClearStageVerify
		}
		r.clearFailed(ctx, stage, id, err)
		return
	}

	if cerr := r.cacheDelete(ctx, id); cerr != nil {
		// The graph no longer has the session; the result is still a
		// successful clear, but the cache copy must go.
		r.clearFailed(ctx, session.ClearStageCache, id, cerr)
		r.markStale(ctx, id)
	}
}

// ExpireIdle implements session.Expirer.
func (r *Repository) ExpireIdle(ctx context.Context, idleSince time.Time) (n int, err error) {
	defer r.observe("expire", time.Now(), &err)

	gctx, cancel := r.graphCtx(ctx)
	ids, err := r.graph.ExpireIdle(gctx, idleSince)
	cancel()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if cerr := r.cacheDelete(ctx, id); cerr != nil {
			r.log.WarnContext(ctx, "cache.expire.fail", slog.String("session_id", id), slog.Any("error", cerr))
			r.markStale(ctx, id)
		}
	}
	if len(ids) > 0 {
		r.log.InfoContext(ctx, "session.expire", slog.Int("count", len(ids)), slog.Time("idle_since", idleSince))
	}
	return len(ids), nil
}

// Ping checks both backends.
func (r *Repository) Ping(ctx context.Context) error {
	gctx, cancel := r.graphCtx(ctx)
	defer cancel()
	cctx, ccancel := r.cacheCtx(ctx)
	defer ccancel()

	var errs []error
	if err := r.graph.Ping(gctx); err != nil {
		errs = append(errs, fmt.Errorf("graph: %w", err))
	}
	if err := r.cache.Ping(cctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	return errors.Join(errs...)
}

// Close closes the cache. It is safe to call more than once.
func (r *Repository) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.cache.Close()
	})
	return r.closeErr
}

// precheck rejects early from a trusted cache entry: a tombstone means the
// session is gone and a digest mismatch means the key is wrong. Anything else
// defers to the graph, which repeats the checks authoritatively.
func (r *Repository) precheck(ctx context.Context, op, id string, key []byte) error {
	if r.isStale(id) {
		return nil
	}
	e, err := r.cacheGet(ctx, id)
	switch {
	case errors.Is(err, kvcache.ErrTombstoned):
		return session.E(op, session.ErrSessionNotFound, "")
	case err != nil:
		return nil
	case r.trusted(e) && !r.cfg.Hasher.Match(e.Record.KeyHash, key):
		return session.E(op, session.ErrKeyMismatch, "")
	}
	return nil
}

func (r *Repository) trusted(e kvcache.Entry) bool {
	return !e.Stale && !e.CachedAt.Before(r.startedAt)
}

// afterWrite mirrors an acknowledged graph write into the cache.
func (r *Repository) afterWrite(ctx context.Context, rec session.Record) {
	if err := r.cachePut(ctx, rec); err != nil {
		r.log.WarnContext(ctx, "cache.write.fail", slog.String("session_id", rec.ID), slog.Any("error", err))
		r.markStale(ctx, rec.ID)
		return
	}
	r.clearStale(rec.ID)
}

// refill caches a record read from the graph. A tombstone means the session
// was cleared concurrently and is left alone.
func (r *Repository) refill(ctx context.Context, rec session.Record) {
	err := r.cachePut(ctx, rec)
	if err == nil || errors.Is(err, kvcache.ErrTombstoned) {
		return
	}
	r.log.WarnContext(ctx, "cache.refill.fail", slog.String("session_id", rec.ID), slog.Any("error", err))
	r.markStale(ctx, rec.ID)
}

// markStale makes reads bypass the cache for id and queues a repair.
func (r *Repository) markStale(ctx context.Context, id string) {
	r.staleMu.Lock()
	r.stale[id] = struct{}{}
	r.staleMu.Unlock()

	cctx, cancel := r.cacheCtx(ctx)
	if err := r.cache.MarkStale(cctx, id); err != nil {
		r.log.WarnContext(ctx, "cache.mark_stale.fail", slog.String("session_id", id), slog.Any("error", err))
	}
	cancel()

	select {
	case r.repairs <- id:
		r.m.CacheRepairs.WithLabelValues("queued").Inc()
	default:
		// Queue full; the periodic scan picks the id up from the stale set.
		r.m.CacheRepairs.WithLabelValues("deferred").Inc()
	}
}

func (r *Repository) isStale(id string) bool {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	_, ok := r.stale[id]
	return ok
}

func (r *Repository) clearStale(id string) {
	r.staleMu.Lock()
	delete(r.stale, id)
	r.staleMu.Unlock()
}

func (r *Repository) staleIDs() []string {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	ids := make([]string, 0, len(r.stale))
	for id := range r.stale {
		ids = append(ids, id)
	}
	return ids
}

func (r *Repository) clearFailed(ctx context.Context, stage, id string, err error) {
	r.m.ClearFailures.WithLabelValues(stage).Inc()
	session.LogClearFailure(ctx, r.log, stage, id, err)
}

func (r *Repository) cacheGet(ctx context.Context, id string) (kvcache.Entry, error) {
	cctx, cancel := r.cacheCtx(ctx)
	defer cancel()
	return r.cache.Get(cctx, id)
}

func (r *Repository) cachePut(ctx context.Context, rec session.Record) error {
	cctx, cancel := r.cacheCtx(ctx)
	defer cancel()
	return r.cache.Put(cctx, rec)
}

func (r *Repository) cacheDelete(ctx context.Context, id string) error {
	cctx, cancel := r.cacheCtx(ctx)
	defer cancel()
	err := r.cache.Delete(cctx, id)
	if err == nil {
		r.clearStale(id)
	}
	return err
}

func (r *Repository) cacheEvict(ctx context.Context, id string) {
	cctx, cancel := r.cacheCtx(ctx)
	defer cancel()
	if err := r.cache.Evict(cctx, id); err != nil {
		r.log.DebugContext(ctx, "cache.evict.fail", slog.String("session_id", id), slog.Any("error", err))
	}
}

// graphCtx and cacheCtx detach from the caller's cancellation so an
// abandoned request cannot abort a write half way; each backend call is
// bounded by its own timeout instead.
func (r *Repository) graphCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.GraphTimeout)
}

func (r *Repository) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheTimeout)
}

func (r *Repository) observe(op string, start time.Time, errp *error) {
	result := "ok"
	if err := *errp; err != nil {
		result = "error"
		if k := session.KindOf(err); k != nil {
			result = resultLabel(k)
		}
	}
	r.m.OpsTotal.WithLabelValues(op, result).Inc()
	r.m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(kind error) string {
	switch kind {
	case session.ErrSessionNotFound:
		return "not_found"
	case session.ErrKeyMismatch:
		return "key_mismatch"
	case session.ErrAuthenticationFailed:
		return "auth_failed"
	case session.ErrUserBindingConflict:
		return "binding_conflict"
	case session.ErrStorageUnavailable:
		return "unavailable"
	case session.ErrInvalidInput:
		return "invalid_input"
	default:
		return "error"
	}
}
