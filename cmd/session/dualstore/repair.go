package dualstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"sessiond/cmd/session"
	"sessiond/cmd/session/kvcache"

	"github.com/cenkalti/backoff/v5"
)

// RunRepairs drains the repair queue and rescans stale ids every
// RepairInterval until ctx is done. It returns nil on cancellation.
func (r *Repository) RunRepairs(ctx context.Context) error {
	t := time.NewTicker(r.cfg.RepairInterval)
	defer t.Stop()

	r.log.InfoContext(ctx, "cache.repair.start", slog.Duration("interval", r.cfg.RepairInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-r.repairs:
			r.repairOne(ctx, id)
		case <-t.C:
			r.Repair(ctx)
		}
	}
}

// Repair runs one pass over every stale id (in-process set and the cache's
// stale bucket) and returns how many were repaired.
func (r *Repository) Repair(ctx context.Context) int {
	ids := r.staleIDs()

	cctx, cancel := r.cacheCtx(ctx)
	persisted, err := r.cache.Stale(cctx)
	cancel()
	if err != nil {
		r.log.WarnContext(ctx, "cache.stale.scan.fail", slog.Any("error", err))
	}
	ids = append(ids, persisted...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if r.repairOne(ctx, id) {
			n++
		}
	}
	return n
}

// repairOne reloads id from the graph and rewrites (or tombstones) its cache
// entry, retrying with exponential backoff.
func (r *Repository) repairOne(ctx context.Context, id string) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		gctx, cancel := r.graphCtx(ctx)
		rec, err := r.graph.LoadSession(gctx, id)
		cancel()

		switch {
		case session.IsNotFound(err):
			// Cleared or expired: the cache entry must not survive.
			return struct{}{}, r.cacheDelete(ctx, id)
		case err != nil:
			return struct{}{}, err
		}

		err = r.cachePut(ctx, rec)
		if errors.Is(err, kvcache.ErrTombstoned) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.RepairAttempts),
	)
	if err != nil {
		r.m.CacheRepairs.WithLabelValues("fail").Inc()
		r.log.WarnContext(ctx, "cache.repair.fail", slog.String("session_id", id), slog.Any("error", err))
		return false
	}

	r.clearStale(id)
	r.m.CacheRepairs.WithLabelValues("ok").Inc()
	r.log.DebugContext(ctx, "cache.repair.ok", slog.String("session_id", id))
	return true
}
