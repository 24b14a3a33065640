package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/internal/usecase"
	"sessiond/cmd/session"
)

// SweepResult reports one sweeper pass.
type SweepResult struct {
	Expired    int
	Tombstones int
}

// Sweep expires sessions idle for longer than SessionIdleTTL (skipped when
// the TTL is zero) and prunes cache tombstones older than CacheTombstoneTTL.
// It runs on the creation lane of the shared handle.
func (a *App) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := time.Now().UTC()

	if ttl := a.cfg.SessionIdleTTL; ttl > 0 {
		err := a.handle.Do(ctx, usecase.CreationLane, func(repo session.Repository) error {
			exp, ok := repo.(session.Expirer)
			if !ok {
				return nil
			}
			n, err := exp.ExpireIdle(ctx, now.Add(-ttl))
			res.Expired = n
			return err
		})
		if err != nil {
			return res, fmt.Errorf("app: expire idle sessions: %w", err)
		}
	}

	if ttl := a.cfg.CacheTombstoneTTL; ttl > 0 {
		n, err := a.cache.PruneTombstones(ctx, now.Add(-ttl))
		if err != nil {
			return res, fmt.Errorf("app: prune cache tombstones: %w", err)
		}
		res.Tombstones = n
	}
	return res, nil
}

func (a *App) runSweeper(ctx context.Context) error {
	if a.cfg.SessionIdleTTL <= 0 && a.cfg.CacheTombstoneTTL <= 0 {
		return nil
	}
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()

	a.log.InfoContext(ctx, "sweep.start",
		slog.Duration("interval", a.cfg.SweepInterval),
		slog.Duration("idle_ttl", a.cfg.SessionIdleTTL),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := a.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.log.WarnContext(ctx, "sweep.fail", slog.Any("error", err))
				continue
			}
			if res.Expired > 0 || res.Tombstones > 0 {
				a.log.InfoContext(ctx, "sweep.ok",
					slog.Int("expired", res.Expired),
					slog.Int("tombstones", res.Tombstones),
				)
			}
		}
	}
}

// RegisterUser stores a credential for userID so sessions can be bound to it.
func (a *App) RegisterUser(ctx context.Context, userID string, secret []byte) (identity.User, error) {
	u, err := a.users.RegisterUser(ctx, identity.RegisterInput{
		UserID: userID,
		Secret: secret,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		return identity.User{}, err
	}
	a.log.InfoContext(ctx, "user.register.ok", slog.String("user_id", u.ID))
	return u, nil
}
