package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool and waits until a connection can be acquired,
// retrying DBConnectAttempts times DBConnectInterval apart. Migrations are
// applied separately (graphstore.Migrate).
func NewDBPool(ctx context.Context, cfg Config, log *slog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: create pool: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := PingDB(ctx, pool, 3*time.Second); err != nil {
			log.WarnContext(ctx, "db.connect.retry", slog.Int("attempt", attempt), slog.Any("error", err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.DBConnectInterval)),
		backoff.WithMaxTries(cfg.DBConnectAttempts),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: connect database after %d attempts: %w", attempt, err)
	}

	log.InfoContext(ctx, "db.connect.ok", slog.Int("attempts", attempt), slog.Int("max_conns", int(pcfg.MaxConns)))
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
