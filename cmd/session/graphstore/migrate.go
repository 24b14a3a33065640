package graphstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sessiond/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrMigrate wraps every migration failure.
var ErrMigrate = errors.New("graphstore: apply migrations")

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Migrate creates schema if needed and applies the embedded migrations to it.
//
// Migrations are written without schema qualifiers; they run on a short-lived
// pool whose search_path is pinned to schema. The caller's pool is not touched
// beyond the CREATE SCHEMA statement.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string, log *slog.Logger) error {
	if !identity.ValidSchemaName(schema) {
		return errors.Join(ErrMigrate, fmt.Errorf("invalid schema identifier %q", schema))
	}
	if log == nil {
		log = slog.Default()
	}

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return errors.Join(ErrMigrate, err)
	}

	cfg := pool.Config()
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MinConns = 0
	cfg.MaxConns = 1

	mpool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return errors.Join(ErrMigrate, err)
	}
	defer mpool.Close()

	// Bridge pgx to database/sql for goose.
	db := stdlib.OpenDBFromPool(mpool)
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "migrate.db.close.fail", slog.Any("error", err))
		}
	}()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(newSlogAdapter(ctx, log.With(slog.String("schema", schema))))
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	return nil
}

// slogAdapter routes goose's Printf-style logging into slog.
type slogAdapter struct {
	ctx context.Context
	log *slog.Logger
}

func newSlogAdapter(ctx context.Context, log *slog.Logger) goose.Logger {
	return &slogAdapter{ctx: ctx, log: log}
}

func (a *slogAdapter) Fatalf(format string, v ...any) {
	a.log.ErrorContext(a.ctx, "migrate.fatal", slog.String("detail", fmt.Sprintf(format, v...)))
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.log.InfoContext(a.ctx, "migrate", slog.String("detail", fmt.Sprintf(format, v...)))
}
