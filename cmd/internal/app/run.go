package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"sessiond/cmd/identity"
	"sessiond/cmd/session/graphstore"

	"github.com/spf13/cobra"
)

// Run is the CLI entrypoint used by cmd/sessiond.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type rootOptions struct {
	envFiles []string
}

func (o *rootOptions) load() (Config, Logger, error) {
	cfg, err := LoadConfig(o.envFiles...)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, NewLogger(nil, cfg.LogLevel, cfg.LogFormat), nil
}

// NewRootCommand builds the sessiond command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "Session store with a graph of record and an embedded cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default: .env when present)")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSweepCommand(opts),
		newUserCommand(opts),
	)
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server, cache repair worker and idle sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			a, err := New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			runErr := a.Run(cmd.Context())
			return errors.Join(runErr, a.Close())
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply graph schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.InMemory() {
				return fmt.Errorf("%w: migrate requires %sDATABASE_URL", ErrConfig, EnvPrefix)
			}
			pool, err := NewDBPool(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := graphstore.Migrate(cmd.Context(), pool, cfg.GraphSchema, log); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema %s is up to date\n", cfg.GraphSchema)
			return err
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire idle sessions and prune cache tombstones once (not while serve holds the cache)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			a, err := New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			res, sweepErr := a.Sweep(cmd.Context())
			if err := errors.Join(sweepErr, a.Close()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired=%d tombstones=%d\n", res.Expired, res.Tombstones)
			return err
		},
	}
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user credentials",
	}

	var (
		id     string
		secret string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user credential (secret from --secret or stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.InMemory() {
				return fmt.Errorf("%w: user add requires %sDATABASE_URL", ErrConfig, EnvPrefix)
			}
			raw := []byte(secret)
			if secret == "" {
				if raw, err = readSecret(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			pool, err := NewDBPool(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			users, err := identity.NewPostgresStore(pool,
				identity.WithSchema(cfg.GraphSchema),
				identity.WithPasswordConfig(cfg.Password),
			)
			if err != nil {
				return err
			}
			a := &App{cfg: cfg, log: log, users: users}
			u, err := a.RegisterUser(cmd.Context(), id, raw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s registered (node %s)\n", u.ID, u.NodeID)
			return err
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id (uuid)")
	add.Flags().StringVar(&secret, "secret", "", "credential material; read from stdin when empty")
	_ = add.MarkFlagRequired("id")

	cmd.AddCommand(add)
	return cmd
}

func readSecret(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("app: read secret: %w", err)
	}
	b = bytes.TrimRight(b, "\r\n")
	if len(b) == 0 {
		return nil, errors.New("app: empty secret")
	}
	return b, nil
}
