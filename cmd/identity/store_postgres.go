package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sessiond/cmd/security/password"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema holding the session graph.
const DefaultSchema = "sessiond"

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements identity persistence over the graph tables.
//
// Design notes:
// - The pgx pool is owned by the caller; this store never closes it.
// - Schema identifiers are validated and quoted.
// - Users are "user" nodes keyed by their canonical uuid (natural_key).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	cfg    password.Config
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "sessiond").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !ValidSchemaName(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// WithPasswordConfig sets the Argon2id parameters used for credentials.
func WithPasswordConfig(cfg password.Config) PostgresOption {
	return func(s *PostgresStore) error {
		if err := cfg.Check(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
		cfg:    password.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// RegisterUser creates the user node and its credential in one transaction.
func (s *PostgresStore) RegisterUser(ctx context.Context, in RegisterInput) (User, error) {
	const op = "identity.RegisterUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID, ok := NormalizeUserID(in.UserID)
	if !ok {
		return User{}, invalid(op, "user_id must be a uuid")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	encoded, err := hashCredential(s.cfg, op, in.Secret)
	if err != nil {
		return User{}, err
	}

	nodeID, err := NewNodeID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+PGIdent(s.schema, "nodes")+` (id, label, natural_key, props, created_at, updated_at)
		 VALUES ($1, 'user', $2, '{}'::jsonb, $3, $3)`,
		nodeID, userID, now,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "user_id"}
		}
		return User{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+PGIdent(s.schema, "user_credentials")+` (user_node, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		nodeID, encoded, now,
	)
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{ID: userID, NodeID: nodeID, CreatedAt: now}, nil
}

// VerifyCredential checks secret against the stored credential using the pool.
func (s *PostgresStore) VerifyCredential(ctx context.Context, userID string, secret []byte) (User, error) {
	return s.VerifyCredentialTx(ctx, s.pool, userID, secret)
}

// VerifyCredentialTx is VerifyCredential on an explicit querier, typically a
// transaction that will also bind the user to a session.
func (s *PostgresStore) VerifyCredentialTx(ctx context.Context, q Querier, userID string, secret []byte) (User, error) {
	const op = "identity.VerifyCredential"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	canonical, ok := NormalizeUserID(userID)
	if !ok {
		return User{}, invalid(op, "user_id must be a uuid")
	}

	var (
		u       = User{ID: canonical}
		encoded string
	)
	err := q.QueryRow(ctx,
		`SELECT n.id, n.created_at, c.password_hash
		   FROM `+PGIdent(s.schema, "nodes")+` n
		   JOIN `+PGIdent(s.schema, "user_credentials")+` c ON c.user_node = n.id
		  WHERE n.label = 'user' AND n.natural_key = $1`,
		canonical,
	).Scan(&u.NodeID, &u.CreatedAt, &encoded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
		}
		return User{}, err
	}

	if err := checkCredential(s.cfg, op, encoded, secret); err != nil {
		return User{}, err
	}
	return u, nil
}

// ValidSchemaName reports whether s is a safe Postgres identifier.
func ValidSchemaName(s string) bool {
	return pgIdentRe.MatchString(s)
}

// PGIdent quotes a schema-qualified identifier: "schema"."name".
func PGIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// IsUniqueViolation reports SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
