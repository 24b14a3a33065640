package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sessiond/cmd/identity"
	"sessiond/cmd/security/password"
	"sessiond/cmd/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store over the nodes/edges tables.
//
// Design notes:
// - The pgx pool is owned by the caller; Postgres never closes it.
// - Mutations run in ReadCommitted transactions with the session node locked.
// - Credentials are verified inside the binding transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	hasher session.KeyHasher
	pwd    password.Config
	users  *identity.PostgresStore

	nodes, edges, retired string
}

// Option configures Postgres.
type Option func(*Postgres) error

// WithSchema sets the Postgres schema (default identity.DefaultSchema).
func WithSchema(schema string) Option {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if !identity.ValidSchemaName(schema) {
			return fmt.Errorf("graphstore: invalid schema identifier %q", schema)
		}
		p.schema = schema
		return nil
	}
}

// WithPasswordConfig sets the Argon2id parameters for user credentials.
func WithPasswordConfig(cfg password.Config) Option {
	return func(p *Postgres) error {
		if err := cfg.Check(); err != nil {
			return err
		}
		p.pwd = cfg
		return nil
	}
}

// NewPostgres builds the graph store and the identity store sharing its schema.
func NewPostgres(pool *pgxpool.Pool, hasher session.KeyHasher, opts ...Option) (*Postgres, error) {
	p := &Postgres{
		pool:   pool,
		schema: identity.DefaultSchema,
		hasher: hasher,
		pwd:    password.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, fmt.Errorf("graphstore: nil pool")
	}
	if p.hasher == nil {
		return nil, fmt.Errorf("graphstore: nil key hasher")
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(p.schema), identity.WithPasswordConfig(p.pwd))
	if err != nil {
		return nil, err
	}
	p.users = users
	p.nodes = identity.PGIdent(p.schema, "nodes")
	p.edges = identity.PGIdent(p.schema, "edges")
	p.retired = identity.PGIdent(p.schema, "retired_sessions")
	return p, nil
}

// Users returns the identity store living in the same graph.
func (p *Postgres) Users() *identity.PostgresStore { return p.users }

func (p *Postgres) InsertSession(ctx context.Context, rec session.Record) error {
	const op = "graphstore.InsertSession"

	devProps, err := session.MarshalDevice(rec.Device)
	if err != nil {
		return err
	}
	props, err := encodeProps(rec)
	if err != nil {
		return session.Wrap(op, session.ErrInvalidInput, err)
	}
	devNode, err := identity.NewNodeID(rec.CreatedAt)
	if err != nil {
		return classify(op, err)
	}
	sessNode, err := identity.NewNodeID(rec.CreatedAt)
	if err != nil {
		return classify(op, err)
	}

	err = p.inTx(ctx, func(tx pgx.Tx) error {
		var retired bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+p.retired+` WHERE session_id = $1)`,
			rec.ID,
		).Scan(&retired); err != nil {
			return err
		}
		if retired {
			return session.E(op, session.ErrIDInUse, "retired")
		}

		// Upsert so that RETURNING yields the existing device node on conflict.
		if err := tx.QueryRow(ctx,
			`INSERT INTO `+p.nodes+` (id, label, natural_key, props, created_at, updated_at)
			 VALUES ($1, 'device', $2, $3, $4, $4)
			 ON CONFLICT (label, natural_key) DO UPDATE SET updated_at = EXCLUDED.updated_at
			 RETURNING id`,
			devNode, session.DeviceKey(rec.Device), devProps, rec.CreatedAt,
		).Scan(&devNode); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO `+p.nodes+` (id, label, natural_key, props, created_at, updated_at)
			 VALUES ($1, 'session', $2, $3, $4, $5)`,
			sessNode, rec.ID, props, rec.CreatedAt, rec.UpdatedAt,
		); err != nil {
			if identity.IsUniqueViolation(err) {
				return session.E(op, session.ErrIDInUse, "live")
			}
			return err
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO `+p.edges+` (src, rel, dst, created_at) VALUES ($1, 'OPENED_ON', $2, $3)`,
			sessNode, devNode, rec.CreatedAt,
		)
		return err
	})
	return classify(op, err)
}

func (p *Postgres) LoadSession(ctx context.Context, id string) (session.Record, error) {
	const op = "graphstore.LoadSession"

	cid, ok := session.CanonicalID(id)
	if !ok {
		return session.Record{}, session.E(op, session.ErrSessionNotFound, "")
	}
	rec, _, err := p.load(ctx, p.pool, op, cid, false)
	return rec, classify(op, err)
}

func (p *Postgres) BindUser(ctx context.Context, in BindInput) (session.Record, bool, error) {
	const op = "graphstore.BindUser"

	cid, ok := session.CanonicalID(in.SessionID)
	if !ok {
		return session.Record{}, false, session.E(op, session.ErrSessionNotFound, "")
	}

	var (
		out     session.Record
		applied bool
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		rec, node, err := p.load(ctx, tx, op, cid, true)
		if err != nil {
			return err
		}
		if err := session.CheckKey(op, p.hasher, rec, in.Key); err != nil {
			return err
		}
		already, err := session.CheckBinding(op, rec, in.UserID)
		if err != nil {
			return err
		}

		var user identity.User
		verify := session.VerifyFunc(func(ctx context.Context, userID string, secret []byte) error {
			u, err := p.users.VerifyCredentialTx(ctx, tx, userID, secret)
			user = u
			return err
		})
		if err := session.CheckCredential(ctx, op, verify, in.UserID, in.Secret); err != nil {
			return err
		}
		if already {
			out = rec
			return nil
		}

		next := rec.Bind(in.UserID, in.IP, in.NewKeyHash, in.Now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+p.edges+` (src, rel, dst, created_at) VALUES ($1, 'BOUND_TO', $2, $3)`,
			node, user.NodeID, in.Now,
		); err != nil {
			return err
		}
		if err := p.writeProps(ctx, tx, node, next); err != nil {
			return err
		}
		out, applied = next, true
		return nil
	})
	if err != nil {
		return session.Record{}, false, classify(op, err)
	}
	return out, applied, nil
}

func (p *Postgres) UpdateIP(ctx context.Context, in UpdateIPInput) (session.Record, error) {
	const op = "graphstore.UpdateIP"

	cid, ok := session.CanonicalID(in.SessionID)
	if !ok {
		return session.Record{}, session.E(op, session.ErrSessionNotFound, "")
	}

	var out session.Record
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		rec, node, err := p.load(ctx, tx, op, cid, true)
		if err != nil {
			return err
		}
		if err := session.CheckKey(op, p.hasher, rec, in.Key); err != nil {
			return err
		}
		next := rec.Readdress(in.IP, in.NewKeyHash, in.Now)
		if err := p.writeProps(ctx, tx, node, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return session.Record{}, classify(op, err)
	}
	return out, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id string, key []byte) error {
	const op = "graphstore.DeleteSession"

	cid, ok := session.CanonicalID(id)
	if !ok {
		return session.E(op, session.ErrSessionNotFound, "")
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		rec, node, err := p.load(ctx, tx, op, cid, true)
		if err != nil {
			return err
		}
		if err := session.CheckKey(op, p.hasher, rec, key); err != nil {
			return err
		}
		// Edges go with the node (ON DELETE CASCADE).
		if _, err := tx.Exec(ctx, `DELETE FROM `+p.nodes+` WHERE id = $1`, node); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO `+p.retired+` (session_id, reason, retired_at) VALUES ($1, $2, now())
			 ON CONFLICT (session_id) DO NOTHING`,
			cid, ReasonCleared,
		)
		return err
	})
	return classify(op, err)
}

func (p *Postgres) ExpireIdle(ctx context.Context, idleSince time.Time) ([]string, error) {
	const op = "graphstore.ExpireIdle"

	rows, err := p.pool.Query(ctx,
		`WITH gone AS (
		   DELETE FROM `+p.nodes+`
		    WHERE label = 'session' AND updated_at < $1
		   RETURNING natural_key
		 ), retired AS (
		   INSERT INTO `+p.retired+` (session_id, reason, retired_at)
		   SELECT natural_key, $2, now() FROM gone
		   ON CONFLICT (session_id) DO NOTHING
		 )
		 SELECT natural_key FROM gone`,
		idleSince, ReasonExpired,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(op, err)
	}
	return ids, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify("graphstore.Ping", p.pool.Ping(ctx))
}

// load reads a session with its device and optional user. With lock set the
// session node row is locked until the transaction ends.
func (p *Postgres) load(ctx context.Context, q identity.Querier, op, id string, lock bool) (session.Record, string, error) {
	sql := `SELECT s.id, s.props, s.created_at, s.updated_at, d.props, u.natural_key
	          FROM ` + p.nodes + ` s
	          JOIN ` + p.edges + ` eo ON eo.src = s.id AND eo.rel = 'OPENED_ON'
	          JOIN ` + p.nodes + ` d ON d.id = eo.dst
	     LEFT JOIN ` + p.edges + ` eb ON eb.src = s.id AND eb.rel = 'BOUND_TO'
	     LEFT JOIN ` + p.nodes + ` u ON u.id = eb.dst
	         WHERE s.label = 'session' AND s.natural_key = $1`
	if lock {
		sql += ` FOR UPDATE OF s`
	}

	var (
		node             string
		rawProps, rawDev []byte
		rec              = session.Record{ID: id}
	)
	err := q.QueryRow(ctx, sql, id).Scan(&node, &rawProps, &rec.CreatedAt, &rec.UpdatedAt, &rawDev, &rec.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Record{}, "", session.E(op, session.ErrSessionNotFound, "")
		}
		return session.Record{}, "", err
	}

	if err := decodeRow(op, &rec, rawProps, rawDev); err != nil {
		return session.Record{}, "", err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, node, nil
}

func (p *Postgres) writeProps(ctx context.Context, tx pgx.Tx, node string, rec session.Record) error {
	props, err := encodeProps(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+p.nodes+` SET props = $2, updated_at = $3 WHERE id = $1`,
		node, props, rec.UpdatedAt,
	)
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
