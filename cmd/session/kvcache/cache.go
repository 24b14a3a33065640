package kvcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sessiond/cmd/session"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions   = []byte("sessions")
	bucketStale      = []byte("stale")
	bucketTombstones = []byte("tombstones")
)

var (
	// ErrMiss means the id has no entry.
	ErrMiss = errors.New("kvcache: miss")
	// ErrTombstoned means the id was cleared.
	ErrTombstoned = errors.New("kvcache: tombstoned")
	// ErrTimeout means the operation did not finish before the context ended.
	ErrTimeout = errors.New("kvcache: timeout")
)

// Entry is a cached record.
type Entry struct {
	Record   session.Record `json:"record"`
	Version  uint64         `json:"version"`
	CachedAt time.Time      `json:"cached_at"`

	// Stale is derived from the stale bucket; it is not stored in the entry.
	Stale bool `json:"-"`
}

// Options configures Open.
type Options struct {
	// LockTimeout bounds waiting for the file lock held by another process.
	LockTimeout time.Duration
	// NoSync skips fsync per commit (tests only).
	NoSync bool
}

// Cache is a bbolt-backed session cache. Safe for concurrent use.
type Cache struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the cache file at path.
func Open(path string, opts Options) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("kvcache: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("kvcache: create dir: %w", err)
		}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.LockTimeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("kvcache: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketStale, bucketTombstones} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvcache: init buckets: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Close releases the file.
func (c *Cache) Close() error { return c.db.Close() }

// Path returns the file path.
func (c *Cache) Path() string { return c.db.Path() }

// Put stores rec and clears the stale mark. Writing a tombstoned id fails
// with ErrTombstoned. An existing entry with a higher Revision is kept and its
// stale mark left alone; equal revisions overwrite.
func (c *Cache) Put(ctx context.Context, rec session.Record) error {
	return c.run(ctx, func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			id := []byte(rec.ID)
			if tx.Bucket(bucketTombstones).Get(id) != nil {
				return ErrTombstoned
			}

			sessions := tx.Bucket(bucketSessions)
			var version uint64
			if raw := sessions.Get(id); raw != nil {
				var cur Entry
				if err := json.Unmarshal(raw, &cur); err == nil {
					if cur.Record.Revision > rec.Revision {
						return nil
					}
					version = cur.Version
				}
			}

			raw, err := json.Marshal(Entry{Record: rec, Version: version + 1, CachedAt: c.now().UTC()})
			if err != nil {
				return err
			}
			if err := sessions.Put(id, raw); err != nil {
				return err
			}
			return tx.Bucket(bucketStale).Delete(id)
		})
	})
}

// Get returns the entry for id, ErrMiss or ErrTombstoned.
func (c *Cache) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := c.run(ctx, func() error {
		return c.db.View(func(tx *bolt.Tx) error {
			key := []byte(id)
			if tx.Bucket(bucketTombstones).Get(key) != nil {
				return ErrTombstoned
			}
			raw := tx.Bucket(bucketSessions).Get(key)
			if raw == nil {
				return ErrMiss
			}
			// raw is only valid inside the transaction; Unmarshal copies.
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("kvcache: decode %s: %w", id, err)
			}
			e.Stale = tx.Bucket(bucketStale).Get(key) != nil
			return nil
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// MarkStale flags id so readers fall back to the store of record.
func (c *Cache) MarkStale(ctx context.Context, id string) error {
	return c.run(ctx, func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketStale).Put([]byte(id), c.stamp())
		})
	})
}

// Stale lists ids currently marked stale.
func (c *Cache) Stale(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.run(ctx, func() error {
		return c.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketStale).ForEach(func(k, _ []byte) error {
				ids = append(ids, string(k))
				return nil
			})
		})
	})
	return ids, err
}

// Delete removes the entry, writes a tombstone and clears the stale mark.
func (c *Cache) Delete(ctx context.Context, id string) error {
	return c.run(ctx, func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			key := []byte(id)
			if err := tx.Bucket(bucketSessions).Delete(key); err != nil {
				return err
			}
			if err := tx.Bucket(bucketStale).Delete(key); err != nil {
				return err
			}
			return tx.Bucket(bucketTombstones).Put(key, c.stamp())
		})
	})
}

// Evict drops the entry without a tombstone (used when the store of record
// no longer knows the id but did not clear it through this cache).
func (c *Cache) Evict(ctx context.Context, id string) error {
	return c.run(ctx, func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			key := []byte(id)
			if err := tx.Bucket(bucketSessions).Delete(key); err != nil {
				return err
			}
			return tx.Bucket(bucketStale).Delete(key)
		})
	})
}

// PruneTombstones removes tombstones written before cutoff.
func (c *Cache) PruneTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := c.run(ctx, func() error {
		return c.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketTombstones)
			var drop [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var at time.Time
				if err := at.UnmarshalBinary(v); err != nil || at.Before(cutoff) {
					drop = append(drop, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range drop {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			n = len(drop)
			return nil
		})
	})
	return n, err
}

// Ping checks that the file is readable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.run(ctx, func() error {
		return c.db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(bucketSessions) == nil {
				return errors.New("kvcache: sessions bucket missing")
			}
			return nil
		})
	})
}

func (c *Cache) stamp() []byte {
	b, _ := c.now().UTC().MarshalBinary()
	return b
}

// run executes fn, giving up when ctx ends. bbolt calls cannot be
// interrupted, so an abandoned fn still completes in the background.
func (c *Cache) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
