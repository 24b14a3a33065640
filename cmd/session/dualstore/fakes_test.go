package dualstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"sessiond/cmd/session"
	"sessiond/cmd/session/graphstore"
	"sessiond/cmd/session/kvcache"
)

var errInjected = errors.New("injected failure")

// faultyCache wraps a real cache and fails selected operations on demand.
type faultyCache struct {
	*kvcache.Cache
	failPut, failDelete, failMarkStale, failGet atomic.Bool
}

func (c *faultyCache) Put(ctx context.Context, rec session.Record) error {
	if c.failPut.Load() {
		return errInjected
	}
	return c.Cache.Put(ctx, rec)
}

func (c *faultyCache) Get(ctx context.Context, id string) (kvcache.Entry, error) {
	if c.failGet.Load() {
		return kvcache.Entry{}, errInjected
	}
	return c.Cache.Get(ctx, id)
}

func (c *faultyCache) Delete(ctx context.Context, id string) error {
	if c.failDelete.Load() {
		return errInjected
	}
	return c.Cache.Delete(ctx, id)
}

func (c *faultyCache) MarkStale(ctx context.Context, id string) error {
	if c.failMarkStale.Load() {
		return errInjected
	}
	return c.Cache.MarkStale(ctx, id)
}

// spyGraph wraps a graph store, counting calls and injecting failures.
type spyGraph struct {
	graphstore.Store

	mu    sync.Mutex
	calls map[string]int

	fail  atomic.Bool  // every call returns ErrStorageUnavailable
	stall atomic.Bool  // every call blocks until its context ends
	delay atomic.Int64 // nanoseconds slept before delegating
}

func newSpyGraph(inner graphstore.Store) *spyGraph {
	return &spyGraph{Store: inner, calls: make(map[string]int)}
}

func (g *spyGraph) enter(ctx context.Context, name string) error {
	g.mu.Lock()
	g.calls[name]++
	g.mu.Unlock()

	if d := time.Duration(g.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if g.stall.Load() {
		<-ctx.Done()
		return session.Wrap("spy."+name, session.ErrStorageUnavailable, ctx.Err())
	}
	if g.fail.Load() {
		return session.Wrap("spy."+name, session.ErrStorageUnavailable, errInjected)
	}
	return nil
}

func (g *spyGraph) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *spyGraph) InsertSession(ctx context.Context, rec session.Record) error {
	if err := g.enter(ctx, "insert"); err != nil {
		return err
	}
	return g.Store.InsertSession(ctx, rec)
}

func (g *spyGraph) LoadSession(ctx context.Context, id string) (session.Record, error) {
	if err := g.enter(ctx, "load"); err != nil {
		return session.Record{}, err
	}
	return g.Store.LoadSession(ctx, id)
}

func (g *spyGraph) BindUser(ctx context.Context, in graphstore.BindInput) (session.Record, bool, error) {
	if err := g.enter(ctx, "bind"); err != nil {
		return session.Record{}, false, err
	}
	return g.Store.BindUser(ctx, in)
}

func (g *spyGraph) UpdateIP(ctx context.Context, in graphstore.UpdateIPInput) (session.Record, error) {
	if err := g.enter(ctx, "update_ip"); err != nil {
		return session.Record{}, err
	}
	return g.Store.UpdateIP(ctx, in)
}

func (g *spyGraph) DeleteSession(ctx context.Context, id string, key []byte) error {
	if err := g.enter(ctx, "delete"); err != nil {
		return err
	}
	return g.Store.DeleteSession(ctx, id, key)
}

func (g *spyGraph) ExpireIdle(ctx context.Context, idleSince time.Time) ([]string, error) {
	if err := g.enter(ctx, "expire"); err != nil {
		return nil, err
	}
	return g.Store.ExpireIdle(ctx, idleSince)
}

func (g *spyGraph) Ping(ctx context.Context) error {
	if err := g.enter(ctx, "ping"); err != nil {
		return err
	}
	return g.Store.Ping(ctx)
}
