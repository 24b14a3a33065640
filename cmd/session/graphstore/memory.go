package graphstore

import (
	"context"
	"sync"
	"time"

	"sessiond/cmd/session"
)

// Memory is an in-process Store with the same rules as Postgres.
// It serves dev mode (no database configured) and tests.
type Memory struct {
	mu       sync.Mutex
	hasher   session.KeyHasher
	creds    session.CredentialVerifier
	sessions map[string]session.Record
	retired  map[string]string   // id -> reason
	devices  map[string]struct{} // DeviceKey set
}

// NewMemory returns an empty graph verifying credentials with creds.
func NewMemory(hasher session.KeyHasher, creds session.CredentialVerifier) *Memory {
	return &Memory{
		hasher:   hasher,
		creds:    creds,
		sessions: make(map[string]session.Record),
		retired:  make(map[string]string),
		devices:  make(map[string]struct{}),
	}
}

func (m *Memory) InsertSession(ctx context.Context, rec session.Record) error {
	const op = "graphstore.InsertSession"

	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.retired[rec.ID]; ok {
		return session.E(op, session.ErrIDInUse, "retired")
	}
	if _, ok := m.sessions[rec.ID]; ok {
		return session.E(op, session.ErrIDInUse, "live")
	}
	m.devices[session.DeviceKey(rec.Device)] = struct{}{}
	m.sessions[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) LoadSession(ctx context.Context, id string) (session.Record, error) {
	const op = "graphstore.LoadSession"

	if err := ctx.Err(); err != nil {
		return session.Record{}, classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liveLocked(op, id)
}

func (m *Memory) BindUser(ctx context.Context, in BindInput) (session.Record, bool, error) {
	const op = "graphstore.BindUser"

	if err := ctx.Err(); err != nil {
		return session.Record{}, false, classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.checkedLocked(op, in.SessionID, in.Key)
	if err != nil {
		return session.Record{}, false, err
	}
	already, err := session.CheckBinding(op, rec, in.UserID)
	if err != nil {
		return session.Record{}, false, err
	}
	if err := session.CheckCredential(ctx, op, m.creds, in.UserID, in.Secret); err != nil {
		return session.Record{}, false, err
	}
	if already {
		return rec, false, nil
	}

	next := rec.Bind(in.UserID, in.IP, in.NewKeyHash, in.Now)
	m.sessions[next.ID] = next
	return next.Clone(), true, nil
}

func (m *Memory) UpdateIP(ctx context.Context, in UpdateIPInput) (session.Record, error) {
	const op = "graphstore.UpdateIP"

	if err := ctx.Err(); err != nil {
		return session.Record{}, classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.checkedLocked(op, in.SessionID, in.Key)
	if err != nil {
		return session.Record{}, err
	}
	next := rec.Readdress(in.IP, in.NewKeyHash, in.Now)
	m.sessions[next.ID] = next
	return next.Clone(), nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string, key []byte) error {
	const op = "graphstore.DeleteSession"

	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.checkedLocked(op, id, key)
	if err != nil {
		return err
	}
	delete(m.sessions, rec.ID)
	m.retired[rec.ID] = ReasonCleared
	return nil
}

func (m *Memory) ExpireIdle(ctx context.Context, idleSince time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("graphstore.ExpireIdle", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, rec := range m.sessions {
		if rec.UpdatedAt.Before(idleSince) {
			delete(m.sessions, id)
			m.retired[id] = ReasonExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return classify("graphstore.Ping", ctx.Err())
}

// Retired reports whether id was cleared or expired, and why.
func (m *Memory) Retired(id string) (reason string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok = m.retired[id]
	return reason, ok
}

// Devices returns the number of distinct device nodes.
func (m *Memory) Devices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

func (m *Memory) liveLocked(op, id string) (session.Record, error) {
	cid, ok := session.CanonicalID(id)
	if !ok {
		return session.Record{}, session.E(op, session.ErrSessionNotFound, "")
	}
	rec, ok := m.sessions[cid]
	if !ok {
		return session.Record{}, session.E(op, session.ErrSessionNotFound, "")
	}
	return rec.Clone(), nil
}

func (m *Memory) checkedLocked(op, id string, key []byte) (session.Record, error) {
	rec, err := m.liveLocked(op, id)
	if err != nil {
		return session.Record{}, err
	}
	if err := session.CheckKey(op, m.hasher, rec, key); err != nil {
		return session.Record{}, err
	}
	return rec, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
