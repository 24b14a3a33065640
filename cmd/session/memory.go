package session

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"sessiond/cmd/security/token"
)

// MemoryRepository is a map-backed Repository with the full rule set.
// It also implements Expirer and Pinger.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
	retired map[string]struct{}

	creds  CredentialVerifier
	hasher KeyHasher
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
	newKey func() ([]byte, error)
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithHasher sets the key digest function (default: SHA-256).
func WithHasher(h KeyHasher) MemoryOption {
	return func(r *MemoryRepository) { r.hasher = h }
}

// WithLogger sets the logger used for clear failures.
func WithLogger(log *slog.Logger) MemoryOption {
	return func(r *MemoryRepository) { r.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) { r.now = now }
}

// WithIDSource overrides id allocation (tests use it to force collisions).
func WithIDSource(next func() string) MemoryOption {
	return func(r *MemoryRepository) { r.newID = next }
}

// WithKeySource overrides key generation.
func WithKeySource(next func() ([]byte, error)) MemoryOption {
	return func(r *MemoryRepository) { r.newKey = next }
}

// NewMemoryRepository returns an empty repository verifying credentials with creds.
func NewMemoryRepository(creds CredentialVerifier, opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		records: make(map[string]Record),
		retired: make(map[string]struct{}),
		creds:   creds,
		hasher:  token.NewHasher(nil),
		log:     slog.Default(),
		now:     time.Now,
		newID:   NewID,
		newKey:  NewKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// MaxIDAttempts bounds id allocation retries on ErrIDInUse.
const MaxIDAttempts = 5

func (r *MemoryRepository) CreateSession(ctx context.Context, device Device, ip netip.Addr, key []byte) (Session, error) {
	const op = "session.CreateSession"

	if err := ValidateCreate(op, device, ip, key); err != nil {
		return Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return Session{}, Wrap(op, ErrStorageUnavailable, err)
	}

	now := Timestamp(r.now())
	rec := Record{
		Device:    device,
		IPAddress: NormalizeIP(ip),
		KeyHash:   r.hasher.Sum(key),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for range MaxIDAttempts {
		id, ok := CanonicalID(r.newID())
		if !ok || r.inUseLocked(id) {
			continue
		}
		rec.ID = id
		r.records[id] = rec
		return rec.WithKey(key), nil
	}
	return Session{}, E(op, ErrStorageUnavailable, "could not allocate a session id")
}

func (r *MemoryRepository) AddSessionToUser(ctx context.Context, sessionID string, ip netip.Addr, userID string, key, passwordHash []byte) (Session, error) {
	const op = "session.AddSessionToUser"

	if err := ValidateMutation(op, ip, key); err != nil {
		return Session{}, err
	}
	uid, err := CanonicalUserID(op, userID)
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.liveLocked(op, sessionID, key)
	if err != nil {
		return Session{}, err
	}
	already, err := CheckBinding(op, rec, uid)
	if err != nil {
		return Session{}, err
	}
	if err := CheckCredential(ctx, op, r.creds, uid, passwordHash); err != nil {
		return Session{}, err
	}
	if already {
		return rec.WithKey(key), nil
	}

	next, err := r.newKey()
	if err != nil {
		return Session{}, Wrap(op, ErrStorageUnavailable, err)
	}
	rec = rec.Bind(uid, NormalizeIP(ip), r.hasher.Sum(next), Timestamp(r.now()))
	r.records[rec.ID] = rec
	return rec.WithKey(next), nil
}

func (r *MemoryRepository) UpdateSessionIP(ctx context.Context, sessionID string, ip netip.Addr, key []byte) (Session, error) {
	const op = "session.UpdateSessionIP"

	if err := ValidateMutation(op, ip, key); err != nil {
		return Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return Session{}, Wrap(op, ErrStorageUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.liveLocked(op, sessionID, key)
	if err != nil {
		return Session{}, err
	}
	next, err := r.newKey()
	if err != nil {
		return Session{}, Wrap(op, ErrStorageUnavailable, err)
	}
	rec = rec.Readdress(NormalizeIP(ip), r.hasher.Sum(next), Timestamp(r.now()))
	r.records[rec.ID] = rec
	return rec.WithKey(next), nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (Session, error) {
	const op = "session.GetSession"

	if err := ctx.Err(); err != nil {
		return Session{}, Wrap(op, ErrStorageUnavailable, err)
	}
	cid, ok := CanonicalID(id)
	if !ok {
		return Session{}, E(op, ErrSessionNotFound, "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[cid]
	if !ok {
		return Session{}, E(op, ErrSessionNotFound, "")
	}
	return rec.Session(), nil
}

func (r *MemoryRepository) ClearSession(ctx context.Context, sessionID string, key []byte) {
	const op = "session.ClearSession"

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.liveLocked(op, sessionID, key)
	if err != nil {
		LogClearFailure(ctx, r.log, ClearStageVerify, sessionID, err)
		return
	}
	delete(r.records, rec.ID)
	r.retired[rec.ID] = struct{}{}
}

// ExpireIdle removes sessions last updated before idleSince.
func (r *MemoryRepository) ExpireIdle(ctx context.Context, idleSince time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Wrap("session.ExpireIdle", ErrStorageUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.records {
		if rec.UpdatedAt.Before(idleSince) {
			delete(r.records, id)
			r.retired[id] = struct{}{}
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error { return nil }

// Len returns the number of live sessions.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *MemoryRepository) inUseLocked(id string) bool {
	if _, ok := r.records[id]; ok {
		return true
	}
	_, ok := r.retired[id]
	return ok
}

// liveLocked resolves sessionID and verifies key. Caller holds r.mu.
func (r *MemoryRepository) liveLocked(op, sessionID string, key []byte) (Record, error) {
	cid, ok := CanonicalID(sessionID)
	if !ok {
		return Record{}, E(op, ErrSessionNotFound, "")
	}
	rec, ok := r.records[cid]
	if !ok {
		return Record{}, E(op, ErrSessionNotFound, "")
	}
	if err := CheckKey(op, r.hasher, rec, key); err != nil {
		return Record{}, err
	}
	return rec.Clone(), nil
}
