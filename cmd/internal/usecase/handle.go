package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"sessiond/cmd/session"

	"golang.org/x/sync/semaphore"
)

// ErrHandleClosed is returned once the last reference has been released.
var ErrHandleClosed = errors.New("usecase: repository handle closed")

// GuardMode selects how Do serializes repository access.
type GuardMode int

const (
	// GuardGlobal runs one operation at a time across all sessions.
	GuardGlobal GuardMode = iota
	// GuardPerSession runs one operation at a time per session id. Creations
	// share a dedicated lane.
	GuardPerSession
)

func (m GuardMode) String() string {
	switch m {
	case GuardGlobal:
		return "global"
	case GuardPerSession:
		return "per_session"
	default:
		return fmt.Sprintf("GuardMode(%d)", int(m))
	}
}

// ParseGuardMode accepts "global" and "per_session" (also "per-session").
func ParseGuardMode(s string) (GuardMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global":
		return GuardGlobal, nil
	case "per_session", "per-session":
		return GuardPerSession, nil
	default:
		return 0, fmt.Errorf("usecase: unknown guard mode %q", s)
	}
}

// CreationLane is the guard key used by operations that have no session id yet.
const CreationLane = ""

// Handle shares one repository between use cases.
//
// It is reference counted: NewHandle starts at one reference, Retain adds
// one, Release drops one and closes the repository (when it is an io.Closer)
// after the last. Operations in flight hold a reference of their own, so the
// repository is never closed under a running Do.
type Handle struct {
	repo session.Repository
	mode GuardMode

	mu     sync.Mutex
	refs   int
	closed bool
	lanes  map[string]*lane
}

type lane struct {
	sem   *semaphore.Weighted
	users int
}

// NewHandle wraps repo with one reference.
func NewHandle(repo session.Repository, mode GuardMode) *Handle {
	return &Handle{
		repo:  repo,
		mode:  mode,
		refs:  1,
		lanes: make(map[string]*lane),
	}
}

// Mode returns the guard mode.
func (h *Handle) Mode() GuardMode { return h.mode }

// Retain adds a reference.
func (h *Handle) Retain() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.refs++
	return nil
}

// Release drops a reference, closing the repository after the last one.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.refs--
	last := h.refs == 0
	if last {
		h.closed = true
	}
	h.mu.Unlock()

	if !last {
		return nil
	}
	if c, ok := h.repo.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Do runs fn with exclusive access for key. Waiting honours ctx; fn itself
// is never interrupted by the guard and the guard is released when fn
// returns.
func (h *Handle) Do(ctx context.Context, key string, fn func(session.Repository) error) error {
	if err := h.Retain(); err != nil {
		return err
	}
	defer func() { _ = h.Release() }()

	l := h.acquireLane(key)
	defer h.dropLane(key, l)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("usecase: waiting for repository: %w", err)
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("usecase: waiting for repository: %w", err)
	}
	defer l.sem.Release(1)

	return fn(h.repo)
}

func (h *Handle) laneKey(key string) string {
	if h.mode == GuardGlobal {
		return CreationLane
	}
	if id, ok := session.CanonicalID(key); ok {
		return id
	}
	return key
}

func (h *Handle) acquireLane(key string) *lane {
	k := h.laneKey(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.lanes[k]
	if !ok {
		l = &lane{sem: semaphore.NewWeighted(1)}
		h.lanes[k] = l
	}
	l.users++
	return l
}

func (h *Handle) dropLane(key string, l *lane) {
	k := h.laneKey(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	l.users--
	if l.users == 0 {
		delete(h.lanes, k)
	}
}

// lanesInUse reports how many guard lanes exist (tests).
func (h *Handle) lanesInUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lanes)
}
