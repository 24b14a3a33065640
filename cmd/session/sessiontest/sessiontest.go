// Package sessiontest holds the behavioural suite every session.Repository
// implementation must pass.
package sessiontest

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"sessiond/cmd/session"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness is one freshly built repository plus a way to register users in
// the identity store it verifies credentials against.
type Harness struct {
	Repo session.Repository

	// RegisterUser stores secret as the credential of a new user and returns
	// the user id.
	RegisterUser func(t *testing.T, secret []byte) string
}

// Run executes the suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"WorkstationScenario", testWorkstationScenario},
		{"CreateReturnsUniqueIDs", testCreateUniqueIDs},
		{"CreateThenGetRoundTrip", testRoundTrip},
		{"CreateRejectsInvalidInput", testCreateInvalidInput},
		{"BindRotatesKeyAndInvalidatesOld", testBindRotatesKey},
		{"RebindSameUserIsIdempotent", testRebindIdempotent},
		{"RebindWithWrongCredentialFails", testRebindWrongCredential},
		{"RebindDifferentUserConflicts", testRebindConflict},
		{"BindWrongCredentialFails", testBindWrongCredential},
		{"BindUnknownUserFails", testBindUnknownUser},
		{"BindWithStaleKeyMismatches", testBindStaleKey},
		{"UpdateIPRotatesKey", testUpdateIPRotates},
		{"UnknownSessionNotFound", testUnknownSession},
		{"ClearIsTerminal", testClearTerminal},
		{"ClearWithWrongKeyKeepsSession", testClearWrongKey},
		{"ExpireIdle", testExpireIdle},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newHarness(t))
		})
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func ip(s string) netip.Addr { return netip.MustParseAddr(s) }

func testWorkstationScenario(t *testing.T, h Harness) {
	c := ctx(t)
	h1 := []byte("password-hash-h1")
	u1 := h.RegisterUser(t, h1)

	k0 := []byte("k0")
	s, err := h.Repo.CreateSession(c, session.PC{Name: "workstation"}, ip("10.0.0.5"), k0)
	require.NoError(t, err)
	s1 := s.ID

	bound, err := h.Repo.AddSessionToUser(c, s1, ip("10.0.0.6"), u1, k0, h1)
	require.NoError(t, err)
	assert.Equal(t, s1, bound.ID)
	require.NotNil(t, bound.UserID)
	assert.Equal(t, u1, *bound.UserID)
	assert.Equal(t, ip("10.0.0.6"), bound.IPAddress)
	k1 := bound.SessionKey
	require.NotEmpty(t, k1)
	assert.False(t, bytes.Equal(k0, k1))

	_, err = h.Repo.UpdateSessionIP(c, s1, ip("10.0.0.7"), k0)
	assert.ErrorIs(t, err, session.ErrKeyMismatch)

	moved, err := h.Repo.UpdateSessionIP(c, s1, ip("10.0.0.7"), k1)
	require.NoError(t, err)
	assert.Equal(t, ip("10.0.0.7"), moved.IPAddress)
	k2 := moved.SessionKey
	require.NotEmpty(t, k2)
	assert.False(t, bytes.Equal(k1, k2))

	h.Repo.ClearSession(c, s1, k2)

	_, err = h.Repo.GetSession(c, s1)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func testCreateUniqueIDs(t *testing.T, h Harness) {
	c := ctx(t)
	seen := make(map[string]struct{})
	for i := range 20 {
		s, err := h.Repo.CreateSession(c, session.Android{OSVersion: "14", Name: "pixel"}, ip("192.0.2.1"), []byte{byte(i + 1)})
		require.NoError(t, err)
		_, dup := seen[s.ID]
		require.False(t, dup, "duplicate id %s", s.ID)
		seen[s.ID] = struct{}{}
		_, err = uuid.Parse(s.ID)
		require.NoError(t, err)
	}
}

func testRoundTrip(t *testing.T, h Harness) {
	c := ctx(t)
	key := []byte("round-trip-key")
	created, err := h.Repo.CreateSession(c, session.Mac{OSVersion: "14.4", Name: "studio"}, ip("2001:db8::1"), key)
	require.NoError(t, err)
	assert.Equal(t, key, created.SessionKey)
	assert.Nil(t, created.UserID)

	got, err := h.Repo.GetSession(c, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Equal(created), "got %+v want %+v", got.Redacted(), created.Redacted())
	assert.Empty(t, got.SessionKey)

	// The stored identity still verifies the original key.
	_, err = h.Repo.UpdateSessionIP(c, created.ID, ip("2001:db8::2"), key)
	assert.NoError(t, err)
}

func testCreateInvalidInput(t *testing.T, h Harness) {
	c := ctx(t)

	_, err := h.Repo.CreateSession(c, nil, ip("10.0.0.1"), []byte("k"))
	assert.ErrorIs(t, err, session.ErrInvalidInput)

	_, err = h.Repo.CreateSession(c, session.PC{Name: "x"}, netip.Addr{}, []byte("k"))
	assert.ErrorIs(t, err, session.ErrInvalidInput)

	_, err = h.Repo.CreateSession(c, session.PC{Name: "x"}, ip("10.0.0.1"), nil)
	assert.ErrorIs(t, err, session.ErrInvalidInput)

	for _, d := range []session.Device{
		session.PC{Name: "work\xffstation"},
		session.Mac{OSVersion: "14.5", Name: "a\x00b"},
	} {
		_, err = h.Repo.CreateSession(c, d, ip("10.0.0.1"), []byte("k"))
		assert.ErrorIs(t, err, session.ErrInvalidInput, "%#v", d)
	}
}

func testBindRotatesKey(t *testing.T, h Harness) {
	c := ctx(t)
	secret := []byte("bind-rotates-secret")
	user := h.RegisterUser(t, secret)

	s, err := h.Repo.CreateSession(c, session.IPhone{OSVersion: "17.5", DeviceModel: "iPhone15,2"}, ip("198.51.100.7"), []byte("first"))
	require.NoError(t, err)

	bound, err := h.Repo.AddSessionToUser(c, s.ID, ip("198.51.100.8"), user, []byte("first"), secret)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("first"), bound.SessionKey)

	_, err = h.Repo.UpdateSessionIP(c, s.ID, ip("198.51.100.9"), []byte("first"))
	assert.ErrorIs(t, err, session.ErrKeyMismatch)

	got, err := h.Repo.GetSession(c, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UserID)
	assert.Equal(t, user, *got.UserID)
	assert.Equal(t, ip("198.51.100.8"), got.IPAddress)
}

func testRebindIdempotent(t *testing.T, h Harness) {
	c := ctx(t)
	secret := []byte("rebind-secret-01")
	user := h.RegisterUser(t, secret)

	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.1.1.1"), []byte("k"))
	require.NoError(t, err)
	first, err := h.Repo.AddSessionToUser(c, s.ID, ip("10.1.1.2"), user, []byte("k"), secret)
	require.NoError(t, err)

	second, err := h.Repo.AddSessionToUser(c, s.ID, ip("10.1.1.2"), user, first.SessionKey, secret)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, first.SessionKey, second.SessionKey)

	// The key was not rotated.
	_, err = h.Repo.UpdateSessionIP(c, s.ID, ip("10.1.1.3"), first.SessionKey)
	assert.NoError(t, err)
}

func testRebindWrongCredential(t *testing.T, h Harness) {
	c := ctx(t)
	secret := []byte("rebind-secret-02")
	user := h.RegisterUser(t, secret)

	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.1.2.1"), []byte("k"))
	require.NoError(t, err)
	bound, err := h.Repo.AddSessionToUser(c, s.ID, ip("10.1.2.1"), user, []byte("k"), secret)
	require.NoError(t, err)

	_, err = h.Repo.AddSessionToUser(c, s.ID, ip("10.1.2.1"), user, bound.SessionKey, []byte("not-the-secret"))
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)

	got, err := h.Repo.GetSession(c, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Equal(bound))
}

func testRebindConflict(t *testing.T, h Harness) {
	c := ctx(t)
	secretA := []byte("conflict-secret-a")
	secretB := []byte("conflict-secret-b")
	userA := h.RegisterUser(t, secretA)
	userB := h.RegisterUser(t, secretB)

	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.2.2.1"), []byte("k"))
	require.NoError(t, err)
	bound, err := h.Repo.AddSessionToUser(c, s.ID, ip("10.2.2.1"), userA, []byte("k"), secretA)
	require.NoError(t, err)

	_, err = h.Repo.AddSessionToUser(c, s.ID, ip("10.2.2.1"), userB, bound.SessionKey, secretB)
	assert.ErrorIs(t, err, session.ErrUserBindingConflict)

	got, err := h.Repo.GetSession(c, s.ID)
	require.NoError(t, err)
	assert.Equal(t, userA, *got.UserID)
}

func testBindWrongCredential(t *testing.T, h Harness) {
	c := ctx(t)
	user := h.RegisterUser(t, []byte("right-secret-001"))

	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.3.3.1"), []byte("k"))
	require.NoError(t, err)

	_, err = h.Repo.AddSessionToUser(c, s.ID, ip("10.3.3.2"), user, []byte("k"), []byte("wrong-secret-001"))
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)

	// Nothing changed, the original key still works.
	got, err := h.Repo.GetSession(c, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.Equal(t, ip("10.3.3.1"), got.IPAddress)
	_, err = h.Repo.UpdateSessionIP(c, s.ID, ip("10.3.3.3"), []byte("k"))
	assert.NoError(t, err)
}

func testBindUnknownUser(t *testing.T, h Harness) {
	c := ctx(t)
	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.4.4.1"), []byte("k"))
	require.NoError(t, err)

	_, err = h.Repo.AddSessionToUser(c, s.ID, ip("10.4.4.1"), uuid.NewString(), []byte("k"), []byte("some-secret-01"))
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)
}

func testBindStaleKey(t *testing.T, h Harness) {
	c := ctx(t)
	secret := []byte("stale-key-secret")
	user := h.RegisterUser(t, secret)

	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.5.5.1"), []byte("k"))
	require.NoError(t, err)

	_, err = h.Repo.AddSessionToUser(c, s.ID, ip("10.5.5.1"), user, []byte("not-k"), secret)
	assert.ErrorIs(t, err, session.ErrKeyMismatch)
}

func testUpdateIPRotates(t *testing.T, h Harness) {
	c := ctx(t)
	s, err := h.Repo.CreateSession(c, session.Android{OSVersion: "15", Name: "tablet"}, ip("10.6.6.1"), []byte("k"))
	require.NoError(t, err)

	prev := s.SessionKey
	for i, addr := range []string{"10.6.6.2", "10.6.6.3", "10.6.6.4"} {
		next, err := h.Repo.UpdateSessionIP(c, s.ID, ip(addr), prev)
		require.NoError(t, err, "update %d", i)
		assert.Equal(t, ip(addr), next.IPAddress)
		assert.False(t, bytes.Equal(prev, next.SessionKey))

		_, err = h.Repo.UpdateSessionIP(c, s.ID, ip(addr), prev)
		assert.ErrorIs(t, err, session.ErrKeyMismatch)
		prev = next.SessionKey
	}
}

func testUnknownSession(t *testing.T, h Harness) {
	c := ctx(t)

	_, err := h.Repo.GetSession(c, uuid.NewString())
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = h.Repo.GetSession(c, "not-a-session-id")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = h.Repo.UpdateSessionIP(c, uuid.NewString(), ip("10.7.7.1"), []byte("k"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = h.Repo.AddSessionToUser(c, uuid.NewString(), ip("10.7.7.1"), uuid.NewString(), []byte("k"), []byte("secret-secret"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func testClearTerminal(t *testing.T, h Harness) {
	c := ctx(t)
	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.8.8.1"), []byte("k"))
	require.NoError(t, err)

	h.Repo.ClearSession(c, s.ID, []byte("k"))

	_, err = h.Repo.GetSession(c, s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = h.Repo.UpdateSessionIP(c, s.ID, ip("10.8.8.2"), []byte("k"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// Clearing twice is harmless.
	h.Repo.ClearSession(c, s.ID, []byte("k"))

	for range 10 {
		n, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.8.8.1"), []byte("k"))
		require.NoError(t, err)
		assert.NotEqual(t, s.ID, n.ID)
	}
}

func testClearWrongKey(t *testing.T, h Harness) {
	c := ctx(t)
	s, err := h.Repo.CreateSession(c, session.PC{Name: "desk"}, ip("10.9.9.1"), []byte("k"))
	require.NoError(t, err)

	h.Repo.ClearSession(c, s.ID, []byte("wrong"))

	got, err := h.Repo.GetSession(c, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func testExpireIdle(t *testing.T, h Harness) {
	exp, ok := h.Repo.(session.Expirer)
	if !ok {
		t.Skip("repository does not implement session.Expirer")
	}
	c := ctx(t)

	s, err := h.Repo.CreateSession(c, session.PC{Name: "idle"}, ip("10.10.0.1"), []byte("k"))
	require.NoError(t, err)

	n, err := exp.ExpireIdle(c, s.UpdatedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = exp.ExpireIdle(c, s.UpdatedAt.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = h.Repo.GetSession(c, s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}
