package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Session {
	uid := "3f0b1c2e-8d4a-4e6f-9a1b-2c3d4e5f6a7b"
	return Session{
		ID:         "0b8e7c6d-5a4f-4321-8765-43210fedcba9",
		Device:     PC{Name: "workstation"},
		IPAddress:  netip.MustParseAddr("10.0.0.5"),
		SessionKey: []byte("top-secret-key"),
		UserID:     &uid,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

func TestSessionJSON_OmitsKey(t *testing.T) {
	s := sample()
	b, err := json.Marshal(s)
	require.NoError(t, err)

	assert.NotContains(t, string(b), "top-secret-key")
	assert.Contains(t, string(b), `"device":{"kind":"pc","name":"workstation"}`)
	assert.Contains(t, string(b), `"ip_address":"10.0.0.5"`)

	var back Session
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, s.Equal(back))
	assert.Empty(t, back.SessionKey)
}

func TestSessionJSON_AnonymousUserIsNull(t *testing.T) {
	s := sample()
	s.UserID = nil
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"user_id":null`)
}

func TestSession_LogValueHidesKey(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log.Info("session.test", slog.Any("session", sample()))

	assert.NotContains(t, buf.String(), "top-secret-key")
	assert.Contains(t, buf.String(), "10.0.0.5")
}

func TestSession_Equal(t *testing.T) {
	a := sample()
	b := sample()
	b.SessionKey = []byte("other")
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	assert.True(t, a.Equal(b))

	other := "11111111-2222-4333-8444-555555555555"
	b.UserID = &other
	assert.False(t, a.Equal(b))

	b = sample()
	b.UserID = nil
	assert.False(t, a.Equal(b))
}

func TestRecordJSON_RoundTrip(t *testing.T) {
	s := sample()
	r := Record{
		ID:        s.ID,
		Device:    Mac{OSVersion: "14.4", Name: "studio"},
		IPAddress: s.IPAddress,
		UserID:    s.UserID,
		KeyHash:   "ab",
		Revision:  7,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"rev":7`)

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, r, back)
}

func TestRecord_MutationsAdvanceRevision(t *testing.T) {
	r := Record{ID: "id", IPAddress: netip.MustParseAddr("10.0.0.5"), UpdatedAt: time.Unix(100, 0)}

	// Timestamps may go backwards; the revision never does.
	moved := r.Readdress(netip.MustParseAddr("10.0.0.6"), "k1", time.Unix(90, 0))
	assert.Equal(t, uint64(1), moved.Revision)
	bound := moved.Bind("u1", netip.MustParseAddr("10.0.0.7"), "k2", time.Unix(80, 0))
	assert.Equal(t, uint64(2), bound.Revision)
	assert.Zero(t, r.Revision)
}

func TestOpError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap("session.GetSession", ErrStorageUnavailable, cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsStorageUnavailable(err))
	assert.Equal(t, ErrStorageUnavailable, KindOf(err))
	assert.Equal(t, "session.GetSession: storage unavailable: dial tcp: refused", err.Error())

	assert.Nil(t, Wrap("op", ErrKeyMismatch, nil))
	assert.Nil(t, KindOf(errors.New("plain")))
	assert.True(t, IsKeyMismatch(E("op", ErrKeyMismatch, "")))
	assert.True(t, IsNotFound(E("op", ErrSessionNotFound, "")))
}

func TestCheckBinding(t *testing.T) {
	r := Record{}
	already, err := CheckBinding("op", r, "u1")
	assert.False(t, already)
	assert.NoError(t, err)

	u := "u1"
	r.UserID = &u
	already, err = CheckBinding("op", r, "u1")
	assert.True(t, already)
	assert.NoError(t, err)

	_, err = CheckBinding("op", r, "u2")
	assert.ErrorIs(t, err, ErrUserBindingConflict)
}
