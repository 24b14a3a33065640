package graphstore

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"sessiond/cmd/session"
)

// BindInput binds a session to a user after key and credential checks.
type BindInput struct {
	SessionID  string
	IP         netip.Addr
	UserID     string // canonical uuid
	Key        []byte
	Secret     []byte
	NewKeyHash string
	Now        time.Time
}

// UpdateIPInput moves a session to a new origin and rotates its key digest.
type UpdateIPInput struct {
	SessionID  string
	IP         netip.Addr
	Key        []byte
	NewKeyHash string
	Now        time.Time
}

// Retirement reasons recorded in retired_sessions.
const (
	ReasonCleared = "cleared"
	ReasonExpired = "expired"
)

// Store is the graph contract consumed by the dual-backend repository.
type Store interface {
	// InsertSession persists a new anonymous session. A live or retired id
	// yields session.ErrIDInUse.
	InsertSession(ctx context.Context, rec session.Record) error
	LoadSession(ctx context.Context, id string) (session.Record, error)

	// BindUser returns applied=false when the session was already bound to
	// in.UserID and the credential still verifies; the record is then
	// unchanged.
	BindUser(ctx context.Context, in BindInput) (rec session.Record, applied bool, err error)
	UpdateIP(ctx context.Context, in UpdateIPInput) (session.Record, error)

	// DeleteSession verifies key, removes the session node with its edges and
	// retires the id.
	DeleteSession(ctx context.Context, id string, key []byte) error

	// ExpireIdle deletes and retires sessions not updated since idleSince and
	// returns their ids.
	ExpireIdle(ctx context.Context, idleSince time.Time) ([]string, error)
	Ping(ctx context.Context) error
}

// sessionProps is the props document of a session node.
type sessionProps struct {
	IP      netip.Addr `json:"ip"`
	KeyHash string     `json:"key_hash"`
	Rev     uint64     `json:"rev"`
}

func encodeProps(rec session.Record) ([]byte, error) {
	return json.Marshal(sessionProps{IP: rec.IPAddress, KeyHash: rec.KeyHash, Rev: rec.Revision})
}

// decodeRow fills rec from the props of a session node and its device node.
// A row that does not decode is a storage fault; the decoder's kind is dropped
// so it cannot pass for caller input.
func decodeRow(op string, rec *session.Record, rawProps, rawDev []byte) error {
	var props sessionProps
	if err := json.Unmarshal(rawProps, &props); err != nil {
		return session.E(op, session.ErrStorageUnavailable, "decode session props: "+err.Error())
	}
	dev, err := session.ParseDevice(rawDev)
	if err != nil {
		return session.E(op, session.ErrStorageUnavailable, "decode device props: "+err.Error())
	}
	rec.Device = dev
	rec.IPAddress = props.IP
	rec.KeyHash = props.KeyHash
	rec.Revision = props.Rev
	return nil
}

// classify keeps session kinds and maps everything else (context deadline,
// connection loss, driver errors) to ErrStorageUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if session.KindOf(err) != nil {
		return err
	}
	return session.Wrap(op, session.ErrStorageUnavailable, err)
}
