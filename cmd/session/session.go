package session

import (
	"encoding/json"
	"log/slog"
	"net/netip"
	"time"
)

// Session is the caller-facing view of a session.
//
// SessionKey is only populated on values returned by CreateSession and the
// mutating operations; it never appears in JSON or logs.
type Session struct {
	ID         string
	Device     Device
	IPAddress  netip.Addr
	SessionKey []byte
	UserID     *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Equal compares id, device, ip and user. Keys and timestamps are ignored.
func (s Session) Equal(o Session) bool {
	if s.ID != o.ID || s.IPAddress != o.IPAddress || !DeviceEqual(s.Device, o.Device) {
		return false
	}
	if s.UserID == nil || o.UserID == nil {
		return s.UserID == nil && o.UserID == nil
	}
	return *s.UserID == *o.UserID
}

// Anonymous reports whether the session is not bound to a user yet.
func (s Session) Anonymous() bool { return s.UserID == nil }

// Redacted returns a copy without the key.
func (s Session) Redacted() Session {
	s.SessionKey = nil
	return s
}

// LogValue implements slog.LogValuer. The key is never logged.
func (s Session) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", s.ID),
		slog.String("ip", s.IPAddress.String()),
	}
	if s.Device != nil {
		attrs = append(attrs, slog.String("device", s.Device.Kind()))
	}
	if s.UserID != nil {
		attrs = append(attrs, slog.String("user_id", *s.UserID))
	}
	return slog.GroupValue(attrs...)
}

type sessionJSON struct {
	ID        string          `json:"id"`
	Device    json.RawMessage `json:"device"`
	IPAddress netip.Addr      `json:"ip_address"`
	UserID    *string         `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	dev, err := MarshalDevice(s.Device)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionJSON{
		ID:        s.ID,
		Device:    dev,
		IPAddress: s.IPAddress,
		UserID:    s.UserID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	})
}

func (s *Session) UnmarshalJSON(b []byte) error {
	var w sessionJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	dev, err := ParseDevice(w.Device)
	if err != nil {
		return err
	}
	*s = Session{
		ID:        w.ID,
		Device:    dev,
		IPAddress: w.IPAddress,
		UserID:    w.UserID,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	return nil
}

// Record is the persisted form of a session, shared by every backend.
// KeyHash is the 64-char hex digest of the current key. Revision starts at
// zero and is advanced by the graph on every mutation; caches order writes
// by it, never by UpdatedAt.
type Record struct {
	ID        string
	Device    Device
	IPAddress netip.Addr
	UserID    *string
	KeyHash   string
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session projects the record to a Session without key.
func (r Record) Session() Session {
	return Session{
		ID:        r.ID,
		Device:    r.Device,
		IPAddress: r.IPAddress,
		UserID:    cloneString(r.UserID),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// WithKey projects the record to a Session carrying key.
func (r Record) WithKey(key []byte) Session {
	s := r.Session()
	s.SessionKey = append([]byte(nil), key...)
	return s
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.UserID = cloneString(r.UserID)
	return r
}

type recordJSON struct {
	sessionJSON
	KeyHash  string `json:"key_hash"`
	Revision uint64 `json:"rev"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	dev, err := MarshalDevice(r.Device)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		sessionJSON: sessionJSON{
			ID:        r.ID,
			Device:    dev,
			IPAddress: r.IPAddress,
			UserID:    r.UserID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		},
		KeyHash:  r.KeyHash,
		Revision: r.Revision,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	dev, err := ParseDevice(w.Device)
	if err != nil {
		return err
	}
	*r = Record{
		ID:        w.ID,
		Device:    dev,
		IPAddress: w.IPAddress,
		UserID:    w.UserID,
		KeyHash:   w.KeyHash,
		Revision:  w.Revision,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	return nil
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
