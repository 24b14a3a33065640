package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random (v4) session id.
func NewID() string { return uuid.NewString() }

// CanonicalID normalizes a session id to the lower-case hyphenated uuid form.
// ok is false when s is not a uuid, in which case it cannot name a session.
func CanonicalID(s string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return "", false
	}
	return id.String(), true
}
