package identity

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeUserID canonicalizes a user id to the lower-case hyphenated uuid form.
// It returns ok=false for anything that is not a uuid.
func NormalizeUserID(s string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return "", false
	}
	return id.String(), true
}
