package password

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretTooShort = errors.New("credential too short")
	ErrSecretTooLong  = errors.New("credential too long")
	ErrInvalidHash    = errors.New("invalid credential hash")
	ErrConfig         = errors.New("invalid password config")
)
