package identity

import (
	"errors"

	"sessiond/cmd/security/password"
)

// checkCredential verifies secret against an encoded Argon2id hash.
// A malformed stored hash is reported as an operational error, not a mismatch.
func checkCredential(cfg password.Config, op, encoded string, secret []byte) error {
	ok, err := cfg.Verify(encoded, secret)
	if err != nil {
		if errors.Is(err, password.ErrInvalidHash) {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: "stored credential is not a valid argon2id hash"}
		}
		return err
	}
	if !ok {
		return invalidCredential(op)
	}
	return nil
}

func hashCredential(cfg password.Config, op string, secret []byte) (string, error) {
	enc, err := cfg.Hash(secret)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrSecretTooShort):
			return "", invalid(op, "credential too short")
		case errors.Is(err, password.ErrSecretTooLong):
			return "", invalid(op, "credential too long")
		default:
			return "", err
		}
	}
	return enc, nil
}
