package password

// Validate checks the credential size policy. It does not mutate input.
func (c Config) Validate(secret []byte) error {
	if len(secret) < c.Policy.MinBytes {
		return ErrSecretTooShort
	}
	if len(secret) > c.Policy.MaxBytes {
		return ErrSecretTooLong
	}
	return nil
}
