package password

import (
	"fmt"
	"runtime"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"ARGON2_KEY_LEN"`
}

// Policy bounds the size of credential material, in bytes.
type Policy struct {
	MinBytes int `env:"PASSWORD_MIN_BYTES"`
	MaxBytes int `env:"PASSWORD_MAX_BYTES"`
}

// Config is the single configuration surface for this package.
// Fields carry env tags so the app can overlay environment values on DefaultConfig.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns a strong baseline for interactive credential checks.
func DefaultConfig() Config {
	// Clamp to [1..4] to keep resource usage predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinBytes: 8,
			MaxBytes: 128,
		},
	}
}

// Check validates parameter ranges. It is run after env overlay.
func (c Config) Check() error {
	switch {
	case c.Params.MemoryKiB < 8*1024 || c.Params.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: argon2 memory_kib out of range [8192..1048576]", ErrConfig)
	case c.Params.Iterations < 1 || c.Params.Iterations > 20:
		return fmt.Errorf("%w: argon2 iterations out of range [1..20]", ErrConfig)
	case c.Params.Parallelism < 1 || c.Params.Parallelism > 64:
		return fmt.Errorf("%w: argon2 parallelism out of range [1..64]", ErrConfig)
	case c.Params.SaltLength < 8 || c.Params.SaltLength > 64:
		return fmt.Errorf("%w: argon2 salt_len out of range [8..64]", ErrConfig)
	case c.Params.KeyLength < 16 || c.Params.KeyLength > 64:
		return fmt.Errorf("%w: argon2 key_len out of range [16..64]", ErrConfig)
	case c.Policy.MinBytes < 1:
		return fmt.Errorf("%w: min_bytes must be positive", ErrConfig)
	case c.Policy.MinBytes > c.Policy.MaxBytes:
		return fmt.Errorf("%w: min_bytes(%d) > max_bytes(%d)", ErrConfig, c.Policy.MinBytes, c.Policy.MaxBytes)
	}
	return nil
}
