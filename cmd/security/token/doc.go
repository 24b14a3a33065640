// Package token provides session-key hashing primitives for sessiond.
//
// It is the single source of truth for how session keys are stored.
//
// Design goals:
// - Raw session keys never reach a backend; only a digest does.
// - Default dev mode: SHA-256(key) when no HMAC key is configured.
// - Production mode: HMAC-SHA256(key, secret) when policy requires it.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment (read by the app config, not by this package):
//   - SESSIOND_TOKEN_HMAC_KEY: when set, enables HMAC mode.
//   - SESSIOND_REQUIRE_TOKEN_HMAC: refuse to start without a strong HMAC key.
package token
