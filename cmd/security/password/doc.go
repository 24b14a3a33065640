// Package password hashes and verifies user credentials for sessiond.
//
// Callers hand in credential material as bytes (for sessions this is the
// client-side password hash). The material is stored as an Argon2id hash in
// the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Security notes:
// - Encoded hashes are untrusted input during Verify and are strictly decoded.
// - Verification refuses hashes whose cost parameters exceed configured bounds.
package password
