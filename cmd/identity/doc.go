// Package identity owns user identity nodes and their credentials.
//
// Users live in the same property graph as sessions and devices (label "user"
// in the nodes table); credentials are kept beside them as Argon2id hashes.
// The session graph store calls VerifyCredentialTx inside its own transaction
// so that credential checks and user binding commit together.
package identity
