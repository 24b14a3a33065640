// Package session defines the session domain model and the repository contract.
//
// A session is opened by a Device from an IP address and carries a rotating
// secret key. Possession of the current key is required for every mutation and
// every successful mutation issues a new key. Sessions start anonymous, may be
// bound to exactly one user, and once cleared their id is retired for good.
//
// Backends never see raw keys: a Record holds the key digest produced by a
// KeyHasher (see sessiond/cmd/security/token).
//
// Implementations of Repository:
//   - MemoryRepository (this package): maps, for tests and reference behaviour.
//   - dualstore.Repository: graph store of record plus an embedded cache.
package session
