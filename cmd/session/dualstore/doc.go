// Package dualstore implements session.Repository over two backends: the
// graph store of record and the embedded kvcache.
//
// Writes go to the graph first and to the cache only after the graph has
// acknowledged them. A failed cache write never fails the operation; the id
// is marked stale (reads bypass the cache for it) and queued for repair.
package dualstore
