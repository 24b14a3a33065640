// Package kvcache is the embedded fast-path copy of session records.
//
// It is a bbolt file with three buckets:
//
//	sessions    id -> JSON Entry (record snapshot incl. key digest)
//	stale       id -> time the entry was marked stale
//	tombstones  id -> time the session was cleared
//
// The cache is never a source of truth. A tombstoned id cannot be written
// again, so a late repair cannot resurrect a cleared session.
package kvcache
