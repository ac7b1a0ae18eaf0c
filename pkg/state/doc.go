// Package state persists deployment snapshots: the last-applied attributes
// and provider-assigned IDs of every managed resource. The snapshot is the
// single source of truth for diffing. Commits are per-resource and atomic,
// so a crash mid-apply leaves the snapshot consistent with the resources
// actually mutated. A lease table provides single-apply-per-deployment
// exclusion.
//
// Two backends implement Store: SQLiteStore (WAL mode, embedded
// migrations) and MemoryStore for tests.
package state
