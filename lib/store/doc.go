// Package store implements the durable per-node storage of a dMeta node.
//
// A store is a single boltdb file (meta.db) in the node's data directory
// with three buckets:
//
//   - log: committed log entries keyed by big-endian index, so cursor order
//     equals index order
//   - state: the hard state (current term and vote) plus the index covered
//     by the latest snapshot
//   - snapshot: the latest snapshot payload, keyed by the index it covers
//
// The contract is write-ahead durability: every method that mutates the
// store syncs before returning, so any state a caller observed as written
// survives a crash. Reading back data that fails to decode yields
// meta.ErrStorageCorrupt; callers must treat that as fatal and refuse to
// serve rather than silently continue with partial state.
//
// Log compaction (TruncateBefore) removes an entry prefix already covered
// by a snapshot. A node restarting from a compacted store reconstructs its
// state machine from the snapshot plus the remaining log suffix.
package store
