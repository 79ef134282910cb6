// Package consensus defines the engine interface a dMeta node runs on,
// plus the pieces shared by all engine implementations: the metrics
// Watcher used for predicate waits and the SnapshotPolicy that drives
// snapshotting and log compaction.
//
// Two implementations exist:
//
//   - inproc: a deterministic single-process engine. All nodes of a
//     cluster live in one Hub that replicates synchronously in commit
//     order. Used for tests and single-binary deployments.
//   - dragon: the production engine backed by the Dragonboat RAFT library.
//
// Cluster level code (lib/cluster) is written against the Engine
// interface only, so the same node logic runs on either.
package consensus
