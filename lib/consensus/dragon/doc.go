// Package dragon implements the consensus engine on top of Dragonboat RAFT
// for multi-node production deployments.
//
// The engine wraps one Dragonboat replica of the metadata shard. Dragonboat
// provides log replication, durability, leader election, snapshotting and
// log compaction; the engine adapts the typed metadata operations onto that
// machinery:
//
//   - Proposals travel as serialized log entries through SyncPropose and
//     come back as serialized applied states, so callers see the same typed
//     results as with any other engine.
//
//   - Membership changes map onto Dragonboat's SyncRequestAddNonVoting
//     (learners), SyncRequestAddReplica (voters) and
//     SyncRequestDeleteReplica.
//
//   - Leadership changes arrive through the raft event listener and are
//     published to the engine's watcher, unblocking callers that wait for
//     an election to settle.
//
// Unlike the in-process engine, proposals on a follower do not fail with a
// routing error: Dragonboat forwards them to the leader internally.
package dragon
