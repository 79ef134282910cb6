// Package sm implements the deterministic state machine of a dMeta node.
//
// The state machine holds three kinds of committed state: the key-value
// namespace (SeqV envelopes with per-key version counters), the named
// counter table used by IncrSeq, and the cluster node registry (the address
// book committed via AddNode/RemoveNode entries).
//
// Determinism is the central contract: Apply is called exactly once per
// committed log index, strictly in index order, and its effect depends only
// on the entry and the state before it - never on wall clock time, map
// iteration order or node identity. Replicas that applied the same log
// prefix are byte-for-byte identical, which the snapshot codec makes
// observable by serializing all maps in sorted order.
//
// Snapshots (Save/Load) serialize the complete state plus the last applied
// index, so a node can be reconstructed from a snapshot and the log suffix
// behind it. Entries replayed at or below the last applied index are
// ignored by Apply.
package sm
