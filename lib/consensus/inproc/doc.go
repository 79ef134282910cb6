// Package inproc implements the consensus.Engine interface without a
// network. All engines of a cluster attach to one Hub that replays the
// roles of transport and election: proposals on the leader are appended,
// applied and snapshotted on every attached engine synchronously, in
// commit order, before the proposal returns.
//
// Each engine still owns real durable state (a store.Store in its own data
// directory), so restart and catch-up behavior matches the production
// engine: a node that rejoins behind the committed log is brought up to
// date from the leader's log, or from a leader snapshot when the needed
// prefix was compacted away.
//
// The determinism makes this engine the workhorse of the cluster tests,
// and it doubles as the engine for single-binary deployments that do not
// need replication across processes.
package inproc
