// Package meta defines the domain types of the dMeta cluster: node
// descriptors, the stored value envelope, the closed command set carried by
// log entries, the typed results of applying them, and the shared error
// taxonomy.
//
// The package focuses on:
//   - Value types with optimistic-concurrency versioning (SeqV, MatchSeq)
//   - The command sum type (Cmd) and its log entry wrapper (LogEntry)
//   - Typed apply results (AppliedState)
//   - Stable binary codecs for everything that crosses the consensus
//     engine or network boundary
//
// All codecs use big endian encoding with explicit length prefixes for
// variable length fields, so independently built nodes agree on the byte
// representation of every committed entry.
//
// Error handling follows a small taxonomy: ForwardToLeader is a routing
// signal (retry against the named leader), ErrRetryable marks transient
// conditions, and ErrStorageCorrupt marks fatal local storage damage that
// must abort node startup. A rejected write precondition is deliberately
// NOT an error: it is reported as a successful AppliedState whose prev and
// result are equal.
package meta
