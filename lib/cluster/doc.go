// Package cluster implements the node-level orchestration of a dMeta
// cluster on top of a consensus engine.
//
// A Node ties together three concerns:
//
//   - Lifecycle: Boot creates a brand new single-node cluster, Open
//     resumes from existing durable state, OpenOrBoot picks between the
//     two and optionally joins an existing cluster through a peer.
//   - Leader routing: every mutating operation is leader-bound. A
//     non-leader answers with a leader hint, and HandleForwardable
//     forwards the request along the committed address book until the hop
//     budget runs out. How the request travels is abstracted behind the
//     Forwarder interface (the rpc client in production, an in-process
//     forwarder in tests).
//   - Membership: Join admits a node as a learner first and re-sent joins
//     are idempotent; Promote upgrades a learner to voter; Leave removes
//     the member from the configuration and the address book.
//
// Reads are served from the local replica without consensus involvement.
package cluster
