// Package rpc provides a comprehensive framework for remote procedure calls
// in the distributed metadata store. It acts as the communication layer
// between clients and nodes, and between the nodes themselves when
// leader-bound requests are forwarded.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets).
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The typed RPC client for applications, plus the leader forwarder
//     nodes use to route writes, joins and leaves to the current leader.
//
//   - server: The RPC server hosting one cluster node, dispatching wire
//     messages to the node's typed operations.
package rpc
