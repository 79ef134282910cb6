// Package common provides core data structures and utilities shared across
// the dMeta rpc stack. It defines the wire protocol, configuration
// structures and the logging setup used by other packages.
//
// The package focuses on:
//   - Message protocol definition for client/server communication
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with Dragonboat
//   - Utilities for Dragonboat (RAFT) integration
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, with a
//     flexible structure that adapts to different operation types. The
//     leader-bound operations (Write, Join, Leave) carry a serialized log
//     entry plus the remaining forward hop budget; responses carry a
//     serialized applied state and, for routing errors, the leader hint.
//
//   - MessageType: Enumeration of all supported operations, split into
//     leader-bound operations and local reads.
//
//   - ServerConfig: Configuration for one dMeta node: identity, lifecycle
//     (boot / join), engine selection, consensus parameters and storage.
//     Provides utilities for converting to Dragonboat-specific
//     configurations.
//
//   - ClientConfig: Configuration for client components, controlling
//     connection parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation that integrates with
//     Dragonboat's logging system while providing consistent formatting
//     across the application.
package common
