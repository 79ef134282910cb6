// Package server implements the RPC server for the distributed metadata store.
// One server hosts one cluster node: it builds the configured consensus engine,
// opens (or boots, or joins) the node, and serves the node's operations over
// the pluggable transport and serializer.
//
// The package focuses on:
//   - Dispatching wire messages to the hosted node's typed operations
//   - Building the right consensus engine (inproc or dragon) from the config
//   - Driving the node lifecycle: boot a new cluster, reopen durable state,
//     or join an existing cluster via another member
//
// Key Components:
//
//   - NewRPCServer: Factory function creating a configured server with the
//     specified transports and serializer.
//
//   - handle: The dispatch of one decoded message: leader-bound operations
//     (Write, Join, Leave) run through the node's forwarding layer, reads
//     (GetKV, GetNode, Nodes, Metrics) are answered from the local replica.
//
// Usage Example:
//
//	// Create server configuration
//	config := common.ServerConfig{
//	  NodeID:   1,
//	  NodeName: "node-1",
//	  Endpoint: "0.0.0.0:8080",
//	  Engine:   common.EngineInproc,
//	  DataDir:  "/var/lib/dmeta",
//	  TimeoutSecond: 5,
//	  LogLevel: "info",
//	}
//
//	// Create and start the server
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPDefaultServerTransport(),
//	  tcp.NewTCPClientTransport,
//	  serializer.NewBinarySerializer(),
//	)
//
//	// Start the server
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The server supports two engine types:
//
//   - EngineInproc: A standalone single-process engine, suitable for
//     single-node deployments or development environments. Durable state
//     lives in the node's own log store.
//
//   - EngineDragon: The production engine backed by Dragonboat RAFT.
//     When using this type, the RAFT configuration (RaftAddr,
//     RTTMillisecond, SnapshotLogsSinceLast, MaxAppliedLogToKeep, DataDir
//     and InitialMembers) must be properly configured.
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Each request is processed independently.
//	The Serve method is not thread-safe and should be called only once.
package server
